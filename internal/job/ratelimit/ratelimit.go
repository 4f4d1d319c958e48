// Package ratelimit gates job execution against a rolling daily quota, a
// minimum inter-execution interval, and an optional daily token budget.
//
// The day rollover is checked lazily on every gate query; the limiter has
// no lifecycle of its own.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

type Limiter struct {
	mu sync.Mutex

	dailyLimit  int
	interval    time.Duration
	tokenBudget int // 0 = unlimited

	dailyCount    int
	tokensToday   int
	lastExecution time.Time // zero until the first recorded run
	dayStart      time.Time // local midnight of the current accounting day

	now func() time.Time
}

// Status is a point-in-time snapshot for diagnostics and the control surface.
type Status struct {
	DailyCount    int           `json:"daily_count"`
	DailyLimit    int           `json:"daily_limit"`
	TokensToday   int           `json:"tokens_today"`
	TokenBudget   int           `json:"token_budget,omitempty"`
	Interval      time.Duration `json:"interval"`
	LastExecution time.Time     `json:"last_execution,omitempty"`
	DayStart      time.Time     `json:"day_start"`
	CanRun        bool          `json:"can_run"`
	Reason        string        `json:"reason,omitempty"`
}

func New(dailyLimit int, interval time.Duration, tokenBudget int) *Limiter {
	if dailyLimit <= 0 {
		dailyLimit = 1
	}
	if interval < 0 {
		interval = 0
	}
	if tokenBudget < 0 {
		tokenBudget = 0
	}
	l := &Limiter{
		dailyLimit:  dailyLimit,
		interval:    interval,
		tokenBudget: tokenBudget,
		now:         time.Now,
	}
	l.dayStart = dateOf(l.now())
	return l
}

// SetClock overrides the limiter's time source. Intended for tests and
// simulations; not safe to call while other goroutines use the limiter.
func (l *Limiter) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// CanExecute answers "can a run start now?" without side effects.
// It is cheap and idempotent; schedulers may poll it freely.
func (l *Limiter) CanExecute() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.canExecuteLocked(l.now())
}

func (l *Limiter) canExecuteLocked(now time.Time) (bool, string) {
	l.rolloverLocked(now)

	if l.dailyCount >= l.dailyLimit {
		return false, "daily limit reached"
	}
	if !l.lastExecution.IsZero() && l.interval > 0 {
		elapsed := now.Sub(l.lastExecution)
		if elapsed < l.interval {
			remaining := l.interval - elapsed
			return false, fmt.Sprintf("interval not met, wait %.1fm", remaining.Minutes())
		}
	}
	if l.tokenBudget > 0 && l.tokensToday >= l.tokenBudget {
		return false, "daily token budget exhausted"
	}
	return true, ""
}

// RecordExecution counts one accepted run. Call it only after a run is
// confirmed to have started, and only once per accepted run (never per
// retry attempt).
func (l *Limiter) RecordExecution() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.rolloverLocked(now)
	l.dailyCount++
	l.lastExecution = now
}

// RecordTokens adds to today's token spend.
func (l *Limiter) RecordTokens(n int) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(l.now())
	l.tokensToday += n
}

// Reservation is a provisionally counted run admission.
//
// Acquire stamps the count and last-execution time inside one critical
// section, so two concurrent callers can never both pass a tight interval
// gate. The caller must finish the reservation exactly once: Commit keeps
// the charge, Rollback returns it (used when the run does not succeed).
type Reservation struct {
	l        *Limiter
	prevLast time.Time
	wrote    time.Time
	done     bool
}

// Acquire atomically gates and charges a prospective run.
// On denial it returns (nil, false, reason).
func (l *Limiter) Acquire() (*Reservation, bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if ok, reason := l.canExecuteLocked(now); !ok {
		return nil, false, reason
	}
	r := &Reservation{l: l, prevLast: l.lastExecution, wrote: now}
	l.dailyCount++
	l.lastExecution = now
	return r, true, ""
}

func (r *Reservation) Commit() {
	if r == nil || r.done {
		return
	}
	r.done = true
}

// Rollback undoes the provisional charge. The last-execution stamp is only
// restored if no later run has overwritten it.
func (r *Reservation) Rollback() {
	if r == nil || r.done {
		return
	}
	r.done = true

	l := r.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dailyCount > 0 {
		l.dailyCount--
	}
	if l.lastExecution.Equal(r.wrote) {
		l.lastExecution = r.prevLast
	}
}

// Status returns a snapshot including the current gate answer.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	can, reason := l.canExecuteLocked(now)
	return Status{
		DailyCount:    l.dailyCount,
		DailyLimit:    l.dailyLimit,
		TokensToday:   l.tokensToday,
		TokenBudget:   l.tokenBudget,
		Interval:      l.interval,
		LastExecution: l.lastExecution,
		DayStart:      l.dayStart,
		CanRun:        can,
		Reason:        reason,
	}
}

// rolloverLocked resets the daily counters exactly once when the wall-clock
// date advances past dayStart. Call with l.mu held.
func (l *Limiter) rolloverLocked(now time.Time) {
	today := dateOf(now)
	if today.After(l.dayStart) {
		l.dailyCount = 0
		l.tokensToday = 0
		l.dayStart = today
	}
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
