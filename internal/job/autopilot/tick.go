package autopilot

import (
	"context"
	"runtime/debug"
	"time"

	"postpilot/internal/job"
	logx "postpilot/pkg/logx"
)

// tick is one generation cycle. It is invoked by the interval timer and
// by tests; overlapping invocations collapse to one.
func (s *Service) tick() {
	if !s.tickBusy.CompareAndSwap(false, true) {
		s.log.Debug("tick skipped, previous cycle still running")
		return
	}
	defer s.tickBusy.Store(false)

	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("generation cycle panicked",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
			s.mu.Lock()
			s.consecutiveErrors++
			s.mu.Unlock()
		}
	}()

	now := s.now()

	s.mu.Lock()
	s.rolloverLocked(now)

	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	if !withinActiveHours(now.Hour(), cfg.ActiveHoursStart, cfg.ActiveHoursEnd) {
		s.mu.Unlock()
		s.log.Debug("tick outside active hours", logx.Int("hour", now.Hour()))
		return
	}
	if s.consecutiveErrors >= cfg.PauseOnErrors {
		s.pauseOnErrorsLocked()
		s.mu.Unlock()
		return
	}
	fn, ok := s.jobs[job.TypeContentGeneration]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("tick with no content generation job registered")
		return
	}

	res := s.runner.Run(context.Background(), job.TypeContentGeneration, fn, withConfig(nil, cfg))

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case res.Status == job.StatusSuccess:
		s.totalRunsToday++
		s.successfulRunsToday++
		s.consecutiveErrors = 0
		s.lastRunAt = res.CompletedAt
	case res.Status.CountsAsError():
		s.totalRunsToday++
		s.consecutiveErrors++
		s.lastRunAt = res.CompletedAt
		if s.consecutiveErrors >= cfg.PauseOnErrors {
			s.pauseOnErrorsLocked()
		}
	default:
		// RATE_LIMITED and CANCELLED are neither progress nor failure.
		s.log.Debug("generation cycle not run",
			logx.String("status", string(res.Status)),
			logx.String("reason", res.ErrorMessage),
		)
	}
}

// dailyCycle fires once per day: it logs the previous day's summary,
// resets the autopilot counters, and runs the daily summary job if one is
// registered. The summary run bypasses the limiter so it never consumes
// publish quota.
func (s *Service) dailyCycle() {
	s.mu.Lock()
	total, successful := s.totalRunsToday, s.successfulRunsToday
	s.totalRunsToday = 0
	s.successfulRunsToday = 0
	s.consecutiveErrors = 0
	resumed := false
	if s.state == StatePaused && s.pausedByErrors {
		s.state = StateRunning
		s.pausedByErrors = false
		resumed = true
	}
	s.lastErrorResetDate = dateOf(s.now())
	fn, ok := s.jobs[job.TypeDailySummary]
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Info("daily summary",
		logx.Int("total_runs", total),
		logx.Int("successful_runs", successful),
	)
	if resumed {
		s.publish("autopilot.resumed", map[string]any{"by_errors": true})
		s.log.Info("autopilot auto-resumed at day rollover")
	}

	if ok {
		payload := withConfig(map[string]any{
			"total_runs":      total,
			"successful_runs": successful,
		}, cfg)
		s.runner.RunNow(context.Background(), job.TypeDailySummary, fn, payload)
	}
}

// weeklyCycle runs the registered maintenance job, bypassing the limiter.
func (s *Service) weeklyCycle() {
	s.mu.Lock()
	fn, ok := s.jobs[job.TypeWeeklyMaintenance]
	cfg := s.cfg
	s.mu.Unlock()
	if !ok {
		return
	}
	s.runner.RunNow(context.Background(), job.TypeWeeklyMaintenance, fn, withConfig(nil, cfg))
}

// rolloverLocked resets the daily counters and auto-resumes an
// error-paused autopilot when the date advances. dailyCycle normally does
// this at midnight; the tick-side check covers a process that slept
// through it. Call with s.mu held.
func (s *Service) rolloverLocked(now time.Time) {
	today := dateOf(now)
	if !today.After(s.lastErrorResetDate) {
		return
	}
	s.lastErrorResetDate = today
	s.totalRunsToday = 0
	s.successfulRunsToday = 0
	s.consecutiveErrors = 0
	if s.state == StatePaused && s.pausedByErrors {
		s.state = StateRunning
		s.pausedByErrors = false
		s.log.Info("autopilot auto-resumed at day rollover")
	}
}

// pauseOnErrorsLocked trips the self-pause. Call with s.mu held.
func (s *Service) pauseOnErrorsLocked() {
	if s.state != StateRunning {
		return
	}
	s.state = StatePaused
	s.pausedByErrors = true
	s.publish("autopilot.paused", map[string]any{"by_errors": true})
	s.log.Warn("autopilot paused after consecutive failures",
		logx.Int("consecutive_errors", s.consecutiveErrors),
	)
}
