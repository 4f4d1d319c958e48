package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/eventbus"
	"postpilot/internal/job"
	"postpilot/internal/job/ratelimit"
	"postpilot/internal/job/runner"
	logx "postpilot/pkg/logx"
)

// State is the autopilot lifecycle state. pausedByErrors is tracked
// separately: it marks a PAUSED state as automatic and eligible for
// auto-resume at day rollover.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrNotRegistered  = errors.New("no callable registered for job type")
	ErrJobNotFound    = errors.New("job not found in history")
)

const (
	// Daily summary runs shortly after midnight so the day's counters are
	// complete; weekly maintenance runs in the Monday small hours.
	dailySummarySpec      = "5 0 * * *"
	weeklyMaintenanceSpec = "30 3 * * 1"
)

type Service struct {
	log logx.Logger
	bus eventbus.Bus

	runner *runner.Runner

	mu  sync.Mutex
	cfg Config

	c          *cron.Cron
	intervalID cron.EntryID
	dailyID    cron.EntryID
	weeklyID   cron.EntryID

	state          State
	pausedByErrors bool

	consecutiveErrors   int
	totalRunsToday      int
	successfulRunsToday int
	lastRunAt           time.Time
	lastErrorResetDate  time.Time

	jobs map[job.Type]job.Fn

	// tickBusy skips a tick when the previous one is still running, so
	// two ticks never mutate the run-state concurrently.
	tickBusy atomic.Bool

	now func() time.Time
}

func New(cfg Config, run *runner.Runner, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		runner: run,
		cfg:    cfg.WithDefaults(),
		state:  StateStopped,
		jobs:   map[job.Type]job.Fn{},
		now:    time.Now,
	}
	s.lastErrorResetDate = dateOf(s.now())
	return s
}

// RegisterJob binds a callable to an enumerated job type. Unknown types
// and nil callables are rejected at registration time.
func (s *Service) RegisterJob(typ job.Type, fn job.Fn) error {
	if !typ.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownJobType, typ)
	}
	if fn == nil {
		return fmt.Errorf("nil callable for job type %q", typ)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[typ] = fn
	// The weekly slot is only scheduled once something can fill it.
	if typ == job.TypeWeeklyMaintenance && s.c != nil && s.weeklyID == 0 {
		if id, err := s.c.AddFunc(weeklyMaintenanceSpec, s.weeklyCycle); err == nil {
			s.weeklyID = id
		}
	}
	s.log.Debug("job registered", logx.String("job", string(typ)))
	return nil
}

// Start installs the timer set and re-enables the runner. It is a no-op
// when the config is disabled or the autopilot is not stopped.
func (s *Service) Start() {
	s.mu.Lock()
	if !s.cfg.Enabled || s.state != StateStopped {
		s.mu.Unlock()
		return
	}

	s.runner.Enable()
	s.c = cron.New()
	s.addIntervalLocked()
	if id, err := s.c.AddFunc(dailySummarySpec, s.dailyCycle); err == nil {
		s.dailyID = id
	}
	if _, ok := s.jobs[job.TypeWeeklyMaintenance]; ok {
		if id, err := s.c.AddFunc(weeklyMaintenanceSpec, s.weeklyCycle); err == nil {
			s.weeklyID = id
		}
	}
	s.c.Start()
	s.state = StateRunning
	cfg := s.cfg
	s.mu.Unlock()

	s.publish("autopilot.started", map[string]any{"mode": string(cfg.Mode)})
	s.log.Info("autopilot started",
		logx.String("mode", string(cfg.Mode)),
		logx.Duration("publish_interval", cfg.PublishInterval),
		logx.Int("max_posts_per_day", cfg.MaxPostsPerDay),
	)
}

// Stop tears the timer set down and disables the runner; subsequent runs
// return CANCELLED until Start is called again. An in-flight job is not
// cancelled.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	s.intervalID, s.dailyID, s.weeklyID = 0, 0, 0
	s.state = StateStopped
	s.pausedByErrors = false
	s.mu.Unlock()

	s.runner.Disable()
	s.publish("autopilot.stopped", nil)
	s.log.Info("autopilot stopped")
}

// Pause suspends job invocation while keeping registered jobs, counters,
// and the timer set intact. Ticks keep firing so the day-rollover check
// can still run; they do nothing while paused.
func (s *Service) Pause() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StatePaused
	s.mu.Unlock()

	s.publish("autopilot.paused", map[string]any{"by_errors": false})
	s.log.Info("autopilot paused")
}

// Resume reactivates a paused autopilot and clears the error-pause flag.
func (s *Service) Resume() {
	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.pausedByErrors = false
	s.consecutiveErrors = 0
	s.mu.Unlock()

	s.publish("autopilot.resumed", map[string]any{"by_errors": false})
	s.log.Info("autopilot resumed")
}

// UpdateConfig atomically swaps the config and reconfigures the runner.
// While running, a changed publish interval replaces only the interval
// timer entry; the daily and weekly entries and all counters survive, and
// an in-flight run finishes under the old settings.
func (s *Service) UpdateConfig(cfg Config) {
	cfg = cfg.WithDefaults()

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.c != nil && prev.PublishInterval != cfg.PublishInterval {
		if s.intervalID != 0 {
			s.c.Remove(s.intervalID)
			s.intervalID = 0
		}
		s.addIntervalLocked()
	}
	s.mu.Unlock()

	s.runner.UpdateConfig(cfg.Config)
	s.log.Info("autopilot config updated",
		logx.String("mode", string(cfg.Mode)),
		logx.Duration("publish_interval", cfg.PublishInterval),
	)
}

// RunOnce bypasses all gating and executes the registered callable for
// typ immediately via the runner's manual path.
func (s *Service) RunOnce(ctx context.Context, typ job.Type, payload map[string]any) (job.Result, error) {
	if !typ.Valid() {
		return job.Result{}, fmt.Errorf("%w: %q", ErrUnknownJobType, typ)
	}
	s.mu.Lock()
	fn, ok := s.jobs[typ]
	cfg := s.cfg
	s.mu.Unlock()
	if !ok {
		return job.Result{}, fmt.Errorf("%w: %q", ErrNotRegistered, typ)
	}

	payload = withConfig(payload, cfg)
	return s.runner.RunNow(ctx, typ, fn, payload), nil
}

// RetryFailed re-runs a failed job from its recorded input snapshot,
// bypassing the rate limiter.
func (s *Service) RetryFailed(ctx context.Context, jobID string) (job.Result, error) {
	prev, ok := s.runner.Lookup(jobID)
	if !ok {
		return job.Result{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	s.mu.Lock()
	fn, ok := s.jobs[prev.Type]
	s.mu.Unlock()
	if !ok {
		return job.Result{}, fmt.Errorf("%w: %q", ErrNotRegistered, prev.Type)
	}
	return s.runner.RunNow(ctx, prev.Type, fn, prev.InputData), nil
}

// StatusSnapshot is the control-surface view of the autopilot.
type StatusSnapshot struct {
	Enabled             bool             `json:"enabled"`
	Mode                Mode             `json:"mode"`
	State               State            `json:"state"`
	SchedulerRunning    bool             `json:"scheduler_running"`
	TotalRunsToday      int              `json:"total_runs_today"`
	SuccessfulRunsToday int              `json:"successful_runs_today"`
	ConsecutiveErrors   int              `json:"consecutive_errors"`
	PausedByErrors      bool             `json:"paused_by_errors"`
	LastRunAt           time.Time        `json:"last_run_at,omitempty"`
	RegisteredJobs      []string         `json:"registered_jobs"`
	RateLimiter         ratelimit.Status `json:"rate_limiter"`
}

func (s *Service) Status() StatusSnapshot {
	s.mu.Lock()
	names := make([]string, 0, len(s.jobs))
	for typ := range s.jobs {
		names = append(names, string(typ))
	}
	snap := StatusSnapshot{
		Enabled:             s.cfg.Enabled,
		Mode:                s.cfg.Mode,
		State:               s.state,
		SchedulerRunning:    s.state == StateRunning,
		TotalRunsToday:      s.totalRunsToday,
		SuccessfulRunsToday: s.successfulRunsToday,
		ConsecutiveErrors:   s.consecutiveErrors,
		PausedByErrors:      s.pausedByErrors,
		LastRunAt:           s.lastRunAt,
	}
	s.mu.Unlock()

	sort.Strings(names)
	snap.RegisteredJobs = names
	snap.RateLimiter = s.runner.LimiterStatus()
	return snap
}

// addIntervalLocked installs the generation-cycle trigger. Call with s.mu
// held and s.c non-nil.
func (s *Service) addIntervalLocked() {
	spec := fmt.Sprintf("@every %s", s.cfg.PublishInterval)
	id, err := s.c.AddFunc(spec, s.tick)
	if err != nil {
		s.log.Error("interval timer install failed", logx.String("spec", spec), logx.Err(err))
		return
	}
	s.intervalID = id
}

func (s *Service) publish(typ string, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func withConfig(payload map[string]any, cfg Config) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	if _, ok := out["config"]; !ok {
		out["config"] = cfg
	}
	return out
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
