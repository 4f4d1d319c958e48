package autopilot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postpilot/internal/job"
	"postpilot/internal/job/runner"
	logx "postpilot/pkg/logx"
)

func testPreset() Config {
	cfg := Preset(ModeStandard)
	cfg.Enabled = true
	cfg.PublishInterval = time.Hour
	cfg.MaxPostsPerDay = 10
	cfg.JobTimeout = time.Second
	cfg.MaxRetries = 0
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = time.Millisecond
	// Always active unless a test narrows the window.
	cfg.ActiveHoursStart = 0
	cfg.ActiveHoursEnd = 0
	return cfg
}

// movableClock lets tests steer the autopilot's view of time.
type movableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *movableClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *movableClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, cfg Config, fn job.Fn) (*Service, *movableClock) {
	t.Helper()
	// The runner's limiter gets no interval gate so ticks in quick
	// succession are not denied; the cron entry keeps the long interval.
	limCfg := cfg.Config
	limCfg.PublishInterval = 0
	run := runner.New(limCfg, nil, logx.Nop(), nil)
	s := New(cfg, run, logx.Nop(), nil)
	clock := &movableClock{t: time.Now()}
	s.now = clock.now
	if fn != nil {
		if err := s.RegisterJob(job.TypeContentGeneration, fn); err != nil {
			t.Fatalf("RegisterJob: %v", err)
		}
	}
	s.Start()
	t.Cleanup(s.Stop)
	return s, clock
}

func TestRegisterJobValidation(t *testing.T) {
	t.Parallel()
	run := runner.New(testPreset().Config, nil, logx.Nop(), nil)
	s := New(testPreset(), run, logx.Nop(), nil)

	if err := s.RegisterJob(job.Type("bogus"), func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }); !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("err = %v, want ErrUnknownJobType", err)
	}
	if err := s.RegisterJob(job.TypeContentGeneration, nil); err == nil {
		t.Fatal("nil callable accepted")
	}
	if err := s.RegisterJob(job.TypeContentGeneration, func(ctx context.Context, p map[string]any) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("valid registration rejected: %v", err)
	}
}

func TestPauseOnConsecutiveErrors(t *testing.T) {
	t.Parallel()
	cfg := testPreset()
	cfg.PauseOnErrors = 3
	failing := func(ctx context.Context, p map[string]any) (any, error) {
		return nil, errors.New("generation failed")
	}
	s, _ := newTestService(t, cfg, failing)

	s.tick()
	s.tick()
	if st := s.Status(); st.State != StateRunning || st.ConsecutiveErrors != 2 {
		t.Fatalf("after 2 failing ticks: state=%s errors=%d", st.State, st.ConsecutiveErrors)
	}

	// The third consecutive failure trips the self-pause.
	s.tick()
	st := s.Status()
	if st.State != StatePaused {
		t.Fatalf("after 3 failing ticks: state=%s, want paused", st.State)
	}
	if !st.PausedByErrors {
		t.Fatal("pausedByErrors not set")
	}
	if st.ConsecutiveErrors != 3 {
		t.Fatalf("consecutiveErrors = %d", st.ConsecutiveErrors)
	}

	// While error-paused, further ticks are inert.
	s.tick()
	if got := s.Status().TotalRunsToday; got != 3 {
		t.Fatalf("paused tick still ran a job: totalRunsToday=%d", got)
	}
}

func TestDayRolloverAutoResumes(t *testing.T) {
	t.Parallel()
	cfg := testPreset()
	cfg.PauseOnErrors = 2
	failing := func(ctx context.Context, p map[string]any) (any, error) {
		return nil, errors.New("generation failed")
	}
	s, clock := newTestService(t, cfg, failing)

	s.tick()
	s.tick()
	if st := s.Status(); st.State != StatePaused || !st.PausedByErrors {
		t.Fatalf("precondition: state=%s pausedByErrors=%v", st.State, st.PausedByErrors)
	}

	clock.advance(25 * time.Hour)
	s.tick()
	st := s.Status()
	if st.State != StateRunning {
		t.Fatalf("state after rollover = %s, want running", st.State)
	}
	if st.PausedByErrors {
		t.Fatal("pausedByErrors survived the rollover")
	}
	// The rollover tick itself runs and fails, so the counters restart at 1.
	if st.TotalRunsToday != 1 || st.ConsecutiveErrors != 1 {
		t.Fatalf("counters after rollover: total=%d errors=%d", st.TotalRunsToday, st.ConsecutiveErrors)
	}
}

func TestManualPauseDoesNotAutoResume(t *testing.T) {
	t.Parallel()
	s, clock := newTestService(t, testPreset(), func(ctx context.Context, p map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	s.Pause()
	clock.advance(25 * time.Hour)
	s.tick()
	if st := s.Status(); st.State != StatePaused {
		t.Fatalf("manual pause auto-resumed: state=%s", st.State)
	}
	s.Resume()
	if st := s.Status(); st.State != StateRunning {
		t.Fatalf("resume failed: state=%s", st.State)
	}
}

func TestActiveHoursSkipsTick(t *testing.T) {
	t.Parallel()
	cfg := testPreset()
	cfg.ActiveHoursStart = 8
	cfg.ActiveHoursEnd = 22
	ran := 0
	s, clock := newTestService(t, cfg, func(ctx context.Context, p map[string]any) (any, error) {
		ran++
		return map[string]any{"ok": true}, nil
	})

	y, m, d := time.Now().Date()
	clock.mu.Lock()
	clock.t = time.Date(y, m, d, 23, 0, 0, 0, time.Local)
	clock.mu.Unlock()

	s.tick()
	if ran != 0 {
		t.Fatalf("tick at hour 23 ran the job %d times", ran)
	}
	if st := s.Status(); st.TotalRunsToday != 0 || st.ConsecutiveErrors != 0 {
		t.Fatalf("skipped tick changed counters: %+v", st)
	}

	clock.mu.Lock()
	clock.t = time.Date(y, m, d, 10, 0, 0, 0, time.Local)
	clock.mu.Unlock()
	s.tick()
	if ran != 1 {
		t.Fatalf("tick inside the window ran the job %d times", ran)
	}
}

func TestRateLimitedTickIsNotAnError(t *testing.T) {
	t.Parallel()
	cfg := testPreset()
	cfg.MaxPostsPerDay = 1
	cfg.PauseOnErrors = 1
	s, _ := newTestService(t, cfg, func(ctx context.Context, p map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	s.tick()
	s.tick() // daily limit reached
	st := s.Status()
	if st.State != StateRunning {
		t.Fatalf("rate-limited tick paused the autopilot: state=%s", st.State)
	}
	if st.ConsecutiveErrors != 0 {
		t.Fatalf("rate-limited tick counted as error: %d", st.ConsecutiveErrors)
	}
	if st.TotalRunsToday != 1 {
		t.Fatalf("rate-limited tick counted as run: total=%d", st.TotalRunsToday)
	}
}

func TestSuccessResetsErrorStreak(t *testing.T) {
	t.Parallel()
	cfg := testPreset()
	cfg.PauseOnErrors = 3
	var fail bool
	s, _ := newTestService(t, cfg, func(ctx context.Context, p map[string]any) (any, error) {
		if fail {
			return nil, errors.New("flaky")
		}
		return map[string]any{"ok": true}, nil
	})

	fail = true
	s.tick()
	s.tick()
	fail = false
	s.tick()
	st := s.Status()
	if st.ConsecutiveErrors != 0 {
		t.Fatalf("success did not reset the streak: %d", st.ConsecutiveErrors)
	}
	if st.SuccessfulRunsToday != 1 || st.TotalRunsToday != 3 {
		t.Fatalf("counters: successful=%d total=%d", st.SuccessfulRunsToday, st.TotalRunsToday)
	}
}

func TestRunOnceBypassesGatingAndAttachesConfig(t *testing.T) {
	t.Parallel()
	cfg := testPreset()
	cfg.MaxPostsPerDay = 1
	var gotCfg any
	s, _ := newTestService(t, cfg, func(ctx context.Context, p map[string]any) (any, error) {
		gotCfg = p["config"]
		return map[string]any{"ok": true}, nil
	})

	s.tick() // consumes the single daily slot

	res, err := s.RunOnce(context.Background(), job.TypeContentGeneration, map[string]any{"topic": "manual"})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != job.StatusSuccess {
		t.Fatalf("RunOnce over quota: %s (%s)", res.Status, res.ErrorMessage)
	}
	if res.TriggeredBy != job.TriggerManual {
		t.Fatalf("triggeredBy = %s", res.TriggeredBy)
	}
	if _, ok := gotCfg.(Config); !ok {
		t.Fatalf("config not attached to payload: %T", gotCfg)
	}

	if _, err := s.RunOnce(context.Background(), job.TypeDailySummary, nil); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unregistered type: err = %v", err)
	}
	if _, err := s.RunOnce(context.Background(), job.Type("bogus"), nil); !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("bogus type: err = %v", err)
	}
}

func TestRetryFailedReplaysInputSnapshot(t *testing.T) {
	t.Parallel()
	var calls int
	var lastTopic any
	s, _ := newTestService(t, testPreset(), func(ctx context.Context, p map[string]any) (any, error) {
		calls++
		lastTopic = p["topic"]
		if calls == 1 {
			return nil, errors.New("first attempt fails")
		}
		return map[string]any{"ok": true}, nil
	})

	first, err := s.RunOnce(context.Background(), job.TypeContentGeneration, map[string]any{"topic": "retry-me"})
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if first.Status != job.StatusFailed {
		t.Fatalf("first run: %s", first.Status)
	}

	res, err := s.RetryFailed(context.Background(), first.JobID)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if res.Status != job.StatusSuccess {
		t.Fatalf("retry: %s (%s)", res.Status, res.ErrorMessage)
	}
	if lastTopic != "retry-me" {
		t.Fatalf("retry lost the input snapshot: topic=%v", lastTopic)
	}

	if _, err := s.RetryFailed(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown id: err = %v", err)
	}
}

func TestUpdateConfigReplacesIntervalEntry(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, testPreset(), func(ctx context.Context, p map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})

	s.tick()
	before := s.Status()

	next := testPreset()
	next.PublishInterval = 30 * time.Minute
	next.Mode = ModeAggressive
	s.UpdateConfig(next)

	st := s.Status()
	if st.Mode != ModeAggressive {
		t.Fatalf("mode = %s", st.Mode)
	}
	if st.State != StateRunning {
		t.Fatalf("state after update = %s", st.State)
	}
	if st.TotalRunsToday != before.TotalRunsToday {
		t.Fatalf("counters reset by update: %d != %d", st.TotalRunsToday, before.TotalRunsToday)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	cfg := testPreset()
	run := runner.New(cfg.Config, nil, logx.Nop(), nil)
	s := New(cfg, run, logx.Nop(), nil)
	if err := s.RegisterJob(job.TypeContentGeneration, func(ctx context.Context, p map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	}); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}

	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("initial state = %s", st.State)
	}

	// Stopped ticks do nothing.
	s.tick()
	if st := s.Status(); st.TotalRunsToday != 0 {
		t.Fatalf("stopped tick ran: total=%d", st.TotalRunsToday)
	}

	s.Start()
	if st := s.Status(); st.State != StateRunning || !st.SchedulerRunning {
		t.Fatalf("after Start: %+v", st)
	}
	s.Start() // idempotent
	s.Stop()
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("after Stop: state=%s", st.State)
	}
	if run.Enabled() {
		t.Fatal("Stop left the runner enabled")
	}
}

func TestStartRespectsDisabledConfig(t *testing.T) {
	t.Parallel()
	cfg := testPreset()
	cfg.Enabled = false
	run := runner.New(cfg.Config, nil, logx.Nop(), nil)
	s := New(cfg, run, logx.Nop(), nil)

	s.Start()
	if st := s.Status(); st.State != StateStopped {
		t.Fatalf("disabled config started: state=%s", st.State)
	}
}

func TestDailyCycleResetsCountersAndRunsSummary(t *testing.T) {
	t.Parallel()
	var summaries int
	var summaryPayload map[string]any
	s, _ := newTestService(t, testPreset(), func(ctx context.Context, p map[string]any) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	if err := s.RegisterJob(job.TypeDailySummary, func(ctx context.Context, p map[string]any) (any, error) {
		summaries++
		summaryPayload = p
		return map[string]any{"ok": true}, nil
	}); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}

	s.tick()
	s.tick()
	s.dailyCycle()

	st := s.Status()
	if st.TotalRunsToday != 0 || st.SuccessfulRunsToday != 0 {
		t.Fatalf("counters not reset: %+v", st)
	}
	if summaries != 1 {
		t.Fatalf("summary ran %d times", summaries)
	}
	if got := summaryPayload["total_runs"]; got != 2 {
		t.Fatalf("summary payload total_runs = %v", got)
	}
	// The summary run bypasses the limiter.
	if st.RateLimiter.DailyCount != 2 {
		t.Fatalf("summary consumed publish quota: count=%d", st.RateLimiter.DailyCount)
	}
}

func TestStatusListsRegisteredJobsSorted(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, testPreset(), func(ctx context.Context, p map[string]any) (any, error) {
		return nil, nil
	})
	if err := s.RegisterJob(job.TypeWeeklyMaintenance, func(ctx context.Context, p map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}
	if err := s.RegisterJob(job.TypeDailySummary, func(ctx context.Context, p map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}

	st := s.Status()
	want := []string{"content_generation", "daily_summary", "weekly_maintenance"}
	if len(st.RegisteredJobs) != len(want) {
		t.Fatalf("registered jobs: %v", st.RegisteredJobs)
	}
	for i, name := range want {
		if st.RegisteredJobs[i] != name {
			t.Fatalf("registered jobs out of order: %v", st.RegisteredJobs)
		}
	}
}
