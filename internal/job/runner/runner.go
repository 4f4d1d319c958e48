// Package runner orchestrates the rate limiter and the executor for one
// process: it decides whether a requested run is admitted, executes it,
// keeps a bounded in-memory history, and forwards every outcome to the
// persistence sink.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"postpilot/internal/eventbus"
	"postpilot/internal/job"
	"postpilot/internal/job/executor"
	"postpilot/internal/job/ratelimit"
	logx "postpilot/pkg/logx"
)

const (
	historyMax  = 100
	sinkTimeout = 5 * time.Second
)

// Sink persists finished job records. Implementations must tolerate being
// called for every status; errors are logged and swallowed here, never
// surfaced to the caller of Run.
type Sink interface {
	SaveResult(ctx context.Context, r job.Result) error
}

type Runner struct {
	log logx.Logger
	bus eventbus.Bus

	mu      sync.Mutex
	cfg     job.Config
	limiter *ratelimit.Limiter
	exec    *executor.Executor
	enabled bool

	hmu     sync.Mutex
	history []job.Result

	sink Sink
	// sinkWarn throttles persistence-failure warnings so a broken sink
	// doesn't flood the log on every run.
	sinkWarn *rate.Limiter
}

func New(cfg job.Config, sink Sink, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.WithDefaults()
	return &Runner{
		log:      log,
		bus:      bus,
		cfg:      cfg,
		limiter:  ratelimit.New(cfg.MaxPostsPerDay, cfg.PublishInterval, cfg.MaxTokensPerDay),
		exec:     executor.New(cfg.MaxConcurrent, log),
		enabled:  true,
		sink:     sink,
		sinkWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// Enable re-arms the runner after Disable.
func (r *Runner) Enable() {
	r.mu.Lock()
	r.enabled = true
	r.mu.Unlock()
}

// Disable is a hard circuit-breaker: subsequent runs return CANCELLED
// without consulting the rate limiter or executor. In-flight runs finish.
func (r *Runner) Disable() {
	r.mu.Lock()
	r.enabled = false
	r.mu.Unlock()
}

func (r *Runner) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Run executes a scheduler-gated job: the rate limiter decides admission
// and a successful run is charged against the daily quota.
func (r *Runner) Run(ctx context.Context, typ job.Type, fn job.Fn, payload map[string]any) job.Result {
	return r.run(ctx, typ, fn, payload, false, job.TriggerScheduler)
}

// RunNow bypasses the rate limiter entirely. Bypassed runs never count
// against the daily quota or interval, so operators can force a run for
// debugging without starving the schedule.
func (r *Runner) RunNow(ctx context.Context, typ job.Type, fn job.Fn, payload map[string]any) job.Result {
	return r.run(ctx, typ, fn, payload, true, job.TriggerManual)
}

func (r *Runner) run(ctx context.Context, typ job.Type, fn job.Fn, payload map[string]any, bypass bool, trig job.Trigger) job.Result {
	// Snapshot the working set under one lock so an UpdateConfig during the
	// run cannot split a limiter decision from its executor.
	r.mu.Lock()
	enabled := r.enabled
	cfg := r.cfg
	limiter := r.limiter
	exec := r.exec
	r.mu.Unlock()

	if !enabled {
		return r.finish(shortCircuitResult(typ, payload, trig, job.StatusCancelled, "job runner disabled"))
	}

	var res *ratelimit.Reservation
	if !bypass {
		var ok bool
		var reason string
		res, ok, reason = limiter.Acquire()
		if !ok {
			r.log.Debug("run rate limited", logx.String("job", string(typ)), logx.String("reason", reason))
			return r.finish(shortCircuitResult(typ, payload, trig, job.StatusRateLimited, reason))
		}
	}

	r.publish("job.started", map[string]any{"job_type": string(typ), "triggered_by": string(trig)})

	result := exec.Execute(ctx, typ, fn, payload, cfg.JobTimeout, cfg.Retry(), trig)

	if !bypass {
		if result.Status == job.StatusSuccess {
			res.Commit()
			if n := tokensUsed(result.ResultData); n > 0 {
				limiter.RecordTokens(n)
			}
		} else {
			res.Rollback()
		}
	}

	return r.finish(result)
}

// finish appends the result to history, persists it, publishes the
// lifecycle event, and hands the result back to the caller.
func (r *Runner) finish(result job.Result) job.Result {
	r.hmu.Lock()
	r.history = append(r.history, result)
	if len(r.history) > historyMax {
		r.history = r.history[len(r.history)-historyMax:]
	}
	r.hmu.Unlock()

	if r.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := r.sink.SaveResult(ctx, result)
		cancel()
		if err != nil && r.sinkWarn.Allow() {
			r.log.Warn("persisting job result failed",
				logx.String("job", string(result.Type)),
				logx.String("id", result.JobID),
				logx.Err(err),
			)
		}
	}

	r.publish("job.finished", map[string]any{
		"job_id":   result.JobID,
		"job_type": string(result.Type),
		"status":   string(result.Status),
		"retries":  result.RetryCount,
	})
	return result
}

func (r *Runner) publish(typ string, data map[string]any) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// UpdateConfig atomically swaps the rate limiter and the concurrency
// limiter together. Runs already in flight finish under the limiters they
// were admitted with.
func (r *Runner) UpdateConfig(cfg job.Config) {
	cfg = cfg.WithDefaults()
	r.mu.Lock()
	r.cfg = cfg
	r.limiter = ratelimit.New(cfg.MaxPostsPerDay, cfg.PublishInterval, cfg.MaxTokensPerDay)
	r.exec = executor.New(cfg.MaxConcurrent, r.log)
	r.mu.Unlock()
	r.log.Info("runner config updated",
		logx.Int("max_posts_per_day", cfg.MaxPostsPerDay),
		logx.Duration("publish_interval", cfg.PublishInterval),
		logx.Int("max_concurrent", cfg.MaxConcurrent),
	)
}

func (r *Runner) Config() job.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// LimiterStatus reports the current rate limiter snapshot.
func (r *Runner) LimiterStatus() ratelimit.Status {
	r.mu.Lock()
	limiter := r.limiter
	r.mu.Unlock()
	return limiter.Status()
}

func tokensUsed(result map[string]any) int {
	if result == nil {
		return 0
	}
	switch v := result["tokens_used"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func shortCircuitResult(typ job.Type, payload map[string]any, trig job.Trigger, status job.Status, msg string) job.Result {
	now := time.Now()
	var input map[string]any
	if payload != nil {
		input = make(map[string]any, len(payload))
		for k, v := range payload {
			input[k] = v
		}
	}
	return job.Result{
		JobID:        uuid.NewString(),
		Type:         typ,
		Status:       status,
		StartedAt:    now,
		CompletedAt:  now,
		InputData:    input,
		ErrorMessage: msg,
		TriggeredBy:  trig,
	}
}
