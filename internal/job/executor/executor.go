// Package executor runs a single job to completion under a deadline, with
// bounded concurrency and exponential-backoff retries.
//
// A deadline expiry is immediately terminal: a hung job is assumed unsafe
// to re-trigger automatically, so TIMEOUT is never retried. The callable
// itself is never force-killed; on timeout its goroutine is abandoned and
// only the result slot is reclaimed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/job"
	logx "postpilot/pkg/logx"
)

type Executor struct {
	sem chan struct{}
	log logx.Logger
}

// New creates an executor with a shared concurrency limiter of the given size.
func New(maxConcurrent int, log logx.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		sem: make(chan struct{}, maxConcurrent),
		log: log,
	}
}

type attemptOutcome struct {
	value  any
	err    error
	detail string
}

// Execute runs fn under the given timeout and retry policy and returns a
// terminal Result. The concurrency slot is held for the whole attempt
// series and released on every exit path.
func (e *Executor) Execute(ctx context.Context, typ job.Type, fn job.Fn, payload map[string]any, timeout time.Duration, policy job.RetryPolicy, trig job.Trigger) job.Result {
	res := job.Result{
		JobID:       uuid.NewString(),
		Type:        typ,
		Status:      job.StatusPending,
		InputData:   snapshotPayload(payload),
		TriggeredBy: trig,
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		res.Status = job.StatusCancelled
		res.StartedAt = time.Now()
		res.CompletedAt = res.StartedAt
		res.ErrorMessage = "cancelled while waiting for a concurrency slot"
		return res
	}
	defer func() { <-e.sem }()

	res.StartedAt = time.Now()
	res.Status = job.StatusRunning

	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}

	var last attemptOutcome
	for attempt := 1; attempt <= 1+retries; attempt++ {
		res.RetryCount = attempt - 1

		out, timedOut, cancelled := e.runAttempt(ctx, fn, payload, timeout)
		if timedOut {
			return e.finish(res, job.StatusTimeout, attemptOutcome{
				err: fmt.Errorf("job timed out after %s", timeout),
			})
		}
		if cancelled {
			return e.finish(res, job.StatusCancelled, attemptOutcome{err: ctx.Err()})
		}
		if out.err == nil {
			res.ResultData = wrapResult(out.value)
			return e.finish(res, job.StatusSuccess, attemptOutcome{})
		}
		last = out

		if attempt > retries {
			break
		}
		delay := backoffDelay(policy, attempt)
		e.log.Debug("job retry scheduled",
			logx.String("job", string(typ)),
			logx.String("id", res.JobID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(out.err),
		)
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return e.finish(res, job.StatusCancelled, attemptOutcome{err: ctx.Err()})
			case <-tmr.C:
			}
		}
	}

	return e.finish(res, job.StatusFailed, last)
}

// runAttempt invokes fn in its own goroutine so a callable that ignores its
// context still yields TIMEOUT at the deadline.
func (e *Executor) runAttempt(ctx context.Context, fn job.Fn, payload map[string]any, timeout time.Duration) (out attemptOutcome, timedOut, cancelled bool) {
	runCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		var o attemptOutcome
		defer func() {
			if r := recover(); r != nil {
				o = attemptOutcome{
					err:    fmt.Errorf("panic: %v", r),
					detail: string(debug.Stack()),
				}
			}
			done <- o
		}()
		v, err := fn(runCtx, payload)
		o = attemptOutcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o, false, false
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return attemptOutcome{}, false, true
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return attemptOutcome{}, true, false
		}
		return attemptOutcome{}, false, true
	}
}

func (e *Executor) finish(res job.Result, status job.Status, out attemptOutcome) job.Result {
	res.Status = status
	res.CompletedAt = time.Now()
	res.Duration = res.CompletedAt.Sub(res.StartedAt)
	if out.err != nil {
		res.ErrorMessage = out.err.Error()
		res.ErrorDetail = out.detail
	}

	switch status {
	case job.StatusSuccess:
		e.log.Debug("job completed",
			logx.String("job", string(res.Type)),
			logx.String("id", res.JobID),
			logx.Duration("dur", res.Duration),
			logx.Int("retries", res.RetryCount),
		)
	default:
		e.log.Warn("job did not complete",
			logx.String("job", string(res.Type)),
			logx.String("id", res.JobID),
			logx.String("status", string(status)),
			logx.Duration("dur", res.Duration),
			logx.Int("retries", res.RetryCount),
			logx.String("err", res.ErrorMessage),
		)
	}
	return res
}

// backoffDelay returns min(base * 2^(n-1), max) for the 1-indexed attempt n
// that just failed. Deterministic: the schedule is part of the engine's
// contract, not a heuristic.
func backoffDelay(p job.RetryPolicy, attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = time.Minute
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			return maxD
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// wrapResult coerces a callable's return value into a result map.
func wrapResult(v any) map[string]any {
	switch m := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return m
	default:
		return map[string]any{"result": v}
	}
}

func snapshotPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	cp := make(map[string]any, len(payload))
	for k, v := range payload {
		cp[k] = v
	}
	return cp
}
