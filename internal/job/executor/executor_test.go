package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/job"
	logx "postpilot/pkg/logx"
)

func fastPolicy(maxRetries int) job.RetryPolicy {
	return job.RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond}
}

func TestBackoffDelaySchedule(t *testing.T) {
	t.Parallel()
	p := job.RetryPolicy{BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, MaxRetries: 6}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // capped
		{6, 30 * time.Second},
	}
	prev := time.Duration(0)
	for _, tt := range tests {
		got := backoffDelay(p, tt.attempt)
		if got != tt.want {
			t.Fatalf("attempt %d: delay = %v, want %v", tt.attempt, got, tt.want)
		}
		if got < prev {
			t.Fatalf("attempt %d: backoff not monotonic (%v < %v)", tt.attempt, got, prev)
		}
		prev = got
	}
}

func TestSuccessWrapsNonMapResult(t *testing.T) {
	t.Parallel()
	e := New(1, logx.Nop())

	res := e.Execute(context.Background(), job.TypeContentGeneration,
		func(ctx context.Context, payload map[string]any) (any, error) { return 42, nil },
		nil, time.Second, fastPolicy(0), job.TriggerManual)

	if res.Status != job.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if got := res.ResultData["result"]; got != 42 {
		t.Fatalf("ResultData = %#v", res.ResultData)
	}
	if res.JobID == "" {
		t.Fatal("missing job id")
	}
	if res.CompletedAt.Before(res.StartedAt) {
		t.Fatal("completedAt before startedAt")
	}
}

func TestFailureExhaustsRetries(t *testing.T) {
	t.Parallel()
	e := New(1, logx.Nop())

	var calls int32
	res := e.Execute(context.Background(), job.TypeContentGeneration,
		func(ctx context.Context, payload map[string]any) (any, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("boom")
		},
		nil, time.Second, fastPolicy(3), job.TriggerManual)

	if res.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", res.RetryCount)
	}
	if got := atomic.LoadInt32(&calls); got != 4 {
		t.Fatalf("callable invoked %d times, want 4", got)
	}
	if res.ErrorMessage != "boom" {
		t.Fatalf("errorMessage = %q", res.ErrorMessage)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()
	e := New(1, logx.Nop())

	var calls int32
	res := e.Execute(context.Background(), job.TypeContentGeneration,
		func(ctx context.Context, payload map[string]any) (any, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return nil, errors.New("transient")
			}
			return map[string]any{"ok": true}, nil
		},
		nil, time.Second, fastPolicy(5), job.TriggerManual)

	if res.Status != job.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if res.RetryCount != 2 {
		t.Fatalf("retryCount = %d, want 2", res.RetryCount)
	}
}

func TestTimeoutIsTerminalWithoutRetry(t *testing.T) {
	t.Parallel()
	e := New(1, logx.Nop())

	var calls int32
	res := e.Execute(context.Background(), job.TypeContentGeneration,
		func(ctx context.Context, payload map[string]any) (any, error) {
			atomic.AddInt32(&calls, 1)
			// Ignores its context on purpose: the executor must still
			// observe the deadline.
			time.Sleep(500 * time.Millisecond)
			return nil, nil
		},
		nil, 20*time.Millisecond, fastPolicy(5), job.TriggerScheduler)

	if res.Status != job.StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	if res.RetryCount != 0 {
		t.Fatalf("retryCount = %d, want 0", res.RetryCount)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("callable invoked %d times, want 1", got)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	e := New(1, logx.Nop())

	res := e.Execute(context.Background(), job.TypeContentGeneration,
		func(ctx context.Context, payload map[string]any) (any, error) {
			panic("exploded")
		},
		nil, time.Second, fastPolicy(1), job.TriggerManual)

	if res.Status != job.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if res.ErrorMessage != "panic: exploded" {
		t.Fatalf("errorMessage = %q", res.ErrorMessage)
	}
	if res.ErrorDetail == "" {
		t.Fatal("expected stack trace in errorDetail")
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	const limit = 2
	e := New(limit, logx.Nop())

	var inFlight, peak int32
	fn := func(ctx context.Context, payload map[string]any) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Execute(context.Background(), job.TypeContentGeneration, fn, nil, time.Second, fastPolicy(0), job.TriggerManual)
		}()
	}
	wg.Wait()

	if p := atomic.LoadInt32(&peak); p > limit {
		t.Fatalf("observed %d concurrent executions, limit %d", p, limit)
	}
}

func TestPayloadSnapshotIsCopied(t *testing.T) {
	t.Parallel()
	e := New(1, logx.Nop())

	payload := map[string]any{"topic": "alpha"}
	res := e.Execute(context.Background(), job.TypeContentGeneration,
		func(ctx context.Context, p map[string]any) (any, error) {
			p["topic"] = "mutated"
			return nil, nil
		},
		payload, time.Second, fastPolicy(0), job.TriggerManual)

	if res.InputData["topic"] != "alpha" {
		t.Fatalf("input snapshot mutated: %#v", res.InputData)
	}
}
