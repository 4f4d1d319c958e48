package job

import (
	"context"
	"time"
)

// Fn is the callable contract for a unit of work.
//
// The payload is an opaque map; scheduler-invoked jobs receive the active
// autopilot config under the "config" key. The return value is normally a
// map[string]any; any other non-nil value is wrapped by the executor into
// {"result": value}. Errors signal failure and are subject to retry.
type Fn func(ctx context.Context, payload map[string]any) (any, error)

// Type is an enumerated job tag. The registry only accepts known tags.
type Type string

const (
	TypeContentGeneration Type = "content_generation"
	TypeDailySummary      Type = "daily_summary"
	TypeWeeklyMaintenance Type = "weekly_maintenance"
)

func (t Type) Valid() bool {
	switch t {
	case TypeContentGeneration, TypeDailySummary, TypeWeeklyMaintenance:
		return true
	}
	return false
}

// Status is the lifecycle state of a run.
//
// pending and running are internal to the executor; callers only ever see
// terminal statuses.
type Status string

const (
	StatusPending     Status = "pending"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusTimeout     Status = "timeout"
	StatusCancelled   Status = "cancelled"
	StatusRateLimited Status = "rate_limited"
)

// CountsAsError reports whether a terminal status should feed
// consecutive-error accounting. RATE_LIMITED is expected behavior and
// CANCELLED means the engine declined to run, so neither counts.
func (s Status) CountsAsError() bool {
	return s == StatusFailed || s == StatusTimeout
}

// Trigger records who asked for a run.
type Trigger string

const (
	TriggerScheduler Trigger = "scheduler"
	TriggerManual    Trigger = "manual"
)

// Result is the immutable outcome of one run request.
//
// JobID identifies the whole attempt-series (retries share it).
// InputData snapshots the payload passed in, for audit and replay.
type Result struct {
	JobID        string         `json:"job_id"`
	Type         Type           `json:"job_type"`
	Status       Status         `json:"status"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  time.Time      `json:"completed_at,omitempty"`
	Duration     time.Duration  `json:"duration"`
	ResultData   map[string]any `json:"result_data,omitempty"`
	InputData    map[string]any `json:"input_data,omitempty"`
	ErrorMessage string         `json:"error,omitempty"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
	RetryCount   int            `json:"retry_count"`
	TriggeredBy  Trigger        `json:"triggered_by"`
}
