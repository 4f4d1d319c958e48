// Package storage persists job results across restarts.
//
// The store doubles as the runner's result sink: every terminal result is
// appended, and the control surface can page through them after the
// in-memory history has rolled over.
package storage

import (
	"context"
	"errors"
	"strings"

	"postpilot/internal/job"
	logx "postpilot/pkg/logx"
)

// Store is the persistence API used by the runner and the control surface.
type Store interface {
	SaveResult(ctx context.Context, r job.Result) error
	RecentResults(ctx context.Context, limit int) ([]job.Result, error)
	ResultByID(ctx context.Context, jobID string) (job.Result, bool, error)
	Prune(ctx context.Context) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
