package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the result store.
//
// Driver values:
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled and the runner keeps
// history in memory only.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
	// KeepResults bounds the retention window used by Prune. 0 keeps
	// everything.
	KeepResults time.Duration
}
