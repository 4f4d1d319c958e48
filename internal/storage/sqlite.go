package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postpilot/internal/job"
	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, keep: cfg.KeepResults}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveResult appends one terminal result. A replay of the same job id
// overwrites the previous row, so at-least-once delivery from the runner
// stays idempotent.
func (s *sqliteStore) SaveResult(ctx context.Context, r job.Result) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_results(job_id, job_type, status, started_at, completed_at, duration_ms, result_data, input_data, err, err_detail, retry_count, triggered_by)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(job_id) DO UPDATE SET
		   status=excluded.status, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms, result_data=excluded.result_data,
		   err=excluded.err, err_detail=excluded.err_detail,
		   retry_count=excluded.retry_count`,
		r.JobID, string(r.Type), string(r.Status),
		r.StartedAt.Format(time.RFC3339Nano), nullTime(r.CompletedAt),
		r.Duration.Milliseconds(),
		nullStr(marshalData(r.ResultData)), nullStr(marshalData(r.InputData)),
		nullStr(r.ErrorMessage), nullStr(r.ErrorDetail),
		r.RetryCount, string(r.TriggeredBy),
	)
	return err
}

// RecentResults returns up to limit results, newest first.
func (s *sqliteStore) RecentResults(ctx context.Context, limit int) ([]job.Result, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, job_type, status, started_at, completed_at, duration_ms, result_data, input_data, err, err_detail, retry_count, triggered_by
		 FROM job_results ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResultByID(ctx context.Context, jobID string) (job.Result, bool, error) {
	if s == nil || s.db == nil {
		return job.Result{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, job_type, status, started_at, completed_at, duration_ms, result_data, input_data, err, err_detail, retry_count, triggered_by
		 FROM job_results WHERE job_id = ?`, jobID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Result{}, false, nil
	}
	if err != nil {
		return job.Result{}, false, err
	}
	return r, true, nil
}

// Prune removes results older than the retention window.
func (s *sqliteStore) Prune(ctx context.Context) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if s.keep <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-s.keep).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_results WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug("pruned stored results", logx.Int64("rows", n))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (job.Result, error) {
	var (
		r                                              job.Result
		typ, status, startedAt, trig                   string
		completedAt, resultData, input, errMsg, detail sql.NullString
		durationMS                                     int64
	)
	err := row.Scan(&r.JobID, &typ, &status, &startedAt, &completedAt, &durationMS,
		&resultData, &input, &errMsg, &detail, &r.RetryCount, &trig)
	if err != nil {
		return job.Result{}, err
	}
	r.Type = job.Type(typ)
	r.Status = job.Status(status)
	r.TriggeredBy = job.Trigger(trig)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		r.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt.String)
	}
	r.ResultData = unmarshalData(resultData.String)
	r.InputData = unmarshalData(input.String)
	r.ErrorMessage = errMsg.String
	r.ErrorDetail = detail.String
	return r, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
