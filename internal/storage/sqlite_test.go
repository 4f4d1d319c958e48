package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/job"
	logx "postpilot/pkg/logx"
)

func openTestStore(t *testing.T, cfg Config) Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "postpilot.db")
	}
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleResult(id string, status job.Status, startedAt time.Time) job.Result {
	return job.Result{
		JobID:       id,
		Type:        job.TypeContentGeneration,
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: startedAt.Add(time.Second),
		Duration:    time.Second,
		ResultData:  map[string]any{"title": "post-" + id},
		InputData:   map[string]any{"topic": "go"},
		RetryCount:  1,
		TriggeredBy: job.TriggerScheduler,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "NONE"} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected disabled store", driver)
		}
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestSaveAndQueryRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, Config{})
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		r := sampleResult(id, job.StatusSuccess, base.Add(time.Duration(i)*time.Minute))
		if err := st.SaveResult(ctx, r); err != nil {
			t.Fatalf("SaveResult(%s): %v", id, err)
		}
	}

	recent, err := st.RecentResults(ctx, 2)
	if err != nil {
		t.Fatalf("RecentResults: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d results, want 2", len(recent))
	}
	if recent[0].JobID != "c" || recent[1].JobID != "b" {
		t.Fatalf("order: %s, %s", recent[0].JobID, recent[1].JobID)
	}

	got, ok, err := st.ResultByID(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("ResultByID: ok=%v err=%v", ok, err)
	}
	if got.ResultData["title"] != "post-a" || got.InputData["topic"] != "go" {
		t.Fatalf("round trip lost data: %#v / %#v", got.ResultData, got.InputData)
	}
	if got.RetryCount != 1 || got.TriggeredBy != job.TriggerScheduler {
		t.Fatalf("round trip lost metadata: %+v", got)
	}
	if got.Duration != time.Second {
		t.Fatalf("duration = %v", got.Duration)
	}

	if _, ok, err := st.ResultByID(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing id: ok=%v err=%v", ok, err)
	}
}

func TestSaveSameJobIDOverwrites(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, Config{})
	ctx := context.Background()

	r := sampleResult("dup", job.StatusFailed, time.Now())
	r.ErrorMessage = "boom"
	if err := st.SaveResult(ctx, r); err != nil {
		t.Fatalf("first save: %v", err)
	}
	r.Status = job.StatusSuccess
	r.ErrorMessage = ""
	if err := st.SaveResult(ctx, r); err != nil {
		t.Fatalf("second save: %v", err)
	}

	got, ok, err := st.ResultByID(ctx, "dup")
	if err != nil || !ok {
		t.Fatalf("ResultByID: ok=%v err=%v", ok, err)
	}
	if got.Status != job.StatusSuccess || got.ErrorMessage != "" {
		t.Fatalf("overwrite failed: %+v", got)
	}
	all, err := st.RecentResults(ctx, 10)
	if err != nil {
		t.Fatalf("RecentResults: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("duplicate rows: %d", len(all))
	}
}

func TestPruneRespectsRetention(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, Config{KeepResults: time.Hour})
	ctx := context.Background()

	old := sampleResult("old", job.StatusSuccess, time.Now().Add(-48*time.Hour))
	fresh := sampleResult("fresh", job.StatusSuccess, time.Now())
	for _, r := range []job.Result{old, fresh} {
		if err := st.SaveResult(ctx, r); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	}

	n, err := st.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	if _, ok, _ := st.ResultByID(ctx, "old"); ok {
		t.Fatal("expired row survived")
	}
	if _, ok, _ := st.ResultByID(ctx, "fresh"); !ok {
		t.Fatal("fresh row pruned")
	}
}

func TestMarshalDataCoercesUnserializable(t *testing.T) {
	t.Parallel()
	ch := make(chan int)
	s := marshalData(map[string]any{"ok": 1, "bad": ch})
	if s == "" {
		t.Fatal("marshal gave up entirely")
	}
	m := unmarshalData(s)
	if m["ok"] != float64(1) {
		t.Fatalf("lost serializable key: %#v", m)
	}
	if _, ok := m["bad"].(string); !ok {
		t.Fatalf("unserializable value not coerced: %#v", m["bad"])
	}
}

func TestReopenSeesPersistedRows(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "postpilot.db")
	ctx := context.Background()

	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.SaveResult(ctx, sampleResult("persist", job.StatusSuccess, time.Now())); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	if _, ok, err := st2.ResultByID(ctx, "persist"); err != nil || !ok {
		t.Fatalf("row lost across reopen: ok=%v err=%v", ok, err)
	}
}
