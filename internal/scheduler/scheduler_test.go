package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/roundtouch/ota-agent/internal/history"
	"github.com/roundtouch/ota-agent/internal/ota"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeUpdater replays one scripted result per check.
type fakeUpdater struct {
	checks    []checkResult
	updateErr error

	// written is what PerformUpdate reports as transferred.
	written int64

	checkCalls  int
	updateCalls int
	meta        ota.Metadata
}

type checkResult struct {
	available bool
	version   string
	err       error
}

func (f *fakeUpdater) CheckForUpdate(ctx context.Context) (bool, error) {
	r := f.checks[min(f.checkCalls, len(f.checks)-1)]
	f.checkCalls++
	f.meta = ota.Metadata{Version: r.version, ExpectedSize: 1024}
	return r.available, r.err
}

func (f *fakeUpdater) PerformUpdate(ctx context.Context) error {
	f.updateCalls++
	return f.updateErr
}

func (f *fakeUpdater) BytesWritten() int64 { return f.written }

func (f *fakeUpdater) CurrentVersion() string { return "2.0.5" }

func (f *fakeUpdater) Metadata() (ota.Metadata, bool) { return f.meta, f.meta.Version != "" }

type memRecorder struct {
	records []history.Record
}

func (m *memRecorder) Append(r *history.Record) error {
	m.records = append(m.records, *r)
	return nil
}

func immediate(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func newTestScheduler(t *testing.T, u Updater, rec Recorder, auto bool) *Scheduler {
	t.Helper()
	s, err := New(u, rec, Options{Schedule: "@every 6h", AutoUpdate: auto}, nopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.after = immediate
	return s
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(&fakeUpdater{}, nil, Options{Schedule: "every tuesday"}, nopLogger()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunOnce_CheckOnly(t *testing.T) {
	u := &fakeUpdater{checks: []checkResult{{available: true, version: "2.1.0"}}}
	rec := &memRecorder{}
	s := newTestScheduler(t, u, rec, false)

	out := s.RunOnce(context.Background())
	if !out.Available || out.Installed || out.Version != "2.1.0" {
		t.Errorf("outcome = %+v", out)
	}
	if u.updateCalls != 0 {
		t.Error("installed without auto update")
	}
	if len(rec.records) != 1 || rec.records[0].Status != "update_available" || rec.records[0].ToVersion != "2.1.0" {
		t.Errorf("records = %+v", rec.records)
	}
}

func TestRunOnce_AutoUpdate(t *testing.T) {
	// The transfer length differs from the advertised size of 1024.
	u := &fakeUpdater{checks: []checkResult{{available: true, version: "2.1.0"}}, written: 1000}
	rec := &memRecorder{}
	s := newTestScheduler(t, u, rec, true)

	out := s.RunOnce(context.Background())
	if !out.Installed || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if len(rec.records) != 2 {
		t.Fatalf("records = %+v", rec.records)
	}
	got := rec.records[1]
	if got.Operation != history.OpUpdate || got.Status != "success" || got.Bytes != 1000 || got.FromVersion != "2.0.5" {
		t.Errorf("update record = %+v", got)
	}
}

func TestRunOnce_RecordsErrorKind(t *testing.T) {
	u := &fakeUpdater{
		checks:    []checkResult{{available: true, version: "2.1.0"}},
		updateErr: &ota.Error{Kind: ota.Integrity, Msg: "digest mismatch"},
		written:   1024,
	}
	rec := &memRecorder{}
	s := newTestScheduler(t, u, rec, true)

	out := s.RunOnce(context.Background())
	if out.Installed || !errors.Is(out.Err, ota.ErrIntegrity) {
		t.Fatalf("outcome = %+v", out)
	}
	if got := rec.records[1]; got.Status != "error" || got.ErrorKind != "integrity" || got.Bytes != 1024 {
		t.Errorf("update record = %+v", got)
	}
}

func TestRun_StopsAfterInstall(t *testing.T) {
	u := &fakeUpdater{checks: []checkResult{
		{err: &ota.Error{Kind: ota.MetadataFetch}},
		{available: false, version: "2.0.5"},
		{available: true, version: "2.1.0"},
	}}
	rec := &memRecorder{}
	s := newTestScheduler(t, u, rec, true)

	out, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Installed || out.Version != "2.1.0" {
		t.Errorf("outcome = %+v", out)
	}
	if u.checkCalls != 3 || u.updateCalls != 1 {
		t.Errorf("checks = %d, updates = %d", u.checkCalls, u.updateCalls)
	}
	if rec.records[0].ErrorKind != "metadata_fetch" {
		t.Errorf("first record = %+v", rec.records[0])
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	u := &fakeUpdater{checks: []checkResult{{version: "2.0.5"}}}
	s := newTestScheduler(t, u, nil, true)

	ctx, cancel := context.WithCancel(context.Background())
	s.after = func(time.Duration) <-chan time.Time {
		cancel()
		return make(chan time.Time)
	}

	if _, err := s.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if u.checkCalls != 1 {
		t.Errorf("checks = %d, want 1", u.checkCalls)
	}
}

func TestCronParser(t *testing.T) {
	p := NewCronParser()
	base := time.Date(2025, 1, 29, 12, 0, 0, 0, time.UTC)

	schedule, err := p.Parse("0 3 * * *")
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 1, 30, 3, 0, 0, 0, time.UTC); !schedule.Next(base).Equal(want) {
		t.Errorf("Next = %v, want %v", schedule.Next(base), want)
	}
	if err := p.Validate("@every 6h"); err != nil {
		t.Errorf("Validate(@every 6h): %v", err)
	}
	if err := p.Validate("61 * * * *"); err == nil {
		t.Error("Validate accepted minute 61")
	}
}
