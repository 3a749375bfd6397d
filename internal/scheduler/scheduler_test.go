package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hopover/hopover/internal/lock"
)

func newTestScheduler(t *testing.T, maxConc int) *Scheduler {
	t.Helper()
	s, err := New(Config{Enabled: true, Timezone: "UTC", MaxConcurrent: maxConc, LockDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s
}

func TestRunNowRecordsStatus(t *testing.T) {
	s := newTestScheduler(t, 2)
	var runs atomic.Int32
	if err := s.Register(&Job{Name: "daily-check", Spec: "0 9 * * *", Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Register(&Job{Name: "broken", Spec: "@hourly", Run: func(ctx context.Context) error {
		return errors.New("front-end unavailable")
	}}); err != nil {
		t.Fatal(err)
	}

	st, err := s.RunNow(context.Background(), "daily-check")
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if st.Status != StatusOK || runs.Load() != 1 {
		t.Fatalf("status = %+v runs = %d", st, runs.Load())
	}

	st, _ = s.RunNow(context.Background(), "broken")
	if st.Status != StatusFailed || st.Error != "front-end unavailable" {
		t.Fatalf("expected failure status, got %+v", st)
	}
	last, ok := s.LastStatus("broken")
	if !ok || last.Status != StatusFailed {
		t.Fatalf("last status = %+v, %v", last, ok)
	}

	if _, err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown job")
	}
	if got := s.Jobs(); len(got) != 2 || got[0] != "broken" || got[1] != "daily-check" {
		t.Fatalf("jobs = %v", got)
	}
}

func TestLockPreventsOverlap(t *testing.T) {
	s := newTestScheduler(t, 2)
	var runs atomic.Int32
	_ = s.Register(&Job{Name: "daily-check", Spec: "@daily", Run: func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}})

	other := lock.NewFileLock(filepath.Join(s.cfg.LockDir, "daily-check.lock"))
	acquired, err := other.TryLock()
	if err != nil || !acquired {
		t.Fatalf("other process should acquire lock: %v", err)
	}

	st, _ := s.RunNow(context.Background(), "daily-check")
	if st.Status != StatusSkippedLocked {
		t.Fatalf("status = %s, want %s", st.Status, StatusSkippedLocked)
	}
	if runs.Load() != 0 {
		t.Fatal("job must not run while another process holds the lock")
	}

	if err := other.Unlock(); err != nil {
		t.Fatal(err)
	}
	st, _ = s.RunNow(context.Background(), "daily-check")
	if st.Status != StatusOK || runs.Load() != 1 {
		t.Fatalf("after release status = %s runs = %d", st.Status, runs.Load())
	}
}

func TestConcurrencyLimit(t *testing.T) {
	s := newTestScheduler(t, 1)
	_ = s.Register(&Job{Name: "gate-sweep", Spec: "*/5 * * * *", Run: func(ctx context.Context) error { return nil }})

	if !s.takeSlot() {
		t.Fatal("first slot should be free")
	}
	if s.Running() != 1 {
		t.Fatalf("Running() = %d, want 1", s.Running())
	}
	st, _ := s.RunNow(context.Background(), "gate-sweep")
	if st.Status != StatusSkippedConcurrency {
		t.Fatalf("status = %s, want %s", st.Status, StatusSkippedConcurrency)
	}
	s.freeSlot()

	st, _ = s.RunNow(context.Background(), "gate-sweep")
	if st.Status != StatusOK {
		t.Fatalf("status = %s after release", st.Status)
	}
}

func TestRegisterValidatesCron(t *testing.T) {
	s := newTestScheduler(t, 1)
	if err := s.Register(&Job{Name: "bad", Spec: "61 * * * *", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected invalid cron error")
	}
	if err := s.Register(&Job{Name: "", Spec: "@daily", Run: func(context.Context) error { return nil }}); err == nil {
		t.Fatal("expected missing name error")
	}
}

func TestNext(t *testing.T) {
	s := newTestScheduler(t, 1)
	_ = s.Register(&Job{Name: "daily-check", Spec: "0 9 * * *", Run: func(context.Context) error { return nil }})

	next, err := s.Next("daily-check", time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestRunFiresJobs(t *testing.T) {
	s := newTestScheduler(t, 1)
	fired := make(chan struct{}, 4)
	_ = s.Register(&Job{Name: "tick", Spec: "@every 1s", Run: func(ctx context.Context) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
}
