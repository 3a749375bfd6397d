package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/lock"
	"github.com/hopover/hopover/internal/ports"
	"github.com/hopover/hopover/internal/ports/portstest"
	"github.com/hopover/hopover/internal/secrets"
	"github.com/hopover/hopover/internal/session"
	"github.com/hopover/hopover/internal/store"
)

type harness struct {
	c        *Controller
	db       *store.Store
	sessions *session.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(store.DriverModernc, filepath.Join(t.TempDir(), "workflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sealer, err := secrets.NewSealer(make([]byte, 32))
	require.NoError(t, err)
	locks := lock.NewAccounts("")
	sessions := session.New(db, sealer, locks, session.Config{})
	c := New(db, sessions, locks, nil, Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		AuthWait:    300 * time.Millisecond,
		Heartbeat:   10 * time.Millisecond,
	})
	return &harness{c: c, db: db, sessions: sessions}
}

// counter returns a step body that counts calls and fails with errs in order.
func counter(calls *int32, errs ...error) StepFunc {
	return func(context.Context, *Scope) error {
		n := atomic.AddInt32(calls, 1)
		if int(n) <= len(errs) {
			return errs[n-1]
		}
		return nil
	}
}

func TestRunCompletesAndCaches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var a, b int32
	def := &Definition{Name: "export", Steps: []Step{
		{Name: "open", Run: counter(&a)},
		{Name: "submit", Run: func(_ context.Context, sc *Scope) error {
			atomic.AddInt32(&b, 1)
			sc.State["reference"] = "exp-" + sc.State["target"]
			return nil
		}},
	}}

	res, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def, Input: map[string]string{"target": "photos"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, "exp-photos", res.State["reference"])

	cp, err := h.c.Checkpoint(ctx, "run-1", "export", "me")
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointCompleted, cp.Status)
	assert.Equal(t, 1, cp.LastStep)
	assert.Equal(t, "submit", cp.LastStepName)

	again, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, "exp-photos", again.State["reference"])
	assert.Equal(t, int32(1), a)
	assert.Equal(t, int32(1), b)
}

func TestResumeAfterDrift(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var first, second, third int32
	def := &Definition{Name: "family", Steps: []Step{
		{Name: "open", Run: counter(&first)},
		{Name: "invite", Run: counter(&second, failure.Driftf("invite", "button missing"))},
		{Name: "confirm", Run: counter(&third)},
	}}

	_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
	require.Error(t, err)
	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.StructuralDrift, fe.Kind)
	assert.Equal(t, "invite", fe.Step)
	assert.Equal(t, "family", fe.Workflow)
	assert.Equal(t, "run-1", fe.RunID)
	assert.Equal(t, 0, fe.Checkpoint)
	assert.Equal(t, int32(1), second, "drift is never retried")

	cp, err := h.c.Checkpoint(ctx, "run-1", "family", "me")
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointDrift, cp.Status)
	assert.Contains(t, cp.LastError, "button missing")

	res, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, 2, res.Executed)
	assert.Equal(t, int32(1), first, "completed steps are not repeated")
	assert.Equal(t, int32(2), second)
	assert.Equal(t, int32(1), third)
}

func TestTransientRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("Should succeed within the attempt budget", func(t *testing.T) {
		var calls int32
		def := &Definition{Name: "flaky", Steps: []Step{{Name: "load", Run: counter(&calls,
			failure.Transientf("load", "timeout"), failure.Transientf("load", "timeout"))}}}
		_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls)
	})

	t.Run("Should give up after the last attempt", func(t *testing.T) {
		var calls int32
		boom := failure.Transientf("load", "503")
		def := &Definition{Name: "down", Steps: []Step{{Name: "load", Run: counter(&calls, boom, boom, boom, boom)}}}
		_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.Transient))
		assert.True(t, failure.Retryable(err))
		assert.Equal(t, int32(3), calls)

		cp, err := h.c.Checkpoint(ctx, "run-1", "down", "me")
		require.NoError(t, err)
		assert.Equal(t, store.CheckpointFailed, cp.Status)
	})
}

func TestUnclassifiedErrorIsDrift(t *testing.T) {
	h := newHarness(t)
	var calls int32
	def := &Definition{Name: "odd", Steps: []Step{{Name: "click", Run: counter(&calls, errors.New("element detached"))}}}
	_, err := h.c.Run(context.Background(), Request{RunID: "run-1", Account: "me", Definition: def})
	assert.True(t, failure.Is(err, failure.StructuralDrift))
	assert.Equal(t, int32(1), calls)
}

func TestSessionHandling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var logins int32
	login := func(context.Context, *Scope) ([]byte, error) {
		atomic.AddInt32(&logins, 1)
		return []byte("cookie"), nil
	}

	t.Run("Should authenticate when no session exists", func(t *testing.T) {
		def := &Definition{Name: "status", Service: "photos", Authenticate: login, Steps: []Step{{
			Name: "read", Run: func(_ context.Context, sc *Scope) error {
				if sc.Session == nil || string(sc.Session.Blob) != "cookie" {
					return failure.Invariantf("read", "no session")
				}
				return nil
			},
		}}}
		_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
		require.NoError(t, err)
		assert.Equal(t, int32(1), logins)
	})

	t.Run("Should reuse a valid session", func(t *testing.T) {
		def := &Definition{Name: "other", Service: "photos", Authenticate: login, Steps: []Step{{Name: "read", Run: counter(new(int32))}}}
		_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
		require.NoError(t, err)
		assert.Equal(t, int32(1), logins)
	})

	t.Run("Should re-authenticate once on AuthExpired", func(t *testing.T) {
		var calls int32
		def := &Definition{Name: "expired-once", Service: "photos", Authenticate: login, Steps: []Step{{
			Name: "read", Run: counter(&calls, failure.Newf(failure.AuthExpired, "read", "login page shown")),
		}}}
		_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
		require.NoError(t, err)
		assert.Equal(t, int32(2), logins)
		assert.Equal(t, int32(2), calls)
	})

	t.Run("Should surface AuthExpired after one re-authentication", func(t *testing.T) {
		var calls int32
		expired := failure.Newf(failure.AuthExpired, "read", "login page shown")
		def := &Definition{Name: "expired-twice", Service: "photos", Authenticate: login, Steps: []Step{{
			Name: "read", Run: counter(&calls, expired, expired),
		}}}
		before := atomic.LoadInt32(&logins)
		_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.AuthExpired))
		assert.Equal(t, before+1, atomic.LoadInt32(&logins))
	})
}

func TestAuthRequiredResolvedByOperator(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var calls int32
	def := &Definition{Name: "consent", Steps: []Step{{
		Name: "grant", Run: counter(&calls, failure.Newf(failure.AuthRequired, "grant", "approve on phone")),
	}}}

	done := make(chan error, 1)
	go func() {
		_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
		done <- err
	}()

	require.Eventually(t, func() bool { return h.c.Awaiting("me") }, time.Second, 5*time.Millisecond)
	cp, err := h.c.Checkpoint(ctx, "run-1", "consent", "me")
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointAwaitingAuth, cp.Status)

	assert.True(t, h.c.ResolveAuth("me"))
	require.NoError(t, <-done)
	assert.Equal(t, int32(2), calls)
	assert.False(t, h.c.ResolveAuth("me"))
}

func TestAuthRequiredResolvedByAuthCheck(t *testing.T) {
	h := newHarness(t)
	var checks int32
	def := &Definition{
		Name:  "consent",
		Steps: []Step{{Name: "grant", Run: counter(new(int32), failure.Newf(failure.AuthRequired, "grant", "approve on phone"))}},
		AuthCheck: func(context.Context, *Scope) (bool, error) {
			return atomic.AddInt32(&checks, 1) >= 2, nil
		},
	}
	_, err := h.c.Run(context.Background(), Request{RunID: "run-1", Account: "me", Definition: def})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&checks), int32(2))
}

func TestAuthRequiredTimesOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := &Definition{Name: "consent", Steps: []Step{{
		Name: "grant", Run: counter(new(int32), failure.Newf(failure.AuthRequired, "grant", "approve on phone")),
	}}}

	start := time.Now()
	_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.AuthTimeout))
	assert.True(t, failure.Retryable(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	cp, err := h.c.Checkpoint(ctx, "run-1", "consent", "me")
	require.NoError(t, err)
	assert.Equal(t, store.CheckpointAwaitingAuth, cp.Status)
}

func TestSameAccountRunsSequentially(t *testing.T) {
	h := newHarness(t)
	var active, peak int32
	body := func(context.Context, *Scope) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	}

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			def := &Definition{Name: name, Steps: []Step{{Name: "one", Run: body}, {Name: "two", Run: body}}}
			_, err := h.c.Run(context.Background(), Request{RunID: "run-1", Account: "me", Definition: def})
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak)
}

func TestCancelledWaitIsRetryable(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	def := &Definition{Name: "consent", Steps: []Step{{
		Name: "grant", Run: counter(new(int32), failure.Newf(failure.AuthRequired, "grant", "approve on phone")),
	}}}
	go func() {
		for !h.c.Awaiting("me") {
			time.Sleep(2 * time.Millisecond)
		}
		cancel()
	}()
	_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, failure.Is(err, failure.Transient))
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var calls int32
	def := &Definition{Name: "setup", Steps: []Step{{Name: "one", Run: counter(&calls)}}}

	_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
	require.NoError(t, err)
	require.NoError(t, h.c.Reset(ctx, "run-1", "setup", "me"))

	cp, err := h.c.Checkpoint(ctx, "run-1", "setup", "me")
	require.NoError(t, err)
	assert.Nil(t, cp)

	res, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "me", Definition: def})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, int32(2), calls)
}

func TestDefinitionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	noop := counter(new(int32))
	cases := map[string]Request{
		"no definition":  {Account: "me"},
		"no account":     {Definition: &Definition{Name: "x", Steps: []Step{{Name: "a", Run: noop}}}},
		"no steps":       {Account: "me", Definition: &Definition{Name: "x"}},
		"duplicate step": {Account: "me", Definition: &Definition{Name: "x", Steps: []Step{{Name: "a", Run: noop}, {Name: "a", Run: noop}}}},
		"service no auth": {Account: "me", Definition: &Definition{Name: "x", Service: "photos",
			Steps: []Step{{Name: "a", Run: noop}}}},
	}
	for name, req := range cases {
		t.Run("Should reject "+name, func(t *testing.T) {
			_, err := h.c.Run(ctx, req)
			assert.True(t, failure.Is(err, failure.InvariantViolation))
		})
	}
}

func TestDeviceStep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("Should expand state and merge reported fields", func(t *testing.T) {
		dev := &portstest.Device{Func: func(_ context.Context, instruction string) (*ports.Observation, error) {
			return &ports.Observation{Done: true, Fields: map[string]string{"app_version": "7.1"}}, nil
		}}
		def := &Definition{Name: "install", Steps: []Step{DeviceStep("install", dev, "install $app from the store")}}
		res, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "kid", Definition: def, Input: map[string]string{"app": "Messenger"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"install Messenger from the store"}, dev.Instructions())
		assert.Equal(t, "7.1", res.State["app_version"])
	})

	t.Run("Should treat an incomplete instruction as drift", func(t *testing.T) {
		dev := &portstest.Device{Func: func(context.Context, string) (*ports.Observation, error) {
			return &ports.Observation{Done: false, Detail: "settings screen not found"}, nil
		}}
		def := &Definition{Name: "share-location", Steps: []Step{DeviceStep("share", dev, "enable location sharing")}}
		_, err := h.c.Run(ctx, Request{RunID: "run-1", Account: "kid", Definition: def})
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.StructuralDrift))
		assert.Contains(t, err.Error(), "settings screen not found")
	})
}
