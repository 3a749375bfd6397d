package migration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hopover/hopover/internal/adoption"
	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/gate"
	"github.com/hopover/hopover/internal/lock"
	"github.com/hopover/hopover/internal/ports"
	"github.com/hopover/hopover/internal/ports/portstest"
	"github.com/hopover/hopover/internal/progress"
	"github.com/hopover/hopover/internal/secrets"
	"github.com/hopover/hopover/internal/session"
	"github.com/hopover/hopover/internal/store"
	"github.com/hopover/hopover/internal/workflow"
)

var t0 = time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(evt *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc     *Service
	db      *store.Store
	fe      *portstest.FrontEnd
	tracker *adoption.Tracker
	pub     *recorder
	metric  float64
	mu      sync.Mutex
	now     time.Time
}

func (h *harness) setMetric(v float64) {
	h.mu.Lock()
	h.metric = v
	h.mu.Unlock()
}

func (h *harness) setNow(t time.Time) {
	h.mu.Lock()
	h.now = t
	h.mu.Unlock()
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(store.DriverModernc, filepath.Join(t.TempDir(), "migration.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{db: db, pub: &recorder{}, now: t0}
	h.fe = &portstest.FrontEnd{MetricFunc: func(ctx context.Context) (*ports.Measurement, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return &ports.Measurement{Value: h.metric, Unit: "GB", ObservedAt: h.now}, nil
	}}
	est := progress.New(db, h.pub, progress.Config{HonorExternalConfirmation: true})
	est.SetClock(h.clock)
	h.tracker = adoption.New(db, nil, h.pub, adoption.Config{})
	h.tracker.SetClock(h.clock)

	frontEnds := func(label, _ string) (ports.FrontEnd, error) {
		if label != "photos" {
			return nil, fmt.Errorf("no front-end for %s", label)
		}
		return h.fe, nil
	}
	h.svc = New(db, est, h.tracker, frontEnds, h.pub, Config{
		Gate:          gate.Config{Validity: 10 * time.Minute},
		CheckAttempts: 3,
		CheckBackoff:  time.Millisecond,
	})
	h.svc.SetClock(h.clock)
	return h
}

func (h *harness) startTransfer(t *testing.T, baseline float64) (*store.Run, *store.Transfer) {
	t.Helper()
	ctx := context.Background()
	run, err := h.svc.StartRun(ctx, "me@example.com")
	require.NoError(t, err)
	_, err = h.svc.AdvancePhase(ctx, run.ID, store.PhaseTransfer)
	require.NoError(t, err)
	tr, err := h.svc.RegisterTransfer(ctx, run.ID, "photos", ports.Counts{"photos": 41000}, 120.0, 383.0)
	require.NoError(t, err)
	prop, err := h.svc.PrepareTransfer(ctx, tr.ID, map[string]any{"dest": "new@example.com"})
	require.NoError(t, err)
	h.setMetric(baseline)
	_, err = h.svc.CommitTransfer(ctx, prop.Handle)
	require.NoError(t, err)
	return run, tr
}

func TestRunLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run, err := h.svc.StartRun(ctx, "me@example.com")
	require.NoError(t, err)
	assert.Equal(t, store.PhaseSetup, run.Phase)

	t.Run("Should allow only one active run", func(t *testing.T) {
		_, err := h.svc.StartRun(ctx, "other")
		assert.True(t, failure.Is(err, failure.InvariantViolation))
		active, err := h.svc.ActiveRun(ctx)
		require.NoError(t, err)
		assert.Equal(t, run.ID, active.ID)
	})

	t.Run("Should only move phases forward", func(t *testing.T) {
		got, err := h.svc.AdvancePhase(ctx, run.ID, store.PhaseTransfer)
		require.NoError(t, err)
		assert.Equal(t, store.PhaseTransfer, got.Phase)
		assert.Equal(t, 10.0, got.ProgressPct)

		got, err = h.svc.AdvancePhase(ctx, run.ID, store.PhaseTransfer)
		require.NoError(t, err)
		assert.Equal(t, store.PhaseTransfer, got.Phase)

		_, err = h.svc.AdvancePhase(ctx, run.ID, store.PhaseSetup)
		assert.True(t, failure.Is(err, failure.InvariantViolation))

		_, err = h.svc.AdvancePhase(ctx, run.ID, "done")
		assert.True(t, failure.Is(err, failure.InvariantViolation))
	})

	t.Run("Should allow an administrative reset with a reason", func(t *testing.T) {
		_, err := h.svc.ResetPhase(ctx, run.ID, store.PhaseSetup, "")
		assert.True(t, failure.Is(err, failure.InvariantViolation))

		got, err := h.svc.ResetPhase(ctx, run.ID, store.PhaseSetup, "wrong account picked")
		require.NoError(t, err)
		assert.Equal(t, store.PhaseSetup, got.Phase)
		assert.Zero(t, got.ProgressPct)
	})

	t.Run("Should close the run when advancing to completed", func(t *testing.T) {
		got, err := h.svc.AdvancePhase(ctx, run.ID, store.PhaseCompleted)
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Equal(t, 100.0, got.ProgressPct)

		again, err := h.svc.CloseRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, store.PhaseCompleted, again.Phase)

		_, err = h.svc.AdvancePhase(ctx, run.ID, store.PhaseValidation)
		assert.True(t, failure.Is(err, failure.InvariantViolation))

		next, err := h.svc.StartRun(ctx, "me@example.com")
		require.NoError(t, err)
		assert.NotEqual(t, run.ID, next.ID)
	})

	assert.Contains(t, h.pub.types(), events.RunStarted)
	assert.Contains(t, h.pub.types(), events.RunClosed)
}

func TestTransferCommitCapturesBaseline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, tr := h.startTransfer(t, 13.88)

	got, err := h.db.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Baseline)
	assert.Equal(t, 13.88, *got.Baseline)

	_, _, commits, metrics := h.fe.Calls()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, metrics)

	t.Run("Should return the cached result on a repeated commit", func(t *testing.T) {
		props, err := h.db.ListProposals(ctx, store.ProposalCommitted)
		require.NoError(t, err)
		require.Len(t, props, 1)

		res, err := h.svc.CommitTransfer(ctx, props[0].Handle)
		require.NoError(t, err)
		assert.True(t, res.Cached)
		assert.Equal(t, "ref-token-1", res.Commit.Reference)
		_, _, commits, metrics := h.fe.Calls()
		assert.Equal(t, 1, commits)
		assert.Equal(t, 1, metrics)
	})

	t.Run("Should refuse a second prepare once started", func(t *testing.T) {
		_, err := h.svc.PrepareTransfer(ctx, tr.ID, nil)
		assert.True(t, failure.Is(err, failure.InvariantViolation))
	})
}

func TestCommitAfterExpiryHasNoSideEffect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.svc.StartRun(ctx, "me")
	require.NoError(t, err)
	tr, err := h.svc.RegisterTransfer(ctx, run.ID, "photos", nil, 0, 383)
	require.NoError(t, err)
	prop, err := h.svc.PrepareTransfer(ctx, tr.ID, nil)
	require.NoError(t, err)

	h.setNow(t0.Add(11 * time.Minute))
	_, err = h.svc.CommitTransfer(ctx, prop.Handle)
	assert.True(t, failure.Is(err, failure.ConfirmationExpired))

	_, _, commits, metrics := h.fe.Calls()
	assert.Zero(t, commits)
	assert.Zero(t, metrics)
	got, err := h.db.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Baseline)
}

func TestDailyCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, tr := h.startTransfer(t, 13.88)

	day4 := t0.Add(4*24*time.Hour + 2*time.Hour)
	h.setNow(day4)
	h.setMetric(120.88)
	report, err := h.svc.DailyCheck(ctx, run.ID, day4)
	require.NoError(t, err)
	require.Len(t, report.Transfers, 1)
	tc := report.Transfers[0]
	assert.Equal(t, CheckObserved, tc.Outcome)
	assert.Equal(t, 4, tc.Day)
	require.NotNil(t, tc.Current)
	assert.Equal(t, 27.9, progress.Round1(tc.Current.Percent))

	t.Run("Should leave state identical when re-run on the same day", func(t *testing.T) {
		_, _, _, before := h.fe.Calls()
		h.setMetric(125.0)
		again, err := h.svc.DailyCheck(ctx, run.ID, day4.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, CheckRecorded, again.Transfers[0].Outcome)
		assert.Equal(t, report.ProgressPct, again.ProgressPct)
		_, _, _, after := h.fe.Calls()
		assert.Equal(t, before, after)

		series, err := h.svc.Progress().Series(ctx, tr.ID)
		require.NoError(t, err)
		assert.Len(t, series, 1)
	})

	t.Run("Should reach the day-5 figure and refresh run progress", func(t *testing.T) {
		day5 := t0.Add(5 * 24 * time.Hour)
		h.setNow(day5)
		h.setMetric(220.88)
		report, err := h.svc.DailyCheck(ctx, run.ID, day5)
		require.NoError(t, err)
		cur := report.Transfers[0].Current
		assert.Equal(t, 54.0, progress.Round1(cur.Percent))
		require.NotNil(t, cur.ETADays)

		want := 10 + 60*(207.0/383.0)
		assert.InDelta(t, want, report.ProgressPct, 1e-9)
		stored, err := h.db.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.InDelta(t, want, stored.ProgressPct, 1e-9)
	})

	assert.Contains(t, h.pub.types(), events.DailyCheckCompleted)
}

func TestDailyCheckRetriesTransientReads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, _ := h.startTransfer(t, 10)

	var calls int
	h.fe.MetricFunc = func(ctx context.Context) (*ports.Measurement, error) {
		calls++
		if calls < 3 {
			return nil, failure.Transientf("observe metric", "sidecar busy")
		}
		return &ports.Measurement{Value: 50}, nil
	}
	report, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, CheckObserved, report.Transfers[0].Outcome)
	assert.Equal(t, 3, calls)

	t.Run("Should report drift without retrying", func(t *testing.T) {
		calls = 0
		h.fe.MetricFunc = func(ctx context.Context) (*ports.Measurement, error) {
			calls++
			return nil, failure.Driftf("observe metric", "storage page changed")
		}
		report, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(2*24*time.Hour))
		require.Error(t, err)
		assert.True(t, failure.Is(err, failure.StructuralDrift))
		assert.Equal(t, 1, calls)
		require.NotNil(t, report)
		assert.Equal(t, CheckFailed, report.Transfers[0].Outcome)
	})
}

func TestDailyCheckSkipsUnstartedAndConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, tr := h.startTransfer(t, 10)

	pending, err := h.svc.RegisterTransfer(ctx, run.ID, "videos", nil, 0, 50)
	require.NoError(t, err)
	require.NoError(t, h.svc.Progress().ConfirmComplete(ctx, tr.ID, "email"))

	report, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(24*time.Hour))
	require.NoError(t, err)
	outcomes := map[string]string{}
	for _, tc := range report.Transfers {
		outcomes[tc.TransferID] = tc.Outcome
	}
	assert.Equal(t, CheckSkipped, outcomes[tr.ID])
	assert.Equal(t, CheckSkipped, outcomes[pending.ID])

	// confirmed photos counts as 100, unstarted videos as 0
	assert.InDelta(t, 10+60*0.5, report.ProgressPct, 1e-9)
}

func TestFamilySetupProgressAndSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.svc.StartRun(ctx, "me")
	require.NoError(t, err)

	var ids []string
	for _, name := range []string{"Alex", "Jo"} {
		p, err := h.tracker.RegisterParty(ctx, run.ID, adoption.PartySpec{Name: name})
		require.NoError(t, err)
		ids = append(ids, p.ID)
	}
	for _, capability := range []string{"messaging", "location_sharing", "payment"} {
		_, err := h.tracker.RecordVerification(ctx, adoption.Observation{
			PartyID: ids[0], Capability: capability, Status: store.StatusConfigured, ObservedAt: t0,
		})
		require.NoError(t, err)
	}

	got, err := h.svc.AdvancePhase(ctx, run.ID, store.PhaseFamilySetup)
	require.NoError(t, err)
	assert.InDelta(t, 80.0, got.ProgressPct, 1e-9)

	got, err = h.svc.AdvancePhase(ctx, run.ID, store.PhaseValidation)
	require.NoError(t, err)
	assert.Equal(t, 90.0, got.ProgressPct)

	sum, err := h.svc.Summary(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.PartyCount)
	assert.Equal(t, 3, sum.AdoptionByStatus[store.StatusConfigured])
	require.NotNil(t, sum.Adoption)
	assert.InDelta(t, 0.5, sum.Adoption.Fraction, 1e-9)
	assert.Empty(t, sum.Transfers)
}

func TestRegisterTransferValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.svc.StartRun(ctx, "me")
	require.NoError(t, err)

	_, err = h.svc.RegisterTransfer(ctx, run.ID, "photos", nil, 0, 0)
	assert.True(t, failure.Is(err, failure.InvariantViolation))
	_, err = h.svc.RegisterTransfer(ctx, run.ID, "", nil, 0, 10)
	assert.True(t, failure.Is(err, failure.InvariantViolation))
	_, err = h.svc.RegisterTransfer(ctx, "missing", "photos", nil, 0, 10)
	assert.True(t, failure.Is(err, failure.InvariantViolation))

	first, err := h.svc.RegisterTransfer(ctx, run.ID, "photos", nil, 0, 10)
	require.NoError(t, err)
	second, err := h.svc.RegisterTransfer(ctx, run.ID, "photos", nil, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	t.Run("Should reject unknown front-ends at prepare time", func(t *testing.T) {
		other, err := h.svc.RegisterTransfer(ctx, run.ID, "mail", nil, 0, 10)
		require.NoError(t, err)
		_, err = h.svc.PrepareTransfer(ctx, other.ID, nil)
		assert.True(t, failure.Is(err, failure.InvariantViolation))
	})
}

// prepareTransfer registers photos on a fresh run and prepares its start.
func (h *harness) prepareTransfer(t *testing.T) (*store.Run, *store.Transfer, *gate.Proposal) {
	t.Helper()
	ctx := context.Background()
	run, err := h.svc.StartRun(ctx, "me@example.com")
	require.NoError(t, err)
	_, err = h.svc.AdvancePhase(ctx, run.ID, store.PhaseTransfer)
	require.NoError(t, err)
	tr, err := h.svc.RegisterTransfer(ctx, run.ID, "photos", nil, 0, 383.0)
	require.NoError(t, err)
	prop, err := h.svc.PrepareTransfer(ctx, tr.ID, nil)
	require.NoError(t, err)
	return run, tr, prop
}

func TestAmbiguousCommitStartsTransferOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	started := 0
	h.fe.CommitFunc = func(context.Context, string) (*ports.CommitResult, error) {
		mu.Lock()
		started++
		mu.Unlock()
		return nil, failure.Transientf("commit", "gateway timeout after submit")
	}
	run, tr, prop := h.prepareTransfer(t)
	h.setMetric(13.88)

	_, err := h.svc.CommitTransfer(ctx, prop.Handle)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.InvariantViolation))
	assert.False(t, failure.Retryable(err))

	t.Run("Should not commit again on retry", func(t *testing.T) {
		_, err := h.svc.CommitTransfer(ctx, prop.Handle)
		assert.True(t, failure.Is(err, failure.InvariantViolation))
		assert.False(t, failure.Retryable(err))
	})

	t.Run("Should refuse a new prepare while the outcome is unknown", func(t *testing.T) {
		_, err := h.svc.PrepareTransfer(ctx, tr.ID, nil)
		assert.True(t, failure.Is(err, failure.InvariantViolation))
		_, prepares, _, _ := h.fe.Calls()
		assert.Equal(t, 1, prepares)
	})

	t.Run("Should not observe the transfer before resolution", func(t *testing.T) {
		got, err := h.db.GetTransfer(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TransferInitiated, got.Phase)
		assert.Nil(t, got.Baseline)
		require.NotNil(t, got.PendingBaseline)
		assert.Equal(t, 13.88, *got.PendingBaseline)

		_, _, _, before := h.fe.Calls()
		report, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, CheckSkipped, report.Transfers[0].Outcome)
		_, _, _, after := h.fe.Calls()
		assert.Equal(t, before, after)
	})

	t.Run("Should start the transfer once resolved as committed", func(t *testing.T) {
		p, err := h.svc.ResolveTransfer(ctx, prop.Handle, true, "transfer-7")
		require.NoError(t, err)
		assert.Equal(t, store.ProposalCommitted, p.Status)

		got, err := h.db.GetTransfer(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TransferInProgress, got.Phase)
		require.NotNil(t, got.Baseline)
		assert.Equal(t, 13.88, *got.Baseline)

		_, err = h.svc.PrepareTransfer(ctx, tr.ID, nil)
		assert.True(t, failure.Is(err, failure.InvariantViolation))
	})

	mu.Lock()
	assert.Equal(t, 1, started)
	mu.Unlock()
	assert.Contains(t, h.pub.types(), events.ProposalUnknown)
}

func TestFailedCommitThenNextDayCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.fe.CommitFunc = func(context.Context, string) (*ports.CommitResult, error) {
		return nil, failure.Driftf("commit", "confirm button missing")
	}
	run, tr, prop := h.prepareTransfer(t)
	h.setMetric(13.88)

	_, err := h.svc.CommitTransfer(ctx, prop.Handle)
	require.True(t, failure.Is(err, failure.StructuralDrift))

	got, err := h.db.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferInitiated, got.Phase)
	assert.Nil(t, got.Baseline)
	assert.Nil(t, got.PendingBaseline)

	_, _, _, before := h.fe.Calls()
	h.setNow(t0.Add(24 * time.Hour))
	h.setMetric(20)
	report, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, CheckSkipped, report.Transfers[0].Outcome)
	_, _, _, after := h.fe.Calls()
	assert.Equal(t, before, after)

	got, err = h.db.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TransferInitiated, got.Phase)

	t.Run("Should recover with a fresh prepare and commit", func(t *testing.T) {
		h.fe.CommitFunc = nil
		again, err := h.svc.PrepareTransfer(ctx, tr.ID, nil)
		require.NoError(t, err)
		_, err = h.svc.CommitTransfer(ctx, again.Handle)
		require.NoError(t, err)

		got, err := h.db.GetTransfer(ctx, tr.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TransferInProgress, got.Phase)
		require.NotNil(t, got.Baseline)
		assert.Equal(t, 20.0, *got.Baseline)

		h.setNow(t0.Add(2 * 24 * time.Hour))
		h.setMetric(40)
		report, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(2*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, CheckObserved, report.Transfers[0].Outcome)
		assert.Equal(t, 1, report.Transfers[0].Day)
	})
}

func TestPrepareSupersedesEarlierProposal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, tr, first := h.prepareTransfer(t)

	second, err := h.svc.PrepareTransfer(ctx, tr.ID, nil)
	require.NoError(t, err)
	h.setMetric(5)

	_, err = h.svc.CommitTransfer(ctx, first.Handle)
	assert.True(t, failure.Is(err, failure.ConfirmationExpired))

	_, err = h.svc.CommitTransfer(ctx, second.Handle)
	require.NoError(t, err)
	_, _, commits, _ := h.fe.Calls()
	assert.Equal(t, 1, commits)
}

func TestFrontEndCallsShareTheAccountLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	locks := lock.NewAccounts(t.TempDir())
	h.svc.UseAccounts(locks, nil)

	var mu sync.Mutex
	inside, overlap := 0, false
	enter := func() {
		mu.Lock()
		inside++
		if inside > 1 {
			overlap = true
		}
		mu.Unlock()
	}
	leave := func() {
		mu.Lock()
		inside--
		mu.Unlock()
	}
	h.fe.MetricFunc = func(context.Context) (*ports.Measurement, error) {
		enter()
		defer leave()
		time.Sleep(2 * time.Millisecond)
		return &ports.Measurement{Value: 50}, nil
	}
	run, _ := h.startTransfer(t, 10)

	ctrl := workflow.New(h.db, nil, locks, nil, workflow.Config{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			def := &workflow.Definition{
				Name: fmt.Sprintf("invite-%d", i),
				Steps: []workflow.Step{{Name: "send", Run: func(context.Context, *workflow.Scope) error {
					enter()
					defer leave()
					time.Sleep(2 * time.Millisecond)
					return nil
				}}},
			}
			_, err := ctrl.Run(ctx, workflow.Request{RunID: run.ID, Account: run.Owner, Definition: def})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for day := 1; day <= 5; day++ {
			_, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(time.Duration(day)*24*time.Hour))
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	assert.False(t, overlap, "front-end call ran while a workflow held the account")
}

func TestExpiredSessionIsRefreshedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	locks := lock.NewAccounts("")
	sealer, err := secrets.NewSealer(make([]byte, 32))
	require.NoError(t, err)
	sessions := session.New(h.db, sealer, locks, session.Config{})
	sessions.SetClock(h.clock)
	h.svc.UseAccounts(locks, sessions)

	run, _ := h.startTransfer(t, 10)
	assert.Equal(t, 1, h.fe.Logins())

	signedOut := true
	h.fe.MetricFunc = func(context.Context) (*ports.Measurement, error) {
		if signedOut {
			signedOut = false
			return nil, failure.Newf(failure.AuthExpired, "observe metric", "signed out")
		}
		return &ports.Measurement{Value: 60}, nil
	}
	report, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, CheckObserved, report.Transfers[0].Outcome)
	assert.Equal(t, 2, h.fe.Logins())
	assert.Equal(t, "session-2", h.fe.Session())

	rec, err := sessions.Load(ctx, "photos", run.Owner)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []byte("session-2"), rec.Blob)
	assert.Nil(t, rec.InvalidatedAt)

	t.Run("Should give up after one refresh", func(t *testing.T) {
		h.fe.MetricFunc = func(context.Context) (*ports.Measurement, error) {
			return nil, failure.Newf(failure.AuthExpired, "observe metric", "signed out")
		}
		_, err := h.svc.DailyCheck(ctx, run.ID, t0.Add(2*24*time.Hour))
		assert.True(t, failure.Is(err, failure.AuthExpired))
		assert.Equal(t, 3, h.fe.Logins())
	})
}

func TestDayIndex(t *testing.T) {
	base := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, 0, DayIndex(base, base.Add(20*time.Minute)))
	assert.Equal(t, 1, DayIndex(base, base.Add(40*time.Minute)))
	assert.Equal(t, 4, DayIndex(base, time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, DayIndex(base, base.Add(-48*time.Hour)))
}
