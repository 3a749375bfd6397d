package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWithDriver(t, DriverModernc)
}

func newTestStoreWithDriver(t *testing.T, driver string) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(driver, filepath.Join(dir, "hopover.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
		_ = os.RemoveAll(dir)
	})
	return st
}

func seedRun(t *testing.T, st *Store, id string) *Run {
	t.Helper()
	r := &Run{ID: id, Owner: "owner@example.com", Active: true, StartedAt: t0, UpdatedAt: t0}
	if err := st.InsertRun(context.Background(), r); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	return r
}

func seedTransfer(t *testing.T, st *Store, runID string) *Transfer {
	t.Helper()
	tr, err := st.InsertTransfer(context.Background(), &Transfer{
		ID: "tr-1", RunID: runID, Label: "photos", TotalExpected: 383.0,
		SourceCounts: map[string]int{"photos": 41000, "videos": 900},
		StartedAt:    t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("insert transfer: %v", err)
	}
	return tr
}

func TestSingleActiveRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedRun(t, st, "run-1")
	// Same id again is a no-op.
	seedRun(t, st, "run-1")

	err := st.InsertRun(ctx, &Run{ID: "run-2", Owner: "x", Active: true, StartedAt: t0, UpdatedAt: t0})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected constraint error for second active run, got %v", err)
	}

	active, err := st.ActiveRun(ctx)
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	if active == nil || active.ID != "run-1" || active.Phase != PhaseSetup {
		t.Fatalf("unexpected active run: %+v", active)
	}

	if err := st.CloseRun(ctx, "run-1", t0.Add(time.Hour)); err != nil {
		t.Fatalf("close run: %v", err)
	}
	active, err = st.ActiveRun(ctx)
	if err != nil || active != nil {
		t.Fatalf("expected no active run, got %+v err=%v", active, err)
	}
	if err := st.InsertRun(ctx, &Run{ID: "run-2", Owner: "x", Active: true, StartedAt: t0, UpdatedAt: t0}); err != nil {
		t.Fatalf("new run after close: %v", err)
	}

	closed, err := st.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if closed.Phase != PhaseCompleted || closed.ProgressPct != 100 || closed.ClosedAt == nil {
		t.Fatalf("unexpected closed run: %+v", closed)
	}
}

func TestGetRunNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetRun(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := st.SetRunProgress(context.Background(), "missing", 10, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestRunPhaseCheckConstraint(t *testing.T) {
	st := newTestStore(t)
	seedRun(t, st, "run-1")
	err := st.SetRunPhase(context.Background(), "run-1", "bogus", 0, t0)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected constraint error, got %v", err)
	}
}

func TestUpsertPartyKeepsIdentity(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run-1")

	age := 12
	first, err := st.UpsertParty(ctx, &Party{
		ID: "p-1", RunID: "run-1", Name: "Sam", Category: CategorySecondary, Age: &age,
		Contact: "slack:U123", Eligibility: map[string]bool{"payment": false},
		CreatedAt: t0,
	})
	if err != nil {
		t.Fatalf("upsert party: %v", err)
	}
	second, err := st.UpsertParty(ctx, &Party{
		ID: "p-other", RunID: "run-1", Name: "Sam", Category: CategoryPrimary, CreatedAt: t0.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("re-upsert party: %v", err)
	}
	if second.ID != first.ID || second.Category != CategorySecondary {
		t.Fatalf("identity changed: %+v", second)
	}
	if second.Age == nil || *second.Age != 12 {
		t.Fatalf("expected age 12, got %v", second.Age)
	}
	if second.Eligible("payment") || !second.Eligible("messaging") {
		t.Fatalf("unexpected eligibility: %+v", second.Eligibility)
	}
}

func TestAdoptionUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run-1")
	p, err := st.UpsertParty(ctx, &Party{ID: "p-1", RunID: "run-1", Name: "Ana", Category: CategoryPrimary, CreatedAt: t0})
	if err != nil {
		t.Fatalf("upsert party: %v", err)
	}
	if err := st.EnsureAdoption(ctx, p.ID, "messaging", t0); err != nil {
		t.Fatalf("ensure adoption: %v", err)
	}

	a, err := st.GetAdoption(ctx, p.ID, "messaging")
	if err != nil {
		t.Fatalf("get adoption: %v", err)
	}
	if a.Status != StatusNotStarted || a.Source != SourceSetup || a.VerifiedAt != nil {
		t.Fatalf("unexpected initial row: %+v", a)
	}

	at := t0.Add(24 * time.Hour)
	a.Status, a.Source, a.VerifiedStatus, a.VerifiedAt, a.UpdatedAt = StatusConfigured, SourceVerified, StatusConfigured, &at, at
	if err := st.PutAdoption(ctx, a); err != nil {
		t.Fatalf("put adoption: %v", err)
	}
	// Ensure never overwrites an existing row.
	if err := st.EnsureAdoption(ctx, p.ID, "messaging", t0); err != nil {
		t.Fatalf("ensure adoption again: %v", err)
	}
	got, err := st.GetAdoption(ctx, p.ID, "messaging")
	if err != nil {
		t.Fatalf("get adoption: %v", err)
	}
	if got.Status != StatusConfigured || got.VerifiedAt == nil || !got.VerifiedAt.Equal(at) {
		t.Fatalf("unexpected stored row: %+v", got)
	}

	missing, err := st.GetAdoption(ctx, p.ID, "payment")
	if err != nil || missing != nil {
		t.Fatalf("expected nil,nil for missing adoption, got %+v %v", missing, err)
	}
}

func TestBaselineSetOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run-1")
	tr := seedTransfer(t, st, "run-1")

	if tr.Baseline != nil {
		t.Fatalf("expected no baseline on new transfer")
	}
	if err := st.SetBaseline(ctx, tr.ID, 13.88, t0); err != nil {
		t.Fatalf("set baseline: %v", err)
	}
	if err := st.SetBaseline(ctx, tr.ID, 13.88, t0.Add(time.Hour)); err != nil {
		t.Fatalf("identical baseline should be a no-op: %v", err)
	}
	if err := st.SetBaseline(ctx, tr.ID, 20, t0); !errors.Is(err, ErrBaselineSet) {
		t.Fatalf("expected ErrBaselineSet, got %v", err)
	}
	// Bypassing the guarded update still hits the trigger.
	_, err := st.DB().Exec(`UPDATE transfer_record SET baseline = 1 WHERE id = ?`, tr.ID)
	if err == nil || !strings.Contains(err.Error(), "baseline is immutable") {
		t.Fatalf("expected trigger rejection, got %v", err)
	}

	got, err := st.GetTransfer(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if got.Baseline == nil || *got.Baseline != 13.88 || got.SourceCounts["photos"] != 41000 {
		t.Fatalf("unexpected transfer: %+v", got)
	}
}

func TestInsertTransferIdempotentOnLabel(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run-1")
	first := seedTransfer(t, st, "run-1")
	again, err := st.InsertTransfer(ctx, &Transfer{
		ID: "tr-2", RunID: "run-1", Label: "photos", TotalExpected: 10, StartedAt: t0, UpdatedAt: t0,
	})
	if err != nil {
		t.Fatalf("insert transfer again: %v", err)
	}
	if again.ID != first.ID || again.TotalExpected != 383.0 {
		t.Fatalf("expected existing transfer, got %+v", again)
	}
}

func TestSnapshotsAppendOnly(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run-1")
	tr := seedTransfer(t, st, "run-1")

	sn := &Snapshot{TransferID: tr.ID, Day: 4, Measurement: 120.88, Growth: 107, Percent: 27.9, MeasuredPercent: 27.9, ObservedAt: t0}
	if err := st.AppendSnapshot(ctx, sn); !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected baseline-required rejection, got %v", err)
	}

	if err := st.SetBaseline(ctx, tr.ID, 13.88, t0); err != nil {
		t.Fatalf("set baseline: %v", err)
	}
	if err := st.AppendSnapshot(ctx, sn); err != nil {
		t.Fatalf("append snapshot: %v", err)
	}
	if sn.ID == 0 {
		t.Fatalf("expected snapshot id")
	}

	earlier := &Snapshot{TransferID: tr.ID, Day: 3, Measurement: 100, Growth: 86, Percent: 22, MeasuredPercent: 22, ObservedAt: t0}
	if err := st.AppendSnapshot(ctx, earlier); !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected day ordering rejection, got %v", err)
	}

	if _, err := st.DB().Exec(`UPDATE progress_snapshot SET percent = 1 WHERE id = ?`, sn.ID); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := st.DB().Exec(`DELETE FROM progress_snapshot WHERE id = ?`, sn.ID); err == nil {
		t.Fatalf("expected delete to be rejected")
	}

	supersedes := sn.ID
	corr := &Snapshot{
		TransferID: tr.ID, Day: 4, Revision: 1, Measurement: 110, Growth: 96.12, Percent: 25.1, MeasuredPercent: 25.1,
		Supersedes: &supersedes, Reason: "metric double counted", ObservedAt: t0.Add(time.Hour),
	}
	if err := st.AppendSnapshot(ctx, corr); err != nil {
		t.Fatalf("append correction: %v", err)
	}

	series, err := st.ProgressSeries(ctx, tr.ID)
	if err != nil {
		t.Fatalf("progress series: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(series))
	}
	eff := Effective(series)
	if len(eff) != 1 || eff[0].Revision != 1 || !eff[0].IsCorrection() {
		t.Fatalf("unexpected effective series: %+v", eff)
	}
	latest, err := st.LatestSnapshot(ctx, tr.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != corr.ID {
		t.Fatalf("expected correction as latest, got %+v", latest)
	}
}

func TestConfirmTransferFirstWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run-1")
	tr := seedTransfer(t, st, "run-1")

	if err := st.ConfirmTransfer(ctx, tr.ID, "email", t0); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := st.ConfirmTransfer(ctx, tr.ID, "operator", t0.Add(time.Hour)); err != nil {
		t.Fatalf("confirm again: %v", err)
	}
	got, err := st.GetTransfer(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if !got.ConfirmedComplete || got.ConfirmationSource != "email" || !got.ConfirmedAt.Equal(t0) {
		t.Fatalf("unexpected confirmation: %+v", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec, err := st.GetSession(ctx, "photos", "me")
	if err != nil || rec != nil {
		t.Fatalf("expected nil,nil for missing session, got %+v %v", rec, err)
	}
	// Invalidating a missing session is a no-op.
	if err := st.InvalidateSession(ctx, "photos", "me", t0); err != nil {
		t.Fatalf("invalidate missing: %v", err)
	}

	if err := st.PutSession(ctx, &SessionRecord{Service: "photos", Account: "me", Blob: []byte("sealed"), CapturedAt: t0, UpdatedAt: t0}); err != nil {
		t.Fatalf("put session: %v", err)
	}
	if err := st.InvalidateSession(ctx, "photos", "me", t0.Add(time.Hour)); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	rec, err = st.GetSession(ctx, "photos", "me")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.InvalidatedAt == nil || string(rec.Blob) != "sealed" {
		t.Fatalf("unexpected session: %+v", rec)
	}

	if err := st.PutSession(ctx, &SessionRecord{Service: "photos", Account: "me", Blob: []byte("fresh"), CapturedAt: t0.Add(2 * time.Hour), UpdatedAt: t0}); err != nil {
		t.Fatalf("put session again: %v", err)
	}
	rec, err = st.GetSession(ctx, "photos", "me")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if rec.InvalidatedAt != nil || string(rec.Blob) != "fresh" {
		t.Fatalf("expected refreshed session, got %+v", rec)
	}

	list, err := st.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 1 || list[0].Blob != nil {
		t.Fatalf("expected one session without blob, got %+v", list)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cp, err := st.GetCheckpoint(ctx, "run-1", "export", "me")
	if err != nil || cp != nil {
		t.Fatalf("expected nil,nil, got %+v %v", cp, err)
	}
	in := &Checkpoint{
		RunID: "run-1", Workflow: "export", Account: "me", LastStep: 1, LastStepName: "select_all",
		Status: CheckpointRunning, State: map[string]string{"selection": "all"}, UpdatedAt: t0,
	}
	if err := st.PutCheckpoint(ctx, in); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}
	in.LastStep, in.Status = 2, CheckpointCompleted
	if err := st.PutCheckpoint(ctx, in); err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}
	cp, err = st.GetCheckpoint(ctx, "run-1", "export", "me")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if cp.LastStep != 2 || cp.Status != CheckpointCompleted || cp.State["selection"] != "all" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	if err := st.DeleteCheckpoint(ctx, "run-1", "export", "me"); err != nil {
		t.Fatalf("delete checkpoint: %v", err)
	}
	cp, _ = st.GetCheckpoint(ctx, "run-1", "export", "me")
	if cp != nil {
		t.Fatalf("expected checkpoint removed")
	}
}

func TestPendingBaseline(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run-1")
	tr := seedTransfer(t, st, "run-1")

	if err := st.SetPendingBaseline(ctx, tr.ID, 13.88, t0); err != nil {
		t.Fatalf("set pending baseline: %v", err)
	}
	got, err := st.GetTransfer(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if got.Baseline != nil || got.PendingBaseline == nil || *got.PendingBaseline != 13.88 || got.PendingBaselineAt == nil {
		t.Fatalf("expected only a pending baseline, got %+v", got)
	}
	// A pending value does not satisfy the snapshot trigger.
	if err := st.AppendSnapshot(ctx, &Snapshot{TransferID: tr.ID, Day: 1, Measurement: 20, ObservedAt: t0}); err == nil {
		t.Fatal("expected snapshot before baseline to be rejected")
	}

	if err := st.ClearPendingBaseline(ctx, tr.ID, t0); err != nil {
		t.Fatalf("clear pending baseline: %v", err)
	}
	got, err = st.GetTransfer(ctx, tr.ID)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if got.PendingBaseline != nil || got.PendingBaselineAt != nil {
		t.Fatalf("expected pending baseline cleared, got %+v", got)
	}

	if err := st.SetBaseline(ctx, tr.ID, 13.88, t0); err != nil {
		t.Fatalf("set baseline: %v", err)
	}
	if err := st.SetPendingBaseline(ctx, tr.ID, 20, t0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no pending baseline once the baseline is fixed, got %v", err)
	}
}

func TestNoteProposalErrorKeepsStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := &Proposal{Handle: "h-2", Action: "start_transfer", Token: "tok", CreatedAt: t0, ExpiresAt: t0.Add(time.Hour)}
	if err := st.InsertProposal(ctx, p); err != nil {
		t.Fatalf("insert proposal: %v", err)
	}
	if err := st.NoteProposalError(ctx, "h-2", "timeout"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a prepared proposal to be left alone, got %v", err)
	}
	if ok, err := st.TransitionProposal(ctx, "h-2", ProposalPrepared, ProposalCommitting); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := st.NoteProposalError(ctx, "h-2", "timeout"); err != nil {
		t.Fatalf("note error: %v", err)
	}
	got, err := st.GetProposal(ctx, "h-2")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.Status != ProposalCommitting || got.ErrorText != "timeout" {
		t.Fatalf("unexpected proposal: %+v", got)
	}
}

func TestProposalClaimIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	p := &Proposal{
		Handle: "h-1", Action: "start_transfer", Params: map[string]any{"label": "photos"},
		Token: "tok", Summary: `{"photos":41000}`, CreatedAt: t0, ExpiresAt: t0.Add(30 * time.Minute),
	}
	if err := st.InsertProposal(ctx, p); err != nil {
		t.Fatalf("insert proposal: %v", err)
	}
	ok, err := st.TransitionProposal(ctx, "h-1", ProposalPrepared, ProposalCommitting)
	if err != nil || !ok {
		t.Fatalf("expected first claim to win: ok=%v err=%v", ok, err)
	}
	ok, err = st.TransitionProposal(ctx, "h-1", ProposalPrepared, ProposalCommitting)
	if err != nil || ok {
		t.Fatalf("expected second claim to lose: ok=%v err=%v", ok, err)
	}
	if err := st.FinishProposal(ctx, "h-1", ProposalCommitted, `{"ok":true}`, "", t0.Add(time.Minute)); err != nil {
		t.Fatalf("finish proposal: %v", err)
	}
	got, err := st.GetProposal(ctx, "h-1")
	if err != nil {
		t.Fatalf("get proposal: %v", err)
	}
	if got.Status != ProposalCommitted || got.Result != `{"ok":true}` || got.CommittedAt == nil || got.Params["label"] != "photos" {
		t.Fatalf("unexpected proposal: %+v", got)
	}
	if _, err := st.GetProposal(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpireProposals(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for i, exp := range []time.Duration{10 * time.Minute, time.Hour} {
		p := &Proposal{Handle: []string{"old", "new"}[i], Action: "a", CreatedAt: t0, ExpiresAt: t0.Add(exp)}
		if err := st.InsertProposal(ctx, p); err != nil {
			t.Fatalf("insert proposal: %v", err)
		}
	}
	n, err := st.ExpireProposals(ctx, t0.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	pending, err := st.ListProposals(ctx, ProposalPrepared)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].Handle != "new" {
		t.Fatalf("unexpected pending: %+v", pending)
	}
}

func TestRunSummaryAndMatrix(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedRun(t, st, "run-1")
	seedTransfer(t, st, "run-1")

	for i, name := range []string{"Ana", "Ben"} {
		p, err := st.UpsertParty(ctx, &Party{ID: "p-" + name, RunID: "run-1", Name: name, Category: CategoryPrimary, CreatedAt: t0.Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatalf("upsert party: %v", err)
		}
		for _, c := range []string{"messaging", "payment"} {
			if err := st.EnsureAdoption(ctx, p.ID, c, t0); err != nil {
				t.Fatalf("ensure adoption: %v", err)
			}
		}
	}
	if err := st.PutAdoption(ctx, &Adoption{PartyID: "p-Ana", Capability: "messaging", Status: StatusConfigured, Source: SourceManual, ManualStatus: StatusConfigured, ManualAt: &t0, UpdatedAt: t0}); err != nil {
		t.Fatalf("put adoption: %v", err)
	}

	sum, err := st.RunSummary(ctx, "run-1")
	if err != nil {
		t.Fatalf("run summary: %v", err)
	}
	if sum.PartyCount != 2 || sum.TransferCount != 1 {
		t.Fatalf("unexpected counts: %+v", sum)
	}
	if sum.AdoptionByStatus[StatusConfigured] != 1 || sum.AdoptionByStatus[StatusNotStarted] != 3 {
		t.Fatalf("unexpected adoption counts: %+v", sum.AdoptionByStatus)
	}

	matrix, err := st.CapabilityMatrix(ctx, "run-1")
	if err != nil {
		t.Fatalf("matrix: %v", err)
	}
	if len(matrix) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(matrix))
	}
	if matrix[0].Party.Name != "Ana" || matrix[0].Adoption.Capability != "messaging" || matrix[0].Adoption.Status != StatusConfigured {
		t.Fatalf("unexpected first row: %+v", matrix[0])
	}
}

func TestPhaseAndStatusRank(t *testing.T) {
	if PhaseRank(PhaseSetup) >= PhaseRank(PhaseTransfer) || PhaseRank(PhaseValidation) >= PhaseRank(PhaseCompleted) {
		t.Fatalf("phase order broken")
	}
	if StatusRank(StatusInvited) >= StatusRank(StatusConfigured) {
		t.Fatalf("status order broken")
	}
	if PhaseRank("nope") != -1 || StatusRank("nope") != -1 {
		t.Fatalf("unknown values should rank -1")
	}
}
