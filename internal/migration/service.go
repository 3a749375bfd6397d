// Package migration is the surface an orchestrator calls: run lifecycle,
// transfers through the confirmation gate, the daily progress check and the
// combined summary.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hopover/hopover/internal/adoption"
	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/gate"
	"github.com/hopover/hopover/internal/lock"
	"github.com/hopover/hopover/internal/ports"
	"github.com/hopover/hopover/internal/progress"
	"github.com/hopover/hopover/internal/session"
	"github.com/hopover/hopover/internal/store"
)

// ActionStartTransfer is the gate action that starts a bulk transfer.
const ActionStartTransfer = "start_transfer"

// Config holds service settings.
type Config struct {
	Gate          gate.Config   `json:"gate" ignored:"true"`
	CheckAttempts int           `json:"checkAttempts" envconfig:"MIGRATION_CHECK_ATTEMPTS"`
	CheckBackoff  time.Duration `json:"checkBackoff" envconfig:"MIGRATION_CHECK_BACKOFF"`
}

// FrontEnds resolves the front-end that serves a transfer label for account.
type FrontEnds func(label, account string) (ports.FrontEnd, error)

// Service wires the store, estimator, tracker and gates together.
type Service struct {
	db        *store.Store
	progress  *progress.Estimator
	adoption  *adoption.Tracker
	frontEnds FrontEnds
	pub       events.Publisher
	cfg       Config
	locks     *lock.Accounts
	sessions  *session.Store

	mu    sync.Mutex
	fes   map[string]ports.FrontEnd
	gates map[string]*gate.Gate
	now   func() time.Time
}

// New creates a service. pub may be nil.
func New(db *store.Store, est *progress.Estimator, tracker *adoption.Tracker, frontEnds FrontEnds, pub events.Publisher, cfg Config) *Service {
	if cfg.CheckAttempts <= 0 {
		cfg.CheckAttempts = 3
	}
	if cfg.CheckBackoff <= 0 {
		cfg.CheckBackoff = 2 * time.Second
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Service{
		db: db, progress: est, adoption: tracker, frontEnds: frontEnds, pub: pub, cfg: cfg,
		locks: lock.NewAccounts(""),
		fes:   make(map[string]ports.FrontEnd),
		gates: make(map[string]*gate.Gate),
		now:   time.Now,
	}
}

// UseAccounts shares the account lock with workflows and session refresh.
// Every front-end call then runs under the lock of the run owner. When
// sessions is set, front-ends that log in keep their session there and an
// expired session is refreshed once per call.
func (s *Service) UseAccounts(locks *lock.Accounts, sessions *session.Store) {
	if locks != nil {
		s.locks = locks
	}
	s.sessions = sessions
}

// SetClock overrides the time source of the service and of gates it creates.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	for _, g := range s.gates {
		g.SetClock(now)
	}
}

func (s *Service) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Store exposes the underlying store for read-only callers.
func (s *Service) Store() *store.Store { return s.db }

// Progress returns the estimator.
func (s *Service) Progress() *progress.Estimator { return s.progress }

// Adoption returns the tracker.
func (s *Service) Adoption() *adoption.Tracker { return s.adoption }

// StartRun opens a new run in the setup phase. Only one run may be active.
func (s *Service) StartRun(ctx context.Context, owner string) (*store.Run, error) {
	active, err := s.db.ActiveRun(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, failure.Invariantf("start run", "run %s is still active", active.ID)
	}
	now := s.clock().UTC()
	run := &store.Run{ID: uuid.NewString(), Owner: owner, Phase: store.PhaseSetup, Active: true, StartedAt: now, UpdatedAt: now}
	if err := s.db.InsertRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrConstraint) {
			return nil, failure.New(failure.InvariantViolation, "start run", err)
		}
		return nil, err
	}
	slog.Info("Migration run started", "run", run.ID, "owner", owner)
	s.pub.Publish(&events.Event{Type: events.RunStarted, RunID: run.ID, Payload: map[string]any{"owner": owner}})
	return run, nil
}

// ActiveRun returns the active run or (nil, nil).
func (s *Service) ActiveRun(ctx context.Context) (*store.Run, error) {
	return s.db.ActiveRun(ctx)
}

// AdvancePhase moves a run forward. Advancing to the current phase is a
// no-op; moving backwards requires ResetPhase.
func (s *Service) AdvancePhase(ctx context.Context, runID, phase string) (*store.Run, error) {
	run, err := s.activeRun(ctx, "advance phase", runID)
	if err != nil {
		return nil, err
	}
	to := store.PhaseRank(phase)
	if to < 0 {
		return nil, failure.Invariantf("advance phase", "unknown phase %q", phase)
	}
	from := store.PhaseRank(run.Phase)
	switch {
	case to == from:
		return run, nil
	case to < from:
		return nil, failure.Invariantf("advance phase", "run %s is in %s, cannot move back to %s without a reset", runID, run.Phase, phase)
	case phase == store.PhaseCompleted:
		return s.CloseRun(ctx, runID)
	}
	return s.setPhase(ctx, run, phase, "")
}

// ResetPhase moves an active run to any phase before completed. It is the
// administrative escape hatch from the forward-only rule.
func (s *Service) ResetPhase(ctx context.Context, runID, phase, reason string) (*store.Run, error) {
	run, err := s.activeRun(ctx, "reset phase", runID)
	if err != nil {
		return nil, err
	}
	if store.PhaseRank(phase) < 0 || phase == store.PhaseCompleted {
		return nil, failure.Invariantf("reset phase", "cannot reset to %q", phase)
	}
	if reason == "" {
		return nil, failure.Invariantf("reset phase", "a reason is required")
	}
	slog.Warn("Run phase reset", "run", runID, "from", run.Phase, "to", phase, "reason", reason)
	return s.setPhase(ctx, run, phase, reason)
}

func (s *Service) setPhase(ctx context.Context, run *store.Run, phase, reason string) (*store.Run, error) {
	run.Phase = phase
	pct, err := s.runProgress(ctx, run)
	if err != nil {
		return nil, err
	}
	if err := s.db.SetRunPhase(ctx, run.ID, phase, pct, s.clock()); err != nil {
		return nil, err
	}
	payload := map[string]any{"phase": phase, "progress_pct": progress.Round1(pct)}
	if reason != "" {
		payload["reset_reason"] = reason
	}
	slog.Info("Run phase changed", "run", run.ID, "phase", phase, "progress", progress.Round1(pct))
	s.pub.Publish(&events.Event{Type: events.RunPhaseChanged, RunID: run.ID, Payload: payload})
	return s.db.GetRun(ctx, run.ID)
}

// CloseRun completes the run and clears the active flag. Closing twice is a no-op.
func (s *Service) CloseRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := s.run(ctx, "close run", runID)
	if err != nil {
		return nil, err
	}
	if !run.Active && run.Phase == store.PhaseCompleted {
		return run, nil
	}
	if err := s.db.CloseRun(ctx, runID, s.clock()); err != nil {
		return nil, err
	}
	slog.Info("Migration run closed", "run", runID)
	s.pub.Publish(&events.Event{Type: events.RunClosed, RunID: runID})
	return s.db.GetRun(ctx, runID)
}

// RegisterTransfer records a bulk transfer before it starts. Registering the
// same label twice returns the existing transfer.
func (s *Service) RegisterTransfer(ctx context.Context, runID, label string, counts ports.Counts, sourceSize, totalExpected float64) (*store.Transfer, error) {
	if _, err := s.activeRun(ctx, "register transfer", runID); err != nil {
		return nil, err
	}
	if label == "" {
		return nil, failure.Invariantf("register transfer", "label is required")
	}
	if totalExpected <= 0 || math.IsNaN(totalExpected) {
		return nil, failure.Invariantf("register transfer", "total expected must be positive, got %v", totalExpected)
	}
	now := s.clock().UTC()
	tr, err := s.db.InsertTransfer(ctx, &store.Transfer{
		ID:            uuid.NewString(),
		RunID:         runID,
		Label:         label,
		SourceCounts:  counts,
		SourceSize:    sourceSize,
		TotalExpected: totalExpected,
		StartedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Transfer registered", "run", runID, "transfer", tr.ID, "label", label, "total_expected", totalExpected)
	s.pub.Publish(&events.Event{
		Type: events.TransferRegistered, RunID: runID, Subject: tr.ID,
		Payload: map[string]any{"label": label, "total_expected": totalExpected},
	})
	return tr, nil
}

// PrepareTransfer runs the reversible preparation of a transfer and returns
// the proposal the operator must confirm. It is refused while an earlier
// commit for the transfer is committed or unresolved; older prepared
// proposals for the transfer are abandoned.
func (s *Service) PrepareTransfer(ctx context.Context, transferID string, params map[string]any) (*gate.Proposal, error) {
	tr, err := s.transfer(ctx, "prepare transfer", transferID)
	if err != nil {
		return nil, err
	}
	run, err := s.db.GetRun(ctx, tr.RunID)
	if err != nil {
		return nil, err
	}
	g, err := s.gate(tr.Label, run.Owner)
	if err != nil {
		return nil, err
	}
	merged := map[string]any{"transfer_id": tr.ID, "label": tr.Label}
	for k, v := range params {
		if _, reserved := merged[k]; !reserved {
			merged[k] = v
		}
	}

	var prop *gate.Proposal
	err = s.withAccount(ctx, tr.Label, run.Owner, func(ctx context.Context, _ ports.FrontEnd) error {
		tr, err := s.transfer(ctx, "prepare transfer", transferID)
		if err != nil {
			return err
		}
		if tr.Phase != store.TransferInitiated {
			return failure.Invariantf("prepare transfer", "transfer %s is already %s", transferID, tr.Phase)
		}
		props, err := s.transferProposals(ctx, transferID)
		if err != nil {
			return err
		}
		var stale []string
		for _, p := range props {
			switch p.Status {
			case store.ProposalCommitting:
				return failure.Invariantf("prepare transfer",
					"commit %s for transfer %s has an unknown outcome, verify remotely and resolve it first", p.Handle, transferID)
			case store.ProposalCommitted:
				return failure.Invariantf("prepare transfer", "transfer %s was already started by %s", transferID, p.Handle)
			case store.ProposalPrepared:
				stale = append(stale, p.Handle)
			}
		}
		if prop, err = g.Prepare(ctx, gate.PrepareRequest{RunID: tr.RunID, Account: run.Owner, Action: ActionStartTransfer, Params: merged}); err != nil {
			return err
		}
		for _, h := range stale {
			if err := g.Abandon(ctx, h); err != nil {
				slog.Warn("Superseded proposal not abandoned", "handle", h, "error", err)
			}
		}
		return nil
	})
	return prop, err
}

// CommitTransfer confirms a prepared transfer. The source metric is measured
// before the irreversible step and kept as a pending baseline; it becomes
// the baseline and the transfer moves to in_progress only once the commit
// is known to have happened. A commit with an unknown outcome keeps the
// pending baseline until ResolveTransfer.
func (s *Service) CommitTransfer(ctx context.Context, handle string) (*gate.Result, error) {
	_, tr, run, err := s.transferProposal(ctx, "commit transfer", handle)
	if err != nil {
		return nil, err
	}
	g, err := s.gate(tr.Label, run.Owner)
	if err != nil {
		return nil, err
	}

	var res *gate.Result
	// The gate never returns AuthExpired, so a session refresh in withAccount
	// only ever repeats the measurement.
	err = s.withAccount(ctx, tr.Label, run.Owner, func(ctx context.Context, fe ports.FrontEnd) error {
		p, err := s.db.GetProposal(ctx, handle)
		if err != nil {
			return err
		}
		tr, err := s.transfer(ctx, "commit transfer", tr.ID)
		if err != nil {
			return err
		}
		fresh := p.Status == store.ProposalPrepared && !s.clock().After(p.ExpiresAt)
		if fresh {
			if err := s.guardCommit(ctx, tr, handle); err != nil {
				return err
			}
			if tr.Baseline == nil {
				m, err := s.observe(ctx, fe, tr.ID)
				if err != nil {
					return fmt.Errorf("baseline for %s: %w", tr.Label, err)
				}
				if err := s.db.SetPendingBaseline(ctx, tr.ID, m.Value, s.clock()); err != nil {
					return err
				}
			}
		}

		res, err = g.Commit(ctx, handle)
		if err != nil {
			if fresh {
				s.settleFailedCommit(context.WithoutCancel(ctx), tr.ID, handle)
			}
			return err
		}
		return s.markStarted(context.WithoutCancel(ctx), tr.ID)
	})
	return res, err
}

// ResolveTransfer settles a commit whose outcome was unknown after the
// remote state has been checked. A confirmed commit starts the transfer
// with the baseline measured before it.
func (s *Service) ResolveTransfer(ctx context.Context, handle string, committed bool, reference string) (*gate.Proposal, error) {
	_, tr, run, err := s.transferProposal(ctx, "resolve transfer", handle)
	if err != nil {
		return nil, err
	}
	g, err := s.gate(tr.Label, run.Owner)
	if err != nil {
		return nil, err
	}
	release, err := s.locks.Acquire(ctx, run.Owner)
	if err != nil {
		return nil, err
	}
	defer release()

	prop, err := g.Resolve(ctx, handle, committed, reference)
	if err != nil {
		return nil, err
	}
	if committed {
		return prop, s.markStarted(context.WithoutCancel(ctx), tr.ID)
	}
	return prop, s.db.ClearPendingBaseline(ctx, tr.ID, s.clock())
}

// SourceCounts reads the entity counts of the source behind label for the
// owner of run.
func (s *Service) SourceCounts(ctx context.Context, runID, label string) (ports.Counts, error) {
	run, err := s.run(ctx, "source counts", runID)
	if err != nil {
		return nil, err
	}
	var counts ports.Counts
	err = s.withAccount(ctx, label, run.Owner, func(ctx context.Context, fe ports.FrontEnd) error {
		c, err := fe.CheckStatus(ctx)
		counts = c
		return err
	})
	return counts, err
}

// guardCommit refuses a new commit once the transfer has been started or
// another commit for it is unresolved.
func (s *Service) guardCommit(ctx context.Context, tr *store.Transfer, handle string) error {
	if tr.Phase != store.TransferInitiated {
		return failure.Invariantf("commit transfer", "transfer %s is already %s", tr.ID, tr.Phase)
	}
	props, err := s.transferProposals(ctx, tr.ID)
	if err != nil {
		return err
	}
	for _, p := range props {
		if p.Handle == handle {
			continue
		}
		switch p.Status {
		case store.ProposalCommitting:
			return failure.Invariantf("commit transfer", "commit %s for transfer %s has an unknown outcome, resolve it first", p.Handle, tr.ID)
		case store.ProposalCommitted:
			return failure.Invariantf("commit transfer", "transfer %s was already started by %s", tr.ID, p.Handle)
		}
	}
	return nil
}

// settleFailedCommit drops the pending baseline when the gate recorded a
// definite failure. An unresolved commit keeps it.
func (s *Service) settleFailedCommit(ctx context.Context, transferID, handle string) {
	p, err := s.db.GetProposal(ctx, handle)
	if err != nil {
		slog.Warn("Proposal state unreadable after failed commit", "handle", handle, "error", err)
		return
	}
	if p.Status != store.ProposalFailed {
		return
	}
	if err := s.db.ClearPendingBaseline(ctx, transferID, s.clock()); err != nil {
		slog.Warn("Pending baseline not cleared", "transfer", transferID, "error", err)
	}
}

// markStarted promotes the pending baseline and moves the transfer to
// in_progress. Calling it again after a crash finishes the job.
func (s *Service) markStarted(ctx context.Context, transferID string) error {
	tr, err := s.transfer(ctx, "start transfer", transferID)
	if err != nil {
		return err
	}
	if tr.Baseline == nil {
		if tr.PendingBaseline == nil {
			return failure.Invariantf("start transfer", "transfer %s committed without a baseline measurement", transferID)
		}
		if err := s.progress.Begin(ctx, tr.ID, *tr.PendingBaseline); err != nil {
			return err
		}
	}
	if tr.Phase == store.TransferInitiated {
		if err := s.db.SetTransferPhase(ctx, tr.ID, store.TransferInProgress, s.clock()); err != nil {
			return err
		}
		slog.Info("Transfer started", "transfer", tr.ID, "label", tr.Label)
	}
	return nil
}

// transferProposal loads a start_transfer proposal with its transfer and run.
func (s *Service) transferProposal(ctx context.Context, op, handle string) (*store.Proposal, *store.Transfer, *store.Run, error) {
	p, err := s.db.GetProposal(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, failure.Invariantf(op, "unknown proposal %s", handle)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	transferID, _ := p.Params["transfer_id"].(string)
	if p.Action != ActionStartTransfer || transferID == "" {
		return nil, nil, nil, failure.Invariantf(op, "proposal %s is not a transfer", handle)
	}
	tr, err := s.transfer(ctx, op, transferID)
	if err != nil {
		return nil, nil, nil, err
	}
	run, err := s.db.GetRun(ctx, tr.RunID)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, tr, run, nil
}

// transferProposals returns every start_transfer proposal for transferID.
func (s *Service) transferProposals(ctx context.Context, transferID string) ([]store.Proposal, error) {
	rows, err := s.db.ListProposals(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []store.Proposal
	for _, p := range rows {
		if id, _ := p.Params["transfer_id"].(string); id == transferID && p.Action == ActionStartTransfer {
			out = append(out, p)
		}
	}
	return out, nil
}

// AbandonTransfer drops a prepared transfer proposal.
func (s *Service) AbandonTransfer(ctx context.Context, handle string) error {
	p, err := s.db.GetProposal(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return failure.Invariantf("abandon transfer", "unknown proposal %s", handle)
	}
	if err != nil {
		return err
	}
	label, _ := p.Params["label"].(string)
	g, err := s.gate(label, p.Account)
	if err != nil {
		return err
	}
	return g.Abandon(ctx, handle)
}

// SweepProposals expires prepared proposals past their validity window.
func (s *Service) SweepProposals(ctx context.Context) (int, error) {
	n, err := s.db.ExpireProposals(ctx, s.clock())
	if err != nil {
		return n, fmt.Errorf("sweep proposals: %w", err)
	}
	if n > 0 {
		slog.Info("Expired stale proposals", "count", n)
	}
	return n, nil
}

// frontEnd returns the cached front-end for label acting as account.
func (s *Service) frontEnd(label, account string) (ports.FrontEnd, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frontEndLocked(label, account)
}

func (s *Service) frontEndLocked(label, account string) (ports.FrontEnd, error) {
	key := label + "\x00" + account
	if fe, ok := s.fes[key]; ok {
		return fe, nil
	}
	if s.frontEnds == nil {
		return nil, failure.Invariantf("front-end", "no front-end configured")
	}
	fe, err := s.frontEnds(label, account)
	if err != nil {
		return nil, failure.New(failure.InvariantViolation, "front-end", err)
	}
	s.fes[key] = fe
	return fe, nil
}

// gate returns the confirmation gate bound to the front-end for label.
func (s *Service) gate(label, account string) (*gate.Gate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := label + "\x00" + account
	if g, ok := s.gates[key]; ok {
		return g, nil
	}
	fe, err := s.frontEndLocked(label, account)
	if err != nil {
		return nil, err
	}
	g := gate.New(s.db, fe, s.pub, s.cfg.Gate)
	g.SetClock(s.now)
	s.gates[key] = g
	return g, nil
}

// withAccount runs fn against the front-end for label while holding the
// account lock. With a session store, the stored session is applied first
// and an AuthExpired from fn triggers one fresh login and a single retry.
func (s *Service) withAccount(ctx context.Context, label, account string, fn func(ctx context.Context, fe ports.FrontEnd) error) error {
	fe, err := s.frontEnd(label, account)
	if err != nil {
		return err
	}
	release, err := s.locks.Acquire(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	auth, ok := fe.(ports.Authenticator)
	if !ok || s.sessions == nil {
		return fn(ctx, fe)
	}
	if err := s.applySession(ctx, auth, label, account); err != nil {
		return err
	}
	err = fn(ctx, fe)
	if !failure.Is(err, failure.AuthExpired) {
		return err
	}
	slog.Info("Front-end session expired, signing in again", "service", label, "account", account)
	if err := s.sessions.Invalidate(ctx, label, account); err != nil {
		return err
	}
	if err := s.login(ctx, auth, label, account); err != nil {
		return err
	}
	return fn(ctx, fe)
}

func (s *Service) applySession(ctx context.Context, auth ports.Authenticator, label, account string) error {
	rec, err := s.sessions.Load(ctx, label, account)
	if err != nil {
		return err
	}
	if rec != nil && s.sessions.IsValid(rec, s.clock()) {
		auth.UseSession(rec.Blob)
		return nil
	}
	return s.login(ctx, auth, label, account)
}

// login signs in while the account lock is held and stores the session.
func (s *Service) login(ctx context.Context, auth ports.Authenticator, label, account string) error {
	blob, err := auth.Login(ctx)
	if err != nil {
		return fmt.Errorf("sign in to %s as %s: %w", label, account, err)
	}
	auth.UseSession(blob)
	return s.sessions.Save(ctx, label, account, blob, s.clock())
}

// observe reads the metric, retrying transient failures with backoff.
func (s *Service) observe(ctx context.Context, fe ports.FrontEnd, transferID string) (*ports.Measurement, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.CheckAttempts; attempt++ {
		m, err := fe.ObserveMetric(ctx)
		if err == nil {
			return m, nil
		}
		lastErr = err
		if !failure.Is(err, failure.Transient) || attempt == s.cfg.CheckAttempts {
			break
		}
		wait := s.cfg.CheckBackoff << (attempt - 1)
		slog.Warn("Metric read failed, retrying", "transfer", transferID, "attempt", attempt, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, failure.New(failure.Transient, "observe metric", ctx.Err())
		case <-t.C:
		}
	}
	return nil, lastErr
}

func (s *Service) run(ctx context.Context, op, runID string) (*store.Run, error) {
	run, err := s.db.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.New(failure.InvariantViolation, op, err)
	}
	return run, err
}

func (s *Service) activeRun(ctx context.Context, op, runID string) (*store.Run, error) {
	run, err := s.run(ctx, op, runID)
	if err != nil {
		return nil, err
	}
	if !run.Active {
		return nil, failure.Invariantf(op, "run %s is closed", runID)
	}
	return run, nil
}

func (s *Service) transfer(ctx context.Context, op, transferID string) (*store.Transfer, error) {
	tr, err := s.db.GetTransfer(ctx, transferID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.New(failure.InvariantViolation, op, err)
	}
	return tr, err
}
