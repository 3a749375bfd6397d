// Package gate splits irreversible remote actions into a reversible prepare
// and an idempotent, non-cancellable commit.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/lock"
	"github.com/hopover/hopover/internal/ports"
	"github.com/hopover/hopover/internal/store"
)

// DefaultValidity is how long a prepared proposal may be committed.
const DefaultValidity = 30 * time.Minute

// Config holds gate settings.
type Config struct {
	Validity time.Duration `json:"validity" envconfig:"GATE_VALIDITY"`
}

// PrepareRequest describes the action to prepare.
type PrepareRequest struct {
	RunID   string
	Account string
	Action  string
	Params  map[string]any
}

// Proposal is a prepared action as seen by callers.
type Proposal struct {
	Handle    string        `json:"handle"`
	RunID     string        `json:"run_id,omitempty"`
	Account   string        `json:"account,omitempty"`
	Action    string        `json:"action"`
	Summary   ports.Summary `json:"summary"`
	Status    string        `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Result is the outcome of a commit. Cached is true when no port call was made.
type Result struct {
	Handle string             `json:"handle"`
	Commit ports.CommitResult `json:"commit"`
	Cached bool               `json:"cached"`
}

type failureRecord struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

// Gate persists proposals and runs commits at most once.
type Gate struct {
	db      *store.Store
	fe      ports.FrontEnd
	pub     events.Publisher
	cfg     Config
	handles *lock.Keyed
	now     func() time.Time
}

// New creates a gate. pub may be nil.
func New(db *store.Store, fe ports.FrontEnd, pub events.Publisher, cfg Config) *Gate {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Gate{db: db, fe: fe, pub: pub, cfg: cfg, handles: lock.NewKeyed(), now: time.Now}
}

// SetClock overrides the time source.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Sweep marks prepared proposals past their window as expired. Called on
// startup so leftovers from a previous process are not committed late.
func (g *Gate) Sweep(ctx context.Context) (int, error) {
	n, err := g.db.ExpireProposals(ctx, g.now())
	if err != nil {
		return n, fmt.Errorf("sweep proposals: %w", err)
	}
	if n > 0 {
		slog.Info("Expired stale proposals", "count", n)
	}
	return n, nil
}

// Prepare runs the reversible preparation and records a proposal. It honours
// ctx cancellation; an abandoned prepare leaves nothing behind.
func (g *Gate) Prepare(ctx context.Context, req PrepareRequest) (*Proposal, error) {
	if req.Action == "" {
		return nil, failure.Invariantf("prepare", "action is required")
	}
	prepared, err := g.fe.PrepareIrreversibleAction(ctx, req.Params)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", req.Action, err)
	}
	if prepared == nil || prepared.Token == "" {
		return nil, failure.Driftf("prepare "+req.Action, "front-end returned no token")
	}
	summary, err := json.Marshal(prepared.Summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary: %w", err)
	}

	now := g.now().UTC()
	row := &store.Proposal{
		Handle:    uuid.NewString(),
		RunID:     req.RunID,
		Account:   req.Account,
		Action:    req.Action,
		Params:    req.Params,
		Token:     prepared.Token,
		Summary:   string(summary),
		Status:    store.ProposalPrepared,
		CreatedAt: now,
		ExpiresAt: now.Add(g.cfg.Validity),
	}
	if err := g.db.InsertProposal(ctx, row); err != nil {
		return nil, err
	}
	slog.Info("Proposal prepared", "handle", row.Handle, "action", req.Action, "expires_at", row.ExpiresAt)
	g.pub.Publish(&events.Event{
		Type: events.ProposalPrepared, RunID: req.RunID, Subject: row.Handle,
		Payload: map[string]any{"action": req.Action, "expires_at": row.ExpiresAt},
	})
	return toProposal(row, prepared.Summary), nil
}

// Commit executes a prepared proposal exactly once. Repeated or concurrent
// calls for the same handle return the recorded outcome without touching
// the front-end again. Once started, the front-end commit is not cancelled
// by ctx. Commit never returns a retryable error: an ambiguous front-end
// failure leaves the proposal committing until Resolve is called.
func (g *Gate) Commit(ctx context.Context, handle string) (*Result, error) {
	unlock, err := g.handles.Lock(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := g.db.GetProposal(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.Invariantf("commit", "unknown proposal %s", handle)
	}
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case store.ProposalCommitted:
		return cachedResult(p)
	case store.ProposalFailed:
		return nil, cachedFailure(p)
	case store.ProposalExpired:
		return nil, failure.Newf(failure.ConfirmationExpired, "commit", "proposal %s expired at %s", handle, p.ExpiresAt.Format(time.RFC3339))
	case store.ProposalAbandoned:
		return nil, failure.Newf(failure.ConfirmationExpired, "commit", "proposal %s was abandoned", handle)
	case store.ProposalCommitting:
		return nil, failure.Invariantf("commit", "proposal %s outcome unknown, verify remotely and resolve", handle)
	}

	if g.now().After(p.ExpiresAt) {
		if _, err := g.db.TransitionProposal(ctx, handle, store.ProposalPrepared, store.ProposalExpired); err != nil {
			return nil, err
		}
		slog.Info("Proposal expired before commit", "handle", handle, "expires_at", p.ExpiresAt)
		return nil, failure.Newf(failure.ConfirmationExpired, "commit", "proposal %s expired at %s", handle, p.ExpiresAt.Format(time.RFC3339))
	}

	claimed, err := g.db.TransitionProposal(ctx, handle, store.ProposalPrepared, store.ProposalCommitting)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another process moved it; report whatever it recorded.
		p, err = g.db.GetProposal(ctx, handle)
		if err != nil {
			return nil, err
		}
		if p.Status == store.ProposalCommitted {
			return cachedResult(p)
		}
		return nil, failure.Invariantf("commit", "proposal %s is %s", handle, p.Status)
	}

	return g.execute(context.WithoutCancel(ctx), p)
}

func (g *Gate) execute(ctx context.Context, p *store.Proposal) (*Result, error) {
	slog.Info("Committing proposal", "handle", p.Handle, "action", p.Action)
	res, err := g.fe.Commit(ctx, p.Token)
	now := g.now().UTC()
	if err != nil {
		kind := failure.KindOf(err)
		if !rejected(err) {
			return nil, g.unsettled(ctx, p, kind, err)
		}
		rec, _ := json.Marshal(failureRecord{Kind: kind, Message: err.Error()})
		if ferr := g.db.FinishProposal(ctx, p.Handle, store.ProposalFailed, "", string(rec), now); ferr != nil {
			slog.Error("Failed to record proposal failure", "handle", p.Handle, "error", ferr)
		}
		slog.Warn("Proposal commit failed", "handle", p.Handle, "kind", kind, "error", err)
		g.pub.Publish(&events.Event{
			Type: events.ProposalFailed, RunID: p.RunID, Subject: p.Handle,
			Payload: map[string]any{"action": p.Action, "kind": string(kind)},
		})
		return nil, failure.New(settledKind(kind), "commit "+p.Action, err)
	}
	if res == nil {
		res = &ports.CommitResult{}
	}
	if res.CommittedAt.IsZero() {
		res.CommittedAt = now
	}
	encoded, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode commit result: %w", err)
	}
	if err := g.db.FinishProposal(ctx, p.Handle, store.ProposalCommitted, string(encoded), "", now); err != nil {
		// The remote side committed; leaving the row in committing forces a human check.
		return nil, failure.New(failure.InvariantViolation, "record commit", err)
	}
	slog.Info("Proposal committed", "handle", p.Handle, "reference", res.Reference)
	g.pub.Publish(&events.Event{
		Type: events.ProposalCommitted, RunID: p.RunID, Subject: p.Handle,
		Payload: map[string]any{"action": p.Action, "reference": res.Reference},
	})
	return &Result{Handle: p.Handle, Commit: *res}, nil
}

// unsettled keeps the proposal committing when the front-end may have acted
// before the error. Only Resolve moves it on.
func (g *Gate) unsettled(ctx context.Context, p *store.Proposal, kind failure.Kind, err error) error {
	rec, _ := json.Marshal(failureRecord{Kind: kind, Message: err.Error()})
	if nerr := g.db.NoteProposalError(ctx, p.Handle, string(rec)); nerr != nil {
		slog.Error("Failed to note proposal error", "handle", p.Handle, "error", nerr)
	}
	slog.Error("Proposal commit outcome unknown", "handle", p.Handle, "kind", kind, "error", err)
	g.pub.Publish(&events.Event{
		Type: events.ProposalUnknown, RunID: p.RunID, Subject: p.Handle,
		Payload: map[string]any{"action": p.Action, "kind": string(kind), "error": err.Error()},
	})
	return failure.New(failure.InvariantViolation, "commit "+p.Action,
		fmt.Errorf("outcome unknown, verify remotely and resolve proposal %s: %w", p.Handle, err))
}

// rejected reports whether err means the front-end refused the commit
// without acting on it.
func rejected(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch failure.KindOf(err) {
	case failure.StructuralDrift, failure.InvariantViolation, failure.ConfirmationExpired,
		failure.AuthExpired, failure.AuthRequired:
		return true
	}
	return false
}

// settledKind maps the kind of a refused commit to one that does not invite a
// retry of the same handle.
func settledKind(kind failure.Kind) failure.Kind {
	switch kind {
	case failure.AuthExpired, failure.AuthRequired, failure.AuthTimeout, failure.Transient:
		return failure.ConfirmationExpired
	case "":
		return failure.StructuralDrift
	}
	return kind
}

// Resolve settles a proposal left committing after an interrupted or
// ambiguous commit, once the remote state has been checked by hand.
func (g *Gate) Resolve(ctx context.Context, handle string, committed bool, reference string) (*Proposal, error) {
	unlock, err := g.handles.Lock(ctx, handle)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p, err := g.db.GetProposal(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.Invariantf("resolve", "unknown proposal %s", handle)
	}
	if err != nil {
		return nil, err
	}
	if p.Status != store.ProposalCommitting {
		return nil, failure.Invariantf("resolve", "proposal %s is %s", handle, p.Status)
	}

	now := g.now().UTC()
	if committed {
		encoded, err := json.Marshal(ports.CommitResult{Reference: reference, CommittedAt: now})
		if err != nil {
			return nil, fmt.Errorf("encode commit result: %w", err)
		}
		if err := g.db.FinishProposal(ctx, handle, store.ProposalCommitted, string(encoded), p.ErrorText, now); err != nil {
			return nil, err
		}
		p.Status = store.ProposalCommitted
		slog.Info("Proposal resolved as committed", "handle", handle, "reference", reference)
		g.pub.Publish(&events.Event{
			Type: events.ProposalCommitted, RunID: p.RunID, Subject: handle,
			Payload: map[string]any{"action": p.Action, "reference": reference, "resolved": true},
		})
		return decodeProposal(p), nil
	}

	rec, _ := json.Marshal(failureRecord{Kind: failure.ConfirmationExpired, Message: "resolved as not committed"})
	if err := g.db.FinishProposal(ctx, handle, store.ProposalFailed, "", string(rec), now); err != nil {
		return nil, err
	}
	p.Status = store.ProposalFailed
	slog.Info("Proposal resolved as not committed", "handle", handle)
	g.pub.Publish(&events.Event{
		Type: events.ProposalFailed, RunID: p.RunID, Subject: handle,
		Payload: map[string]any{"action": p.Action, "kind": string(failure.ConfirmationExpired), "resolved": true},
	})
	return decodeProposal(p), nil
}

// Unsettled lists proposals whose commit outcome is unknown.
func (g *Gate) Unsettled(ctx context.Context) ([]Proposal, error) {
	rows, err := g.db.ListProposals(ctx, store.ProposalCommitting)
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(rows))
	for i := range rows {
		out = append(out, *decodeProposal(&rows[i]))
	}
	return out, nil
}

// Abandon discards a prepared proposal. Abandoning twice is a no-op.
func (g *Gate) Abandon(ctx context.Context, handle string) error {
	ok, err := g.db.TransitionProposal(ctx, handle, store.ProposalPrepared, store.ProposalAbandoned)
	if err != nil {
		return err
	}
	if ok {
		slog.Info("Proposal abandoned", "handle", handle)
		return nil
	}
	p, err := g.db.GetProposal(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return failure.Invariantf("abandon", "unknown proposal %s", handle)
	}
	if err != nil {
		return err
	}
	if p.Status == store.ProposalAbandoned {
		return nil
	}
	return failure.Invariantf("abandon", "proposal %s is %s", handle, p.Status)
}

// Get returns one proposal.
func (g *Gate) Get(ctx context.Context, handle string) (*Proposal, error) {
	p, err := g.db.GetProposal(ctx, handle)
	if err != nil {
		return nil, err
	}
	return decodeProposal(p), nil
}

// Pending lists proposals still awaiting commit.
func (g *Gate) Pending(ctx context.Context) ([]Proposal, error) {
	rows, err := g.db.ListProposals(ctx, store.ProposalPrepared)
	if err != nil {
		return nil, err
	}
	out := make([]Proposal, 0, len(rows))
	for i := range rows {
		out = append(out, *decodeProposal(&rows[i]))
	}
	return out, nil
}

func decodeProposal(p *store.Proposal) *Proposal {
	var summary ports.Summary
	_ = json.Unmarshal([]byte(p.Summary), &summary)
	return toProposal(p, summary)
}

func toProposal(p *store.Proposal, summary ports.Summary) *Proposal {
	return &Proposal{
		Handle:    p.Handle,
		RunID:     p.RunID,
		Account:   p.Account,
		Action:    p.Action,
		Summary:   summary,
		Status:    p.Status,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
	}
}

func cachedResult(p *store.Proposal) (*Result, error) {
	var res ports.CommitResult
	if p.Result != "" {
		if err := json.Unmarshal([]byte(p.Result), &res); err != nil {
			return nil, fmt.Errorf("decode cached result: %w", err)
		}
	}
	return &Result{Handle: p.Handle, Commit: res, Cached: true}, nil
}

func cachedFailure(p *store.Proposal) error {
	var rec failureRecord
	if err := json.Unmarshal([]byte(p.ErrorText), &rec); err != nil || rec.Kind == "" {
		rec = failureRecord{Kind: failure.StructuralDrift, Message: p.ErrorText}
	}
	return failure.Newf(settledKind(rec.Kind), "commit "+p.Action, "previous attempt failed, prepare again: %s", rec.Message)
}
