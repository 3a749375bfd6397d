// Package workflow drives multi-step front-end automations that survive
// restarts. Steps run sequentially per account, progress is checkpointed
// after every step, and failures are handled by kind.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/lock"
	"github.com/hopover/hopover/internal/session"
	"github.com/hopover/hopover/internal/store"
)

// Config bounds retries and waits.
type Config struct {
	MaxAttempts int           `json:"maxAttempts" envconfig:"WORKFLOW_MAX_ATTEMPTS"`
	BaseBackoff time.Duration `json:"baseBackoff" envconfig:"WORKFLOW_BASE_BACKOFF"`
	MaxBackoff  time.Duration `json:"maxBackoff" envconfig:"WORKFLOW_MAX_BACKOFF"`
	AuthWait    time.Duration `json:"authWait" envconfig:"WORKFLOW_AUTH_WAIT"`
	Heartbeat   time.Duration `json:"heartbeat" envconfig:"WORKFLOW_HEARTBEAT"`
}

// DefaultConfig returns the built-in bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		AuthWait:    5 * time.Minute,
		Heartbeat:   30 * time.Second,
	}
}

// Scope is what a step sees. State is persisted with every checkpoint.
type Scope struct {
	RunID   string
	Account string
	State   map[string]string
	Session *session.Record
}

// StepFunc performs one step. Errors should be *failure.Error values;
// unclassified errors are treated as structural drift.
type StepFunc func(ctx context.Context, sc *Scope) error

// Step is one named unit of a workflow.
type Step struct {
	Name string
	Run  StepFunc
}

// Definition describes a workflow type.
type Definition struct {
	Name string
	// Service names the session checked before the first step. Empty skips
	// session handling.
	Service string
	// Authenticate logs in and returns the session blob to persist.
	Authenticate func(ctx context.Context, sc *Scope) ([]byte, error)
	Steps        []Step
	// AuthCheck reports whether a pending human authentication has completed.
	AuthCheck func(ctx context.Context, sc *Scope) (bool, error)
}

// Request starts or resumes a workflow.
type Request struct {
	RunID      string
	Account    string
	Definition *Definition
	Input      map[string]string
}

// Result describes a finished workflow.
type Result struct {
	Workflow string            `json:"workflow"`
	Account  string            `json:"account"`
	State    map[string]string `json:"state,omitempty"`
	Executed int               `json:"executed"`
	Resumed  bool              `json:"resumed"`
	Cached   bool              `json:"cached"`
}

// Controller runs workflows.
type Controller struct {
	db       *store.Store
	sessions *session.Store
	locks    *lock.Accounts
	pub      events.Publisher
	cfg      Config
	waiters  *waiters
	now      func() time.Time
}

// New creates a controller. sessions is required only for definitions that
// name a service; locks and pub may be nil.
func New(db *store.Store, sessions *session.Store, locks *lock.Accounts, pub events.Publisher, cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.AuthWait <= 0 {
		cfg.AuthWait = def.AuthWait
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if locks == nil {
		locks = lock.NewAccounts("")
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Controller{
		db: db, sessions: sessions, locks: locks, pub: pub, cfg: cfg,
		waiters: newWaiters(), now: time.Now,
	}
}

// SetClock overrides the time source used for sessions and checkpoints.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// run carries the position of one invocation.
type run struct {
	def  *Definition
	sc   *Scope
	last int
}

// Run executes req.Definition for req.Account, resuming after the last
// checkpointed step. A completed workflow returns its cached result.
func (c *Controller) Run(ctx context.Context, req Request) (*Result, error) {
	if err := c.validate(req); err != nil {
		return nil, err
	}
	def := req.Definition

	release, err := c.locks.Acquire(ctx, req.Account)
	if err != nil {
		return nil, failure.New(failure.Transient, "run "+def.Name, err)
	}
	defer release()

	cp, err := c.db.GetCheckpoint(ctx, req.RunID, def.Name, req.Account)
	if err != nil {
		return nil, err
	}
	if cp != nil && cp.Status == store.CheckpointCompleted {
		return &Result{Workflow: def.Name, Account: req.Account, State: cp.State, Cached: true}, nil
	}

	r := &run{def: def, sc: &Scope{RunID: req.RunID, Account: req.Account, State: map[string]string{}}, last: -1}
	if cp != nil {
		r.last = cp.LastStep
		for k, v := range cp.State {
			r.sc.State[k] = v
		}
	}
	for k, v := range req.Input {
		if _, ok := r.sc.State[k]; !ok {
			r.sc.State[k] = v
		}
	}
	resumed := r.last >= 0
	if resumed {
		slog.Info("Resuming workflow", "workflow", def.Name, "account", req.Account, "after", r.last)
	}
	if err := c.checkpoint(ctx, r, store.CheckpointRunning, nil); err != nil {
		return nil, err
	}

	if def.Service != "" {
		if err := c.ensureSession(ctx, r); err != nil {
			return nil, c.fail(ctx, r, "authenticate", err)
		}
	}

	executed := 0
	for i := r.last + 1; i < len(def.Steps); i++ {
		step := def.Steps[i]
		if err := c.runStep(ctx, r, step.Name, step.Run, true); err != nil {
			return nil, c.fail(ctx, r, step.Name, err)
		}
		r.last = i
		executed++
		if err := c.checkpoint(ctx, r, store.CheckpointRunning, nil); err != nil {
			return nil, err
		}
		slog.Debug("Workflow step completed", "workflow", def.Name, "account", req.Account, "step", step.Name, "index", i)
	}

	if err := c.checkpoint(ctx, r, store.CheckpointCompleted, nil); err != nil {
		return nil, err
	}
	slog.Info("Workflow completed", "workflow", def.Name, "account", req.Account, "executed", executed)
	c.pub.Publish(&events.Event{
		Type: events.WorkflowCompleted, RunID: req.RunID, Subject: def.Name,
		Payload: map[string]any{"account": req.Account, "executed": executed},
	})
	return &Result{Workflow: def.Name, Account: req.Account, State: r.sc.State, Executed: executed, Resumed: resumed}, nil
}

func (c *Controller) validate(req Request) error {
	def := req.Definition
	switch {
	case def == nil || def.Name == "":
		return failure.Invariantf("run", "workflow definition without name")
	case req.Account == "":
		return failure.Invariantf("run "+def.Name, "account is required")
	case len(def.Steps) == 0:
		return failure.Invariantf("run "+def.Name, "workflow has no steps")
	case def.Service != "" && (def.Authenticate == nil || c.sessions == nil):
		return failure.Invariantf("run "+def.Name, "service %s needs an authenticator and a session store", def.Service)
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" || s.Run == nil {
			return failure.Invariantf("run "+def.Name, "step without name or body")
		}
		if seen[s.Name] {
			return failure.Invariantf("run "+def.Name, "duplicate step %s", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// runStep runs fn with recovery by failure kind.
func (c *Controller) runStep(ctx context.Context, r *run, name string, fn StepFunc, allowReauth bool) error {
	reauthed := !allowReauth
	waits := 0
	for attempt := 1; ; attempt++ {
		err := fn(ctx, r.sc)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch failure.KindOf(err) {
		case failure.Transient:
			if attempt >= c.cfg.MaxAttempts {
				return err
			}
			d := c.backoff(attempt)
			slog.Warn("Workflow step failed, retrying", "workflow", r.def.Name, "account", r.sc.Account,
				"step", name, "attempt", attempt, "backoff", d, "error", err)
			if err := sleep(ctx, d); err != nil {
				return err
			}
		case failure.AuthExpired:
			if reauthed || r.def.Service == "" {
				return err
			}
			reauthed = true
			slog.Info("Session rejected, re-authenticating", "workflow", r.def.Name, "account", r.sc.Account, "step", name)
			if err := c.sessions.Invalidate(ctx, r.def.Service, r.sc.Account); err != nil {
				return err
			}
			if err := c.authenticate(ctx, r); err != nil {
				return err
			}
			attempt = 0
		case failure.AuthRequired:
			waits++
			if waits > c.cfg.MaxAttempts {
				return err
			}
			if err := c.checkpoint(ctx, r, store.CheckpointAwaitingAuth, err); err != nil {
				return err
			}
			c.pub.Publish(&events.Event{
				Type: events.WorkflowAwaitAuth, RunID: r.sc.RunID, Subject: r.def.Name,
				Payload: map[string]any{"account": r.sc.Account, "step": name},
			})
			if err := c.waitAuth(ctx, r.sc, r.def, name); err != nil {
				return err
			}
			if err := c.checkpoint(ctx, r, store.CheckpointRunning, nil); err != nil {
				return err
			}
			attempt = 0
		default:
			return err
		}
	}
}

func (c *Controller) ensureSession(ctx context.Context, r *run) error {
	rec, err := c.sessions.Load(ctx, r.def.Service, r.sc.Account)
	if err != nil {
		return err
	}
	if c.sessions.IsValid(rec, c.now()) {
		r.sc.Session = rec
		return nil
	}
	return c.authenticate(ctx, r)
}

// authenticate runs the definition's login with the account lock already
// held, so it saves directly instead of going through session.Refresh.
func (c *Controller) authenticate(ctx context.Context, r *run) error {
	return c.runStep(ctx, r, "authenticate", func(ctx context.Context, sc *Scope) error {
		blob, err := r.def.Authenticate(ctx, sc)
		if err != nil {
			return err
		}
		captured := c.now()
		if err := c.sessions.Save(ctx, r.def.Service, sc.Account, blob, captured); err != nil {
			return err
		}
		sc.Session = &session.Record{Service: r.def.Service, Account: sc.Account, Blob: blob, CapturedAt: captured}
		return nil
	}, false)
}

func (c *Controller) backoff(attempt int) time.Duration {
	d := c.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) checkpoint(ctx context.Context, r *run, status string, cause error) error {
	cp := &store.Checkpoint{
		RunID:     r.sc.RunID,
		Workflow:  r.def.Name,
		Account:   r.sc.Account,
		LastStep:  r.last,
		Status:    status,
		State:     r.sc.State,
		UpdatedAt: c.now(),
	}
	if r.last >= 0 && r.last < len(r.def.Steps) {
		cp.LastStepName = r.def.Steps[r.last].Name
	}
	if cause != nil {
		cp.LastError = cause.Error()
	}
	return c.db.PutCheckpoint(ctx, cp)
}

// fail records the failure on the checkpoint and returns it annotated with
// the workflow position.
func (c *Controller) fail(ctx context.Context, r *run, step string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = failure.New(failure.Transient, "run "+r.def.Name, err)
	}
	fe := failure.WithStep(err, r.sc.RunID, r.def.Name, step, r.last)

	status := store.CheckpointFailed
	switch fe.Kind {
	case failure.StructuralDrift:
		status = store.CheckpointDrift
	case failure.AuthRequired, failure.AuthTimeout:
		status = store.CheckpointAwaitingAuth
	}
	if cerr := c.checkpoint(context.WithoutCancel(ctx), r, status, fe); cerr != nil {
		slog.Error("Failed to record workflow failure", "workflow", r.def.Name, "account", r.sc.Account, "error", cerr)
	}
	slog.Warn("Workflow failed", "workflow", r.def.Name, "account", r.sc.Account, "step", step,
		"kind", fe.Kind, "checkpoint", r.last, "error", fe.Err)
	c.pub.Publish(&events.Event{
		Type: events.WorkflowFailed, RunID: r.sc.RunID, Subject: r.def.Name,
		Payload: map[string]any{"account": r.sc.Account, "step": step, "kind": string(fe.Kind), "retryable": failure.Retryable(fe)},
	})
	return fe
}

// ResolveAuth wakes a workflow waiting for account's authentication.
// Returns false when none is waiting.
func (c *Controller) ResolveAuth(account string) bool {
	return c.waiters.resolve(account)
}

// Awaiting reports whether a workflow for account is blocked on authentication.
func (c *Controller) Awaiting(account string) bool {
	return c.waiters.awaiting(account)
}

// Checkpoint returns the stored position of a workflow, or nil.
func (c *Controller) Checkpoint(ctx context.Context, runID, workflow, account string) (*store.Checkpoint, error) {
	return c.db.GetCheckpoint(ctx, runID, workflow, account)
}

// Reset discards a workflow's checkpoint so the next Run starts over.
func (c *Controller) Reset(ctx context.Context, runID, workflow, account string) error {
	release, err := c.locks.Acquire(ctx, account)
	if err != nil {
		return err
	}
	defer release()
	if err := c.db.DeleteCheckpoint(ctx, runID, workflow, account); err != nil {
		return fmt.Errorf("reset %s/%s: %w", workflow, account, err)
	}
	slog.Info("Workflow reset", "run", runID, "workflow", workflow, "account", account)
	return nil
}
