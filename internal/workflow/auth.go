package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hopover/hopover/internal/failure"
)

// waiters tracks accounts blocked on a human authentication step.
type waiters struct {
	mu      sync.Mutex
	pending map[string]chan struct{}
}

func newWaiters() *waiters {
	return &waiters{pending: make(map[string]chan struct{})}
}

func (w *waiters) register(account string) chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.pending[account] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiters) done(account string, ch chan struct{}) {
	w.mu.Lock()
	if w.pending[account] == ch {
		delete(w.pending, account)
	}
	w.mu.Unlock()
}

// resolve wakes the waiter of account. Returns false when nobody waits.
func (w *waiters) resolve(account string) bool {
	w.mu.Lock()
	ch, ok := w.pending[account]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

func (w *waiters) awaiting(account string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.pending[account]
	return ok
}

// waitAuth blocks until ResolveAuth, a positive AuthCheck, the ceiling or ctx.
// Each heartbeat logs and runs AuthCheck.
func (c *Controller) waitAuth(ctx context.Context, sc *Scope, def *Definition, step string) error {
	ch := c.waiters.register(sc.Account)
	defer c.waiters.done(sc.Account, ch)

	ceiling := time.NewTimer(c.cfg.AuthWait)
	defer ceiling.Stop()
	beat := time.NewTicker(c.cfg.Heartbeat)
	defer beat.Stop()

	started := time.Now()
	slog.Info("Workflow awaiting authentication", "workflow", def.Name, "account", sc.Account, "step", step, "timeout", c.cfg.AuthWait)
	for {
		select {
		case <-ch:
			slog.Info("Authentication resolved", "workflow", def.Name, "account", sc.Account, "waited", time.Since(started).Round(time.Second))
			return nil
		case <-beat.C:
			slog.Info("Workflow awaiting authentication", "workflow", def.Name, "account", sc.Account, "step", step,
				"waited", time.Since(started).Round(time.Second))
			if def.AuthCheck == nil {
				continue
			}
			ok, err := def.AuthCheck(ctx, sc)
			if err != nil {
				slog.Warn("Authentication check failed", "workflow", def.Name, "account", sc.Account, "error", err)
				continue
			}
			if ok {
				slog.Info("Authentication confirmed by check", "workflow", def.Name, "account", sc.Account)
				return nil
			}
		case <-ceiling.C:
			return failure.Newf(failure.AuthTimeout, "await auth", "no authentication for %s within %s", sc.Account, c.cfg.AuthWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
