// Package lock serializes work per account, inside one process and,
// optionally, across processes sharing a lock directory.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Keyed is an in-process mutex per key whose acquisition honours context
// cancellation. Idle keys are dropped.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyed creates an empty keyed lock.
func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done. The returned func releases
// the key and must be called exactly once.
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s := k.slots[key]
	if s == nil {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { k.release(key, s, true) }) }, nil
	case <-ctx.Done():
		k.release(key, s, false)
		return nil, ctx.Err()
	}
}

func (k *Keyed) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}

// Len reports how many keys are currently held or awaited.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// Accounts is the per-account lock shared by session refresh and workflows.
type Accounts struct {
	keyed *Keyed
	dir   string
	poll  time.Duration
}

// NewAccounts returns an account lock. When dir is non-empty a flock file
// per account is also taken so separate processes serialize.
func NewAccounts(dir string) *Accounts {
	return &Accounts{keyed: NewKeyed(), dir: dir, poll: 200 * time.Millisecond}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Acquire locks account until the returned release func is called.
func (a *Accounts) Acquire(ctx context.Context, account string) (func(), error) {
	unlock, err := a.keyed.Lock(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", account, err)
	}
	if a.dir == "" {
		return unlock, nil
	}

	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		unlock()
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	fl := NewFileLock(filepath.Join(a.dir, unsafeName.ReplaceAllString(account, "_")+".lock"))
	if err := waitFileLock(ctx, fl, a.poll, account); err != nil {
		unlock()
		return nil, err
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("Account file lock release failed", "account", account, "error", err)
		}
		unlock()
	}, nil
}

func waitFileLock(ctx context.Context, fl *FileLock, poll time.Duration, account string) error {
	for logged := false; ; logged = true {
		ok, err := fl.TryLock()
		if err != nil {
			return fmt.Errorf("lock account %s: %w", account, err)
		}
		if ok {
			return nil
		}
		if !logged {
			slog.Info("Waiting for account lock held by another process", "account", account, "holder", Holder(fl.Path()))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("lock account %s: %w", account, ctx.Err())
		case <-time.After(poll):
		}
	}
}
