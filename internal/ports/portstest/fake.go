// Package portstest provides in-memory port implementations for tests.
package portstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hopover/hopover/internal/ports"
)

// FrontEnd is a scriptable ports.FrontEnd. Nil funcs return zero values.
type FrontEnd struct {
	mu sync.Mutex

	StatusFunc  func(ctx context.Context) (ports.Counts, error)
	PrepareFunc func(ctx context.Context, params map[string]any) (*ports.Prepared, error)
	CommitFunc  func(ctx context.Context, token string) (*ports.CommitResult, error)
	MetricFunc  func(ctx context.Context) (*ports.Measurement, error)
	LoginFunc   func(ctx context.Context) ([]byte, error)

	statusCalls, prepareCalls, commitCalls, metricCalls, logins int
	session                                                     []byte
}

func (f *FrontEnd) CheckStatus(ctx context.Context) (ports.Counts, error) {
	f.mu.Lock()
	f.statusCalls++
	fn := f.StatusFunc
	f.mu.Unlock()
	if fn == nil {
		return ports.Counts{}, nil
	}
	return fn(ctx)
}

func (f *FrontEnd) PrepareIrreversibleAction(ctx context.Context, params map[string]any) (*ports.Prepared, error) {
	f.mu.Lock()
	f.prepareCalls++
	n := f.prepareCalls
	fn := f.PrepareFunc
	f.mu.Unlock()
	if fn == nil {
		return &ports.Prepared{Token: fmt.Sprintf("token-%d", n)}, nil
	}
	return fn(ctx, params)
}

func (f *FrontEnd) Commit(ctx context.Context, token string) (*ports.CommitResult, error) {
	f.mu.Lock()
	f.commitCalls++
	fn := f.CommitFunc
	f.mu.Unlock()
	if fn == nil {
		return &ports.CommitResult{Reference: "ref-" + token, CommittedAt: time.Now().UTC()}, nil
	}
	return fn(ctx, token)
}

func (f *FrontEnd) ObserveMetric(ctx context.Context) (*ports.Measurement, error) {
	f.mu.Lock()
	f.metricCalls++
	fn := f.MetricFunc
	f.mu.Unlock()
	if fn == nil {
		return &ports.Measurement{}, nil
	}
	return fn(ctx)
}

func (f *FrontEnd) Login(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	f.logins++
	n := f.logins
	fn := f.LoginFunc
	f.mu.Unlock()
	if fn == nil {
		return []byte(fmt.Sprintf("session-%d", n)), nil
	}
	return fn(ctx)
}

func (f *FrontEnd) UseSession(blob []byte) {
	f.mu.Lock()
	f.session = append([]byte(nil), blob...)
	f.mu.Unlock()
}

// Session returns the session last applied with UseSession.
func (f *FrontEnd) Session() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.session)
}

// Logins returns how often Login ran.
func (f *FrontEnd) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

// Calls returns how often each method ran.
func (f *FrontEnd) Calls() (status, prepare, commit, metric int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.prepareCalls, f.commitCalls, f.metricCalls
}

// Sent is one message captured by Notifier.
type Sent struct {
	To       ports.Recipient
	Template string
	Data     map[string]any
}

// Notifier records messages instead of sending them.
type Notifier struct {
	mu   sync.Mutex
	Err  error
	sent []Sent
}

func (n *Notifier) SendTemplatedMessage(_ context.Context, to ports.Recipient, template string, data map[string]any) (*ports.DeliveryResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return nil, n.Err
	}
	n.sent = append(n.sent, Sent{To: to, Template: template, Data: data})
	return &ports.DeliveryResult{Channel: "fake", MessageID: fmt.Sprintf("msg-%d", len(n.sent)), DeliveredAt: time.Now().UTC()}, nil
}

// Sent returns a copy of captured messages.
func (n *Notifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// Device answers each instruction with Func, or Done when Func is nil.
type Device struct {
	mu           sync.Mutex
	Func         func(ctx context.Context, instruction string) (*ports.Observation, error)
	instructions []string
}

func (d *Device) RunNaturalLanguageStep(ctx context.Context, instruction string) (*ports.Observation, error) {
	d.mu.Lock()
	d.instructions = append(d.instructions, instruction)
	fn := d.Func
	d.mu.Unlock()
	if fn == nil {
		return &ports.Observation{Done: true}, nil
	}
	return fn(ctx, instruction)
}

// Instructions returns the instructions received so far.
func (d *Device) Instructions() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.instructions...)
}
