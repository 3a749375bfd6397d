// Package events carries state changes from the migration core to
// in-process subscribers and, optionally, a Kafka topic for the orchestrator.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types.
const (
	RunStarted          = "run.started"
	RunPhaseChanged     = "run.phase_changed"
	RunClosed           = "run.closed"
	TransferRegistered  = "transfer.registered"
	TransferProgress    = "transfer.progress"
	TransferConfirmed   = "transfer.confirmed"
	AdoptionChanged     = "adoption.changed"
	ProposalPrepared    = "gate.prepared"
	ProposalCommitted   = "gate.committed"
	ProposalFailed      = "gate.failed"
	ProposalUnknown     = "gate.unknown"
	WorkflowCompleted   = "workflow.completed"
	WorkflowFailed      = "workflow.failed"
	WorkflowAwaitAuth   = "workflow.awaiting_auth"
	DailyCheckCompleted = "daily_check.completed"
)

// AllTypes subscribes to every event.
const AllTypes = "*"

// Event is one state change.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher accepts events. Publishing never blocks the caller.
type Publisher interface {
	Publish(evt *Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(*Event) {}

// Bus fans events out to subscribers from a single dispatch goroutine.
type Bus struct {
	queue   chan *Event
	subs    map[string][]func(*Event)
	dropped int
	mu      sync.RWMutex
}

// NewBus creates a bus with the given queue capacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 100
	}
	return &Bus{
		queue: make(chan *Event, capacity),
		subs:  make(map[string][]func(*Event)),
	}
}

// Publish enqueues evt. When the queue is full the event is dropped and logged.
func (b *Bus) Publish(evt *Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case b.queue <- evt:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		slog.Warn("Event dropped: queue full", "type", evt.Type, "run", evt.RunID)
	}
}

// Subscribe registers a callback for one event type, or AllTypes.
func (b *Bus) Subscribe(eventType string, callback func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], callback)
}

// Dispatch delivers queued events until ctx is cancelled, then drains what
// is already queued. Run it as a goroutine.
func (b *Bus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.drain()
			return ctx.Err()
		case evt := <-b.queue:
			b.deliver(evt)
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case evt := <-b.queue:
			b.deliver(evt)
		default:
			return
		}
	}
}

func (b *Bus) deliver(evt *Event) {
	b.mu.RLock()
	callbacks := append(append([]func(*Event){}, b.subs[evt.Type]...), b.subs[AllTypes]...)
	b.mu.RUnlock()
	for _, cb := range callbacks {
		cb(evt)
	}
}

// Pending returns the number of queued events.
func (b *Bus) Pending() int {
	return len(b.queue)
}

// Dropped returns how many events were discarded because the queue was full.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
