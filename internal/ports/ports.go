// Package ports declares the boundaries the migration core drives: the
// source front-end, the notification channel and device control.
package ports

import (
	"context"
	"time"
)

// Counts maps an entity kind (photos, videos, albums) to its count.
type Counts map[string]int

// Summary describes what a prepared irreversible action would do.
type Summary struct {
	EntityCounts      Counts        `json:"entity_counts"`
	Destination       string        `json:"destination"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// Prepared is the outcome of a reversible preparation. Token identifies the
// prepared state on the front-end and is passed back to Commit.
type Prepared struct {
	Token   string  `json:"token"`
	Summary Summary `json:"summary"`
}

// CommitResult is returned by a successful irreversible commit.
type CommitResult struct {
	Reference   string            `json:"reference"`
	Details     map[string]string `json:"details,omitempty"`
	CommittedAt time.Time         `json:"committed_at"`
}

// Measurement is one indirect signal about a running transfer, such as
// destination storage used.
type Measurement struct {
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	ObservedAt time.Time `json:"observed_at"`
}

// FrontEnd automates a consumer web front-end. Implementations return
// *failure.Error values so callers can classify failures.
type FrontEnd interface {
	CheckStatus(ctx context.Context) (Counts, error)
	PrepareIrreversibleAction(ctx context.Context, params map[string]any) (*Prepared, error)
	Commit(ctx context.Context, token string) (*CommitResult, error)
	ObserveMetric(ctx context.Context) (*Measurement, error)
}

// Authenticator is implemented by front-ends whose login state is kept by
// the caller between runs.
type Authenticator interface {
	Login(ctx context.Context) ([]byte, error)
	UseSession(blob []byte)
}

// Recipient identifies who a notification is for.
type Recipient struct {
	PartyID string
	Name    string
	Contact string // "slack:<id>" or "whatsapp:<jid>"
}

// DeliveryResult reports where a message went.
type DeliveryResult struct {
	Channel     string    `json:"channel"`
	MessageID   string    `json:"message_id"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Notifier sends templated messages to parties.
type Notifier interface {
	SendTemplatedMessage(ctx context.Context, to Recipient, template string, data map[string]any) (*DeliveryResult, error)
}

// Observation is what a device reported after one instruction.
type Observation struct {
	Done   bool              `json:"done"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// DeviceControl executes natural-language steps on a phone or tablet.
type DeviceControl interface {
	RunNaturalLanguageStep(ctx context.Context, instruction string) (*Observation, error)
}
