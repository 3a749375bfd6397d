// Package adoption tracks, per party and capability, how far each person has
// got with the replacement services. Status comes from reconciling a direct
// verification channel with manual reports.
package adoption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/lock"
	"github.com/hopover/hopover/internal/ports"
	"github.com/hopover/hopover/internal/store"
)

// Default capability set and rules.
var (
	DefaultCapabilities = []string{"messaging", "location_sharing", "payment"}
	DefaultAgeRules     = map[string]int{"payment": 13}
)

// DefaultFreshness is how long a verification outranks a newer manual report.
const DefaultFreshness = 72 * time.Hour

// Config holds tracker settings.
type Config struct {
	Capabilities []string       `json:"capabilities" envconfig:"ADOPTION_CAPABILITIES"`
	AgeRules     map[string]int `json:"ageRules" envconfig:"ADOPTION_AGE_RULES"`
	Freshness    time.Duration  `json:"freshness" envconfig:"ADOPTION_FRESHNESS"`
}

// Channels an observation may arrive on.
const (
	ChannelVerified = store.SourceVerified
	ChannelManual   = store.SourceManual
)

// Outcome describes what happened to one observation.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeStale      Outcome = "stale"
	OutcomeIneligible Outcome = "ineligible"
)

// PartySpec describes a party to register.
type PartySpec struct {
	Name     string
	Category string
	Age      *int
	Contact  string
}

// Observation is one status report for a (party, capability).
type Observation struct {
	PartyID    string
	Capability string
	Status     string
	ObservedAt time.Time
	// Reset allows moving to a lower status and discards the other channel's
	// earlier report.
	Reset bool
}

// Decision is the result of recording an observation.
type Decision struct {
	Outcome  Outcome         `json:"outcome"`
	Previous string          `json:"previous"`
	Adoption *store.Adoption `json:"adoption,omitempty"`
}

// Tracker owns every write to capability_adoption.
type Tracker struct {
	db       *store.Store
	notifier ports.Notifier
	pub      events.Publisher
	cfg      Config
	locks    *lock.Keyed
	now      func() time.Time
}

// New creates a tracker. notifier and pub may be nil.
func New(db *store.Store, notifier ports.Notifier, pub events.Publisher, cfg Config) *Tracker {
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities
	}
	if cfg.AgeRules == nil {
		cfg.AgeRules = DefaultAgeRules
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = DefaultFreshness
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Tracker{db: db, notifier: notifier, pub: pub, cfg: cfg, locks: lock.NewKeyed(), now: time.Now}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Capabilities returns the tracked capability names.
func (t *Tracker) Capabilities() []string { return append([]string(nil), t.cfg.Capabilities...) }

// RegisterParty creates a party once per (run, name) with eligibility flags
// from the age rules, and a not_started row for every capability.
func (t *Tracker) RegisterParty(ctx context.Context, runID string, spec PartySpec) (*store.Party, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, failure.Invariantf("register party", "name is required")
	}
	category := spec.Category
	if category == "" {
		category = store.CategoryPrimary
	}
	if category != store.CategoryPrimary && category != store.CategorySecondary {
		return nil, failure.Invariantf("register party", "unknown category %q", category)
	}
	if spec.Age != nil && *spec.Age < 0 {
		return nil, failure.Invariantf("register party", "negative age %d", *spec.Age)
	}

	now := t.now()
	p, err := t.db.UpsertParty(ctx, &store.Party{
		ID:          uuid.NewString(),
		RunID:       runID,
		Name:        name,
		Category:    category,
		Age:         spec.Age,
		Contact:     spec.Contact,
		Eligibility: t.eligibility(spec.Age),
		CreatedAt:   now,
	})
	if errors.Is(err, store.ErrConstraint) {
		return nil, failure.New(failure.InvariantViolation, "register party", err)
	}
	if err != nil {
		return nil, err
	}
	for _, c := range t.cfg.Capabilities {
		if err := t.db.EnsureAdoption(ctx, p.ID, c, now); err != nil {
			return nil, err
		}
	}
	slog.Info("Party registered", "run", runID, "party", p.ID, "name", p.Name, "category", p.Category)
	return p, nil
}

// eligibility applies the age rules. An unknown age passes every rule.
func (t *Tracker) eligibility(age *int) map[string]bool {
	if len(t.cfg.AgeRules) == 0 {
		return nil
	}
	flags := make(map[string]bool, len(t.cfg.AgeRules))
	for capability, min := range t.cfg.AgeRules {
		flags[capability] = age == nil || *age >= min
	}
	return flags
}

// RecordVerification records a direct check against the replacement service.
func (t *Tracker) RecordVerification(ctx context.Context, obs Observation) (*Decision, error) {
	return t.record(ctx, ChannelVerified, obs)
}

// RecordManual records an out-of-band report.
func (t *Tracker) RecordManual(ctx context.Context, obs Observation) (*Decision, error) {
	return t.record(ctx, ChannelManual, obs)
}

// Reset returns a capability to not_started and clears both channels.
func (t *Tracker) Reset(ctx context.Context, partyID, capability, reason string) (*Decision, error) {
	release, err := t.locks.Lock(ctx, partyID+"/"+capability)
	if err != nil {
		return nil, err
	}
	defer release()

	party, cur, err := t.load(ctx, "reset", partyID, capability)
	if err != nil {
		return nil, err
	}
	prev := cur.Status
	next := store.Adoption{
		PartyID:    partyID,
		Capability: capability,
		Status:     store.StatusNotStarted,
		Source:     store.SourceReset,
		UpdatedAt:  t.now(),
	}
	if err := t.db.PutAdoption(ctx, &next); err != nil {
		return nil, err
	}
	slog.Info("Adoption reset", "party", partyID, "capability", capability, "from", prev, "reason", reason)
	t.publish(party.RunID, &next, prev)
	return &Decision{Outcome: OutcomeApplied, Previous: prev, Adoption: &next}, nil
}

// Invite sends an invitation through the notifier and marks the capability
// invited. Parties already at or past invited are not messaged again.
func (t *Tracker) Invite(ctx context.Context, partyID, capability, template string, data map[string]any) (*Decision, error) {
	if t.notifier == nil {
		return nil, failure.Invariantf("invite", "no notifier configured")
	}
	release, err := t.locks.Lock(ctx, partyID+"/"+capability)
	if err != nil {
		return nil, err
	}
	defer release()

	party, cur, err := t.load(ctx, "invite", partyID, capability)
	if err != nil {
		return nil, err
	}
	if !party.Eligible(capability) {
		return &Decision{Outcome: OutcomeIneligible, Previous: cur.Status, Adoption: cur}, nil
	}
	if store.StatusRank(cur.Status) >= store.StatusRank(store.StatusInvited) {
		return &Decision{Outcome: OutcomeUnchanged, Previous: cur.Status, Adoption: cur}, nil
	}

	payload := map[string]any{"name": party.Name, "capability": capability}
	for k, v := range data {
		payload[k] = v
	}
	res, err := t.notifier.SendTemplatedMessage(ctx, ports.Recipient{
		PartyID: party.ID, Name: party.Name, Contact: party.Contact,
	}, template, payload)
	if err != nil {
		return nil, fmt.Errorf("invite %s to %s: %w", party.Name, capability, err)
	}

	next := *cur
	next.Status = store.StatusInvited
	next.Source = store.SourceInvite
	next.UpdatedAt = t.now()
	if err := t.db.PutAdoption(ctx, &next); err != nil {
		return nil, err
	}
	slog.Info("Party invited", "party", party.Name, "capability", capability, "channel", res.Channel, "message", res.MessageID)
	t.publish(party.RunID, &next, cur.Status)
	return &Decision{Outcome: OutcomeApplied, Previous: cur.Status, Adoption: &next}, nil
}

func (t *Tracker) record(ctx context.Context, channel string, obs Observation) (*Decision, error) {
	op := "record " + channel
	if store.StatusRank(obs.Status) < 0 {
		return nil, failure.Invariantf(op, "unknown status %q", obs.Status)
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = t.now()
	}

	release, err := t.locks.Lock(ctx, obs.PartyID+"/"+obs.Capability)
	if err != nil {
		return nil, err
	}
	defer release()

	party, cur, err := t.load(ctx, op, obs.PartyID, obs.Capability)
	if err != nil {
		return nil, err
	}
	if obs.Status != store.StatusNotStarted && !party.Eligible(obs.Capability) {
		slog.Info("Observation ignored for ineligible party", "party", party.Name, "capability", obs.Capability, "status", obs.Status)
		return &Decision{Outcome: OutcomeIneligible, Previous: cur.Status, Adoption: cur}, nil
	}

	next := *cur
	if obs.Reset {
		next.VerifiedStatus, next.VerifiedAt = "", nil
		next.ManualStatus, next.ManualAt = "", nil
	}
	at := obs.ObservedAt.UTC()
	switch channel {
	case ChannelVerified:
		if !obs.Reset && next.VerifiedAt != nil {
			if at.Before(*next.VerifiedAt) {
				return &Decision{Outcome: OutcomeStale, Previous: cur.Status, Adoption: cur}, nil
			}
			if at.Equal(*next.VerifiedAt) && next.VerifiedStatus == obs.Status {
				return &Decision{Outcome: OutcomeUnchanged, Previous: cur.Status, Adoption: cur}, nil
			}
		}
		next.VerifiedStatus, next.VerifiedAt = obs.Status, &at
	case ChannelManual:
		if !obs.Reset && next.ManualAt != nil {
			if at.Before(*next.ManualAt) {
				return &Decision{Outcome: OutcomeStale, Previous: cur.Status, Adoption: cur}, nil
			}
			if at.Equal(*next.ManualAt) && next.ManualStatus == obs.Status {
				return &Decision{Outcome: OutcomeUnchanged, Previous: cur.Status, Adoption: cur}, nil
			}
		}
		next.ManualStatus, next.ManualAt = obs.Status, &at
	}

	status, source := t.reconcile(&next, t.now())
	if status == "" {
		status, source = cur.Status, cur.Source
	}
	if store.StatusRank(status) < store.StatusRank(cur.Status) && !obs.Reset {
		return nil, failure.Invariantf(op, "%s/%s cannot move from %s to %s without reset",
			party.Name, obs.Capability, cur.Status, status)
	}
	if obs.Reset {
		source = store.SourceReset
	}
	next.Status, next.Source = status, source
	next.UpdatedAt = t.now()

	if err := t.db.PutAdoption(ctx, &next); err != nil {
		return nil, err
	}
	if next.Status != cur.Status {
		slog.Info("Adoption changed", "party", party.Name, "capability", obs.Capability,
			"from", cur.Status, "to", next.Status, "source", next.Source)
		t.publish(party.RunID, &next, cur.Status)
	}
	return &Decision{Outcome: OutcomeApplied, Previous: cur.Status, Adoption: &next}, nil
}

// reconcile picks the channel whose report governs the row. A verification
// wins unless a manual report is newer and the verification has gone stale.
// Returns "" when neither channel has reported.
func (t *Tracker) reconcile(a *store.Adoption, now time.Time) (status, source string) {
	hasVerified := a.VerifiedAt != nil && a.VerifiedStatus != ""
	hasManual := a.ManualAt != nil && a.ManualStatus != ""
	switch {
	case hasVerified && hasManual:
		stale := now.Sub(*a.VerifiedAt) > t.cfg.Freshness
		if stale && a.VerifiedAt.Before(*a.ManualAt) {
			return a.ManualStatus, store.SourceManual
		}
		return a.VerifiedStatus, store.SourceVerified
	case hasVerified:
		return a.VerifiedStatus, store.SourceVerified
	case hasManual:
		return a.ManualStatus, store.SourceManual
	}
	return "", ""
}

func (t *Tracker) load(ctx context.Context, op, partyID, capability string) (*store.Party, *store.Adoption, error) {
	party, err := t.db.GetParty(ctx, partyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, failure.New(failure.InvariantViolation, op, err)
	}
	if err != nil {
		return nil, nil, err
	}
	cur, err := t.db.GetAdoption(ctx, partyID, capability)
	if err != nil {
		return nil, nil, err
	}
	if cur == nil {
		if !t.known(capability) {
			return nil, nil, failure.Invariantf(op, "unknown capability %q", capability)
		}
		cur = &store.Adoption{
			PartyID: partyID, Capability: capability,
			Status: store.StatusNotStarted, Source: store.SourceSetup,
		}
	}
	return party, cur, nil
}

func (t *Tracker) known(capability string) bool {
	for _, c := range t.cfg.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (t *Tracker) publish(runID string, a *store.Adoption, previous string) {
	t.pub.Publish(&events.Event{
		Type:    events.AdoptionChanged,
		RunID:   runID,
		Subject: a.PartyID + "/" + a.Capability,
		Payload: map[string]any{
			"capability": a.Capability,
			"from":       previous,
			"to":         a.Status,
			"source":     a.Source,
		},
	})
}
