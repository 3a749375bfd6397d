package store

import (
	"time"
)

// Run phases, in lattice order.
const (
	PhaseSetup       = "setup"
	PhaseTransfer    = "transfer"
	PhaseFamilySetup = "family_setup"
	PhaseValidation  = "validation"
	PhaseCompleted   = "completed"
)

var phaseRank = map[string]int{
	PhaseSetup:       0,
	PhaseTransfer:    1,
	PhaseFamilySetup: 2,
	PhaseValidation:  3,
	PhaseCompleted:   4,
}

// PhaseRank returns the position of phase in the run lattice, or -1.
func PhaseRank(phase string) int {
	if r, ok := phaseRank[phase]; ok {
		return r
	}
	return -1
}

// Adoption statuses, in lattice order.
const (
	StatusNotStarted = "not_started"
	StatusInvited    = "invited"
	StatusInProgress = "in_progress"
	StatusConfigured = "configured"
)

var statusRank = map[string]int{
	StatusNotStarted: 0,
	StatusInvited:    1,
	StatusInProgress: 2,
	StatusConfigured: 3,
}

// StatusRank returns the position of status in the adoption lattice, or -1.
func StatusRank(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return -1
}

// Adoption sources.
const (
	SourceSetup    = "setup"
	SourceVerified = "verified"
	SourceManual   = "manual"
	SourceInvite   = "invite"
	SourceReset    = "reset"
)

// Party categories.
const (
	CategoryPrimary   = "primary"
	CategorySecondary = "secondary"
)

// Transfer phases.
const (
	TransferInitiated  = "initiated"
	TransferInProgress = "in_progress"
	TransferComplete   = "complete"
	TransferFailed     = "failed"
)

// Workflow checkpoint statuses.
const (
	CheckpointRunning      = "running"
	CheckpointAwaitingAuth = "awaiting_auth"
	CheckpointDrift        = "drift"
	CheckpointFailed       = "failed"
	CheckpointCompleted    = "completed"
)

// Proposal statuses.
const (
	ProposalPrepared   = "prepared"
	ProposalCommitting = "committing"
	ProposalCommitted  = "committed"
	ProposalFailed     = "failed"
	ProposalExpired    = "expired"
	ProposalAbandoned  = "abandoned"
)

// Run is one long-lived migration.
type Run struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner"`
	Phase       string     `json:"phase"`
	ProgressPct float64    `json:"progress_pct"`
	Active      bool       `json:"active"`
	StartedAt   time.Time  `json:"started_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// Party is a person whose adoption of replacement capabilities is tracked.
type Party struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Age         *int            `json:"age,omitempty"`
	Contact     string          `json:"contact,omitempty"`
	Eligibility map[string]bool `json:"eligibility,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Eligible reports whether the party may adopt capability. Capabilities
// without a flag are open to everyone.
func (p *Party) Eligible(capability string) bool {
	if p == nil || p.Eligibility == nil {
		return true
	}
	ok, present := p.Eligibility[capability]
	return !present || ok
}

// Adoption is the reconciled status of one capability for one party,
// together with the latest observation from each channel.
type Adoption struct {
	PartyID        string     `json:"party_id"`
	Capability     string     `json:"capability"`
	Status         string     `json:"status"`
	Source         string     `json:"source"`
	VerifiedStatus string     `json:"verified_status,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	ManualStatus   string     `json:"manual_status,omitempty"`
	ManualAt       *time.Time `json:"manual_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Transfer is one long-running opaque backend transfer.
type Transfer struct {
	ID                 string         `json:"id"`
	RunID              string         `json:"run_id"`
	Label              string         `json:"label"`
	SourceCounts       map[string]int `json:"source_counts,omitempty"`
	SourceSize         float64        `json:"source_size"`
	Baseline           *float64       `json:"baseline,omitempty"`
	BaselineAt         *time.Time     `json:"baseline_at,omitempty"`
	PendingBaseline    *float64       `json:"pending_baseline,omitempty"`
	PendingBaselineAt  *time.Time     `json:"pending_baseline_at,omitempty"`
	TotalExpected      float64        `json:"total_expected"`
	Phase              string         `json:"phase"`
	StartedAt          time.Time      `json:"started_at"`
	ConfirmedComplete  bool           `json:"confirmed_complete"`
	ConfirmedAt        *time.Time     `json:"confirmed_at,omitempty"`
	ConfirmationSource string         `json:"confirmation_source,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Snapshot is one append-only progress observation.
type Snapshot struct {
	ID              int64     `json:"id"`
	TransferID      string    `json:"transfer_id"`
	Day             int       `json:"day"`
	Revision        int       `json:"revision"`
	Measurement     float64   `json:"measurement"`
	Growth          float64   `json:"growth"`
	Percent         float64   `json:"percent"`
	MeasuredPercent float64   `json:"measured_percent"`
	Rate            float64   `json:"rate"`
	ETADays         *float64  `json:"eta_days,omitempty"`
	Regressed       bool      `json:"regressed"`
	Supersedes      *int64    `json:"supersedes,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
}

// IsCorrection reports whether the snapshot replaces an earlier one.
func (s Snapshot) IsCorrection() bool { return s.Supersedes != nil }

// SessionRecord holds the sealed authentication state of one account on one service.
type SessionRecord struct {
	Service       string     `json:"service"`
	Account       string     `json:"account"`
	Blob          []byte     `json:"-"`
	CapturedAt    time.Time  `json:"captured_at"`
	InvalidatedAt *time.Time `json:"invalidated_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Checkpoint is the resumable position of one workflow for one account.
type Checkpoint struct {
	RunID        string            `json:"run_id"`
	Workflow     string            `json:"workflow"`
	Account      string            `json:"account"`
	LastStep     int               `json:"last_step"`
	LastStepName string            `json:"last_step_name,omitempty"`
	Status       string            `json:"status"`
	State        map[string]string `json:"state,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Proposal is a prepared irreversible action awaiting commit.
type Proposal struct {
	Handle      string         `json:"handle"`
	RunID       string         `json:"run_id"`
	Account     string         `json:"account"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	Token       string         `json:"-"`
	Summary     string         `json:"summary"` // JSON document
	Status      string         `json:"status"`
	Result      string         `json:"result,omitempty"` // JSON document
	ErrorText   string         `json:"error_text,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	CommittedAt *time.Time     `json:"committed_at,omitempty"`
}

// RunSummary is the "current run" read model.
type RunSummary struct {
	Run              Run            `json:"run"`
	PartyCount       int            `json:"party_count"`
	TransferCount    int            `json:"transfer_count"`
	AdoptionByStatus map[string]int `json:"adoption_by_status"`
}

// MatrixRow pairs a party with one of its capability rows.
type MatrixRow struct {
	Party    Party    `json:"party"`
	Adoption Adoption `json:"adoption"`
}

// Schema creates every table, index and trigger. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS migration_run (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	phase TEXT NOT NULL DEFAULT 'setup'
		CHECK (phase IN ('setup','transfer','family_setup','validation','completed')),
	progress_pct REAL NOT NULL DEFAULT 0 CHECK (progress_pct >= 0 AND progress_pct <= 100),
	active INTEGER NOT NULL DEFAULT 1 CHECK (active IN (0,1)),
	started_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	closed_at DATETIME
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_single_active ON migration_run(active) WHERE active = 1;

CREATE TABLE IF NOT EXISTS tracked_party (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES migration_run(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	category TEXT NOT NULL CHECK (category IN ('primary','secondary')),
	age INTEGER,
	contact TEXT NOT NULL DEFAULT '',
	eligibility_flags TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	UNIQUE(run_id, name)
);

CREATE TABLE IF NOT EXISTS capability_adoption (
	party_id TEXT NOT NULL REFERENCES tracked_party(id) ON DELETE CASCADE,
	capability TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'not_started'
		CHECK (status IN ('not_started','invited','in_progress','configured')),
	source TEXT NOT NULL DEFAULT 'setup'
		CHECK (source IN ('setup','verified','manual','invite','reset')),
	verified_status TEXT NOT NULL DEFAULT ''
		CHECK (verified_status IN ('','not_started','invited','in_progress','configured')),
	verified_at DATETIME,
	manual_status TEXT NOT NULL DEFAULT ''
		CHECK (manual_status IN ('','not_started','invited','in_progress','configured')),
	manual_at DATETIME,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (party_id, capability)
);

CREATE TABLE IF NOT EXISTS transfer_record (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES migration_run(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	source_counts TEXT NOT NULL DEFAULT '{}',
	source_size REAL NOT NULL DEFAULT 0,
	baseline REAL,
	baseline_at DATETIME,
	pending_baseline REAL,
	pending_baseline_at DATETIME,
	total_expected REAL NOT NULL CHECK (total_expected > 0),
	phase TEXT NOT NULL DEFAULT 'initiated'
		CHECK (phase IN ('initiated','in_progress','complete','failed')),
	started_at DATETIME NOT NULL,
	confirmed_complete INTEGER NOT NULL DEFAULT 0 CHECK (confirmed_complete IN (0,1)),
	confirmed_at DATETIME,
	confirmation_source TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	UNIQUE(run_id, label)
);

CREATE TRIGGER IF NOT EXISTS trg_transfer_baseline_immutable
BEFORE UPDATE OF baseline ON transfer_record
WHEN OLD.baseline IS NOT NULL AND (NEW.baseline IS NULL OR NEW.baseline != OLD.baseline)
BEGIN
	SELECT RAISE(ABORT, 'baseline is immutable');
END;

CREATE TABLE IF NOT EXISTS progress_snapshot (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transfer_id TEXT NOT NULL REFERENCES transfer_record(id) ON DELETE RESTRICT,
	day INTEGER NOT NULL CHECK (day >= 0),
	revision INTEGER NOT NULL DEFAULT 0 CHECK (revision >= 0),
	measurement REAL NOT NULL,
	growth REAL NOT NULL,
	percent REAL NOT NULL CHECK (percent >= 0 AND percent <= 100),
	measured_percent REAL NOT NULL CHECK (measured_percent >= 0 AND measured_percent <= 100),
	rate REAL NOT NULL DEFAULT 0,
	eta_days REAL,
	regressed INTEGER NOT NULL DEFAULT 0 CHECK (regressed IN (0,1)),
	supersedes INTEGER REFERENCES progress_snapshot(id),
	reason TEXT NOT NULL DEFAULT '',
	observed_at DATETIME NOT NULL,
	UNIQUE(transfer_id, day, revision),
	CHECK ((revision = 0 AND supersedes IS NULL) OR (revision > 0 AND supersedes IS NOT NULL))
);
CREATE INDEX IF NOT EXISTS idx_snapshot_transfer ON progress_snapshot(transfer_id, day);

CREATE TRIGGER IF NOT EXISTS trg_snapshot_requires_baseline
BEFORE INSERT ON progress_snapshot
WHEN (SELECT baseline FROM transfer_record WHERE id = NEW.transfer_id) IS NULL
BEGIN
	SELECT RAISE(ABORT, 'baseline not set');
END;

CREATE TRIGGER IF NOT EXISTS trg_snapshot_day_increasing
BEFORE INSERT ON progress_snapshot
WHEN NEW.revision = 0 AND EXISTS (
	SELECT 1 FROM progress_snapshot WHERE transfer_id = NEW.transfer_id AND day >= NEW.day
)
BEGIN
	SELECT RAISE(ABORT, 'snapshot day must increase');
END;

CREATE TRIGGER IF NOT EXISTS trg_snapshot_no_update
BEFORE UPDATE ON progress_snapshot
BEGIN
	SELECT RAISE(ABORT, 'progress snapshots are append-only');
END;

CREATE TRIGGER IF NOT EXISTS trg_snapshot_no_delete
BEFORE DELETE ON progress_snapshot
BEGIN
	SELECT RAISE(ABORT, 'progress snapshots are append-only');
END;

CREATE TABLE IF NOT EXISTS session_record (
	service TEXT NOT NULL,
	account TEXT NOT NULL,
	blob BLOB NOT NULL,
	captured_at DATETIME NOT NULL,
	invalidated_at DATETIME,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (service, account)
);

CREATE TABLE IF NOT EXISTS workflow_checkpoint (
	run_id TEXT NOT NULL,
	workflow TEXT NOT NULL,
	account TEXT NOT NULL,
	last_step INTEGER NOT NULL DEFAULT -1,
	last_step_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'running'
		CHECK (status IN ('running','awaiting_auth','drift','failed','completed')),
	state TEXT NOT NULL DEFAULT '{}',
	last_error TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, workflow, account)
);

CREATE TABLE IF NOT EXISTS gate_proposal (
	handle TEXT PRIMARY KEY,
	run_id TEXT NOT NULL DEFAULT '',
	account TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	params TEXT NOT NULL DEFAULT '{}',
	token TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'prepared'
		CHECK (status IN ('prepared','committing','committed','failed','expired','abandoned')),
	result TEXT NOT NULL DEFAULT '',
	error_text TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	committed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_proposal_status ON gate_proposal(status);
`
