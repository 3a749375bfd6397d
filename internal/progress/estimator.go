// Package progress infers the progress of an opaque multi-day transfer from
// an indirect metric observed against a fixed baseline.
//
// Reported percent never decreases on its own: a measured drop is kept as
// the measured value while the reported value holds. Only an explicit
// correction may lower it.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/store"
)

// Config holds estimator settings.
type Config struct {
	// HonorExternalConfirmation reports 100% once completion is confirmed
	// out of band, whatever the metric says.
	HonorExternalConfirmation bool `json:"honorExternalConfirmation" envconfig:"PROGRESS_HONOR_EXTERNAL_CONFIRMATION"`
}

// Current is the latest view of one transfer.
type Current struct {
	TransferID          string     `json:"transfer_id"`
	Label               string     `json:"label"`
	Day                 int        `json:"day"`
	Percent             float64    `json:"percent"`
	MeasuredPercent     float64    `json:"measured_percent"`
	Rate                float64    `json:"rate"`
	ETADays             *float64   `json:"eta_days,omitempty"`
	Regressed           bool       `json:"regressed"`
	ExternallyConfirmed bool       `json:"externally_confirmed"`
	ConfirmedAt         *time.Time `json:"confirmed_at,omitempty"`
	Observations        int        `json:"observations"`
}

// Estimator records observations and answers progress queries.
type Estimator struct {
	db  *store.Store
	pub events.Publisher
	cfg Config
	now func() time.Time
}

// New creates an estimator. pub may be nil.
func New(db *store.Store, pub events.Publisher, cfg Config) *Estimator {
	if pub == nil {
		pub = events.Discard
	}
	return &Estimator{db: db, pub: pub, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source.
func (e *Estimator) SetClock(now func() time.Time) { e.now = now }

// Begin fixes the baseline of a transfer. Submitting the same value again is
// a no-op; a different value is an invariant violation.
func (e *Estimator) Begin(ctx context.Context, transferID string, baseline float64) error {
	if math.IsNaN(baseline) || baseline < 0 {
		return failure.Invariantf("begin", "invalid baseline %v", baseline)
	}
	err := e.db.SetBaseline(ctx, transferID, baseline, e.now())
	if errors.Is(err, store.ErrBaselineSet) {
		return failure.New(failure.InvariantViolation, "begin", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return failure.New(failure.InvariantViolation, "begin", err)
	}
	if err != nil {
		return err
	}
	slog.Info("Transfer baseline recorded", "transfer", transferID, "baseline", baseline)
	return nil
}

// Observe appends the measurement for day. Repeating a day with the same
// measurement is a no-op and returns the stored snapshot. The transfer phase
// is left alone; it moves to in_progress when the start is committed.
func (e *Estimator) Observe(ctx context.Context, transferID string, day int, measurement float64) (*store.Snapshot, error) {
	tr, err := e.transfer(ctx, "observe", transferID)
	if err != nil {
		return nil, err
	}
	if day < 0 {
		return nil, failure.Invariantf("observe", "negative day %d", day)
	}
	latest, err := e.db.LatestSnapshot(ctx, transferID)
	if err != nil {
		return nil, err
	}

	var prevPercent float64
	if latest != nil {
		switch {
		case day < latest.Day:
			return nil, failure.Invariantf("observe", "day %d is before last observed day %d", day, latest.Day)
		case day == latest.Day:
			if sameDay, err := e.matchesDay(ctx, transferID, day, measurement); err != nil {
				return nil, err
			} else if sameDay {
				return latest, nil
			}
			return nil, failure.Invariantf("observe", "day %d already observed as %v, use a correction for %v",
				day, latest.Measurement, measurement)
		}
		prevPercent = latest.Percent
	}

	est := Compute(Input{Baseline: *tr.Baseline, TotalExpected: tr.TotalExpected, Day: day, Measurement: measurement})
	sn := &store.Snapshot{
		TransferID:      transferID,
		Day:             day,
		Measurement:     measurement,
		Growth:          est.Growth,
		Percent:         math.Max(est.Percent, prevPercent),
		MeasuredPercent: est.Percent,
		Rate:            est.Rate,
		ETADays:         est.ETADays,
		Regressed:       est.Percent < prevPercent,
		ObservedAt:      e.now(),
	}
	if err := e.db.AppendSnapshot(ctx, sn); err != nil {
		return nil, err
	}
	if sn.Regressed {
		slog.Warn("Measured progress dropped, holding reported percent",
			"transfer", transferID, "day", day, "measured", Round1(sn.MeasuredPercent), "reported", Round1(sn.Percent))
	} else {
		slog.Info("Transfer progress observed", "transfer", transferID, "day", day, "percent", Round1(sn.Percent))
	}
	e.publish(tr, sn)
	return sn, nil
}

// Correct appends a revision superseding the effective snapshot for day.
// The corrected percent may be lower than before.
func (e *Estimator) Correct(ctx context.Context, transferID string, day int, measurement float64, reason string) (*store.Snapshot, error) {
	tr, err := e.transfer(ctx, "correct", transferID)
	if err != nil {
		return nil, err
	}
	prev, err := e.db.SnapshotForDay(ctx, transferID, day)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, failure.Invariantf("correct", "no observation for day %d", day)
	}
	if prev.Measurement == measurement {
		return prev, nil
	}

	est := Compute(Input{Baseline: *tr.Baseline, TotalExpected: tr.TotalExpected, Day: day, Measurement: measurement})
	supersedes := prev.ID
	sn := &store.Snapshot{
		TransferID:      transferID,
		Day:             day,
		Revision:        prev.Revision + 1,
		Measurement:     measurement,
		Growth:          est.Growth,
		Percent:         est.Percent,
		MeasuredPercent: est.Percent,
		Rate:            est.Rate,
		ETADays:         est.ETADays,
		Supersedes:      &supersedes,
		Reason:          reason,
		ObservedAt:      e.now(),
	}
	if err := e.db.AppendSnapshot(ctx, sn); err != nil {
		return nil, err
	}
	slog.Info("Transfer progress corrected", "transfer", transferID, "day", day,
		"from", Round1(prev.Percent), "to", Round1(sn.Percent), "reason", reason)
	e.publish(tr, sn)
	return sn, nil
}

// ConfirmComplete records that completion was confirmed out of band. The
// measured series is left untouched.
func (e *Estimator) ConfirmComplete(ctx context.Context, transferID, source string) error {
	tr, err := e.db.GetTransfer(ctx, transferID)
	if errors.Is(err, store.ErrNotFound) {
		return failure.New(failure.InvariantViolation, "confirm", err)
	}
	if err != nil {
		return err
	}
	now := e.now()
	if err := e.db.ConfirmTransfer(ctx, transferID, source, now); err != nil {
		return err
	}
	if tr.Phase != store.TransferComplete {
		if err := e.db.SetTransferPhase(ctx, transferID, store.TransferComplete, now); err != nil {
			return err
		}
	}
	slog.Info("Transfer completion confirmed", "transfer", transferID, "source", source)
	e.pub.Publish(&events.Event{
		Type: events.TransferConfirmed, RunID: tr.RunID, Subject: transferID,
		Payload: map[string]any{"source": source},
	})
	return nil
}

// Current returns the latest effective estimate for a transfer.
func (e *Estimator) Current(ctx context.Context, transferID string) (*Current, error) {
	tr, err := e.db.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, err
	}
	series, err := e.db.ProgressSeries(ctx, transferID)
	if err != nil {
		return nil, err
	}
	eff := store.Effective(series)

	cur := &Current{
		TransferID:          tr.ID,
		Label:               tr.Label,
		ExternallyConfirmed: tr.ConfirmedComplete,
		ConfirmedAt:         tr.ConfirmedAt,
		Observations:        len(eff),
	}
	if n := len(eff); n > 0 {
		last := eff[n-1]
		cur.Day = last.Day
		cur.Percent = last.Percent
		cur.MeasuredPercent = last.MeasuredPercent
		cur.Rate = last.Rate
		cur.ETADays = last.ETADays
		cur.Regressed = last.Regressed
	}
	if tr.ConfirmedComplete && e.cfg.HonorExternalConfirmation {
		zero := 0.0
		cur.Percent = 100
		cur.ETADays = &zero
	}
	return cur, nil
}

// Series returns the effective snapshot per day.
func (e *Estimator) Series(ctx context.Context, transferID string) ([]store.Snapshot, error) {
	series, err := e.db.ProgressSeries(ctx, transferID)
	if err != nil {
		return nil, err
	}
	return store.Effective(series), nil
}

func (e *Estimator) transfer(ctx context.Context, op, transferID string) (*store.Transfer, error) {
	tr, err := e.db.GetTransfer(ctx, transferID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.New(failure.InvariantViolation, op, err)
	}
	if err != nil {
		return nil, err
	}
	if tr.Baseline == nil {
		return nil, failure.Invariantf(op, "transfer %s has no baseline", transferID)
	}
	return tr, nil
}

func (e *Estimator) matchesDay(ctx context.Context, transferID string, day int, measurement float64) (bool, error) {
	series, err := e.db.ProgressSeries(ctx, transferID)
	if err != nil {
		return false, err
	}
	for _, sn := range series {
		if sn.Day == day && sn.Measurement == measurement {
			return true, nil
		}
	}
	return false, nil
}

func (e *Estimator) publish(tr *store.Transfer, sn *store.Snapshot) {
	payload := map[string]any{
		"day":              sn.Day,
		"revision":         sn.Revision,
		"percent":          Round1(sn.Percent),
		"measured_percent": Round1(sn.MeasuredPercent),
		"regressed":        sn.Regressed,
	}
	if sn.ETADays != nil {
		payload["eta_days"] = Round1(*sn.ETADays)
	}
	e.pub.Publish(&events.Event{Type: events.TransferProgress, RunID: tr.RunID, Subject: tr.ID, Payload: payload})
}

// String formats an estimate for logs and CLI output.
func (c *Current) String() string {
	eta := "unknown"
	if c.ETADays != nil {
		eta = fmt.Sprintf("%.1f days", *c.ETADays)
	}
	return fmt.Sprintf("%s: %.1f%% (measured %.1f%%), day %d, eta %s", c.Label, c.Percent, c.MeasuredPercent, c.Day, eta)
}
