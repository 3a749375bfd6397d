package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hopover/hopover/internal/adoption"
	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/ports"
	"github.com/hopover/hopover/internal/progress"
	"github.com/hopover/hopover/internal/store"
)

// Check outcomes per transfer.
const (
	CheckObserved = "observed"
	CheckRecorded = "already_recorded"
	CheckSkipped  = "skipped"
	CheckFailed   = "failed"
)

// TransferCheck is the daily check result for one transfer.
type TransferCheck struct {
	TransferID string            `json:"transfer_id"`
	Label      string            `json:"label"`
	Day        int               `json:"day"`
	Outcome    string            `json:"outcome"`
	Current    *progress.Current `json:"current,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// CheckReport is the result of one DailyCheck.
type CheckReport struct {
	RunID       string          `json:"run_id"`
	CheckedAt   time.Time       `json:"checked_at"`
	Transfers   []TransferCheck `json:"transfers"`
	ProgressPct float64         `json:"progress_pct"`
}

// DayIndex is the number of whole calendar days (UTC) from the baseline to now.
func DayIndex(baselineAt, now time.Time) int {
	from := baselineAt.UTC().Truncate(24 * time.Hour)
	to := now.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / (24 * time.Hour))
}

// DailyCheck observes every in-progress transfer of the run once for the
// day of now and refreshes run progress. Metric reads hold the run owner's
// account lock. A day that already has a snapshot is left
// alone, so re-running the check on the same day changes nothing. Failures
// of single transfers are reported and joined into the returned error.
func (s *Service) DailyCheck(ctx context.Context, runID string, now time.Time) (*CheckReport, error) {
	run, err := s.run(ctx, "daily check", runID)
	if err != nil {
		return nil, err
	}
	transfers, err := s.db.ListTransfers(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &CheckReport{RunID: runID, CheckedAt: now.UTC()}
	var errs []error
	for i := range transfers {
		tc, err := s.checkTransfer(ctx, &transfers[i], run.Owner, now)
		if err != nil {
			tc.Outcome, tc.Error = CheckFailed, err.Error()
			errs = append(errs, fmt.Errorf("transfer %s: %w", transfers[i].Label, err))
			slog.Warn("Daily check failed for transfer", "run", runID, "transfer", transfers[i].ID, "error", err)
		}
		report.Transfers = append(report.Transfers, tc)
	}

	pct, err := s.runProgress(ctx, run)
	if err != nil {
		return nil, err
	}
	if err := s.db.SetRunProgress(ctx, runID, pct, now); err != nil {
		return nil, err
	}
	report.ProgressPct = pct

	slog.Info("Daily check completed", "run", runID, "transfers", len(transfers), "failed", len(errs), "progress", progress.Round1(pct))
	s.pub.Publish(&events.Event{
		Type: events.DailyCheckCompleted, RunID: runID,
		Payload: map[string]any{"transfers": len(transfers), "failed": len(errs), "progress_pct": progress.Round1(pct)},
	})
	return report, errors.Join(errs...)
}

func (s *Service) checkTransfer(ctx context.Context, tr *store.Transfer, owner string, now time.Time) (TransferCheck, error) {
	tc := TransferCheck{TransferID: tr.ID, Label: tr.Label}
	if tr.Phase != store.TransferInProgress || tr.Baseline == nil || tr.BaselineAt == nil {
		tc.Outcome = CheckSkipped
		return tc, nil
	}
	tc.Day = DayIndex(*tr.BaselineAt, now)

	existing, err := s.db.SnapshotForDay(ctx, tr.ID, tc.Day)
	if err != nil {
		return tc, err
	}
	if existing != nil {
		tc.Outcome = CheckRecorded
	} else {
		err := s.withAccount(ctx, tr.Label, owner, func(ctx context.Context, fe ports.FrontEnd) error {
			m, err := s.observe(ctx, fe, tr.ID)
			if err != nil {
				return err
			}
			_, err = s.progress.Observe(ctx, tr.ID, tc.Day, m.Value)
			return err
		})
		if err != nil {
			return tc, err
		}
		tc.Outcome = CheckObserved
	}

	cur, err := s.progress.Current(ctx, tr.ID)
	if err != nil {
		return tc, err
	}
	tc.Current = cur
	return tc, nil
}

// RefreshProgress recomputes and stores the run progress percentage.
func (s *Service) RefreshProgress(ctx context.Context, runID string) (float64, error) {
	run, err := s.run(ctx, "refresh progress", runID)
	if err != nil {
		return 0, err
	}
	pct, err := s.runProgress(ctx, run)
	if err != nil {
		return 0, err
	}
	return pct, s.db.SetRunProgress(ctx, runID, pct, s.clock())
}

// runProgress maps the run phase and its sub-progress onto 0..100:
// setup 0, transfer 10-70, family_setup 70-90, validation 90, completed 100.
func (s *Service) runProgress(ctx context.Context, run *store.Run) (float64, error) {
	switch run.Phase {
	case store.PhaseTransfer:
		f, err := s.transferFraction(ctx, run.ID)
		if err != nil {
			return 0, err
		}
		return 10 + 60*f, nil
	case store.PhaseFamilySetup:
		m, err := s.adoption.Matrix(ctx, run.ID)
		if err != nil {
			return 0, err
		}
		return 70 + 20*m.Fraction, nil
	case store.PhaseValidation:
		return 90, nil
	case store.PhaseCompleted:
		return 100, nil
	default:
		return 0, nil
	}
}

// transferFraction is the mean effective percent of the run's transfers.
func (s *Service) transferFraction(ctx context.Context, runID string) (float64, error) {
	transfers, err := s.db.ListTransfers(ctx, runID)
	if err != nil {
		return 0, err
	}
	if len(transfers) == 0 {
		return 0, nil
	}
	var sum float64
	for _, tr := range transfers {
		cur, err := s.progress.Current(ctx, tr.ID)
		if err != nil {
			return 0, err
		}
		sum += cur.Percent
	}
	return sum / float64(len(transfers)) / 100, nil
}

// Summary is the combined view of one run.
type Summary struct {
	store.RunSummary
	Transfers []progress.Current `json:"transfers"`
	Adoption  *adoption.Matrix   `json:"adoption"`
}

// Summary returns the run summary with transfer estimates and the
// capability matrix.
func (s *Service) Summary(ctx context.Context, runID string) (*Summary, error) {
	rs, err := s.db.RunSummary(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := &Summary{RunSummary: *rs}
	transfers, err := s.db.ListTransfers(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, tr := range transfers {
		cur, err := s.progress.Current(ctx, tr.ID)
		if err != nil {
			return nil, err
		}
		out.Transfers = append(out.Transfers, *cur)
	}
	if out.Adoption, err = s.adoption.Matrix(ctx, runID); err != nil {
		return nil, err
	}
	return out, nil
}
