package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/ports"
	"github.com/hopover/hopover/internal/store"
)

var (
	transferCmd = &cobra.Command{
		Use:   "transfer",
		Short: "Bulk transfers and their progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	transferRegisterCmd = &cobra.Command{
		Use:   "register",
		Short: "Record a transfer before it starts",
		RunE:  runTransferRegister,
	}

	transferPrepareCmd = &cobra.Command{
		Use:   "prepare <transfer>",
		Short: "Prepare the transfer start and print the proposal to confirm",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransferPrepare,
	}

	transferCommitCmd = &cobra.Command{
		Use:   "commit <handle>",
		Short: "Confirm a prepared transfer start (irreversible)",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransferCommit,
	}

	transferResolveCmd = &cobra.Command{
		Use:   "resolve <handle>",
		Short: "Record the verified outcome of a commit that ended ambiguously",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransferResolve,
	}

	transferCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Run the daily progress check now",
		RunE:  runTransferCheck,
	}

	transferCorrectCmd = &cobra.Command{
		Use:   "correct <transfer>",
		Short: "Replace a day's measurement with a corrected value",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransferCorrect,
	}

	transferConfirmCmd = &cobra.Command{
		Use:   "confirm <transfer>",
		Short: "Record that the provider reported the transfer complete",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransferConfirm,
	}

	transferShowCmd = &cobra.Command{
		Use:   "show <transfer>",
		Short: "Show the estimate and snapshot series of a transfer",
		Args:  cobra.ExactArgs(1),
		RunE:  runTransferShow,
	}
)

func init() {
	for _, c := range []*cobra.Command{transferRegisterCmd, transferPrepareCmd, transferCheckCmd, transferCorrectCmd, transferConfirmCmd, transferShowCmd} {
		c.Flags().String("run", "", "Run ID (default: active run)")
	}
	transferRegisterCmd.Flags().String("label", "", "Transfer label, also the sidecar service name")
	transferRegisterCmd.Flags().Float64("total", 0, "Total expected destination size")
	transferRegisterCmd.Flags().Float64("source-size", 0, "Size reported by the source")
	transferRegisterCmd.Flags().String("counts", "", "Source entity counts, e.g. photos=41000,videos=1200")
	transferRegisterCmd.Flags().Bool("from-source", false, "Read entity counts from the source front-end")
	transferPrepareCmd.Flags().String("param", "", "Extra parameters, e.g. destination=new@example.com")
	transferCorrectCmd.Flags().Int("day", -1, "Day index to correct")
	transferCorrectCmd.Flags().Float64("measurement", 0, "Corrected measurement")
	transferCorrectCmd.Flags().String("reason", "", "Why the earlier value was wrong")
	transferConfirmCmd.Flags().String("source", "provider", "Who reported completion")
	transferResolveCmd.Flags().String("outcome", "", "What the front-end shows: committed or not-committed")
	transferResolveCmd.Flags().String("reference", "", "Transfer reference shown by the front-end")

	addJSONFlag(transferRegisterCmd, transferPrepareCmd, transferCommitCmd, transferResolveCmd, transferCheckCmd, transferCorrectCmd, transferConfirmCmd, transferShowCmd)
	transferCmd.AddCommand(transferRegisterCmd, transferPrepareCmd, transferCommitCmd, transferResolveCmd, transferCheckCmd, transferCorrectCmd, transferConfirmCmd, transferShowCmd)
	rootCmd.AddCommand(transferCmd)
}

func runTransferRegister(cmd *cobra.Command, args []string) error {
	label, _ := cmd.Flags().GetString("label")
	total, _ := cmd.Flags().GetFloat64("total")
	sourceSize, _ := cmd.Flags().GetFloat64("source-size")
	countsRaw, _ := cmd.Flags().GetString("counts")
	fromSource, _ := cmd.Flags().GetBool("from-source")
	label = strings.TrimSpace(label)

	counts, err := parseCounts(countsRaw)
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	runID, err := a.runFlag(cmd)
	if err != nil {
		return err
	}
	if fromSource {
		if counts, err = a.svc.SourceCounts(ctx, runID, label); err != nil {
			return fmt.Errorf("read source counts: %w", err)
		}
	}
	tr, err := a.svc.RegisterTransfer(ctx, runID, label, counts, sourceSize, total)
	if err != nil {
		return err
	}
	return printOutput(cmd, tr, func(w io.Writer) {
		okLine(w, "Transfer registered: %s (%s)", tr.Label, tr.ID)
		fmt.Fprintf(w, "Total expected: %.2f\n", tr.TotalExpected)
		for k, v := range tr.SourceCounts {
			fmt.Fprintf(w, "  %-10s %d\n", k, v)
		}
	})
}

func runTransferPrepare(cmd *cobra.Command, args []string) error {
	paramRaw, _ := cmd.Flags().GetString("param")
	params := map[string]any{}
	for _, kv := range splitList(paramRaw) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("--param %q: expected key=value", kv)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return withTransfer(cmd, args[0], func(ctx context.Context, a *app, tr *store.Transfer) error {
		p, err := a.svc.PrepareTransfer(ctx, tr.ID, params)
		if err != nil {
			return err
		}
		return printOutput(cmd, p, func(w io.Writer) {
			okLine(w, "Prepared %s for %s", p.Action, tr.Label)
			fmt.Fprintf(w, "Handle:      %s\n", p.Handle)
			fmt.Fprintf(w, "Destination: %s\n", p.Summary.Destination)
			for k, v := range p.Summary.EntityCounts {
				fmt.Fprintf(w, "  %-10s %d\n", k, v)
			}
			if p.Summary.EstimatedDuration > 0 {
				fmt.Fprintf(w, "Estimated:   %s\n", p.Summary.EstimatedDuration)
			}
			fmt.Fprintf(w, "Expires:     %s\n", p.ExpiresAt.Local().Format(time.RFC3339))
			warnLine(w, "Run 'hopover transfer commit %s' to start the transfer. This cannot be undone.", p.Handle)
		})
	})
}

func runTransferCommit(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	res, err := a.svc.CommitTransfer(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printOutput(cmd, res, func(w io.Writer) {
		if res.Cached {
			warnLine(w, "Already committed: %s", res.Handle)
		} else {
			okLine(w, "Committed: %s", res.Handle)
		}
		fmt.Fprintf(w, "Reference: %s\n", res.Commit.Reference)
	})
}

func runTransferResolve(cmd *cobra.Command, args []string) error {
	outcome, _ := cmd.Flags().GetString("outcome")
	reference, _ := cmd.Flags().GetString("reference")
	var committed bool
	switch strings.TrimSpace(outcome) {
	case "committed":
		committed = true
	case "not-committed":
	default:
		return fmt.Errorf("--outcome must be committed or not-committed")
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	p, err := a.svc.ResolveTransfer(cmd.Context(), args[0], committed, reference)
	if err != nil {
		return err
	}
	return printOutput(cmd, p, func(w io.Writer) {
		okLine(w, "Proposal %s is now %s", p.Handle, p.Status)
		if !committed {
			fmt.Fprintln(w, "Prepare the transfer again to retry.")
		}
	})
}

func runTransferCheck(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	runID, err := a.runFlag(cmd)
	if err != nil {
		return err
	}
	report, checkErr := a.svc.DailyCheck(cmd.Context(), runID, time.Now())
	if report == nil {
		return checkErr
	}
	if err := printOutput(cmd, report, func(w io.Writer) {
		for _, tc := range report.Transfers {
			line := fmt.Sprintf("%-14s day %-3d %s", tc.Label, tc.Day, statusColor(tc.Outcome))
			if tc.Current != nil {
				line += "  " + tc.Current.String()
			}
			if tc.Error != "" {
				line += "  " + tc.Error
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintf(w, "Run progress: %.1f%%\n", report.ProgressPct)
	}); err != nil {
		return err
	}
	return checkErr
}

func runTransferCorrect(cmd *cobra.Command, args []string) error {
	day, _ := cmd.Flags().GetInt("day")
	measurement, _ := cmd.Flags().GetFloat64("measurement")
	reason, _ := cmd.Flags().GetString("reason")
	if day < 0 {
		return fmt.Errorf("--day is required")
	}
	return withTransfer(cmd, args[0], func(ctx context.Context, a *app, tr *store.Transfer) error {
		sn, err := a.svc.Progress().Correct(ctx, tr.ID, day, measurement, reason)
		if err != nil {
			return err
		}
		if _, err := a.svc.RefreshProgress(ctx, tr.RunID); err != nil {
			return err
		}
		return printOutput(cmd, sn, func(w io.Writer) {
			okLine(w, "Day %d of %s corrected to %.2f (%.1f%%)", sn.Day, tr.Label, sn.Measurement, sn.Percent)
		})
	})
}

func runTransferConfirm(cmd *cobra.Command, args []string) error {
	source, _ := cmd.Flags().GetString("source")
	return withTransfer(cmd, args[0], func(ctx context.Context, a *app, tr *store.Transfer) error {
		if err := a.svc.Progress().ConfirmComplete(ctx, tr.ID, source); err != nil {
			return err
		}
		if _, err := a.svc.RefreshProgress(ctx, tr.RunID); err != nil {
			return err
		}
		cur, err := a.svc.Progress().Current(ctx, tr.ID)
		if err != nil {
			return err
		}
		return printOutput(cmd, cur, func(w io.Writer) {
			okLine(w, "Completion recorded for %s", tr.Label)
			fmt.Fprintln(w, cur.String())
		})
	})
}

func runTransferShow(cmd *cobra.Command, args []string) error {
	return withTransfer(cmd, args[0], func(ctx context.Context, a *app, tr *store.Transfer) error {
		cur, err := a.svc.Progress().Current(ctx, tr.ID)
		if err != nil {
			return err
		}
		series, err := a.svc.Progress().Series(ctx, tr.ID)
		if err != nil {
			return err
		}
		payload := map[string]any{"transfer": tr, "current": cur, "series": series}
		return printOutput(cmd, payload, func(w io.Writer) {
			fmt.Fprintf(w, "%s  phase %s\n", cur.String(), statusColor(tr.Phase))
			for _, sn := range series {
				mark := ""
				if sn.IsCorrection() {
					mark = " (corrected: " + sn.Reason + ")"
				}
				if sn.Regressed {
					mark += " (regressed)"
				}
				fmt.Fprintf(w, "  day %-3d %10.2f  %5.1f%%%s\n", sn.Day, sn.Measurement, sn.Percent, mark)
			}
		})
	})
}

// withTransfer resolves ref as a transfer id or a label in the run.
func withTransfer(cmd *cobra.Command, ref string, fn func(ctx context.Context, a *app, tr *store.Transfer) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	tr, err := a.db.GetTransfer(ctx, ref)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if tr == nil {
		runID, runErr := a.runFlag(cmd)
		if runErr != nil {
			return runErr
		}
		transfers, listErr := a.db.ListTransfers(ctx, runID)
		if listErr != nil {
			return listErr
		}
		for i := range transfers {
			if transfers[i].Label == ref {
				tr = &transfers[i]
				break
			}
		}
		if tr == nil {
			return fmt.Errorf("transfer %q not found", ref)
		}
	}
	return fn(ctx, a, tr)
}

func parseCounts(raw string) (ports.Counts, error) {
	items := splitList(raw)
	if len(items) == 0 {
		return nil, nil
	}
	counts := ports.Counts{}
	for _, kv := range items {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("--counts %q: expected kind=n", kv)
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("--counts %q: %w", kv, err)
		}
		counts[strings.TrimSpace(k)] = n
	}
	return counts, nil
}
