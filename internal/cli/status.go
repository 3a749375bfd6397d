package cli

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "hopover %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active run: phase, transfers and adoption",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("run", "", "Run ID (default: active run)")
	addJSONFlag(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	runFlag, _ := cmd.Flags().GetString("run")
	if runFlag == "" {
		run, err := a.db.ActiveRun(ctx)
		if err != nil {
			return err
		}
		if run == nil {
			return printOutput(cmd, map[string]any{"version": version, "active": false}, func(w io.Writer) {
				printHeader(w, "📊 hopover status")
				printEnvironment(w, a.cfg)
				fmt.Fprintln(w, "Run:      ✗ No active run (run 'hopover run start --owner <account>')")
			})
		}
		runFlag = run.ID
	}

	sum, err := a.svc.Summary(ctx, runFlag)
	if err != nil {
		return err
	}
	return printOutput(cmd, sum, func(w io.Writer) {
		printHeader(w, "📊 hopover status")
		printEnvironment(w, a.cfg)
		fmt.Fprintf(w, "Run:      %s (owner %s)\n", sum.Run.ID, sum.Run.Owner)
		fmt.Fprintf(w, "Phase:    %s\n", statusColor(sum.Run.Phase))
		fmt.Fprintf(w, "Progress: %.1f%%\n", sum.Run.ProgressPct)
		fmt.Fprintf(w, "Parties:  %d\n", sum.PartyCount)
		if len(sum.AdoptionByStatus) > 0 {
			statuses := make([]string, 0, len(sum.AdoptionByStatus))
			for s := range sum.AdoptionByStatus {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(w, "  %-12s %d\n", statusColor(s), sum.AdoptionByStatus[s])
			}
		}
		if sum.Adoption != nil {
			fmt.Fprintf(w, "Adoption: %.0f%% of eligible capabilities configured\n", sum.Adoption.Fraction*100)
		}
		fmt.Fprintf(w, "Transfers: %d\n", sum.TransferCount)
		for i := range sum.Transfers {
			fmt.Fprintf(w, "  %s\n", sum.Transfers[i].String())
		}
	})
}

func printEnvironment(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Version:  %s\n", version)
	if path, err := config.ConfigPath(); err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			fmt.Fprintln(w, "Config:   ✓ Found ("+path+")")
		} else {
			fmt.Fprintln(w, "Config:   ✗ Not found, using defaults ("+path+")")
		}
	}
	fmt.Fprintf(w, "Store:    %s (%s)\n", cfg.Store.Path, cfg.Store.Driver)
	if cfg.Notify.Silent {
		fmt.Fprintln(w, "Notify:   silent")
	}
}
