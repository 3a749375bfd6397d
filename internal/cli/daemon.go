package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/events"
	"github.com/hopover/hopover/internal/scheduler"
)

// Scheduled job names.
const (
	jobDailyCheck = "daily-check"
	jobGateSweep  = "gate-sweep"
)

var (
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduled daily check and proposal sweep until interrupted",
		RunE:  runDaemon,
	}

	daemonJobCmd = &cobra.Command{
		Use:   "job <name>",
		Short: "Fire one scheduled job now (daily-check or gate-sweep)",
		Args:  cobra.ExactArgs(1),
		RunE:  runDaemonJob,
	}
)

// daemonSignalContext is swapped in tests.
var daemonSignalContext = func(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func init() {
	addJSONFlag(daemonJobCmd)
	daemonCmd.AddCommand(daemonJobCmd)
	rootCmd.AddCommand(daemonCmd)
}

// newScheduler registers the migration jobs against a.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	s, err := scheduler.New(a.cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	jobs := []*scheduler.Job{
		{Name: jobDailyCheck, Spec: a.cfg.Scheduler.DailyCheck, Run: a.dailyCheckJob},
		{Name: jobGateSweep, Spec: a.cfg.Scheduler.GateSweep, Run: func(ctx context.Context) error {
			_, err := a.svc.SweepProposals(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := s.Register(j); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// dailyCheckJob checks the active run. Having no active run is not an error.
func (a *app) dailyCheckJob(ctx context.Context) error {
	run, err := a.db.ActiveRun(ctx)
	if err != nil {
		return err
	}
	if run == nil {
		slog.Info("Daily check skipped: no active run")
		return nil
	}
	_, err = a.svc.DailyCheck(ctx, run.ID, time.Now())
	return err
}

func runDaemon(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := daemonSignalContext(cmd.Context())
	defer stop()

	a.bus.Subscribe(events.TransferProgress, func(evt *events.Event) {
		slog.Info("Transfer progress", "run", evt.RunID, "transfer", evt.Subject, "payload", evt.Payload)
	})
	a.bus.Subscribe(events.WorkflowAwaitAuth, func(evt *events.Event) {
		slog.Warn("Workflow awaiting authentication", "run", evt.RunID, "workflow", evt.Subject, "payload", evt.Payload)
	})

	if err := a.startNotifiers(ctx); err != nil {
		slog.Warn("Notifier start failed", "error", err)
	}

	w := cmd.OutOrStdout()
	printHeader(w, "🕑 hopover daemon")
	if !a.cfg.Scheduler.Enabled {
		warnLine(w, "Scheduler disabled (set HOPOVER_SCHEDULER_ENABLED=true); only forwarding events")
		<-ctx.Done()
		return nil
	}
	s, err := newScheduler(a)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, name := range s.Jobs() {
		if next, err := s.Next(name, now); err == nil {
			fmt.Fprintf(w, "%-12s next %s\n", name, next.Local().Format(time.RFC3339))
		}
	}
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runDaemonJob(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	s, err := newScheduler(a)
	if err != nil {
		return err
	}
	st, err := s.RunNow(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	payload := map[string]any{
		"name": st.Name, "status": st.Status, "error": st.Error,
		"started": st.Started, "duration_ms": st.Duration.Milliseconds(),
	}
	if err := printOutput(cmd, payload, func(w io.Writer) {
		fmt.Fprintf(w, "%s: %s (%s)\n", st.Name, statusColor(st.Status), st.Duration.Round(time.Millisecond))
		if st.Error != "" {
			fmt.Fprintln(w, st.Error)
		}
	}); err != nil {
		return err
	}
	if st.Status == scheduler.StatusFailed {
		return fmt.Errorf("job %s failed", st.Name)
	}
	return nil
}
