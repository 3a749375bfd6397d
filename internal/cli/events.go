package cli

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/events"
)

var (
	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Migration event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	eventsTailCmd = &cobra.Command{
		Use:   "tail",
		Short: "Follow events published to the Kafka topic",
		RunE:  runEventsTail,
	}
)

func init() {
	eventsTailCmd.Flags().String("group", "", "Consumer group (default from config)")
	addJSONFlag(eventsTailCmd)
	eventsCmd.AddCommand(eventsTailCmd)
	rootCmd.AddCommand(eventsCmd)
}

func runEventsTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	kcfg := cfg.Kafka
	if group, _ := cmd.Flags().GetString("group"); group != "" {
		kcfg.GroupID = group
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := cmd.OutOrStdout()
	enc := json.NewEncoder(w)
	return events.Tail(ctx, kcfg, func(evt *events.Event) {
		if asJSON {
			_ = enc.Encode(evt)
			return
		}
		fmt.Fprintf(w, "%s %-22s run=%s subject=%s %v\n",
			color.HiBlackString(evt.Timestamp.Local().Format(time.TimeOnly)),
			color.CyanString(evt.Type), evt.RunID, evt.Subject, evt.Payload)
	})
}
