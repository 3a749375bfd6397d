package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/hopover/hopover/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"  _                                    \n" +
		" | |__   ___  _ __   _____   _____ _ __ \n" +
		" | '_ \\ / _ \\| '_ \\ / _ \\ \\ / / _ \\ '__|\n" +
		" | | | | (_) | |_) | (_) \\ V /  __/ |   \n" +
		" |_| |_|\\___/| .__/ \\___/ \\_/ \\___|_|   \n" +
		"             |_|                        \n"
)

var rootCmd = &cobra.Command{
	Use:   "hopover",
	Short: "hopover - family platform migration orchestrator",
	Long:  color.CyanString(logo) + "\nTracks a household's move between consumer platforms: transfers, adoption and progress.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// loadConfig is swapped in tests.
var loadConfig = config.Load

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

// setupLogging installs the slog handler on stderr at the configured level.
func setupLogging() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Log.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
