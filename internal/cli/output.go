package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// printOutput writes payload as indented JSON, or calls text for humans.
func printOutput(cmd *cobra.Command, payload any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	text(w)
	return nil
}

func okLine(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.GreenString("✓ ")+fmt.Sprintf(format, args...))
}

func warnLine(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.YellowString("! ")+fmt.Sprintf(format, args...))
}

func statusColor(status string) string {
	switch status {
	case "configured", "completed", "complete", "committed", "ok":
		return color.GreenString(status)
	case "failed", "drift", "expired":
		return color.RedString(status)
	case "not_started", "abandoned":
		return color.HiBlackString(status)
	default:
		return color.YellowString(status)
	}
}

// splitList parses a comma-separated flag value.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func addJSONFlag(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().Bool("json", false, "Output machine-readable JSON")
	}
}
