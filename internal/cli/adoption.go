package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hopover/hopover/internal/adoption"
	"github.com/hopover/hopover/internal/store"
	"github.com/hopover/hopover/internal/workflow"
)

var (
	partyCmd = &cobra.Command{
		Use:   "party",
		Short: "Tracked household members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	partyAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Register a party in the run",
		RunE:  runPartyAdd,
	}

	partyListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the run's parties",
		RunE:  runPartyList,
	}

	adoptionCmd = &cobra.Command{
		Use:   "adoption",
		Short: "Capability adoption tracking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	adoptionRecordCmd = &cobra.Command{
		Use:   "record",
		Short: "Record an adoption status observation",
		RunE:  runAdoptionRecord,
	}

	adoptionResetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Return a capability to not_started",
		RunE:  runAdoptionReset,
	}

	adoptionMatrixCmd = &cobra.Command{
		Use:   "matrix",
		Short: "Show status per party and capability",
		RunE:  runAdoptionMatrix,
	}

	adoptionInviteCmd = &cobra.Command{
		Use:   "invite",
		Short: "Message a party and mark the capability invited",
		RunE:  runAdoptionInvite,
	}

	adoptionVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Check a capability on the party's device and record the result",
		RunE:  runAdoptionVerify,
	}
)

func init() {
	partyAddCmd.Flags().String("name", "", "Party name")
	partyAddCmd.Flags().String("category", store.CategoryPrimary, "primary or secondary")
	partyAddCmd.Flags().Int("age", -1, "Age in years (omit when unknown)")
	partyAddCmd.Flags().String("contact", "", "Contact, e.g. slack:U123 or whatsapp:4915100000@s.whatsapp.net")

	for _, c := range []*cobra.Command{partyAddCmd, partyListCmd, adoptionRecordCmd, adoptionResetCmd, adoptionMatrixCmd, adoptionInviteCmd, adoptionVerifyCmd} {
		c.Flags().String("run", "", "Run ID (default: active run)")
	}
	for _, c := range []*cobra.Command{adoptionRecordCmd, adoptionResetCmd, adoptionInviteCmd, adoptionVerifyCmd} {
		c.Flags().String("party", "", "Party ID or name")
		c.Flags().String("capability", "", "Capability name")
	}
	adoptionRecordCmd.Flags().String("status", "", "not_started, invited, in_progress or configured")
	adoptionRecordCmd.Flags().Bool("manual", false, "Record as an out-of-band report instead of a verified check")
	adoptionRecordCmd.Flags().String("observed-at", "", "Observation time (RFC3339, default now)")
	adoptionResetCmd.Flags().String("reason", "", "Why the capability is reset")
	adoptionInviteCmd.Flags().String("template", "invite", "Message template")
	adoptionInviteCmd.Flags().String("link", "", "Setup link included in the message")
	adoptionVerifyCmd.Flags().String("device", "", "Device name known to the automation sidecar")
	adoptionVerifyCmd.Flags().String("instruction", "Open settings and report whether $capability is set up for $party", "Instruction sent to the device")

	addJSONFlag(partyAddCmd, partyListCmd, adoptionRecordCmd, adoptionResetCmd, adoptionMatrixCmd, adoptionInviteCmd, adoptionVerifyCmd)
	partyCmd.AddCommand(partyAddCmd, partyListCmd)
	adoptionCmd.AddCommand(adoptionRecordCmd, adoptionResetCmd, adoptionMatrixCmd, adoptionInviteCmd, adoptionVerifyCmd)
	rootCmd.AddCommand(partyCmd, adoptionCmd)
}

func runPartyAdd(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	category, _ := cmd.Flags().GetString("category")
	age, _ := cmd.Flags().GetInt("age")
	contact, _ := cmd.Flags().GetString("contact")

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	runID, err := a.runFlag(cmd)
	if err != nil {
		return err
	}
	spec := adoption.PartySpec{Name: name, Category: category, Contact: strings.TrimSpace(contact)}
	if age >= 0 {
		spec.Age = &age
	}
	p, err := a.svc.Adoption().RegisterParty(cmd.Context(), runID, spec)
	if err != nil {
		return err
	}
	return printOutput(cmd, p, func(w io.Writer) {
		okLine(w, "Party registered: %s (%s)", p.Name, p.ID)
		for c, ok := range p.Eligibility {
			if !ok {
				warnLine(w, "Not eligible for %s", c)
			}
		}
	})
}

func runPartyList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	runID, err := a.runFlag(cmd)
	if err != nil {
		return err
	}
	parties, err := a.db.ListParties(cmd.Context(), runID)
	if err != nil {
		return err
	}
	return printOutput(cmd, parties, func(w io.Writer) {
		if len(parties) == 0 {
			fmt.Fprintln(w, "No parties.")
			return
		}
		for _, p := range parties {
			age := "?"
			if p.Age != nil {
				age = fmt.Sprint(*p.Age)
			}
			fmt.Fprintf(w, "%s  %-16s %-9s age %-3s %s\n", p.ID, p.Name, p.Category, age, p.Contact)
		}
	})
}

func runAdoptionRecord(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	manual, _ := cmd.Flags().GetBool("manual")
	observedRaw, _ := cmd.Flags().GetString("observed-at")
	var observed time.Time
	if observedRaw != "" {
		t, err := time.Parse(time.RFC3339, observedRaw)
		if err != nil {
			return fmt.Errorf("--observed-at: %w", err)
		}
		observed = t
	}
	return withParty(cmd, func(ctx context.Context, a *app, p *store.Party, capability string) (*adoption.Decision, error) {
		obs := adoption.Observation{PartyID: p.ID, Capability: capability, Status: strings.TrimSpace(status), ObservedAt: observed}
		if manual {
			return a.svc.Adoption().RecordManual(ctx, obs)
		}
		return a.svc.Adoption().RecordVerification(ctx, obs)
	})
}

func runAdoptionReset(cmd *cobra.Command, args []string) error {
	reason, _ := cmd.Flags().GetString("reason")
	return withParty(cmd, func(ctx context.Context, a *app, p *store.Party, capability string) (*adoption.Decision, error) {
		return a.svc.Adoption().Reset(ctx, p.ID, capability, reason)
	})
}

func runAdoptionInvite(cmd *cobra.Command, args []string) error {
	tmpl, _ := cmd.Flags().GetString("template")
	link, _ := cmd.Flags().GetString("link")
	return withParty(cmd, func(ctx context.Context, a *app, p *store.Party, capability string) (*adoption.Decision, error) {
		if err := a.startNotifiers(ctx); err != nil {
			return nil, err
		}
		data := map[string]any{}
		if link != "" {
			data["link"] = link
		}
		return a.svc.Adoption().Invite(ctx, p.ID, capability, tmpl, data)
	})
}

// runAdoptionVerify runs a one-step device workflow and records what the
// device reported as a verified observation. The device may report a
// "status" field; a completed step without one counts as configured. Each
// verification is its own workflow so an earlier result is never reused.
func runAdoptionVerify(cmd *cobra.Command, args []string) error {
	device, _ := cmd.Flags().GetString("device")
	instruction, _ := cmd.Flags().GetString("instruction")
	if strings.TrimSpace(device) == "" {
		return fmt.Errorf("--device is required")
	}
	return withParty(cmd, func(ctx context.Context, a *app, p *store.Party, capability string) (*adoption.Decision, error) {
		observedAt := time.Now().UTC()
		def := &workflow.Definition{
			Name:  verifyWorkflowName(capability, observedAt),
			Steps: []workflow.Step{workflow.DeviceStep("check", a.automation.Device(device), instruction)},
		}
		res, err := a.workflows.Run(ctx, workflow.Request{
			RunID:      p.RunID,
			Account:    p.Name,
			Definition: def,
			Input:      map[string]string{"party": p.Name, "capability": capability},
		})
		if err != nil {
			return nil, err
		}
		status := res.State["status"]
		if status == "" {
			status = store.StatusConfigured
		}
		return a.svc.Adoption().RecordVerification(ctx, adoption.Observation{
			PartyID: p.ID, Capability: capability, Status: status, ObservedAt: observedAt,
		})
	})
}

func verifyWorkflowName(capability string, at time.Time) string {
	return "verify-" + capability + "@" + at.UTC().Format("20060102T150405.000000000Z")
}

func withParty(cmd *cobra.Command, fn func(ctx context.Context, a *app, p *store.Party, capability string) (*adoption.Decision, error)) error {
	partyRef, _ := cmd.Flags().GetString("party")
	capability, _ := cmd.Flags().GetString("capability")
	partyRef, capability = strings.TrimSpace(partyRef), strings.TrimSpace(capability)
	if partyRef == "" || capability == "" {
		return fmt.Errorf("--party and --capability are required")
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
	p, err := a.resolveParty(ctx, runID, partyRef)
	if err != nil {
		return err
	}
	d, err := fn(ctx, a, p, capability)
	if err != nil {
		return err
	}
	return printOutput(cmd, d, func(w io.Writer) {
		switch d.Outcome {
		case adoption.OutcomeApplied:
			okLine(w, "%s %s: %s -> %s", p.Name, capability, d.Previous, statusColor(d.Adoption.Status))
		default:
			warnLine(w, "%s %s: %s (status %s)", p.Name, capability, d.Outcome, statusColor(d.Previous))
		}
	})
}

func runAdoptionMatrix(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	runID, err := a.runFlag(cmd)
	if err != nil {
		return err
	}
	m, err := a.svc.Adoption().Matrix(cmd.Context(), runID)
	if err != nil {
		return err
	}
	return printOutput(cmd, m, func(w io.Writer) {
		for _, c := range m.Cells {
			elig := ""
			if !c.Eligible {
				elig = " (ineligible)"
			}
			fmt.Fprintf(w, "%-16s %-18s %s%s\n", c.Party, c.Capability, statusColor(c.Status), elig)
		}
		fmt.Fprintln(w)
		for _, st := range m.Capabilities {
			fmt.Fprintf(w, "%-18s %d/%d configured (%.0f%%)\n", st.Capability, st.Configured, st.Eligible, st.Percent)
		}
		fmt.Fprintf(w, "Overall: %.0f%%\n", m.Fraction*100)
	})
}

func (a *app) runFlag(cmd *cobra.Command) (string, error) {
	runFlag, _ := cmd.Flags().GetString("run")
	return a.activeRunID(cmd.Context(), strings.TrimSpace(runFlag))
}

// resolveParty accepts either a party id or a name within the run.
func (a *app) resolveParty(ctx context.Context, runID, ref string) (*store.Party, error) {
	p, err := a.db.GetPartyByName(ctx, runID, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return a.db.GetParty(ctx, ref)
}

// startNotifiers connects notifiers that need a live session.
func (a *app) startNotifiers(ctx context.Context) error {
	if a.whatsapp == nil || a.cfg.Notify.Silent {
		return nil
	}
	return a.whatsapp.Start(ctx)
}
