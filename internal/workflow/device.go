package workflow

import (
	"context"
	"os"

	"github.com/hopover/hopover/internal/failure"
	"github.com/hopover/hopover/internal/ports"
)

// DeviceStep builds a step that sends instruction to a device. $name and
// ${name} in the instruction expand from the workflow state. Fields the
// device reports are merged into the state.
func DeviceStep(name string, dev ports.DeviceControl, instruction string) Step {
	return Step{
		Name: name,
		Run: func(ctx context.Context, sc *Scope) error {
			text := os.Expand(instruction, func(k string) string { return sc.State[k] })
			obs, err := dev.RunNaturalLanguageStep(ctx, text)
			if err != nil {
				return err
			}
			if obs == nil || !obs.Done {
				detail := ""
				if obs != nil {
					detail = obs.Detail
				}
				return failure.Driftf("device step "+name, "instruction not completed: %s", detail)
			}
			for k, v := range obs.Fields {
				sc.State[k] = v
			}
			return nil
		},
	}
}
