package adoption

import (
	"context"
	"sort"

	"github.com/hopover/hopover/internal/store"
)

// Cell is one (party, capability) entry of the matrix.
type Cell struct {
	PartyID    string `json:"party_id"`
	Party      string `json:"party"`
	Category   string `json:"category"`
	Capability string `json:"capability"`
	Status     string `json:"status"`
	Source     string `json:"source"`
	Eligible   bool   `json:"eligible"`
}

// CapabilityStat summarises one capability across parties. Ineligible
// parties do not count towards Eligible or Percent.
type CapabilityStat struct {
	Capability string   `json:"capability"`
	Eligible   int      `json:"eligible"`
	Configured int      `json:"configured"`
	Percent    float64  `json:"percent"`
	Ineligible []string `json:"ineligible,omitempty"`
}

// Matrix is the adoption state of a run.
type Matrix struct {
	RunID        string           `json:"run_id"`
	Cells        []Cell           `json:"cells"`
	Capabilities []CapabilityStat `json:"capabilities"`
	// Fraction is configured over eligible across every capability, 0..1.
	Fraction float64 `json:"fraction"`
}

// Matrix returns statuses per party and capability with completion figures.
func (t *Tracker) Matrix(ctx context.Context, runID string) (*Matrix, error) {
	rows, err := t.db.CapabilityMatrix(ctx, runID)
	if err != nil {
		return nil, err
	}
	m := &Matrix{RunID: runID, Cells: make([]Cell, 0, len(rows))}
	stats := map[string]*CapabilityStat{}
	var eligible, configured int
	for _, r := range rows {
		ok := r.Party.Eligible(r.Adoption.Capability)
		m.Cells = append(m.Cells, Cell{
			PartyID:    r.Party.ID,
			Party:      r.Party.Name,
			Category:   r.Party.Category,
			Capability: r.Adoption.Capability,
			Status:     r.Adoption.Status,
			Source:     r.Adoption.Source,
			Eligible:   ok,
		})
		st := stats[r.Adoption.Capability]
		if st == nil {
			st = &CapabilityStat{Capability: r.Adoption.Capability}
			stats[r.Adoption.Capability] = st
		}
		if !ok {
			st.Ineligible = append(st.Ineligible, r.Party.Name)
			continue
		}
		st.Eligible++
		eligible++
		if r.Adoption.Status == store.StatusConfigured {
			st.Configured++
			configured++
		}
	}
	for _, st := range stats {
		if st.Eligible > 0 {
			st.Percent = float64(st.Configured) / float64(st.Eligible) * 100
		}
		m.Capabilities = append(m.Capabilities, *st)
	}
	sort.Slice(m.Capabilities, func(i, j int) bool {
		return m.Capabilities[i].Capability < m.Capabilities[j].Capability
	})
	if eligible > 0 {
		m.Fraction = float64(configured) / float64(eligible)
	}
	return m, nil
}

// Stat returns the entry for capability, or nil.
func (m *Matrix) Stat(capability string) *CapabilityStat {
	for i := range m.Capabilities {
		if m.Capabilities[i].Capability == capability {
			return &m.Capabilities[i]
		}
	}
	return nil
}
