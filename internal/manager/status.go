package manager

import (
	"context"
	"sort"

	"engined/internal/engine"
	"engined/internal/monitor"
)

// ListEngines returns every engine's health with per-model usage filled in
// from the latest monitor sample.
func (m *Manager) ListEngines(ctx context.Context) []engine.Health {
	out := m.registry.ListEngines(ctx)
	for i := range out {
		for j := range out[i].Models {
			mi := &out[i].Models[j]
			if s, ok := m.monitor.Latest(mi.ID); ok {
				mi.VRAMBytes = s.VRAMBytes
				mi.RAMBytes = s.RAMBytes
			}
		}
	}
	return out
}

// GetStats returns the current statistics of a tracked model.
func (m *Manager) GetStats(modelID string) (monitor.ModelStat, error) {
	return m.monitor.Stats(modelID)
}

// AllStats returns statistics for every tracked model, sorted by id.
func (m *Manager) AllStats() []monitor.ModelStat {
	ids := m.monitor.Tracked()
	sort.Strings(ids)
	out := make([]monitor.ModelStat, 0, len(ids))
	for _, id := range ids {
		if st, err := m.monitor.Stats(id); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// History returns the retained samples of a tracked model, oldest first.
func (m *Manager) History(modelID string) ([]monitor.Sample, error) {
	return m.monitor.History(modelID)
}
