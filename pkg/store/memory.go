package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Memory is an in-process RunStore used when no database is configured.
type Memory struct {
	mu   sync.RWMutex
	runs map[string]RunRecord
}

var _ RunStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{runs: map[string]RunRecord{}}
}

func (m *Memory) SaveRun(_ context.Context, r RunRecord) error {
	if r.RunID == "" {
		return errors.New("store: run id is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.RunID] = r
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return RunRecord{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRuns(_ context.Context, portfolioID string, limit int) ([]RunRecord, error) {
	m.mu.RLock()
	out := make([]RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		if portfolioID == "" || r.PortfolioID == portfolioID {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID > out[j].RunID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
