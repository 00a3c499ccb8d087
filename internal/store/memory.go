package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/omni-pipeline/internal/model"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Memory is an in-memory Store used when no database is configured, and
// as the fixture store in tests.
type Memory struct {
	mu     sync.RWMutex
	tokens map[string]model.Token
	evals  []model.Evaluation
	runs   map[string]model.ProcessingRun
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tokens: make(map[string]model.Token),
		runs:   make(map[string]model.ProcessingRun),
	}
}

func (m *Memory) UpsertToken(_ context.Context, t model.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, found := m.tokens[t.Address]; found {
		if t.Name != "" {
			existing.Name = t.Name
		}
		if t.Symbol != "" {
			existing.Symbol = t.Symbol
		}
		m.tokens[t.Address] = existing
		return nil
	}
	if t.State == "" {
		t.State = model.StatePending
	}
	m.tokens[t.Address] = t
	return nil
}

func (m *Memory) Token(_ context.Context, addr string) (model.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, found := m.tokens[addr]
	if !found {
		return model.Token{}, ErrTokenNotFound
	}
	return t, nil
}

func (m *Memory) TokensByState(_ context.Context, states ...model.ProcessingState) ([]model.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wanted := make(map[model.ProcessingState]struct{}, len(states))
	for _, s := range states {
		wanted[s] = struct{}{}
	}

	out := make([]model.Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		if len(wanted) > 0 {
			if _, match := wanted[t.State]; !match {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DiscoveredAt.Equal(out[j].DiscoveredAt) {
			return out[i].Address < out[j].Address
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out, nil
}

func (m *Memory) SetState(_ context.Context, addr string, state model.ProcessingState, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, found := m.tokens[addr]
	if !found {
		return ErrTokenNotFound
	}
	t.State = state
	t.LastError = lastErr
	if state == model.StateCompleted || state == model.StateFailed {
		t.LastProcessedAt = nowUTC()
	}
	m.tokens[addr] = t
	return nil
}

func (m *Memory) SaveEvaluations(_ context.Context, evals []model.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals = append(m.evals, evals...)
	return nil
}

func (m *Memory) EvaluationsForToken(_ context.Context, tokenAddr string) ([]model.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]model.Evaluation)
	for _, ev := range m.evals {
		if ev.TokenAddress != tokenAddr {
			continue
		}
		prev, found := latest[ev.TraderAddress]
		if !found || ev.EvaluatedAt.After(prev.EvaluatedAt) {
			latest[ev.TraderAddress] = ev
		}
	}

	out := make([]model.Evaluation, 0, len(latest))
	for _, ev := range latest {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EvaluatedAt.Equal(out[j].EvaluatedAt) {
			return out[i].TraderAddress < out[j].TraderAddress
		}
		return out[i].EvaluatedAt.After(out[j].EvaluatedAt)
	})
	return out, nil
}

func (m *Memory) SaveRun(_ context.Context, run model.ProcessingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) Run(_ context.Context, id string) (model.ProcessingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, found := m.runs[id]
	if !found {
		return model.ProcessingRun{}, ErrRunNotFound
	}
	return run, nil
}

func (m *Memory) Runs(_ context.Context, limit int) ([]model.ProcessingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ProcessingRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
