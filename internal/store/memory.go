package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/xkilldash9x/querycore/api/schemas"
)

// Memory is an in-process implementation of the state and pattern
// repositories. It backs runs started without a database and the tests.
type Memory struct {
	mu       sync.RWMutex
	states   map[string]schemas.OrchestrationState
	sessions map[string][]string
	patterns map[int64]schemas.LearnedPattern
	nextID   int64
}

var (
	_ schemas.StateRepository   = (*Memory)(nil)
	_ schemas.PatternRepository = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states:   make(map[string]schemas.OrchestrationState),
		sessions: make(map[string][]string),
		patterns: make(map[int64]schemas.LearnedPattern),
	}
}

func (m *Memory) SaveState(_ context.Context, st schemas.OrchestrationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[st.StateID]; ok {
		return fmt.Errorf("%w: %s", ErrStateExists, st.StateID)
	}
	m.states[st.StateID] = st.Clone()
	m.sessions[st.SessionID] = append(m.sessions[st.SessionID], st.StateID)
	return nil
}

func (m *Memory) GetState(_ context.Context, stateID string) (schemas.OrchestrationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[stateID]
	if !ok {
		return schemas.OrchestrationState{}, fmt.Errorf("%w: %s", ErrStateNotFound, stateID)
	}
	return st.Clone(), nil
}

func (m *Memory) ListSessionStates(_ context.Context, sessionID string) ([]schemas.OrchestrationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.sessions[sessionID]
	out := make([]schemas.OrchestrationState, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.states[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Memory) ListPatterns(_ context.Context) ([]schemas.LearnedPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schemas.LearnedPattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatternID < out[j].PatternID })
	return out, nil
}

func (m *Memory) GetPattern(_ context.Context, patternID int64) (schemas.LearnedPattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[patternID]
	if !ok {
		return schemas.LearnedPattern{}, fmt.Errorf("%w: %d", ErrPatternNotFound, patternID)
	}
	return p, nil
}

func (m *Memory) InsertPattern(_ context.Context, p schemas.LearnedPattern) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.PatternID = m.nextID
	p.UsageCount, p.SuccessCount = 0, 0
	m.patterns[p.PatternID] = p
	return p.PatternID, nil
}

func (m *Memory) RecordPatternUsage(_ context.Context, patternID int64, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[patternID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrPatternNotFound, patternID)
	}
	p.UsageCount++
	if success {
		p.SuccessCount++
	}
	m.patterns[patternID] = p
	return nil
}
