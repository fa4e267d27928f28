// internal/state/manager.go
package state

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/events"
)

var (
	ErrStateNotFound   = errors.New("state not found")
	ErrSessionNotFound = errors.New("no states recorded for session")
	ErrTerminalState   = errors.New("state is terminal")
	ErrStaleState      = errors.New("state already has a successor")
	ErrVersionNotFound = errors.New("version not found in chain")
)

// Event types written by the manager itself.
const (
	EventCreated    = "state_created"
	EventUpdated    = "state_updated"
	EventRolledBack = "state_rolled_back"
)

// stateNamespace scopes the name-based ids of state versions.
var stateNamespace = uuid.MustParse("9f4c2b0e-6a53-4d1e-8c77-3b2f5f1d0a61")

// Changes describes one transition. Data, Context and Metadata entries are
// merged into the previous version; keys listed in Remove are deleted from
// Data. A zero Status keeps the previous status.
type Changes struct {
	Status    schemas.StateStatus
	Data      map[string]any
	Context   map[string]any
	Metadata  map[string]any
	Remove    []string
	EventType string
	EventData map[string]any
}

// CreateOption customizes a new chain.
type CreateOption func(*schemas.OrchestrationState)

// WithUser records the user the run acts for.
func WithUser(userID string) CreateOption {
	return func(s *schemas.OrchestrationState) { s.UserID = userID }
}

// WithContext seeds the context map of the first version.
func WithContext(ctx map[string]any) CreateOption {
	return func(s *schemas.OrchestrationState) { s.Context = schemas.CloneMap(ctx) }
}

// Manager owns the versioned state chains. Every version lives in an arena
// keyed by state id; a chain is walked through parent ids. Versions are
// persisted before they become visible.
type Manager struct {
	repo   schemas.StateRepository
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
	// arena holds every known version.
	arena map[string]schemas.OrchestrationState
	// successor maps a state id to the id of its next version. A pending
	// entry reserves the slot while the next version is being persisted.
	successor map[string]string
	// sessions lists the state ids seen per session.
	sessions map[string][]string
}

const pendingSuccessor = "\x00pending"

// Option configures a Manager.
type Option func(*Manager)

// WithBus publishes every persisted version as a state transition event.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a state manager persisting through repo.
func NewManager(repo schemas.StateRepository, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		repo:      repo,
		logger:    logger.Named("state_manager"),
		now:       time.Now,
		arena:     make(map[string]schemas.OrchestrationState),
		successor: make(map[string]string),
		sessions:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// timestamps are kept at the precision of the relational store so a
// recovered version hashes the same as the one that was written.
func (m *Manager) timestamp() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

func stateID(agent, session string, version int, createdAt time.Time) string {
	name := fmt.Sprintf("%s|%s|%d|%d", agent, session, version, createdAt.UnixNano())
	return uuid.NewSHA1(stateNamespace, []byte(name)).String()
}

// Create starts a new chain at version 1 with status CREATED.
func (m *Manager) Create(ctx context.Context, agentName, sessionID string, initial map[string]any, opts ...CreateOption) (schemas.OrchestrationState, error) {
	if agentName == "" || sessionID == "" {
		return schemas.OrchestrationState{}, fmt.Errorf("agent name and session id are required")
	}
	now := m.timestamp()
	st := schemas.OrchestrationState{
		Version:   1,
		Status:    schemas.StatusCreated,
		AgentName: agentName,
		SessionID: sessionID,
		Data:      schemas.CloneMap(initial),
		Context:   map[string]any{},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(&st)
	}
	st.StateID = stateID(agentName, sessionID, st.Version, now)
	st.Events = []schemas.StateEvent{{
		EventID:   uuid.NewString(),
		EventType: EventCreated,
		Timestamp: now,
		Actor:     agentName,
		Data:      map[string]any{"status": string(st.Status)},
	}}

	if err := m.commit(ctx, &st); err != nil {
		return schemas.OrchestrationState{}, err
	}

	m.mu.Lock()
	m.arena[st.StateID] = st
	m.sessions[sessionID] = append(m.sessions[sessionID], st.StateID)
	m.mu.Unlock()

	m.announce(ctx, st)
	return st.Clone(), nil
}

// Update derives, persists and returns the next version of stateID. The
// previous version is never modified. Only the newest version of a chain
// may be updated, and terminal versions accept no further transitions.
func (m *Manager) Update(ctx context.Context, stateID string, changes Changes, actor string) (schemas.OrchestrationState, error) {
	prev, err := m.reserve(ctx, stateID, false)
	if err != nil {
		return schemas.OrchestrationState{}, err
	}

	next := m.derive(prev, changes, actor)
	if err := m.commit(ctx, &next); err != nil {
		m.mu.Lock()
		delete(m.successor, prev.StateID)
		m.mu.Unlock()
		return schemas.OrchestrationState{}, err
	}

	m.mu.Lock()
	m.arena[next.StateID] = next
	m.successor[prev.StateID] = next.StateID
	m.sessions[next.SessionID] = append(m.sessions[next.SessionID], next.StateID)
	m.mu.Unlock()

	m.logger.Debug("State transition persisted.",
		zap.String("session_id", next.SessionID),
		zap.String("state_id", next.StateID),
		zap.Int("version", next.Version),
		zap.String("status", string(next.Status)),
		zap.String("actor", actor))

	m.announce(ctx, next)
	return next.Clone(), nil
}

// reserve returns the version to update and marks it as having a pending
// successor, so concurrent updates of the same version cannot fork the chain.
// Terminal versions are refused unless allowTerminal is set.
func (m *Manager) reserve(ctx context.Context, stateID string, allowTerminal bool) (schemas.OrchestrationState, error) {
	prev, err := m.Get(ctx, stateID)
	if err != nil {
		return schemas.OrchestrationState{}, err
	}
	if prev.Status.Terminal() && !allowTerminal {
		return schemas.OrchestrationState{}, fmt.Errorf("%w: %s is %s", ErrTerminalState, stateID, prev.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.successor[stateID]; taken {
		return schemas.OrchestrationState{}, fmt.Errorf("%w: %s", ErrStaleState, stateID)
	}
	m.successor[stateID] = pendingSuccessor
	return prev, nil
}

func (m *Manager) derive(prev schemas.OrchestrationState, c Changes, actor string) schemas.OrchestrationState {
	now := m.timestamp()
	next := prev.Clone()
	next.Version = prev.Version + 1
	next.ParentStateID = prev.StateID
	next.ParentHash = prev.ContentHash
	next.CreatedAt = now
	next.UpdatedAt = now
	next.StateID = stateID(prev.AgentName, prev.SessionID, next.Version, now)

	diff := make(map[string]any)
	if c.Status != "" && c.Status != prev.Status {
		diff["status"] = map[string]any{"from": string(prev.Status), "to": string(c.Status)}
		next.Status = c.Status
	}
	mergeInto(next.Data, c.Data, "data.", diff)
	mergeInto(next.Context, c.Context, "context.", diff)
	mergeInto(next.Metadata, c.Metadata, "metadata.", diff)
	for _, k := range c.Remove {
		if old, ok := next.Data[k]; ok {
			diff["data."+k] = map[string]any{"from": old, "to": nil}
			delete(next.Data, k)
		}
	}

	eventType := c.EventType
	if eventType == "" {
		eventType = EventUpdated
	}
	ev := schemas.StateEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: now,
		Actor:     actor,
		Data:      map[string]any{"diff": diff},
	}
	if len(c.EventData) > 0 {
		ev.Metadata = schemas.CloneMap(c.EventData)
	}
	next.Events = append(next.Events, ev)
	return next
}

func mergeInto(dst, src map[string]any, prefix string, diff map[string]any) {
	for k, v := range schemas.CloneMap(src) {
		old, existed := dst[k]
		if existed && reflect.DeepEqual(old, v) {
			continue
		}
		diff[prefix+k] = map[string]any{"from": old, "to": v}
		dst[k] = v
	}
}

// commit seals the content hash and persists the version.
func (m *Manager) commit(ctx context.Context, st *schemas.OrchestrationState) error {
	sum, err := Hash(*st)
	if err != nil {
		return err
	}
	st.ContentHash = sum
	if err := m.repo.SaveState(ctx, *st); err != nil {
		return fmt.Errorf("failed to persist state %s version %d: %w", st.StateID, st.Version, err)
	}
	return nil
}

func (m *Manager) announce(ctx context.Context, st schemas.OrchestrationState) {
	if m.bus == nil {
		return
	}
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := m.bus.Post(postCtx, events.TypeStateTransition, st.Clone()); err != nil {
		m.logger.Debug("State transition not announced.", zap.String("state_id", st.StateID), zap.Error(err))
	}
}

// Get returns a version by id, loading it from the repository on a miss.
func (m *Manager) Get(ctx context.Context, stateID string) (schemas.OrchestrationState, error) {
	m.mu.Lock()
	st, ok := m.arena[stateID]
	m.mu.Unlock()
	if ok {
		return st.Clone(), nil
	}

	loaded, err := m.repo.GetState(ctx, stateID)
	if err != nil {
		return schemas.OrchestrationState{}, fmt.Errorf("%w: %s: %v", ErrStateNotFound, stateID, err)
	}
	// Pull the whole session so successor links are known before an update.
	if _, err := m.Recover(ctx, loaded.SessionID); err != nil {
		return schemas.OrchestrationState{}, err
	}
	return loaded, nil
}

// History walks the chain ending at stateID back to its root and returns it
// in ascending version order.
func (m *Manager) History(ctx context.Context, stateID string) ([]schemas.OrchestrationState, error) {
	if _, err := m.Get(ctx, stateID); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var chain []schemas.OrchestrationState
	for id := stateID; id != ""; {
		st, ok := m.arena[id]
		if !ok {
			return nil, fmt.Errorf("%w: missing ancestor %s", ErrChainBroken, id)
		}
		chain = append(chain, st.Clone())
		id = st.ParentStateID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Recover loads every persisted version of a session, verifies the hash
// chains and rebuilds the arena. Versions are returned in ascending order.
func (m *Manager) Recover(ctx context.Context, sessionID string) ([]schemas.OrchestrationState, error) {
	states, err := m.repo.ListSessionStates(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if len(states) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := VerifyChain(states); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	sortHistory(states)

	m.mu.Lock()
	ids := make([]string, 0, len(states))
	for _, st := range states {
		m.arena[st.StateID] = st
		if st.ParentStateID != "" {
			m.successor[st.ParentStateID] = st.StateID
		}
		ids = append(ids, st.StateID)
	}
	m.sessions[sessionID] = ids
	m.mu.Unlock()

	m.logger.Info("Session recovered.", zap.String("session_id", sessionID), zap.Int("versions", len(states)))

	out := make([]schemas.OrchestrationState, len(states))
	for i := range states {
		out[i] = states[i].Clone()
	}
	return out, nil
}

// Latest returns the newest version of the chain containing stateID.
func (m *Manager) Latest(ctx context.Context, stateID string) (schemas.OrchestrationState, error) {
	if _, err := m.Get(ctx, stateID); err != nil {
		return schemas.OrchestrationState{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := stateID
	for {
		next, ok := m.successor[id]
		if !ok || next == pendingSuccessor {
			break
		}
		id = next
	}
	return m.arena[id].Clone(), nil
}

// Rollback appends a ROLLED_BACK version to the chain of stateID whose data
// and context are restored from the given earlier version. History is kept.
// stateID must be the newest version of its chain; it may be terminal, so
// finished, failed and already rolled back runs can be restored too.
func (m *Manager) Rollback(ctx context.Context, stateID string, toVersion int, actor string) (schemas.OrchestrationState, error) {
	chain, err := m.History(ctx, stateID)
	if err != nil {
		return schemas.OrchestrationState{}, err
	}
	var target *schemas.OrchestrationState
	for i := range chain {
		if chain[i].Version == toVersion {
			target = &chain[i]
			break
		}
	}
	if target == nil {
		return schemas.OrchestrationState{}, fmt.Errorf("%w: version %d of %s", ErrVersionNotFound, toVersion, stateID)
	}

	prev, err := m.reserve(ctx, stateID, true)
	if err != nil {
		return schemas.OrchestrationState{}, err
	}
	next := m.derive(prev, Changes{
		Status:    schemas.StatusRolledBack,
		EventType: EventRolledBack,
		EventData: map[string]any{"restored_version": toVersion, "restored_state_id": target.StateID},
	}, actor)
	next.Data = schemas.CloneMap(target.Data)
	next.Context = schemas.CloneMap(target.Context)

	if err := m.commit(ctx, &next); err != nil {
		m.mu.Lock()
		delete(m.successor, prev.StateID)
		m.mu.Unlock()
		return schemas.OrchestrationState{}, err
	}

	m.mu.Lock()
	m.arena[next.StateID] = next
	m.successor[prev.StateID] = next.StateID
	m.sessions[next.SessionID] = append(m.sessions[next.SessionID], next.StateID)
	m.mu.Unlock()

	m.logger.Info("State rolled back.", zap.String("state_id", next.StateID), zap.Int("restored_version", toVersion))
	m.announce(ctx, next)
	return next.Clone(), nil
}

// Forget drops a session from the arena. Persisted history is untouched.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.sessions[sessionID] {
		delete(m.arena, id)
		delete(m.successor, id)
	}
	delete(m.sessions, sessionID)
}
