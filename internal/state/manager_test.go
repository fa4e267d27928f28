package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/events"
	"github.com/xkilldash9x/querycore/internal/store"
)

// tickingClock advances by one millisecond on every read so consecutive
// versions get distinct creation instants.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestManager(t *testing.T, repo schemas.StateRepository, opts ...Option) *Manager {
	t.Helper()
	clock := &tickingClock{t: time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewManager(repo, zaptest.NewLogger(t), opts...)
}

// failingRepo rejects writes after the first n.
type failingRepo struct {
	*store.Memory
	mu    sync.Mutex
	allow int
}

func (r *failingRepo) SaveState(ctx context.Context, st schemas.OrchestrationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allow == 0 {
		return errors.New("disk full")
	}
	r.allow--
	return r.Memory.SaveState(ctx, st)
}

// tamperingRepo edits states on the way out.
type tamperingRepo struct {
	*store.Memory
	mutate func([]schemas.OrchestrationState)
}

func (r *tamperingRepo) ListSessionStates(ctx context.Context, sessionID string) ([]schemas.OrchestrationState, error) {
	states, err := r.Memory.ListSessionStates(ctx, sessionID)
	if err == nil {
		r.mutate(states)
	}
	return states, err
}

func TestCreate(t *testing.T) {
	repo := store.NewMemory()
	m := newTestManager(t, repo)

	st, err := m.Create(context.Background(), "engine", "sess-1", map[string]any{"query": "revenue"}, WithUser("u-7"))
	require.NoError(t, err)

	assert.Equal(t, 1, st.Version)
	assert.Equal(t, schemas.StatusCreated, st.Status)
	assert.Equal(t, "u-7", st.UserID)
	assert.Empty(t, st.ParentStateID)
	assert.Empty(t, st.ParentHash)
	assert.NotEmpty(t, st.ContentHash)
	require.Len(t, st.Events, 1)
	assert.Equal(t, EventCreated, st.Events[0].EventType)
	assert.Equal(t, st.CreatedAt.Truncate(time.Microsecond), st.CreatedAt, "timestamps carry microsecond precision")

	stored, err := repo.GetState(context.Background(), st.StateID)
	require.NoError(t, err)
	assert.Equal(t, st.ContentHash, stored.ContentHash)

	_, err = m.Create(context.Background(), "", "sess-1", nil)
	assert.Error(t, err)
}

func TestUpdate_IncrementsVersionAndLinksParent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	v1, err := m.Create(ctx, "engine", "sess-1", map[string]any{"query": "revenue"})
	require.NoError(t, err)

	v2, err := m.Update(ctx, v1.StateID, Changes{
		Status: schemas.StatusInProgress,
		Data:   map[string]any{"category": "finance"},
	}, "classifier")
	require.NoError(t, err)

	assert.Equal(t, v1.Version+1, v2.Version)
	assert.Equal(t, v1.StateID, v2.ParentStateID)
	assert.Equal(t, v1.ContentHash, v2.ParentHash)
	assert.NotEqual(t, v1.StateID, v2.StateID)
	assert.Equal(t, schemas.StatusInProgress, v2.Status)
	assert.Equal(t, "finance", v2.Data["category"])
	assert.Equal(t, "revenue", v2.Data["query"])

	require.Len(t, v2.Events, len(v1.Events)+1, "every update appends exactly one event")
	last, _ := v2.LastEvent()
	assert.Equal(t, "classifier", last.Actor)
	assert.Equal(t, EventUpdated, last.EventType)
	diff := last.Data["diff"].(map[string]any)
	assert.Contains(t, diff, "status")
	assert.Contains(t, diff, "data.category")
	assert.NotContains(t, diff, "data.query", "unchanged keys are not part of the diff")

	// the earlier version is untouched
	again, err := m.Get(ctx, v1.StateID)
	require.NoError(t, err)
	assert.Equal(t, v1, again)
}

func TestUpdate_CallerMapsAreNotAliased(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	initial := map[string]any{"n": 1}
	v1, err := m.Create(ctx, "engine", "sess", initial)
	require.NoError(t, err)
	initial["n"] = 2

	changes := map[string]any{"nested": map[string]any{"k": "v"}}
	v2, err := m.Update(ctx, v1.StateID, Changes{Data: changes}, "a")
	require.NoError(t, err)
	changes["nested"].(map[string]any)["k"] = "mutated"

	got, err := m.Get(ctx, v2.StateID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Data["n"])
	assert.Equal(t, "v", got.Data["nested"].(map[string]any)["k"])
}

func TestUpdate_Remove(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())
	v1, err := m.Create(ctx, "engine", "sess", map[string]any{"draft": "x", "keep": true})
	require.NoError(t, err)

	v2, err := m.Update(ctx, v1.StateID, Changes{Remove: []string{"draft", "absent"}}, "a")
	require.NoError(t, err)
	assert.NotContains(t, v2.Data, "draft")
	assert.Contains(t, v2.Data, "keep")
}

func TestUpdate_RejectsTerminalAndStale(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	v1, err := m.Create(ctx, "engine", "sess", nil)
	require.NoError(t, err)
	v2, err := m.Update(ctx, v1.StateID, Changes{Status: schemas.StatusInProgress}, "a")
	require.NoError(t, err)

	_, err = m.Update(ctx, v1.StateID, Changes{Data: map[string]any{"x": 1}}, "a")
	assert.ErrorIs(t, err, ErrStaleState, "an old version cannot be branched")

	v3, err := m.Update(ctx, v2.StateID, Changes{Status: schemas.StatusCompleted}, "a")
	require.NoError(t, err)

	_, err = m.Update(ctx, v3.StateID, Changes{Data: map[string]any{"x": 1}}, "a")
	assert.ErrorIs(t, err, ErrTerminalState)

	_, err = m.Update(ctx, "missing", Changes{}, "a")
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestUpdate_ConcurrentUpdatesOfOneVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())
	v1, err := m.Create(ctx, "engine", "sess", nil)
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Update(ctx, v1.StateID, Changes{Data: map[string]any{"i": i}}, "racer")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrStaleState)
	}
	assert.Equal(t, 1, succeeded, "exactly one successor per version")
}

func TestUpdate_PersistFailureLeavesChainUsable(t *testing.T) {
	ctx := context.Background()
	repo := &failingRepo{Memory: store.NewMemory(), allow: 1}
	m := newTestManager(t, repo)

	v1, err := m.Create(ctx, "engine", "sess", nil)
	require.NoError(t, err)

	_, err = m.Update(ctx, v1.StateID, Changes{Status: schemas.StatusInProgress}, "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	latest, err := m.Latest(ctx, v1.StateID)
	require.NoError(t, err)
	assert.Equal(t, v1.StateID, latest.StateID, "a failed write is not visible")

	repo.mu.Lock()
	repo.allow = 1
	repo.mu.Unlock()
	_, err = m.Update(ctx, v1.StateID, Changes{Status: schemas.StatusInProgress}, "a")
	assert.NoError(t, err, "the reservation is released after a failed write")
}

func TestRecover_ReplaysChainInOrder(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	m := newTestManager(t, repo)

	const updates = 5
	cur, err := m.Create(ctx, "engine", "sess-r", map[string]any{"step": 0})
	require.NoError(t, err)
	written := []schemas.OrchestrationState{cur}
	for i := 1; i <= updates; i++ {
		cur, err = m.Update(ctx, cur.StateID, Changes{Data: map[string]any{"step": i}}, "worker")
		require.NoError(t, err)
		written = append(written, cur)
	}

	// A fresh manager simulates a restart.
	restarted := newTestManager(t, repo)
	recovered, err := restarted.Recover(ctx, "sess-r")
	require.NoError(t, err)
	require.Len(t, recovered, updates+1)

	for i := range recovered {
		assert.Equal(t, i+1, recovered[i].Version)
	}
	if diff := cmp.Diff(written, recovered); diff != "" {
		t.Errorf("recovered history differs (-written +recovered):\n%s", diff)
	}

	next, err := restarted.Update(ctx, cur.StateID, Changes{Status: schemas.StatusCompleted}, "worker")
	require.NoError(t, err)
	assert.Equal(t, updates+2, next.Version)
}

func TestRecover_UnknownSession(t *testing.T) {
	m := newTestManager(t, store.NewMemory())
	_, err := m.Recover(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRecover_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	m := newTestManager(t, mem)
	v1, err := m.Create(ctx, "engine", "sess-t", map[string]any{"amount": 10})
	require.NoError(t, err)
	_, err = m.Update(ctx, v1.StateID, Changes{Data: map[string]any{"amount": 20}}, "a")
	require.NoError(t, err)

	repo := &tamperingRepo{Memory: mem, mutate: func(states []schemas.OrchestrationState) {
		states[0].Data["amount"] = 1_000_000
	}}
	_, err = newTestManager(t, repo).Recover(ctx, "sess-t")
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestGet_LoadsFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	first := newTestManager(t, repo)
	v1, err := first.Create(ctx, "engine", "sess-g", nil)
	require.NoError(t, err)
	v2, err := first.Update(ctx, v1.StateID, Changes{Status: schemas.StatusInProgress}, "a")
	require.NoError(t, err)

	second := newTestManager(t, repo)
	_, err = second.Update(ctx, v1.StateID, Changes{}, "a")
	assert.ErrorIs(t, err, ErrStaleState, "successor links are restored from the repository")

	latest, err := second.Latest(ctx, v1.StateID)
	require.NoError(t, err)
	assert.Equal(t, v2.StateID, latest.StateID)
}

func TestHistoryAndRollback(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	v1, err := m.Create(ctx, "engine", "sess-h", map[string]any{"answer": "draft"})
	require.NoError(t, err)
	v2, err := m.Update(ctx, v1.StateID, Changes{Status: schemas.StatusInProgress, Data: map[string]any{"answer": "wrong"}}, "synth")
	require.NoError(t, err)

	history, err := m.History(ctx, v2.StateID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, v1.StateID, history[0].StateID)

	rb, err := m.Rollback(ctx, v2.StateID, 1, "operator")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusRolledBack, rb.Status)
	assert.Equal(t, 3, rb.Version)
	assert.Equal(t, "draft", rb.Data["answer"])
	last, _ := rb.LastEvent()
	assert.Equal(t, EventRolledBack, last.EventType)
	assert.Equal(t, 1, last.Metadata["restored_version"])

	_, err = m.Rollback(ctx, v2.StateID, 1, "operator")
	assert.ErrorIs(t, err, ErrStaleState, "only the newest version can be rolled back")

	again, err := m.Rollback(ctx, rb.StateID, 2, "operator")
	require.NoError(t, err, "a rolled back chain can be restored again")
	assert.Equal(t, 4, again.Version)
	assert.Equal(t, "wrong", again.Data["answer"])

	v1b, err := m.Create(ctx, "engine", "sess-h", nil)
	require.NoError(t, err)
	_, err = m.Rollback(ctx, v1b.StateID, 7, "operator")
	assert.ErrorIs(t, err, ErrVersionNotFound)

	all, err := newTestManager(t, m.repo).Recover(ctx, "sess-h")
	require.NoError(t, err)
	assert.Len(t, all, 5, "two chains share the session")
}

func TestRollback_FinishedRun(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, store.NewMemory())

	v1, err := m.Create(ctx, "engine", "sess-done", map[string]any{"answer": "draft"})
	require.NoError(t, err)
	v2, err := m.Update(ctx, v1.StateID, Changes{Status: schemas.StatusInProgress, Data: map[string]any{"answer": "checked"}}, "synth")
	require.NoError(t, err)
	done, err := m.Update(ctx, v2.StateID, Changes{Status: schemas.StatusCompleted, Data: map[string]any{"answer": "final"}}, "feedback")
	require.NoError(t, err)

	_, err = m.Update(ctx, done.StateID, Changes{Data: map[string]any{"answer": "late"}}, "synth")
	require.ErrorIs(t, err, ErrTerminalState, "updates still stop at a terminal version")

	rb, err := m.Rollback(ctx, done.StateID, 2, "operator")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusRolledBack, rb.Status)
	assert.Equal(t, 4, rb.Version)
	assert.Equal(t, done.StateID, rb.ParentStateID)
	assert.Equal(t, "checked", rb.Data["answer"])

	chain, err := newTestManager(t, m.repo).Recover(ctx, "sess-done")
	require.NoError(t, err)
	require.Len(t, chain, 4)
	assert.Equal(t, schemas.StatusCompleted, chain[2].Status, "the finished version is kept")
}

func TestForget(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemory()
	m := newTestManager(t, repo)
	v1, err := m.Create(ctx, "engine", "sess-f", nil)
	require.NoError(t, err)

	m.Forget("sess-f")
	m.mu.Lock()
	_, cached := m.arena[v1.StateID]
	m.mu.Unlock()
	assert.False(t, cached)

	got, err := m.Get(ctx, v1.StateID)
	require.NoError(t, err)
	assert.Equal(t, v1.ContentHash, got.ContentHash)
}

func TestTransitionsAreAnnounced(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(zaptest.NewLogger(t), 4)
	defer bus.Shutdown()
	ch, unsubscribe := bus.Subscribe(events.TypeStateTransition)
	defer unsubscribe()

	m := newTestManager(t, store.NewMemory(), WithBus(bus))
	v1, err := m.Create(ctx, "engine", "sess-b", nil)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		st := ev.Payload.(schemas.OrchestrationState)
		assert.Equal(t, v1.StateID, st.StateID)
		bus.Acknowledge(ev)
	case <-time.After(time.Second):
		t.Fatal("transition not announced")
	}
}
