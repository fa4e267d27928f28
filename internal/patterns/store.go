// internal/patterns/store.go
package patterns

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/events"
	"github.com/xkilldash9x/querycore/internal/observability"
	"github.com/xkilldash9x/querycore/internal/store"
)

// ErrUnknownAction is returned for reload signals with an action other than reload.
var ErrUnknownAction = errors.New("unknown reload action")

// Store serves the learned pattern table to the classifier and keeps it in
// step with the repository.
type Store struct {
	repo   schemas.PatternRepository
	table  atomic.Pointer[Table]
	logger *zap.Logger
}

// NewStore creates a store with an empty table. Call Reload to populate it.
func NewStore(repo schemas.PatternRepository, logger *zap.Logger) *Store {
	s := &Store{repo: repo, logger: logger.Named("pattern_store")}
	s.table.Store(NewTable(nil))
	return s
}

// Table returns the current snapshot.
func (s *Store) Table() *Table { return s.table.Load() }

// Match resolves query against the current snapshot.
func (s *Store) Match(query string) (schemas.LearnedPattern, bool) {
	if s == nil {
		return schemas.LearnedPattern{}, false
	}
	return s.table.Load().Match(query)
}

// Reload replaces the table with every active pattern from the repository.
// On failure the previous table stays in service.
func (s *Store) Reload(ctx context.Context) error {
	list, err := s.repo.ListPatterns(ctx)
	if err != nil {
		observability.PatternReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load learned patterns: %w", err)
	}
	s.table.Store(NewTable(list))
	observability.PatternReloads.WithLabelValues("full").Inc()
	s.logger.Info("Pattern table reloaded.", zap.Int("patterns", len(list)))
	return nil
}

// ReloadPattern refreshes a single pattern. A pattern that no longer exists
// is dropped from the table.
func (s *Store) ReloadPattern(ctx context.Context, id int64) error {
	p, err := s.repo.GetPattern(ctx, id)
	if errors.Is(err, store.ErrPatternNotFound) {
		s.swap(func(t *Table) *Table { return t.without(id) })
		observability.PatternReloads.WithLabelValues("removed").Inc()
		return nil
	}
	if err != nil {
		observability.PatternReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load pattern %d: %w", id, err)
	}
	s.swap(func(t *Table) *Table { return t.with(p) })
	observability.PatternReloads.WithLabelValues("single").Inc()
	s.logger.Debug("Pattern reloaded.", zap.Int64("pattern_id", id), zap.String("intent", p.CorrectIntent))
	return nil
}

// swap applies a copy-on-write update, retrying if another reload won the race.
func (s *Store) swap(update func(*Table) *Table) {
	for {
		cur := s.table.Load()
		if s.table.CompareAndSwap(cur, update(cur)) {
			return
		}
	}
}

// HandleSignal applies a reload signal received from the reload channel.
func (s *Store) HandleSignal(ctx context.Context, sig schemas.ReloadSignal) error {
	if sig.Action != schemas.ReloadAction {
		return fmt.Errorf("%w: %q", ErrUnknownAction, sig.Action)
	}
	if sig.PatternID == nil {
		return s.Reload(ctx)
	}
	return s.ReloadPattern(ctx, *sig.PatternID)
}

// Learn records a new exact pattern mapping query to intent and returns its id.
// The table is not touched; callers publish a reload signal.
func (s *Store) Learn(ctx context.Context, query, intent string, confidence float64) (int64, error) {
	id, err := s.repo.InsertPattern(ctx, schemas.LearnedPattern{
		PatternType:         schemas.PatternExact,
		OriginalQuery:       query,
		CorrectIntent:       intent,
		ConfidenceThreshold: confidence,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to learn pattern: %w", err)
	}
	s.logger.Info("Learned pattern.", zap.Int64("pattern_id", id), zap.String("intent", intent), zap.Float64("confidence", confidence))
	return id, nil
}

// RecordUsage bumps the usage counters of a pattern.
func (s *Store) RecordUsage(ctx context.Context, id int64, success bool) error {
	return s.repo.RecordPatternUsage(ctx, id, success)
}

// Watch applies reload signals posted on the bus until ctx is done or the
// bus shuts down.
func (s *Store) Watch(ctx context.Context, bus *events.Bus) {
	ch, unsubscribe := bus.Subscribe(events.TypePatternReload)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if sig, ok := ev.Payload.(schemas.ReloadSignal); ok {
				if err := s.HandleSignal(ctx, sig); err != nil {
					s.logger.Warn("Reload signal failed.", zap.Error(err))
				}
			}
			bus.Acknowledge(ev)
		}
	}
}
