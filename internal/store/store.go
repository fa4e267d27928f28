package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
)

var (
	// ErrStateNotFound is returned when no state version has the requested id.
	ErrStateNotFound = errors.New("state not found")
	// ErrStateExists is returned when a state id is inserted twice. The table is append-only.
	ErrStateExists = errors.New("state version already exists")
	// ErrPatternNotFound is returned when no pattern has the requested id.
	ErrPatternNotFound = errors.New("pattern not found")
)

const uniqueViolation = "23505"

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL implementation of the state and pattern repositories.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ schemas.StateRepository   = (*Store)(nil)
	_ schemas.PatternRepository = (*Store)(nil)
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// -- Orchestration States --

const sqlInsertState = `
        INSERT INTO orchestration_states (
            state_id, version, status, agent_name, session_id, user_id,
            data, context, metadata, events,
            parent_state_id, parent_hash, content_hash, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
    `

const sqlSelectStateColumns = `
        SELECT state_id, version, status, agent_name, session_id, COALESCE(user_id, ''),
               data, context, metadata, events,
               COALESCE(parent_state_id, ''), COALESCE(parent_hash, ''), content_hash, created_at, updated_at
        FROM orchestration_states
    `

// SaveState inserts one new state version. Existing rows are never updated.
func (s *Store) SaveState(ctx context.Context, st schemas.OrchestrationState) error {
	data, err := jsonColumn(st.Data)
	if err != nil {
		return fmt.Errorf("failed to encode state data: %w", err)
	}
	stateCtx, err := jsonColumn(st.Context)
	if err != nil {
		return fmt.Errorf("failed to encode state context: %w", err)
	}
	metadata, err := jsonColumn(st.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode state metadata: %w", err)
	}
	events, err := json.Marshal(st.Events)
	if err != nil {
		return fmt.Errorf("failed to encode state events: %w", err)
	}
	if st.Events == nil {
		events = []byte("[]")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	_, err = tx.Exec(ctx, sqlInsertState,
		st.StateID, st.Version, string(st.Status), st.AgentName, st.SessionID, nullIfEmpty(st.UserID),
		data, stateCtx, metadata, events,
		nullIfEmpty(st.ParentStateID), nullIfEmpty(st.ParentHash), st.ContentHash,
		st.CreatedAt.UTC(), st.UpdatedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrStateExists, st.StateID)
		}
		return fmt.Errorf("failed to insert state %s: %w", st.StateID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetState loads one state version by id.
func (s *Store) GetState(ctx context.Context, stateID string) (schemas.OrchestrationState, error) {
	row := s.pool.QueryRow(ctx, sqlSelectStateColumns+" WHERE state_id = $1;", stateID)
	st, err := scanState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.OrchestrationState{}, fmt.Errorf("%w: %s", ErrStateNotFound, stateID)
	}
	if err != nil {
		return schemas.OrchestrationState{}, fmt.Errorf("failed to load state %s: %w", stateID, err)
	}
	return st, nil
}

// ListSessionStates returns every version of a session, oldest first.
func (s *Store) ListSessionStates(ctx context.Context, sessionID string) ([]schemas.OrchestrationState, error) {
	rows, err := s.pool.Query(ctx, sqlSelectStateColumns+" WHERE session_id = $1 ORDER BY version ASC, created_at ASC;", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session states: %w", err)
	}
	defer rows.Close()

	var states []schemas.OrchestrationState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state row: %w", err)
		}
		states = append(states, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return states, nil
}

func scanState(row pgx.Row) (schemas.OrchestrationState, error) {
	var (
		st                                    schemas.OrchestrationState
		status                                string
		data, stateCtx, metadata, eventsBytes []byte
	)
	err := row.Scan(
		&st.StateID, &st.Version, &status, &st.AgentName, &st.SessionID, &st.UserID,
		&data, &stateCtx, &metadata, &eventsBytes,
		&st.ParentStateID, &st.ParentHash, &st.ContentHash, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		return st, err
	}
	st.Status = schemas.StateStatus(status)

	if st.Data, err = decodeObject(data); err != nil {
		return st, fmt.Errorf("corrupt data column: %w", err)
	}
	if st.Context, err = decodeObject(stateCtx); err != nil {
		return st, fmt.Errorf("corrupt context column: %w", err)
	}
	if st.Metadata, err = decodeObject(metadata); err != nil {
		return st, fmt.Errorf("corrupt metadata column: %w", err)
	}
	if len(eventsBytes) > 0 {
		if err := json.Unmarshal(eventsBytes, &st.Events); err != nil {
			return st, fmt.Errorf("corrupt events column: %w", err)
		}
	}
	if st.Events == nil {
		st.Events = []schemas.StateEvent{}
	}
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// -- Learned Patterns --

const sqlSelectPatternColumns = `
        SELECT pattern_id, pattern_type, original_query, COALESCE(corrected_query, ''),
               COALESCE(original_intent, ''), correct_intent, confidence_threshold,
               usage_count, success_count
        FROM learned_patterns
    `

// ListPatterns returns every active pattern ordered by id.
func (s *Store) ListPatterns(ctx context.Context) ([]schemas.LearnedPattern, error) {
	rows, err := s.pool.Query(ctx, sqlSelectPatternColumns+" WHERE active ORDER BY pattern_id ASC;")
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []schemas.LearnedPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern row: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return patterns, nil
}

// GetPattern loads one active pattern.
func (s *Store) GetPattern(ctx context.Context, patternID int64) (schemas.LearnedPattern, error) {
	row := s.pool.QueryRow(ctx, sqlSelectPatternColumns+" WHERE pattern_id = $1 AND active;", patternID)
	p, err := scanPattern(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return schemas.LearnedPattern{}, fmt.Errorf("%w: %d", ErrPatternNotFound, patternID)
	}
	if err != nil {
		return schemas.LearnedPattern{}, fmt.Errorf("failed to load pattern %d: %w", patternID, err)
	}
	return p, nil
}

const sqlInsertPattern = `
        INSERT INTO learned_patterns (
            pattern_type, original_query, corrected_query, original_intent,
            correct_intent, confidence_threshold, usage_count, success_count, active
        )
        VALUES ($1, $2, $3, $4, $5, $6, 0, 0, TRUE)
        RETURNING pattern_id;
    `

// InsertPattern stores a candidate pattern and returns its generated id.
func (s *Store) InsertPattern(ctx context.Context, p schemas.LearnedPattern) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, sqlInsertPattern,
		string(p.PatternType), p.OriginalQuery, nullIfEmpty(p.CorrectedQuery), nullIfEmpty(p.OriginalIntent),
		p.CorrectIntent, p.ConfidenceThreshold,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pattern: %w", err)
	}
	s.log.Debug("Stored learned pattern.", zap.Int64("pattern_id", id), zap.String("intent", p.CorrectIntent))
	return id, nil
}

const sqlRecordPatternUsage = `
        UPDATE learned_patterns
        SET usage_count = usage_count + 1,
            success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END
        WHERE pattern_id = $1;
    `

// RecordPatternUsage bumps the usage counters of a pattern.
func (s *Store) RecordPatternUsage(ctx context.Context, patternID int64, success bool) error {
	tag, err := s.pool.Exec(ctx, sqlRecordPatternUsage, patternID, success)
	if err != nil {
		return fmt.Errorf("failed to record usage of pattern %d: %w", patternID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrPatternNotFound, patternID)
	}
	return nil
}

func scanPattern(row pgx.Row) (schemas.LearnedPattern, error) {
	var (
		p   schemas.LearnedPattern
		typ string
	)
	err := row.Scan(
		&p.PatternID, &typ, &p.OriginalQuery, &p.CorrectedQuery,
		&p.OriginalIntent, &p.CorrectIntent, &p.ConfidenceThreshold,
		&p.UsageCount, &p.SuccessCount,
	)
	p.PatternType = schemas.PatternType(typ)
	return p, err
}

// -- Helpers --

func jsonColumn(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func decodeObject(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 || string(b) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
