package schemas

import "context"

// -- Store Interfaces --

// StateRepository is the durable, append-only home of orchestration states.
// Implementations never update a stored version; every transition is an insert.
type StateRepository interface {
	// SaveState persists one new state version.
	SaveState(ctx context.Context, state OrchestrationState) error
	// GetState loads a single version by its id.
	GetState(ctx context.Context, stateID string) (OrchestrationState, error)
	// ListSessionStates returns every version of a session in ascending version order.
	ListSessionStates(ctx context.Context, sessionID string) ([]OrchestrationState, error)
}

// PatternRepository stores learned routing patterns.
type PatternRepository interface {
	// ListPatterns returns every active pattern.
	ListPatterns(ctx context.Context) ([]LearnedPattern, error)
	// GetPattern loads one pattern by id.
	GetPattern(ctx context.Context, patternID int64) (LearnedPattern, error)
	// InsertPattern stores a new candidate pattern and returns its id.
	InsertPattern(ctx context.Context, p LearnedPattern) (int64, error)
	// RecordPatternUsage bumps the usage counter and, on success, the success counter.
	RecordPatternUsage(ctx context.Context, patternID int64, success bool) error
}

// -- Orchestrator Interface --

// Orchestrator runs the fixed query pipeline.
type Orchestrator interface {
	// Process runs one query through the pipeline. It always returns a result
	// carrying a user-safe response, even when the run failed.
	Process(ctx context.Context, query, sessionID string, reqCtx RequestContext) *ProcessResult
	// Cancel aborts the in-flight run of a session, if any.
	Cancel(sessionID string) bool
}

// -- Tool Interface --

// Tool is one data source invoked during the tool-execution stage. It must
// honor ctx cancellation; the orchestrator bounds every call with a timeout.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, query string, reqCtx RequestContext) (any, error)
}
