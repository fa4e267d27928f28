// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/xkilldash9x/querycore/api/schemas"
)

// -- LLM Client Mock --

// MockLLMClient mocks the schemas.LLMClient interface.
type MockLLMClient struct {
	mock.Mock
	name string
}

// NewMockLLMClient returns a mock that reports name from Name() without
// needing an expectation for it.
func NewMockLLMClient(name string) *MockLLMClient {
	return &MockLLMClient{name: name}
}

func (m *MockLLMClient) Name() string {
	if m.name != "" {
		return m.name
	}
	return m.Called().String(0)
}

// Generate provides a mock function for LLM calls.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.Generation, error) {
	select {
	case <-ctx.Done():
		return schemas.Generation{}, ctx.Err()
	default:
	}
	args := m.Called(ctx, req)
	gen, _ := args.Get(0).(schemas.Generation)
	return gen, args.Error(1)
}

// Close is a no-op; the clients under test hold no resources.
func (m *MockLLMClient) Close() error { return nil }

// -- Embedder Mock --

// MockEmbedder mocks the schemas.Embedder interface.
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// -- Store Mocks --

// MockStateRepository mocks the schemas.StateRepository interface.
type MockStateRepository struct {
	mock.Mock
}

func (m *MockStateRepository) SaveState(ctx context.Context, state schemas.OrchestrationState) error {
	return m.Called(ctx, state).Error(0)
}

func (m *MockStateRepository) GetState(ctx context.Context, stateID string) (schemas.OrchestrationState, error) {
	args := m.Called(ctx, stateID)
	st, _ := args.Get(0).(schemas.OrchestrationState)
	return st, args.Error(1)
}

func (m *MockStateRepository) ListSessionStates(ctx context.Context, sessionID string) ([]schemas.OrchestrationState, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.OrchestrationState), args.Error(1)
}

// MockPatternRepository mocks the schemas.PatternRepository interface.
type MockPatternRepository struct {
	mock.Mock
}

func (m *MockPatternRepository) ListPatterns(ctx context.Context) ([]schemas.LearnedPattern, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.LearnedPattern), args.Error(1)
}

func (m *MockPatternRepository) GetPattern(ctx context.Context, patternID int64) (schemas.LearnedPattern, error) {
	args := m.Called(ctx, patternID)
	p, _ := args.Get(0).(schemas.LearnedPattern)
	return p, args.Error(1)
}

func (m *MockPatternRepository) InsertPattern(ctx context.Context, p schemas.LearnedPattern) (int64, error) {
	args := m.Called(ctx, p)
	id, _ := args.Get(0).(int64)
	return id, args.Error(1)
}

func (m *MockPatternRepository) RecordPatternUsage(ctx context.Context, patternID int64, success bool) error {
	return m.Called(ctx, patternID, success).Error(0)
}

// -- Tool Mock --

// MockTool mocks the schemas.Tool interface.
type MockTool struct {
	mock.Mock
	name string
}

// NewMockTool returns a mock tool with a fixed name.
func NewMockTool(name string) *MockTool {
	return &MockTool{name: name}
}

func (m *MockTool) Name() string { return m.name }

func (m *MockTool) Invoke(ctx context.Context, query string, reqCtx schemas.RequestContext) (any, error) {
	args := m.Called(ctx, query, reqCtx)
	return args.Get(0), args.Error(1)
}

// -- Orchestrator Mock --

// MockOrchestrator is a mock implementation of the schemas.Orchestrator interface.
type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) Process(ctx context.Context, query, sessionID string, reqCtx schemas.RequestContext) *schemas.ProcessResult {
	args := m.Called(ctx, query, sessionID, reqCtx)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*schemas.ProcessResult)
}

func (m *MockOrchestrator) Cancel(sessionID string) bool {
	return m.Called(sessionID).Bool(0)
}
