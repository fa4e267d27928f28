package mocks_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/mocks"
)

// Compile-time checks that the mocks satisfy the contracts.
var (
	_ schemas.LLMClient         = (*mocks.MockLLMClient)(nil)
	_ schemas.Embedder          = (*mocks.MockEmbedder)(nil)
	_ schemas.StateRepository   = (*mocks.MockStateRepository)(nil)
	_ schemas.PatternRepository = (*mocks.MockPatternRepository)(nil)
	_ schemas.Tool              = (*mocks.MockTool)(nil)
	_ schemas.Orchestrator      = (*mocks.MockOrchestrator)(nil)
)

func TestMockLLMClient_Generate(t *testing.T) {
	client := mocks.NewMockLLMClient("primary")
	req := schemas.GenerationRequest{UserPrompt: "hi"}
	client.On("Generate", mock.Anything, req).Return(schemas.Generation{Text: "ok"}, nil).Once()

	gen, err := client.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ok", gen.Text)
	assert.Equal(t, "primary", client.Name())
	assert.NoError(t, client.Close())
	client.AssertExpectations(t)
}

func TestMockLLMClient_CancelledContext(t *testing.T) {
	client := mocks.NewMockLLMClient("primary")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Generate(ctx, schemas.GenerationRequest{})
	assert.True(t, errors.Is(err, context.Canceled))
	client.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}
