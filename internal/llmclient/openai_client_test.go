package llmclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

func setupOpenAIClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := getValidProviderConfig()
	cfg.Provider = config.ProviderOpenAI
	cfg.Endpoint = server.URL
	client, err := NewOpenAIClient(cfg, setupTestLogger(t))
	require.NoError(t, err)
	return client
}

func TestOpenAIGenerate_Success(t *testing.T) {
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		var req openAIRequest
		assert.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	})

	req := createTestRequest()
	req.Options.ForceJSONFormat = true
	gen, err := client.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, gen.Text)
	assert.Equal(t, 15, gen.TotalTokens)
	assert.InDelta(t, 0.03, gen.Cost, 1e-9)
}

func TestOpenAIGenerate_Errors(t *testing.T) {
	t.Run("rate limited", func(t *testing.T) {
		client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		})
		_, err := client.Generate(context.Background(), createTestRequest())
		requireProviderError(t, err, schemas.ErrorRateLimit)
	})

	t.Run("content filter", func(t *testing.T) {
		client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"x"},"finish_reason":"content_filter"}]}`))
		})
		_, err := client.Generate(context.Background(), createTestRequest())
		requireProviderError(t, err, schemas.ErrorValidation)
	})

	t.Run("empty completion", func(t *testing.T) {
		client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"choices":[]}`))
		})
		_, err := client.Generate(context.Background(), createTestRequest())
		requireProviderError(t, err, schemas.ErrorAPI)
	})
}

func TestNewOpenAIClient_RequiresModel(t *testing.T) {
	cfg := getValidProviderConfig()
	cfg.Model = ""
	_, err := NewOpenAIClient(cfg, setupTestLogger(t))
	assert.Error(t, err)
}

func TestOpenAIBuildRequest_Temperature(t *testing.T) {
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {})

	req := createTestRequest()
	assert.InDelta(t, 0.2, client.buildRequest(req).Temperature, 1e-9)

	req.Options.Temperature = 0
	assert.InDelta(t, 0.7, client.buildRequest(req).Temperature, 1e-9, "config temperature applies when the request has none")
}
