// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/internal/config"
	"github.com/xkilldash9x/querycore/internal/service"
)

const testAnswer = "Revenue grew twelve percent this quarter."

// testFactory builds real components against in-process doubles.
type testFactory struct {
	upstream string
	redis    string
}

func (f *testFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service.Components, error) {
	cfg.Redis.Addr = f.redis
	cfg.Metrics.Enabled = false
	cfg.Providers = []config.ProviderConfig{{
		Name:       "primary",
		Provider:   config.ProviderOpenAI,
		Model:      "test-model",
		APIKey:     "test-key",
		Endpoint:   f.upstream + "/v1/chat/completions",
		APITimeout: 5 * time.Second,
		Burst:      1,
	}}
	cfg.Tools.Categories = map[string][]config.ToolConfig{
		"sales": {{Name: "revenue", URL: f.upstream + "/data/sales", Timeout: 5 * time.Second}},
	}
	return service.NewComponentFactory().Create(ctx, cfg, logger)
}

// newTestFactory starts a fake provider and data service. withRedis also
// starts an in-process redis.
func newTestFactory(t *testing.T, withRedis bool) (*testFactory, *miniredis.Miniredis) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ResponseFormat any `json:"response_format"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		content := testAnswer
		if req.ResponseFormat != nil {
			content = `{"category": "sales", "confidence": 0.8}`
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
			"usage":   map[string]int{"total_tokens": 20},
		})
	})
	mux.HandleFunc("/data/sales", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"growth": 0.12}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	f := &testFactory{upstream: srv.URL}
	var mr *miniredis.Miniredis
	if withRedis {
		mr = miniredis.RunT(t)
		f.redis = mr.Addr()
	}
	return f, mr
}

// createTempConfig writes a config file so tests never pick up a developer's
// ~/.querycore/config.yaml.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const quietConfig = `
logger:
  level: error
  format: console
`

// executeCommand runs the root command with args and returns its stdout.
func executeCommand(t *testing.T, factory service.ComponentFactory, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(factory)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config", createTempConfig(t, quietConfig)}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}
