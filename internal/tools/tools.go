// internal/tools/tools.go
package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

const maxBodyBytes = 4 << 20

// HTTPTool fetches data from a JSON endpoint. POST tools receive the query and
// caller attributes as a JSON body; GET tools receive them as URL parameters.
type HTTPTool struct {
	name    string
	url     string
	method  string
	headers map[string]string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPTool builds a tool from its configuration.
func NewHTTPTool(cfg config.ToolConfig, logger *zap.Logger) (*HTTPTool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("tool %q: invalid url %q", cfg.Name, cfg.URL)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("tool %q: unsupported method %q", cfg.Name, cfg.Method)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTool{
		name:    cfg.Name,
		url:     cfg.URL,
		method:  method,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("tool").With(zap.String("tool", cfg.Name)),
	}, nil
}

func (t *HTTPTool) Name() string { return t.name }

type toolRequest struct {
	Query      string         `json:"query"`
	UserID     string         `json:"user_id,omitempty"`
	UserLevel  string         `json:"user_level,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Invoke performs one request and decodes the JSON response.
func (t *HTTPTool) Invoke(ctx context.Context, query string, reqCtx schemas.RequestContext) (any, error) {
	var (
		req *http.Request
		err error
	)
	switch t.method {
	case http.MethodGet:
		u, _ := url.Parse(t.url)
		q := u.Query()
		q.Set("q", query)
		if reqCtx.UserID != "" {
			q.Set("user_id", reqCtx.UserID)
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	default:
		body, merr := json.Marshal(toolRequest{
			Query:      query,
			UserID:     reqCtx.UserID,
			UserLevel:  string(reqCtx.UserLevel),
			Attributes: reqCtx.Attributes,
		})
		if merr != nil {
			return nil, fmt.Errorf("failed to encode tool request: %w", merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create tool request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool returned status %d", resp.StatusCode)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tool returned invalid JSON: %w", err)
	}
	t.logger.Debug("Tool call completed.", zap.Int("status", resp.StatusCode), zap.Int("bytes", len(raw)))
	return out, nil
}

// Func adapts a plain function to schemas.Tool.
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, query string, reqCtx schemas.RequestContext) (any, error)
}

func (f Func) Name() string { return f.ToolName }

func (f Func) Invoke(ctx context.Context, query string, reqCtx schemas.RequestContext) (any, error) {
	return f.Fn(ctx, query, reqCtx)
}
