// internal/llmclient/gemini_client.go
package llmclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/querycore/api/schemas"
	"github.com/xkilldash9x/querycore/internal/config"
)

// GeminiClient implements schemas.LLMClient against the Gemini REST API.
// It makes exactly one attempt per call; retries and failover belong to the
// resilience layer.
type GeminiClient struct {
	name       string
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	config     config.ProviderConfig
}

// -- Gemini API Request/Response Structures --

type GeminiContent struct {
	Parts []GeminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type GeminiPart struct {
	Text string `json:"text"`
}

type GeminiSystemInstruction struct {
	Parts []GeminiPart `json:"parts"`
}

type GeminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type GeminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type,omitempty"`
	TopP             float32 `json:"topP,omitempty"`
	TopK             int     `json:"topK,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
}

type GeminiRequestPayload struct {
	Contents          []GeminiContent          `json:"contents"`
	SystemInstruction *GeminiSystemInstruction `json:"system_instruction,omitempty"`
	SafetySettings    []GeminiSafetySetting    `json:"safetySettings,omitempty"`
	GenerationConfig  GeminiGenerationConfig   `json:"generationConfig,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type GeminiResponsePayload struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata GeminiUsage       `json:"usageMetadata"`
}

// NewGeminiClient initializes the client.
func NewGeminiClient(cfg config.ProviderConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required for provider %q", cfg.Name)
	}
	if cfg.Model == "" && cfg.Endpoint == "" {
		return nil, fmt.Errorf("gemini provider %q needs a model or an endpoint", cfg.Name)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent", cfg.Model)
	}

	return &GeminiClient{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		limiter:    newLimiter(cfg),
		logger:     logger.Named("llm_client.gemini").With(zap.String("provider", cfg.Name)),
	}, nil
}

// Name returns the configured provider name.
func (c *GeminiClient) Name() string { return c.name }

// Close releases idle connections.
func (c *GeminiClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Generate sends the prompts to the Gemini API and returns the generated content.
func (c *GeminiClient) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.Generation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorRateLimit, Provider: c.name, Err: err}
	}

	body, err := json.Marshal(c.buildRequestPayload(req))
	if err != nil {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorValidation, Provider: c.name, Err: fmt.Errorf("failed to marshal request payload: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorValidation, Provider: c.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	startTime := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Transport error during LLM request.", zap.Error(err), zap.Duration("duration", duration))
		return schemas.Generation{}, transportError(c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return schemas.Generation{}, transportError(c.name, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Gemini API returned error status", zap.Int("status", resp.StatusCode))
		return schemas.Generation{}, statusError(c.name, resp.StatusCode, respBody)
	}

	var payload GeminiResponsePayload
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorAPI, Provider: c.name, Err: fmt.Errorf("failed to decode response payload: %w", err)}
	}
	if len(payload.Candidates) == 0 {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorAPI, Provider: c.name, Err: fmt.Errorf("gemini API returned no candidates")}
	}

	candidate := payload.Candidates[0]
	if len(candidate.Content.Parts) == 0 {
		if candidate.FinishReason == "SAFETY" || candidate.FinishReason == "BLOCKLIST" {
			return schemas.Generation{}, &ProviderError{Type: schemas.ErrorValidation, Provider: c.name, Err: fmt.Errorf("request blocked (reason: %s)", candidate.FinishReason)}
		}
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorAPI, Provider: c.name, Err: fmt.Errorf("empty content parts (reason: %s)", candidate.FinishReason)}
	}

	usage := payload.UsageMetadata
	gen := schemas.Generation{
		Text:             candidate.Content.Parts[0].Text,
		Provider:         c.name,
		Model:            c.config.Model,
		PromptTokens:     usage.PromptTokenCount,
		CompletionTokens: usage.CandidatesTokenCount,
		TotalTokens:      usage.TotalTokenCount,
		Cost:             costOf(c.config, usage.TotalTokenCount),
	}

	c.logger.Debug("LLM generation complete (Gemini)",
		zap.Duration("duration", duration),
		zap.Int("prompt_tokens", gen.PromptTokens),
		zap.Int("completion_tokens", gen.CompletionTokens),
		zap.Int("total_tokens", gen.TotalTokens),
	)
	return gen, nil
}

func (c *GeminiClient) buildRequestPayload(req schemas.GenerationRequest) GeminiRequestPayload {
	temperature := req.Options.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	genConfig := GeminiGenerationConfig{
		Temperature:     temperature,
		TopP:            c.config.TopP,
		TopK:            c.config.TopK,
		MaxOutputTokens: c.config.MaxTokens,
	}
	if req.Options.MaxTokens > 0 {
		genConfig.MaxOutputTokens = req.Options.MaxTokens
	}
	if req.Options.ForceJSONFormat {
		genConfig.ResponseMimeType = "application/json"
	}

	payload := GeminiRequestPayload{
		Contents: []GeminiContent{
			{Role: "user", Parts: []GeminiPart{{Text: req.UserPrompt}}},
		},
		GenerationConfig: genConfig,
		SafetySettings:   c.getSafetySettings(),
	}
	if req.SystemPrompt != "" {
		payload.SystemInstruction = &GeminiSystemInstruction{Parts: []GeminiPart{{Text: req.SystemPrompt}}}
	}
	return payload
}

func (c *GeminiClient) getSafetySettings() []GeminiSafetySetting {
	settings := make([]GeminiSafetySetting, 0, len(c.config.SafetyFilters))
	for category, threshold := range c.config.SafetyFilters {
		settings = append(settings, GeminiSafetySetting{Category: category, Threshold: threshold})
	}
	return settings
}

// newLimiter builds the per-provider request limiter. A zero rate disables limiting.
func newLimiter(cfg config.ProviderConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}

func costOf(cfg config.ProviderConfig, tokens int) float64 {
	return float64(tokens) / 1000 * cfg.CostPer1KTokens
}
