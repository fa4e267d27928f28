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

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	name       string
	apiKey     string
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	config     config.ProviderConfig
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	TopP           float32               `json:"top_p,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewOpenAIClient initializes the client.
func NewOpenAIClient(cfg config.ProviderConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key is required for provider %q", cfg.Name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai provider %q needs a model", cfg.Name)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}
	return &OpenAIClient{
		name:       cfg.Name,
		apiKey:     cfg.APIKey,
		endpoint:   endpoint,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		limiter:    newLimiter(cfg),
		logger:     logger.Named("llm_client.openai").With(zap.String("provider", cfg.Name)),
	}, nil
}

func (c *OpenAIClient) Name() string { return c.name }

func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Generate performs a single chat completion call.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.Generation, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorRateLimit, Provider: c.name, Err: err}
	}

	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorValidation, Provider: c.name, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorValidation, Provider: c.name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("Transport error during LLM request.", zap.Error(err))
		return schemas.Generation{}, transportError(c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return schemas.Generation{}, transportError(c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return schemas.Generation{}, statusError(c.name, resp.StatusCode, respBody)
	}

	var out openAIResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorAPI, Provider: c.name, Err: fmt.Errorf("failed to decode response payload: %w", err)}
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorAPI, Provider: c.name, Err: fmt.Errorf("empty completion")}
	}
	if out.Choices[0].FinishReason == "content_filter" {
		return schemas.Generation{}, &ProviderError{Type: schemas.ErrorValidation, Provider: c.name, Err: fmt.Errorf("completion filtered")}
	}

	c.logger.Debug("LLM generation complete (OpenAI)",
		zap.Duration("duration", time.Since(start)),
		zap.Int("total_tokens", out.Usage.TotalTokens))

	return schemas.Generation{
		Text:             out.Choices[0].Message.Content,
		Provider:         c.name,
		Model:            c.config.Model,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
		Cost:             costOf(c.config, out.Usage.TotalTokens),
	}, nil
}

func (c *OpenAIClient) buildRequest(req schemas.GenerationRequest) openAIRequest {
	temperature := req.Options.Temperature
	if temperature == 0 {
		temperature = c.config.Temperature
	}
	out := openAIRequest{
		Model:       c.config.Model,
		Temperature: temperature,
		TopP:        c.config.TopP,
		MaxTokens:   c.config.MaxTokens,
	}
	if req.Options.MaxTokens > 0 {
		out.MaxTokens = req.Options.MaxTokens
	}
	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	out.Messages = append(out.Messages, openAIMessage{Role: "user", Content: req.UserPrompt})
	if req.Options.ForceJSONFormat {
		out.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}
	return out
}
