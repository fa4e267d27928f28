package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/querycore/internal/config"
)

// GenAIEmbedder produces query embeddings for the semantic cache.
type GenAIEmbedder struct {
	client   *genai.Client
	model    string
	taskType string
	logger   *zap.Logger
}

// NewGenAIEmbedder creates an embedder from the cache embedding settings.
func NewGenAIEmbedder(ctx context.Context, cfg config.EmbeddingConfig, logger *zap.Logger) (*GenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-embedding-001"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEmbedder{
		client:   client,
		model:    model,
		taskType: parseTaskType(cfg.TaskType),
		logger:   logger.Named("embedder"),
	}, nil
}

func parseTaskType(s string) string {
	switch s {
	case "CLASSIFICATION", "CLUSTERING", "RETRIEVAL_QUERY", "RETRIEVAL_DOCUMENT", "SEMANTIC_SIMILARITY":
		return s
	default:
		return "SEMANTIC_SIMILARITY"
	}
}

// Embed returns the embedding vector of text.
func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := e.client.Models.EmbedContent(ctx,
		e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: e.taskType},
	)
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
