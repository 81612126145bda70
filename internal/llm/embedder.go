// Package llm provides embedding and chat models through langchaingo.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	bedrockembed "github.com/tmc/langchaingo/embeddings/bedrock"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/raphaelgruber/knowhow-ingest/internal/config"
)

// Embedder wraps a langchaingo embedder with dimension validation.
type Embedder struct {
	model     embeddings.Embedder
	dimension int
	modelName string
}

// NewEmbedder creates an embedder based on configuration.
func NewEmbedder(ctx context.Context, cfg config.Config) (*Embedder, error) {
	var model embeddings.Embedder

	switch cfg.EmbedProvider {
	case config.ProviderOllama:
		client, err := ollama.New(
			ollama.WithModel(cfg.EmbedModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		if model, err = embeddings.NewEmbedder(client); err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		client, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.EmbedModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		if model, err = embeddings.NewEmbedder(client); err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	case config.ProviderBedrock:
		client, err := bedrockClient(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		if model, err = bedrockembed.NewBedrock(
			bedrockembed.WithClient(client),
			bedrockembed.WithModel(cfg.EmbedModel),
		); err != nil {
			return nil, fmt.Errorf("create bedrock embedder: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
	}

	return NewEmbedderFrom(model, cfg.EmbedModel, cfg.EmbedDimension), nil
}

// NewEmbedderFrom wraps an existing embedder.
func NewEmbedderFrom(model embeddings.Embedder, name string, dimension int) *Embedder {
	return &Embedder{model: model, dimension: dimension, modelName: name}
}

// Embed generates an embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, []string{text})
	if err != nil {
		slog.Warn("embedding failed", "model", e.modelName, "text_len", len(text),
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, fmt.Errorf("embed: %w", wrapFatalError(err))
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	if len(vectors[0]) != e.dimension {
		return nil, fmt.Errorf("dimension mismatch: got %d, want %d", len(vectors[0]), e.dimension)
	}

	slog.Debug("embedding complete", "model", e.modelName, "text_len", len(text),
		"duration_ms", time.Since(start).Milliseconds())
	return vectors[0], nil
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.modelName
}

// Dimension returns the expected embedding dimension.
func (e *Embedder) Dimension() int {
	return e.dimension
}
