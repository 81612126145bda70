// Package knowledge stores ingested episodes: it embeds the episode body,
// optionally extracts entities and relations with an LLM, and persists the
// result as an episode in SurrealDB.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/metrics"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// ErrEmptyEpisode is returned for an episode without a body.
var ErrEmptyEpisode = errors.New("episode body is empty")

// EpisodeStore persists episodes. Implemented by *db.Client and
// *sqlite.Store.
type EpisodeStore interface {
	UpsertEpisode(ctx context.Context, in models.EpisodeInput) (*models.Episode, error)
}

// Embedder turns text into a vector. Implemented by *llm.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Extractor returns ENTITY and RELATION lines for text. Implemented by
// *llm.Model.
type Extractor interface {
	ExtractEntitiesAndRelations(ctx context.Context, text string) (string, error)
}

// Engine is the knowledge engine used by the episode job handler.
type Engine struct {
	store     EpisodeStore
	embedder  Embedder
	extractor Extractor
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtractor enables entity and relation extraction.
func WithExtractor(x Extractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithMetrics records embedding and extraction timings.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine.
func New(store EpisodeStore, embedder Embedder, opts ...Option) *Engine {
	e := &Engine{store: store, embedder: embedder, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddEpisode stores p under episodeID within workspaceID. Calling it again
// with the same episodeID replaces the earlier episode, so job retries are
// safe.
func (e *Engine) AddEpisode(ctx context.Context, workspaceID, episodeID string, p models.EpisodePayload) (models.EpisodeOutput, error) {
	out := models.EpisodeOutput{EpisodeUUID: episodeID}
	if strings.TrimSpace(p.EpisodeBody) == "" {
		return out, ErrEmptyEpisode
	}

	start := time.Now()
	embedding, err := e.embedder.Embed(ctx, p.EpisodeBody)
	if err != nil {
		return out, fmt.Errorf("embed episode: %w", err)
	}
	e.record(metrics.OpEmbedding, start)

	if e.extractor != nil {
		start = time.Now()
		raw, err := e.extractor.ExtractEntitiesAndRelations(ctx, p.EpisodeBody)
		if err != nil {
			return out, fmt.Errorf("extract entities: %w", err)
		}
		e.record(metrics.OpExtraction, start)
		out.Entities, out.Statements = ParseExtraction(raw)
	}

	metadata := map[string]any{"source": p.Source}
	for k, v := range p.Metadata {
		metadata[k] = v
	}
	if p.DocumentID != "" {
		metadata["document_id"] = p.DocumentID
		metadata["document_title"] = p.DocumentTitle
	}
	if p.ChunkIndex != nil {
		metadata["chunk_index"] = *p.ChunkIndex
	}
	if p.SessionID != "" {
		metadata["session_id"] = p.SessionID
	}

	if _, err := e.store.UpsertEpisode(ctx, models.EpisodeInput{
		ID:         episodeID,
		Content:    p.EpisodeBody,
		Embedding:  embedding,
		Timestamp:  p.ReferenceTime,
		Metadata:   metadata,
		Entities:   out.Entities,
		Statements: out.Statements,
		Context:    &workspaceID,
	}); err != nil {
		return out, err
	}

	e.logger.Debug("episode stored", "episode_id", episodeID, "workspace_id", workspaceID,
		"entities", len(out.Entities), "statements", len(out.Statements))
	return out, nil
}

func (e *Engine) record(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordTiming(op, time.Since(start))
	}
}

// ParseExtraction reads ENTITY|name|type|description and
// RELATION|source|target|type|description lines. Entities are deduplicated
// in order of first appearance; relations become "source type target"
// statements. Malformed lines are skipped.
func ParseExtraction(raw string) (entities, statements []string) {
	seen := make(map[string]bool)
	for _, line := range strings.Split(raw, "\n") {
		parts := strings.Split(strings.TrimSpace(line), "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch {
		case len(parts) >= 4 && parts[0] == "ENTITY":
			name := parts[1]
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			entities = append(entities, name)
		case len(parts) >= 5 && parts[0] == "RELATION":
			if parts[1] == "" || parts[2] == "" || parts[3] == "" {
				continue
			}
			statements = append(statements, parts[1]+" "+parts[3]+" "+parts[2])
		}
	}
	return entities, statements
}
