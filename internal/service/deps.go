package service

import (
	"context"

	"github.com/raphaelgruber/knowhow-ingest/internal/llm"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/parser"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// JobQueue is the subset of *queue.Adapter the services use.
type JobQueue interface {
	Enqueue(ctx context.Context, kind queue.Kind, payload any, opts queue.EnqueueOptions) (queue.Handle, error)
	FindByTags(ctx context.Context, tags []string, f queue.Filter) ([]queue.Info, error)
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*queue.Info, error)
	IssueToken(id string) (string, error)
}

// KnowledgeEngine stores an episode. Implemented by *knowledge.Engine.
type KnowledgeEngine interface {
	AddEpisode(ctx context.Context, workspaceID, episodeID string, p models.EpisodePayload) (models.EpisodeOutput, error)
}

// DocumentChunker splits a document. Implemented by *parser.Chunker.
type DocumentChunker interface {
	ChunkDocument(text, title string) ([]parser.Chunk, error)
}

// ChatModel answers conversations. Implemented by *llm.Model.
type ChatModel interface {
	Reply(ctx context.Context, history []llm.Message) (string, error)
	Title(ctx context.Context, firstMessage string) (string, error)
}
