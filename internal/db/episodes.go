package db

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// UpsertEpisode creates or replaces an episode. Re-running an ingestion job
// for the same id overwrites the previous attempt.
func (c *Client) UpsertEpisode(ctx context.Context, in models.EpisodeInput) (*models.Episode, error) {
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	entities := in.Entities
	if entities == nil {
		entities = []string{}
	}
	statements := in.Statements
	if statements == nil {
		statements = []string{}
	}

	sql := `
		UPSERT type::record("episode", $id) SET
			content = $content,
			embedding = $embedding,
			timestamp = type::datetime($timestamp),
			metadata = $metadata,
			entities = $entities,
			statements = $statements,
			context = $context,
			created = IF created THEN created ELSE time::now() END
		RETURN AFTER
	`
	results, err := surrealdb.Query[[]models.Episode](ctx, c.db, sql, map[string]any{
		"id":         in.ID,
		"content":    in.Content,
		"embedding":  in.Embedding,
		"timestamp":  in.Timestamp,
		"metadata":   metadata,
		"entities":   entities,
		"statements": statements,
		"context":    in.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert episode: %w", wrapQueryError(err))
	}
	ep := first(results)
	if ep == nil {
		return nil, fmt.Errorf("upsert episode: no result returned")
	}
	return ep, nil
}

// GetEpisode retrieves an episode by id. Returns nil if not found.
func (c *Client) GetEpisode(ctx context.Context, id string) (*models.Episode, error) {
	results, err := surrealdb.Query[[]models.Episode](ctx, c.db, `
		SELECT * FROM type::record("episode", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", wrapQueryError(err))
	}
	return first(results), nil
}
