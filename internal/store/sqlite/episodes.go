package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

// UpsertEpisode creates or replaces an episode. Vectors and lists are
// stored as JSON text.
func (s *Store) UpsertEpisode(ctx context.Context, in models.EpisodeInput) (*models.Episode, error) {
	ts, err := time.Parse(time.RFC3339, in.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	encoded := make([]string, 4)
	for i, v := range []any{in.Embedding, in.Metadata, in.Entities, in.Statements} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode episode: %w", err)
		}
		encoded[i] = string(b)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, content, embedding, metadata, entities, statements, timestamp, context, created)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content, embedding = excluded.embedding, metadata = excluded.metadata,
			entities = excluded.entities, statements = excluded.statements,
			timestamp = excluded.timestamp, context = excluded.context`,
		in.ID, in.Content, encoded[0], encoded[1], encoded[2], encoded[3],
		formatTime(ts), in.Context, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("upsert episode: %w", err)
	}
	return s.GetEpisode(ctx, in.ID)
}

// GetEpisode retrieves an episode by id. Returns nil if not found.
func (s *Store) GetEpisode(ctx context.Context, id string) (*models.Episode, error) {
	var (
		ep                                    models.Episode
		embedding, meta, entities, statements string
		ts, created                           string
		epContext                             sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT content, embedding, metadata, entities, statements, timestamp, context, created
		FROM episodes WHERE id = ?`, id).
		Scan(&ep.Content, &embedding, &meta, &entities, &statements, &ts, &epContext, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}

	for _, f := range []struct {
		raw string
		dst any
	}{{embedding, &ep.Embedding}, {meta, &ep.Metadata}, {entities, &ep.Entities}, {statements, &ep.Statements}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode episode: %w", err)
		}
	}
	ep.ID = surrealmodels.NewRecordID("episode", id)
	ep.Timestamp = parseTime(ts)
	ep.Created = parseTime(created)
	if epContext.Valid {
		ep.Context = &epContext.String
	}
	return &ep, nil
}
