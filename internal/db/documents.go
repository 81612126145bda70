package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

type documentRow struct {
	ID            surrealmodels.RecordID `json:"id"`
	WorkspaceID   string                 `json:"workspace_id"`
	UserID        string                 `json:"user_id"`
	Title         string                 `json:"title"`
	Content       string                 `json:"content"`
	Source        string                 `json:"source"`
	SpaceID       string                 `json:"space_id"`
	SessionID     string                 `json:"session_id"`
	Metadata      map[string]any         `json:"metadata"`
	QueueRecordID string                 `json:"queue_record_id"`
	CreatedAt     time.Time              `json:"created_at"`
}

// CreateDocument inserts doc.
func (c *Client) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	metadata := doc.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE type::record("document", $id) SET
			workspace_id = $workspace_id,
			user_id = $user_id,
			title = $title,
			content = $content,
			source = $source,
			space_id = $space_id,
			session_id = $session_id,
			metadata = $metadata,
			queue_record_id = $queue_record_id,
			created_at = type::datetime($created_at)
	`, map[string]any{
		"id":              doc.ID,
		"workspace_id":    doc.WorkspaceID,
		"user_id":         doc.UserID,
		"title":           doc.Title,
		"content":         doc.Content,
		"source":          doc.Source,
		"space_id":        doc.SpaceID,
		"session_id":      doc.SessionID,
		"metadata":        metadata,
		"queue_record_id": doc.QueueRecordID,
		"created_at":      doc.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("create document: %w", wrapQueryError(err))
	}
	return nil
}

// GetDocument loads a document by id.
func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	results, err := surrealdb.Query[[]documentRow](ctx, c.db, `
		SELECT * FROM type::record("document", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get document: %w", wrapQueryError(err))
	}
	row := first(results)
	if row == nil {
		return nil, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	docID, err := models.RecordIDString(row.ID)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return &models.Document{
		ID:            docID,
		WorkspaceID:   row.WorkspaceID,
		UserID:        row.UserID,
		Title:         row.Title,
		Content:       row.Content,
		Source:        row.Source,
		SpaceID:       row.SpaceID,
		SessionID:     row.SessionID,
		Metadata:      row.Metadata,
		QueueRecordID: row.QueueRecordID,
		CreatedAt:     row.CreatedAt,
	}, nil
}

// WorkspaceForUser returns the workspace a user belongs to.
func (c *Client) WorkspaceForUser(ctx context.Context, userID string) (string, error) {
	results, err := surrealdb.Query[[]struct {
		WorkspaceID string `json:"workspace_id"`
	}](ctx, c.db, `
		SELECT workspace_id FROM type::record("user_workspace", $user)
	`, map[string]any{"user": userID})
	if err != nil {
		return "", fmt.Errorf("get workspace: %w", wrapQueryError(err))
	}
	row := first(results)
	if row == nil {
		return "", fmt.Errorf("workspace for user %s: %w", userID, store.ErrNotFound)
	}
	return row.WorkspaceID, nil
}

// AssignWorkspace sets or replaces the user's workspace.
func (c *Client) AssignWorkspace(ctx context.Context, userID, workspaceID string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPSERT type::record("user_workspace", $user) SET workspace_id = $workspace_id
	`, map[string]any{"user": userID, "workspace_id": workspaceID})
	if err != nil {
		return fmt.Errorf("assign workspace: %w", wrapQueryError(err))
	}
	return nil
}
