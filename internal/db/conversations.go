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

type conversationRow struct {
	ID          surrealmodels.RecordID `json:"id"`
	WorkspaceID string                 `json:"workspace_id"`
	UserID      string                 `json:"user_id"`
	Title       string                 `json:"title"`
	Status      string                 `json:"status"`
	ActiveRunID string                 `json:"active_run_id"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

type historyRow struct {
	ID             surrealmodels.RecordID `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	UserID         string                 `json:"user_id"`
	Role           string                 `json:"role"`
	Message        string                 `json:"message"`
	CreatedAt      time.Time              `json:"created_at"`
}

// CreateConversation inserts conv.
func (c *Client) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.Status == "" {
		conv.Status = models.ConversationPending
	}
	results, err := surrealdb.Query[[]conversationRow](ctx, c.db, `
		CREATE type::record("conversation", $id) SET
			workspace_id = $workspace_id,
			user_id = $user_id,
			title = $title,
			status = $status,
			active_run_id = $active_run_id
		RETURN AFTER
	`, map[string]any{
		"id":            conv.ID,
		"workspace_id":  conv.WorkspaceID,
		"user_id":       conv.UserID,
		"title":         conv.Title,
		"status":        string(conv.Status),
		"active_run_id": conv.ActiveRunID,
	})
	if err != nil {
		return fmt.Errorf("create conversation: %w", wrapQueryError(err))
	}
	if row := first(results); row != nil {
		conv.CreatedAt = row.CreatedAt
		conv.UpdatedAt = row.UpdatedAt
	}
	return nil
}

// GetConversation loads a conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	results, err := surrealdb.Query[[]conversationRow](ctx, c.db, `
		SELECT * FROM type::record("conversation", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", wrapQueryError(err))
	}
	row := first(results)
	if row == nil {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	convID, err := models.RecordIDString(row.ID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &models.Conversation{
		ID:          convID,
		WorkspaceID: row.WorkspaceID,
		UserID:      row.UserID,
		Title:       row.Title,
		Status:      models.ConversationStatus(row.Status),
		ActiveRunID: row.ActiveRunID,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// updateConversation runs an UPDATE ... RETURN AFTER and reports whether a
// row matched.
func (c *Client) updateConversation(ctx context.Context, op, sql string, vars map[string]any) (bool, error) {
	results, err := surrealdb.Query[[]conversationRow](ctx, c.db, sql, vars)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, wrapQueryError(err))
	}
	return first(results) != nil, nil
}

// UpdateConversationStatus sets the conversation status.
func (c *Client) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	ok, err := c.updateConversation(ctx, "update conversation status", `
		UPDATE type::record("conversation", $id) SET status = $status, updated_at = time::now() RETURN AFTER
	`, map[string]any{"id": id, "status": string(status)})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("update conversation status: %w", store.ErrNotFound)
	}
	return nil
}

// SetConversationTitle sets the conversation title.
func (c *Client) SetConversationTitle(ctx context.Context, id, title string) error {
	ok, err := c.updateConversation(ctx, "set conversation title", `
		UPDATE type::record("conversation", $id) SET title = $title, updated_at = time::now() RETURN AFTER
	`, map[string]any{"id": id, "title": title})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("set conversation title: %w", store.ErrNotFound)
	}
	return nil
}

// ClaimActiveRun registers runID when the registry slot is empty.
func (c *Client) ClaimActiveRun(ctx context.Context, conversationID, runID string) error {
	ok, err := c.updateConversation(ctx, "claim active run", `
		UPDATE type::record("conversation", $id) SET active_run_id = $run, updated_at = time::now()
		WHERE active_run_id = ""
		RETURN AFTER
	`, map[string]any{"id": conversationID, "run": runID})
	if err != nil {
		return err
	}
	if !ok {
		if _, err := c.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		return store.ErrActiveRunExists
	}
	return nil
}

// ReleaseActiveRun clears the registry slot if it still holds runID.
func (c *Client) ReleaseActiveRun(ctx context.Context, conversationID, runID string) error {
	_, err := c.updateConversation(ctx, "release active run", `
		UPDATE type::record("conversation", $id) SET active_run_id = "", updated_at = time::now()
		WHERE active_run_id = $run
		RETURN AFTER
	`, map[string]any{"id": conversationID, "run": runID})
	return err
}

// AppendHistory inserts a message.
func (c *Client) AppendHistory(ctx context.Context, h *models.ConversationHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		CREATE type::record("conversation_history", $id) SET
			conversation_id = $conversation_id,
			user_id = $user_id,
			role = $role,
			message = $message,
			created_at = type::datetime($created_at)
	`, map[string]any{
		"id":              h.ID,
		"conversation_id": h.ConversationID,
		"user_id":         h.UserID,
		"role":            h.Role,
		"message":         h.Message,
		"created_at":      h.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("append history: %w", wrapQueryError(err))
	}
	return nil
}

func (c *Client) queryHistory(ctx context.Context, sql, conversationID string) ([]*models.ConversationHistory, error) {
	results, err := surrealdb.Query[[]historyRow](ctx, c.db, sql, map[string]any{"conversation_id": conversationID})
	if err != nil {
		return nil, fmt.Errorf("query history: %w", wrapQueryError(err))
	}
	var out []*models.ConversationHistory
	for _, row := range rows(results) {
		id, err := models.RecordIDString(row.ID)
		if err != nil {
			return nil, fmt.Errorf("query history: %w", err)
		}
		out = append(out, &models.ConversationHistory{
			ID:             id,
			ConversationID: row.ConversationID,
			UserID:         row.UserID,
			Role:           row.Role,
			Message:        row.Message,
			CreatedAt:      row.CreatedAt,
		})
	}
	return out, nil
}

// ListHistory returns all messages of a conversation, oldest first.
func (c *Client) ListHistory(ctx context.Context, conversationID string) ([]*models.ConversationHistory, error) {
	return c.queryHistory(ctx, `
		SELECT * FROM conversation_history WHERE conversation_id = $conversation_id ORDER BY created_at ASC
	`, conversationID)
}

// LatestHistory returns the most recent message of a conversation.
func (c *Client) LatestHistory(ctx context.Context, conversationID string) (*models.ConversationHistory, error) {
	hs, err := c.queryHistory(ctx, `
		SELECT * FROM conversation_history WHERE conversation_id = $conversation_id ORDER BY created_at DESC LIMIT 1
	`, conversationID)
	if err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, fmt.Errorf("history for %s: %w", conversationID, store.ErrNotFound)
	}
	return hs[0], nil
}
