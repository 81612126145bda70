package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// CreateConversation inserts conv.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	if conv.Status == "" {
		conv.Status = models.ConversationPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, workspace_id, user_id, title, status, active_run_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.WorkspaceID, conv.UserID, conv.Title, conv.Status, conv.ActiveRunID,
		formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var (
		c                    models.Conversation
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, title, status, active_run_id, created_at, updated_at
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.WorkspaceID, &c.UserID, &c.Title, &c.Status, &c.ActiveRunID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *Store) execConversation(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	return nil
}

// UpdateConversationStatus sets the conversation status.
func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	return s.execConversation(ctx, "update conversation status",
		`UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id)
}

// SetConversationTitle sets the conversation title.
func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	return s.execConversation(ctx, "set conversation title",
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, formatTime(time.Now()), id)
}

// AppendHistory inserts a message.
func (s *Store) AppendHistory(ctx context.Context, h *models.ConversationHistory) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_history (id, conversation_id, user_id, role, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.ID, h.ConversationID, h.UserID, h.Role, h.Message, formatTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func (s *Store) queryHistory(ctx context.Context, query string, args ...any) ([]*models.ConversationHistory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*models.ConversationHistory
	for rows.Next() {
		var (
			h         models.ConversationHistory
			createdAt string
		)
		if err := rows.Scan(&h.ID, &h.ConversationID, &h.UserID, &h.Role, &h.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.CreatedAt = parseTime(createdAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// ListHistory returns all messages of a conversation, oldest first.
func (s *Store) ListHistory(ctx context.Context, conversationID string) ([]*models.ConversationHistory, error) {
	return s.queryHistory(ctx, `
		SELECT id, conversation_id, user_id, role, message, created_at
		FROM conversation_history WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
}

// LatestHistory returns the most recent message of a conversation.
func (s *Store) LatestHistory(ctx context.Context, conversationID string) (*models.ConversationHistory, error) {
	hs, err := s.queryHistory(ctx, `
		SELECT id, conversation_id, user_id, role, message, created_at
		FROM conversation_history WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1`, conversationID)
	if err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, fmt.Errorf("history for %s: %w", conversationID, store.ErrNotFound)
	}
	return hs[0], nil
}

// ClaimActiveRun registers runID when the registry slot is empty.
func (s *Store) ClaimActiveRun(ctx context.Context, conversationID, runID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET active_run_id = ?, updated_at = ?
		WHERE id = ? AND active_run_id = ''`,
		runID, formatTime(time.Now()), conversationID)
	if err != nil {
		return fmt.Errorf("claim active run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim active run: %w", err)
	}
	if n == 0 {
		if _, err := s.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		return store.ErrActiveRunExists
	}
	return nil
}

// ReleaseActiveRun clears the registry slot if it still holds runID.
func (s *Store) ReleaseActiveRun(ctx context.Context, conversationID, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET active_run_id = '', updated_at = ?
		WHERE id = ? AND active_run_id = ?`,
		formatTime(time.Now()), conversationID, runID)
	if err != nil {
		return fmt.Errorf("release active run: %w", err)
	}
	return nil
}
