package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

type recordRow struct {
	ID          surrealmodels.RecordID `json:"id"`
	WorkspaceID string                 `json:"workspace_id"`
	UserID      string                 `json:"user_id"`
	SpaceID     string                 `json:"space_id"`
	ActivityID  string                 `json:"activity_id"`
	ParentID    string                 `json:"parent_id"`
	JobID       string                 `json:"job_id"`
	Type        string                 `json:"type"`
	Data        string                 `json:"data"`
	Output      string                 `json:"output"`
	Status      string                 `json:"status"`
	Priority    int                    `json:"priority"`
	RetryCount  int                    `json:"retry_count"`
	Error       string                 `json:"error"`
	Version     int64                  `json:"version"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func (r recordRow) toModel() (*models.IngestionQueueRecord, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return nil, err
	}
	rec := &models.IngestionQueueRecord{
		ID:          id,
		WorkspaceID: r.WorkspaceID,
		UserID:      r.UserID,
		SpaceID:     r.SpaceID,
		ActivityID:  r.ActivityID,
		ParentID:    r.ParentID,
		JobID:       r.JobID,
		Type:        models.EpisodeType(r.Type),
		Data:        json.RawMessage(r.Data),
		Status:      models.RecordStatus(r.Status),
		Priority:    r.Priority,
		RetryCount:  r.RetryCount,
		Error:       r.Error,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Output != "" {
		rec.Output = json.RawMessage(r.Output)
	}
	return rec, nil
}

// CreateRecord inserts rec with version 1.
func (c *Client) CreateRecord(ctx context.Context, rec *models.IngestionQueueRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	sql := `
		CREATE type::record("ingestion_queue", $id) SET
			workspace_id = $workspace_id,
			user_id = $user_id,
			space_id = $space_id,
			activity_id = $activity_id,
			parent_id = $parent_id,
			job_id = $job_id,
			type = $type,
			data = $data,
			output = $output,
			status = $status,
			priority = $priority,
			retry_count = $retry_count,
			error = $error,
			version = 1,
			created_at = type::datetime($created_at),
			updated_at = time::now()
		RETURN AFTER
	`
	results, err := surrealdb.Query[[]recordRow](ctx, c.db, sql, map[string]any{
		"id":           rec.ID,
		"workspace_id": rec.WorkspaceID,
		"user_id":      rec.UserID,
		"space_id":     rec.SpaceID,
		"activity_id":  rec.ActivityID,
		"parent_id":    rec.ParentID,
		"job_id":       rec.JobID,
		"type":         string(rec.Type),
		"data":         string(rec.Data),
		"output":       string(rec.Output),
		"status":       string(rec.Status),
		"priority":     rec.Priority,
		"retry_count":  rec.RetryCount,
		"error":        rec.Error,
		"created_at":   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("create record: %w", wrapQueryError(err))
	}
	row := first(results)
	if row == nil {
		return fmt.Errorf("create record: no result returned")
	}
	rec.Version = row.Version
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

// GetRecord loads a record by id.
func (c *Client) GetRecord(ctx context.Context, id string) (*models.IngestionQueueRecord, error) {
	results, err := surrealdb.Query[[]recordRow](ctx, c.db, `
		SELECT * FROM type::record("ingestion_queue", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get record: %w", wrapQueryError(err))
	}
	row := first(results)
	if row == nil {
		return nil, fmt.Errorf("record %s: %w", id, store.ErrNotFound)
	}
	return row.toModel()
}

// UpdateRecord performs a compare-and-swap write on rec.Version.
func (c *Client) UpdateRecord(ctx context.Context, rec *models.IngestionQueueRecord) error {
	sql := `
		UPDATE type::record("ingestion_queue", $id) SET
			space_id = $space_id,
			job_id = $job_id,
			data = $data,
			output = $output,
			status = $status,
			priority = $priority,
			retry_count = $retry_count,
			error = $error,
			version = version + 1,
			updated_at = time::now()
		WHERE version = $version
		RETURN AFTER
	`
	results, err := surrealdb.Query[[]recordRow](ctx, c.db, sql, map[string]any{
		"id":          rec.ID,
		"space_id":    rec.SpaceID,
		"job_id":      rec.JobID,
		"data":        string(rec.Data),
		"output":      string(rec.Output),
		"status":      string(rec.Status),
		"priority":    rec.Priority,
		"retry_count": rec.RetryCount,
		"error":       rec.Error,
		"version":     rec.Version,
	})
	if err != nil {
		return fmt.Errorf("update record: %w", wrapQueryError(err))
	}
	row := first(results)
	if row == nil {
		if _, err := c.GetRecord(ctx, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("record %s at version %d: %w", rec.ID, rec.Version, store.ErrStaleRecord)
	}
	rec.Version = row.Version
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

// ListRecordsByStatus returns a workspace's records in status, oldest first.
func (c *Client) ListRecordsByStatus(ctx context.Context, workspaceID string, status models.RecordStatus) ([]*models.IngestionQueueRecord, error) {
	results, err := surrealdb.Query[[]recordRow](ctx, c.db, `
		SELECT * FROM ingestion_queue
		WHERE workspace_id = $workspace_id AND status = $status
		ORDER BY created_at ASC
	`, map[string]any{"workspace_id": workspaceID, "status": string(status)})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", wrapQueryError(err))
	}
	return toModels(rows(results))
}

// ListRecordsByParent returns the chunk records of parentID, oldest first.
func (c *Client) ListRecordsByParent(ctx context.Context, parentID string) ([]*models.IngestionQueueRecord, error) {
	results, err := surrealdb.Query[[]recordRow](ctx, c.db, `
		SELECT * FROM ingestion_queue
		WHERE parent_id = $parent_id
		ORDER BY created_at ASC
	`, map[string]any{"parent_id": parentID})
	if err != nil {
		return nil, fmt.Errorf("list child records: %w", wrapQueryError(err))
	}
	return toModels(rows(results))
}

func toModels(rs []recordRow) ([]*models.IngestionQueueRecord, error) {
	var out []*models.IngestionQueueRecord
	for _, row := range rs {
		rec, err := row.toModel()
		if err != nil {
			return nil, fmt.Errorf("list records: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
