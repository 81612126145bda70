// Package sqlite implements store.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ingestion_queue (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    workspace_id TEXT NOT NULL,
    user_id      TEXT NOT NULL,
    space_id     TEXT NOT NULL DEFAULT '',
    activity_id  TEXT NOT NULL DEFAULT '',
    parent_id    TEXT NOT NULL DEFAULT '',
    job_id       TEXT NOT NULL DEFAULT '',
    type         TEXT NOT NULL,
    data         TEXT NOT NULL,
    status       TEXT NOT NULL,
    priority     INTEGER NOT NULL DEFAULT 0,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT '',
    output       TEXT NOT NULL DEFAULT '',
    version      INTEGER NOT NULL DEFAULT 1,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingestion_queue_status ON ingestion_queue(workspace_id, status, seq);
CREATE INDEX IF NOT EXISTS idx_ingestion_queue_parent ON ingestion_queue(parent_id) WHERE parent_id != '';

CREATE TABLE IF NOT EXISTS documents (
    id              TEXT PRIMARY KEY,
    workspace_id    TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    title           TEXT NOT NULL,
    content         TEXT NOT NULL,
    source          TEXT NOT NULL,
    space_id        TEXT NOT NULL DEFAULT '',
    session_id      TEXT NOT NULL DEFAULT '',
    metadata        TEXT NOT NULL DEFAULT '{}',
    queue_record_id TEXT NOT NULL,
    created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS user_workspaces (
    user_id      TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
    id            TEXT PRIMARY KEY,
    workspace_id  TEXT NOT NULL,
    user_id       TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    active_run_id TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_history (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    conversation_id TEXT NOT NULL,
    user_id         TEXT NOT NULL,
    role            TEXT NOT NULL,
    message         TEXT NOT NULL,
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_conversation ON conversation_history(conversation_id, seq);

CREATE TABLE IF NOT EXISTS episodes (
    id         TEXT PRIMARY KEY,
    content    TEXT NOT NULL,
    embedding  TEXT NOT NULL,
    metadata   TEXT NOT NULL DEFAULT '{}',
    entities   TEXT NOT NULL DEFAULT '[]',
    statements TEXT NOT NULL DEFAULT '[]',
    timestamp  TEXT NOT NULL,
    context    TEXT,
    created    TEXT NOT NULL
);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and runs migrations.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writers, which the compare-and-swap
	// updates rely on, and keeps ":memory:" databases from splitting.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close(_ context.Context) error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

const recordColumns = `id, workspace_id, user_id, space_id, activity_id, parent_id, job_id,
	type, data, status, priority, retry_count, error, output, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*models.IngestionQueueRecord, error) {
	var (
		r                    models.IngestionQueueRecord
		data, output         string
		createdAt, updatedAt string
	)
	err := row.Scan(&r.ID, &r.WorkspaceID, &r.UserID, &r.SpaceID, &r.ActivityID, &r.ParentID, &r.JobID,
		&r.Type, &data, &r.Status, &r.Priority, &r.RetryCount, &r.Error, &output, &r.Version,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	r.Data = json.RawMessage(data)
	if output != "" {
		r.Output = json.RawMessage(output)
	}
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// CreateRecord inserts rec with version 1.
func (s *Store) CreateRecord(ctx context.Context, rec *models.IngestionQueueRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Version = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_queue (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkspaceID, rec.UserID, rec.SpaceID, rec.ActivityID, rec.ParentID, rec.JobID,
		rec.Type, string(rec.Data), rec.Status, rec.Priority, rec.RetryCount, rec.Error, string(rec.Output),
		rec.Version, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord loads a record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (*models.IngestionQueueRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM ingestion_queue WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// UpdateRecord performs a compare-and-swap write on rec.Version.
func (s *Store) UpdateRecord(ctx context.Context, rec *models.IngestionQueueRecord) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_queue SET
			space_id = ?, job_id = ?, data = ?, status = ?, priority = ?, retry_count = ?,
			error = ?, output = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		rec.SpaceID, rec.JobID, string(rec.Data), rec.Status, rec.Priority, rec.RetryCount,
		rec.Error, string(rec.Output), formatTime(now),
		rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n == 0 {
		if _, err := s.GetRecord(ctx, rec.ID); err != nil {
			return err
		}
		return fmt.Errorf("record %s at version %d: %w", rec.ID, rec.Version, store.ErrStaleRecord)
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// ListRecordsByStatus returns matching records in insertion order.
func (s *Store) ListRecordsByStatus(ctx context.Context, workspaceID string, status models.RecordStatus) ([]*models.IngestionQueueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM ingestion_queue
		WHERE workspace_id = ? AND status = ?
		ORDER BY seq ASC`, workspaceID, status)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return scanRecords(rows)
}

// ListRecordsByParent returns the chunk records of parentID in insertion order.
func (s *Store) ListRecordsByParent(ctx context.Context, parentID string) ([]*models.IngestionQueueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM ingestion_queue
		WHERE parent_id = ?
		ORDER BY seq ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child records: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*models.IngestionQueueRecord, error) {
	defer rows.Close()

	var records []*models.IngestionQueueRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateDocument inserts doc.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode document metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, workspace_id, user_id, title, content, source, space_id, session_id,
			metadata, queue_record_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.WorkspaceID, doc.UserID, doc.Title, doc.Content, doc.Source, doc.SpaceID, doc.SessionID,
		string(meta), doc.QueueRecordID, formatTime(doc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument loads a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var (
		doc       models.Document
		meta      string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, user_id, title, content, source, space_id, session_id,
			metadata, queue_record_id, created_at
		FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &doc.WorkspaceID, &doc.UserID, &doc.Title, &doc.Content, &doc.Source,
			&doc.SpaceID, &doc.SessionID, &meta, &doc.QueueRecordID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &doc.Metadata); err != nil {
		return nil, fmt.Errorf("decode document metadata: %w", err)
	}
	doc.CreatedAt = parseTime(createdAt)
	return &doc, nil
}

// WorkspaceForUser returns the workspace a user belongs to.
func (s *Store) WorkspaceForUser(ctx context.Context, userID string) (string, error) {
	var ws string
	err := s.db.QueryRowContext(ctx, `SELECT workspace_id FROM user_workspaces WHERE user_id = ?`, userID).Scan(&ws)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("workspace for user %s: %w", userID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

// AssignWorkspace sets or replaces the user's workspace.
func (s *Store) AssignWorkspace(ctx context.Context, userID, workspaceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_workspaces (user_id, workspace_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET workspace_id = excluded.workspace_id`,
		userID, workspaceID)
	if err != nil {
		return fmt.Errorf("assign workspace: %w", err)
	}
	return nil
}
