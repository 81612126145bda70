// Package store declares the persistence contracts used by the ingestion
// services. Implementations live in internal/db (SurrealDB) and
// internal/store/sqlite (embedded).
package store

import (
	"context"
	"errors"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleRecord indicates a compare-and-swap update lost against a
	// concurrent writer. Callers reload and decide again.
	ErrStaleRecord = errors.New("stale record version")

	// ErrActiveRunExists indicates a conversation already has a registered run.
	ErrActiveRunExists = errors.New("conversation already has an active run")
)

// RecordStore persists IngestionQueueRecords.
type RecordStore interface {
	CreateRecord(ctx context.Context, rec *models.IngestionQueueRecord) error
	GetRecord(ctx context.Context, id string) (*models.IngestionQueueRecord, error)
	// UpdateRecord writes rec if the stored version equals rec.Version and
	// bumps rec.Version on success. Returns ErrStaleRecord otherwise.
	UpdateRecord(ctx context.Context, rec *models.IngestionQueueRecord) error
	// ListRecordsByStatus returns a workspace's records in status, oldest first.
	ListRecordsByStatus(ctx context.Context, workspaceID string, status models.RecordStatus) ([]*models.IngestionQueueRecord, error)
	// ListRecordsByParent returns the chunk records of a document record,
	// oldest first.
	ListRecordsByParent(ctx context.Context, parentID string) ([]*models.IngestionQueueRecord, error)
}

// DocumentStore persists documents.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
}

// WorkspaceStore maps users to workspaces.
type WorkspaceStore interface {
	WorkspaceForUser(ctx context.Context, userID string) (string, error)
	AssignWorkspace(ctx context.Context, userID, workspaceID string) error
}

// ConversationStore persists conversations, their history and the
// active-run registry.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error
	SetConversationTitle(ctx context.Context, id, title string) error
	AppendHistory(ctx context.Context, h *models.ConversationHistory) error
	ListHistory(ctx context.Context, conversationID string) ([]*models.ConversationHistory, error)
	LatestHistory(ctx context.Context, conversationID string) (*models.ConversationHistory, error)
	// ClaimActiveRun registers runID if no run is registered.
	// Returns ErrActiveRunExists otherwise.
	ClaimActiveRun(ctx context.Context, conversationID, runID string) error
	// ReleaseActiveRun clears the registration only if it still names runID.
	ReleaseActiveRun(ctx context.Context, conversationID, runID string) error
}

// Store is the full persistence surface.
type Store interface {
	RecordStore
	DocumentStore
	WorkspaceStore
	ConversationStore
	Close(ctx context.Context) error
}
