// Package service implements ingestion admission, the job handlers, job
// and run status lookups, credit recovery and conversation runs.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/knowhow-ingest/internal/analytics"
	"github.com/raphaelgruber/knowhow-ingest/internal/credits"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// IngestRequest is the ingestion submission payload.
type IngestRequest struct {
	EpisodeBody   string             `json:"episodeBody"`
	ReferenceTime string             `json:"referenceTime"`
	Metadata      map[string]any     `json:"metadata,omitempty"`
	Source        string             `json:"source"`
	SpaceID       string             `json:"spaceId,omitempty"`
	SessionID     string             `json:"sessionId,omitempty"`
	Type          models.EpisodeType `json:"type,omitempty"`
	DocumentTitle string             `json:"documentTitle,omitempty"`
	DocumentID    string             `json:"documentId,omitempty"`
}

// Validate checks the request without touching any store.
func (r IngestRequest) Validate() error {
	if strings.TrimSpace(r.EpisodeBody) == "" {
		return &ValidationError{Field: "episodeBody", Reason: "must not be empty"}
	}
	if strings.TrimSpace(r.Source) == "" {
		return &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if _, err := time.Parse(time.RFC3339, r.ReferenceTime); err != nil {
		return &ValidationError{Field: "referenceTime", Reason: "must be an ISO-8601 timestamp"}
	}
	switch r.Type {
	case "", models.EpisodeConversation, models.EpisodeDocument:
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown type %q", r.Type)}
	}
	for k, v := range r.Metadata {
		switch v.(type) {
		case string, bool, float64, float32, int, int64, int32, json.Number:
		default:
			return &ValidationError{Field: "metadata." + k, Reason: "must be a string, number or bool"}
		}
	}
	return nil
}

// classify returns the request type, defaulting to CONVERSATION.
func (r IngestRequest) classify() models.EpisodeType {
	if r.Type == models.EpisodeDocument {
		return models.EpisodeDocument
	}
	return models.EpisodeConversation
}

// payload converts the request to the snapshot stored on the record.
func (r IngestRequest) payload() models.EpisodePayload {
	return models.EpisodePayload{
		EpisodeBody:   r.EpisodeBody,
		ReferenceTime: r.ReferenceTime,
		Metadata:      r.Metadata,
		Source:        r.Source,
		SpaceID:       r.SpaceID,
		SessionID:     r.SessionID,
		Type:          r.classify(),
		DocumentID:    r.DocumentID,
		DocumentTitle: r.DocumentTitle,
	}
}

// EpisodeJob is the payload of ingest-episode and ingest-document jobs.
type EpisodeJob struct {
	RecordID    string                `json:"recordId"`
	WorkspaceID string                `json:"workspaceId"`
	UserID      string                `json:"userId"`
	Episode     models.EpisodePayload `json:"episode"`
}

// RecordDispatcher enqueues the job for an existing record.
type RecordDispatcher interface {
	Dispatch(ctx context.Context, rec *models.IngestionQueueRecord) (queue.Handle, error)
}

// IngestService admits ingestion requests.
type IngestService struct {
	store  store.Store
	queue  JobQueue
	ledger credits.Ledger
	sink   analytics.Sink
}

// NewIngestService creates an IngestService.
func NewIngestService(st store.Store, q JobQueue, ledger credits.Ledger, sink analytics.Sink) *IngestService {
	if sink == nil {
		sink = analytics.LogSink{}
	}
	return &IngestService{store: st, queue: q, ledger: ledger, sink: sink}
}

// Submit validates req, checks the workspace's credits, persists exactly
// one record and dispatches exactly one job for it.
//
// Insufficient credits persist a NO_CREDITS record and return a
// *CreditExhaustedError without dispatching. A dispatch failure marks the
// record FAILED and returns the *queue.DispatchError.
func (s *IngestService) Submit(ctx context.Context, req IngestRequest, userID, activityID string) (queue.Handle, error) {
	_, handle, err := s.SubmitRecord(ctx, req, userID, activityID)
	return handle, err
}

// SubmitRecord is Submit returning the persisted record as well. The
// record is nil when nothing was persisted.
func (s *IngestService) SubmitRecord(ctx context.Context, req IngestRequest, userID, activityID string) (*models.IngestionQueueRecord, queue.Handle, error) {
	if userID == "" {
		return nil, queue.Handle{}, &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	if err := req.Validate(); err != nil {
		return nil, queue.Handle{}, err
	}

	workspaceID, err := s.store.WorkspaceForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, queue.Handle{}, &ValidationError{Field: "userId", Reason: "user has no workspace"}
	}
	if err != nil {
		return nil, queue.Handle{}, fmt.Errorf("resolve workspace: %w", err)
	}

	ok, err := s.ledger.HasCredits(ctx, workspaceID, credits.ActionAddEpisode)
	if err != nil {
		return nil, queue.Handle{}, fmt.Errorf("check credits: %w", err)
	}

	data, err := json.Marshal(req.payload())
	if err != nil {
		return nil, queue.Handle{}, &ValidationError{Field: "metadata", Reason: err.Error()}
	}
	rec := &models.IngestionQueueRecord{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		UserID:      userID,
		SpaceID:     req.SpaceID,
		ActivityID:  activityID,
		Type:        req.classify(),
		Data:        data,
		Status:      models.RecordPending,
	}

	if !ok {
		rec.Status = models.RecordNoCredits
		rec.Error = credits.ErrInsufficientCredits.Error()
		if err := s.store.CreateRecord(ctx, rec); err != nil {
			return nil, queue.Handle{}, fmt.Errorf("persist record: %w", err)
		}
		_ = s.sink.Capture(ctx, analytics.Event{
			Name:        analytics.EventCreditsExhausted,
			UserID:      userID,
			WorkspaceID: workspaceID,
			Properties:  map[string]any{"recordId": rec.ID},
			Timestamp:   time.Now(),
		})
		slog.Info("ingestion parked without credits", "record_id", rec.ID, "workspace_id", workspaceID)
		return rec, queue.Handle{}, &CreditExhaustedError{WorkspaceID: workspaceID, RecordID: rec.ID}
	}

	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return nil, queue.Handle{}, fmt.Errorf("persist record: %w", err)
	}

	handle, err := s.Dispatch(ctx, rec)
	if err != nil {
		failRecord(context.WithoutCancel(ctx), s.store, rec.ID, err.Error())
		return rec, queue.Handle{}, err
	}

	slog.Info("ingestion accepted", "record_id", rec.ID, "job_id", handle.ID, "type", rec.Type, "user_id", userID)
	return rec, handle, nil
}

// kindFor selects the job kind for a record. Document chunks run as
// episodes.
func kindFor(rec *models.IngestionQueueRecord) queue.Kind {
	if rec.Type == models.EpisodeDocument && rec.ParentID == "" {
		return queue.KindIngestDocument
	}
	return queue.KindIngestEpisode
}

// Dispatch enqueues the job for rec without checking credits and stores
// the job id on the record. Top-level records are tagged
// [userId, recordId]; chunk records carry their parent's tags plus the
// document id. Jobs are keyed by user so a user's work runs in order.
func (s *IngestService) Dispatch(ctx context.Context, rec *models.IngestionQueueRecord) (queue.Handle, error) {
	kind := kindFor(rec)
	p, err := rec.Payload()
	if err != nil {
		return queue.Handle{}, &queue.DispatchError{Kind: kind, Err: err}
	}

	tags := []string{rec.UserID, rec.ID}
	if rec.ParentID != "" {
		tags = []string{rec.UserID, rec.ParentID, p.DocumentID}
	}

	handle, err := s.queue.Enqueue(ctx, kind, EpisodeJob{
		RecordID:    rec.ID,
		WorkspaceID: rec.WorkspaceID,
		UserID:      rec.UserID,
		Episode:     p,
	}, queue.EnqueueOptions{ConcurrencyKey: rec.UserID, Tags: tags})
	if err != nil {
		return queue.Handle{}, err
	}

	_, _, err = updateRecord(ctx, s.store, rec.ID, func(r *models.IngestionQueueRecord) error {
		if r.JobID == handle.ID {
			return errNoChange
		}
		r.JobID = handle.ID
		return nil
	})
	if err != nil {
		slog.Warn("failed to store job id on record", "record_id", rec.ID, "job_id", handle.ID, "error", err)
	}
	rec.JobID = handle.ID
	return handle, nil
}
