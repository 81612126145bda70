package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/knowhow-ingest/internal/analytics"
	"github.com/raphaelgruber/knowhow-ingest/internal/credits"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// EpisodeHandler processes ingest-episode jobs.
type EpisodeHandler struct {
	store  store.RecordStore
	engine KnowledgeEngine
	ledger credits.Ledger
	sink   analytics.Sink
}

// NewEpisodeHandler creates an EpisodeHandler.
func NewEpisodeHandler(rs store.RecordStore, engine KnowledgeEngine, ledger credits.Ledger, sink analytics.Sink) *EpisodeHandler {
	if sink == nil {
		sink = analytics.LogSink{}
	}
	return &EpisodeHandler{store: rs, engine: engine, ledger: ledger, sink: sink}
}

// Handle is the queue.Handler for ingest-episode.
func (h *EpisodeHandler) Handle(ctx context.Context, job *queue.Job) error {
	var j EpisodeJob
	if err := job.Decode(&j); err != nil {
		return err
	}

	rec, err := startRecord(ctx, h.store, j.RecordID, job.ID)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		slog.Info("record already settled, skipping", "record_id", rec.ID, "status", rec.Status, "job_id", job.ID)
		return nil
	}

	out, err := h.engine.AddEpisode(ctx, rec.WorkspaceID, rec.ID, j.Episode)
	if err != nil {
		return h.fail(ctx, rec, err)
	}

	done, changed, err := updateRecord(ctx, h.store, rec.ID, func(r *models.IngestionQueueRecord) error {
		if r.Status.IsTerminal() {
			return errNoChange
		}
		r.Status = models.RecordCompleted
		r.Error = ""
		return r.SetOutput(out)
	})
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if !changed {
		slog.Warn("record settled by another writer", "record_id", rec.ID, "status", done.Status)
		return nil
	}

	if err := h.ledger.Deduct(ctx, rec.WorkspaceID, credits.ActionAddEpisode); err != nil {
		slog.Warn("failed to deduct credits", "workspace_id", rec.WorkspaceID, "record_id", rec.ID, "error", err)
	}
	_ = h.sink.Capture(ctx, analytics.Event{
		Name:        analytics.EventEpisodeIngested,
		UserID:      rec.UserID,
		WorkspaceID: rec.WorkspaceID,
		Properties: map[string]any{
			"recordId":   rec.ID,
			"entities":   len(out.Entities),
			"statements": len(out.Statements),
			"documentId": j.Episode.DocumentID,
		},
		Timestamp: time.Now(),
	})

	if rec.ParentID != "" {
		settleParent(context.WithoutCancel(ctx), h.store, rec.ParentID, rec.ID, true)
	}
	return nil
}

// Abandon is the queue.AbandonFunc for ingest-episode. The record is
// failed and, for a chunk, counted as failed on its document.
func (h *EpisodeHandler) Abandon(ctx context.Context, job *queue.Job, cause error) {
	abandonRecord(ctx, h.store, job, cause)
}

// fail records a handler error. A cancelled job or the final attempt marks
// the record FAILED; earlier attempts keep it PROCESSING with the error so
// the retry can still complete it. Shutdown leaves the record untouched
// for the job's redelivery.
func (h *EpisodeHandler) fail(ctx context.Context, rec *models.IngestionQueueRecord, cause error) error {
	wctx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(context.Cause(ctx), queue.ErrClosed):
		return cause
	case errors.Is(context.Cause(ctx), queue.ErrCancelled):
		if failRecord(wctx, h.store, rec.ID, "cancelled") && rec.ParentID != "" {
			settleParent(wctx, h.store, rec.ParentID, rec.ID, false)
		}
		return cause
	case queue.IsFinalAttempt(ctx) || queue.IsPermanent(cause):
		perr := &ProcessingError{RecordID: rec.ID, Err: cause}
		if failRecord(wctx, h.store, rec.ID, perr.Error()) && rec.ParentID != "" {
			settleParent(wctx, h.store, rec.ParentID, rec.ID, false)
		}
		return perr
	default:
		_, _, err := updateRecord(wctx, h.store, rec.ID, func(r *models.IngestionQueueRecord) error {
			if r.Status != models.RecordProcessing {
				return errNoChange
			}
			r.Error = cause.Error()
			return nil
		})
		if err != nil {
			slog.Warn("failed to record attempt error", "record_id", rec.ID, "error", err)
		}
		return cause
	}
}

// startRecord moves a PENDING record to PROCESSING under jobID. Terminal
// records are returned unchanged. A record that no longer exists fails the
// job permanently.
func startRecord(ctx context.Context, rs store.RecordStore, recordID, jobID string) (*models.IngestionQueueRecord, error) {
	rec, _, err := updateRecord(ctx, rs, recordID, func(r *models.IngestionQueueRecord) error {
		if r.Status.IsTerminal() || (r.Status == models.RecordProcessing && r.JobID == jobID) {
			return errNoChange
		}
		r.Status = models.RecordProcessing
		r.JobID = jobID
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		return nil, queue.Permanent(err)
	}
	if err != nil {
		return nil, fmt.Errorf("start record: %w", err)
	}
	return rec, nil
}

// settleParent counts a finished chunk on its document record. Once every
// chunk has settled the document becomes COMPLETED, or FAILED when any
// chunk failed. A document that is already terminal only has its counters
// advanced.
func settleParent(ctx context.Context, rs store.RecordStore, parentID, childID string, ok bool) {
	parent, _, err := updateRecord(ctx, rs, parentID, func(r *models.IngestionQueueRecord) error {
		out, err := r.DocumentProgress()
		if err != nil {
			return err
		}
		if ok {
			out.CompletedChunks++
			out.Episodes = append(out.Episodes, childID)
		} else {
			out.FailedChunks++
		}
		if !r.Status.IsTerminal() && out.Settled() {
			if out.FailedChunks == 0 {
				r.Status = models.RecordCompleted
				r.Error = ""
			} else {
				r.Status = models.RecordFailed
				r.Error = fmt.Sprintf("%d of %d chunks failed", out.FailedChunks, out.TotalChunks)
			}
		}
		return r.SetOutput(out)
	})
	if err != nil {
		slog.Error("failed to settle document record", "record_id", parentID, "chunk_record_id", childID, "error", err)
		return
	}
	if parent.Status.IsTerminal() {
		slog.Info("document record settled", "record_id", parentID, "status", parent.Status)
	}
}
