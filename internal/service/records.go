package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// maxCASRetries bounds how often a record update is reapplied after losing
// to a concurrent writer.
const maxCASRetries = 16

var (
	// ErrInvalidTransition indicates a status change the record state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// errNoChange tells updateRecord to leave the record as loaded.
	errNoChange = errors.New("no change")
)

// updateRecord loads the record, applies fn and writes it back with a
// compare-and-swap on its version. On a lost race the record is reloaded
// and fn reapplied. changed is false when fn returned errNoChange.
func updateRecord(ctx context.Context, rs store.RecordStore, id string, fn func(rec *models.IngestionQueueRecord) error) (rec *models.IngestionQueueRecord, changed bool, err error) {
	for range maxCASRetries {
		rec, err = rs.GetRecord(ctx, id)
		if err != nil {
			return nil, false, err
		}
		prev := rec.Status
		if err := fn(rec); err != nil {
			if errors.Is(err, errNoChange) {
				return rec, false, nil
			}
			return nil, false, err
		}
		if rec.Status != prev && !models.CanTransition(prev, rec.Status) {
			return nil, false, fmt.Errorf("record %s: %w: %s -> %s", id, ErrInvalidTransition, prev, rec.Status)
		}

		err = rs.UpdateRecord(ctx, rec)
		if err == nil {
			return rec, true, nil
		}
		if !errors.Is(err, store.ErrStaleRecord) {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("record %s: %w after %d attempts", id, store.ErrStaleRecord, maxCASRetries)
}

// failRecord moves a non-terminal record to FAILED with msg. It reports
// whether this call performed the transition.
func failRecord(ctx context.Context, rs store.RecordStore, id, msg string) bool {
	_, changed, err := updateRecord(ctx, rs, id, func(r *models.IngestionQueueRecord) error {
		if r.Status.IsTerminal() {
			return errNoChange
		}
		r.Status = models.RecordFailed
		r.Error = msg
		if r.ParentID != "" || r.Type != models.EpisodeDocument {
			r.Output = nil
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to mark record failed", "record_id", id, "error", err)
		return false
	}
	return changed
}

// abandonRecord fails the record of an ingest job that ended without its
// handler returning, and counts a failed chunk on its document so the
// document still settles.
func abandonRecord(ctx context.Context, rs store.RecordStore, job *queue.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	var j EpisodeJob
	if err := job.Decode(&j); err != nil {
		slog.Error("failed to decode abandoned job", "job_id", job.ID, "error", err)
		return
	}
	rec, err := rs.GetRecord(ctx, j.RecordID)
	if err != nil {
		slog.Error("failed to load record of abandoned job", "job_id", job.ID, "record_id", j.RecordID, "error", err)
		return
	}

	msg := "cancelled"
	if !errors.Is(cause, queue.ErrCancelled) {
		msg = (&ProcessingError{RecordID: rec.ID, Err: cause}).Error()
	}
	if failRecord(ctx, rs, rec.ID, msg) && rec.ParentID != "" {
		settleParent(ctx, rs, rec.ParentID, rec.ID, false)
	}
}
