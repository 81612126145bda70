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

// RecoverySummary reports the outcome of one recovery run.
type RecoverySummary struct {
	Total       int      `json:"total"`
	Retriggered int      `json:"retriggered"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors,omitempty"`
}

// RecoveryJob is the payload of credit-recovery jobs.
type RecoveryJob struct {
	WorkspaceID string `json:"workspaceId"`
}

// RecoveryService re-dispatches records parked for lack of credits.
type RecoveryService struct {
	store      store.RecordStore
	dispatcher RecordDispatcher
	queue      JobQueue
}

// NewRecoveryService creates a RecoveryService. q is only needed by Enqueue.
func NewRecoveryService(rs store.RecordStore, d RecordDispatcher, q JobQueue) *RecoveryService {
	return &RecoveryService{store: rs, dispatcher: d, queue: q}
}

// Run moves every NO_CREDITS record of the workspace back to PENDING,
// oldest first, and dispatches it without a credit check. A record whose
// reset or dispatch fails is marked FAILED and counted; the run continues.
func (s *RecoveryService) Run(ctx context.Context, workspaceID string) (RecoverySummary, error) {
	var sum RecoverySummary
	if workspaceID == "" {
		return sum, &ValidationError{Field: "workspaceId", Reason: "must not be empty"}
	}

	recs, err := s.store.ListRecordsByStatus(ctx, workspaceID, models.RecordNoCredits)
	if err != nil {
		return sum, fmt.Errorf("list parked records: %w", err)
	}
	sum.Total = len(recs)

	for _, r := range recs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := s.retrigger(ctx, r.ID); err != nil {
			sum.Failed++
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", r.ID, err))
			continue
		}
		sum.Retriggered++
	}

	slog.Info("credit recovery finished", "workspace_id", workspaceID,
		"total", sum.Total, "retriggered", sum.Retriggered, "failed", sum.Failed)
	return sum, nil
}

var errNotParked = errors.New("record is no longer waiting for credits")

func (s *RecoveryService) retrigger(ctx context.Context, id string) error {
	rec, changed, err := updateRecord(ctx, s.store, id, func(r *models.IngestionQueueRecord) error {
		if r.Status != models.RecordNoCredits {
			return errNoChange
		}
		r.Status = models.RecordPending
		r.Error = ""
		r.RetryCount++
		return nil
	})
	if err != nil {
		failRecord(context.WithoutCancel(ctx), s.store, id, "retry dispatch failed: "+err.Error())
		return err
	}
	if !changed {
		return errNotParked
	}

	if _, err := s.dispatcher.Dispatch(ctx, rec); err != nil {
		failRecord(context.WithoutCancel(ctx), s.store, id, "retry dispatch failed: "+err.Error())
		return err
	}
	return nil
}

// Enqueue submits a background recovery run for the workspace. Runs for
// the same workspace never overlap.
func (s *RecoveryService) Enqueue(ctx context.Context, workspaceID string) (queue.Handle, error) {
	if workspaceID == "" {
		return queue.Handle{}, &ValidationError{Field: "workspaceId", Reason: "must not be empty"}
	}
	return s.queue.Enqueue(ctx, queue.KindCreditRecovery, RecoveryJob{WorkspaceID: workspaceID},
		queue.EnqueueOptions{ConcurrencyKey: workspaceID, Tags: []string{workspaceID}})
}

// Handle is the queue.Handler for credit-recovery.
func (s *RecoveryService) Handle(ctx context.Context, job *queue.Job) error {
	var j RecoveryJob
	if err := job.Decode(&j); err != nil {
		return err
	}
	sum, err := s.Run(ctx, j.WorkspaceID)
	if err != nil {
		return err
	}
	if sum.Failed > 0 {
		slog.Warn("credit recovery had failures", "workspace_id", j.WorkspaceID, "errors", sum.Errors)
	}
	return nil
}
