package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// JobManager looks up and cancels jobs independently of the backend.
type JobManager struct {
	queue JobQueue
}

// NewJobManager creates a JobManager.
func NewJobManager(q JobQueue) *JobManager {
	return &JobManager{queue: q}
}

// FindRunningJobs returns QUEUED or EXECUTING jobs carrying every tag,
// optionally limited to kinds.
func (m *JobManager) FindRunningJobs(ctx context.Context, tags []string, kinds ...queue.Kind) ([]queue.Info, error) {
	return m.queue.FindByTags(ctx, tags, queue.Filter{Kinds: kinds, Statuses: queue.ActiveStatuses})
}

// FindJobs returns jobs carrying every tag that pass f.
func (m *JobManager) FindJobs(ctx context.Context, tags []string, f queue.Filter) ([]queue.Info, error) {
	return m.queue.FindByTags(ctx, tags, f)
}

// CancelJob cancels a job. Cancelling a finished job is a no-op.
func (m *JobManager) CancelJob(ctx context.Context, id string) error {
	info, err := m.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	if info.Status.IsTerminal() {
		return nil
	}
	if err := m.queue.Cancel(ctx, id); err != nil {
		return err
	}
	slog.Info("job cancelled", "job_id", id, "kind", info.Kind, "status", info.Status)
	return nil
}

// GetJobStatus returns the job snapshot or an error wrapping
// queue.ErrJobNotFound.
func (m *JobManager) GetJobStatus(ctx context.Context, id string) (*queue.Info, error) {
	info, err := m.queue.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, fmt.Errorf("job %s: %w", id, queue.ErrJobNotFound)
	}
	return info, nil
}
