package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

func TestJobManager(t *testing.T) {
	h := newHarness(t, withEngine(&fakeEngine{delay: 300 * time.Millisecond}))
	ctx := context.Background()

	first, err := h.ingest.Submit(ctx, episodeRequest("first"), testUser, "")
	require.NoError(t, err)
	second, err := h.ingest.Submit(ctx, episodeRequest("second"), testUser, "")
	require.NoError(t, err)

	running, err := h.jobs.FindRunningJobs(ctx, []string{testUser}, queue.KindIngestEpisode)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	none, err := h.jobs.FindRunningJobs(ctx, []string{testUser}, queue.KindConversationChat)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, h.jobs.CancelJob(ctx, second.ID))
	info, err := h.jobs.GetJobStatus(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCanceled, info.Status)
	assert.True(t, info.IsCompleted)

	firstID := h.recordFor(t, first)
	h.waitStatus(t, firstID, models.RecordCompleted)
	require.Eventually(t, func() bool {
		info, err := h.jobs.GetJobStatus(ctx, first.ID)
		return err == nil && info.Status == queue.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	// Cancelling a finished job changes nothing.
	require.NoError(t, h.jobs.CancelJob(ctx, first.ID))
	a, err := h.jobs.GetJobStatus(ctx, first.ID)
	require.NoError(t, err)
	b, err := h.jobs.GetJobStatus(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, queue.StatusCompleted, a.Status)

	running, err = h.jobs.FindRunningJobs(ctx, []string{testUser})
	require.NoError(t, err)
	assert.Empty(t, running)

	// The cancelled job never ran.
	assert.Equal(t, []string{firstID}, h.engine.stored())
}

func TestGetJobStatusUnknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.jobs.GetJobStatus(context.Background(), "missing")
	require.ErrorIs(t, err, queue.ErrJobNotFound)
	require.ErrorIs(t, h.jobs.CancelJob(context.Background(), "missing"), queue.ErrJobNotFound)
}
