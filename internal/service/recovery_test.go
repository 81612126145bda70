package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/credits"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/store/sqlite"
)

func parkRecords(t *testing.T, h *harness, bodies ...string) []string {
	t.Helper()
	var ids []string
	for _, body := range bodies {
		_, err := h.ingest.Submit(context.Background(), episodeRequest(body), testUser, "")
		var cerr *CreditExhaustedError
		require.ErrorAs(t, err, &cerr)
		ids = append(ids, cerr.RecordID)
	}
	return ids
}

func TestRecoveryRetriggersParkedRecords(t *testing.T) {
	h := newHarness(t, withCredits(0))
	ctx := context.Background()
	ids := parkRecords(t, h, "first", "second")

	// Parked records are never retried on their own.
	time.Sleep(50 * time.Millisecond)
	for _, id := range ids {
		assert.Equal(t, models.RecordNoCredits, h.record(t, id).Status)
	}
	assert.Empty(t, h.engine.payloads())

	_, err := h.ledger.Grant(ctx, testWorkspace, 10)
	require.NoError(t, err)

	sum, err := h.recovery.Run(ctx, testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, RecoverySummary{Total: 2, Retriggered: 2}, sum)

	for _, id := range ids {
		rec := h.waitStatus(t, id, models.RecordCompleted)
		assert.Equal(t, 1, rec.RetryCount)
		assert.NotEmpty(t, rec.JobID)
	}
	assert.Equal(t, ids, h.engine.stored())

	sum, err = h.recovery.Run(ctx, testWorkspace)
	require.NoError(t, err)
	assert.Zero(t, sum.Total)
}

// parkingDispatcher accepts every record and parks it again, as if the
// job had run out of credits.
type parkingDispatcher struct{ h *harness }

func (d parkingDispatcher) Dispatch(ctx context.Context, rec *models.IngestionQueueRecord) (queue.Handle, error) {
	r, err := d.h.store.GetRecord(ctx, rec.ID)
	if err != nil {
		return queue.Handle{}, err
	}
	r.Status = models.RecordNoCredits
	return queue.Handle{ID: "parked"}, d.h.store.UpdateRecord(ctx, r)
}

func TestRecoveryRetryCountAccumulates(t *testing.T) {
	h := newHarness(t, withCredits(0))
	ctx := context.Background()
	ids := parkRecords(t, h, "hello")

	svc := NewRecoveryService(h.store, parkingDispatcher{h}, nil)
	for want := 1; want <= 3; want++ {
		sum, err := svc.Run(ctx, testWorkspace)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Retriggered)
		assert.Equal(t, want, h.record(t, ids[0]).RetryCount)
	}
}

func TestRecoveryDispatchFailure(t *testing.T) {
	st, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close(context.Background()) })
	ctx := context.Background()
	require.NoError(t, st.AssignWorkspace(ctx, testUser, testWorkspace))

	parked := NewIngestService(st, failingQueue{}, credits.NewMemoryLedger(0), nil)
	for range 2 {
		_, err := parked.Submit(ctx, episodeRequest("hello"), testUser, "")
		require.ErrorIs(t, err, ErrCreditExhausted)
	}

	svc := NewRecoveryService(st, parked, nil)
	sum, err := svc.Run(ctx, testWorkspace)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Zero(t, sum.Retriggered)
	assert.Equal(t, 2, sum.Failed)
	assert.Len(t, sum.Errors, 2)

	failed, err := st.ListRecordsByStatus(ctx, testWorkspace, models.RecordFailed)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, rec := range failed {
		assert.Contains(t, rec.Error, "retry dispatch failed")
		assert.Equal(t, 1, rec.RetryCount)
	}
}

func TestRecoveryAsJob(t *testing.T) {
	h := newHarness(t, withCredits(0))
	ctx := context.Background()
	ids := parkRecords(t, h, "hello")

	_, err := h.ledger.Grant(ctx, testWorkspace, 1)
	require.NoError(t, err)

	handle, err := h.recovery.Enqueue(ctx, testWorkspace)
	require.NoError(t, err)
	h.waitStatus(t, ids[0], models.RecordCompleted)

	info, err := h.jobs.GetJobStatus(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, testWorkspace, info.ConcurrencyKey)
}

func TestRecoveryRequiresWorkspace(t *testing.T) {
	h := newHarness(t)
	_, err := h.recovery.Run(context.Background(), "")
	require.ErrorIs(t, err, ErrValidation)
}
