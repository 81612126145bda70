package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/parser"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

func documentRequest(body string) IngestRequest {
	return IngestRequest{
		EpisodeBody:   body,
		ReferenceTime: refTime,
		Source:        "upload",
		SessionID:     "sess-1",
		Type:          models.EpisodeDocument,
		DocumentTitle: "Guide",
		DocumentID:    "doc-1",
		Metadata:      map[string]any{"lang": "en"},
	}
}

func TestDocumentFanout(t *testing.T) {
	h := newHarness(t, withChunker(fakeChunker{n: 3}))
	ctx := context.Background()

	handle, err := h.ingest.Submit(ctx, documentRequest("a long guide"), testUser, "")
	require.NoError(t, err)

	info, err := h.queue.Status(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.KindIngestDocument, info.Kind)
	parentID := h.recordFor(t, handle)

	parent := h.waitStatus(t, parentID, models.RecordCompleted)
	out, err := parent.DocumentProgress()
	require.NoError(t, err)
	assert.Equal(t, "doc-1", out.DocumentUUID)
	assert.Equal(t, 3, out.TotalChunks)
	assert.Equal(t, 3, out.CompletedChunks)
	assert.Zero(t, out.FailedChunks)
	assert.Len(t, out.Episodes, 3)

	doc, err := h.store.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Guide", doc.Title)
	assert.Equal(t, parentID, doc.QueueRecordID)

	chunkJobs, err := h.jobs.FindJobs(ctx, []string{testUser, parentID, "doc-1"}, queue.Filter{Kinds: []queue.Kind{queue.KindIngestEpisode}})
	require.NoError(t, err)
	assert.Len(t, chunkJobs, 3)
	for _, j := range chunkJobs {
		assert.Equal(t, testUser, j.ConcurrencyKey)
	}

	var indexes []int
	for _, p := range h.engine.payloads() {
		require.NotNil(t, p.ChunkIndex)
		indexes = append(indexes, *p.ChunkIndex)
		assert.Equal(t, "doc-1", p.DocumentID)
		assert.Equal(t, "Guide", p.DocumentTitle)
		assert.Equal(t, "upload", p.Source)
		assert.Equal(t, "sess-1", p.SessionID)
		assert.Equal(t, "en", p.Metadata["lang"])
	}
	slices.Sort(indexes)
	assert.Equal(t, []int{0, 1, 2}, indexes)

	for _, id := range out.Episodes {
		child := h.record(t, id)
		assert.Equal(t, parentID, child.ParentID)
		assert.Equal(t, models.RecordCompleted, child.Status)
	}
}

func TestDocumentWithoutChunksCompletes(t *testing.T) {
	h := newHarness(t, withChunker(fakeChunker{n: 0}))

	handle, err := h.ingest.Submit(context.Background(), documentRequest("x"), testUser, "")
	require.NoError(t, err)

	parent := h.waitStatus(t, h.recordFor(t, handle), models.RecordCompleted)
	out, err := parent.DocumentProgress()
	require.NoError(t, err)
	assert.Zero(t, out.TotalChunks)
	assert.Empty(t, h.engine.payloads())
}

func TestDocumentChunkerFailure(t *testing.T) {
	h := newHarness(t, withChunker(fakeChunker{err: errors.New("unreadable")}))
	ctx := context.Background()

	handle, err := h.ingest.Submit(ctx, documentRequest("x"), testUser, "")
	require.NoError(t, err)

	parent := h.waitStatus(t, h.recordFor(t, handle), models.RecordFailed)
	assert.Contains(t, parent.Error, "unreadable")

	// Pipeline failures are not retried.
	require.Eventually(t, func() bool {
		info, _ := h.queue.Status(ctx, handle.ID)
		return info != nil && info.Status == queue.StatusFailed && info.Attempts == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDocumentPartialChunkFailure(t *testing.T) {
	engine := &fakeEngine{fail: func(p models.EpisodePayload, _ int) error {
		if p.ChunkIndex != nil && *p.ChunkIndex == 1 {
			return queue.Permanent(errors.New("cannot parse chunk"))
		}
		return nil
	}}
	h := newHarness(t, withChunker(fakeChunker{n: 3}), withEngine(engine))

	handle, err := h.ingest.Submit(context.Background(), documentRequest("x"), testUser, "")
	require.NoError(t, err)

	parent := h.waitStatus(t, h.recordFor(t, handle), models.RecordFailed)
	assert.Equal(t, "1 of 3 chunks failed", parent.Error)
	out, err := parent.DocumentProgress()
	require.NoError(t, err)
	assert.Equal(t, 2, out.CompletedChunks)
	assert.Equal(t, 1, out.FailedChunks)
}

func TestDocumentSettlesWhenQueuedChunkIsCancelled(t *testing.T) {
	engine := &fakeEngine{delay: 300 * time.Millisecond}
	h := newHarness(t, withChunker(fakeChunker{n: 3}), withEngine(engine))
	ctx := context.Background()

	handle, err := h.ingest.Submit(ctx, documentRequest("x"), testUser, "")
	require.NoError(t, err)
	parentID := h.recordFor(t, handle)

	// Chunks share the user's lane, so all but the first wait in line.
	var queued queue.Info
	require.Eventually(t, func() bool {
		jobs, err := h.jobs.FindJobs(ctx, []string{testUser, parentID, "doc-1"}, queue.Filter{
			Kinds:    []queue.Kind{queue.KindIngestEpisode},
			Statuses: []queue.Status{queue.StatusQueued},
		})
		if err != nil || len(jobs) == 0 {
			return false
		}
		queued = jobs[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.jobs.CancelJob(ctx, queued.ID))
	info, err := h.jobs.GetJobStatus(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCanceled, info.Status)

	parent := h.waitStatus(t, parentID, models.RecordFailed)
	assert.Equal(t, "1 of 3 chunks failed", parent.Error)
	out, err := parent.DocumentProgress()
	require.NoError(t, err)
	assert.Equal(t, 2, out.CompletedChunks)
	assert.Equal(t, 1, out.FailedChunks)
	assert.Len(t, engine.payloads(), 2)

	children, err := h.store.ListRecordsByParent(ctx, parentID)
	require.NoError(t, err)
	require.Len(t, children, 3)
	var cancelled int
	for _, c := range children {
		if c.JobID == queued.ID {
			cancelled++
			assert.Equal(t, models.RecordFailed, c.Status)
			assert.Equal(t, "cancelled", c.Error)
		} else {
			assert.Equal(t, models.RecordCompleted, c.Status)
		}
	}
	assert.Equal(t, 1, cancelled)
}

func TestDocumentRedeliveryDispatchesMissingChunks(t *testing.T) {
	h := newHarness(t, withChunker(fakeChunker{n: 3}))
	ctx := context.Background()

	data, err := json.Marshal(documentRequest("x").payload())
	require.NoError(t, err)
	parent := &models.IngestionQueueRecord{
		ID:          "rec-doc",
		WorkspaceID: testWorkspace,
		UserID:      testUser,
		Type:        models.EpisodeDocument,
		Data:        data,
		Status:      models.RecordProcessing,
		JobID:       "first-delivery",
	}
	require.NoError(t, parent.SetOutput(models.DocumentOutput{
		DocumentUUID:    "doc-1",
		TotalChunks:     3,
		CompletedChunks: 1,
		Episodes:        []string{"chunk-0"},
	}))
	require.NoError(t, h.store.CreateRecord(ctx, parent))
	require.NoError(t, h.store.CreateDocument(ctx, &models.Document{
		ID:            "doc-1",
		WorkspaceID:   testWorkspace,
		UserID:        testUser,
		Title:         "Guide",
		QueueRecordID: parent.ID,
	}))

	chunk := func(id string, idx int, status models.RecordStatus, jobID string) {
		data, err := json.Marshal(models.EpisodePayload{
			EpisodeBody:   fmt.Sprintf("part %d", idx),
			ReferenceTime: refTime,
			Source:        "upload",
			Type:          models.EpisodeDocument,
			DocumentID:    "doc-1",
			ChunkIndex:    &idx,
		})
		require.NoError(t, err)
		require.NoError(t, h.store.CreateRecord(ctx, &models.IngestionQueueRecord{
			ID:          id,
			WorkspaceID: testWorkspace,
			UserID:      testUser,
			ParentID:    parent.ID,
			Type:        models.EpisodeDocument,
			Data:        data,
			Status:      status,
			JobID:       jobID,
		}))
	}
	// The first delivery finished chunk 0, stored chunk 1 without
	// enqueueing it and never reached chunk 2.
	chunk("chunk-0", 0, models.RecordCompleted, "old-job")
	chunk("chunk-1", 1, models.RecordPending, "")

	out, err := h.pipeline.Run(ctx, parent.ID, "second-delivery")
	require.NoError(t, err)
	assert.Equal(t, 3, out.TotalChunks)

	done := h.waitStatus(t, parent.ID, models.RecordCompleted)
	progress, err := done.DocumentProgress()
	require.NoError(t, err)
	assert.Equal(t, 3, progress.CompletedChunks)
	assert.Contains(t, progress.Episodes, "chunk-1")

	var indexes []int
	for _, p := range h.engine.payloads() {
		require.NotNil(t, p.ChunkIndex)
		indexes = append(indexes, *p.ChunkIndex)
	}
	slices.Sort(indexes)
	assert.Equal(t, []int{1, 2}, indexes)

	children, err := h.store.ListRecordsByParent(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)
	assert.NotEmpty(t, h.record(t, "chunk-1").JobID)
}

func TestDocumentRunIsIdempotent(t *testing.T) {
	h := newHarness(t, withChunker(fakeChunker{n: 2}))
	ctx := context.Background()

	handle, err := h.ingest.Submit(ctx, documentRequest("x"), testUser, "")
	require.NoError(t, err)
	parentID := h.recordFor(t, handle)
	h.waitStatus(t, parentID, models.RecordCompleted)

	out, err := h.pipeline.Run(ctx, parentID, "another-job")
	require.NoError(t, err)
	assert.Equal(t, 2, out.TotalChunks)

	jobs, err := h.jobs.FindJobs(ctx, []string{parentID}, queue.Filter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 3, "document job plus two chunk jobs")
}

func TestDocumentPipelineUsesRealChunker(t *testing.T) {
	h := newHarness(t, withChunker(parser.NewChunker(parser.DefaultOptions())))

	req := documentRequest("---\nauthor: Ada\n---\n# Notes\n\nAlice likes tea. Bob prefers coffee.")
	req.DocumentTitle = ""
	handle, err := h.ingest.Submit(context.Background(), req, testUser, "")
	require.NoError(t, err)

	parent := h.waitStatus(t, h.recordFor(t, handle), models.RecordCompleted)
	out, err := parent.DocumentProgress()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.TotalChunks, 1)

	doc, err := h.store.GetDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Notes", doc.Title)
	assert.Equal(t, "Ada", doc.Metadata["author"])
}
