// Package storetest holds behaviour tests every store.Store implementation
// must pass.
package storetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// Run exercises s. The store must be empty or use unique ids per call.
func Run(t *testing.T, s store.Store) {
	t.Run("record lifecycle", func(t *testing.T) { testRecordLifecycle(t, s) })
	t.Run("stale update rejected", func(t *testing.T) { testStaleUpdate(t, s) })
	t.Run("list by status oldest first", func(t *testing.T) { testListByStatus(t, s) })
	t.Run("list by parent", func(t *testing.T) { testListByParent(t, s) })
	t.Run("documents", func(t *testing.T) { testDocuments(t, s) })
	t.Run("workspaces", func(t *testing.T) { testWorkspaces(t, s) })
	t.Run("conversations", func(t *testing.T) { testConversations(t, s) })
	t.Run("active run registry", func(t *testing.T) { testActiveRun(t, s) })
}

// NewRecord returns an unsaved PENDING conversation record.
func NewRecord(workspaceID string) *models.IngestionQueueRecord {
	data, _ := json.Marshal(models.EpisodePayload{EpisodeBody: "hello", Source: "test", ReferenceTime: time.Now().Format(time.RFC3339)})
	return &models.IngestionQueueRecord{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		UserID:      "user-" + workspaceID,
		Type:        models.EpisodeConversation,
		Data:        data,
		Status:      models.RecordPending,
	}
}

func testRecordLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord(uuid.NewString())

	require.NoError(t, s.CreateRecord(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)

	got, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordPending, got.Status)
	assert.JSONEq(t, string(rec.Data), string(got.Data))

	got.Status = models.RecordProcessing
	got.JobID = "job-1"
	require.NoError(t, s.UpdateRecord(ctx, got))
	assert.Equal(t, int64(2), got.Version)

	got.Status = models.RecordCompleted
	require.NoError(t, got.SetOutput(models.EpisodeOutput{EpisodeUUID: "ep-1"}))
	require.NoError(t, s.UpdateRecord(ctx, got))

	final, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RecordCompleted, final.Status)
	assert.Equal(t, "job-1", final.JobID)
	assert.Equal(t, int64(3), final.Version)
	assert.JSONEq(t, `{"episodeUuid":"ep-1","entities":null,"statements":null}`, string(final.Output))

	_, err = s.GetRecord(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testStaleUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := NewRecord(uuid.NewString())
	require.NoError(t, s.CreateRecord(ctx, rec))

	worker, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	reset, err := s.GetRecord(ctx, rec.ID)
	require.NoError(t, err)

	worker.Status = models.RecordProcessing
	require.NoError(t, s.UpdateRecord(ctx, worker))

	reset.Status = models.RecordFailed
	err = s.UpdateRecord(ctx, reset)
	assert.ErrorIs(t, err, store.ErrStaleRecord, "second writer with old version must lose")

	missing := NewRecord("nowhere")
	err = s.UpdateRecord(ctx, missing)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testListByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	ws := uuid.NewString()

	var ids []string
	for i := 0; i < 3; i++ {
		rec := NewRecord(ws)
		rec.Status = models.RecordNoCredits
		require.NoError(t, s.CreateRecord(ctx, rec))
		ids = append(ids, rec.ID)
		time.Sleep(2 * time.Millisecond)
	}
	other := NewRecord(ws)
	require.NoError(t, s.CreateRecord(ctx, other))

	recs, err := s.ListRecordsByStatus(ctx, ws, models.RecordNoCredits)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, r := range recs {
		assert.Equal(t, ids[i], r.ID, "records must come back oldest first")
	}

	none, err := s.ListRecordsByStatus(ctx, uuid.NewString(), models.RecordNoCredits)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListByParent(t *testing.T, s store.Store) {
	ctx := context.Background()
	ws := uuid.NewString()
	parent := NewRecord(ws)
	require.NoError(t, s.CreateRecord(ctx, parent))

	var ids []string
	for i := 0; i < 2; i++ {
		child := NewRecord(ws)
		child.ParentID = parent.ID
		require.NoError(t, s.CreateRecord(ctx, child))
		ids = append(ids, child.ID)
		time.Sleep(2 * time.Millisecond)
	}

	children, err := s.ListRecordsByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for i, c := range children {
		assert.Equal(t, ids[i], c.ID)
		assert.Equal(t, parent.ID, c.ParentID)
	}

	none, err := s.ListRecordsByParent(ctx, ids[0])
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testDocuments(t *testing.T, s store.Store) {
	ctx := context.Background()
	doc := &models.Document{
		ID:            uuid.NewString(),
		WorkspaceID:   "ws",
		UserID:        "u",
		Title:         "Design notes",
		Content:       "# Notes\n\nbody",
		Source:        "upload",
		Metadata:      map[string]any{"lang": "en"},
		QueueRecordID: "rec-1",
	}
	require.NoError(t, s.CreateDocument(ctx, doc))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Design notes", got.Title)
	assert.Equal(t, "rec-1", got.QueueRecordID)
	assert.Equal(t, "en", got.Metadata["lang"])

	_, err = s.GetDocument(ctx, uuid.NewString())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testWorkspaces(t *testing.T, s store.Store) {
	ctx := context.Background()
	user := uuid.NewString()

	_, err := s.WorkspaceForUser(ctx, user)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.AssignWorkspace(ctx, user, "ws-1"))
	require.NoError(t, s.AssignWorkspace(ctx, user, "ws-2"))

	ws, err := s.WorkspaceForUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "ws-2", ws)
}

func testConversations(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := &models.Conversation{ID: uuid.NewString(), WorkspaceID: "ws", UserID: "u"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationPending, got.Status)

	require.NoError(t, s.UpdateConversationStatus(ctx, conv.ID, models.ConversationRunning))
	require.NoError(t, s.SetConversationTitle(ctx, conv.ID, "Trip planning"))
	got, err = s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationRunning, got.Status)
	assert.Equal(t, "Trip planning", got.Title)

	assert.ErrorIs(t, s.UpdateConversationStatus(ctx, uuid.NewString(), models.ConversationFailed), store.ErrNotFound)

	_, err = s.LatestHistory(ctx, conv.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	for i, msg := range []string{"first", "second", "third"} {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		require.NoError(t, s.AppendHistory(ctx, &models.ConversationHistory{
			ID: uuid.NewString(), ConversationID: conv.ID, UserID: "u", Role: role, Message: msg,
		}))
		time.Sleep(2 * time.Millisecond)
	}

	hist, err := s.ListHistory(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "first", hist[0].Message)

	latest, err := s.LatestHistory(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "third", latest.Message)
}

func testActiveRun(t *testing.T, s store.Store) {
	ctx := context.Background()
	conv := &models.Conversation{ID: uuid.NewString(), WorkspaceID: "ws", UserID: "u"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	require.NoError(t, s.ClaimActiveRun(ctx, conv.ID, "run-1"))
	assert.ErrorIs(t, s.ClaimActiveRun(ctx, conv.ID, "run-2"), store.ErrActiveRunExists)

	// Releasing someone else's run is a no-op.
	require.NoError(t, s.ReleaseActiveRun(ctx, conv.ID, "run-2"))
	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.ActiveRunID)

	require.NoError(t, s.ReleaseActiveRun(ctx, conv.ID, "run-1"))
	require.NoError(t, s.ClaimActiveRun(ctx, conv.ID, "run-2"))

	assert.ErrorIs(t, s.ClaimActiveRun(ctx, uuid.NewString(), "run-3"), store.ErrNotFound)
}
