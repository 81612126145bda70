package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

func (h *harness) conversation(t *testing.T, id string) *models.Conversation {
	t.Helper()
	conv, err := h.store.GetConversation(context.Background(), id)
	require.NoError(t, err)
	return conv
}

func (h *harness) waitConversation(t *testing.T, id string, cond func(c *models.Conversation) bool) *models.Conversation {
	t.Helper()
	var conv *models.Conversation
	require.Eventually(t, func() bool {
		c, err := h.store.GetConversation(context.Background(), id)
		if err != nil {
			return false
		}
		conv = c
		return cond(c)
	}, 5*time.Second, 10*time.Millisecond)
	return conv
}

func TestConversationRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.convs.Create(ctx, "", testUser, "hello")
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversationID)
	require.NotEmpty(t, res.ID)

	info, err := h.queue.Status(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.KindConversationChat, info.Kind)
	assert.Equal(t, testUser, info.ConcurrencyKey)
	assert.Equal(t, []string{res.ConversationHistoryID, testWorkspace, res.ConversationID}, info.Tags)

	conv := h.waitConversation(t, res.ConversationID, func(c *models.Conversation) bool {
		return c.Status == models.ConversationCompleted && c.Title != ""
	})
	assert.Empty(t, conv.ActiveRunID)
	assert.Equal(t, "About hello", conv.Title)
	assert.Equal(t, testWorkspace, conv.WorkspaceID)

	hs, err := h.store.ListHistory(ctx, res.ConversationID)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, res.ConversationHistoryID, hs[0].ID)
	assert.Equal(t, models.RoleUser, hs[0].Role)
	assert.Equal(t, models.RoleAssistant, hs[1].Role)
	assert.Equal(t, `reply to "hello"`, hs[1].Message)

	run, err := h.convs.GetCurrentRun(ctx, res.ConversationID, testWorkspace)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestConversationSingleActiveRun(t *testing.T) {
	model := &fakeModel{gate: make(chan struct{})}
	h := newHarness(t, withModel(model))
	ctx := context.Background()

	res, err := h.convs.Create(ctx, "conv-1", testUser, "hello")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", res.ConversationID)

	_, err = h.convs.Create(ctx, "conv-1", testUser, "are you there?")
	require.ErrorIs(t, err, ErrRunActive)

	run, err := h.convs.GetCurrentRun(ctx, "conv-1", testWorkspace)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, res.ID, run.RunID)
	assert.Equal(t, res.ConversationHistoryID, run.ConversationHistoryID)
	assert.Contains(t, queue.ActiveStatuses, run.Status)

	running, err := h.jobs.FindRunningJobs(ctx, []string{"conv-1"}, queue.KindConversationChat)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	close(model.gate)
	h.waitConversation(t, "conv-1", func(c *models.Conversation) bool {
		return c.Status == models.ConversationCompleted && c.ActiveRunID == ""
	})

	_, err = h.convs.Create(ctx, "conv-1", testUser, "second question")
	require.NoError(t, err)
	h.waitConversation(t, "conv-1", func(c *models.Conversation) bool {
		return c.Status == models.ConversationCompleted && c.ActiveRunID == ""
	})
	hs, err := h.store.ListHistory(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, hs, 4)
}

func TestConversationStopWithoutRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateConversation(ctx, &models.Conversation{ID: "conv-1", WorkspaceID: testWorkspace, UserID: testUser}))

	require.NoError(t, h.convs.Stop(ctx, "conv-1", testWorkspace))
	assert.Equal(t, models.ConversationFailed, h.conversation(t, "conv-1").Status)
}

func TestConversationStopQueuedRun(t *testing.T) {
	model := &fakeModel{gate: make(chan struct{})}
	h := newHarness(t, withModel(model))
	ctx := context.Background()
	t.Cleanup(func() { close(model.gate) })

	// The first run occupies the user's lane, so the second stays queued.
	_, err := h.convs.Create(ctx, "conv-a", testUser, "hello")
	require.NoError(t, err)
	res, err := h.convs.Create(ctx, "conv-b", testUser, "hello too")
	require.NoError(t, err)

	require.NoError(t, h.convs.Stop(ctx, "conv-b", testWorkspace))

	conv := h.conversation(t, "conv-b")
	assert.Equal(t, models.ConversationCancelled, conv.Status)
	assert.Empty(t, conv.ActiveRunID)

	info, err := h.jobs.GetJobStatus(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCanceled, info.Status)

	run, err := h.convs.GetCurrentRun(ctx, "conv-b", testWorkspace)
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestConversationStopExecutingRunKeepsRegistration(t *testing.T) {
	model := &fakeModel{gate: make(chan struct{})}
	h := newHarness(t, withModel(model))
	ctx := context.Background()

	res, err := h.convs.Create(ctx, "conv-1", testUser, "hello")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, _ := h.jobs.GetJobStatus(ctx, res.ID)
		return info != nil && info.Status == queue.StatusExecuting
	}, 2*time.Second, 5*time.Millisecond)

	// The local backend cannot interrupt the handler, so the run keeps
	// its registration and a second run is refused.
	require.NoError(t, h.convs.Stop(ctx, "conv-1", testWorkspace))
	conv := h.conversation(t, "conv-1")
	assert.Equal(t, models.ConversationCancelled, conv.Status)
	assert.Equal(t, res.ID, conv.ActiveRunID)

	_, err = h.convs.Create(ctx, "conv-1", testUser, "again")
	require.ErrorIs(t, err, ErrRunActive)
	running, err := h.jobs.FindRunningJobs(ctx, []string{"conv-1"}, queue.KindConversationChat)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	close(model.gate)
	conv = h.waitConversation(t, "conv-1", func(c *models.Conversation) bool { return c.ActiveRunID == "" })
	assert.Equal(t, models.ConversationCancelled, conv.Status)
	hs, err := h.store.ListHistory(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, hs, 1, "reply of a stopped run is dropped")

	_, err = h.convs.Create(ctx, "conv-1", testUser, "again")
	require.NoError(t, err)
	h.waitConversation(t, "conv-1", func(c *models.Conversation) bool {
		return c.Status == models.ConversationCompleted && c.ActiveRunID == ""
	})
}

func TestConversationStaleRunIsReleased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.CreateConversation(ctx, &models.Conversation{ID: "conv-1", WorkspaceID: testWorkspace, UserID: testUser}))
	require.NoError(t, h.store.ClaimActiveRun(ctx, "conv-1", "ghost"))

	// A fresh registration may still be on its way to the queue.
	_, err := h.convs.Create(ctx, "conv-1", testUser, "hello")
	require.ErrorIs(t, err, ErrRunActive)

	h.convs.now = func() time.Time { return time.Now().Add(time.Minute) }
	res, err := h.convs.Create(ctx, "conv-1", testUser, "hello")
	require.NoError(t, err)
	assert.NotEqual(t, "ghost", res.ID)
}

func TestConversationRunFailure(t *testing.T) {
	h := newHarness(t, withModel(&fakeModel{err: errors.New("model offline")}))
	ctx := context.Background()

	res, err := h.convs.Create(ctx, "", testUser, "hello")
	require.NoError(t, err)

	conv := h.waitConversation(t, res.ConversationID, func(c *models.Conversation) bool {
		return c.Status == models.ConversationFailed
	})
	assert.Empty(t, conv.ActiveRunID)

	require.Eventually(t, func() bool {
		info, _ := h.jobs.GetJobStatus(ctx, res.ID)
		return info != nil && info.Status == queue.StatusFailed && info.Attempts == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConversationValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.convs.Create(ctx, "", testUser, "  ")
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, h.store.CreateConversation(ctx, &models.Conversation{ID: "other", WorkspaceID: "ws-2", UserID: "user-2"}))
	_, err = h.convs.Create(ctx, "other", testUser, "hello")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = h.convs.GetCurrentRun(ctx, "other", testWorkspace)
	require.ErrorIs(t, err, store.ErrNotFound)
}
