package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/knowhow-ingest/internal/analytics"
	"github.com/raphaelgruber/knowhow-ingest/internal/llm"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
)

// HandleChat is the queue.Handler for conversation-chat. It answers the
// conversation while the job is still its registered run; a stopped or
// superseded run does nothing and gives up its registration.
func (s *ConversationService) HandleChat(ctx context.Context, job *queue.Job) error {
	var j ChatJob
	if err := job.Decode(&j); err != nil {
		return err
	}

	conv, err := s.store.GetConversation(ctx, j.ConversationID)
	if err != nil {
		return queue.Permanent(err)
	}
	if s.stopped(ctx, conv, job.ID) {
		slog.Info("run no longer active, skipping", "conversation_id", conv.ID, "run_id", job.ID)
		return nil
	}

	hs, err := s.store.ListHistory(ctx, conv.ID)
	if err != nil {
		return s.failRun(ctx, conv.ID, job.ID, fmt.Errorf("load history: %w", err))
	}
	msgs := make([]llm.Message, 0, len(hs))
	for _, h := range hs {
		msgs = append(msgs, llm.Message{Role: h.Role, Text: h.Message})
	}

	reply, err := s.model.Reply(ctx, msgs)
	if err != nil {
		return s.failRun(ctx, conv.ID, job.ID, fmt.Errorf("generate reply: %w", err))
	}

	// Stop may have released the run while the model was answering.
	conv, err = s.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return s.failRun(ctx, j.ConversationID, job.ID, err)
	}
	if s.stopped(ctx, conv, job.ID) {
		slog.Info("run stopped while answering, dropping reply", "conversation_id", conv.ID, "run_id", job.ID)
		return nil
	}

	if err := s.store.AppendHistory(ctx, &models.ConversationHistory{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		UserID:         j.UserID,
		Role:           models.RoleAssistant,
		Message:        reply,
	}); err != nil {
		return s.failRun(ctx, conv.ID, job.ID, fmt.Errorf("append reply: %w", err))
	}
	s.setStatus(ctx, conv.ID, models.ConversationCompleted)
	if err := s.store.ReleaseActiveRun(ctx, conv.ID, job.ID); err != nil {
		slog.Warn("failed to release run", "conversation_id", conv.ID, "run_id", job.ID, "error", err)
	}

	_ = s.sink.Capture(ctx, analytics.Event{
		Name:        analytics.EventConversationReply,
		UserID:      j.UserID,
		WorkspaceID: j.WorkspaceID,
		Properties:  map[string]any{"conversationId": conv.ID, "runId": job.ID, "messages": len(hs) + 1},
		Timestamp:   time.Now(),
	})

	if conv.Title == "" {
		_, err := s.queue.Enqueue(ctx, queue.KindConversationTitle, j, queue.EnqueueOptions{
			ConcurrencyKey: conv.ID,
			Tags:           []string{conv.ID},
		})
		if err != nil {
			slog.Warn("failed to enqueue title job", "conversation_id", conv.ID, "error", err)
		}
	}
	return nil
}

// stopped reports whether runID is no longer the conversation's live run.
// A run Stop marked CANCELLED while it was executing is released here.
func (s *ConversationService) stopped(ctx context.Context, conv *models.Conversation, runID string) bool {
	if conv.ActiveRunID != runID {
		return true
	}
	if conv.Status != models.ConversationCancelled {
		return false
	}
	if err := s.store.ReleaseActiveRun(context.WithoutCancel(ctx), conv.ID, runID); err != nil {
		slog.Warn("failed to release stopped run", "conversation_id", conv.ID, "run_id", runID, "error", err)
	}
	return true
}

// AbandonChat is the queue.AbandonFunc for conversation-chat. A run
// cancelled before it started is marked CANCELLED, one lost with its
// worker FAILED.
func (s *ConversationService) AbandonChat(ctx context.Context, job *queue.Job, cause error) {
	ctx = context.WithoutCancel(ctx)
	var j ChatJob
	if err := job.Decode(&j); err != nil {
		slog.Error("failed to decode abandoned run", "run_id", job.ID, "error", err)
		return
	}
	conv, err := s.store.GetConversation(ctx, j.ConversationID)
	if err != nil {
		slog.Error("failed to load conversation of abandoned run", "conversation_id", j.ConversationID, "run_id", job.ID, "error", err)
		return
	}
	if conv.ActiveRunID != job.ID {
		return
	}

	status := models.ConversationFailed
	if errors.Is(cause, queue.ErrCancelled) {
		status = models.ConversationCancelled
	}
	s.setStatus(ctx, conv.ID, status)
	if err := s.store.ReleaseActiveRun(ctx, conv.ID, job.ID); err != nil {
		slog.Warn("failed to release run", "conversation_id", conv.ID, "run_id", job.ID, "error", err)
	}
}

// failRun gives up on the run after its final attempt or on cancellation.
// Earlier attempts return err for a retry.
func (s *ConversationService) failRun(ctx context.Context, conversationID, runID string, err error) error {
	wctx := context.WithoutCancel(ctx)
	switch {
	case errors.Is(context.Cause(ctx), queue.ErrClosed):
		return err
	case errors.Is(context.Cause(ctx), queue.ErrCancelled):
		// Stop owns the status of a cancelled run.
		_ = s.store.ReleaseActiveRun(wctx, conversationID, runID)
		return err
	case queue.IsFinalAttempt(ctx) || queue.IsPermanent(err):
		slog.Error("conversation run failed", "conversation_id", conversationID, "run_id", runID, "error", err)
		s.setStatus(wctx, conversationID, models.ConversationFailed)
		if rerr := s.store.ReleaseActiveRun(wctx, conversationID, runID); rerr != nil {
			slog.Warn("failed to release run", "conversation_id", conversationID, "run_id", runID, "error", rerr)
		}
		return err
	default:
		return err
	}
}

// HandleTitle is the queue.Handler for conversation-title.
func (s *ConversationService) HandleTitle(ctx context.Context, job *queue.Job) error {
	var j ChatJob
	if err := job.Decode(&j); err != nil {
		return err
	}
	conv, err := s.store.GetConversation(ctx, j.ConversationID)
	if err != nil {
		return queue.Permanent(err)
	}
	if conv.Title != "" {
		return nil
	}

	hs, err := s.store.ListHistory(ctx, conv.ID)
	if err != nil {
		return err
	}
	var first string
	for _, h := range hs {
		if h.Role == models.RoleUser {
			first = h.Message
			break
		}
	}
	if first == "" {
		return nil
	}

	title, err := s.model.Title(ctx, first)
	if err != nil {
		return fmt.Errorf("generate title: %w", err)
	}
	if title == "" {
		return nil
	}
	return s.store.SetConversationTitle(ctx, conv.ID, title)
}
