package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/knowhow-ingest/internal/analytics"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
)

// runStartGrace is how long a registered run may be unknown to the queue
// before it is considered abandoned. Create claims the run before it
// enqueues the job.
const runStartGrace = 30 * time.Second

// ConversationStore is the persistence the conversation service needs.
type ConversationStore interface {
	store.ConversationStore
	store.WorkspaceStore
}

// CreateRunResult is returned by ConversationService.Create.
type CreateRunResult struct {
	ID                    string `json:"id"`
	Token                 string `json:"token,omitempty"`
	ConversationID        string `json:"conversationId"`
	ConversationHistoryID string `json:"conversationHistoryId"`
}

// ConversationRun describes the run in flight for a conversation.
type ConversationRun struct {
	ConversationID        string       `json:"conversationId"`
	ConversationHistoryID string       `json:"conversationHistoryId"`
	RunID                 string       `json:"runId"`
	Token                 string       `json:"token,omitempty"`
	Status                queue.Status `json:"status"`
}

// ChatJob is the payload of conversation-chat and conversation-title jobs.
type ChatJob struct {
	ConversationID string `json:"conversationId"`
	WorkspaceID    string `json:"workspaceId"`
	UserID         string `json:"userId"`
	HistoryID      string `json:"historyId"`
}

// ConversationService starts, inspects and stops conversation runs. At most
// one run per conversation is QUEUED or EXECUTING; the conversation's
// active-run registry enforces it.
type ConversationService struct {
	store ConversationStore
	queue JobQueue
	model ChatModel
	sink  analytics.Sink
	now   func() time.Time
}

// NewConversationService creates a ConversationService.
func NewConversationService(st ConversationStore, q JobQueue, model ChatModel, sink analytics.Sink) *ConversationService {
	if sink == nil {
		sink = analytics.LogSink{}
	}
	return &ConversationService{store: st, queue: q, model: model, sink: sink, now: time.Now}
}

// Create appends message to the conversation and starts a run answering
// it. An empty conversationID starts a new conversation. Returns
// ErrRunActive while another run is in flight.
func (s *ConversationService) Create(ctx context.Context, conversationID, userID, message string) (*CreateRunResult, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Reason: "must not be empty"}
	}
	if strings.TrimSpace(message) == "" {
		return nil, &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	workspaceID, err := s.store.WorkspaceForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ValidationError{Field: "userId", Reason: "user has no workspace"}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	conv, err := s.ensureConversation(ctx, conversationID, workspaceID, userID)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	if err := s.claim(ctx, conv.ID, runID); err != nil {
		return nil, err
	}
	release := func() {
		if err := s.store.ReleaseActiveRun(context.WithoutCancel(ctx), conv.ID, runID); err != nil {
			slog.Warn("failed to release run", "conversation_id", conv.ID, "run_id", runID, "error", err)
		}
	}

	hist := &models.ConversationHistory{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		UserID:         userID,
		Role:           models.RoleUser,
		Message:        message,
	}
	if err := s.store.AppendHistory(ctx, hist); err != nil {
		release()
		return nil, fmt.Errorf("append history: %w", err)
	}
	if err := s.store.UpdateConversationStatus(ctx, conv.ID, models.ConversationRunning); err != nil {
		release()
		return nil, fmt.Errorf("update conversation status: %w", err)
	}

	handle, err := s.queue.Enqueue(ctx, queue.KindConversationChat, ChatJob{
		ConversationID: conv.ID,
		WorkspaceID:    workspaceID,
		UserID:         userID,
		HistoryID:      hist.ID,
	}, queue.EnqueueOptions{
		ID:             runID,
		ConcurrencyKey: userID,
		Tags:           []string{hist.ID, workspaceID, conv.ID},
	})
	if err != nil {
		release()
		s.setStatus(context.WithoutCancel(ctx), conv.ID, models.ConversationFailed)
		return nil, err
	}

	slog.Info("conversation run started", "conversation_id", conv.ID, "run_id", handle.ID, "user_id", userID)
	return &CreateRunResult{
		ID:                    handle.ID,
		Token:                 handle.Token,
		ConversationID:        conv.ID,
		ConversationHistoryID: hist.ID,
	}, nil
}

func (s *ConversationService) ensureConversation(ctx context.Context, id, workspaceID, userID string) (*models.Conversation, error) {
	if id != "" {
		conv, err := s.store.GetConversation(ctx, id)
		if err == nil {
			if conv.WorkspaceID != workspaceID {
				return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
			}
			return conv, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	} else {
		id = uuid.NewString()
	}

	conv := &models.Conversation{ID: id, WorkspaceID: workspaceID, UserID: userID}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// claim registers runID as the conversation's active run. A registered run
// that has finished, or that the queue has never seen within
// runStartGrace, is released and the claim retried once.
func (s *ConversationService) claim(ctx context.Context, conversationID, runID string) error {
	for range 2 {
		err := s.store.ClaimActiveRun(ctx, conversationID, runID)
		if !errors.Is(err, store.ErrActiveRunExists) {
			return err
		}
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.ActiveRunID == "" {
			continue
		}
		info, live, err := s.resolve(ctx, conv)
		if err != nil {
			return err
		}
		if live {
			return fmt.Errorf("conversation %s run %s: %w", conversationID, conv.ActiveRunID, ErrRunActive)
		}
		slog.Info("releasing stale run", "conversation_id", conversationID, "run_id", conv.ActiveRunID, "known", info != nil)
		if err := s.store.ReleaseActiveRun(ctx, conversationID, conv.ActiveRunID); err != nil {
			return err
		}
	}
	return fmt.Errorf("conversation %s: %w", conversationID, ErrRunActive)
}

// resolve looks up the registered run. live is true while the run is
// QUEUED or EXECUTING, or while it is unknown but was registered less
// than runStartGrace ago.
func (s *ConversationService) resolve(ctx context.Context, conv *models.Conversation) (info *queue.Info, live bool, err error) {
	info, err = s.queue.Status(ctx, conv.ActiveRunID)
	if err != nil {
		return nil, false, err
	}
	if info != nil {
		return info, !info.Status.IsTerminal(), nil
	}
	return nil, s.now().Sub(conv.UpdatedAt) < runStartGrace, nil
}

func (s *ConversationService) load(ctx context.Context, conversationID, workspaceID string) (*models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if workspaceID != "" && conv.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, store.ErrNotFound)
	}
	return conv, nil
}

// GetCurrentRun returns the QUEUED or EXECUTING run of the conversation
// with a token scoped to it, or nil when none is in flight. A registered
// run that has finished is cleared.
func (s *ConversationService) GetCurrentRun(ctx context.Context, conversationID, workspaceID string) (*ConversationRun, error) {
	conv, err := s.load(ctx, conversationID, workspaceID)
	if err != nil {
		return nil, err
	}
	if conv.ActiveRunID == "" {
		return nil, nil
	}

	info, live, err := s.resolve(ctx, conv)
	if err != nil {
		return nil, err
	}
	if !live {
		if err := s.store.ReleaseActiveRun(ctx, conv.ID, conv.ActiveRunID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if info == nil {
		// Claimed but not yet enqueued.
		return nil, nil
	}

	run := &ConversationRun{
		ConversationID: conv.ID,
		RunID:          info.ID,
		Status:         info.Status,
	}
	if len(info.Tags) > 0 {
		run.ConversationHistoryID = info.Tags[0]
	} else if h, err := s.store.LatestHistory(ctx, conv.ID); err == nil {
		run.ConversationHistoryID = h.ID
	}
	run.Token, err = s.queue.IssueToken(info.ID)
	if err != nil {
		return nil, fmt.Errorf("issue run token: %w", err)
	}
	return run, nil
}

// Stop cancels the conversation's run and marks it CANCELLED. Without a
// run in flight the conversation is marked FAILED. A run that keeps
// executing after the cancel, because the backend cannot interrupt it,
// stays registered until its handler sees the CANCELLED status, so no new
// run can start alongside it.
func (s *ConversationService) Stop(ctx context.Context, conversationID, workspaceID string) error {
	conv, err := s.load(ctx, conversationID, workspaceID)
	if err != nil {
		return err
	}

	if conv.ActiveRunID != "" {
		info, live, err := s.resolve(ctx, conv)
		if err != nil {
			return err
		}
		if live && info != nil {
			if err := s.queue.Cancel(ctx, info.ID); err != nil {
				return err
			}
			if err := s.store.UpdateConversationStatus(ctx, conv.ID, models.ConversationCancelled); err != nil {
				return err
			}
			after, err := s.queue.Status(ctx, info.ID)
			if err != nil {
				return err
			}
			if after != nil && !after.Status.IsTerminal() {
				slog.Info("conversation run stopping", "conversation_id", conv.ID, "run_id", info.ID, "status", after.Status)
				return nil
			}
			if err := s.store.ReleaseActiveRun(ctx, conv.ID, info.ID); err != nil {
				return err
			}
			slog.Info("conversation run stopped", "conversation_id", conv.ID, "run_id", info.ID)
			return nil
		}
		if err := s.store.ReleaseActiveRun(ctx, conv.ID, conv.ActiveRunID); err != nil {
			return err
		}
	}

	slog.Info("stop requested without a run", "conversation_id", conv.ID)
	return s.store.UpdateConversationStatus(ctx, conv.ID, models.ConversationFailed)
}

func (s *ConversationService) setStatus(ctx context.Context, id string, status models.ConversationStatus) {
	if err := s.store.UpdateConversationStatus(ctx, id, status); err != nil {
		slog.Warn("failed to update conversation status", "conversation_id", id, "status", status, "error", err)
	}
}
