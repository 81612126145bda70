package models

import "time"

// ConversationStatus tracks the latest run outcome of a conversation.
type ConversationStatus string

const (
	ConversationPending   ConversationStatus = "PENDING"
	ConversationRunning   ConversationStatus = "RUNNING"
	ConversationCompleted ConversationStatus = "COMPLETED"
	ConversationFailed    ConversationStatus = "FAILED"
	ConversationCancelled ConversationStatus = "CANCELLED"
)

// Conversation is a persistent chat session. ActiveRunID is the run
// registered as in flight, if any.
type Conversation struct {
	ID          string             `json:"id"`
	WorkspaceID string             `json:"workspaceId"`
	UserID      string             `json:"userId"`
	Title       string             `json:"title"`
	Status      ConversationStatus `json:"status"`
	ActiveRunID string             `json:"activeRunId,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationHistory is a single message within a conversation.
type ConversationHistory struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Role           string    `json:"role"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
}
