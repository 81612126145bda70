// Package analytics emits product events. Capture never influences the
// outcome of the operation that triggered it.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event names.
const (
	EventEpisodeIngested   = "episode_ingested"
	EventDocumentIngested  = "document_ingested"
	EventCreditsExhausted  = "credits_exhausted"
	EventConversationReply = "conversation_reply"
)

// Event is a single analytics record.
type Event struct {
	Name        string         `json:"event"`
	UserID      string         `json:"userId"`
	WorkspaceID string         `json:"workspaceId,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Sink receives events.
type Sink interface {
	Capture(ctx context.Context, e Event) error
}

// LogSink writes events to a logger at debug level.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Capture(_ context.Context, e Event) error {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Debug("analytics event", "event", e.Name, "user_id", e.UserID, "workspace_id", e.WorkspaceID, "properties", e.Properties)
	return nil
}

// RedisSink publishes events as JSON on a pub/sub channel.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
}

// NewRedisSink publishes on channel through rdb.
func NewRedisSink(rdb redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel}
}

func (s *RedisSink) Capture(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Async delivers events in the background with a bounded timeout. Errors
// and panics of the wrapped sink are logged and dropped.
type Async struct {
	sink    Sink
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewAsync wraps sink.
func NewAsync(sink Sink, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	return &Async{sink: sink, timeout: 5 * time.Second, logger: logger}
}

// Capture schedules delivery and returns immediately.
func (a *Async) Capture(_ context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("analytics sink panicked", "event", e.Name, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.sink.Capture(ctx, e); err != nil {
			a.logger.Warn("failed to capture analytics event", "event", e.Name, "error", err)
		}
	}()
	return nil
}

// Flush waits for pending deliveries.
func (a *Async) Flush() {
	a.wg.Wait()
}
