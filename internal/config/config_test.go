package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KNOWHOW_QUEUE", "")
	t.Setenv("KNOWHOW_QUEUES_FILE", "")
	t.Setenv("KNOWHOW_RETRY_BACKOFF", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, QueueLocal, cfg.QueueBackend)
	assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
	assert.Equal(t, 5, cfg.Queues["ingest-episode"].Concurrency)
	assert.Equal(t, 3, cfg.Queues["ingest-document"].Concurrency)
	assert.Equal(t, 10, cfg.Queues["conversation-title"].Concurrency)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KNOWHOW_QUEUE", "redis")
	t.Setenv("KNOWHOW_LANE_IDLE_TTL", "30s")
	t.Setenv("KNOWHOW_INGEST_BURST", "7")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test,")
	t.Setenv("KNOWHOW_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, QueueRedis, cfg.QueueBackend)
	assert.Equal(t, 30*time.Second, cfg.LaneIdleTTL)
	assert.Equal(t, 7, cfg.IngestBurst)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestApplyQueues(t *testing.T) {
	cfg := Config{Queues: DefaultQueues()}

	err := cfg.applyQueues([]byte(`
queues:
  ingest-episode:
    concurrency: 8
    timeout: 90s
  space-assignment:
    concurrency: 2
`))
	require.NoError(t, err)

	ep := cfg.Queues["ingest-episode"]
	assert.Equal(t, 8, ep.Concurrency)
	assert.Equal(t, 90*time.Second, ep.Timeout)
	assert.Equal(t, 3, ep.MaxAttempts, "unset fields keep their default")
	assert.Equal(t, 2, cfg.Queues["space-assignment"].Concurrency)
}

func TestApplyQueuesInvalidYAML(t *testing.T) {
	cfg := Config{Queues: DefaultQueues()}
	err := cfg.applyQueues([]byte("queues: [not, a, map"))
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job created", "job_id", "abc")

	assert.Contains(t, stderr.String(), "job_id=abc")
	assert.NotContains(t, stderr.String(), "hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(file.Bytes(), &entry))
	assert.Equal(t, "job created", entry["msg"])
	assert.Equal(t, "abc", entry["job_id"])
}
