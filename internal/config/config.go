// Package config loads runtime settings from the environment, an optional
// .env file and an optional YAML file describing the job queues.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Provider names for embedding and LLM backends.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderBedrock   = "bedrock"
)

// Store and queue backend names.
const (
	StoreSurreal = "surreal"
	StoreSQLite  = "sqlite"

	QueueLocal = "local"
	QueueRedis = "redis"

	CreditsPostgres = "postgres"
	CreditsMemory   = "memory"
)

// QueueSettings tunes one job kind.
type QueueSettings struct {
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Config holds all configuration values.
type Config struct {
	// Record store
	StoreBackend string
	SQLitePath   string

	// SurrealDB connection
	SurrealDBURL       string
	SurrealDBNamespace string
	SurrealDBDatabase  string
	SurrealDBUser      string
	SurrealDBPass      string
	SurrealDBAuthLevel string

	// Queue backend
	QueueBackend  string
	RedisURL      string
	RedisPassword string
	RedisPrefix   string
	LaneIdleTTL   time.Duration
	RetryBackoff  time.Duration
	Queues        map[string]QueueSettings

	// Credits
	CreditsBackend string
	DatabaseURL    string
	DefaultCredits int

	// Embeddings and LLM
	EmbedProvider   string
	EmbedModel      string
	EmbedDimension  int
	LLMProvider     string
	LLMModel        string
	OllamaHost      string
	OpenAIAPIKey    string
	AnthropicAPIKey string
	AWSRegion       string

	// HTTP API
	HTTPAddr           string
	ServerURL          string
	JWTSecret          string
	RunTokenTTL        time.Duration
	CORSAllowedOrigins []string
	IngestRateLimit    float64
	IngestBurst        int

	// Analytics: publish events to this Redis channel when set
	AnalyticsChannel string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables, after loading a
// .env file from the working directory if one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		StoreBackend: getEnv("KNOWHOW_STORE", StoreSurreal),
		SQLitePath:   getEnv("KNOWHOW_SQLITE_PATH", "knowhow-ingest.db"),

		SurrealDBURL:       getEnv("SURREALDB_URL", "ws://localhost:8000/rpc"),
		SurrealDBNamespace: getEnv("SURREALDB_NAMESPACE", "knowledge"),
		SurrealDBDatabase:  getEnv("SURREALDB_DATABASE", "graph"),
		SurrealDBUser:      getEnv("SURREALDB_USER", "root"),
		SurrealDBPass:      getEnv("SURREALDB_PASS", "root"),
		SurrealDBAuthLevel: getEnv("SURREALDB_AUTH_LEVEL", "root"),

		QueueBackend:  getEnv("KNOWHOW_QUEUE", QueueLocal),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisPrefix:   getEnv("KNOWHOW_REDIS_PREFIX", "knowhow"),
		LaneIdleTTL:   getDuration("KNOWHOW_LANE_IDLE_TTL", 10*time.Minute),
		RetryBackoff:  getDuration("KNOWHOW_RETRY_BACKOFF", 2*time.Second),
		Queues:        DefaultQueues(),

		CreditsBackend: getEnv("KNOWHOW_CREDITS", CreditsMemory),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		DefaultCredits: getInt("KNOWHOW_DEFAULT_CREDITS", 100),

		EmbedProvider:   getEnv("KNOWHOW_EMBED_PROVIDER", ProviderOllama),
		EmbedModel:      getEnv("KNOWHOW_EMBED_MODEL", "all-minilm:l6-v2"),
		EmbedDimension:  getInt("KNOWHOW_EMBED_DIMENSION", 384),
		LLMProvider:     getEnv("KNOWHOW_LLM_PROVIDER", ProviderOllama),
		LLMModel:        getEnv("KNOWHOW_LLM_MODEL", "llama3.2"),
		OllamaHost:      getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),

		HTTPAddr:        getEnv("KNOWHOW_HTTP_ADDR", ":8484"),
		ServerURL:       getEnv("KNOWHOW_SERVER_URL", "http://localhost:8484"),
		JWTSecret:       getEnv("KNOWHOW_JWT_SECRET", ""),
		RunTokenTTL:     getDuration("KNOWHOW_RUN_TOKEN_TTL", time.Hour),
		IngestRateLimit: getFloat("KNOWHOW_INGEST_RPS", 5),
		IngestBurst:     getInt("KNOWHOW_INGEST_BURST", 20),

		AnalyticsChannel: getEnv("KNOWHOW_ANALYTICS_CHANNEL", ""),

		LogFile:  getEnv("KNOWHOW_LOG_FILE", "/tmp/knowhow-ingest.log"),
		LogLevel: parseLogLevel(getEnv("KNOWHOW_LOG_LEVEL", "INFO")),
	}

	for _, o := range strings.Split(getEnv("CORS_ALLOWED_ORIGINS", ""), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, o)
		}
	}

	if path := getEnv("KNOWHOW_QUEUES_FILE", ""); path != "" {
		if err := cfg.loadQueues(path); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// DefaultQueues returns the built-in per-kind limits.
func DefaultQueues() map[string]QueueSettings {
	return map[string]QueueSettings{
		"ingest-episode":     {Concurrency: 5, Timeout: 5 * time.Minute, MaxAttempts: 3},
		"ingest-document":    {Concurrency: 3, Timeout: 10 * time.Minute, MaxAttempts: 3},
		"conversation-chat":  {Concurrency: 5, Timeout: 5 * time.Minute, MaxAttempts: 3},
		"conversation-title": {Concurrency: 10, Timeout: time.Minute, MaxAttempts: 3},
		"credit-recovery":    {Concurrency: 1, Timeout: 30 * time.Minute, MaxAttempts: 1},
	}
}

// loadQueues overlays per-kind settings from a YAML file of the form
//
//	queues:
//	  ingest-episode:
//	    concurrency: 8
//	    timeout: 2m
func (c *Config) loadQueues(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read queues file: %w", err)
	}
	return c.applyQueues(data)
}

func (c *Config) applyQueues(data []byte) error {
	var file struct {
		Queues map[string]QueueSettings `yaml:"queues"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse queues file: %w", err)
	}
	for kind, s := range file.Queues {
		base := c.Queues[kind]
		if s.Concurrency > 0 {
			base.Concurrency = s.Concurrency
		}
		if s.Timeout > 0 {
			base.Timeout = s.Timeout
		}
		if s.MaxAttempts > 0 {
			base.MaxAttempts = s.MaxAttempts
		}
		c.Queues[kind] = base
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if n, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return n
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if f, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return f
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return d
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
