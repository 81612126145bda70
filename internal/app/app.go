// Package app builds the explicit application context: the store, credit
// ledger, queue backend, job handlers and services, wired from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/raphaelgruber/knowhow-ingest/internal/analytics"
	"github.com/raphaelgruber/knowhow-ingest/internal/config"
	"github.com/raphaelgruber/knowhow-ingest/internal/credits"
	"github.com/raphaelgruber/knowhow-ingest/internal/db"
	"github.com/raphaelgruber/knowhow-ingest/internal/knowledge"
	"github.com/raphaelgruber/knowhow-ingest/internal/llm"
	"github.com/raphaelgruber/knowhow-ingest/internal/metrics"
	"github.com/raphaelgruber/knowhow-ingest/internal/parser"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue/local"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue/redisq"
	"github.com/raphaelgruber/knowhow-ingest/internal/service"
	"github.com/raphaelgruber/knowhow-ingest/internal/store"
	"github.com/raphaelgruber/knowhow-ingest/internal/store/sqlite"
	"github.com/raphaelgruber/knowhow-ingest/internal/tokens"
)

// Store is the persistence the application needs: the record store plus
// episode storage for the knowledge engine.
type Store interface {
	store.Store
	knowledge.EpisodeStore
}

// Model answers conversations and extracts entities.
type Model interface {
	service.ChatModel
	knowledge.Extractor
}

// App holds every long-lived dependency. Build it with New, call Start to
// begin executing jobs and Close on shutdown.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   Store
	Ledger  credits.Ledger
	Queue   *queue.Adapter
	Backend queue.Backend
	Tokens  *tokens.Issuer
	Metrics *metrics.Collector

	Ingest        *service.IngestService
	Documents     *service.DocumentPipeline
	Episodes      *service.EpisodeHandler
	Recovery      *service.RecoveryService
	Jobs          *service.JobManager
	Conversations *service.ConversationService

	analytics *analytics.Async
	redis     *redis.Client
	closers   []func(context.Context) error
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

type options struct {
	embedder knowledge.Embedder
	model    Model
	store    Store
	logger   *slog.Logger
}

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(e knowledge.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithModel replaces the configured LLM provider.
func WithModel(m Model) Option {
	return func(o *options) { o.model = m }
}

// WithStore replaces the configured store.
func WithStore(s Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New wires the application from cfg. On error everything opened so far
// is closed again.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Config:  cfg,
		Logger:  o.logger,
		Metrics: metrics.NewCollector(),
	}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.Store = o.store; a.Store == nil {
		if a.Store, err = openStore(ctx, cfg, o.logger); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.Store.Close)
	}

	if a.Ledger, err = a.openLedger(cfg); err != nil {
		return nil, err
	}

	if cfg.QueueBackend == config.QueueRedis || cfg.AnalyticsChannel != "" {
		if a.redis, err = redisq.Connect(ctx, cfg.RedisURL, cfg.RedisPassword); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })
	}

	var sink analytics.Sink = analytics.LogSink{Logger: o.logger}
	if cfg.AnalyticsChannel != "" {
		sink = analytics.NewRedisSink(a.redis, cfg.AnalyticsChannel)
	}
	a.analytics = analytics.NewAsync(sink, o.logger)

	embedder := o.embedder
	if embedder == nil {
		if embedder, err = llm.NewEmbedder(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create embedder: %w", err)
		}
	}
	model := o.model
	if model == nil {
		if model, err = llm.NewModel(ctx, cfg); err != nil {
			return nil, fmt.Errorf("create model: %w", err)
		}
	}

	if cfg.JWTSecret != "" {
		a.Tokens = tokens.NewIssuer(cfg.JWTSecret, cfg.RunTokenTTL)
	}

	reg := queue.NewRegistry()
	exec := queue.NewExecutor(reg,
		queue.WithInitialBackoff(cfg.RetryBackoff),
		queue.WithObserver(a.Metrics),
		queue.WithExecutorLogger(o.logger),
	)
	if a.Backend, err = a.openBackend(cfg, exec); err != nil {
		return nil, err
	}
	adapterOpts := []queue.AdapterOption{queue.WithAdapterLogger(o.logger)}
	if a.Tokens != nil {
		adapterOpts = append(adapterOpts, queue.WithTokenIssuer(a.Tokens))
	}
	a.Queue = queue.NewAdapter(a.Backend, reg, adapterOpts...)

	engine := knowledge.New(a.Store, embedder,
		knowledge.WithExtractor(model),
		knowledge.WithMetrics(a.Metrics),
		knowledge.WithLogger(o.logger),
	)

	a.Ingest = service.NewIngestService(a.Store, a.Queue, a.Ledger, a.analytics)
	a.Episodes = service.NewEpisodeHandler(a.Store, engine, a.Ledger, a.analytics)
	a.Documents = service.NewDocumentPipeline(a.Store, parser.NewChunker(parser.DefaultOptions()), a.Ingest, a.analytics)
	a.Recovery = service.NewRecoveryService(a.Store, a.Ingest, a.Queue)
	a.Jobs = service.NewJobManager(a.Queue)
	a.Conversations = service.NewConversationService(a.Store, a.Queue, model, a.analytics)

	handlers := map[queue.Kind]queue.KindConfig{
		queue.KindIngestEpisode:     {Handler: a.Episodes.Handle, OnAbandon: a.Episodes.Abandon},
		queue.KindIngestDocument:    {Handler: a.Documents.Handle, OnAbandon: a.Documents.Abandon},
		queue.KindCreditRecovery:    {Handler: a.Recovery.Handle},
		queue.KindConversationChat:  {Handler: a.Conversations.HandleChat, OnAbandon: a.Conversations.AbandonChat},
		queue.KindConversationTitle: {Handler: a.Conversations.HandleTitle},
	}
	for kind, kc := range handlers {
		s := cfg.Queues[string(kind)]
		kc.Concurrency = s.Concurrency
		kc.Timeout = s.Timeout
		kc.MaxAttempts = s.MaxAttempts
		reg.Register(kind, kc)
	}

	return a, nil
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreSurreal, "":
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := client.InitSchema(ctx); err != nil {
			client.Close(ctx)
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func (a *App) openLedger(cfg config.Config) (credits.Ledger, error) {
	switch cfg.CreditsBackend {
	case config.CreditsPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL required for postgres credits")
		}
		l, err := credits.OpenPostgres(cfg.DatabaseURL, int64(cfg.DefaultCredits))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return l.Close() })
		return l, nil
	case config.CreditsMemory, "":
		return credits.NewMemoryLedger(int64(cfg.DefaultCredits)), nil
	default:
		return nil, fmt.Errorf("unknown credits backend %q", cfg.CreditsBackend)
	}
}

func (a *App) openBackend(cfg config.Config, exec *queue.Executor) (queue.Backend, error) {
	switch cfg.QueueBackend {
	case config.QueueRedis:
		return redisq.New(a.redis, exec,
			redisq.WithPrefix(cfg.RedisPrefix),
			redisq.WithLogger(a.Logger),
		), nil
	case config.QueueLocal, "":
		return local.New(exec,
			local.WithLaneIdleTTL(cfg.LaneIdleTTL),
			local.WithLogger(a.Logger),
		), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

// Start begins executing jobs.
func (a *App) Start(ctx context.Context) error {
	if err := a.Backend.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	a.Logger.Info("job queue started", "backend", a.Config.QueueBackend, "store", a.Config.StoreBackend)
	return nil
}

// Close stops the queue, flushes analytics and closes connections in
// reverse order of opening.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Backend != nil {
		if err := a.Backend.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
	}
	if a.analytics != nil {
		a.analytics.Flush()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
