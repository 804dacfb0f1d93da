package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/genq/internal/config"
	"github.com/phrazzld/genq/internal/events"
	"github.com/phrazzld/genq/internal/generation"
	"github.com/phrazzld/genq/internal/observability"
	"github.com/phrazzld/genq/internal/platform/gemini"
	"github.com/phrazzld/genq/internal/platform/openai"
	"github.com/phrazzld/genq/internal/platform/postgres"
	"github.com/phrazzld/genq/internal/queue"
	"github.com/phrazzld/genq/internal/status"
	"github.com/phrazzld/genq/internal/store"
	"github.com/phrazzld/genq/internal/task"
	"github.com/redis/go-redis/v9"
)

// redisPoolHeadroom is the number of connections kept beyond one per worker,
// which each hold a connection during a blocking pop.
const redisPoolHeadroom = 10

// application holds all the shared application dependencies to simplify management
// and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger

	redis *redis.Client
	db    *sql.DB // nil unless the postgres backend is selected

	queue    *queue.Queue
	statuses status.Store
	registry *generation.Registry

	emitter  *events.InMemoryEventEmitter
	exporter *observability.Exporter
	manager  *task.Manager
}

// newApplication connects the stores and wires the providers, events,
// metrics and queue manager. On error every opened resource is released.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}
	if err := app.setup(ctx); err != nil {
		app.cleanup()
		return nil, err
	}

	logger.Info("application initialized",
		"store_backend", cfg.Store.Backend,
		"providers", app.registry.Names())
	return app, nil
}

func (app *application) setup(ctx context.Context) error {
	cfg := app.config

	var err error
	app.redis, err = store.ConnectRedis(ctx, store.RedisOptions{
		URL:      cfg.Store.RedisURL,
		PoolSize: cfg.Worker.Count + redisPoolHeadroom,
	})
	if err != nil {
		return err
	}
	app.queue = queue.New(app.redis, cfg.Store.KeyPrefix)

	if err := app.setupStatusStore(ctx); err != nil {
		return err
	}
	if err := app.setupProviders(ctx); err != nil {
		return err
	}

	app.exporter = observability.NewExporter()
	metrics, err := observability.NewMetrics(app.exporter.Meter())
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	app.emitter = events.NewInMemoryEventEmitter(app.logger)
	app.emitter.RegisterHandler(events.NewLogHandler(app.logger))
	app.emitter.RegisterHandler(events.NewRedisPublisher(app.redis, eventsChannel(cfg.Store.KeyPrefix)))

	app.manager = task.NewManager(
		app.queue,
		app.statuses,
		app.registry,
		task.NewManagerConfig(cfg),
		app.logger,
		task.WithEmitter(app.emitter),
		task.WithMetrics(metrics),
	)
	return nil
}

// eventsChannel is the Redis pub/sub channel lifecycle events are published on.
func eventsChannel(prefix string) string {
	return prefix + ":events"
}

// setupStatusStore selects the status store backend. The postgres backend
// applies pending migrations on start.
func (app *application) setupStatusStore(ctx context.Context) error {
	switch app.config.Store.Backend {
	case "postgres":
		db, err := postgres.Open(ctx, app.config.Store.DatabaseURL)
		if err != nil {
			return err
		}
		app.db = db
		if err := postgres.Migrate(ctx, db, "up", app.logger); err != nil {
			return err
		}
		app.statuses = postgres.NewStatusStore(db)
	default:
		app.statuses = status.NewRedisStore(app.redis, app.config.Store.KeyPrefix)
	}
	return nil
}

// setupProviders registers every provider that has credentials, applying
// the pricing file overrides to its model catalog.
func (app *application) setupProviders(ctx context.Context) error {
	cfg := app.config.Providers

	pricing := generation.PricingTable{}
	if cfg.PricingFile != "" {
		table, err := generation.LoadPricingFile(cfg.PricingFile)
		if err != nil {
			return err
		}
		pricing = table
	}

	app.registry = generation.NewRegistry(cfg.Default)

	if cfg.Gemini.Enabled() {
		p, err := gemini.New(ctx, app.logger, gemini.Config{
			APIKey:       cfg.Gemini.APIKey,
			BaseURL:      cfg.Gemini.BaseURL,
			DefaultModel: cfg.Gemini.DefaultModel,
			Models:       generation.Merge(gemini.DefaultModels, pricing[gemini.ProviderName]),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize gemini provider: %w", err)
		}
		app.registry.Register(p)
	}

	if cfg.OpenAI.Enabled() {
		p, err := openai.New(app.logger, openai.Config{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.DefaultModel,
			Models:       generation.Merge(openai.DefaultModels, pricing[openai.ProviderName]),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize openai provider: %w", err)
		}
		app.registry.Register(p)
	}

	if _, err := app.registry.Get(cfg.Default); err != nil {
		return fmt.Errorf("%w: default provider %s is not configured", config.ErrNoProvider, cfg.Default)
	}
	return nil
}

// cleanup releases the connections opened by newApplication.
func (app *application) cleanup() {
	var errs []error
	if app.exporter != nil {
		errs = append(errs, app.exporter.Shutdown(context.Background()))
	}
	if app.db != nil {
		errs = append(errs, app.db.Close())
	}
	if app.redis != nil {
		errs = append(errs, app.redis.Close())
	}
	if err := errors.Join(errs...); err != nil {
		app.logger.Warn("cleanup failed", "error", err)
	}
}
