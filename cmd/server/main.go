// Package main is the entry point of the application
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tecu23/session-server/internal/auth"
	"github.com/tecu23/session-server/pkg/config"
	"github.com/tecu23/session-server/pkg/engine"
	"github.com/tecu23/session-server/pkg/events"
	"github.com/tecu23/session-server/pkg/manager"
	"github.com/tecu23/session-server/pkg/repository"
	"github.com/tecu23/session-server/pkg/server"
)

// App encapsulates global dependencies
type application struct {
	Auth      *auth.APIKeyAuth
	Logger    *zap.Logger
	Config    *config.Config
	Publisher *events.Publisher
	Manager   *manager.Manager
	Store     repository.Store
	Hub       *server.Hub
	Server    *http.Server
	Upgrader  websocket.Upgrader

	writer  *repository.AsyncWriter
	pool    *engine.Pool
	closers []func()

	cancel     context.CancelFunc
	background *errgroup.Group

	StartTime time.Time
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(2)
	}

	// Initialize logger
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	app, err := newApplication(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("startup error", zap.Error(err))
	}

	err = app.serve()
	if err != nil {
		logger.Fatal("error serving", zap.Error(err))
	}
}

// newApplication connects the configured backends and starts the
// background workers.
func newApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*application, error) {
	app := &application{
		Auth:      auth.NewAPIKeyAuth(cfg.APIKeys),
		Logger:    logger,
		Config:    cfg,
		Publisher: events.NewPublisher(logger),
		StartTime: time.Now(),
	}
	app.Upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     app.checkOrigin,
	}

	// A failing worker must not cancel the others.
	runCtx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel
	app.background = new(errgroup.Group)

	if err := app.openStore(ctx, runCtx); err != nil {
		app.Shutdown()
		return nil, err
	}

	// Persistence never blocks a session: records go through the writer.
	app.writer = repository.NewAsyncWriter(app.Store, cfg.PersistWorkers, logger)

	opts := []manager.Option{
		manager.WithRecorder(app.writer),
		manager.WithStore(app.Store),
		manager.WithRetention(cfg.SessionRetention),
		manager.WithSweepInterval(cfg.SweepInterval),
	}

	if cfg.EnginePath != "" {
		options, err := engine.ParseOptions(cfg.EngineOptions)
		if err != nil {
			app.Shutdown()
			return nil, err
		}

		// Initialize engine pool
		app.pool = engine.NewEnginePool(cfg.EnginePath, cfg.EnginePoolSize, options, logger)
		if err := app.pool.Initialize(ctx); err != nil {
			app.Shutdown()
			return nil, fmt.Errorf("initialize engine: %w", err)
		}
		opts = append(opts, manager.WithEngine(engine.NewClient(app.pool, logger)))
	} else {
		logger.Warn("ENGINE_PATH not set, games against the engine are disabled")
	}

	// Initialize game manager
	app.Manager = manager.NewManager(logger, app.Publisher, opts...)
	app.goBackground("session sweeper", func() error { return app.Manager.Run(runCtx) })

	app.Hub = server.NewHub(app.Manager, logger)

	return app, nil
}

// openStore picks the persistence backends. Postgres is the system of
// record when configured, Redis caches snapshots and relays events between
// nodes, Cassandra takes over chat transcripts.
func (app *application) openStore(ctx, runCtx context.Context) error {
	cfg := app.Config

	var store repository.Store = repository.NewInMemoryRepository(app.Logger)

	if cfg.DatabaseURL != "" {
		pg, err := repository.NewPostgresRepository(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		app.closers = append(app.closers, func() { _ = pg.Close() })

		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		store = pg
		app.Logger.Info("Using postgres session store")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		app.closers = append(app.closers, func() { _ = client.Close() })

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		cache := repository.NewRedisRepository(client, cfg.SnapshotTTL)
		store = repository.NewCachedStore(store, cache, app.Logger)

		relay := events.NewRedisRelay(client, app.Publisher, uuid.NewString(), app.Logger)
		app.goBackground("event relay", func() error { return relay.Run(runCtx) })
		app.Logger.Info("Using redis snapshot cache and event relay")
	}

	if len(cfg.CassandraHosts) > 0 {
		chat, err := repository.NewCassandraChatRepository(repository.CassandraConfig{
			Hosts:          cfg.CassandraHosts,
			Keyspace:       cfg.CassandraKeyspace,
			Consistency:    cfg.CassandraConsistency,
			ConnectTimeout: 5 * time.Second,
			Timeout:        2 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("connect cassandra: %w", err)
		}
		app.closers = append(app.closers, chat.Close)

		store = repository.Composite{SessionStore: store, ChatStore: chat}
		app.Logger.Info("Using cassandra chat store")
	}

	app.Store = store

	return nil
}

// goBackground runs a worker until Shutdown. A failure is logged when it
// happens and reported again by Shutdown.
func (app *application) goBackground(name string, run func() error) {
	app.background.Go(func() error {
		err := run()
		if err != nil {
			app.Logger.Error("Background worker stopped",
				zap.String("worker", name),
				zap.Error(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}

func initLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	return logger
}

// Shutdown cleans up resources
func (app *application) Shutdown() {
	// Shut down hub
	if app.Hub != nil {
		app.Hub.Shutdown()
	}

	if app.cancel != nil {
		app.cancel()
		if err := app.background.Wait(); err != nil {
			app.Logger.Error("Background worker failed", zap.Error(err))
		}
	}

	if app.writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := app.writer.Close(ctx); err != nil {
			app.Logger.Error("Persistence writer did not drain", zap.Error(err))
		}
		cancel()
	}

	if app.pool != nil {
		app.pool.Shutdown()
	}

	for i := len(app.closers) - 1; i >= 0; i-- {
		app.closers[i]()
	}
	app.closers = nil

	app.Logger.Info("All components shut down successfully")
}
