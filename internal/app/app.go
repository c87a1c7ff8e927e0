// Package app initializes and holds long-lived application services, acting
// as a dependency injection container.
package app

import (
	"context"
	"fmt"

	gstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/ckessler/competitrack/internal/capture"
	"github.com/ckessler/competitrack/internal/clock/system"
	"github.com/ckessler/competitrack/internal/config"
	"github.com/ckessler/competitrack/internal/detect"
	"github.com/ckessler/competitrack/internal/hash/sha256"
	"github.com/ckessler/competitrack/internal/id/uuid"
	"github.com/ckessler/competitrack/internal/logging"
	"github.com/ckessler/competitrack/internal/publisher/pubsub"
	"github.com/ckessler/competitrack/internal/queue"
	"github.com/ckessler/competitrack/internal/ratelimit"
	"github.com/ckessler/competitrack/internal/scheduler"
	"github.com/ckessler/competitrack/internal/storage/gcs"
	"github.com/ckessler/competitrack/internal/storage/local"
	"github.com/ckessler/competitrack/internal/storage/memory"
	"github.com/ckessler/competitrack/internal/storage/postgres"
	"github.com/ckessler/competitrack/internal/tracker"
)

// App holds all the shared, long-lived services for the application. It is
// initialized once at startup and passed to the components that need it.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Targets   tracker.TargetStore
	Snapshots tracker.SnapshotStore
	Changes   tracker.ChangeStore

	Limiter   *ratelimit.Limiter
	Capturer  *capture.Capturer
	Detector  *detect.Detector
	Broker    tracker.JobBroker
	Scheduler *scheduler.Scheduler
	Clock     tracker.Clock

	pool      *pgxpool.Pool
	engine    *capture.Engine
	jobBroker *queue.Broker
	publisher interface {
		Publish(ctx context.Context, topic string, payload any) (string, error)
		Close() error
	}
}

// New builds the full service graph from configuration. It fails fast when a
// configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Clock:  system.New(),
	}

	if err := a.initStores(ctx); err != nil {
		a.Close()
		return nil, err
	}
	blobs, err := a.initBlobStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	pub, err := a.initPublisher(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Limiter = a.buildLimiter()

	captureLog := logging.Component(logger, "capture")
	a.engine = capture.NewEngine(capture.EngineConfig{UserAgent: cfg.Capture.UserAgent}, captureLog)
	politeness := capture.NewPoliteness(capture.PolitenessConfig{
		DefaultRPS:   cfg.Capture.DomainRPS,
		DefaultBurst: cfg.Capture.DomainBurst,
	})
	a.Capturer, err = capture.New(a.engine, politeness, a.Clock, capture.Config{
		MaxParallel:       cfg.Capture.MaxParallel,
		NavigationTimeout: cfg.NavTimeout(),
		SettleDelay:       cfg.SettleDelay(),
		ScreenshotQuality: cfg.Capture.ScreenshotQuality,
	}, captureLog)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build capturer: %w", err)
	}

	idGen := uuid.New()
	a.Detector = detect.New(a.Snapshots, a.Changes, idGen, a.Clock, logger)

	runner := scheduler.NewRunner(
		a.Targets,
		a.Snapshots,
		a.Capturer,
		a.Detector,
		blobs,
		pub,
		sha256.New(),
		idGen,
		a.Clock,
		scheduler.RunnerConfig{EventTopic: cfg.PubSub.TopicName},
		logging.Component(logger, "runner"),
	)
	if cfg.Jobs.Enabled {
		a.jobBroker = queue.New(runner.Run, a.Clock, queue.Config{
			Concurrency: cfg.Jobs.Concurrency,
			QueueDepth:  cfg.Jobs.QueueDepth,
		}, logging.Component(logger, "broker"))
		a.Broker = a.jobBroker
	} else {
		// API-only deployment; a separate worker process owns the jobs.
		a.Broker = queue.NewNullBroker()
	}
	a.Scheduler = scheduler.New(a.Targets, a.Broker, a.Clock, cfg, logging.Component(logger, "scheduler"))

	logger.Info("application services initialized",
		zap.Bool("postgres", a.pool != nil),
		zap.String("blob_provider", cfg.Storage.Provider),
		zap.Bool("pubsub", pub != nil),
		zap.Bool("jobs", cfg.Jobs.Enabled),
	)
	return a, nil
}

// RunBroker executes jobs until the context ends. With job execution
// disabled it just blocks, so entrypoints need no special case.
func (a *App) RunBroker(ctx context.Context) {
	if a.jobBroker == nil {
		<-ctx.Done()
		return
	}
	a.jobBroker.Run(ctx)
}

func (a *App) initStores(ctx context.Context) error {
	if a.Config.DB.DSN == "" {
		a.Logger.Info("no database configured, using in-memory stores")
		a.Targets = memory.NewTargetStore()
		a.Snapshots = memory.NewSnapshotStore()
		a.Changes = memory.NewChangeStore()
		return nil
	}

	pool, err := postgres.NewPool(ctx, postgres.Config{
		DSN:      a.Config.DB.DSN,
		MaxConns: a.Config.DB.MaxConns,
		MinConns: a.Config.DB.MinConns,
	})
	if err != nil {
		return err
	}
	a.pool = pool

	targets, err := postgres.NewTargetStore(pool)
	if err != nil {
		return err
	}
	snapshots, err := postgres.NewSnapshotStore(pool)
	if err != nil {
		return err
	}
	changes, err := postgres.NewChangeStore(pool)
	if err != nil {
		return err
	}
	a.Targets = targets
	a.Snapshots = snapshots
	a.Changes = changes
	return nil
}

func (a *App) initBlobStore(ctx context.Context) (tracker.BlobStore, error) {
	switch a.Config.Storage.Provider {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: a.Config.Storage.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("build gcs blob store: %w", err)
		}
		return store, nil
	case "local":
		store, err := local.New(local.Config{BaseDir: a.Config.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("build local blob store: %w", err)
		}
		return store, nil
	default:
		// Screenshots stay inline on the snapshot rows.
		return nil, nil
	}
}

func (a *App) initPublisher(ctx context.Context) (tracker.Publisher, error) {
	if a.Config.PubSub.ProjectID == "" {
		return nil, nil
	}
	pub, err := pubsub.New(ctx, pubsub.Config{ProjectID: a.Config.PubSub.ProjectID})
	if err != nil {
		return nil, fmt.Errorf("build pubsub publisher: %w", err)
	}
	a.publisher = pub
	return pub, nil
}

func (a *App) buildLimiter() *ratelimit.Limiter {
	var shared ratelimit.Store
	if a.pool != nil {
		store, err := ratelimit.NewPostgresStoreWithPool(a.pool)
		if err != nil {
			a.Logger.Warn("shared rate limit store unavailable, using local counters", zap.Error(err))
		} else {
			shared = store
		}
	}
	return ratelimit.New(shared, ratelimit.NewLocalStore(), ratelimit.Config{
		RemoteTimeout: a.Config.RemoteTimeout(),
	}, a.Logger)
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() {
	if a.Broker != nil {
		if err := a.Broker.Close(); err != nil {
			a.Logger.Warn("error closing job broker", zap.Error(err))
		}
	}
	if a.engine != nil {
		a.engine.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.Logger.Warn("error closing publisher", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	// Sync can fail when stderr is already gone; nothing useful to do then.
	_ = a.Logger.Sync()
}
