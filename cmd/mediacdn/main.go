package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/proximet/mediacdn/internal/api/handlers/cdn"
	eventsapi "github.com/proximet/mediacdn/internal/api/handlers/events"
	"github.com/proximet/mediacdn/internal/api/handlers/jobs"
	"github.com/proximet/mediacdn/internal/api/router"
	"github.com/proximet/mediacdn/internal/api/server"
	"github.com/proximet/mediacdn/internal/cache"
	"github.com/proximet/mediacdn/internal/config"
	"github.com/proximet/mediacdn/internal/events"
	"github.com/proximet/mediacdn/internal/infra/kafka/consumer"
	"github.com/proximet/mediacdn/internal/infra/kafka/producer"
	"github.com/proximet/mediacdn/internal/kafka/handlers/enqueue"
	"github.com/proximet/mediacdn/internal/pipeline"
	"github.com/proximet/mediacdn/internal/queue"
	jobrepo "github.com/proximet/mediacdn/internal/repository/job"
	"github.com/proximet/mediacdn/internal/service/media"
	"github.com/proximet/mediacdn/internal/storage/local"
	"github.com/proximet/mediacdn/internal/storage/minio"
	"github.com/proximet/mediacdn/internal/transcoder"
	"github.com/proximet/mediacdn/internal/worker"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config/config.yml")

	// Retry strategy for remote storage and Kafka calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Local disk cache tier.
	cacheDir, err := local.NewStorage(cfg.Cache.Dir)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open cache directory")
	}

	// Optional remote object-storage backend (system of record when set).
	var remote *minio.Storage
	if cfg.Storage.Enabled {
		remote, err = minio.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
		if err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
		}
	}

	cacheManager, err := newCacheManager(cacheDir, remote, strategy)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to initialize cache")
	}

	// Source assets come from the bucket when configured, else a local dir.
	source, err := newSource(cfg, remote)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to open source storage")
	}

	// Job store: PostgreSQL when configured, in-process otherwise.
	store, db := newJobStore(cfg)

	// Event bus, queue manager, transform pipeline and transcoder.
	bus := events.NewBus(cfg.Events.Buffer)
	queueManager := queue.NewManager(store, bus)
	tc := transcoder.New(cfg.Transcoder.FFmpegPath, cfg.Transcoder.FFprobePath)
	service := media.NewService(source, cacheManager, pipeline.New(), tc, queueManager)

	// Transcode worker pool.
	pool := worker.NewPool(queueManager, service, cfg.Queue.Workers, cfg.Queue.ClaimInterval)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Run(ctx)
	}()

	// Optional Kafka wiring: relay lifecycle events out, accept enqueue
	// requests in.
	var (
		wg sync.WaitGroup
		p  *producer.Producer
		c  *consumer.Consumer
	)
	if cfg.Kafka.Enabled {
		p = producer.New(&cfg.Kafka, strategy)
		go p.Relay(ctx, bus)

		c = consumer.New(&cfg.Kafka, strategy, enqueue.NewHandler(service))
		wg.Add(1)
		go c.Consume(ctx, &wg)
	}

	// HTTP handlers & server.
	cdnHandler := cdn.NewHandler(service)
	jobsHandler := jobs.NewHandler(queueManager, service)
	eventsHandler := eventsapi.NewHandler(bus, cfg.Events.Heartbeat)

	r := router.Setup(cdnHandler, jobsHandler, eventsHandler)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for workers and the Kafka consumer to finish.
	<-poolDone
	wg.Wait()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	if db != nil {
		if err := db.Master.Close(); err != nil {
			zlog.Logger.Printf("failed to close DB: %v", err)
		}
	}

	if p != nil {
		if err := p.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka producer client")
		}
	}
	if c != nil {
		if err := c.Client.Close(); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
		}
	}
}

// newCacheManager builds the two-tier cache, passing a nil remote interface
// when no backend is configured.
func newCacheManager(dir *local.Storage, remote *minio.Storage, strategy retry.Strategy) (*cache.Manager, error) {
	if remote == nil {
		return cache.NewManager(dir, nil, strategy)
	}
	return cache.NewManager(dir, remote, strategy)
}

// newSource picks the source-asset backend.
func newSource(cfg *config.Config, remote *minio.Storage) (media.SourceStore, error) {
	if remote != nil {
		return remote, nil
	}

	dir, err := local.NewStorage(cfg.Source.Dir)
	if err != nil {
		return nil, err
	}
	return local.DirSource{Storage: dir}, nil
}

// newJobStore connects the durable job store when the database is enabled,
// falling back to the in-process store.
func newJobStore(cfg *config.Config) (queue.Store, *dbpg.DB) {
	if !cfg.Database.Enabled {
		return queue.NewMemoryStore(), nil
	}

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), nil, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	return jobrepo.NewRepository(db), db
}
