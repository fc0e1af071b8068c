// Package app initializes and holds the long-lived ingestion services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/v2"
	gcsapi "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/api"
	blobgcs "github.com/meridian-data/chatfeed/internal/blob/gcs"
	blobmem "github.com/meridian-data/chatfeed/internal/blob/memory"
	busmem "github.com/meridian-data/chatfeed/internal/bus/memory"
	busnats "github.com/meridian-data/chatfeed/internal/bus/nats"
	buspubsub "github.com/meridian-data/chatfeed/internal/bus/pubsub"
	"github.com/meridian-data/chatfeed/internal/clock/system"
	"github.com/meridian-data/chatfeed/internal/config"
	"github.com/meridian-data/chatfeed/internal/ingest"
	"github.com/meridian-data/chatfeed/internal/media"
	"github.com/meridian-data/chatfeed/internal/metrics"
	"github.com/meridian-data/chatfeed/internal/publish"
	"github.com/meridian-data/chatfeed/internal/ratectl"
	"github.com/meridian-data/chatfeed/internal/recovery"
	"github.com/meridian-data/chatfeed/internal/scheduler"
	"github.com/meridian-data/chatfeed/internal/source/telegram"
	storemem "github.com/meridian-data/chatfeed/internal/store/memory"
	storepg "github.com/meridian-data/chatfeed/internal/store/postgres"
	"github.com/meridian-data/chatfeed/internal/worker"
)

// App wires every subsystem together and owns their lifecycles.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  ingest.Clock

	store     ingest.CursorStore
	bus       ingest.BusPublisher
	client    *telegram.Client
	scheduler *scheduler.Scheduler
	server    *http.Server

	closers []func()
}

// New builds the App from configuration, failing fast on any unreachable
// dependency.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()
	clock := system.New()

	a := &App{cfg: cfg, logger: logger, clock: clock}

	if err := a.initStore(ctx); err != nil {
		return nil, err
	}
	if err := a.initBus(ctx); err != nil {
		return nil, err
	}
	blobs, err := a.initBlobs(ctx)
	if err != nil {
		return nil, err
	}

	client, err := telegram.New(telegram.Config{
		Token:           cfg.Telegram.Token,
		PollTimeout:     cfg.Telegram.PollTimeout,
		BufferLimit:     cfg.Telegram.BufferLimit,
		DownloadMedia:   cfg.Telegram.DownloadMedia,
		DownloadTimeout: cfg.Telegram.DownloadTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init telegram client: %w", err)
	}
	a.client = client

	rate := ratectl.New(ratectl.Config{
		GlobalRPS:      cfg.Rate.GlobalRPS,
		GlobalBurst:    cfg.Rate.GlobalBurst,
		SourceInterval: cfg.Rate.SourceInterval,
		BackoffBase:    cfg.Rate.BackoffBase,
		BackoffMax:     cfg.Rate.BackoffMax,
		FloodPadMax:    cfg.Rate.FloodPadMax,
	}, clock, logger)

	offloader := media.New(blobs, media.Config{UploadTimeout: cfg.Media.UploadTimeout}, logger)
	publisher := publish.New(
		a.bus,
		publish.NewRetryPolicy(cfg.Bus.MaxAttempts, cfg.Publish.RetryBase, cfg.Publish.RetryMax),
		publish.Config{AckTimeout: cfg.Bus.AckTimeout},
		logger,
	)

	runners, err := a.buildRunners(ctx, client, rate, offloader, publisher)
	if err != nil {
		return nil, err
	}
	a.scheduler = scheduler.New(runners, scheduler.Config{
		Slots:           cfg.Scheduler.Slots,
		IdleInterval:    cfg.Scheduler.IdleInterval,
		StarvationAfter: cfg.Scheduler.StarvationAfter,
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout,
	}, clock, logger)

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(a.scheduler, a.store, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Run reconciles interrupted batches, then serves until the context is
// canceled.
func (a *App) Run(ctx context.Context) error {
	rec := recovery.New(a.store, a.bus, a.clock, a.logger)
	if err := rec.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	go func() {
		errCh <- a.client.Run(runCtx)
	}()
	go func() {
		errCh <- a.scheduler.Run(runCtx)
	}()
	go func() {
		a.logger.Info("status server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	remaining := 3
	var firstErr error
	select {
	case <-ctx.Done():
	case firstErr = <-errCh:
		remaining--
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Scheduler.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("status server shutdown", zap.Error(err))
	}
	for ; remaining > 0; remaining-- {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases every held resource in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *App) initStore(ctx context.Context) error {
	switch a.cfg.DB.Provider {
	case "postgres":
		if a.cfg.DB.Migrate {
			if err := storepg.Migrate(a.cfg.DB.DSN, a.logger); err != nil {
				return fmt.Errorf("migrate schema: %w", err)
			}
		}
		store, err := storepg.NewCursorStore(ctx, storepg.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init postgres store: %w", err)
		}
		for _, src := range a.cfg.Sources {
			if err := store.UpsertSource(ctx, sourceFromConfig(src)); err != nil {
				return fmt.Errorf("seed source %s: %w", src.ID, err)
			}
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	case "memory":
		store := storemem.NewCursorStore()
		for _, src := range a.cfg.Sources {
			store.RegisterSource(sourceFromConfig(src))
		}
		a.store = store
	default:
		return fmt.Errorf("unknown db provider: %s", a.cfg.DB.Provider)
	}
	return nil
}

func (a *App) initBus(ctx context.Context) error {
	switch a.cfg.Bus.Provider {
	case "nats":
		cfg := busnats.DefaultConfig()
		cfg.URL = a.cfg.Bus.NATS.URL
		if a.cfg.Bus.NATS.Stream != "" {
			cfg.Stream = a.cfg.Bus.NATS.Stream
		}
		if a.cfg.Bus.NATS.SubjectPrefix != "" {
			cfg.SubjectPrefix = a.cfg.Bus.NATS.SubjectPrefix
		}
		if a.cfg.Bus.NATS.DedupWindow > 0 {
			cfg.DedupWindow = a.cfg.Bus.NATS.DedupWindow
		}
		if a.cfg.Bus.NATS.MaxReconnects != 0 {
			cfg.MaxReconnects = a.cfg.Bus.NATS.MaxReconnects
		}
		if a.cfg.Bus.NATS.ReconnectWait > 0 {
			cfg.ReconnectWait = a.cfg.Bus.NATS.ReconnectWait
		}
		if a.cfg.Bus.NATS.Timeout > 0 {
			cfg.Timeout = a.cfg.Bus.NATS.Timeout
		}
		bus, err := busnats.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("init nats bus: %w", err)
		}
		a.bus = bus
		a.closers = append(a.closers, func() {
			if err := bus.Close(); err != nil {
				a.logger.Warn("close nats bus", zap.Error(err))
			}
		})
	case "pubsub":
		client, err := pubsubapi.NewClient(ctx, a.cfg.Bus.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		bus, err := buspubsub.New(client.Publisher(a.cfg.Bus.PubSub.TopicName))
		if err != nil {
			return fmt.Errorf("init pubsub bus: %w", err)
		}
		a.bus = bus
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close pubsub client", zap.Error(err))
			}
		})
	case "memory":
		a.bus = busmem.NewPublisher()
	default:
		return fmt.Errorf("unknown bus provider: %s", a.cfg.Bus.Provider)
	}
	return nil
}

func (a *App) initBlobs(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Blob.Provider {
	case "gcs":
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("close gcs client", zap.Error(err))
			}
		})
		return blobgcs.New(client, blobgcs.Config{
			Bucket: a.cfg.Blob.GCSBucket,
			Prefix: a.cfg.Blob.Prefix,
		})
	case "memory":
		return blobmem.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob provider: %s", a.cfg.Blob.Provider)
	}
}

func (a *App) buildRunners(
	ctx context.Context,
	client *telegram.Client,
	rate *ratectl.Controller,
	offloader *media.Offloader,
	publisher *publish.Publisher,
) ([]scheduler.Runner, error) {
	sources, err := a.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}

	workerCfg := worker.Config{
		BatchLimit:       a.cfg.Ingest.BatchLimit,
		CommitRetries:    a.cfg.Ingest.CommitRetries,
		CommitRetryDelay: a.cfg.Ingest.CommitRetryDelay,
	}
	runners := make([]scheduler.Runner, 0, len(sources))
	for _, src := range sources {
		if !src.Enabled {
			a.logger.Info("skipping disabled source", zap.String("source_id", src.ID))
			continue
		}
		runners = append(runners, worker.New(
			src, client, rate, offloader, publisher, a.store, a.clock, workerCfg, a.logger,
		))
	}
	if len(runners) == 0 {
		a.logger.Warn("no enabled sources configured")
	}
	return runners, nil
}

func sourceFromConfig(src config.SourceConfig) ingest.Source {
	return ingest.Source{
		ID:          src.ID,
		DisplayName: src.DisplayName,
		Enabled:     src.Enabled,
		Priority:    src.Priority,
	}
}
