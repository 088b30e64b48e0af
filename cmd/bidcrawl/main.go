// Package main wires together the crawl orchestrator service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcspubsub "cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/lotsearch/bidcrawl/internal/api"
	"github.com/lotsearch/bidcrawl/internal/clock/system"
	"github.com/lotsearch/bidcrawl/internal/config"
	"github.com/lotsearch/bidcrawl/internal/crawl"
	"github.com/lotsearch/bidcrawl/internal/fetch"
	"github.com/lotsearch/bidcrawl/internal/governor"
	"github.com/lotsearch/bidcrawl/internal/id/uuid"
	"github.com/lotsearch/bidcrawl/internal/logging"
	"github.com/lotsearch/bidcrawl/internal/metrics"
	"github.com/lotsearch/bidcrawl/internal/proxy"
	memorypublisher "github.com/lotsearch/bidcrawl/internal/publisher/memory"
	pubsubpublisher "github.com/lotsearch/bidcrawl/internal/publisher/pubsub"
	"github.com/lotsearch/bidcrawl/internal/runner"
	"github.com/lotsearch/bidcrawl/internal/scheduler"
	"github.com/lotsearch/bidcrawl/internal/storage/gcs"
	"github.com/lotsearch/bidcrawl/internal/storage/local"
	"github.com/lotsearch/bidcrawl/internal/storage/memory"
	"github.com/lotsearch/bidcrawl/internal/storage/postgres"
	"github.com/lotsearch/bidcrawl/internal/strategy"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	clock := system.New()
	idGen := uuid.New()

	trackings, items, cleanup, err := buildStores(ctx, cfg, clock)
	if err != nil {
		logger.Fatal("storage init failed", zap.Error(err))
	}
	defer cleanup()

	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	publisher, pubCleanup, err := buildPublisher(ctx, cfg)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer pubCleanup()

	profiles := make([]crawl.ProxyProfile, 0, len(cfg.Proxies))
	for _, p := range cfg.Proxies {
		profiles = append(profiles, crawl.ProxyProfile{
			ID:     p.ID,
			Name:   p.Name,
			Scheme: p.Scheme,
			Host:   p.Host,
			Port:   p.Port,
		})
	}
	pool := proxy.NewPool(profiles, clock)

	limits, err := governor.New(
		governor.Config{RPM: cfg.Governor.RPM, Concurrency: cfg.Governor.Concurrency},
		governor.WithWaitObserver(metrics.ObserveGovernorWait),
	)
	if err != nil {
		logger.Fatal("governor init failed", zap.Error(err))
	}

	httpFetcher := fetch.NewHTTPFetcher(fetch.HTTPConfig{
		UserAgent: cfg.Fetch.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	browserFetcher, err := fetch.NewBrowserFetcher(fetch.BrowserConfig{
		MaxParallel: cfg.Browser.MaxParallel,
		UserAgent:   cfg.Fetch.UserAgent,
	})
	if err != nil {
		logger.Fatal("browser fetcher init failed", zap.Error(err))
	}
	defer browserFetcher.Close()
	engine := fetch.NewEngine(httpFetcher, browserFetcher)

	registry := strategy.NewRegistry()
	registry.Register(strategy.BidfaxID, strategy.NewBidfax())

	run, err := runner.New(
		runner.Config{
			FetchTimeout:        cfg.FetchTimeout(),
			UserAgent:           cfg.Fetch.UserAgent,
			StallAfterFailures:  cfg.Scheduler.StallAfterFailures,
			SnapshotPrefix:      cfg.Storage.Prefix,
			SnapshotContentType: cfg.Storage.ContentType,
			EventTopic:          cfg.PubSub.TopicName,
		},
		trackings, items, blobs, publisher,
		registry, pool, engine, limits, clock,
		logger.Named("runner"),
	)
	if err != nil {
		logger.Fatal("runner init failed", zap.Error(err))
	}

	sched, err := scheduler.New(
		scheduler.Config{
			PollInterval: time.Duration(cfg.Scheduler.PollSeconds) * time.Second,
			Workers:      cfg.Scheduler.Workers,
			ClaimBatch:   cfg.Scheduler.ClaimBatch,
		},
		trackings, run, clock, logger.Named("scheduler"),
	)
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}

	apiServer := api.NewServer(cfg, trackings, sched, run, pool, registry, idGen, clock, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	schedDone := make(chan struct{})
	go func() {
		logger.Info("scheduler started",
			zap.Int("workers", cfg.Scheduler.Workers),
			zap.Int("poll_seconds", cfg.Scheduler.PollSeconds))
		sched.Run(ctx)
		close(schedDone)
	}()

	go reportTrackingGauges(ctx, trackings, logger)

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	<-schedDone
	logger.Info("shutdown complete")
}

// buildStores selects Postgres when a DSN is configured, otherwise the
// in-memory stores.
func buildStores(ctx context.Context, cfg config.Config, clock crawl.Clock) (crawl.TrackingStore, crawl.ItemSink, func(), error) {
	if cfg.DB.DSN == "" {
		return memory.NewTrackingStore(clock), memory.NewItemSink(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	trackings, err := postgres.NewTrackingStore(pool, cfg.DB.TrackingTable, clock)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	items, err := postgres.NewItemSink(pool, cfg.DB.ItemsTable, clock)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return trackings, items, pool.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (crawl.BlobStore, error) {
	switch cfg.Storage.Backend {
	case "local":
		return local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		return memory.NewBlobStore(), nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (crawl.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		return memorypublisher.New(), func() {}, nil
	}
	client, err := gcspubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client)
	return pub, func() {
		if err := pub.Close(); err != nil {
			zap.L().Warn("pubsub close failed", zap.Error(err))
		}
	}, nil
}

// reportTrackingGauges refreshes the per-status tracking gauges.
func reportTrackingGauges(ctx context.Context, trackings crawl.TrackingStore, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := trackings.CountByStatus(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("tracking gauge refresh failed", zap.Error(err))
				}
				continue
			}
			for status, n := range counts {
				metrics.SetTrackings(string(status), n)
			}
		}
	}
}
