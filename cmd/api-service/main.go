package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/job-importer/internal/api/handler"
	"github.com/cuongbtq/job-importer/internal/api/router"
	"github.com/cuongbtq/job-importer/internal/archive"
	"github.com/cuongbtq/job-importer/internal/bootstrap"
	"github.com/cuongbtq/job-importer/internal/config"
	"github.com/cuongbtq/job-importer/internal/feed"
	"github.com/cuongbtq/job-importer/internal/importer"
	"github.com/cuongbtq/job-importer/internal/metrics"
	"github.com/cuongbtq/job-importer/internal/queue"
	"github.com/cuongbtq/job-importer/internal/scheduler"
	"github.com/cuongbtq/job-importer/internal/storage"
	"github.com/cuongbtq/job-importer/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize job store
	store, dbCloser, err := bootstrap.OpenStore(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbCloser.Close()

	appLogger.Info("Database connection established", slog.String("driver", store.Dialect()))

	// Initialize RabbitMQ client
	rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	var (
		registry *prometheus.Registry
		m        *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(cfg.Metrics.Namespace, registry)
	}

	orchestrator, err := initOrchestrator(ctx, cfg, store, queue.NewPublisher(rabbitClient), m, appLogger.Logger)
	if err != nil {
		return err
	}

	lease, leaseCloser, err := initLease(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize import lease: %w", err)
	}
	defer leaseCloser.Close()

	sched := scheduler.New(orchestrator, lease, store, scheduler.Config{
		Cron:       cfg.Scheduler.Cron,
		FeedURL:    cfg.Feed.URL,
		StaleAfter: cfg.Import.StaleAfter,
	}, appLogger.Logger)

	if _, err := sched.SweepStaleRuns(ctx); err != nil {
		appLogger.Warn("Failed to sweep stale runs", slog.Any("error", err))
	}

	if cfg.Scheduler.Enabled {
		if err := sched.Start(); err != nil {
			return err
		}
	}

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, sched, store, registry)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := sched.Stop(shutdownCtx); err != nil {
			appLogger.Warn("Scheduler did not stop in time", slog.Any("error", err))
		}

		if err := srv.Shutdown(shutdownCtx); err != nil {
			appLogger.Error("Server forced to shutdown", slog.Any("error", err))
			return err
		}
		return nil
	})

	appLogger.Info("API service is running", slog.String("address", addr))

	if err := g.Wait(); err != nil {
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initOrchestrator wires the feed client, publisher and ledger into an import pipeline
func initOrchestrator(ctx context.Context, cfg *config.Config, store *storage.Store, publisher importer.Publisher, m *metrics.Metrics, logger *slog.Logger) (*importer.Orchestrator, error) {
	fetcher := feed.NewClient(feed.ClientConfig{
		Timeout:      cfg.Feed.Timeout,
		MaxBodyBytes: cfg.Feed.MaxBodyBytes,
		UserAgent:    cfg.App.Name + "/" + cfg.App.Version,
	}, logger)

	opts := []importer.Option{importer.WithMetrics(m)}

	if cfg.Archive.Enabled {
		archiver, err := archive.NewS3Archiver(ctx, &archive.S3Config{
			Endpoint:  cfg.Archive.Endpoint,
			Region:    cfg.Archive.Region,
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize feed archive: %w", err)
		}
		opts = append(opts, importer.WithArchiver(archiver))
	}

	return importer.NewOrchestrator(fetcher, publisher, store, importer.Config{
		BatchSize:  cfg.Import.BatchSize,
		BatchPause: cfg.Import.BatchPause,
	}, logger, opts...), nil
}

// initLease picks a Redis lease when Redis is configured so that several
// API replicas never import at the same time
func initLease(ctx context.Context, cfg *config.Config, logger *slog.Logger) (scheduler.Lease, io.Closer, error) {
	if !cfg.Redis.Enabled {
		return scheduler.NewLocalLease(), io.NopCloser(nil), nil
	}

	client, err := redis.NewClient(ctx, &redis.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	return scheduler.NewRedisLease(client, cfg.Scheduler.LeaseKey, cfg.Scheduler.LeaseTTL), client, nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, trigger handler.ImportTrigger, runs handler.RunReader, registry *prometheus.Registry) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize handler dependencies
	handlerDeps := &handler.Dependencies{
		Logger:         logger,
		Trigger:        trigger,
		Runs:           runs,
		DefaultFeedURL: cfg.Feed.URL,
		ServiceName:    cfg.App.Name,
	}

	var gatherer prometheus.Gatherer
	if registry != nil {
		gatherer = registry
	}

	// Setup router
	return router.SetupRouter(handlerDeps, gatherer)
}
