package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/bootstrap"
	"github.com/cuongbtq/ostdata-archive/internal/builder"
	"github.com/cuongbtq/ostdata-archive/internal/config"
	"github.com/cuongbtq/ostdata-archive/internal/metrics"
	"github.com/cuongbtq/ostdata-archive/internal/selection"
	"github.com/cuongbtq/ostdata-archive/internal/storage"
	"github.com/cuongbtq/ostdata-archive/internal/sweeper"
	"github.com/cuongbtq/ostdata-archive/internal/worker"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
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

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := bootstrap.OpenDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established", slog.String("driver", dbClient.Driver()))

	rabbitClient, err := bootstrap.OpenRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	signals, err := bootstrap.OpenSignals(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cancellation signals: %w", err)
	}
	defer signals.Close()

	artifacts, err := bootstrap.OpenArtifacts(ctx, &cfg.Artifacts, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
	}

	jobs := storage.NewStorage(dbClient, appLogger.Component("storage"))

	b := builder.New(builder.Config{
		Jobs:              jobs,
		Resolver:          selection.NewResolver(dbClient),
		Signals:           signals,
		Artifacts:         artifacts,
		Metrics:           m,
		Logger:            appLogger.Component("builder"),
		RetentionTTL:      cfg.Download.RetentionTTL,
		ChunkSize:         cfg.Download.ChunkSize,
		CheckEvery:        cfg.Download.ProgressEveryChunks,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ArtifactPrefix:    cfg.Download.ArtifactPrefix,
	})

	w := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Component("worker"),
		Broker:        rabbitClient,
		Builder:       b,
		WorkerID:      workerID(cfg.App.Name),
		QueueName:     cfg.RabbitMQ.Queue.Name,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return w.Start(gctx)
	})

	if cfg.Sweeper.Enabled {
		sw := sweeper.New(sweeper.Config{
			Jobs:         jobs,
			Artifacts:    artifacts,
			Metrics:      m,
			Logger:       appLogger.Component("sweeper"),
			Interval:     cfg.Sweeper.Interval,
			BatchSize:    cfg.Sweeper.BatchSize,
			StaleAfter:   cfg.Download.StaleAfter,
			RetentionTTL: cfg.Download.RetentionTTL,
		})
		g.Go(func() error {
			return sw.Run(gctx)
		})
	}

	if cfg.Metrics.Enabled {
		metricsSrv := newMetricsServer(cfg)
		g.Go(func() error {
			appLogger.Info("Starting metrics server", slog.String("address", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	appLogger.Info("Worker service started successfully")

	<-gctx.Done()
	appLogger.Info("Shutting down worker service...")

	// in-flight builds record their interruption before Start returns
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			appLogger.Error("Worker service stopped with error", slog.Any("error", err))
			return err
		}
	case <-time.After(cfg.Worker.ShutdownTimeout):
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

func newMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, metrics.Handler(prometheus.DefaultGatherer))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// workerID builds a consumer tag unique to this process
func workerID(app string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if app == "" {
		app = "worker"
	}
	return fmt.Sprintf("%s-%s-%d", app, host, os.Getpid())
}
