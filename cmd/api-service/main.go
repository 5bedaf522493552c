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

	"github.com/cuongbtq/ostdata-archive/internal/api/auth"
	"github.com/cuongbtq/ostdata-archive/internal/api/handler"
	"github.com/cuongbtq/ostdata-archive/internal/api/router"
	"github.com/cuongbtq/ostdata-archive/internal/bootstrap"
	"github.com/cuongbtq/ostdata-archive/internal/config"
	"github.com/cuongbtq/ostdata-archive/internal/metrics"
	"github.com/cuongbtq/ostdata-archive/internal/selection"
	"github.com/cuongbtq/ostdata-archive/internal/storage"
	"github.com/cuongbtq/ostdata-archive/internal/sweeper"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

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

	ctx := context.Background()

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

	appLogger.Info("RabbitMQ connection established")

	signals, err := bootstrap.OpenSignals(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cancellation signals: %w", err)
	}
	defer signals.Close()

	artifacts, err := bootstrap.OpenArtifacts(ctx, &cfg.Artifacts, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		m = metrics.New(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
		metricsHandler = metrics.Handler(prometheus.DefaultGatherer)
	}

	jobs := storage.NewStorage(dbClient, appLogger.Component("storage"))

	health := map[string]handler.HealthChecker{
		"database": dbClient,
		"rabbitmq": rabbitClient,
	}
	if checker, ok := signals.(handler.HealthChecker); ok {
		health["cancel_signal"] = checker
	}

	jobHandler := handler.NewJobHandler(&handler.Dependencies{
		Logger:    appLogger.Component("api"),
		Jobs:      jobs,
		Runs:      selection.NewResolver(dbClient),
		Signals:   signals,
		Artifacts: artifacts,
		Publisher: rabbitClient,
		Expirer: sweeper.New(sweeper.Config{
			Jobs:         jobs,
			Artifacts:    artifacts,
			Metrics:      m,
			Logger:       appLogger.Component("sweeper"),
			BatchSize:    cfg.Sweeper.BatchSize,
			StaleAfter:   cfg.Download.StaleAfter,
			RetentionTTL: cfg.Download.RetentionTTL,
		}),
		Metrics:      m,
		Health:       health,
		RetentionTTL: cfg.Download.RetentionTTL,
		ExtendHours:  cfg.Download.DefaultExtendHours,
	})

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	r, err := router.SetupRouter(jobHandler, router.Options{
		Logger:         appLogger.Logger,
		Authenticator:  auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AdminClaim),
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
	})
	if err != nil {
		return fmt.Errorf("failed to set up router: %w", err)
	}

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

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	// requested sweeps run detached from their request
	jobHandler.Wait()

	appLogger.Info("Server shutdown complete")
	return nil
}
