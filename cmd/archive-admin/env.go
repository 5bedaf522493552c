package main

import (
	"context"
	"fmt"

	"github.com/cuongbtq/ostdata-archive/internal/artifact"
	"github.com/cuongbtq/ostdata-archive/internal/bootstrap"
	"github.com/cuongbtq/ostdata-archive/internal/config"
	"github.com/cuongbtq/ostdata-archive/internal/storage"
	"github.com/cuongbtq/ostdata-archive/internal/sweeper"
	"github.com/cuongbtq/ostdata-archive/shared/database"
	"github.com/cuongbtq/ostdata-archive/shared/logger"
)

// env holds the clients a command works with
type env struct {
	cfg    *config.Config
	logger *logger.Logger
	db     *database.Client
	jobs   *storage.Storage
}

func openEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbClient, err := bootstrap.OpenDatabase(&cfg.Database, appLogger.Logger)
	if err != nil {
		appLogger.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return &env{
		cfg:    cfg,
		logger: appLogger,
		db:     dbClient,
		jobs:   storage.NewStorage(dbClient, appLogger.Component("storage")),
	}, nil
}

func (e *env) Close() {
	e.db.Close()
	e.logger.Close()
}

func (e *env) artifacts(ctx context.Context) (artifact.Store, error) {
	store, err := bootstrap.OpenArtifacts(ctx, &e.cfg.Artifacts, e.logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact store: %w", err)
	}
	return store, nil
}

func (e *env) sweeper(ctx context.Context) (*sweeper.Sweeper, error) {
	store, err := e.artifacts(ctx)
	if err != nil {
		return nil, err
	}
	return sweeper.New(sweeper.Config{
		Jobs:         e.jobs,
		Artifacts:    store,
		Logger:       e.logger.Component("sweeper"),
		BatchSize:    e.cfg.Sweeper.BatchSize,
		StaleAfter:   e.cfg.Download.StaleAfter,
		RetentionTTL: e.cfg.Download.RetentionTTL,
	}), nil
}
