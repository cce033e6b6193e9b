package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/joho/godotenv"

	"epicflare/internal/config"
	"epicflare/internal/db"
	"epicflare/internal/observability"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config   config.Config
	Logger   *observability.Logger
	Database db.Database
	Handler  http.Handler
	Close    func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(observability.SentryOptions{
		DSN:         cfg.SentryDSN,
		Environment: cfg.AppEnv,
		Release:     cfg.SentryRelease,
	}); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if options.RunMigrations || cfg.RunMigrationsOnStartup {
		if err := database.EnsureSchema(ctx); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	handler, err := NewHandler(ctx, Deps{Config: cfg, Database: database, Logger: logger})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Database: database,
		Handler:  handler,
		Close: func() error {
			if !observability.FlushSentry() {
				logger.Warn("sentry_flush_incomplete", nil)
			}
			return database.Close()
		},
	}, nil
}
