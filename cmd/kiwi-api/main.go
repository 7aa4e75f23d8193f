package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiwiql/kiwi/internal/api"
	"github.com/kiwiql/kiwi/internal/auth"
	catalogpostgres "github.com/kiwiql/kiwi/internal/catalog/postgres"
	"github.com/kiwiql/kiwi/internal/config"
	"github.com/kiwiql/kiwi/internal/federation"
	"github.com/kiwiql/kiwi/internal/gate"
	"github.com/kiwiql/kiwi/internal/nl2sql"
	"github.com/kiwiql/kiwi/internal/observability"
	"github.com/kiwiql/kiwi/internal/query"
)

func main() {
	cfg, err := config.LoadFromEnv("kiwi-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	catalogDB, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:             cfg.Catalog.DSN,
		MaxOpenConns:    cfg.Catalog.MaxOpenConns,
		MaxIdleConns:    cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime: cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Catalog.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = catalogDB.Close() }()

	catalogRepo := catalogpostgres.NewRepository(catalogDB)
	accessGate := gate.New(catalogRepo, logger)
	registry := federation.NewRegistry()
	defer registry.Close()

	queryService := query.NewService(catalogRepo, accessGate, registry, logger, query.Options{
		QueryTimeout:    cfg.Federation.QueryTimeout,
		AttachTimeout:   cfg.Federation.AttachTimeout,
		PreviewRowLimit: cfg.Federation.PreviewRowLimit,
		MaxResultRows:   cfg.Federation.MaxResultRows,
	})

	var translator nl2sql.Translator
	if cfg.AI.TranslateEnabled {
		translator, err = nl2sql.NewOpenAITranslator(nl2sql.OpenAIConfig{
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			logger.Error("failed to initialize query translator", slog.Any("error", err))
			os.Exit(1)
		}
	}

	deps := api.Dependencies{
		Logger:     logger,
		Repo:       catalogRepo,
		Query:      queryService,
		Translator: translator,
		Probe:      federation.TestConnection,
		Readiness: api.CombineReadinessChecks(
			api.CheckCatalogDSN(cfg),
			api.CheckCatalogHealth(catalogRepo),
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
