package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ankesh-007/peft-studio-sub012/api/rest/routes"
	"github.com/Ankesh-007/peft-studio-sub012/config"
	"github.com/Ankesh-007/peft-studio-sub012/core/connector"
	"github.com/Ankesh-007/peft-studio-sub012/core/orchestrator"
	"github.com/Ankesh-007/peft-studio-sub012/core/repository"
	"github.com/Ankesh-007/peft-studio-sub012/providers/local"
	"github.com/Ankesh-007/peft-studio-sub012/storage"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// Job record store: Postgres when configured, in-memory otherwise.
	var store repository.Store
	if cfg.DatabaseURL != "" {
		db, err := repository.NewDB(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()
		store = repository.NewJobRepository(db)
		logger.Info("database connected")
	} else {
		store = repository.NewMemoryStore()
		logger.Info("using in-memory job store")
	}

	artifacts, err := storage.NewArtifactStore(cfg.ArtifactDir, logger)
	if err != nil {
		logger.Fatal("failed to create artifact store", zap.Error(err))
	}

	var archiver orchestrator.Archiver
	if cfg.ArtifactBucket != "" {
		s3Archiver, err := storage.NewS3Archiver(
			context.Background(), cfg.ArtifactBucket, cfg.ArtifactPrefix, cfg.AWSRegion, logger,
		)
		if err != nil {
			logger.Fatal("failed to create artifact archiver", zap.Error(err))
		}
		archiver = s3Archiver
	}

	// Static connector registration. A connector that fails validation
	// disables only itself.
	registry := connector.NewRegistry(logger)
	if err := registry.Register(local.New(logger)); err != nil {
		logger.Warn("local connector unavailable", zap.Error(err))
	}

	opts := orchestrator.DefaultOptions()
	opts.ControlTimeout = cfg.ControlTimeout()
	opts.CancelTimeout = cfg.CancelTimeout()

	manager := orchestrator.NewManager(registry, store, artifacts, archiver, opts, logger)
	defer manager.Close()

	r := mux.NewRouter()
	routes.SetupRoutes(r, manager)

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}
