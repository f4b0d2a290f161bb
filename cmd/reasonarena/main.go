package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/vulcanhelix/reasonarena/internal/concurrency"
	"github.com/vulcanhelix/reasonarena/internal/config"
	"github.com/vulcanhelix/reasonarena/internal/debate"
	"github.com/vulcanhelix/reasonarena/internal/httpapi"
	"github.com/vulcanhelix/reasonarena/internal/inference"
	"github.com/vulcanhelix/reasonarena/internal/models"
	"github.com/vulcanhelix/reasonarena/internal/prompt"
	"github.com/vulcanhelix/reasonarena/internal/sse"
	"github.com/vulcanhelix/reasonarena/internal/templates"
	"github.com/vulcanhelix/reasonarena/internal/tracestore"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("could not load .env file")
	}

	if err := run(); err != nil {
		logrus.WithError(err).Fatal("reasonarena failed")
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	backend := inference.New(cfg.Backend.BaseURL, cfg.Backend.EmbeddingModel, cfg.Backend.RequestTimeout)

	store := templates.New(backend, cfg.Debate.SimilarityFloor, cfg.Templates.FallbackID, cfg.Templates.FallbackBody)
	if err := store.EnsureFallback(context.Background()); err != nil {
		return fmt.Errorf("ensure fallback template: %w", err)
	}
	indexed, err := store.Reindex(context.Background(), cfg.Templates.Directories)
	if err != nil {
		return fmt.Errorf("reindex templates: %w", err)
	}
	logger.WithField("count", indexed).Info("templates indexed")

	traceStore, err := tracestore.Open(tracestore.Config{Path: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("open trace store: %w", err)
	}
	defer traceStore.Close()

	prompts, err := prompt.NewLoader()
	if err != nil {
		return fmt.Errorf("load prompt assets: %w", err)
	}

	broker := sse.New(logger)
	admission := concurrency.New(cfg.Concurrency.MaxConcurrentDebates, cfg.Concurrency.MaxQueuedDebates)

	defaults := models.DebateConfig{
		MinRounds:        cfg.Debate.MinRounds,
		MaxRounds:        cfg.Debate.MaxRounds,
		EarlyStopScore:   cfg.Debate.EarlyStopScore,
		ProposerModel:    cfg.Debate.ProposerModel,
		SkepticModel:     cfg.Debate.SkepticModel,
		SynthesizerModel: cfg.Debate.SynthesizerModel,
		ProposerTemp:     cfg.Debate.ProposerTemp,
		SkepticTemp:      cfg.Debate.SkepticTemp,
		SynthesizerTemp:  cfg.Debate.SynthesizerTemp,
		RAGTopK:          cfg.Debate.RAGTopK,
		SimilarityFloor:  cfg.Debate.SimilarityFloor,
		PerCallTimeout:   cfg.Debate.PerCallTimeout,
	}

	srv := httpapi.NewServer(httpapi.Config{
		Backend:            backend,
		Traces:             traceStore,
		Templates:          store,
		Broker:             broker,
		Admission:          admission,
		Defaults:           defaults,
		CandidateThreshold: cfg.Debate.EarlyStopScore,
		Version:            "0.1.0",
		Logger:             logger,
		RootCtx:            rootCtx,
		BuildDeps: func() debate.Deps {
			return debate.Deps{
				Templates: store,
				Inference: backend,
				Store:     traceStore,
				Prompts:   prompts,
				Logger:    logger,
			}
		},
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"host": cfg.Server.Host, "port": cfg.Server.Port}).Info("starting reasonarena")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case <-quit:
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	cancelRoot()
	srv.Wait()
	logger.Info("shutdown complete")
	return nil
}
