// Package main provides the enrichment worker entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/corpusworks/corpus/internal/config"
	"github.com/corpusworks/corpus/internal/enrichment"
	"github.com/corpusworks/corpus/internal/llm"
	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/queue"
	"github.com/corpusworks/corpus/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		cfgPath = os.Args[2]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "corpus-worker",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.Database.DSN, storage.OpenOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := storage.Migrate(ctx, db, cfg.Embedding.Dimension); err != nil {
		logger.Fatal().Err(err).Msg("schema migration failed")
	}

	var client llm.Client
	if cfg.Enrichment.LLMModel != "" {
		timeout := 120 * time.Second
		if cfg.Embedding.Provider == "openai" {
			client = llm.NewOpenAIClient(cfg.Embedding.OpenAIBaseURL, cfg.Embedding.OpenAIKey,
				cfg.Enrichment.LLMModel, timeout, logger)
		} else {
			client = llm.NewOllamaClient(cfg.Embedding.OllamaURL, cfg.Enrichment.LLMModel, timeout, logger)
		}
	}

	hostname, _ := os.Hostname()
	worker := enrichment.NewWorker(queue.New(db, logger), client, enrichment.WorkerOptions{
		WorkerID:      fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		PollInterval:  cfg.Enrichment.PollInterval,
		StaleInterval: cfg.Enrichment.StaleInterval,
		Lease:         time.Duration(cfg.Enrichment.LeaseSeconds) * time.Second,
	}, logger)

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker failed")
	}
	logger.Info().Msg("worker stopped")
}
