// Package main provides the corpus API server entrypoint.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/corpusworks/corpus/internal/blob"
	"github.com/corpusworks/corpus/internal/cache"
	"github.com/corpusworks/corpus/internal/config"
	"github.com/corpusworks/corpus/internal/embedding"
	"github.com/corpusworks/corpus/internal/enrichment"
	"github.com/corpusworks/corpus/internal/graph"
	"github.com/corpusworks/corpus/internal/ingest"
	"github.com/corpusworks/corpus/internal/llm"
	"github.com/corpusworks/corpus/internal/observability"
	"github.com/corpusworks/corpus/internal/query"
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
		ServiceName: "corpus-api",
	})

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("embed_provider", cfg.Embedding.Provider).
		Bool("graph", cfg.Graph.Enabled).
		Msg("starting corpus API")

	ctx := context.Background()

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

	embedder := newEmbedder(cfg, logger)
	blobs := newBlobStore(ctx, cfg, logger)

	resultCache := newCache(ctx, cfg, logger)

	tasks := queue.New(db, logger)
	fetcher := ingest.NewFetcher(ingest.NewSsrfGuard(), cfg.Ingest.FetchTimeout)
	chunker := ingest.NewChunker(cfg.Ingest.ChunkSize, cfg.Ingest.ChunkOverlap)

	ingestSvc := ingest.NewService(db, fetcher, chunker, embedder, tasks, blobs, ingest.Options{
		FetchConcurrency:  cfg.Ingest.MaxFetchConcurrency,
		EmbedBatchSize:    cfg.Ingest.EmbedBatchSize,
		EnqueueBatchSize:  cfg.Ingest.EnqueueBatchSize,
		MaxAttempts:       cfg.Enrichment.MaxAttempts,
		BlobThresholdByte: cfg.Blob.ThresholdBytes,
		EnrichmentEnabled: cfg.Enrichment.Enabled,
	}, logger)

	var graphBackend *graph.Backend
	if cfg.Graph.Enabled {
		graphBackend = graph.New(db, graph.Config{
			MaxDepth:         cfg.Graph.MaxDepth,
			MaxEntities:      cfg.Graph.MaxEntities,
			TraversalTimeout: cfg.Graph.TraversalTimeoutMs,
		}, logger)
	}

	routerBreaker := query.NewCircuitBreaker(cfg.Router.FailureThreshold, cfg.Router.CircuitBreak)
	routerLLM := newLLMClient(cfg, cfg.Router.LLMModel, cfg.Router.LLMTimeout, logger)
	queryRouter := query.NewRouter(routerLLM, cfg.Router.LLMEnabled, cfg.Router.LLMTimeout, routerBreaker, logger)

	filterBreaker := query.NewCircuitBreaker(cfg.Router.FailureThreshold, cfg.Router.CircuitBreak)
	filterLLM := newLLMClient(cfg, cfg.FilterLLM.Model, cfg.FilterLLM.Timeout, logger)
	filterParser := query.NewFilterParser(filterLLM, cfg.FilterLLM.Enabled, cfg.FilterLLM.Timeout, filterBreaker, logger)

	querySvc := query.NewService(storage.NewSearchRepository(db), graphBackend, embedder,
		queryRouter, filterParser, resultCache, cfg.Cache.TTL, logger)

	docs := storage.NewDocumentRepository(db)
	coordinator := enrichment.NewCoordinator(db, tasks, docs, logger)

	handler := &apiHandler{
		ingest:      ingestSvc,
		query:       querySvc,
		coordinator: coordinator,
		graph:       graphBackend,
		docs:        docs,
		blobs:       blobs,
		maxAttempts: cfg.Enrichment.MaxAttempts,
		logger:      logger.WithComponent("api"),
	}

	router := NewRouter(handler, RouterOptions{
		AuthToken:       cfg.Auth.Token,
		CORSOrigin:      cfg.Server.CORSOrigin,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		RequestTimeout:  cfg.Server.WriteTimeout,
	}, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error().Err(err).Msg("server error")
	case sig := <-shutdown:
		logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("forced shutdown failed")
		}
	}

	logger.Info().Msg("server stopped")
}

func newEmbedder(cfg *config.Config, logger *observability.Logger) embedding.Embedder {
	const timeout = 60 * time.Second
	switch cfg.Embedding.Provider {
	case "openai":
		return embedding.NewOpenAIEmbedder(cfg.Embedding.OpenAIBaseURL, cfg.Embedding.OpenAIKey,
			cfg.Embedding.Model, cfg.Embedding.Dimension, timeout, logger)
	default:
		return embedding.NewOllamaEmbedder(cfg.Embedding.OllamaURL, cfg.Embedding.Model,
			cfg.Embedding.Dimension, timeout, logger)
	}
}

// newLLMClient picks the completion provider matching the embedding provider.
// An empty model disables the client.
func newLLMClient(cfg *config.Config, model string, timeout time.Duration, logger *observability.Logger) llm.Client {
	if model == "" {
		return nil
	}
	if cfg.Embedding.Provider == "openai" {
		return llm.NewOpenAIClient(cfg.Embedding.OpenAIBaseURL, cfg.Embedding.OpenAIKey, model, timeout, logger)
	}
	return llm.NewOllamaClient(cfg.Embedding.OllamaURL, model, timeout, logger)
}

func newBlobStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) blob.Store {
	switch cfg.Blob.Driver {
	case "s3":
		store, err := blob.NewS3Store(ctx, cfg.Blob.S3Bucket, "", cfg.Blob.S3Region)
		if err != nil {
			logger.Fatal().Err(err).Msg("s3 blob store init failed")
		}
		return store
	default:
		store, err := blob.NewFSStore(cfg.Blob.FSRoot)
		if err != nil {
			logger.Fatal().Err(err).Msg("fs blob store init failed")
		}
		return store
	}
}

func newCache(ctx context.Context, cfg *config.Config, logger *observability.Logger) cache.Client {
	if cfg.Cache.Driver == "redis" {
		client, err := cache.NewRedisClient(ctx, cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password,
			cfg.Cache.Redis.DB, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using in-memory cache")
			return cache.NewMemoryClient()
		}
		return client
	}
	return cache.NewMemoryClient()
}
