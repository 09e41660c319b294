package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/corpusworks/corpus/internal/observability"
)

// RouterOptions carries the surface-level knobs: auth, CORS, rate limiting.
type RouterOptions struct {
	AuthToken       string
	CORSOrigin      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	RequestTimeout  time.Duration
}

// NewRouter assembles the HTTP surface.
func NewRouter(h *apiHandler, opts RouterOptions, logger *observability.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(chimiddleware.Timeout(opts.RequestTimeout))
	}
	if opts.CORSOrigin != "" {
		r.Use(exactCORS(opts.CORSOrigin))
	}
	if opts.RateLimitMax > 0 {
		window := opts.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(opts.RateLimitMax, window))
	}
	r.Use(bearerAuth(opts.AuthToken))

	r.Get("/healthz", h.handleHealthz)

	r.Post("/ingest", h.handleIngest)

	r.Route("/query", func(r chi.Router) {
		r.Post("/", h.handleQuery)
		r.Post("/fulltext-first", h.handleFulltextFirst)
		r.Post("/download-first", h.handleDownloadFirst)
	})

	r.Route("/enrichment", func(r chi.Router) {
		r.Get("/status/{baseId}", h.handleEnrichmentStatus)
		r.Get("/stats", h.handleEnrichmentStats)
		r.Post("/enqueue", h.handleEnrichmentEnqueue)
		r.Post("/clear", h.handleEnrichmentClear)
	})

	r.Get("/graph/entity/{name}", h.handleGraphEntity)
	r.Get("/collections", h.handleCollections)

	return r
}

// requestLogger emits one structured line per request.
func requestLogger(logger *observability.Logger) func(http.Handler) http.Handler {
	log := logger.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := chimiddleware.GetReqID(r.Context())
			ctx := observability.ContextWithRequestID(r.Context(), reqID)
			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Info().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
