package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a router with all routes configured. metricsHandler,
// when non-nil, is mounted at /metrics.
func NewRouter(h *Handler, mw func(http.Handler) http.Handler, metricsHandler http.Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)
	if mw != nil {
		r.Use(mw)
	}

	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public read routes
		r.Get("/health", h.Health)
		r.Get("/books", h.SearchBooks)
		r.Get("/books/{fingerprint}", h.GetBook)
		r.Get("/books/{fingerprint}/export.txt", h.ExportBook)
		r.Get("/books/{fingerprint}/export.epub", h.ExportBookEPUB)
		r.Get("/chapters/{fingerprint}", h.GetChapter)
		r.Get("/shards", h.ListShards)
		r.Get("/shards/{index}", h.GetShard)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))
			r.Post("/records", h.IngestRecords)
			r.Get("/ingest/pending", h.PendingChapters)
			r.Get("/shards/{index}/changes", h.ShardChanges)
			r.Get("/shards/{index}/snapshot", h.ShardSnapshot)
		})
	})

	return r
}
