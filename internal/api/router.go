package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bindevz/askgate/internal/api/handlers"
	"github.com/bindevz/askgate/internal/api/middleware"
	"github.com/bindevz/askgate/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	auth := middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)

	// Global middleware. Identity runs before Logger so request logs carry
	// the tenant.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Tenant-ID", "X-User-ID", "X-Roles", "X-Conversation-ID", "X-Correlation-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Telemetry)
	r.Use(middleware.Identity)
	r.Use(middleware.Logger)
	r.Use(auth.Middleware)

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", h.VersionInfo)
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Chat (the orchestration loop)
		r.Post("/chat", h.Chat)
		r.Post("/chat/sync", h.ChatSync)

		// Tool definitions
		r.Route("/tools", func(r chi.Router) {
			r.Get("/", h.ListTools)
			r.Post("/", h.CreateTool)
			r.Route("/{toolName}", func(r chi.Router) {
				r.Get("/", h.GetTool)
				r.Put("/", h.UpdateTool)
				r.Delete("/", h.DeleteTool)
			})
		})

		// Follow-up rules
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Route("/{ruleKey}", func(r chi.Router) {
				r.Get("/", h.GetRule)
				r.Put("/", h.UpdateRule)
				r.Delete("/", h.DeleteRule)
			})
		})

		// Query catalog
		r.Route("/catalog", func(r chi.Router) {
			r.Get("/datasets", h.ListDatasets)
			r.Put("/datasets", h.UpsertDataset)
			r.Get("/datasets/{datasetKey}/fields", h.ListFields)
			r.Put("/fields", h.UpsertField)
			r.Get("/graphs", h.ListEntityGraphs)
			r.Put("/graphs", h.UpsertEntityGraph)
			r.Post("/invalidate", h.InvalidateCatalog)
			r.Get("/stats", h.CatalogStats)
		})

		// Operations
		r.Get("/ops/circuits", h.ListCircuits)
	})

	return r
}
