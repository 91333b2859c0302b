package http

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/paper-app/gateway/internal/middleware"
)

// NewRouter wires the public paper routes, the admin cache surface, health
// probes, and the upstream proxy. Paper identifiers are matched as wildcards
// rather than single path segments because DOIs contain slashes.
func NewRouter(handler *Handler, adminAuth *middleware.AdminAuth, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Service info and liveness for load balancers
	r.Get("/", handler.Root)
	r.Get("/health", handler.Health)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/", handler.Health)
			r.Get("/detailed", handler.HealthDetailed)
		})

		r.Route("/paper", func(r chi.Router) {
			r.Get("/search", handler.SearchPapers)
			r.Get("/search/match", handler.MatchPaper)
			r.Get("/autocomplete", handler.Autocomplete)
			r.Post("/batch", handler.GetPapersBatch)

			// Read path: {id}, {id}/citations, {id}/references
			r.Get("/*", handler.GetPaper)

			// Cache management (admin)
			r.Group(func(r chi.Router) {
				r.Use(adminAuth.Guard)
				r.Delete("/cache", handler.ClearAllCache)
				r.Delete("/*", handler.ClearPaperCache)
				r.Post("/*", handler.WarmPaperCache)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(adminAuth.Guard)
			r.Get("/admin/stats", handler.AdminStats)
		})

		// Everything else passes through to the upstream API
		r.HandleFunc("/proxy/*", handler.Proxy)
	})

	return r
}
