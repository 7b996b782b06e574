package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/omnibridge/omnibridge/internal/api/handlers"
	"github.com/omnibridge/omnibridge/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(version string, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Source)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Source", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(version))

	// Chat intake
	r.Route("/chat", func(r chi.Router) {
		r.Post("/ask", h.Ask)
	})

	// Users
	r.Get("/users/{email}", h.GetUser)

	// MCP discovery
	r.Route("/mcp", func(r chi.Router) {
		r.Get("/servers", h.ListMCPServers)
		r.Get("/tools/list", h.ListTools)
		r.Get("/mcps/{mcpName}/tools", h.ToolsForUser)
	})

	// Administration
	r.Route("/admin", func(r chi.Router) {
		r.Post("/cache/invalidate", h.InvalidateCache)
		r.Get("/cache/stats", h.CacheStats)
		r.Post("/ratelimit/{email}/reset", h.ResetRateLimit)
		r.Get("/ratelimit/stats", h.RateLimitStats)
		r.Post("/registry/reload", h.ReloadRegistries)
	})

	// Audit
	r.Get("/audit/records", h.ListAuditRecords)

	return r
}

func versionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": version,
			"service": "omnibridge",
		})
	}
}
