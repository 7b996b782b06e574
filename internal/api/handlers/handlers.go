// Package handlers implements the HTTP handlers for the OmniBridge daemon:
// the chat intake, user/permission introspection, MCP discovery, rate-limit
// administration, and audit queries.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/omnibridge/omnibridge/internal/agent"
	"github.com/omnibridge/omnibridge/internal/api/middleware"
	"github.com/omnibridge/omnibridge/internal/config"
	"github.com/omnibridge/omnibridge/internal/permissions"
	"github.com/omnibridge/omnibridge/internal/ratelimit"
	"github.com/omnibridge/omnibridge/internal/registry"
	"github.com/omnibridge/omnibridge/internal/store"
	"github.com/omnibridge/omnibridge/pkg/models"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Version      string
	Registry     *config.Registry
	MCPs         *registry.Registry
	Resolver     *permissions.Resolver
	Limiter      *ratelimit.Limiter
	Orchestrator *agent.Orchestrator
	Store        store.Store
}

// New creates a Handlers instance.
func New(version string, reg *config.Registry, mcps *registry.Registry, res *permissions.Resolver, lim *ratelimit.Limiter, orch *agent.Orchestrator, st store.Store) *Handlers {
	return &Handlers{
		Version:      version,
		Registry:     reg,
		MCPs:         mcps,
		Resolver:     res,
		Limiter:      lim,
		Orchestrator: orch,
		Store:        st,
	}
}

// ── Chat ─────────────────────────────────────────────────────

// Ask is the main intake: one natural-language request in, one synthesized
// answer out.
func (h *Handlers) Ask(w http.ResponseWriter, r *http.Request) {
	var req models.AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.UserID == "" || req.Message == "" {
		respondError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	// The X-Source header wins over any source tag in the body.
	if tag := middleware.GetSource(r.Context()); tag != "" {
		if req.Source == nil {
			req.Source = &models.SourceContext{}
		}
		if r.Header.Get(middleware.SourceHeader) != "" || req.Source.SourceTag == "" {
			req.Source.SourceTag = tag
		}
	}

	resp := h.Orchestrator.Ask(r.Context(), req)

	status := http.StatusOK
	if !resp.Success && resp.Warning == "" && resp.Iterations == 0 {
		// Rejected before any LM work (rate limited).
		status = http.StatusTooManyRequests
	}
	respondJSON(w, status, resp)
}

// ── Health & Users ───────────────────────────────────────────

// Health reports daemon and per-MCP health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.Registry.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "omnibridge",
		"mcps": map[string]any{
			"servers": h.MCPs.Status(snap),
		},
	})
}

// GetUser returns a user's role, reachable MCPs, and remaining rate
// budget. Consumed by the chat front-end for its user header.
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	snap := h.Registry.Snapshot()
	user := snap.UserOrDefault(email)
	role := snap.RoleOf(user)

	view := h.Resolver.Resolve(r.Context(), snap, email)
	var mcps []string
	seen := make(map[string]bool)
	for _, t := range view.Tools {
		if !seen[t.MCP] {
			seen[t.MCP] = true
			mcps = append(mcps, t.MCP)
		}
	}
	if mcps == nil {
		mcps = []string{}
	}

	remaining, used := h.Limiter.Remaining(email, role.RateLimit)
	respondJSON(w, http.StatusOK, map[string]any{
		"email":        email,
		"name":         user.Name,
		"role":         user.Role,
		"is_default":   user.IsDefault,
		"allowed_mcps": mcps,
		"tools":        len(view.Tools),
		"rate_limit": map[string]any{
			"limit":     role.RateLimit,
			"used":      used,
			"remaining": remaining,
		},
	})
}

// ── MCP discovery ────────────────────────────────────────────

// ListMCPServers returns all configured MCP servers with health status.
func (h *Handlers) ListMCPServers(w http.ResponseWriter, r *http.Request) {
	snap := h.Registry.Snapshot()
	enabledOnly := r.URL.Query().Get("enabled_only") == "true"

	statuses := h.MCPs.Status(snap)
	servers := make([]models.MCPStatus, 0, len(statuses))
	for _, st := range statuses {
		if enabledOnly && !st.Enabled {
			continue
		}
		servers = append(servers, st)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"total":   len(servers),
	})
}

// ListTools returns discovered tools, optionally for a single MCP.
func (h *Handlers) ListTools(w http.ResponseWriter, r *http.Request) {
	snap := h.Registry.Snapshot()
	serverName := r.URL.Query().Get("server")

	if serverName != "" {
		server, ok := snap.FindMCP(serverName)
		if !ok {
			respondError(w, http.StatusNotFound, "unknown mcp: "+serverName)
			return
		}
		tools, err := h.MCPs.Tools(r.Context(), server)
		if err != nil {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"server": serverName, "tools": tools})
		return
	}

	catalog := h.MCPs.Catalog(r.Context(), snap)
	respondJSON(w, http.StatusOK, map[string]any{"tools": catalog, "total": len(catalog)})
}

// ToolsForUser returns one MCP's tools filtered by a user's permissions.
func (h *Handlers) ToolsForUser(w http.ResponseWriter, r *http.Request) {
	mcpName := chi.URLParam(r, "mcpName")
	email := r.URL.Query().Get("user_email")
	if email == "" {
		respondError(w, http.StatusBadRequest, "user_email is required")
		return
	}

	snap := h.Registry.Snapshot()
	if _, ok := snap.FindMCP(mcpName); !ok {
		respondError(w, http.StatusNotFound, "unknown mcp: "+mcpName)
		return
	}

	view := h.Resolver.Resolve(r.Context(), snap, email)
	var tools []models.Tool
	for _, t := range view.Tools {
		if t.MCP == mcpName {
			tools = append(tools, t)
		}
	}
	if tools == nil {
		tools = []models.Tool{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"mcp_name":     mcpName,
		"user_email":   email,
		"tools":        tools,
		"user_allowed": len(tools),
	})
}

// ── Administration ───────────────────────────────────────────

type invalidateRequest struct {
	Scope  string `json:"scope"`            // "tools", "permissions", "all"
	Target string `json:"target,omitempty"` // mcp name or user email
}

// InvalidateCache drops tool-schema and/or permission caches so registry
// edits take effect without waiting for TTL expiry.
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch req.Scope {
	case "tools":
		h.MCPs.InvalidateCache(req.Target)
	case "permissions":
		if req.Target != "" {
			h.Resolver.Invalidate(req.Target)
		} else {
			h.Resolver.InvalidateAll()
		}
	case "all", "":
		h.MCPs.InvalidateCache("")
		h.Resolver.InvalidateAll()
	default:
		respondError(w, http.StatusBadRequest, "unknown scope: "+req.Scope)
		return
	}

	log.Info().Str("scope", req.Scope).Str("target", req.Target).Msg("Cache invalidated via admin API")
	respondJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "scope": req.Scope})
}

// CacheStats reports tool-schema cache ages.
func (h *Handlers) CacheStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.MCPs.CacheStats())
}

// ResetRateLimit clears one user's window (admin override).
func (h *Handlers) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	h.Limiter.Reset(email)
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset", "user": email})
}

// RateLimitStats reports limiter occupancy.
func (h *Handlers) RateLimitStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Limiter.Stats())
}

// ReloadRegistries re-reads both registry files immediately.
func (h *Handlers) ReloadRegistries(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Reload(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// ── Audit ────────────────────────────────────────────────────

// ListAuditRecords returns recent audit records, newest first.
func (h *Handlers) ListAuditRecords(w http.ResponseWriter, r *http.Request) {
	filter := models.AuditFilter{
		UserID: r.URL.Query().Get("user"),
		Status: r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	records, err := h.Store.ListAuditRecords(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
