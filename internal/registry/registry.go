// Package registry discovers tools from configured MCP servers, caches
// their schemas, tracks per-server health, and routes tool invocations.
//
// Discovery failure is non-fatal: the server is marked unhealthy and any
// stale catalog keeps serving until the next successful listing. Tool-level
// failures are returned as results for the LM to adapt to; only transport
// failures touch health state.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/omnibridge/omnibridge/pkg/models"
)

// DefaultCacheTTL is how long a discovered tool catalog serves before a
// re-fetch.
const DefaultCacheTTL = 5 * time.Minute

// DefaultConnMaxAge recycles MCP connections older than this.
const DefaultConnMaxAge = 10 * time.Minute

// cacheEntry is one MCP's discovered catalog.
type cacheEntry struct {
	tools     []models.Tool
	fetchedAt time.Time
}

// healthState tracks one MCP's health transitions:
// unknown → healthy on first successful listing, healthy → unhealthy on a
// discovery or invocation transport error, back to healthy on the next
// successful listing.
type healthState struct {
	status    models.HealthStatus
	lastCheck time.Time
	lastError string
}

type conn struct {
	c        Conn
	openedAt time.Time
}

// Registry is the MCP client registry.
type Registry struct {
	dialer     Dialer
	cacheTTL   time.Duration
	connMaxAge time.Duration

	mu     sync.RWMutex
	cache  map[string]*cacheEntry
	health map[string]*healthState
	conns  map[string]*conn

	// fetch coalesces concurrent discovery of the same MCP.
	fetch singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.cacheTTL = ttl }
}

func WithConnMaxAge(age time.Duration) Option {
	return func(r *Registry) { r.connMaxAge = age }
}

// New creates a registry around a dialer.
func New(dialer Dialer, opts ...Option) *Registry {
	r := &Registry{
		dialer:     dialer,
		cacheTTL:   DefaultCacheTTL,
		connMaxAge: DefaultConnMaxAge,
		cache:      make(map[string]*cacheEntry),
		health:     make(map[string]*healthState),
		conns:      make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ── Discovery ────────────────────────────────────────────────

// Tools returns the tool catalog for one MCP, serving from cache while
// fresh. On fetch failure a stale catalog (if any) continues to serve.
func (r *Registry) Tools(ctx context.Context, server models.MCPServer) ([]models.Tool, error) {
	if !server.Enabled {
		return nil, fmt.Errorf("mcp %s is disabled", server.Name)
	}

	r.mu.RLock()
	entry := r.cache[server.Name]
	r.mu.RUnlock()

	if entry != nil && time.Since(entry.fetchedAt) < r.cacheTTL {
		return entry.tools, nil
	}

	tools, err := r.refresh(ctx, server)
	if err != nil {
		if entry != nil {
			log.Warn().
				Str("mcp", server.Name).
				Err(err).
				Msg("Discovery failed, serving stale catalog")
			return entry.tools, nil
		}
		return nil, err
	}
	return tools, nil
}

// Catalog returns the combined catalog of every enabled MCP in the
// snapshot, in registry order. MCPs that cannot be listed contribute
// nothing; the request proceeds with what is reachable.
func (r *Registry) Catalog(ctx context.Context, snap *models.Snapshot) []models.Tool {
	var catalog []models.Tool
	for _, server := range snap.MCPs {
		if !server.Enabled {
			continue
		}
		tools, err := r.Tools(ctx, server)
		if err != nil {
			log.Warn().Str("mcp", server.Name).Err(err).Msg("Skipping MCP with no catalog")
			continue
		}
		catalog = append(catalog, tools...)
	}
	return catalog
}

// Refresh re-discovers every enabled MCP in the snapshot. Used by the
// background refresh loop and the startup warm-up.
func (r *Registry) Refresh(ctx context.Context, snap *models.Snapshot) {
	for _, server := range snap.MCPs {
		if !server.Enabled {
			continue
		}
		if _, err := r.refresh(ctx, server); err != nil {
			log.Warn().Str("mcp", server.Name).Err(err).Msg("Background refresh failed")
		}
	}
}

// RunRefreshLoop refreshes all catalogs every cache TTL until ctx ends.
// snapshotFn is called each round so reloaded registries are picked up.
func (r *Registry) RunRefreshLoop(ctx context.Context, snapshotFn func() *models.Snapshot) {
	interval := r.cacheTTL
	if interval <= 0 {
		interval = DefaultCacheTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx, snapshotFn())
		}
	}
}

// refresh fetches one MCP's catalog, coalescing concurrent callers.
func (r *Registry) refresh(ctx context.Context, server models.MCPServer) ([]models.Tool, error) {
	v, err, _ := r.fetch.Do(server.Name, func() (any, error) {
		c, err := r.acquire(ctx, server)
		if err != nil {
			r.markUnhealthy(server.Name, err)
			return nil, err
		}

		tools, err := c.ListTools(ctx)
		if err != nil {
			r.dropConn(server.Name)
			r.markUnhealthy(server.Name, err)
			return nil, err
		}

		r.mu.Lock()
		r.cache[server.Name] = &cacheEntry{tools: tools, fetchedAt: time.Now()}
		r.mu.Unlock()
		r.markHealthy(server.Name)

		log.Debug().
			Str("mcp", server.Name).
			Int("tools", len(tools)).
			Msg("Tool catalog refreshed")
		return tools, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Tool), nil
}

// ── Invocation ───────────────────────────────────────────────

// Invoke executes one tool call. Preconditions (enabled MCP, permission
// grant) are the caller's responsibility; Invoke still verifies the tool is
// in the last-known catalog and rejects unknown names.
//
// Tool-level failures and transport failures are both returned as a
// ToolResult with IsError set so the LM can adapt; only transport failures
// flip the MCP to unhealthy.
func (r *Registry) Invoke(ctx context.Context, server models.MCPServer, req models.ToolRequest) models.ToolResult {
	tool, ok := r.cachedTool(server.Name, req)
	if !ok {
		return models.ToolResult{
			ID:      req.ID,
			Name:    req.Name,
			Content: fmt.Sprintf("Tool %q is not in the catalog of MCP %q", req.Name, server.Name),
			IsError: true,
		}
	}

	c, err := r.acquire(ctx, server)
	if err != nil {
		r.markUnhealthy(server.Name, err)
		return transportFailure(req, server, err)
	}

	content, isError, err := c.CallTool(ctx, tool.Name, req.Arguments)
	if err != nil {
		// One reconnect attempt: the cached session may have gone stale
		// between requests.
		r.dropConn(server.Name)
		if ctx.Err() != nil {
			r.markUnhealthy(server.Name, err)
			return transportFailure(req, server, err)
		}
		c, dialErr := r.acquire(ctx, server)
		if dialErr == nil {
			content, isError, err = c.CallTool(ctx, tool.Name, req.Arguments)
		} else {
			err = dialErr
		}
		if err != nil {
			r.dropConn(server.Name)
			r.markUnhealthy(server.Name, err)
			return transportFailure(req, server, err)
		}
	}

	if isError {
		log.Debug().
			Str("mcp", server.Name).
			Str("tool", tool.Name).
			Msg("Tool returned an error payload")
	}
	return models.ToolResult{ID: req.ID, Name: req.Name, Content: content, IsError: isError}
}

func transportFailure(req models.ToolRequest, server models.MCPServer, err error) models.ToolResult {
	display := server.DisplayName
	if display == "" {
		display = server.Name
	}
	return models.ToolResult{
		ID:      req.ID,
		Name:    req.Name,
		Content: fmt.Sprintf("%s is unavailable: %v", display, err),
		IsError: true,
	}
}

// cachedTool resolves a qualified request against the last-known catalog.
func (r *Registry) cachedTool(mcpName string, req models.ToolRequest) (models.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.cache[mcpName]
	if entry == nil {
		return models.Tool{}, false
	}
	for _, t := range entry.tools {
		if t.Qualified() == req.Name {
			return t, true
		}
	}
	return models.Tool{}, false
}

// ── Connections ──────────────────────────────────────────────

// acquire returns a pooled connection, re-dialing when the cached one has
// exceeded its max age.
func (r *Registry) acquire(ctx context.Context, server models.MCPServer) (Conn, error) {
	r.mu.Lock()
	if existing := r.conns[server.Name]; existing != nil {
		if time.Since(existing.openedAt) < r.connMaxAge {
			c := existing.c
			r.mu.Unlock()
			return c, nil
		}
		existing.c.Close()
		delete(r.conns, server.Name)
		log.Debug().Str("mcp", server.Name).Msg("Recycled aged MCP connection")
	}
	r.mu.Unlock()

	c, err := r.dialer.Dial(ctx, server)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Another goroutine may have dialed concurrently; keep the first.
	if existing := r.conns[server.Name]; existing != nil {
		r.mu.Unlock()
		c.Close()
		return existing.c, nil
	}
	r.conns[server.Name] = &conn{c: c, openedAt: time.Now()}
	r.mu.Unlock()
	return c, nil
}

func (r *Registry) dropConn(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.conns[name]; existing != nil {
		existing.c.Close()
		delete(r.conns, name)
	}
}

// Close closes every pooled connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.conns {
		c.c.Close()
		delete(r.conns, name)
	}
}

// ── Health ───────────────────────────────────────────────────

func (r *Registry) markHealthy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[name] = &healthState{status: models.HealthHealthy, lastCheck: time.Now()}
}

func (r *Registry) markUnhealthy(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[name] = &healthState{
		status:    models.HealthUnhealthy,
		lastCheck: time.Now(),
		lastError: err.Error(),
	}
}

// Health returns the current status for one MCP.
func (r *Registry) Health(name string) models.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h := r.health[name]; h != nil {
		return h.status
	}
	return models.HealthUnknown
}

// Status reports the health-endpoint view for every MCP in the snapshot.
func (r *Registry) Status(snap *models.Snapshot) []models.MCPStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]models.MCPStatus, 0, len(snap.MCPs))
	for _, server := range snap.MCPs {
		st := models.MCPStatus{
			Name:    server.Name,
			Enabled: server.Enabled,
			Status:  models.HealthUnknown,
		}
		if h := r.health[server.Name]; h != nil {
			st.Status = h.status
			st.LastError = h.lastError
			lc := h.lastCheck
			st.LastCheck = &lc
		}
		if entry := r.cache[server.Name]; entry != nil {
			st.Tools = len(entry.tools)
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// ── Cache control ────────────────────────────────────────────

// InvalidateCache drops the cached catalog for one MCP, or all catalogs
// when name is empty.
func (r *Registry) InvalidateCache(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		r.cache = make(map[string]*cacheEntry)
		log.Info().Msg("Invalidated all tool caches")
		return
	}
	delete(r.cache, name)
	log.Info().Str("mcp", name).Msg("Invalidated tool cache")
}

// CacheStats reports per-MCP cache age for the admin endpoint.
func (r *Registry) CacheStats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make(map[string]any, len(r.cache))
	for name, entry := range r.cache {
		age := time.Since(entry.fetchedAt)
		servers[name] = map[string]any{
			"age_seconds":   int(age.Seconds()),
			"ttl_remaining": int((r.cacheTTL - age).Seconds()),
			"tool_count":    len(entry.tools),
		}
	}
	return map[string]any{
		"cached_servers": len(r.cache),
		"servers":        servers,
	}
}
