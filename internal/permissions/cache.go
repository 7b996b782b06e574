package permissions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/omnibridge/omnibridge/pkg/models"
)

// DefaultCacheTTL bounds how long a resolved view serves before it is
// recomputed.
const DefaultCacheTTL = 5 * time.Minute

// CatalogSource supplies the discovered tool catalog for a snapshot.
type CatalogSource interface {
	Catalog(ctx context.Context, snap *models.Snapshot) []models.Tool
}

type cachedView struct {
	view       *models.AllowedTools
	resolvedAt time.Time
}

// Resolver memoizes Allowed-Tools Views per user. The cache is an
// optimization only: a miss recomputes the pure BuildView function, with
// concurrent misses for the same user coalesced through singleflight.
type Resolver struct {
	catalog CatalogSource
	ttl     time.Duration

	mu    sync.RWMutex
	cache map[string]cachedView
	group singleflight.Group
}

// NewResolver creates a caching resolver over a catalog source.
func NewResolver(catalog CatalogSource, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{
		catalog: catalog,
		ttl:     ttl,
		cache:   make(map[string]cachedView),
	}
}

// Resolve returns the Allowed-Tools View for a user, serving a cached view
// while fresh.
func (r *Resolver) Resolve(ctx context.Context, snap *models.Snapshot, userID string) *models.AllowedTools {
	r.mu.RLock()
	entry, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok && time.Since(entry.resolvedAt) < r.ttl {
		return entry.view
	}

	v, _, _ := r.group.Do(userID, func() (any, error) {
		catalog := r.catalog.Catalog(ctx, snap)
		view := BuildView(snap, catalog, userID)

		r.mu.Lock()
		r.cache[userID] = cachedView{view: view, resolvedAt: time.Now()}
		r.mu.Unlock()

		log.Debug().
			Str("user", userID).
			Int("catalog", len(catalog)).
			Int("allowed", len(view.Tools)).
			Msg("Resolved tool permissions")
		return view, nil
	})
	return v.(*models.AllowedTools)
}

// Invalidate drops the cached view for one user.
func (r *Resolver) Invalidate(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, userID)
	log.Info().Str("user", userID).Msg("Invalidated permission cache")
}

// InvalidateAll drops every cached view. Wired to registry reloads so a
// config change takes effect within one request.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]cachedView)
	log.Info().Msg("Invalidated all permission caches")
}
