// Package server provides the public entry point for initializing the
// OmniBridge daemon: it wires configuration, the MCP registry, the
// permission resolver, the rate limiter, the audit recorder, the LM
// adapter, and the agentic orchestrator behind one HTTP handler.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/omnibridge/omnibridge/internal/agent"
	"github.com/omnibridge/omnibridge/internal/api"
	"github.com/omnibridge/omnibridge/internal/api/handlers"
	"github.com/omnibridge/omnibridge/internal/audit"
	"github.com/omnibridge/omnibridge/internal/config"
	"github.com/omnibridge/omnibridge/internal/llm"
	"github.com/omnibridge/omnibridge/internal/permissions"
	"github.com/omnibridge/omnibridge/internal/ratelimit"
	"github.com/omnibridge/omnibridge/internal/registry"
	"github.com/omnibridge/omnibridge/internal/store"
	"github.com/omnibridge/omnibridge/internal/telemetry"
	"github.com/omnibridge/omnibridge/internal/threads"
)

// Server holds the initialized OmniBridge daemon.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the audit persistence backend.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown; it stops the
	// background workers, drains the audit queue, and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and the
// registry files, and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the daemon with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg, err := config.NewRegistry(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("load registries: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		dataStore, err = store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("In-memory audit store initialized")
	}

	mcps := registry.New(
		registry.NewSDKDialer(cfg.Version),
		registry.WithCacheTTL(cfg.Loop.ToolCacheTTL),
	)
	resolver := permissions.NewResolver(mcps, cfg.Loop.PermissionCacheTTL)
	limiter := ratelimit.New()
	recorder := audit.NewRecorder(dataStore, cfg.Loop.AuditQueueSize)
	adapter := llm.New(cfg.LM)
	threadStore := threads.NewStore(cfg.Loop.ThreadMaxMessages, cfg.Loop.ThreadTTL)

	// A registry edit invalidates every cached permission view.
	reg.OnReload(resolver.InvalidateAll)

	orchestrator := agent.New(reg, resolver, limiter, recorder, adapter, mcps, threadStore, cfg.Loop)

	// Background workers: discovery warm-up + refresh, thread eviction,
	// registry file watching.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	go func() {
		mcps.Refresh(workerCtx, reg.Snapshot())
		mcps.RunRefreshLoop(workerCtx, reg.Snapshot)
	}()
	go threadStore.RunSweeper(workerCtx)

	stopWatch, err := reg.Watch()
	if err != nil {
		log.Warn().Err(err).Msg("Registry hot reload unavailable")
		stopWatch = func() {}
	}

	h := handlers.New(cfg.Version, reg, mcps, resolver, limiter, orchestrator, dataStore)
	router := api.NewRouter(cfg.Version, h)

	log.Info().Msg("OmniBridge components initialized")

	shutdown := func(ctx context.Context) error {
		stopWatch()
		cancelWorkers()
		recorder.Close()
		mcps.Close()
		if err := dataStore.Close(); err != nil {
			return err
		}
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
