// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noldarim/conductor/internal/bus"
	"github.com/noldarim/conductor/internal/config"
	"github.com/noldarim/conductor/internal/ide"
	"github.com/noldarim/conductor/internal/observability"
	"github.com/noldarim/conductor/internal/orchestrator"
	"github.com/noldarim/conductor/internal/orchestrator/services"
)

// Deps carries everything the API surface needs. Orchestrator and Bus
// are required; IDE, Chat and MetricsHandler degrade gracefully when
// absent.
type Deps struct {
	Orchestrator   *orchestrator.Service
	IDE            *ide.Service
	Chat           *services.ChatService
	Bus            *bus.Bus
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
}

// Server is the REST + WebSocket API server.
type Server struct {
	httpServer *http.Server
	bridge     *Bridge
	registry   *ClientRegistry
}

// New creates and wires up the API server. It does NOT start listening;
// call Run() for that.
func New(cfg *config.ServerConfig, deps Deps) *Server {
	registry := NewClientRegistry(deps.Metrics)
	bridge := NewBridge(deps.Bus, registry)
	handlers := NewHandlers(deps.Orchestrator, deps.IDE, deps.Chat)

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.AllowedOrigins))
	r.Use(MaxBodySize(1 << 20)) // 1 MB default

	r.Get("/healthz", handlers.Healthz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// REST routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/projects", handlers.GetProjects)

		// Project sub-resources
		r.Route("/projects/{id}", func(r chi.Router) {
			r.Get("/queue", handlers.GetQueue)
			r.Post("/execute", handlers.ExecuteWorkflow)

			r.Get("/tasks", handlers.GetTasks)
			r.Post("/tasks", handlers.CreateTask)
			r.Post("/tasks/{taskId}/execute", handlers.ExecuteTask)
			r.Patch("/tasks/{taskId}/status", handlers.UpdateTaskStatus)
			r.Delete("/tasks/{taskId}", handlers.DeleteTask)

			r.Post("/analysis", handlers.RunAnalysis)
			r.Get("/analysis", handlers.GetAnalysis)
		})

		// Queue item operations
		r.Post("/queue/items/{itemId}/pause", handlers.PauseQueueItem)
		r.Post("/queue/items/{itemId}/resume", handlers.ResumeQueueItem)
		r.Post("/queue/items/{itemId}/cancel", handlers.CancelQueueItem)
		r.Post("/queue/items/{itemId}/reorder", handlers.ReorderQueueItem)
		r.Post("/queue/bulk", handlers.BulkQueue)

		// Analysis operations
		r.Get("/analysis/types", handlers.GetAnalysisTypes)
		r.Post("/analysis/jobs/{jobId}/cancel", handlers.CancelAnalysis)

		// Workflow catalog
		r.Get("/workflows", handlers.GetWorkflows)
		r.Get("/workflows/{workflowId}", handlers.GetWorkflow)

		// IDE instances
		r.Get("/ide", handlers.GetIDEs)
		r.Post("/ide/active", handlers.SetActiveIDE)

		// Chat
		r.Post("/chat", handlers.PostChat)
		r.Get("/chat/{sessionId}", handlers.GetChatHistory)
	})

	// WebSocket
	r.Get("/ws", HandleWebSocket(registry, cfg.AllowedOrigins))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		bridge:   bridge,
		registry: registry,
	}
}

// Handler exposes the assembled router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run attaches the event bridge and starts the HTTP server. Blocks
// until Shutdown is called.
func (s *Server) Run(ctx context.Context) error {
	s.bridge.Attach()
	defer s.bridge.Detach()

	// Requests inherit the run context so in-flight handlers observe
	// process shutdown.
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	getLog().Info().Str("addr", s.httpServer.Addr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
