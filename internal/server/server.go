// Package server implements the HTTP transport layer for the Porter relay.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/akarpov/porter/internal/app"
	"github.com/akarpov/porter/internal/storage"
	"github.com/akarpov/porter/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Completion *app.CompletionService
	Router     *app.RouterService
	Keys       *app.KeyAdmin
	Store      storage.Store      // model config CRUD and request log queries
	ReadyCheck ReadyChecker       // nil = always ready (for tests)
	Metrics    *telemetry.Metrics // nil = no metrics middleware
	MetricsH   http.Handler       // the /metrics scrape handler; nil = not mounted
	AdminToken string             // empty = admin endpoints are open
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	// System endpoints
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsH != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsH)
	}

	// Client-facing API
	r.Post("/v1/chat/completions", s.handleChatCompletion)
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/v1/provider/{provider}/completions", s.handleProviderCompletion)
	r.Get("/v1/models", s.handleListModels)

	// Admin API
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleCreateKey)
		r.Post("/keys/{id}/rotate", s.handleRotateKey)
		r.Get("/keys/rotation", s.handleRotationCandidates)
		r.Get("/models", s.handleListModelConfigs)
		r.Post("/models", s.handleCreateModelConfig)
		r.Put("/models/{id}", s.handleUpdateModelConfig)
		r.Delete("/models/{id}", s.handleDeleteModelConfig)
		r.Get("/logs", s.handleQueryLogs)
	})

	return r
}

type server struct {
	deps Deps
}
