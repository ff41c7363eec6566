// Package server implements the HTTP transport layer for the Gonka gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	gateway "github.com/gonka-ai/gateway/internal"
	"github.com/gonka-ai/gateway/internal/auth"
	"github.com/gonka-ai/gateway/internal/ratelimit"
	"github.com/gonka-ai/gateway/internal/registry"
	"github.com/gonka-ai/gateway/internal/session"
	"github.com/gonka-ai/gateway/internal/storage"
	"github.com/gonka-ai/gateway/internal/telemetry"
	"github.com/gonka-ai/gateway/internal/tiering"
)

// UsageRecorder records API usage asynchronously.
type UsageRecorder interface {
	Record(gateway.UsageRecord)
}

// ChatForwarder sends completion requests to a model backend.
type ChatForwarder interface {
	ChatCompletions(ctx context.Context, backend *gateway.ModelBackend, body []byte) (*http.Response, error)
}

// HealthChecker probes a backend's health endpoint.
type HealthChecker interface {
	CheckHealth(ctx context.Context, baseURL string) error
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth      *auth.Store
	Registry  *registry.Registry
	Tiering   *tiering.Router
	Sessions  *session.Store
	Limiter   *ratelimit.Limiter
	Forwarder ChatForwarder
	Usage     UsageRecorder      // nil = no usage recording
	Ledger    storage.UsageStore // nil = admin usage queries unavailable
	Metrics   *telemetry.Metrics // nil = no metrics
	AdminKey  string             // empty = /admin open (dev)

	// Upstream health probe for /health; skipped when either is unset.
	Health      HealthChecker
	UpstreamURL string

	// Limits stamped onto keys created via the admin API when the request
	// leaves them unset.
	DefaultRPM int
	DefaultTPM int
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

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	// Client-facing API (auth required) -- OpenAI-compatible surface
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin API
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth)
		r.Get("/usage", s.handleGlobalUsage)
		r.Get("/usage/keys/{key}", s.handleKeyUsage)
		r.Get("/usage/models/{model}", s.handleModelUsage)
		r.Get("/usage/sessions/{id}", s.handleSessionUsage)
		r.Get("/keys", s.handleListKeys)
		r.Post("/keys", s.handleCreateKey)
		r.Delete("/keys/{key}", s.handleRevokeKey)
		r.Get("/sessions", s.handleListSessions)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Post("/sessions/cleanup", s.handleSessionCleanup)
		r.Post("/models/reload", s.handleModelsReload)
		r.Get("/tiering", s.handleTieringInfo)
	})

	return r
}

type server struct {
	deps Deps
}
