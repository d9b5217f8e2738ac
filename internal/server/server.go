// Package server implements the HTTP API for abtree: the public resolve
// surface, the completion endpoint, and the authenticated admin API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/abtree/abtree/internal/auth"
	"github.com/abtree/abtree/internal/model"
	"github.com/abtree/abtree/internal/ratelimit"
)

// Store is the storage surface the admin handlers need. *storage.DB
// satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	CreatePage(ctx context.Context, page model.Page) (model.Page, error)
	GetPageByID(ctx context.Context, id uuid.UUID) (model.Page, error)
	CreateExperiment(ctx context.Context, exp model.Experiment) (model.Experiment, error)
	GetExperimentBySlug(ctx context.Context, slug string) (model.Experiment, error)
	ListExperiments(ctx context.Context) ([]model.Experiment, error)
	UpdateExperimentStatus(ctx context.Context, slug string, status model.ExperimentStatus, winningPageID *uuid.UUID) error
}

// Resolver is the serving surface the public handlers need.
// *resolver.Service satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, path, visitorToken string) (model.PresentedPage, error)
	SignalCompletion(ctx context.Context, experimentSlug, visitorToken string) error
	Report(ctx context.Context, experimentSlug string) (model.ExperimentReport, error)
}

// Invalidator drops a cached control-page lookup after an admin write.
// May be nil when caching is disabled.
type Invalidator interface {
	Invalidate(pageID uuid.UUID)
}

// Server is the abtree HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Cache.
type ServerConfig struct {
	// Required dependencies.
	Store    Store
	Resolver Resolver
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter ratelimit.Limiter
	Cache   Invalidator

	// AdminKeyHash is the Argon2id hash of the admin API key. Empty
	// disables POST /auth/token and with it the whole admin surface.
	AdminKeyHash string

	// Visitor cookie settings.
	CookieName   string
	CookieMaxAge time.Duration
	CookieSecure bool

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg)

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	publicRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Public serving surface (no auth, rate limited by IP).
	mux.Handle("GET /v1/resolve", publicRL(http.HandlerFunc(h.HandleResolve)))
	mux.Handle("POST /v1/experiments/{slug}/complete", publicRL(http.HandlerFunc(h.HandleComplete)))

	// Token exchange (no auth, rate limited by IP).
	mux.Handle("POST /auth/token", publicRL(http.HandlerFunc(h.HandleAuthToken)))

	// Admin API (JWT required, admin is exempt from rate limits).
	adminOnly := requireAdmin(cfg.JWTMgr)
	mux.Handle("POST /v1/experiments", adminOnly(http.HandlerFunc(h.HandleCreateExperiment)))
	mux.Handle("GET /v1/experiments", adminOnly(http.HandlerFunc(h.HandleListExperiments)))
	mux.Handle("GET /v1/experiments/{slug}", adminOnly(http.HandlerFunc(h.HandleGetExperiment)))
	mux.Handle("PATCH /v1/experiments/{slug}/status", adminOnly(http.HandlerFunc(h.HandleUpdateStatus)))
	mux.Handle("GET /v1/experiments/{slug}/report", adminOnly(http.HandlerFunc(h.HandleReport)))
	mux.Handle("POST /v1/pages", adminOnly(http.HandlerFunc(h.HandleCreatePage)))
	mux.Handle("GET /v1/pages/{id}", adminOnly(http.HandlerFunc(h.HandleGetPage)))

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
