package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/abtree/abtree/internal/auth"
	"github.com/abtree/abtree/internal/model"
	"github.com/abtree/abtree/internal/storage"
	"github.com/abtree/abtree/internal/visitor"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               Store
	resolver            Resolver
	jwtMgr              *auth.JWTManager
	cache               Invalidator
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	adminKeyHash        string
	cookieName          string
	cookieMaxAge        time.Duration
	cookieSecure        bool
}

// NewHandlers creates a new Handlers from the server configuration.
func NewHandlers(cfg ServerConfig) *Handlers {
	return &Handlers{
		store:               cfg.Store,
		resolver:            cfg.Resolver,
		jwtMgr:              cfg.JWTMgr,
		cache:               cfg.Cache,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		adminKeyHash:        cfg.AdminKeyHash,
		cookieName:          cfg.CookieName,
		cookieMaxAge:        cfg.CookieMaxAge,
		cookieSecure:        cfg.CookieSecure,
	}
}

// visitorToken returns the caller's visitor token, minting one and setting
// the cookie on first contact.
func (h *Handlers) visitorToken(w http.ResponseWriter, r *http.Request) string {
	return visitor.GetOrCreate(&cookieStore{
		w:      w,
		r:      r,
		name:   h.cookieName,
		maxAge: h.cookieMaxAge,
		secure: h.cookieSecure,
	})
}

// HandleResolve handles GET /v1/resolve?path=...
// Returns the document to render for the requested path, with any live or
// completed experiment applied.
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" || path[0] != '/' {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "path query parameter must start with /")
		return
	}
	if len(path) > model.MaxPathLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "path too long")
		return
	}

	token := h.visitorToken(w, r)

	page, err := h.resolver.Resolve(r.Context(), path, token)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "page not found")
			return
		}
		h.writeInternalError(w, r, "failed to resolve page", err)
		return
	}

	writeJSON(w, r, http.StatusOK, page)
}

// HandleComplete handles POST /v1/experiments/{slug}/complete.
// Records the completion goal for the caller's variation. Always returns
// 204: unknown experiments, non-participants and duplicate signals are
// indistinguishable from success on purpose, so the endpoint leaks nothing
// about experiment configuration.
func (h *Handlers) HandleComplete(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if !model.ValidSlug(slug) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid experiment slug")
		return
	}

	token := h.visitorToken(w, r)

	if err := h.resolver.SignalCompletion(r.Context(), slug, token); err != nil {
		h.writeInternalError(w, r, "failed to record completion", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleAuthToken handles POST /auth/token: exchanges the admin API key for
// a short-lived admin JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if h.adminKeyHash == "" {
		// No admin key configured. Burn the same time as a real
		// verification so the response does not reveal that.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyKey(req.APIKey, h.adminKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueAdminToken()
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeInternalError logs the error with full detail and returns a generic
// 500 to the caller.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}
