// Package abtree is the public API for embedding the abtree experiment server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := abtree.New(
//	    abtree.WithVersion(version),
//	    abtree.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: abtree (root) imports
// internal/*, but internal/* never imports abtree (root).
package abtree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/abtree/abtree/internal/auth"
	"github.com/abtree/abtree/internal/config"
	"github.com/abtree/abtree/internal/ratelimit"
	"github.com/abtree/abtree/internal/server"
	"github.com/abtree/abtree/internal/service/resolver"
	"github.com/abtree/abtree/internal/storage"
	"github.com/abtree/abtree/internal/telemetry"
	"github.com/abtree/abtree/migrations"
)

// App is the abtree server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	cache        *resolver.LookupCache
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the abtree server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.adminAPIKey != "" {
		cfg.AdminAPIKey = o.adminAPIKey
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("abtree starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager for the admin API.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Hash the admin API key once at startup. The plaintext key is never
	// stored; POST /auth/token verifies against this hash.
	var adminKeyHash string
	if cfg.AdminAPIKey != "" {
		adminKeyHash, err = auth.HashKey(cfg.AdminAPIKey)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("admin key hash: %w", err)
		}
	} else {
		logger.Warn("admin API disabled (no ABTREE_ADMIN_API_KEY)")
	}

	// Rate limiter for the public resolve surface.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Negative lookup cache for pages with no experiment attached. A TTL of
	// zero disables caching and every resolve hits storage directly.
	var cache *resolver.LookupCache
	if cfg.LookupCacheTTL > 0 {
		cache = resolver.NewLookupCache(cfg.LookupCacheTTL)
		logger.Info("lookup cache: enabled", "ttl", cfg.LookupCacheTTL)
	} else {
		logger.Info("lookup cache: disabled")
	}

	// Resolver service.
	svc := resolver.New(db, cache, logger)

	// HTTP server.
	srv := server.New(server.ServerConfig{
		Store:               db,
		Resolver:            svc,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		Cache:               cache,
		AdminKeyHash:        adminKeyHash,
		CookieName:          cfg.CookieName,
		CookieMaxAge:        cfg.CookieMaxAge,
		CookieSecure:        cfg.CookieSecure,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		cache:        cache,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown is called automatically — callers
// should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops accepting HTTP requests, drains in-flight ones, then closes
// the lookup cache, rate limiter, database pool, and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("abtree shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.cache != nil {
		a.cache.Close()
	}
	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.db.Close()

	a.logger.Info("abtree stopped")
	return nil
}

// Handler exposes the fully wired HTTP handler for tests and embedding.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}
