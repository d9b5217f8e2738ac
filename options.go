package abtree

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string
	adminAPIKey string
}

// WithPort overrides the TCP port from config (ABTREE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAdminAPIKey overrides the admin API key from config (ABTREE_ADMIN_API_KEY
// env var). The key is exchanged for an admin JWT at POST /auth/token; an empty
// key leaves the admin surface disabled.
func WithAdminAPIKey(key string) Option {
	return func(o *resolvedOptions) { o.adminAPIKey = key }
}
