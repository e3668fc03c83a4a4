// Package auth gates the Telemetry Store's admin-read endpoints behind an
// optional bearer token (spec.md §4.F: "All read endpoints require a
// bearer-token check if a token is configured; unauthenticated reads
// return 401"). The submit endpoint and every worker/ping/bulk endpoint
// are intentionally never routed through this middleware.
package auth

import "context"

// Mode defines the authentication mode for the admin-read endpoints.
type Mode string

const (
	// ModeNone disables authentication — the default when no
	// TELEMETRY_API_KEY is configured.
	ModeNone Mode = "none"
	// ModeAPIKey requires a matching bearer token or X-API-Key header.
	ModeAPIKey Mode = "api_key"
)

// Config holds the admin-read authentication configuration.
type Config struct {
	Mode      Mode
	APIKeys   []string
	SkipPaths []string
}

// DefaultConfig returns a configuration with auth disabled.
func DefaultConfig() *Config {
	return &Config{Mode: ModeNone, SkipPaths: []string{"/health"}}
}

// User represents the caller that successfully authenticated.
type User struct {
	ID string
}

type contextKey struct{ name string }

var userContextKey = &contextKey{"user"}

// SetUserInContext stores the authenticated user in ctx.
func SetUserInContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// GetUserFromContext retrieves the authenticated user, or nil.
func GetUserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userContextKey).(*User)
	return user
}
