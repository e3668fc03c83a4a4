package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// APIKeyAuthenticator validates the bearer token configured via
// TELEMETRY_API_KEY against the caller's request headers.
type APIKeyAuthenticator struct {
	keyHashes map[string]bool
}

// NewAPIKeyAuthenticator builds an authenticator from the configured keys.
func NewAPIKeyAuthenticator(config *Config) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{keyHashes: make(map[string]bool)}
	for _, key := range config.APIKeys {
		a.keyHashes[hashKey(key)] = true
	}
	return a
}

// Authenticate extracts and validates the bearer token from the request.
func (a *APIKeyAuthenticator) Authenticate(r *http.Request) (*User, error) {
	key := a.extractAPIKey(r)
	if key == "" {
		return nil, ErrMissingCredentials
	}
	if !a.validateKey(key) {
		return nil, ErrInvalidCredentials
	}
	return &User{ID: hashKey(key)[:16]}, nil
}

func (a *APIKeyAuthenticator) extractAPIKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authHeader, bearerPrefix) {
		return strings.TrimPrefix(authHeader, bearerPrefix)
	}
	return ""
}

func (a *APIKeyAuthenticator) validateKey(key string) bool {
	keyHash := hashKey(key)
	for storedHash := range a.keyHashes {
		if constantTimeCompare(keyHash, storedHash) {
			return true
		}
	}
	return false
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func constantTimeCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
