package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/basket/claw-office/internal/config"
)

// authContextKey is the context key type for authenticated API key entries.
type authContextKey struct{}

// AuthMiddleware validates API keys on the operator API. Health, metrics
// and the Telegram webhook (which has its own secret) are always open.
type AuthMiddleware struct {
	mu      sync.RWMutex
	keys    map[string]*config.APIKeyEntry
	enabled bool
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{}
	am.Reload(cfg)
	return am
}

// Reload swaps the accepted keys.
func (am *AuthMiddleware) Reload(cfg config.AuthConfig) {
	keys := make(map[string]*config.APIKeyEntry, len(cfg.Keys))
	for i := range cfg.Keys {
		entry := cfg.Keys[i]
		keys[entry.Key] = &entry
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	am.keys = keys
	am.enabled = cfg.Enabled
}

// Wrap wraps an http.Handler with API key authentication checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		am.mu.RLock()
		enabled := am.enabled
		am.mu.RUnlock()
		if !enabled || publicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}

		am.mu.RLock()
		entry, exists := am.lookupKey(key)
		am.mu.RUnlock()

		if !exists {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func publicPath(path string) bool {
	switch path {
	case "/healthz", "/api/health", "/metrics", "/metrics/prometheus", webhookPath:
		return true
	}
	return false
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// EventSource cannot set headers, so the stream passes its key here.
	return r.URL.Query().Get("api_key")
}

// lookupKey compares in constant time against every key.
func (am *AuthMiddleware) lookupKey(candidate string) (*config.APIKeyEntry, bool) {
	var found *config.APIKeyEntry
	for k, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			found = entry
		}
	}
	return found, found != nil
}

// KeyEntryFromContext retrieves the authenticated API key entry from context.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	if entry, ok := ctx.Value(authContextKey{}).(*config.APIKeyEntry); ok {
		return entry
	}
	return nil
}
