package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/claw-office/internal/config"
)

var (
	defaultCORSMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	defaultCORSHeaders = []string{"Content-Type", "Authorization", "X-API-Key", traceHeader, "Last-Event-ID"}
)

// originMatcher accepts exact origins plus two wildcard forms: "*" for any
// origin and "scheme://host:*" for any port on a host, which covers a
// dashboard dev server that moves between ports.
type originMatcher struct {
	all     bool
	exact   map[string]bool
	anyPort []string // "scheme://host:" prefixes
}

func newOriginMatcher(origins []string) originMatcher {
	m := originMatcher{exact: make(map[string]bool)}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "*":
			m.all = true
		case strings.HasSuffix(o, ":*"):
			m.anyPort = append(m.anyPort, strings.TrimSuffix(o, "*"))
		case o != "":
			m.exact[o] = true
		}
	}
	return m
}

func (m originMatcher) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if m.all || m.exact[origin] {
		return true
	}
	for _, prefix := range m.anyPort {
		port, ok := strings.CutPrefix(origin, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(port); err == nil && n > 0 && n < 65536 {
			return true
		}
	}
	return false
}

// NewCORSMiddleware answers browser preflights and tags responses for
// allowed origins. Disabled, it passes requests through untouched.
func NewCORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	origins := newOriginMatcher(cfg.AllowedOrigins)
	methods := strings.Join(orDefault(cfg.AllowedMethods, defaultCORSMethods), ", ")
	headers := strings.Join(orDefault(cfg.AllowedHeaders, defaultCORSHeaders), ", ")
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 3600
	}
	maxAgeStr := strconv.Itoa(maxAge)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")
			if origin := r.Header.Get("Origin"); origins.allows(origin) {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				h.Set("Access-Control-Max-Age", maxAgeStr)
				h.Set("Access-Control-Expose-Headers", traceHeader)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

// RequestSizeLimitMiddleware caps request bodies, 1MB unless maxBytes is set.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
