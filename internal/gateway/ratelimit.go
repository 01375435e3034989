package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/otel"
)

// clientLimiter is one client's token bucket plus when it was last used.
type clientLimiter struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// reserve takes a token if one is free. Otherwise it reports how long until
// the next one without consuming it.
func (c *clientLimiter) reserve(now time.Time) (bool, time.Duration) {
	c.lastSeen.Store(now.UnixNano())
	r := c.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// RateLimitMiddleware limits each client to requests_per_minute with a
// burst allowance. Clients are keyed by API key, else by remote host.
type RateLimitMiddleware struct {
	enabled bool
	every   rate.Limit
	burst   int
	metrics *otel.Metrics

	mu      sync.RWMutex
	clients map[string]*clientLimiter
}

// NewRateLimitMiddleware builds the limiter. metrics may be nil.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, metrics *otel.Metrics) *RateLimitMiddleware {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 20
	}
	if metrics == nil {
		metrics = &otel.Metrics{}
	}
	return &RateLimitMiddleware{
		enabled: cfg.Enabled,
		every:   rate.Limit(float64(rpm) / 60),
		burst:   burst,
		metrics: metrics,
		clients: make(map[string]*clientLimiter),
	}
}

// StartEviction drops clients idle longer than maxAge every interval until
// ctx ends.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge).UnixNano()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, c := range rl.clients {
		if c.lastSeen.Load() < cutoff {
			delete(rl.clients, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.clients))
	}
}

func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.clients)
}

// Wrap applies the limit. The Telegram webhook is limited like any other
// client; health and metrics are not.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/api/health", "/metrics", "/metrics/prometheus":
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			key = clientHost(r)
		}
		if ok, wait := rl.client(key).reserve(time.Now()); !ok {
			otel.Add(r.Context(), rl.metrics.RateLimitRejects, 1)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimitMiddleware) client(key string) *clientLimiter {
	rl.mu.RLock()
	c, ok := rl.clients[key]
	rl.mu.RUnlock()
	if ok {
		return c
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if c, ok = rl.clients[key]; ok {
		return c
	}
	c = &clientLimiter{lim: rate.NewLimiter(rl.every, rl.burst)}
	rl.clients[key] = c
	return c
}
