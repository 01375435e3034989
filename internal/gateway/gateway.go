// Package gateway serves the HTTP surface of the office: the workflow
// action API, the live stream, the Telegram webhook and the read-only
// stats, messages, health and metrics endpoints.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/claw-office/internal/agent"
	"github.com/basket/claw-office/internal/audit"
	"github.com/basket/claw-office/internal/bus"
	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/coordinator"
	"github.com/basket/claw-office/internal/correlation"
	"github.com/basket/claw-office/internal/otel"
	"github.com/basket/claw-office/internal/persistence"
	"github.com/basket/claw-office/internal/shared"
)

const (
	serviceName = "Claw Office"
	traceHeader = "X-Trace-Id"

	webhookDedupeSize = 1024
)

// Upstream is the external gateway connection as the HTTP layer sees it.
type Upstream interface {
	Connected() bool
	URL() string
	Tracker() *correlation.Tracker
}

type Config struct {
	Coordinator *coordinator.Coordinator
	Bus         *bus.Bus
	// Upstream may be nil when the adapter is disabled.
	Upstream Upstream

	// Settings is the active configuration; Reload replaces it.
	Settings config.Config

	Tracer  trace.Tracer
	Metrics *otel.Metrics
	// Gatherer, when set, adds the exported OpenTelemetry instruments to
	// /metrics/prometheus.
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	StartedAt time.Time
}

type Server struct {
	coord    *coordinator.Coordinator
	store    *persistence.Store
	agents   *agent.Registry
	bus      *bus.Bus
	upstream Upstream

	tracer  trace.Tracer
	metrics *otel.Metrics
	logger  *slog.Logger
	started time.Time

	auth      *AuthMiddleware
	ratelimit *RateLimitMiddleware
	seen      *lru.Cache[int64, string]
	prom      http.Handler

	mu       sync.RWMutex
	settings config.Config
}

func New(cfg Config) *Server {
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("clawoffice")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &otel.Metrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}
	seen, _ := lru.New[int64, string](webhookDedupeSize)
	s := &Server{
		coord:     cfg.Coordinator,
		store:     cfg.Coordinator.Store(),
		agents:    cfg.Coordinator.Agents(),
		bus:       cfg.Bus,
		upstream:  cfg.Upstream,
		tracer:    cfg.Tracer,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "gateway"),
		started:   cfg.StartedAt,
		auth:      NewAuthMiddleware(cfg.Settings.Auth),
		ratelimit: NewRateLimitMiddleware(cfg.Settings.RateLimit, cfg.Metrics),
		seen:      seen,
		settings:  cfg.Settings,
	}
	s.prom = newPrometheusHandler(s, cfg.Gatherer)
	return s
}

// Reload applies a config change: webhook secret, API keys and the health
// view of the configuration. Listener, CORS and rate settings need a
// restart.
func (s *Server) Reload(cfg config.Config) {
	s.mu.Lock()
	s.settings = cfg
	s.mu.Unlock()
	s.auth.Reload(cfg.Auth)
}

func (s *Server) current() config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// RateLimiter exposes the limiter so the caller can run its eviction loop.
func (s *Server) RateLimiter() *RateLimitMiddleware {
	return s.ratelimit
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)

	mux.HandleFunc("/api/workflow", s.handleWorkflow)
	mux.HandleFunc("/api/workflow/stream", s.handleStream)
	mux.HandleFunc("/api/workflow/ws", s.handleStreamWS)
	mux.HandleFunc(webhookPath, s.handleTelegramWebhook)
	mux.HandleFunc("/api/openclaw", s.handleOpenClaw)

	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/stats/agents", s.handleAgentStats)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/config", s.handleConfig)

	settings := s.current()
	var h http.Handler = mux
	h = s.auth.Wrap(h)
	h = s.ratelimit.Wrap(h)
	h = RequestSizeLimitMiddleware(0)(h)
	h = NewCORSMiddleware(settings.CORS)(h)
	return s.instrument(h)
}

// instrument assigns the trace id, opens the server span and records the
// request duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(traceHeader)
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set(traceHeader, traceID)
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, "HTTP "+r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		otel.Record(ctx, s.metrics.HTTPDuration, time.Since(start).Seconds(),
			attribute.String("http.route", r.URL.Path),
			attribute.Int("http.status_code", rec.status),
		)
	})
}

// statusRecorder keeps the status code while passing streaming and
// hijacking through to the real writer.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, m := range methods {
		if r.Method == m {
			return true
		}
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func (s *Server) upstreamStatus() (connected bool, url string) {
	if s.upstream == nil {
		return false, "not configured"
	}
	url = s.upstream.URL()
	if url == "" {
		url = "not configured"
	}
	return s.upstream.Connected(), url
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.store.Ping(ctx) == nil

	settings := s.current()
	problems := settings.Validate()
	connected, url := s.upstreamStatus()
	status, code := "healthy", http.StatusOK
	if !dbOK {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"service":   serviceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Seconds(),
		"db_ok":     dbOK,
		"gateway": map[string]any{
			"connected": connected,
			"url":       url,
		},
		"agents": map[string]any{
			"count": s.agents.Len(),
			"ids":   s.agents.IDs(),
		},
		"config": map[string]any{
			"valid":  len(problems) == 0,
			"errors": nonNil(problems),
		},
	})
}

type pipelineCounts struct {
	requests, active, orphans int
	subscribers               int
	dropped                   int64
	scheduled                 int
	connected                 bool
}

func (s *Server) counts(ctx context.Context) pipelineCounts {
	var c pipelineCounts
	c.requests, c.active, _ = s.store.CountRequests(ctx)
	c.orphans, _ = s.store.CountOpenTasksUnderCompletedRequests(ctx)
	if s.bus != nil {
		c.subscribers = s.bus.SubscriberCount()
		c.dropped = s.bus.DroppedCount()
	}
	c.scheduled = s.coord.Scheduler().Pending()
	c.connected, _ = s.upstreamStatus()
	return c
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	c := s.counts(r.Context())
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)
	writeJSON(w, http.StatusOK, map[string]any{
		"requests_total":     c.requests,
		"requests_active":    c.active,
		"orphaned_tasks":     c.orphans,
		"bus_subscribers":    c.subscribers,
		"bus_dropped":        c.dropped,
		"scheduled_steps":    c.scheduled,
		"upstream_connected": c.connected,
		"audit_denies":       audit.DenyCount(),
		"agent_count":        s.agents.Len(),
		"ratelimit_buckets":  s.ratelimit.BucketCount(),
		"alloc_bytes":        mem.Alloc,
		"uptime_seconds":     time.Since(s.started).Seconds(),
	})
}

type statsWindow struct {
	Messages       int64       `json:"messages"`
	Tokens         tokenTotals `json:"tokens"`
	Savings        float64     `json:"savings"`
	TasksCompleted int64       `json:"tasks_completed"`
	TaskTimeMs     int64       `json:"task_time_ms"`
}

type tokenTotals struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

func toWindow(st persistence.DailyStats) statsWindow {
	return statsWindow{
		Messages: st.MessagesReceived + st.MessagesSent,
		Tokens: tokenTotals{
			Input:  st.TokensIn,
			Output: st.TokensOut,
			Total:  st.TokensIn + st.TokensOut,
		},
		Savings:        st.Savings,
		TasksCompleted: st.TasksCompleted,
		TaskTimeMs:     st.TaskTimeMs,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	today, err := s.store.TodayStats(r.Context())
	if err != nil {
		s.internalError(w, r, "stats", err)
		return
	}
	all, err := s.store.AllTimeStats(r.Context())
	if err != nil {
		s.internalError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"today":   toWindow(today),
		"allTime": toWindow(all),
	})
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	agents, err := s.store.ListAgentStats(r.Context())
	if err != nil {
		s.internalError(w, r, "agent stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": nonNil(agents)})
}

type messageInput struct {
	Message string `json:"message"`
	From    string `json:"from"`
	Type    string `json:"type"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	if r.Method == http.MethodGet {
		msgs, err := s.store.ListMessages(r.Context(), 50)
		if err != nil {
			s.internalError(w, r, "messages", err)
			return
		}
		var last *time.Time
		if n := len(msgs); n > 0 {
			last = &msgs[n-1].Timestamp
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(msgs), "lastUpdated": last})
		return
	}

	var in messageInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if in.From == "" {
		in.From = "Boss"
	}
	if in.Type == "" {
		in.Type = "received"
	}
	msg, err := s.store.AddMessage(r.Context(), persistence.Message{Message: in.Message, From: in.From, Type: in.Type})
	if err != nil {
		s.internalError(w, r, "messages", err)
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicMessage, *msg)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": msg})
}

// handleConfig returns the public part of the configuration: no tokens,
// secrets or keys.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	settings := s.current()
	writeJSON(w, http.StatusOK, map[string]any{
		"config_hash":  settings.Fingerprint(),
		"orchestrator": s.agents.Orchestrator(),
		"agents":       s.agents.List(),
		"pacing_scale": settings.PacingScale(),
		"telegram":     map[string]bool{"notifications": settings.Telegram.Enabled(), "webhook_secret": settings.Telegram.WebhookSecret != ""},
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, area string, err error) {
	s.logger.ErrorContext(r.Context(), area+": request failed", "error", err)
	trace.SpanFromContext(r.Context()).RecordError(err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
