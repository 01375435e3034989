// Package openclaw connects to an OpenClaw gateway and turns the agent run
// events it streams into pipeline transitions. The adapter is a signal
// source only: it may finish the orchestrator's own work but never work
// that was handed to another agent.
package openclaw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/coordinator"
	"github.com/basket/claw-office/internal/correlation"
	"github.com/basket/claw-office/internal/otel"
	"github.com/basket/claw-office/internal/persistence"
)

const (
	readLimit     = 4 << 20
	writeTimeout  = 10 * time.Second
	controlOrigin = "http://localhost:4200"
)

type Config struct {
	Coordinator *coordinator.Coordinator
	Gateway     config.GatewayConfig
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
}

// Adapter owns one upstream connection and its correlation state.
type Adapter struct {
	coord   *coordinator.Coordinator
	tracker *correlation.Tracker
	metrics *otel.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	// group keys this connection's pacing timers in the scheduler.
	group string

	connected atomic.Bool

	mu     sync.Mutex
	cfg    config.GatewayConfig
	redial context.CancelFunc
}

func New(cfg Config) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &otel.Metrics{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("clawoffice")
	}
	return &Adapter{
		coord:   cfg.Coordinator,
		tracker: correlation.NewTracker(),
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger.With("component", "openclaw"),
		group:   "openclaw:" + uuid.NewString(),
		cfg:     cfg.Gateway,
	}
}

func (a *Adapter) Connected() bool { return a.connected.Load() }

func (a *Adapter) URL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.URL
}

// Tracker is this connection's view of the request being worked on.
func (a *Adapter) Tracker() *correlation.Tracker { return a.tracker }

func (a *Adapter) settings() config.GatewayConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// Reload picks up a new gateway URL or token by dropping the current
// connection; Run redials with the new settings.
func (a *Adapter) Reload(cfg config.Config) {
	a.mu.Lock()
	changed := cfg.Gateway.URL != a.cfg.URL || cfg.Gateway.Token != a.cfg.Token
	a.cfg = cfg.Gateway
	redial := a.redial
	a.mu.Unlock()
	if changed && redial != nil {
		a.logger.Info("openclaw: gateway settings changed, reconnecting")
		redial()
	}
}

func (a *Adapter) newBackOff() *backoff.ExponentialBackOff {
	cfg := a.settings()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(max(cfg.ReconnectSeconds, 1)) * time.Second
	b.MaxInterval = time.Duration(max(cfg.MaxReconnectSeconds, cfg.ReconnectSeconds, 1)) * time.Second
	b.Reset()
	return b
}

// Run keeps a connection open until ctx ends, reconnecting with
// exponential backoff. It returns nil when the adapter is disabled.
func (a *Adapter) Run(ctx context.Context) error {
	if cfg := a.settings(); cfg.Disabled || cfg.URL == "" {
		a.logger.Info("openclaw: adapter disabled")
		return nil
	}
	b := a.newBackOff()
	for {
		established, err := a.session(ctx)
		a.connected.Store(false)
		a.coord.CancelGroup(a.group)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			b = a.newBackOff()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = b.MaxInterval
		}
		otel.Add(ctx, a.metrics.AdapterReconnects, 1)
		a.logger.Warn("openclaw: disconnected, will reconnect", "error", err, "retry_in", wait.Round(time.Millisecond))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session dials once and reads frames until the connection fails. It
// reports whether the handshake completed.
func (a *Adapter) session(parent context.Context) (established bool, err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	a.mu.Lock()
	a.redial = cancel
	cfg := a.cfg
	a.mu.Unlock()

	a.logger.Info("openclaw: connecting", "url", cfg.URL)
	dialCtx, span := otel.StartClientSpan(ctx, a.tracer, "openclaw.dial", otel.AttrSource.String(persistence.SourceWebsocketLifecycle))
	conn, _, err := websocket.Dial(dialCtx, cfg.URL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.Token},
			"Origin":        []string{controlOrigin},
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		span.End()
		return false, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	span.End()
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(readLimit)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
			}
			return a.connected.Load(), fmt.Errorf("read: %w", err)
		}
		if err := a.handleFrame(ctx, conn, cfg.Token, data); err != nil {
			return a.connected.Load(), err
		}
	}
}

// handleFrame processes one raw frame. Only a failed write is returned;
// bad frames are logged and dropped.
func (a *Adapter) handleFrame(ctx context.Context, conn *websocket.Conn, token string, data []byte) error {
	f, err := decodeFrame(data)
	if err != nil {
		otel.Add(ctx, a.metrics.AdapterFrames, 1, otel.AttrFrame.String("malformed"), otel.AttrOutcome.String("dropped"))
		a.logger.Warn("openclaw: dropped malformed frame", "error", err, "size", len(data))
		return nil
	}
	kind := f.Type
	if f.Event != "" {
		kind = f.Event
	}
	otel.Add(ctx, a.metrics.AdapterFrames, 1, otel.AttrFrame.String(kind), otel.AttrOutcome.String("ok"))

	switch {
	case f.Type == "event" && f.Event == "connect.challenge":
		a.logger.Debug("openclaw: challenge received, sending connect")
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, conn, connectRequest(token)); err != nil {
			return fmt.Errorf("send connect: %w", err)
		}
		return nil

	case f.isConnectResponse():
		if f.accepted() {
			a.connected.Store(true)
			a.logger.Info("openclaw: connected to gateway")
		} else {
			a.connected.Store(false)
			a.logger.Error("openclaw: connect rejected", "error", string(f.Error))
		}
		return nil
	}

	if f.Type != "event" {
		return nil
	}
	switch f.Event {
	case "tick", "health":
		return nil
	case "agent":
		a.connected.Store(true)
		a.handleAgent(ctx, f.Payload)
	case "chat":
		a.connected.Store(true)
		a.handleChat(ctx, f.Payload)
	default:
		a.connected.Store(true)
		a.logger.Debug("openclaw: unhandled event", "event", f.Event)
	}
	return nil
}
