package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/claw-office/internal/bus"
	"github.com/basket/claw-office/internal/otel"
)

// streamFrame is one frame of the websocket feed. The SSE stream carries
// the same kind and data as its event name and data line.
type streamFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (s *Server) heartbeatInterval() time.Duration {
	if n := s.current().StreamHeartbeatSeconds; n > 0 {
		return time.Duration(n) * time.Second
	}
	return 15 * time.Second
}

// subscribe registers a stream subscriber and returns its subscription
// along with the snapshot. The subscription is taken first so nothing
// published while the snapshot is read can be missed.
func (s *Server) subscribe(ctx context.Context) (*bus.Subscription, any, func(), error) {
	if s.bus == nil {
		return nil, nil, nil, fmt.Errorf("event bus not configured")
	}
	sub := s.bus.Subscribe(bus.TopicPrefix)
	snap, err := s.coord.Snapshot(ctx)
	if err != nil {
		s.bus.Unsubscribe(sub)
		return nil, nil, nil, err
	}
	otel.AddUpDown(ctx, s.metrics.SSESubscribers, 1)
	release := func() {
		s.bus.Unsubscribe(sub)
		otel.AddUpDown(context.WithoutCancel(ctx), s.metrics.SSESubscribers, -1)
	}
	return sub, snap, release, nil
}

// handleStream implements GET /api/workflow/stream: a snapshot frame, then
// every bus change as "event: <kind>", with a comment heartbeat.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ctx := r.Context()
	sub, snap, release, err := s.subscribe(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "streaming not available: "+err.Error())
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, "snapshot", snap); err != nil {
		return
	}
	flusher.Flush()
	s.logger.Debug("sse: client connected", "remote", r.RemoteAddr)

	heartbeat := time.NewTicker(s.heartbeatInterval())
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse: client disconnected", "remote", r.RemoteAddr)
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			kind := bus.Kind(ev.Topic)
			if kind == "" {
				continue
			}
			if err := writeSSE(w, kind, ev.Payload); err != nil {
				s.logger.Debug("sse: write failed (client disconnected?)", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: marshal %s: %w", kind, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data)
	return err
}

// handleStreamWS serves the same feed over a websocket for clients that
// prefer one bidirectional connection. Frames are {type, data}.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.current().CORS.AllowedOrigins,
	})
	if err != nil {
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// The feed is one-way; CloseRead handles control frames and cancels ctx
	// when the client goes away.
	ctx := conn.CloseRead(r.Context())
	sub, snap, release, err := s.subscribe(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream unavailable")
		return
	}
	defer release()
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)

	write := func(kind string, data any) error {
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return wsjson.Write(wctx, conn, streamFrame{Type: kind, Data: data})
	}
	if err := write("snapshot", snap); err != nil {
		return
	}

	heartbeat := time.NewTicker(s.heartbeatInterval())
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ws: client disconnecting", "remote", r.RemoteAddr)
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case <-heartbeat.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			kind := bus.Kind(ev.Topic)
			if kind == "" {
				continue
			}
			if err := write(kind, ev.Payload); err != nil {
				s.logger.Error("ws: write error, closing", "error", err)
				return
			}
		}
	}
}
