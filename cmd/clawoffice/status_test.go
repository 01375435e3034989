package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func healthyServer(t *testing.T, status int, body map[string]any) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_HealthyServer(t *testing.T) {
	ts := healthyServer(t, http.StatusOK, map[string]any{"status": "healthy", "service": "Claw Office", "db_ok": true})
	setTestHome(t, `bind_addr: "`+ts.Listener.Addr().String()+`"`)

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if code := runStatusCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("json: got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_UnhealthyServer(t *testing.T) {
	ts := healthyServer(t, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
	setTestHome(t, `bind_addr: "`+ts.Listener.Addr().String()+`"`)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunStatusCommand_SendsAPIKey(t *testing.T) {
	var got string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-API-Key")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer ts.Close()
	setTestHome(t, "bind_addr: \""+ts.Listener.Addr().String()+"\"\nauth:\n  enabled: true\n  keys:\n    - key: k-1\n      name: ops\n")

	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Fatalf("got exit code %d", code)
	}
	if got != "k-1" {
		t.Fatalf("X-API-Key = %q", got)
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestHome(t, `bind_addr: "127.0.0.1:1"`)
	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	setTestHome(t, `bind_addr: "127.0.0.1:3000"`)

	if code := runStatusCommand(ctx, nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestRenderHealth(t *testing.T) {
	var h healthReport
	h.Status = "healthy"
	h.Service = "Claw Office"
	h.Uptime = 192
	h.DBOK = true
	h.Gateway.URL = "ws://127.0.0.1:18789"
	h.Agents.Count = 2
	h.Agents.IDs = []string{"main", "py"}
	h.Config.Valid = false
	h.Config.Errors = []string{"gateway.token is required"}

	out := renderHealth(h)
	for _, want := range []string{"Claw Office", "healthy", "3m12s", "reconnecting", "2 agents", "main, py", "gateway.token is required"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
