package gateway_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/gateway"
)

func TestCORS_Preflight(t *testing.T) {
	handler := gateway.NewCORSMiddleware(config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://office.example"},
		MaxAge:         7200,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight reached the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/workflow", nil)
	req.Header.Set("Origin", "https://office.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	h := rec.Header()
	if got := h.Get("Access-Control-Allow-Origin"); got != "https://office.example" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := h.Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("allow-methods = %q", got)
	}
	if got := h.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Last-Event-ID") {
		t.Errorf("allow-headers = %q, want Last-Event-ID included", got)
	}
	if got := h.Get("Access-Control-Max-Age"); got != "7200" {
		t.Errorf("max-age = %q", got)
	}
	if got := h.Get("Access-Control-Expose-Headers"); got != "X-Trace-Id" {
		t.Errorf("expose-headers = %q", got)
	}
}

func TestCORS_Origins(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.CORSConfig
		origin  string
		wantHdr string
	}{
		{"listed", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://a.example"}}, "https://a.example", "https://a.example"},
		{"unlisted", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://a.example"}}, "https://b.example", ""},
		{"wildcard", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"*"}}, "https://any.example", "https://any.example"},
		{"disabled", config.CORSConfig{Enabled: false, AllowedOrigins: []string{"*"}}, "https://any.example", ""},
		{"any port", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://localhost:*"}}, "http://localhost:4200", "http://localhost:4200"},
		{"any port wrong host", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://localhost:*"}}, "http://localhost.evil:4200", ""},
		{"any port not a port", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"http://localhost:*"}}, "http://localhost:42/x", ""},
		{"trailing slash in config", config.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://a.example/"}}, "https://a.example", "https://a.example"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := gateway.NewCORSMiddleware(tt.cfg)(okHandler())
			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantHdr {
				t.Fatalf("allow-origin = %q, want %q", got, tt.wantHdr)
			}
		})
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	var readErr error
	handler := gateway.RequestSizeLimitMiddleware(100)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/workflow", strings.NewReader("small")))
	if readErr != nil {
		t.Fatalf("small body: %v", readErr)
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/workflow", strings.NewReader(strings.Repeat("x", 200))))
	var maxErr *http.MaxBytesError
	if !errors.As(readErr, &maxErr) {
		t.Fatalf("large body error = %v, want MaxBytesError", readErr)
	}
}
