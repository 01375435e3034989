package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/claw-office/internal/config"
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true)
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleFail  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleLabel = lipgloss.NewStyle().Width(12)
)

// row renders one "label  value" line of a report.
func row(label, value string) string {
	return "  " + styleLabel.Render(label) + value
}

// baseURL is where a local `serve` listens for bind_addr.
func baseURL(cfg config.Config) string {
	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

// newAPIRequest builds a request to the local office, authenticated with
// the first configured API key.
func newAPIRequest(ctx context.Context, cfg config.Config, method, path string, body *strings.Reader) (*http.Request, error) {
	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequestWithContext(ctx, method, baseURL(cfg)+path, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, baseURL(cfg)+path, body)
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) > 0 {
		req.Header.Set("X-API-Key", cfg.Auth.Keys[0].Key)
	}
	return req, nil
}

var apiClient = &http.Client{Timeout: 10 * time.Second}

func formatUptime(seconds float64) string {
	return (time.Duration(seconds) * time.Second).Round(time.Second).String()
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
