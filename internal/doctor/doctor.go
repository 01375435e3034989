// Package doctor runs the offline health checks behind `clawoffice doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/claw-office/internal/config"
	"github.com/basket/claw-office/internal/cron"
	"github.com/basket/claw-office/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusWarn = "WARN"
	StatusFail = "FAIL"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkSchedules,
		checkTelegram,
		checkGateway,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return CheckResult{
			Name:    "Config",
			Status:  StatusFail,
			Message: fmt.Sprintf("%d problem(s) in %s", len(problems), config.ConfigPath(cfg.HomeDir)),
			Detail:  strings.Join(problems, "; "),
		}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s (%d agents)", cfg.HomeDir, len(cfg.Agents))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.DBPath == "" {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	total, active, err := store.CountRequests(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	orphans, err := store.CountOpenTasksUnderCompletedRequests(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Consistency query failed: %v", err)}
	}
	detail := fmt.Sprintf("path=%s requests=%d active=%d", cfg.DBPath, total, active)
	if orphans > 0 {
		return CheckResult{
			Name:    "Database",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d open task(s) under completed requests", orphans),
			Detail:  detail + "; run `clawoffice repair`",
		}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Schema valid and consistent", Detail: detail}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: StatusSkip, Message: "Config missing"}
	}
	now := time.Now()
	var details []string
	for name, spec := range map[string]string{
		cron.JobRepair:    cfg.Maintenance.RepairSchedule,
		cron.JobRetention: cfg.Maintenance.RetentionSchedule,
	} {
		if spec == "" {
			details = append(details, name+": disabled")
			continue
		}
		next, err := cron.NextRunTime(spec, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: StatusFail, Message: fmt.Sprintf("%s schedule %q invalid", name, spec), Detail: err.Error()}
		}
		details = append(details, fmt.Sprintf("%s: next %s", name, next.Format(time.RFC3339)))
	}
	return CheckResult{Name: "Schedules", Status: StatusPass, Message: "Maintenance schedules parse", Detail: strings.Join(details, ", ")}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Config missing"}
	}
	tg := cfg.Telegram
	if !tg.Enabled() {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Notifications disabled (no bot token/chat id)"}
	}
	if !tg.Poll && tg.WebhookSecret == "" {
		return CheckResult{
			Name:    "Telegram",
			Status:  StatusWarn,
			Message: "Webhook accepts unauthenticated updates",
			Detail:  "Set telegram.webhook_secret or TELEGRAM_WEBHOOK_SECRET",
		}
	}
	mode := "webhook"
	if tg.Poll {
		mode = "long polling"
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: "Configured for " + mode}
}

func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Gateway.Disabled {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Adapter disabled"}
	}
	u, err := url.Parse(cfg.Gateway.URL)
	if err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("gateway.url %q is not a ws:// or wss:// URL", cfg.Gateway.URL)}
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "wss" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s unreachable: %v", host, err),
			Detail:  "The adapter keeps retrying with backoff once serve is running",
		}
	}
	_ = conn.Close()
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("%s reachable (%dms)", host, latency.Milliseconds())}
}
