package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/claw-office/internal/config"
)

const sampleYAML = `
bind_addr: 0.0.0.0:4000
gateway:
  url: ws://gw.internal:18789
  token: yaml-token
agents:
  - id: main
    name: Claw
    emoji: "🦞"
    role: orchestrator
  - id: devo
    name: Devo
    emoji: "💻"
    keywords: [" Code ", "BUG"]
`

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromClawofficeHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "office")
	writeConfig(t, home, sampleYAML)
	t.Setenv("CLAWOFFICE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home dir: got %q", cfg.HomeDir)
	}
	if cfg.BindAddr != "0.0.0.0:4000" {
		t.Fatalf("bind addr: got %q", cfg.BindAddr)
	}
	if len(cfg.Agents) != 2 || cfg.Agents[1].Name != "Devo" {
		t.Fatalf("unexpected agents: %+v", cfg.Agents)
	}
	if cfg.Orchestrator != "main" {
		t.Fatalf("orchestrator should default to first agent, got %q", cfg.Orchestrator)
	}
	if got := cfg.Agents[1].Keywords; got[0] != "code" || got[1] != "bug" {
		t.Fatalf("keywords not normalized: %v", got)
	}
	if problems := cfg.Validate(); len(problems) != 0 {
		t.Fatalf("expected valid config, got %v", problems)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:3000" {
		t.Fatalf("bind addr default: %q", cfg.BindAddr)
	}
	if cfg.Gateway.URL != "ws://127.0.0.1:18789" {
		t.Fatalf("gateway url default: %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.ReconnectSeconds != 5 || cfg.Gateway.MaxReconnectSeconds != 60 {
		t.Fatalf("reconnect defaults: %d/%d", cfg.Gateway.ReconnectSeconds, cfg.Gateway.MaxReconnectSeconds)
	}
	if cfg.DBPath != filepath.Join(home, "clawoffice.db") {
		t.Fatalf("db path default: %q", cfg.DBPath)
	}
	if cfg.StreamHeartbeatSeconds != 15 {
		t.Fatalf("heartbeat default: %d", cfg.StreamHeartbeatSeconds)
	}
	if cfg.PacingScale() != 1 {
		t.Fatalf("pacing default: %v", cfg.PacingScale())
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, sampleYAML)
	t.Setenv("OPENCLAW_GATEWAY_URL", "ws://env:1")
	t.Setenv("OPENCLAW_GATEWAY_TOKEN", "env-token")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("TELEGRAM_CHAT_ID", "-100200")
	t.Setenv("TELEGRAM_WEBHOOK_SECRET", "s3cret")
	t.Setenv("CLAWOFFICE_PACING_SCALE", "0")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.URL != "ws://env:1" || cfg.Gateway.Token != "env-token" {
		t.Fatalf("gateway override: %+v", cfg.Gateway)
	}
	if cfg.Telegram.ChatID != -100200 || !cfg.Telegram.Enabled() {
		t.Fatalf("telegram override: %+v", cfg.Telegram)
	}
	if cfg.Telegram.WebhookSecret != "s3cret" {
		t.Fatalf("webhook secret: %q", cfg.Telegram.WebhookSecret)
	}
	if cfg.PacingScale() != 0 {
		t.Fatalf("pacing scale: %v", cfg.PacingScale())
	}
}

func TestLoad_BadYAML(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "agents: [unterminated")
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `
orchestrator: ghost
gateway:
  url: ws://x
telegram:
  bot_token: only-token
agents:
  - id: a
  - id: a
  - name: nameless
`)
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	problems := strings.Join(cfg.Validate(), "\n")
	for _, want := range []string{
		"gateway.token is required",
		`duplicate agent id "a"`,
		"agents[2].id is required",
		`orchestrator "ghost" is not a configured agent`,
		"telegram.bot_token and telegram.chat_id",
	} {
		if !strings.Contains(problems, want) {
			t.Errorf("missing problem %q in:\n%s", want, problems)
		}
	}
	if cfg.Err() == nil {
		t.Fatal("Err should be non-nil")
	}
}

func TestValidate_GatewayDisabledSkipsToken(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, "gateway:\n  disabled: true\nagents:\n  - id: main\n")
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if problems := cfg.Validate(); len(problems) != 0 {
		t.Fatalf("unexpected problems: %v", problems)
	}
}

func TestFingerprint_ChangesWithAgents(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, sampleYAML)
	a, _ := config.LoadFrom(home)
	b, _ := config.LoadFrom(home)
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint should be stable")
	}
	b.Agents[1].Keywords = append(b.Agents[1].Keywords, "deploy")
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with routing keywords")
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint format %q", a.Fingerprint())
	}
}

func TestConfig_AgentLookup(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, sampleYAML)
	cfg, _ := config.LoadFrom(home)
	if a, ok := cfg.Agent("devo"); !ok || a.Emoji != "💻" {
		t.Fatalf("lookup devo: %+v %v", a, ok)
	}
	if _, ok := cfg.Agent("nobody"); ok {
		t.Fatal("unexpected agent")
	}
}
