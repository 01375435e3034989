package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/claw-office/internal/config"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), ".env.local")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRunImportCommand_WritesNestedSections(t *testing.T) {
	home := setTestHome(t, "bind_addr: 127.0.0.1:4100\n")
	env := writeEnvFile(t, `OPENCLAW_GATEWAY_URL=ws://127.0.0.1:18789
OPENCLAW_GATEWAY_TOKEN="gw-secret"
TELEGRAM_BOT_TOKEN=123:abc
TELEGRAM_CHAT_ID=-100200
AGENT_HOURLY_RATE=85.5
UNRELATED=ignored
`)

	if code := runImportCommand(context.Background(), []string{"--path", env}); code != 0 {
		t.Fatalf("exit %d", code)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BindAddr != "127.0.0.1:4100" {
		t.Errorf("bind_addr lost: %q", cfg.BindAddr)
	}
	if cfg.Gateway.URL != "ws://127.0.0.1:18789" || cfg.Gateway.Token != "gw-secret" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Telegram.BotToken != "123:abc" || cfg.Telegram.ChatID != -100200 {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Savings.DefaultHourlyRate != 85.5 {
		t.Errorf("default hourly rate = %v", cfg.Savings.DefaultHourlyRate)
	}

	info, err := os.Stat(config.ConfigPath(home))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config perms = %o, want 600", perm)
	}
}

func TestRunImportCommand_SkipsExistingUnlessForced(t *testing.T) {
	home := setTestHome(t, "gateway:\n  url: ws://gw.internal:18789\n")
	env := writeEnvFile(t, "OPENCLAW_GATEWAY_URL=ws://127.0.0.1:18789\nOPENCLAW_GATEWAY_TOKEN=tok\n")

	if code := runImportCommand(context.Background(), []string{"--path", env}); code != 0 {
		t.Fatalf("exit %d", code)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.URL != "ws://gw.internal:18789" {
		t.Fatalf("existing url overwritten: %q", cfg.Gateway.URL)
	}
	if cfg.Gateway.Token != "tok" {
		t.Fatalf("token not imported: %q", cfg.Gateway.Token)
	}

	if code := runImportCommand(context.Background(), []string{"--path", env, "--force"}); code != 0 {
		t.Fatalf("force exit %d", code)
	}
	cfg, err = config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.URL != "ws://127.0.0.1:18789" {
		t.Fatalf("--force did not overwrite: %q", cfg.Gateway.URL)
	}
}

func TestRunImportCommand_InvalidValueOnly(t *testing.T) {
	home := setTestHome(t, "")
	env := writeEnvFile(t, "TELEGRAM_CHAT_ID=not-a-number\n")

	if code := runImportCommand(context.Background(), []string{"--path", env}); code != 1 {
		t.Fatalf("exit %d, want 1", code)
	}
	if _, err := os.Stat(config.ConfigPath(home)); !os.IsNotExist(err) {
		t.Fatalf("config written for an invalid-only import: %v", err)
	}
}

func TestRunImportCommand_MissingEnvFile(t *testing.T) {
	setTestHome(t, "")
	if code := runImportCommand(context.Background(), []string{"--path", filepath.Join(t.TempDir(), "nope")}); code != 0 {
		t.Fatalf("exit %d, want 0 for missing env file", code)
	}
}

func TestRunImportCommand_RejectsArgs(t *testing.T) {
	setTestHome(t, "")
	if code := runImportCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("exit %d, want 2", code)
	}
}

func TestIsZero(t *testing.T) {
	for _, v := range []any{nil, "", "  ", 0, 0.0} {
		if !isZero(v) {
			t.Errorf("isZero(%#v) = false", v)
		}
	}
	for _, v := range []any{"x", 1, 2.5, true, map[string]any{}} {
		if isZero(v) {
			t.Errorf("isZero(%#v) = true", v)
		}
	}
}
