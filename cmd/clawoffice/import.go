package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/claw-office/internal/config"
)

// envImport maps one legacy variable onto a config.yaml path.
type envImport struct {
	env     string
	section string
	key     string
	parse   func(string) (any, error)
}

func asString(v string) (any, error) { return v, nil }

func asInt(v string) (any, error) { return strconv.ParseInt(v, 10, 64) }

func asFloat(v string) (any, error) { return strconv.ParseFloat(v, 64) }

var envImports = []envImport{
	{"OPENCLAW_GATEWAY_URL", "gateway", "url", asString},
	{"OPENCLAW_GATEWAY_TOKEN", "gateway", "token", asString},
	{"TELEGRAM_BOT_TOKEN", "telegram", "bot_token", asString},
	{"TELEGRAM_CHAT_ID", "telegram", "chat_id", asInt},
	{"TELEGRAM_WEBHOOK_SECRET", "telegram", "webhook_secret", asString},
	{"AGENT_HOURLY_RATE", "savings", "default_hourly_rate", asFloat},
}

func runImportCommand(ctx context.Context, args []string) int {
	_ = ctx

	fs := flag.NewFlagSet("clawoffice import", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	envPath := fs.String("path", ".env.local", "path to legacy .env file")
	force := fs.Bool("force", false, "overwrite existing config.yaml values")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if len(fs.Args()) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawoffice import [--path .env.local] [--force]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	kv, err := parseDotEnvFile(*envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read env: %v\n", err)
		return 1
	}
	if len(kv) == 0 {
		fmt.Fprintln(os.Stdout, "no keys imported (empty env file)")
		return 0
	}

	cfgPath := config.ConfigPath(cfg.HomeDir)
	raw, err := readRawConfig(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config.yaml: %v\n", err)
		return 1
	}

	var imported, skipped, invalid []string
	for _, imp := range envImports {
		v := strings.TrimSpace(kv[imp.env])
		if v == "" {
			continue
		}
		val, err := imp.parse(v)
		if err != nil {
			invalid = append(invalid, imp.env)
			continue
		}
		section, _ := raw[imp.section].(map[string]any)
		if section == nil {
			section = make(map[string]any)
		}
		if existing, ok := section[imp.key]; ok && !*force && !isZero(existing) {
			skipped = append(skipped, imp.env)
			continue
		}
		section[imp.key] = val
		raw[imp.section] = section
		imported = append(imported, imp.env)
	}

	if len(invalid) > 0 {
		fmt.Fprintf(os.Stderr, "invalid values: %s\n", strings.Join(invalid, ", "))
	}
	if len(imported) == 0 {
		fmt.Fprintln(os.Stdout, "no keys imported (already set)")
		if len(invalid) > 0 {
			return 1
		}
		return 0
	}

	if err := writeRawConfig(cfgPath, raw); err != nil {
		fmt.Fprintf(os.Stderr, "write config.yaml: %v\n", err)
		return 1
	}

	fmt.Fprintf(os.Stdout, "imported: %s\n", strings.Join(imported, ", "))
	if len(skipped) > 0 {
		fmt.Fprintf(os.Stdout, "skipped: %s\n", strings.Join(skipped, ", "))
	}
	return 0
}

func isZero(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case int:
		return t == 0
	case float64:
		return t == 0
	}
	return false
}

func readRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return raw, nil
		}
		return nil, err
	}
	if len(b) == 0 {
		return raw, nil
	}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeRawConfig(path string, raw map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file; the config holds keys.
	return os.Chmod(path, 0o600)
}
