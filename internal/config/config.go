package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GatewayConfig points the adapter at the upstream agent runtime.
type GatewayConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
	// Disabled skips dialing entirely (headless/API-only deployments).
	Disabled bool `yaml:"disabled"`
	// ReconnectSeconds is the initial reconnect delay; it backs off from there.
	ReconnectSeconds    int `yaml:"reconnect_seconds"`
	MaxReconnectSeconds int `yaml:"max_reconnect_seconds"`
}

type TelegramConfig struct {
	BotToken      string `yaml:"bot_token"`
	ChatID        int64  `yaml:"chat_id"`
	WebhookSecret string `yaml:"webhook_secret"`
	// APIEndpoint overrides the Bot API URL format (tests, local proxies).
	APIEndpoint string `yaml:"api_endpoint"`
	// Poll reads updates with long polling instead of waiting for the
	// webhook. Only one consumer may poll a bot token.
	Poll bool `yaml:"poll"`
}

// Enabled reports whether outbound notifications can be sent.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != 0
}

// AgentEntry describes one agent the pipeline can route to.
type AgentEntry struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Color    string   `yaml:"color"`
	Emoji    string   `yaml:"emoji"`
	Role     string   `yaml:"role"`
	Keywords []string `yaml:"keywords"`
	// HourlyRate is the human-equivalent USD rate used to value finished
	// work. 0 falls back to SavingsConfig.DefaultHourlyRate.
	HourlyRate float64 `yaml:"hourly_rate"`
}

type APIKeyEntry struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

// PacingConfig scales the UI-pacing delays. 1 is real time; 0 disables
// pacing so every paced step runs immediately.
type PacingConfig struct {
	Scale *float64 `yaml:"scale"`
}

// SavingsConfig values completed tasks as the human time they replaced.
// With no rates set every task is worth zero.
type SavingsConfig struct {
	DefaultHourlyRate float64 `yaml:"default_hourly_rate"`
	// HumanFactor is how much longer a person would take than the agent.
	HumanFactor float64 `yaml:"human_factor"`
}

// MaintenanceConfig schedules the periodic jobs (5-field cron expressions).
type MaintenanceConfig struct {
	RepairSchedule    string `yaml:"repair_schedule"`
	RetentionSchedule string `yaml:"retention_schedule"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// Orchestrator is the agent that receives requests and delegates them.
	// Defaults to the first configured agent.
	Orchestrator string       `yaml:"orchestrator"`
	Agents       []AgentEntry `yaml:"agents"`

	Gateway  GatewayConfig  `yaml:"gateway"`
	Telegram TelegramConfig `yaml:"telegram"`

	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Otel      OtelConfig      `yaml:"otel"`
	Pacing    PacingConfig    `yaml:"pacing"`
	Savings   SavingsConfig   `yaml:"savings"`

	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Retention windows in days. 0 = keep forever.
	RetentionEventsDays   int `yaml:"retention_events_days"`
	RetentionAuditLogDays int `yaml:"retention_audit_log_days"`
	RetentionMessagesDays int `yaml:"retention_messages_days"`

	// StreamHeartbeatSeconds is the SSE comment-heartbeat interval.
	StreamHeartbeatSeconds int `yaml:"stream_heartbeat_seconds"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change routing or
// transport behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|orch=%s|gw=%s|chat=%d", c.BindAddr, c.LogLevel, c.Orchestrator, c.Gateway.URL, c.Telegram.ChatID)
	for _, a := range c.Agents {
		fmt.Fprintf(h, "|%s:%s:%s:%s", a.ID, a.Name, a.Role, strings.Join(a.Keywords, ","))
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// PacingScale returns the configured scale, defaulting to real time.
func (c Config) PacingScale() float64 {
	if c.Pacing.Scale == nil || *c.Pacing.Scale < 0 {
		return 1
	}
	return *c.Pacing.Scale
}

// Agent returns the entry for id.
func (c Config) Agent(id string) (AgentEntry, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentEntry{}, false
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:3000",
		LogLevel: "info",
		Gateway: GatewayConfig{
			URL:                 "ws://127.0.0.1:18789",
			ReconnectSeconds:    5,
			MaxReconnectSeconds: 60,
		},
		Maintenance: MaintenanceConfig{
			RepairSchedule:    "*/10 * * * *",
			RetentionSchedule: "30 3 * * *",
		},
		RetentionEventsDays:    0,
		RetentionAuditLogDays:  365,
		RetentionMessagesDays:  30,
		StreamHeartbeatSeconds: 15,
		DrainTimeoutSeconds:    5,
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWOFFICE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawoffice")
}

// Load reads config.yaml from HomeDir, applies env overrides and defaults.
// A missing file is not an error; Validate reports what is missing.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawoffice home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "clawoffice.db")
	}
	if cfg.Gateway.ReconnectSeconds <= 0 {
		cfg.Gateway.ReconnectSeconds = 5
	}
	if cfg.Gateway.MaxReconnectSeconds < cfg.Gateway.ReconnectSeconds {
		cfg.Gateway.MaxReconnectSeconds = max(60, cfg.Gateway.ReconnectSeconds)
	}
	if cfg.StreamHeartbeatSeconds <= 0 {
		cfg.StreamHeartbeatSeconds = 15
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.Savings.HumanFactor <= 0 {
		cfg.Savings.HumanFactor = 10
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		a.ID = strings.TrimSpace(a.ID)
		if a.Name == "" {
			a.Name = a.ID
		}
		for j, kw := range a.Keywords {
			a.Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	if cfg.Orchestrator == "" && len(cfg.Agents) > 0 {
		cfg.Orchestrator = cfg.Agents[0].ID
	}
}

// Validate returns every problem found; an empty slice means the config can
// drive the full pipeline.
func (c Config) Validate() []string {
	var problems []string
	if !c.Gateway.Disabled {
		if c.Gateway.URL == "" {
			problems = append(problems, "gateway.url is required")
		}
		if c.Gateway.Token == "" {
			problems = append(problems, "gateway.token is required")
		}
	}
	if len(c.Agents) == 0 {
		problems = append(problems, "at least one agent must be configured")
	}
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.ID == "" {
			problems = append(problems, fmt.Sprintf("agents[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			problems = append(problems, fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		seen[a.ID] = true
	}
	if c.Orchestrator != "" && len(c.Agents) > 0 && !seen[c.Orchestrator] {
		problems = append(problems, fmt.Sprintf("orchestrator %q is not a configured agent", c.Orchestrator))
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == 0) {
		problems = append(problems, "telegram.bot_token and telegram.chat_id must be set together")
	}
	return problems
}

// Err folds Validate into a single error, or nil.
func (c Config) Err() error {
	problems := c.Validate()
	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWOFFICE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWOFFICE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWOFFICE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_URL"); raw != "" {
		cfg.Gateway.URL = raw
	}
	if raw := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_BOT_TOKEN"); raw != "" {
		cfg.Telegram.BotToken = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Telegram.ChatID = v
		}
	}
	if raw := os.Getenv("TELEGRAM_WEBHOOK_SECRET"); raw != "" {
		cfg.Telegram.WebhookSecret = raw
	}
	if raw := os.Getenv("AGENT_HOURLY_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Savings.DefaultHourlyRate = v
		}
	}
	if raw := os.Getenv("CLAWOFFICE_PACING_SCALE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Pacing.Scale = &v
		}
	}
}
