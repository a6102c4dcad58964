package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// AuthConfig controls gateway authentication.
type AuthConfig struct {
	// Token is the shared bearer secret. Empty disables bearer auth entirely;
	// only loopback and node-IP fallback can then authenticate.
	Token string `yaml:"token"`

	// TrustedProxies lists CIDRs whose forwarded headers are honored when
	// resolving the effective client IP.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// RateLimitConfig controls the auth-failure limiter windows.
type RateLimitConfig struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
	MaxKeys       int `yaml:"max_keys"`
}

// HookMapping is one ordered rule for a non-reserved hook suffix.
type HookMapping struct {
	// Path matches the suffix after the hooks base path, e.g. "github".
	Path string `yaml:"path"`

	// Action is "wake", "agent", or "none".
	Action string `yaml:"action"`

	// Template renders the message text. "{{payload}}" expands to the raw
	// JSON body; any other text is used verbatim. Empty uses the payload's
	// "text" field.
	Template string `yaml:"template"`

	// Agent and SessionKey apply to agent-action rules.
	Agent      string `yaml:"agent"`
	SessionKey string `yaml:"session_key"`

	// Schema is an optional JSON Schema the payload must satisfy.
	Schema map[string]interface{} `yaml:"schema"`
}

// HooksConfig controls the webhook ingestion endpoint.
type HooksConfig struct {
	// BasePath is the URL prefix for hook dispatch. Default "/hooks".
	BasePath string `yaml:"base_path"`

	// Token authenticates hook callers. Header only; query tokens are rejected.
	Token string `yaml:"token"`

	MaxBodyBytes      int64 `yaml:"max_body_bytes"`
	BodyReadTimeoutMS int   `yaml:"body_read_timeout_ms"`

	// AllowedAgents restricts which agents hook callers may dispatch to.
	// Empty allows any agent.
	AllowedAgents []string `yaml:"allowed_agents"`

	// DefaultSessionKey is the session key used when neither the request
	// nor the matched mapping names one.
	DefaultSessionKey string `yaml:"default_session_key"`

	Mappings []HookMapping `yaml:"mappings"`
}

type TelegramConfig struct {
	Token string `yaml:"token"`

	// WebhookSecret authenticates pushed updates on the webhook route.
	// Empty means webhook deliveries are accepted unauthenticated.
	WebhookSecret string `yaml:"webhook_secret"`

	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OTelConfig controls tracing and metrics export.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "otlp-http", "stdout", or "none"
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Hooks     HooksConfig     `yaml:"hooks"`
	Channels  ChannelsConfig  `yaml:"channels"`
	OTel      OTelConfig      `yaml:"otel"`

	// BroadcastQueueDepth bounds each session's outbound queue.
	BroadcastQueueDepth int `yaml:"broadcast_queue_depth"`

	HeartbeatIntervalMinutes int `yaml:"heartbeat_interval_minutes"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetValue updates a single top-level key in config.yaml, preserving other
// settings. Used by the admin config.set RPC.
func SetValue(homeDir, key string, value interface{}) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw[key] = value
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|rl=%d/%d/%d|hooks=%s|hb=%d|q=%d",
		c.BindAddr, c.LogLevel, c.AllowOrigins,
		c.RateLimit.Limit, c.RateLimit.WindowSeconds, c.RateLimit.MaxKeys,
		c.Hooks.BasePath, c.HeartbeatIntervalMinutes, c.BroadcastQueueDepth)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18890",
		LogLevel: "info",
		RateLimit: RateLimitConfig{
			Limit:         20,
			WindowSeconds: 60,
			MaxKeys:       2048,
		},
		Hooks: HooksConfig{
			BasePath:          "/hooks",
			MaxBodyBytes:      1 << 20,
			BodyReadTimeoutMS: 5000,
		},
		OTel: OTelConfig{
			Exporter: "none",
		},
		BroadcastQueueDepth:      64,
		HeartbeatIntervalMinutes: 30,
	}
}

func HomeDir() string {
	if override := os.Getenv("HIVEGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hivegate")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hivegate home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18890"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimit.Limit <= 0 {
		cfg.RateLimit.Limit = 20
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		cfg.RateLimit.WindowSeconds = 60
	}
	if cfg.RateLimit.MaxKeys <= 0 {
		cfg.RateLimit.MaxKeys = 2048
	}
	if strings.TrimSpace(cfg.Hooks.BasePath) == "" {
		cfg.Hooks.BasePath = "/hooks"
	}
	if !strings.HasPrefix(cfg.Hooks.BasePath, "/") {
		cfg.Hooks.BasePath = "/" + cfg.Hooks.BasePath
	}
	cfg.Hooks.BasePath = strings.TrimSuffix(cfg.Hooks.BasePath, "/")
	if cfg.Hooks.MaxBodyBytes <= 0 {
		cfg.Hooks.MaxBodyBytes = 1 << 20
	}
	if cfg.Hooks.BodyReadTimeoutMS <= 0 {
		cfg.Hooks.BodyReadTimeoutMS = 5000
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.BroadcastQueueDepth <= 0 {
		cfg.BroadcastQueueDepth = 64
	}
	if cfg.HeartbeatIntervalMinutes <= 0 {
		cfg.HeartbeatIntervalMinutes = 30
	}
}

func validate(cfg *Config) error {
	for _, m := range cfg.Hooks.Mappings {
		switch m.Action {
		case "wake", "agent", "none":
		default:
			return fmt.Errorf("hook mapping %q: unknown action %q", m.Path, m.Action)
		}
		if strings.TrimSpace(m.Path) == "" {
			return fmt.Errorf("hook mapping with empty path")
		}
	}
	switch cfg.OTel.Exporter {
	case "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("otel exporter %q: must be otlp-http, stdout, or none", cfg.OTel.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HIVEGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HIVEGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HIVEGATE_TOKEN"); raw != "" {
		cfg.Auth.Token = raw
	}
	if raw := os.Getenv("HIVEGATE_HOOKS_TOKEN"); raw != "" {
		cfg.Hooks.Token = raw
	}
	if raw := os.Getenv("HIVEGATE_TRUSTED_PROXIES"); raw != "" {
		cfg.Auth.TrustedProxies = splitCSV(raw)
	}
	if raw := os.Getenv("HIVEGATE_RATE_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.Limit = v
		}
	}
	if raw := os.Getenv("HIVEGATE_RATE_WINDOW_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RateLimit.WindowSeconds = v
		}
	}
	if raw := os.Getenv("HIVEGATE_HEARTBEAT_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalMinutes = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("HIVEGATE_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = raw != "none"
	}
	if raw := os.Getenv("HIVEGATE_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
