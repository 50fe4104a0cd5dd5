// Package config loads, validates, and watches the server configuration
// under the cmdcenter home directory.
package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// TokenConfig maps one bearer token to a role.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
	Role  string `yaml:"role"`
}

// AuthConfig controls bearer-token authentication on the HTTP API.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tokens  []TokenConfig `yaml:"tokens"`
}

// RateLimitConfig controls the per-client sliding-window limiter.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// RetentionConfig controls the nightly archival sweep.
type RetentionConfig struct {
	DetailedDays  int    `yaml:"detailed_days"`
	SweepSchedule string `yaml:"sweep_schedule"`
	MaxEventRows  int    `yaml:"max_event_rows"`
}

// OTelConfig controls OpenTelemetry export.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint string `yaml:"endpoint"` // OTLP HTTP endpoint
}

type Config struct {
	HomeDir string `yaml:"-"`

	ListenAddr string `yaml:"listen_addr"`
	LogLevel   string `yaml:"log_level"`
	DBPath     string `yaml:"db_path"`

	HeartbeatIntervalSeconds  int `yaml:"heartbeat_interval_seconds"`
	StalenessThresholdSeconds int `yaml:"staleness_threshold_seconds"`
	MaxRetryCount             int `yaml:"max_retry_count"`
	SecretMinLength           int `yaml:"secret_min_length"`

	// KnownSecrets are literal values always redacted from logs and audit
	// metadata, loaded at startup so operators can register deployment
	// credentials without code changes.
	KnownSecrets []string `yaml:"known_secrets"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      OTelConfig      `yaml:"otel"`
}

// configSchema bounds the numeric knobs and pins enum fields. Validation runs
// against the raw YAML document so a typo fails startup instead of silently
// falling back to a default.
const configSchema = `{
	"type": "object",
	"properties": {
		"listen_addr": {"type": "string", "minLength": 1},
		"log_level": {"enum": ["debug", "info", "warn", "error"]},
		"db_path": {"type": "string"},
		"heartbeat_interval_seconds": {"type": "integer", "minimum": 1},
		"staleness_threshold_seconds": {"type": "integer", "minimum": 1},
		"max_retry_count": {"type": "integer", "minimum": 1},
		"secret_min_length": {"type": "integer", "minimum": 1},
		"known_secrets": {"type": "array", "items": {"type": "string"}},
		"auth": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"tokens": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"name": {"type": "string"},
							"token": {"type": "string", "minLength": 1},
							"role": {"enum": ["admin", "operator", "viewer", "agent"]}
						},
						"required": ["token", "role"]
					}
				}
			}
		},
		"rate_limit": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"requests_per_minute": {"type": "integer", "minimum": 1}
			}
		},
		"retention": {
			"type": "object",
			"properties": {
				"detailed_days": {"type": "integer", "minimum": 1},
				"sweep_schedule": {"type": "string", "minLength": 1},
				"max_event_rows": {"type": "integer", "minimum": 1}
			}
		},
		"otel": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"exporter": {"enum": ["stdout", "otlp"]},
				"endpoint": {"type": "string"}
			}
		}
	}
}`

func defaultConfig() Config {
	return Config{
		ListenAddr:                "127.0.0.1:8765",
		LogLevel:                  "info",
		HeartbeatIntervalSeconds:  15,
		StalenessThresholdSeconds: 30,
		MaxRetryCount:             3,
		SecretMinLength:           8,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		Retention: RetentionConfig{
			DetailedDays:  90,
			SweepSchedule: "0 3 * * *",
			MaxEventRows:  100000,
		},
		OTel: OTelConfig{
			Exporter: "stdout",
		},
	}
}

// HomeDir returns the cmdcenter home, honoring the CMDCENTER_HOME override.
func HomeDir() string {
	if override := os.Getenv("CMDCENTER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cmdcenter")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the cmdcenter home, applying defaults, schema
// validation, and env overrides. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create cmdcenter home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := validateSchema(data); err != nil {
			return cfg, err
		}
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

// validateSchema checks the raw YAML document against the config schema. The
// document is round-tripped through JSON because the validator wants
// json.Number-style values.
func validateSchema(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(rawJSON)))
	if err != nil {
		return fmt.Errorf("decode config for validation: %w", err)
	}

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("unmarshal config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.json", schemaDoc); err != nil {
		return fmt.Errorf("add config schema resource: %w", err)
	}
	schema, err := c.Compile("config.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config.yaml invalid: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8765"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "cmdcenter.db")
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 15
	}
	if cfg.StalenessThresholdSeconds <= 0 {
		cfg.StalenessThresholdSeconds = 30
	}
	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = 3
	}
	if cfg.SecretMinLength <= 0 {
		cfg.SecretMinLength = 8
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 60
	}
	if cfg.Retention.DetailedDays <= 0 {
		cfg.Retention.DetailedDays = 90
	}
	if cfg.Retention.SweepSchedule == "" {
		cfg.Retention.SweepSchedule = "0 3 * * *"
	}
	if cfg.Retention.MaxEventRows <= 0 {
		cfg.Retention.MaxEventRows = 100000
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "stdout"
	}
}

// validate rejects values the schema cannot express: cron syntax, duplicate
// tokens, staleness shorter than the heartbeat interval.
func validate(cfg *Config) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cfg.Retention.SweepSchedule); err != nil {
		return fmt.Errorf("retention.sweep_schedule %q: %w", cfg.Retention.SweepSchedule, err)
	}

	if cfg.StalenessThresholdSeconds < cfg.HeartbeatIntervalSeconds {
		return fmt.Errorf("staleness_threshold_seconds (%d) must be >= heartbeat_interval_seconds (%d)",
			cfg.StalenessThresholdSeconds, cfg.HeartbeatIntervalSeconds)
	}

	seen := make(map[string]string, len(cfg.Auth.Tokens))
	for _, tc := range cfg.Auth.Tokens {
		if prev, dup := seen[tc.Token]; dup {
			return fmt.Errorf("auth token %q duplicated (also %q)", tc.Name, prev)
		}
		seen[tc.Token] = tc.Name
	}
	if cfg.Auth.Enabled && len(cfg.Auth.Tokens) == 0 {
		return fmt.Errorf("auth.enabled requires at least one token")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CMDCENTER_LISTEN_ADDR"); raw != "" {
		cfg.ListenAddr = raw
	}
	if raw := os.Getenv("CMDCENTER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CMDCENTER_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CMDCENTER_MAX_RETRY_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxRetryCount = v
		}
	}
	if raw := os.Getenv("CMDCENTER_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CMDCENTER_STALENESS_THRESHOLD_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StalenessThresholdSeconds = v
		}
	}
	if raw := os.Getenv("CMDCENTER_OTLP_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
}

// Fingerprint returns a stable hash of the active config for change logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "listen=%s|log=%s|hb=%d|stale=%d|retries=%d|rpm=%d|retention=%d",
		c.ListenAddr, c.LogLevel, c.HeartbeatIntervalSeconds, c.StalenessThresholdSeconds,
		c.MaxRetryCount, c.RateLimit.RequestsPerMinute, c.Retention.DetailedDays)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
