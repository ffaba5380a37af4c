// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/akarpov/porter/internal/keypool"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Admin     AdminConfig     `yaml:"admin"`
	KeyPool   KeyPoolConfig   `yaml:"key_pool"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// MasterSecret derives the at-rest encryption key for provider secrets.
	// Usually set via ${PORTER_MASTER_SECRET}.
	MasterSecret string `yaml:"master_secret"`

	TransformRules []TransformRuleEntry               `yaml:"transform_rules"`
	Pricing        map[string]map[string]PricingEntry `yaml:"pricing"`
	Models         []ModelEntry                       `yaml:"models"`
	Keys           []KeyEntry                         `yaml:"keys"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AdminConfig guards the admin endpoints. An empty token leaves them open,
// which is only sensible behind a trusted network boundary.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// KeyPoolConfig selects the key scheduling strategy.
type KeyPoolConfig struct {
	// Strategy is one of round_robin, success_rate, least_used,
	// weighted_random, hybrid. Empty selects hybrid.
	Strategy string `yaml:"strategy"`
	// Strategies binds a strategy per provider, overriding Strategy.
	Strategies map[string]string `yaml:"strategies"`
}

// BreakerConfig tunes the per-provider circuit breakers. Zero values fall
// back to the built-in defaults.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	MaxTimeout       time.Duration `yaml:"max_timeout"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// TransformRuleEntry maps a model-name substring to a provider for the
// fallback routing stage.
type TransformRuleEntry struct {
	Contains string `yaml:"contains"`
	Provider string `yaml:"provider"`
}

// PricingEntry overrides per-token pricing for one model (USD per token).
type PricingEntry struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// ModelEntry is a model route seed in the config file.
type ModelEntry struct {
	RouteKey       string   `yaml:"route_key"`
	TargetModel    string   `yaml:"target_model"`
	Provider       string   `yaml:"provider"`
	APIBase        string   `yaml:"api_base"`
	AuthHeader     string   `yaml:"auth_header"`
	AuthFormat     string   `yaml:"auth_format"`
	Enabled        *bool    `yaml:"enabled"`
	Priority       int      `yaml:"priority"`
	PromptKeywords []string `yaml:"prompt_keywords"`
	Description    string   `yaml:"description"`
}

// IsEnabled reports whether the model is enabled (defaults to true when nil).
func (m ModelEntry) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// KeyEntry is a provider key seed in the config file. The key value is
// plaintext here and encrypted on bootstrap; use ${VAR} expansion to keep it
// out of the file itself.
type KeyEntry struct {
	Provider   string `yaml:"provider"`
	Key        string `yaml:"key"`
	Priority   int    `yaml:"priority"`
	AuthHeader string `yaml:"auth_header"`
	AuthFormat string `yaml:"auth_format"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "porter.db",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.MasterSecret == "" {
		cfg.MasterSecret = os.Getenv("PORTER_MASTER_SECRET")
	}
	return cfg, nil
}

// PricingOverrides converts the YAML pricing section into the pool's
// pricing table shape.
func (c *Config) PricingOverrides() map[string]map[string]keypool.Price {
	if len(c.Pricing) == 0 {
		return nil
	}
	out := make(map[string]map[string]keypool.Price, len(c.Pricing))
	for provider, models := range c.Pricing {
		m := make(map[string]keypool.Price, len(models))
		for model, p := range models {
			m[model] = keypool.Price{Input: p.Input, Output: p.Output}
		}
		out[provider] = m
	}
	return out
}
