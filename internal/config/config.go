// Package config handles YAML configuration loading with environment variable
// expansion, plus the GONKA_* environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Models     ModelsConfig    `yaml:"models"`
	Auth       AuthConfig      `yaml:"auth"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Sessions   SessionConfig   `yaml:"sessions"`
	Upstream   UpstreamConfig  `yaml:"upstream"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	DataDir    string          `yaml:"data_dir"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ModelsConfig points at the model catalog file.
type ModelsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"` // reload the catalog when the file changes
}

// AuthConfig holds credential store settings.
type AuthConfig struct {
	KeysFile string `yaml:"keys_file"` // JSON persistence; empty = in-memory only
	AdminKey string `yaml:"admin_key"` // gate for /admin; empty = open (dev)
}

// RateLimitConfig holds per-key defaults for newly created keys.
type RateLimitConfig struct {
	DefaultRPM int `yaml:"default_rpm"`
	DefaultTPM int `yaml:"default_tpm"`
}

// SessionConfig holds session store policy.
type SessionConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxHistory int           `yaml:"max_history"`
}

// UpstreamConfig holds settings for backends the gateway probes.
type UpstreamConfig struct {
	VLLMURL string `yaml:"vllm_url"` // used by the health checker, not the pipeline
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

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "0.0.0.0:9000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    320 * time.Second, // must outlast the 300s upstream budget
			ShutdownTimeout: 30 * time.Second,
		},
		Models: ModelsConfig{
			Path: "configs/models.yaml",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
			DefaultTPM: 100_000,
		},
		Sessions: SessionConfig{
			TTL:        time.Hour,
			MaxHistory: 100,
		},
		Upstream: UpstreamConfig{
			VLLMURL: "http://localhost:8000",
		},
		DataDir: "data",
	}
}

// Load reads and parses a YAML config file, expanding environment variables
// and applying GONKA_* overrides. A missing file is not an error: the gateway
// can run from environment variables alone, as the original deployment did.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// env-only configuration
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies the recognized GONKA_* environment variables on top of
// whatever the file provided.
func (c *Config) applyEnv() {
	host, port, err := net.SplitHostPort(c.Server.Addr)
	if err != nil {
		host, port = "0.0.0.0", "9000"
	}
	if v := os.Getenv("GONKA_GATEWAY_HOST"); v != "" {
		host = v
	}
	if v := os.Getenv("GONKA_GATEWAY_PORT"); v != "" {
		port = v
	}
	c.Server.Addr = net.JoinHostPort(host, port)

	setStr(&c.Upstream.VLLMURL, "GONKA_VLLM_URL")
	setStr(&c.Auth.KeysFile, "GONKA_API_KEYS_FILE")
	setStr(&c.Auth.AdminKey, "GONKA_ADMIN_API_KEY")
	setStr(&c.DataDir, "GONKA_DATA_DIR")
	setStr(&c.Models.Path, "GONKA_MODELS_CONFIG")

	setInt(&c.RateLimits.DefaultRPM, "GONKA_DEFAULT_RPM")
	setInt(&c.RateLimits.DefaultTPM, "GONKA_DEFAULT_TPM")
	setInt(&c.Sessions.MaxHistory, "GONKA_SESSION_MAX_HISTORY")

	if v := os.Getenv("GONKA_SESSION_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			c.Sessions.TTL = time.Duration(secs) * time.Second
		}
	}
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
