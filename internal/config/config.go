// Package config handles configuration loading for the assistant: file
// search, YAML parsing with environment-variable expansion, defaulting,
// validation, and a KV-backed override layer consulted ahead of the file
// (spec §6.3 priority order: KV store, then environment, then file).
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/nugget/thane-ai-agent/internal/bus"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/assistantd/config.yaml, /config/config.yaml,
// /etc/assistantd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "assistantd", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/assistantd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all assistantd configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Bus          BusConfig          `yaml:"bus"`
	TaskStore    TaskStoreConfig    `yaml:"task_store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Sandbox      SandboxYAMLConfig  `yaml:"sandbox"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	MCPGateway   MCPGatewayConfig   `yaml:"mcp_gateway"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
}

// BusConfig selects and configures the Bus backend.
type BusConfig struct {
	Backend   string    `yaml:"backend"` // "memory", "sqlite", or "mqtt"
	SQLitePath string   `yaml:"sqlite_path"`
	MQTT      MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig holds broker connection settings for the mqttbus backend.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// TaskStoreConfig configures the Task Store's short-term window.
type TaskStoreConfig struct {
	WindowSize int `yaml:"window_size"`
}

// OrchestratorConfig mirrors orchestrator.Config's YAML-facing shape
// (spec §6.3 tunables).
type OrchestratorConfig struct {
	AutonomousMode       bool    `yaml:"autonomous_mode"`
	MaxIterations        int     `yaml:"max_iterations"`
	QualityThreshold     float64 `yaml:"quality_threshold"`
	CloudFallbackEnabled bool    `yaml:"cloud_fallback_enabled"`
	ClaimTTLSec          int     `yaml:"claim_ttl_sec"`
	TaskDeadlineSec       int    `yaml:"task_deadline_sec"`
}

// SandboxYAMLConfig is the file-facing shape of skills.SandboxConfig.
type SandboxYAMLConfig struct {
	AllowedPrograms   []string `yaml:"allowed_programs"`
	DeniedPatterns    []string `yaml:"denied_patterns"`
	DefaultTimeoutSec int      `yaml:"default_timeout_sec"`
	MaxOutputBytes    int      `yaml:"max_output_bytes"`
}

// RateLimitConfig is the file-facing shape of ratelimit.Config.
type RateLimitConfig struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// MCPGatewayConfig configures the multi-tenant HTTP surface.
type MCPGatewayConfig struct {
	AdminToken string `yaml:"admin_token"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${MCP_ADMIN_TOKEN}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Bus.Backend == "" {
		c.Bus.Backend = "memory"
	}
	if c.Bus.SQLitePath == "" {
		c.Bus.SQLitePath = filepath.Join(c.DataDir, "bus.db")
	}
	if c.TaskStore.WindowSize == 0 {
		c.TaskStore.WindowSize = 20
	}
	if c.Orchestrator.MaxIterations == 0 {
		c.Orchestrator.MaxIterations = 10
	}
	if c.Orchestrator.QualityThreshold == 0 {
		c.Orchestrator.QualityThreshold = 0.9
	}
	if c.Orchestrator.ClaimTTLSec == 0 {
		c.Orchestrator.ClaimTTLSec = 60
	}
	if c.Orchestrator.TaskDeadlineSec == 0 {
		c.Orchestrator.TaskDeadlineSec = 600
	}
	if c.Sandbox.DefaultTimeoutSec == 0 {
		c.Sandbox.DefaultTimeoutSec = 30
	}
	if c.Sandbox.MaxOutputBytes == 0 {
		c.Sandbox.MaxOutputBytes = 100 * 1024
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 20
	}
	if c.RateLimit.RefillPerSec == 0 {
		c.RateLimit.RefillPerSec = 1
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	switch c.Bus.Backend {
	case "memory", "sqlite", "mqtt":
	default:
		return fmt.Errorf("bus.backend %q must be one of memory, sqlite, mqtt", c.Bus.Backend)
	}
	if c.Bus.Backend == "mqtt" && c.Bus.MQTT.BrokerURL == "" {
		return fmt.Errorf("bus.mqtt.broker_url required when bus.backend=mqtt")
	}
	if c.Orchestrator.QualityThreshold < 0 || c.Orchestrator.QualityThreshold > 1 {
		return fmt.Errorf("orchestrator.quality_threshold %f out of range (0-1)", c.Orchestrator.QualityThreshold)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development
// with the in-memory bus. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// overrideKeys lists the dotted config paths ApplyKVOverrides recognizes,
// mirroring the YAML tags above one level deep. Nested struct overrides
// beyond this list fall through to the environment/file layers untouched.
var overrideKeys = []string{
	"orchestrator.autonomous_mode",
	"orchestrator.max_iterations",
	"orchestrator.quality_threshold",
	"rate_limit.capacity",
	"rate_limit.refill_per_sec",
	"log_level",
}

// ApplyKVOverrides consults the "config:" namespace of the Bus KV for each
// key in overrideKeys and, when present, overwrites the corresponding
// field in place — this runs last so KV wins over both environment and
// file per spec §6.3's stated priority order. It only updates this Config
// value; components that already copied a setting out of it do not see
// the change, and cmd/assistantd does not call it.
func (c *Config) ApplyKVOverrides(ctx context.Context, kv bus.KV) error {
	get := func(key string) (string, bool, error) {
		raw, found, err := kv.Get(ctx, "config:"+key)
		if err != nil || !found {
			return "", found, err
		}
		return string(raw), true, nil
	}

	if v, found, err := get("orchestrator.autonomous_mode"); err != nil {
		return err
	} else if found {
		c.Orchestrator.AutonomousMode = v == "true"
	}
	if v, found, err := get("orchestrator.max_iterations"); err != nil {
		return err
	} else if found {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.MaxIterations = n
		}
	}
	if v, found, err := get("orchestrator.quality_threshold"); err != nil {
		return err
	} else if found {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Orchestrator.QualityThreshold = f
		}
	}
	if v, found, err := get("rate_limit.capacity"); err != nil {
		return err
	} else if found {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.Capacity = f
		}
	}
	if v, found, err := get("rate_limit.refill_per_sec"); err != nil {
		return err
	} else if found {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RefillPerSec = f
		}
	}
	if v, found, err := get("log_level"); err != nil {
		return err
	} else if found {
		c.LogLevel = v
	}

	return c.Validate()
}
