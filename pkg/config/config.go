// Package config loads and resolves gateway configuration.
//
// Sources, lowest to highest precedence: built-in defaults, an optional
// YAML file, FMCP_* environment variables. The merged result is validated
// once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultAllowedCommands is the static set of executables the spawner may
// invoke. FMCP_ALLOWED_COMMANDS extends (never replaces) this set.
var DefaultAllowedCommands = []string{
	"npx", "node", "python", "python3", "uv", "uvx", "docker", "deno", "bun",
}

// Config is the resolved gateway configuration.
type Config struct {
	HTTPPort string `yaml:"http_port"`

	// Auth gating. When SecureMode is true every protected endpoint
	// requires the bearer token.
	BearerToken string `yaml:"bearer_token"`
	SecureMode  bool   `yaml:"secure_mode"`

	// AllowedCommands is the resolved command allowlist.
	AllowedCommands []string `yaml:"allowed_commands"`

	// DatabaseURL selects the durable backend; empty selects in-memory.
	DatabaseURL string `yaml:"database_url"`

	// MaxMemoryLogs caps in-memory log entries per server.
	MaxMemoryLogs int `yaml:"max_memory_logs"`

	// Child process handling.
	InitTimeout     time.Duration `yaml:"init_timeout"`
	ToolCallTimeout time.Duration `yaml:"tool_call_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	HealthInterval  time.Duration `yaml:"health_interval"`

	// Child stderr log files.
	LogDir        string `yaml:"log_dir"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`

	// Restart backoff.
	RestartInitialDelay time.Duration `yaml:"restart_initial_delay"`
	RestartMaxDelay     time.Duration `yaml:"restart_max_delay"`
	RestartMultiplier   float64       `yaml:"restart_multiplier"`

	// Function calling.
	MaxIterations int `yaml:"max_iterations"`
	MaxCallDepth  int `yaml:"max_call_depth"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		HTTPPort:            "8099",
		AllowedCommands:     append([]string(nil), DefaultAllowedCommands...),
		MaxMemoryLogs:       1000,
		InitTimeout:         30 * time.Second,
		ToolCallTimeout:     10 * time.Second,
		ShutdownTimeout:     10 * time.Second,
		HealthInterval:      30 * time.Second,
		LogDir:              "./logs",
		LogMaxSizeMB:        10,
		LogMaxBackups:       3,
		RestartInitialDelay: time.Second,
		RestartMaxDelay:     5 * time.Minute,
		RestartMultiplier:   2.0,
		MaxIterations:       10,
		MaxCallDepth:        25,
	}
}

// Load builds the resolved configuration. path may be empty (no YAML file).
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if err := mergo.Merge(&cfg, fileCfg, mergo.WithOverride); err != nil {
			return Config{}, fmt.Errorf("merge config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.RestartMultiplier < 1 {
		return Config{}, fmt.Errorf("restart_multiplier must be >= 1, got %v", cfg.RestartMultiplier)
	}
	return cfg, nil
}

// applyEnvOverrides layers FMCP_* environment variables over the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FMCP_HTTP_PORT"); v != "" {
		cfg.HTTPPort = v
	}
	if v := os.Getenv("FMCP_BEARER_TOKEN"); v != "" {
		cfg.BearerToken = v
	}
	if v := os.Getenv("FMCP_SECURE_MODE"); v != "" {
		cfg.SecureMode = parseBool(v)
	}
	if v := os.Getenv("FMCP_ALLOWED_COMMANDS"); v != "" {
		for _, cmd := range strings.Split(v, ",") {
			cmd = strings.TrimSpace(cmd)
			if cmd == "" {
				continue
			}
			if !contains(cfg.AllowedCommands, cmd) {
				cfg.AllowedCommands = append(cfg.AllowedCommands, cmd)
			}
		}
	}
	if v := os.Getenv("FMCP_MAX_MEMORY_LOGS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxMemoryLogs = n
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("FMCP_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("FMCP_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
}

// CommandAllowed reports whether cmd is in the allowlist.
func (c *Config) CommandAllowed(cmd string) bool {
	return contains(c.AllowedCommands, cmd)
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
