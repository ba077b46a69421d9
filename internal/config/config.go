// Package config loads the daemon configuration: a YAML file layered under
// environment overrides. Values resolve as env > file > default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr            = ":8420"
	DefaultWorkerTimeout   = 2 * time.Minute
	DefaultResolvedTTL     = 15 * time.Minute
	DefaultCleanupSchedule = "0 3 * * *"
	DefaultCleanupMaxAge   = 30
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Paths      PathsConfig      `yaml:"paths"`
	Worker     WorkerConfig     `yaml:"worker"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Delegation DelegationConfig `yaml:"delegation"`
	Terminal   TerminalConfig   `yaml:"terminal"`
	Cleanup    CleanupConfig    `yaml:"cleanup"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type PathsConfig struct {
	StateDir  string `yaml:"state_dir"`
	LogRoot   string `yaml:"log_root"`
	BotsFile  string `yaml:"bots_file"`
	BrainsDir string `yaml:"brains_dir"`
}

type WorkerConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

type GatewayConfig struct {
	URL string `yaml:"url"`
}

type DelegationConfig struct {
	PrivilegedBots     []string `yaml:"privileged_bots"`
	ResolvedTTLMinutes int      `yaml:"resolved_ttl_minutes"`
}

type TerminalConfig struct {
	Shell       string `yaml:"shell"`
	BufferLines int    `yaml:"buffer_lines"`
	MaxPerUser  int    `yaml:"max_per_user"`
}

type CleanupConfig struct {
	Schedule   string `yaml:"schedule"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads the YAML config at path, applies environment overrides, and
// fills defaults. A missing file is fine; env and defaults still apply.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return cfg, cfg.Validate()
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TROUPE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("TROUPE_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthToken = v
	}
	if v := os.Getenv("TROUPE_STATE_DIR"); v != "" {
		cfg.Paths.StateDir = v
	}
	if v := os.Getenv("TROUPE_LOG_ROOT"); v != "" {
		cfg.Paths.LogRoot = v
	}
	if v := os.Getenv("TROUPE_BOTS_FILE"); v != "" {
		cfg.Paths.BotsFile = v
	}
	if v := os.Getenv("TROUPE_BRAINS_DIR"); v != "" {
		cfg.Paths.BrainsDir = v
	}
	if v := os.Getenv("TROUPE_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = v
	}
	if v := os.Getenv("TROUPE_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("TROUPE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TROUPE_WORKER_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Worker.TimeoutSeconds = parsed
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Paths.StateDir == "" {
		cfg.Paths.StateDir = "data/sessions"
	}
	if cfg.Paths.LogRoot == "" {
		cfg.Paths.LogRoot = "data/transcripts"
	}
	if cfg.Paths.BotsFile == "" {
		cfg.Paths.BotsFile = "config/bots.yaml"
	}
	if cfg.Worker.TimeoutSeconds <= 0 {
		cfg.Worker.TimeoutSeconds = int(DefaultWorkerTimeout.Seconds())
	}
	if cfg.Delegation.ResolvedTTLMinutes <= 0 {
		cfg.Delegation.ResolvedTTLMinutes = int(DefaultResolvedTTL.Minutes())
	}
	if cfg.Cleanup.Schedule == "" {
		cfg.Cleanup.Schedule = DefaultCleanupSchedule
	}
	if cfg.Cleanup.MaxAgeDays <= 0 {
		cfg.Cleanup.MaxAgeDays = DefaultCleanupMaxAge
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Worker.Command) == "" {
		return fmt.Errorf("worker.command is required")
	}
	if c.Worker.TimeoutSeconds <= 0 {
		return fmt.Errorf("worker.timeout_seconds must be positive")
	}
	return nil
}

func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

func (c Config) ResolvedTTL() time.Duration {
	return time.Duration(c.Delegation.ResolvedTTLMinutes) * time.Minute
}
