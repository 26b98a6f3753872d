// Package config provides configuration management for agentmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmesh.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Data    DataConfig    `mapstructure:"data"`
	NATS    NATSConfig    `mapstructure:"nats"`
	GitHub  GitHubConfig  `mapstructure:"github"`
	VMPool  VMPoolConfig  `mapstructure:"vmpool"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Lock    LockConfig    `mapstructure:"lock"`
	Claims  ClaimsConfig  `mapstructure:"claims"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the on-disk layout for per-entity stores.
type DataConfig struct {
	// Dir is the base directory under which each entity instance
	// creates its own sqlite database (<dir>/<kind>/<name>.db).
	Dir string `mapstructure:"dir"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// GitHubConfig holds outbound GitHub API configuration used by GitTree entities.
type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	APIBase string `mapstructure:"apiBase"`
}

// VMPoolConfig holds VM fleet sweep and scaling thresholds.
type VMPoolConfig struct {
	HealthCheckIntervalMs int `mapstructure:"healthCheckIntervalMs"`
	VMBootTimeoutMs       int `mapstructure:"vmBootTimeoutMs"`
	TargetFreeCapacity    int `mapstructure:"targetFreeCapacity"`
	MaxVMs                int `mapstructure:"maxVMs"`
}

// AgentConfig holds per-agent heartbeat tuning.
type AgentConfig struct {
	StallThresholdMs int `mapstructure:"stallThresholdMs"`
}

// LockConfig holds resource lock defaults.
type LockConfig struct {
	DefaultTTLMs int `mapstructure:"defaultTtlMs"`
}

// ClaimsConfig holds claim staleness tuning.
type ClaimsConfig struct {
	StaleAfterMs int `mapstructure:"staleAfterMs"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HealthCheckInterval returns the VM sweep interval as a time.Duration.
func (v *VMPoolConfig) HealthCheckInterval() time.Duration {
	return time.Duration(v.HealthCheckIntervalMs) * time.Millisecond
}

// VMBootTimeout returns the boot timeout as a time.Duration.
func (v *VMPoolConfig) VMBootTimeout() time.Duration {
	return time.Duration(v.VMBootTimeoutMs) * time.Millisecond
}

// StallThreshold returns the heartbeat stall threshold as a time.Duration.
func (a *AgentConfig) StallThreshold() time.Duration {
	return time.Duration(a.StallThresholdMs) * time.Millisecond
}

// DefaultTTL returns the default lock TTL as a time.Duration.
func (l *LockConfig) DefaultTTL() time.Duration {
	return time.Duration(l.DefaultTTLMs) * time.Millisecond
}

// StaleAfter returns the claim staleness window as a time.Duration.
func (c *ClaimsConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Data defaults
	v.SetDefault("data.dir", "./data")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentmesh")
	v.SetDefault("nats.maxReconnects", 10)

	// GitHub defaults
	v.SetDefault("github.token", "")
	v.SetDefault("github.apiBase", "https://api.github.com")

	// VM pool defaults
	v.SetDefault("vmpool.healthCheckIntervalMs", 60_000)
	v.SetDefault("vmpool.vmBootTimeoutMs", 600_000)
	v.SetDefault("vmpool.targetFreeCapacity", 2)
	v.SetDefault("vmpool.maxVMs", 10)

	// Heartbeat stall threshold (5 min)
	v.SetDefault("agent.stallThresholdMs", 5*60*1000)

	// Resource lock defaults (2h TTL)
	v.SetDefault("lock.defaultTtlMs", 2*60*60*1000)

	// Claim staleness (30 min)
	v.SetDefault("claims.staleAfterMs", 30*60*1000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMESH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose naming differs from config keys.
	// GITHUB_TOKEN is the conventional name for the outbound API token.
	_ = v.BindEnv("github.token", "GITHUB_TOKEN", "AGENTMESH_GITHUB_TOKEN")
	_ = v.BindEnv("data.dir", "AGENTMESH_DATA_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	if cfg.VMPool.HealthCheckIntervalMs <= 0 {
		errs = append(errs, "vmpool.healthCheckIntervalMs must be positive")
	}
	if cfg.VMPool.VMBootTimeoutMs <= 0 {
		errs = append(errs, "vmpool.vmBootTimeoutMs must be positive")
	}
	if cfg.VMPool.MaxVMs <= 0 {
		errs = append(errs, "vmpool.maxVMs must be positive")
	}

	if cfg.Lock.DefaultTTLMs <= 0 {
		errs = append(errs, "lock.defaultTtlMs must be positive")
	}
	if cfg.Claims.StaleAfterMs <= 0 {
		errs = append(errs, "claims.staleAfterMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
