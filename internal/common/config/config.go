// Package config provides configuration management for agentd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Registry RegistryConfig `mapstructure:"registry"`
	Database DatabaseConfig `mapstructure:"database"`
	Agents   AgentsConfig   `mapstructure:"agents"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
	AgentDir   string `mapstructure:"agentDir"` // per-agent log files; empty disables them
}

// RegistryConfig holds agent registry configuration. Intervals are in seconds.
type RegistryConfig struct {
	// Store selects persistence: "none", "file", "sqlite" or "postgres".
	Store           string `mapstructure:"store"`
	Path            string `mapstructure:"path"` // file store path (.json or .yaml)
	CleanupInterval int    `mapstructure:"cleanupInterval"`
	StaleThreshold  int    `mapstructure:"staleThreshold"`
	HealthWindow    int    `mapstructure:"healthWindow"`
	PersistInterval int    `mapstructure:"persistInterval"`
}

// DatabaseConfig holds SQL connection configuration for the registry store.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"` // sqlite file
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// AgentsConfig controls where agent definitions come from.
type AgentsConfig struct {
	ConfigDir   string `mapstructure:"configDir"`
	AutoRestart bool   `mapstructure:"autoRestart"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CleanupIntervalDuration returns the stale sweep interval.
func (r *RegistryConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(r.CleanupInterval) * time.Second
}

// StaleThresholdDuration returns the age after which an entry is removed.
func (r *RegistryConfig) StaleThresholdDuration() time.Duration {
	return time.Duration(r.StaleThreshold) * time.Second
}

// HealthWindowDuration returns the heartbeat freshness window.
func (r *RegistryConfig) HealthWindowDuration() time.Duration {
	return time.Duration(r.HealthWindow) * time.Second
}

// PersistIntervalDuration returns how often a dirty registry is saved.
func (r *RegistryConfig) PersistIntervalDuration() time.Duration {
	return time.Duration(r.PersistInterval) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in Kubernetes or production, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8083)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentd")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
	v.SetDefault("logging.agentDir", "")

	// Registry defaults
	v.SetDefault("registry.store", "file")
	v.SetDefault("registry.path", "./agent_registry.json")
	v.SetDefault("registry.cleanupInterval", 60)
	v.SetDefault("registry.staleThreshold", 120)
	v.SetDefault("registry.healthWindow", 90)
	v.SetDefault("registry.persistInterval", 30)

	// Database defaults
	v.SetDefault("database.path", "./agentd.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "agentd")
	v.SetDefault("database.dbName", "agentd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)

	// Agent defaults
	v.SetDefault("agents.configDir", "./agents")
	v.SetDefault("agents.autoRestart", false)

	// Tracing defaults - empty endpoint means no-op tracer
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "agentd")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTD_ with the key path joined by underscores.
// Config file should be named config.yaml and placed in the current directory or /etc/agentd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so bind the keys where env var naming differs from config key naming.
	_ = v.BindEnv("registry.cleanupInterval", "AGENTD_REGISTRY_CLEANUP_INTERVAL")
	_ = v.BindEnv("registry.staleThreshold", "AGENTD_REGISTRY_STALE_THRESHOLD")
	_ = v.BindEnv("registry.healthWindow", "AGENTD_REGISTRY_HEALTH_WINDOW")
	_ = v.BindEnv("registry.persistInterval", "AGENTD_REGISTRY_PERSIST_INTERVAL")
	_ = v.BindEnv("agents.configDir", "AGENTD_AGENTS_CONFIG_DIR")
	_ = v.BindEnv("logging.agentDir", "AGENTD_LOGGING_AGENT_DIR")
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "AGENTD_TRACING_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentd/")

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

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch strings.ToLower(cfg.Registry.Store) {
	case "none", "":
	case "file":
		if cfg.Registry.Path == "" {
			errs = append(errs, "registry.path is required when registry.store is file")
		}
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required when registry.store is sqlite")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required when registry.store is postgres")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
	default:
		errs = append(errs, "registry.store must be one of: none, file, sqlite, postgres")
	}

	if cfg.Registry.CleanupInterval <= 0 {
		errs = append(errs, "registry.cleanupInterval must be positive")
	}
	if cfg.Registry.StaleThreshold <= 0 {
		errs = append(errs, "registry.staleThreshold must be positive")
	}
	if cfg.Registry.HealthWindow <= 0 {
		errs = append(errs, "registry.healthWindow must be positive")
	}
	if cfg.Registry.PersistInterval <= 0 {
		errs = append(errs, "registry.persistInterval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
