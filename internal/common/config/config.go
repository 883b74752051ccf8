// Package config provides configuration management for Synapse Hub.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Synapse Hub.
type Config struct {
	RPi       RPiConfig       `mapstructure:"rpi"`
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Secret    SecretConfig    `mapstructure:"secret"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Connector ConnectorConfig `mapstructure:"connector"`
	Task      TaskConfig      `mapstructure:"task"`
	Log       LoggingConfig   `mapstructure:"log"`
	Events    EventsConfig    `mapstructure:"events"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// RPiConfig describes the hub's advertised endpoint (the host the connector
// and clients reach it on). Echoed in status output.
type RPiConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Protocol string `mapstructure:"protocol"` // http or https
	APIKey   string `mapstructure:"api_key"`
}

// BaseURL returns the advertised base URL of the hub.
func (r *RPiConfig) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", r.Protocol, r.Host, r.Port)
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Workers int    `mapstructure:"workers"`
}

// Addr returns the host:port listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DBConfig holds storage configuration. URL selects the backend by scheme:
// sqlite://<path>, postgres://..., or memory:// for the in-memory store.
type DBConfig struct {
	URL         string `mapstructure:"url"`
	Echo        bool   `mapstructure:"echo"` // log every statement at debug level
	PoolSize    int    `mapstructure:"pool_size"`
	MaxOverflow int    `mapstructure:"max_overflow"`
}

// Database driver names returned by Driver.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
	DriverMemory   = "memory"
)

// Driver returns the backend name and DSN derived from the URL.
func (d *DBConfig) Driver() (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(d.URL, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(d.URL, "sqlite://"), nil
	case strings.HasPrefix(d.URL, "postgres://"), strings.HasPrefix(d.URL, "postgresql://"):
		return DriverPostgres, d.URL, nil
	case strings.HasPrefix(d.URL, "memory://"), d.URL == ":memory:":
		return DriverMemory, "", nil
	case d.URL != "" && !strings.Contains(d.URL, "://"):
		// bare path is treated as a sqlite file
		return DriverSQLite, d.URL, nil
	default:
		return "", "", fmt.Errorf("unsupported db.url: %q", d.URL)
	}
}

// MaxOpenConns returns the pool ceiling (base pool plus overflow).
func (d *DBConfig) MaxOpenConns() int {
	return d.PoolSize + d.MaxOverflow
}

// MaxIdleConns returns the number of idle connections to retain.
func (d *DBConfig) MaxIdleConns() int {
	return d.PoolSize
}

// CORSConfig holds cross-origin settings for the HTTP surface.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
}

// SecretConfig holds signing material for session tokens. Authentication is
// not enforced by this service; the section is validated so deployments that
// front the hub with an authenticating proxy share one config file.
type SecretConfig struct {
	Key              string `mapstructure:"key"`
	AccessTTLMinutes int    `mapstructure:"access_ttl_minutes"`
	RefreshTTLDays   int    `mapstructure:"refresh_ttl_days"`
	Algorithm        string `mapstructure:"algorithm"`
}

// AccessTTL returns the access token lifetime.
func (s *SecretConfig) AccessTTL() time.Duration {
	return time.Duration(s.AccessTTLMinutes) * time.Minute
}

// RefreshTTL returns the refresh token lifetime.
func (s *SecretConfig) RefreshTTL() time.Duration {
	return time.Duration(s.RefreshTTLDays) * 24 * time.Hour
}

// LLMConfig holds Gemini client and orchestrator settings.
type LLMConfig struct {
	APIKey        string  `mapstructure:"api_key"`
	Model         string  `mapstructure:"model"`
	MaxTokens     int     `mapstructure:"max_tokens"` // max output tokens per response
	Temperature   float64 `mapstructure:"temperature"`
	TopP          float64 `mapstructure:"top_p"`
	TopK          int     `mapstructure:"top_k"`
	MaxRetries    int     `mapstructure:"max_retries"`
	Timeout       int     `mapstructure:"timeout"` // per-attempt, in seconds
	ContextWindow int     `mapstructure:"context_window"`
}

// TimeoutDuration returns the per-attempt timeout as a time.Duration.
func (l *LLMConfig) TimeoutDuration() time.Duration {
	return time.Duration(l.Timeout) * time.Second
}

// ConnectorConfig holds Cursor Connector link and command broker settings.
type ConnectorConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	ConnectTimeout    int    `mapstructure:"connect_timeout"`    // seconds
	CommandTimeout    int    `mapstructure:"command_timeout"`    // default per-command timeout, seconds
	MaxRetries        int    `mapstructure:"max_retries"`        // default per-command retry budget
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"` // seconds
	QueueMaxSize      int    `mapstructure:"queue_max_size"`
	SSHEnabled        bool   `mapstructure:"ssh_enabled"`
	RetentionWindow   int    `mapstructure:"retention_window"` // seconds terminal commands stay queryable
	SSHContextsFile   string `mapstructure:"ssh_contexts_file"`
}

// WebsocketURL returns the connector endpoint the transport dials.
func (c *ConnectorConfig) WebsocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", c.Host, c.Port)
}

// ConnectTimeoutDuration returns the dial timeout.
func (c *ConnectorConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// CommandTimeoutDuration returns the default per-command timeout.
func (c *ConnectorConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(c.CommandTimeout) * time.Second
}

// HeartbeatIntervalDuration returns the expected heartbeat period.
func (c *ConnectorConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// RetentionWindowDuration returns how long terminal commands stay queryable.
func (c *ConnectorConfig) RetentionWindowDuration() time.Duration {
	return time.Duration(c.RetentionWindow) * time.Second
}

// TaskConfig holds task engine limits and background loop settings.
type TaskConfig struct {
	MaxDuration     int `mapstructure:"max_duration"`     // seconds a task may run before the janitor fails it
	CleanupInterval int `mapstructure:"cleanup_interval"` // seconds between janitor passes
	MaxConcurrent   int `mapstructure:"max_concurrent"`   // global cap on in-flight LLM sends
	RetryAttempts   int `mapstructure:"retry_attempts"`   // default max_retries for new tasks
}

// MaxDurationDuration returns the task runtime ceiling.
func (t *TaskConfig) MaxDurationDuration() time.Duration {
	return time.Duration(t.MaxDuration) * time.Second
}

// CleanupIntervalDuration returns the janitor period.
func (t *TaskConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(t.CleanupInterval) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"` // empty means stdout
}

// EventsConfig selects the event bus backend. Empty URL means in-memory.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
}

// TracingConfig gates OpenTelemetry initialization.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SYNAPSE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Hub endpoint defaults
	v.SetDefault("rpi.host", "localhost")
	v.SetDefault("rpi.port", 8000)
	v.SetDefault("rpi.protocol", "http")
	v.SetDefault("rpi.api_key", "")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.workers", 4)

	// Storage defaults - sqlite file next to the binary
	v.SetDefault("db.url", "sqlite://synapse_hub.db")
	v.SetDefault("db.echo", false)
	v.SetDefault("db.pool_size", 5)
	v.SetDefault("db.max_overflow", 10)

	// CORS defaults
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})

	// Secret defaults - empty key gets a generated dev secret in validate
	v.SetDefault("secret.key", "")
	v.SetDefault("secret.access_ttl_minutes", 30)
	v.SetDefault("secret.refresh_ttl_days", 7)
	v.SetDefault("secret.algorithm", "HS256")

	// LLM defaults
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.top_k", 40)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.timeout", 30)
	v.SetDefault("llm.context_window", 131072)

	// Connector defaults
	v.SetDefault("connector.enabled", true)
	v.SetDefault("connector.host", "localhost")
	v.SetDefault("connector.port", 8765)
	v.SetDefault("connector.connect_timeout", 10)
	v.SetDefault("connector.command_timeout", 300)
	v.SetDefault("connector.max_retries", 3)
	v.SetDefault("connector.heartbeat_interval", 30)
	v.SetDefault("connector.queue_max_size", 1000)
	v.SetDefault("connector.ssh_enabled", true)
	v.SetDefault("connector.retention_window", 600)
	v.SetDefault("connector.ssh_contexts_file", "")

	// Task defaults
	v.SetDefault("task.max_duration", 3600)
	v.SetDefault("task.cleanup_interval", 300)
	v.SetDefault("task.max_concurrent", 10)
	v.SetDefault("task.retry_attempts", 3)

	// Logging defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", detectDefaultLogFormat())
	v.SetDefault("log.file", "")

	// Event bus defaults - empty URL means in-memory bus
	v.SetDefault("events.nats_url", "")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SYNAPSE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/synapse-hub/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SYNAPSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Aliases for credentials commonly exported under their vendor names.
	_ = v.BindEnv("llm.api_key", "SYNAPSE_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("db.url", "SYNAPSE_DB_URL", "DATABASE_URL")
	_ = v.BindEnv("events.nats_url", "SYNAPSE_EVENTS_NATS_URL", "NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/synapse-hub/")

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

// validate checks that all required configuration fields are set and
// consistent. All problems are reported together.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.Workers <= 0 {
		errs = append(errs, "server.workers must be positive")
	}

	if cfg.RPi.Protocol != "http" && cfg.RPi.Protocol != "https" {
		errs = append(errs, "rpi.protocol must be http or https")
	}
	if cfg.RPi.Port <= 0 || cfg.RPi.Port > 65535 {
		errs = append(errs, "rpi.port must be between 1 and 65535")
	}

	if _, _, err := cfg.DB.Driver(); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.DB.PoolSize <= 0 {
		errs = append(errs, "db.pool_size must be positive")
	}
	if cfg.DB.MaxOverflow < 0 {
		errs = append(errs, "db.max_overflow must not be negative")
	}

	// Secret validation - generate a throwaway secret in dev mode
	if cfg.Secret.Key == "" {
		cfg.Secret.Key = generateDevSecret()
	}
	switch cfg.Secret.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, "secret.algorithm must be one of: HS256, HS384, HS512")
	}
	if cfg.Secret.AccessTTLMinutes <= 0 {
		errs = append(errs, "secret.access_ttl_minutes must be positive")
	}
	if cfg.Secret.RefreshTTLDays <= 0 {
		errs = append(errs, "secret.refresh_ttl_days must be positive")
	}

	if cfg.LLM.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, "llm.max_tokens must be positive")
	}
	if cfg.LLM.ContextWindow <= cfg.LLM.MaxTokens {
		errs = append(errs, "llm.context_window must exceed llm.max_tokens")
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, "llm.temperature must be between 0 and 2")
	}
	if cfg.LLM.TopP < 0 || cfg.LLM.TopP > 1 {
		errs = append(errs, "llm.top_p must be between 0 and 1")
	}
	if cfg.LLM.TopK < 0 {
		errs = append(errs, "llm.top_k must not be negative")
	}
	if cfg.LLM.MaxRetries < 0 || cfg.LLM.MaxRetries > 10 {
		errs = append(errs, "llm.max_retries must be between 0 and 10")
	}
	if cfg.LLM.Timeout <= 0 {
		errs = append(errs, "llm.timeout must be positive")
	}

	if cfg.Connector.Enabled {
		if cfg.Connector.Host == "" {
			errs = append(errs, "connector.host is required when connector.enabled")
		}
		if cfg.Connector.Port <= 0 || cfg.Connector.Port > 65535 {
			errs = append(errs, "connector.port must be between 1 and 65535")
		}
	}
	if cfg.Connector.QueueMaxSize <= 0 {
		errs = append(errs, "connector.queue_max_size must be positive")
	}
	if cfg.Connector.CommandTimeout <= 0 || cfg.Connector.CommandTimeout > 3600 {
		errs = append(errs, "connector.command_timeout must be between 1 and 3600")
	}
	if cfg.Connector.MaxRetries < 0 {
		errs = append(errs, "connector.max_retries must not be negative")
	}
	if cfg.Connector.HeartbeatInterval <= 0 {
		errs = append(errs, "connector.heartbeat_interval must be positive")
	}
	if cfg.Connector.RetentionWindow < 0 {
		errs = append(errs, "connector.retention_window must not be negative")
	}

	if cfg.Task.MaxDuration <= 0 {
		errs = append(errs, "task.max_duration must be positive")
	}
	if cfg.Task.CleanupInterval <= 0 {
		errs = append(errs, "task.cleanup_interval must be positive")
	}
	if cfg.Task.MaxConcurrent <= 0 {
		errs = append(errs, "task.max_concurrent must be positive")
	}
	if cfg.Task.RetryAttempts < 0 || cfg.Task.RetryAttempts > 10 {
		errs = append(errs, "task.retry_attempts must be between 0 and 10")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Log.Format)] {
		errs = append(errs, "log.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
// In production, users should set SYNAPSE_SECRET_KEY.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
