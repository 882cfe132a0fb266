// Package config provides configuration management for the research orchestrator.
//
// Configuration is read from a config.yaml file (optional) and environment
// variables prefixed with ORCHESTRATOR_. Secrets are read from the
// environment only.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SSL mode constants for database connections.
const (
	SSLModeDisable    = "disable"
	SSLModeRequire    = "require"
	SSLModeVerifyCA   = "verify-ca"
	SSLModeVerifyFull = "verify-full"
)

// Storage backends.
const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"
)

// Executor backends.
const (
	ExecutorBackendLocal    = "local"
	ExecutorBackendTemporal = "temporal"
)

// envPrefix is the prefix of every environment variable read by Load.
const envPrefix = "ORCHESTRATOR"

// Config holds all configuration for the orchestrator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Executor     ExecutorConfig     `mapstructure:"executor"`
	Dispatch     DispatchConfig     `mapstructure:"dispatch"`
	Temporal     TemporalConfig     `mapstructure:"temporal"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Auth         AuthConfig         `mapstructure:"auth"`
	LLM          LLMConfig          `mapstructure:"llm"`
	PaperSources PaperSourcesConfig `mapstructure:"paper_sources"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"-"`
	Name              string        `mapstructure:"name"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	MigrationPath     string        `mapstructure:"migration_path"`
	MigrationAutoRun  bool          `mapstructure:"migration_auto_run"`
}

// StorageConfig selects where task, project and document records live.
type StorageConfig struct {
	// Backend is "postgres" or "memory". The memory backend loses all state
	// on restart and is meant for local development.
	Backend string `mapstructure:"backend"`
	// SeedPath optionally names a JSON file of projects loaded into the
	// memory backend at startup.
	SeedPath string `mapstructure:"seed_path"`
}

// ExecutorConfig controls how stage tasks are run.
type ExecutorConfig struct {
	// Backend is "local" (goroutines in the API process) or "temporal".
	Backend string `mapstructure:"backend"`
	// MaxConcurrent bounds the number of stages running at once per process.
	MaxConcurrent int64 `mapstructure:"max_concurrent"`
	// DefaultDeadline applies to tasks dispatched without an explicit deadline.
	DefaultDeadline time.Duration `mapstructure:"default_deadline"`
	// HeartbeatInterval is how often a running task's record is touched.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// StaleAfter is how long a non-terminal task may go untouched before the
	// reconciler fails it as abandoned.
	StaleAfter time.Duration `mapstructure:"stale_after"`
	// ReconcileInterval is the period of the reconciliation loop.
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// DispatchConfig controls the stage-start endpoint.
type DispatchConfig struct {
	// RatePerMinute limits stage-start requests per project.
	RatePerMinute float64 `mapstructure:"rate_per_minute"`
	Burst         int     `mapstructure:"burst"`
	// MaxDeadline caps the deadline a caller may request.
	MaxDeadline time.Duration `mapstructure:"max_deadline"`
}

// TemporalConfig holds Temporal connection settings.
type TemporalConfig struct {
	HostPort  string `mapstructure:"host_port"`
	Namespace string `mapstructure:"namespace"`
	// TaskQueuePrefix is joined with a stage's queue name, e.g.
	// "research-orchestrator-literature".
	TaskQueuePrefix string `mapstructure:"task_queue_prefix"`

	TLS TemporalTLSConfig `mapstructure:"tls"`
}

// TemporalTLSConfig enables mTLS to the Temporal frontend. Paths point to
// PEM files.
type TemporalTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertPath   string `mapstructure:"cert_path"`
	KeyPath    string `mapstructure:"key_path"`
	CAPath     string `mapstructure:"ca_path"`
	ServerName string `mapstructure:"server_name"`
}

// KafkaConfig holds Kafka settings for task lifecycle events and stage commands.
type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	EventsTopic   string        `mapstructure:"events_topic"`
	CommandsTopic string        `mapstructure:"commands_topic"`
	GroupID       string        `mapstructure:"group_id"`
	BatchSize     int           `mapstructure:"batch_size"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout"`
	// Outbox routes events through the outbox_events table and a relay
	// instead of writing to Kafka inline. Requires postgres storage.
	Outbox         bool          `mapstructure:"outbox"`
	OutboxInterval time.Duration `mapstructure:"outbox_interval"`
}

// AuthConfig holds bearer token authorization settings.
type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Tokens is read from ORCHESTRATOR_AUTH_TOKENS as
	// "principal=token=project|project;principal=token=*".
	Tokens []AuthToken `mapstructure:"-"`
}

// AuthToken grants a principal access to a set of projects ("*" for all).
type AuthToken struct {
	Principal string
	Token     string
	Projects  []string
}

// LLMConfig holds language model settings for the generation stages.
type LLMConfig struct {
	Provider    string          `mapstructure:"provider"`
	Timeout     time.Duration   `mapstructure:"timeout"`
	MaxRetries  int             `mapstructure:"max_retries"`
	Temperature float64         `mapstructure:"temperature"`
	OpenAI      OpenAIConfig    `mapstructure:"openai"`
	Anthropic   AnthropicConfig `mapstructure:"anthropic"`
}

// OpenAIConfig holds settings for OpenAI-compatible endpoints.
type OpenAIConfig struct {
	APIKey  string `mapstructure:"-"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic settings.
type AnthropicConfig struct {
	APIKey  string `mapstructure:"-"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
}

// PaperSourcesConfig holds settings for the literature sources used by discovery.
type PaperSourcesConfig struct {
	SemanticScholar PaperSourceConfig `mapstructure:"semantic_scholar"`
	ArXiv           PaperSourceConfig `mapstructure:"arxiv"`
}

// PaperSourceConfig holds settings for one literature source.
type PaperSourceConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	APIKey     string        `mapstructure:"-"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  float64       `mapstructure:"rate_limit"`
	MaxResults int           `mapstructure:"max_results"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	params := url.Values{}
	params.Set("sslmode", c.SSLMode)
	if c.ConnectTimeout > 0 {
		params.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?%s",
		url.QueryEscape(c.User),
		url.QueryEscape(c.Password),
		c.Host,
		c.Port,
		c.Name,
		params.Encode(),
	)
}

// HTTPAddress returns the HTTP listen address.
func (c *ServerConfig) HTTPAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}

// GRPCAddress returns the gRPC listen address.
func (c *ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// MetricsAddress returns the metrics listen address.
func (c *ServerConfig) MetricsAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.MetricsPort)
}

// TaskQueue returns the Temporal task queue for a stage queue name.
func (c *TemporalConfig) TaskQueue(queue string) string {
	return c.TaskQueuePrefix + "-" + queue
}

// Load reads configuration from config.yaml (if present) and environment
// variables and validates all of it.
func Load() (*Config, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadDatabase reads configuration like Load but validates only the
// database section, for tools that only talk to Postgres.
func LoadDatabase() (*DatabaseConfig, error) {
	cfg, err := read()
	if err != nil {
		return nil, err
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg.Database, nil
}

func read() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/research-orchestrator")

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := loadSecrets(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load secrets: %w", err)
	}
	return &cfg, nil
}

// loadSecrets reads secrets from the environment. Secrets never come from
// the config file.
func loadSecrets(cfg *Config) error {
	cfg.Database.Password = os.Getenv(envPrefix + "_DATABASE_PASSWORD")
	cfg.LLM.OpenAI.APIKey = os.Getenv(envPrefix + "_LLM_OPENAI_API_KEY")
	cfg.LLM.Anthropic.APIKey = os.Getenv(envPrefix + "_LLM_ANTHROPIC_API_KEY")
	cfg.PaperSources.SemanticScholar.APIKey = os.Getenv(envPrefix + "_PAPER_SOURCES_SEMANTIC_SCHOLAR_API_KEY")

	tokens, err := ParseAuthTokens(os.Getenv(envPrefix + "_AUTH_TOKENS"))
	if err != nil {
		return err
	}
	cfg.Auth.Tokens = tokens
	return nil
}

// ParseAuthTokens parses "principal=token=project|project;..." entries.
func ParseAuthTokens(raw string) ([]AuthToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var tokens []AuthToken
	for i, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("auth token entry %d: expected principal=token=projects", i)
		}
		tokens = append(tokens, AuthToken{
			Principal: parts[0],
			Token:     parts[1],
			Projects:  strings.Split(parts[2], "|"),
		})
	}
	return tokens, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.name", "research_orchestrator")
	v.SetDefault("database.ssl_mode", SSLModeRequire)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.migration_path", "migrations")
	v.SetDefault("database.migration_auto_run", false)

	v.SetDefault("storage.backend", StorageBackendPostgres)

	v.SetDefault("executor.backend", ExecutorBackendLocal)
	v.SetDefault("executor.max_concurrent", 8)
	v.SetDefault("executor.default_deadline", "1h")
	v.SetDefault("executor.heartbeat_interval", "15s")
	v.SetDefault("executor.stale_after", "2m")
	v.SetDefault("executor.reconcile_interval", "30s")

	v.SetDefault("dispatch.rate_per_minute", 30.0)
	v.SetDefault("dispatch.burst", 5)
	v.SetDefault("dispatch.max_deadline", "6h")

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "research-orchestrator")
	v.SetDefault("temporal.task_queue_prefix", "research-orchestrator")
	v.SetDefault("temporal.tls.enabled", false)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.events_topic", "events.research_orchestrator.tasks")
	v.SetDefault("kafka.commands_topic", "commands.research_orchestrator.stages")
	v.SetDefault("kafka.group_id", "research-orchestrator")
	v.SetDefault("kafka.batch_size", 100)
	v.SetDefault("kafka.batch_timeout", "10ms")
	v.SetDefault("kafka.outbox", false)
	v.SetDefault("kafka.outbox_interval", "1s")

	v.SetDefault("auth.enabled", true)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.openai.model", "gpt-4o-mini")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.anthropic.model", "claude-3-5-sonnet-latest")
	v.SetDefault("llm.anthropic.base_url", "https://api.anthropic.com")

	v.SetDefault("paper_sources.semantic_scholar.enabled", true)
	v.SetDefault("paper_sources.semantic_scholar.base_url", "https://api.semanticscholar.org/graph/v1")
	v.SetDefault("paper_sources.semantic_scholar.timeout", "30s")
	v.SetDefault("paper_sources.semantic_scholar.rate_limit", 1.0)
	v.SetDefault("paper_sources.semantic_scholar.max_results", 100)

	v.SetDefault("paper_sources.arxiv.enabled", true)
	v.SetDefault("paper_sources.arxiv.base_url", "https://export.arxiv.org/api")
	v.SetDefault("paper_sources.arxiv.timeout", "30s")
	v.SetDefault("paper_sources.arxiv.rate_limit", 0.33) // arXiv asks for one request every 3 seconds
	v.SetDefault("paper_sources.arxiv.max_results", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the database settings.
func (c *DatabaseConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid database port: %d", c.Port)
	}
	if c.Name == "" {
		return fmt.Errorf("database name is required")
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}
	return nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Server.MetricsPort)
	}

	switch c.Storage.Backend {
	case StorageBackendPostgres:
		if err := c.Database.Validate(); err != nil {
			return err
		}
	case StorageBackendMemory:
	default:
		return fmt.Errorf("invalid storage backend: %q", c.Storage.Backend)
	}

	switch c.Executor.Backend {
	case ExecutorBackendLocal:
	case ExecutorBackendTemporal:
		if c.Storage.Backend == StorageBackendMemory {
			return fmt.Errorf("executor backend %q requires the postgres storage backend", c.Executor.Backend)
		}
		if c.Temporal.HostPort == "" {
			return fmt.Errorf("temporal host_port is required for the temporal executor backend")
		}
		if tls := c.Temporal.TLS; tls.Enabled && (tls.CertPath == "") != (tls.KeyPath == "") {
			return fmt.Errorf("temporal tls cert_path and key_path must be set together")
		}
	default:
		return fmt.Errorf("invalid executor backend: %q", c.Executor.Backend)
	}
	if c.Executor.MaxConcurrent <= 0 {
		return fmt.Errorf("executor max_concurrent must be positive")
	}
	if c.Executor.HeartbeatInterval <= 0 {
		return fmt.Errorf("executor heartbeat_interval must be positive")
	}
	if c.Executor.StaleAfter <= c.Executor.HeartbeatInterval {
		return fmt.Errorf("executor stale_after (%s) must exceed heartbeat_interval (%s)",
			c.Executor.StaleAfter, c.Executor.HeartbeatInterval)
	}
	if c.Executor.ReconcileInterval <= 0 {
		return fmt.Errorf("executor reconcile_interval must be positive")
	}

	if c.Dispatch.RatePerMinute <= 0 || c.Dispatch.Burst <= 0 {
		return fmt.Errorf("dispatch rate_per_minute and burst must be positive")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers are required when kafka is enabled")
	}
	if c.Kafka.Enabled && c.Kafka.Outbox && c.Storage.Backend != StorageBackendPostgres {
		return fmt.Errorf("the kafka outbox requires the postgres storage backend")
	}

	if c.Auth.Enabled && len(c.Auth.Tokens) == 0 {
		return fmt.Errorf("auth is enabled but %s_AUTH_TOKENS is empty", envPrefix)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}

	return nil
}
