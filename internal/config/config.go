package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App            AppConfig            `yaml:"app"`
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	RabbitMQ       RabbitMQConfig       `yaml:"rabbitmq"`
	Logging        LoggingConfig        `yaml:"logging"`
	Engine         EngineConfig         `yaml:"engine"`
	Health         HealthConfig         `yaml:"health"`
	Quorum         QuorumConfig         `yaml:"quorum"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Providers      ProvidersConfig      `yaml:"providers"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectRetries  int           `yaml:"connect_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	// AutoMigrate applies the embedded schema on startup.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host        string           `yaml:"host"`
	Port        int              `yaml:"port"`
	User        string           `yaml:"user"`
	Password    string           `yaml:"password"`
	VHost       string           `yaml:"vhost"`
	Exchange    ExchangeConfig   `yaml:"exchange"`
	Queue       QueueConfig      `yaml:"queue"`
	BindingKeys []string         `yaml:"binding_keys"`
	Notify      NotifyConfig     `yaml:"notify"`
	Connection  ConnectionConfig `yaml:"connection"`
	Publish     PublishConfig    `yaml:"publish"`
	Consumer    ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
}

// NotifyConfig controls new-reply event publishing
type NotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	RoutingKey string `yaml:"routing_key"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
	// DefaultDelay applies to sent-email messages that carry no delay.
	DefaultDelay time.Duration `yaml:"default_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// EngineConfig holds detection engine scheduling configuration
type EngineConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	MaxConcurrentJobs    int           `yaml:"max_concurrent_jobs"`
	MaxPerUserConcurrent int           `yaml:"max_per_user_concurrent"`
	FetchLimit           int           `yaml:"fetch_limit"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	JobBudget            time.Duration `yaml:"job_budget"`
	HourlyInterval       time.Duration `yaml:"hourly_interval"`
	// NightlyHour is the local hour of the nightly sweep. Nil means 3.
	NightlyHour     *int          `yaml:"nightly_hour"`
	Timezone        string        `yaml:"timezone"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// HealthConfig holds health gate configuration
type HealthConfig struct {
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	FailureTTL     time.Duration `yaml:"failure_ttl"`
	MinReadyLayers int           `yaml:"min_ready_layers"`
}

// QuorumConfig holds verdict aggregation thresholds
type QuorumConfig struct {
	MinHealthyLayers    int   `yaml:"min_healthy_layers"`
	MinConfirmingLayers int   `yaml:"min_confirming_layers"`
	AcceptMajority      *bool `yaml:"accept_majority"`
}

// ReconciliationConfig holds sweep and inbox audit thresholds
type ReconciliationConfig struct {
	HourlyLookback time.Duration `yaml:"hourly_lookback"`
	MinRecheckAge  time.Duration `yaml:"min_recheck_age"`
	HourlyLimit    int           `yaml:"hourly_limit"`
	NightlyLimit   int           `yaml:"nightly_limit"`
	AuditWindow    time.Duration `yaml:"audit_window"`
	AuditNearZero  *int          `yaml:"audit_near_zero"`
	AuditMinInbox  int           `yaml:"audit_min_inbox"`
}

// ProvidersConfig holds mail provider API credentials
type ProvidersConfig struct {
	Gmail   OAuthProviderConfig `yaml:"gmail"`
	Outlook OAuthProviderConfig `yaml:"outlook"`
}

// OAuthProviderConfig configures one OAuth-backed provider adapter
type OAuthProviderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ClientID     string        `yaml:"client_id"`
	ClientSecret string        `yaml:"client_secret"`
	BaseURL      string        `yaml:"base_url"`
	Tenant       string        `yaml:"tenant"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file. Values of the form ${VAR}
// are expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills unset values with the standard settings
func (c *Config) ApplyDefaults() {
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.Database.ConnectRetries <= 0 {
		c.Database.ConnectRetries = 5
	}
	if c.Database.RetryInterval <= 0 {
		c.Database.RetryInterval = 2 * time.Second
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.RabbitMQ.Notify.RoutingKey == "" {
		c.RabbitMQ.Notify.RoutingKey = "reply.detected"
	}
	if c.RabbitMQ.Consumer.Tag == "" {
		c.RabbitMQ.Consumer.Tag = "replywatch-engine"
	}
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 10
	}
	if c.RabbitMQ.Consumer.DefaultDelay <= 0 {
		c.RabbitMQ.Consumer.DefaultDelay = 5 * time.Minute
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	e := &c.Engine
	if e.PollInterval <= 0 {
		e.PollInterval = 30 * time.Second
	}
	if e.StaleAfter <= 0 {
		e.StaleAfter = 5 * time.Minute
	}
	if e.MaxConcurrentJobs <= 0 {
		e.MaxConcurrentJobs = 10
	}
	if e.MaxPerUserConcurrent <= 0 {
		e.MaxPerUserConcurrent = 3
	}
	if e.FetchLimit <= 0 {
		e.FetchLimit = 100
	}
	if e.HeartbeatInterval <= 0 {
		e.HeartbeatInterval = 30 * time.Second
	}
	if e.JobBudget <= 0 {
		e.JobBudget = 60 * time.Second
	}
	if e.HourlyInterval <= 0 {
		e.HourlyInterval = time.Hour
	}
	if e.NightlyHour == nil {
		e.NightlyHour = intPtr(3)
	}
	if e.ShutdownTimeout <= 0 {
		e.ShutdownTimeout = 30 * time.Second
	}

	if c.Health.CacheTTL <= 0 {
		c.Health.CacheTTL = 5 * time.Minute
	}
	if c.Health.FailureTTL <= 0 {
		c.Health.FailureTTL = 30 * time.Second
	}
	if c.Health.MinReadyLayers <= 0 {
		c.Health.MinReadyLayers = 3
	}

	if c.Quorum.MinHealthyLayers <= 0 {
		c.Quorum.MinHealthyLayers = 3
	}
	if c.Quorum.MinConfirmingLayers <= 0 {
		c.Quorum.MinConfirmingLayers = 2
	}
	if c.Quorum.AcceptMajority == nil {
		accept := true
		c.Quorum.AcceptMajority = &accept
	}

	r := &c.Reconciliation
	if r.HourlyLookback <= 0 {
		r.HourlyLookback = 24 * time.Hour
	}
	if r.MinRecheckAge <= 0 {
		r.MinRecheckAge = time.Hour
	}
	if r.HourlyLimit <= 0 {
		r.HourlyLimit = 200
	}
	if r.NightlyLimit <= 0 {
		r.NightlyLimit = 500
	}
	if r.AuditWindow <= 0 {
		r.AuditWindow = 7 * 24 * time.Hour
	}
	if r.AuditNearZero == nil {
		r.AuditNearZero = intPtr(1)
	}
	if r.AuditMinInbox <= 0 {
		r.AuditMinInbox = 10
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q", c.Logging.Format)
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return nil
}

// ValidateEngineConfig checks the settings the engine service needs
func (c *Config) ValidateEngineConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if len(c.RabbitMQ.BindingKeys) == 0 {
		return fmt.Errorf("at least one rabbitmq binding key is required")
	}

	e := c.Engine
	if e.MaxPerUserConcurrent > e.MaxConcurrentJobs {
		return fmt.Errorf("engine max_per_user_concurrent (%d) exceeds max_concurrent_jobs (%d)",
			e.MaxPerUserConcurrent, e.MaxConcurrentJobs)
	}

	if e.NightlyHour != nil && (*e.NightlyHour < 0 || *e.NightlyHour > 23) {
		return fmt.Errorf("engine nightly_hour must be between 0 and 23")
	}

	if e.HeartbeatInterval >= e.StaleAfter {
		return fmt.Errorf("engine heartbeat_interval must be shorter than stale_after")
	}

	if _, err := e.Location(); err != nil {
		return err
	}

	if c.Quorum.MinConfirmingLayers > c.Quorum.MinHealthyLayers {
		return fmt.Errorf("quorum min_confirming_layers cannot exceed min_healthy_layers")
	}

	if !c.Providers.Gmail.Enabled && !c.Providers.Outlook.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}

	for name, p := range map[string]OAuthProviderConfig{"gmail": c.Providers.Gmail, "outlook": c.Providers.Outlook} {
		if p.Enabled && p.ClientID == "" {
			return fmt.Errorf("providers.%s client_id is required", name)
		}
	}

	return nil
}

// Location resolves the timezone nightly sweeps are scheduled in
func (e EngineConfig) Location() (*time.Location, error) {
	if e.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid engine timezone %q: %w", e.Timezone, err)
	}
	return loc, nil
}

func intPtr(v int) *int {
	return &v
}
