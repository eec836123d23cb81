// Package config provides configuration management for the A2A orchestration
// host. It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the host.
type Config struct {
	Server           ServerConfig           `mapstructure:"server"`
	Database         DatabaseConfig         `mapstructure:"database"`
	NATS             NATSConfig             `mapstructure:"nats"`
	Events           EventsConfig           `mapstructure:"events"`
	Auth             AuthConfig             `mapstructure:"auth"`
	Logging          LoggingConfig          `mapstructure:"logging"`
	ArtifactStore    ArtifactStoreConfig    `mapstructure:"artifactStore"`
	Scheduler        SchedulerConfig        `mapstructure:"scheduler"`
	Transport        TransportConfig        `mapstructure:"transport"`
	HostOrchestrator HostOrchestratorConfig `mapstructure:"hostOrchestrator"`
	DevAgent         DevAgentConfig         `mapstructure:"devAgent"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	WebsocketURL string `mapstructure:"websocketUrl"` // WEBSOCKET_SERVER_URL, advertised base for /events
}

// DatabaseConfig holds database connection configuration. Driver is chosen by
// the presence of DATABASE_URL: set → postgres, unset → sqlite (spec §6.5).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. Empty URL means use the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus tuning parameters.
type EventsConfig struct {
	SlowSubscriberTimeoutS int `mapstructure:"slowSubscriberTimeoutS"` // T_slow, default 10
	SubscriberBufferSize   int `mapstructure:"subscriberBufferSize"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret     string `mapstructure:"jwtSecret"`
	TokenDuration int    `mapstructure:"tokenDuration"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ArtifactStoreConfig configures the blob backend (spec §4.2, §6.5).
type ArtifactStoreConfig struct {
	LocalBasePath         string `mapstructure:"localBasePath"`
	AzureConnectionString string `mapstructure:"azureConnectionString"`
	AzureAccountName      string `mapstructure:"azureAccountName"`
	AzureContainer        string `mapstructure:"azureContainer"`
	ForceAzureBlob        bool   `mapstructure:"forceAzureBlob"`
	SizeThresholdBytes    int64  `mapstructure:"sizeThresholdBytes"`
	SASDurationMinutes    int    `mapstructure:"sasDurationMinutes"`
}

// SchedulerConfig configures the calendar-trigger processor (spec §4.5).
type SchedulerConfig struct {
	ProcessIntervalS     int `mapstructure:"processIntervalS"`
	MaxConcurrent        int `mapstructure:"maxConcurrent"`
	RetryLimit           int `mapstructure:"retryLimit"`
	RetryDelayS          int `mapstructure:"retryDelayS"`
	MaxScheduledTimeoutS int `mapstructure:"maxScheduledTimeoutS"` // hard cap, spec §4.5 (120s)
}

// TransportConfig configures the A2A HTTP client to remote agents (spec §4.3, §5).
type TransportConfig struct {
	ConnectTimeoutS         int `mapstructure:"connectTimeoutS"`
	ReadTimeoutS            int `mapstructure:"readTimeoutS"`
	RetryBaseDelayS         int `mapstructure:"retryBaseDelayS"`
	RetryCapDelayS          int `mapstructure:"retryCapDelayS"`
	MaxRetries              int `mapstructure:"maxRetries"`
	MaxStuckApprovals       int `mapstructure:"maxStuckApprovals"` // N_stuck, default 3
	HumanEscalationTimeoutS int `mapstructure:"humanEscalationTimeoutS"`
}

// HostOrchestratorConfig configures the LLM turn loop (spec §4.6).
type HostOrchestratorConfig struct {
	MaxIterations         int    `mapstructure:"maxIterations"`
	TurnTimeoutS          int    `mapstructure:"turnTimeoutS"`
	MaxParallelAgentCalls int    `mapstructure:"maxParallelAgentCalls"`
	AnthropicAPIKey       string `mapstructure:"anthropicApiKey"`
	Model                 string `mapstructure:"model"`
}

// DevAgentConfig configures the optional local dev-mode reference agent
// container launched at startup (SPEC_FULL.md §2.2, supplemental).
// Disabled by default; never consulted on the request hot path.
type DevAgentConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host"`          // DOCKER_HOST equivalent; empty uses the local daemon default
	APIVersion    string `mapstructure:"apiVersion"`
	Image         string `mapstructure:"image"`
	AgentName     string `mapstructure:"agentName"`      // registry name the launched container is registered under
	ContainerPort int    `mapstructure:"containerPort"`  // port the reference agent listens on inside the container
	HostPort      int    `mapstructure:"hostPort"`       // published host port; 0 lets the daemon pick one
	StartTimeoutS int    `mapstructure:"startTimeoutS"`
}

// DSN returns the connection string for the Postgres driver.
func (d *DatabaseConfig) DSN() string {
	return d.URL
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TokenDurationTime returns the token duration as a time.Duration.
func (a *AuthConfig) TokenDurationTime() time.Duration {
	return time.Duration(a.TokenDuration) * time.Second
}

// MaxScheduledTimeout returns the hard scheduled-workflow timeout cap.
func (s *SchedulerConfig) MaxScheduledTimeout() time.Duration {
	return time.Duration(s.MaxScheduledTimeoutS) * time.Second
}

// detectDefaultLogFormat returns "json" under Kubernetes/production environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("A2AHOST_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.websocketUrl", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./a2ahost.db")
	v.SetDefault("database.url", "")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "a2ahost")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.slowSubscriberTimeoutS", 10)
	v.SetDefault("events.subscriberBufferSize", 256)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.tokenDuration", 3600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("artifactStore.localBasePath", "./data/uploads")
	v.SetDefault("artifactStore.azureConnectionString", "")
	v.SetDefault("artifactStore.azureAccountName", "")
	v.SetDefault("artifactStore.azureContainer", "artifacts")
	v.SetDefault("artifactStore.forceAzureBlob", false)
	v.SetDefault("artifactStore.sizeThresholdBytes", 10*1024*1024)
	v.SetDefault("artifactStore.sasDurationMinutes", 7*24*60) // 7 days, spec §5 T_sign

	v.SetDefault("scheduler.processIntervalS", 15)
	v.SetDefault("scheduler.maxConcurrent", 10)
	v.SetDefault("scheduler.retryLimit", 3)
	v.SetDefault("scheduler.retryDelayS", 30)
	v.SetDefault("scheduler.maxScheduledTimeoutS", 120)

	v.SetDefault("transport.connectTimeoutS", 60)
	v.SetDefault("transport.readTimeoutS", 180)
	v.SetDefault("transport.retryBaseDelayS", 2)
	v.SetDefault("transport.retryCapDelayS", 45)
	v.SetDefault("transport.maxRetries", 3)
	v.SetDefault("transport.maxStuckApprovals", 3)
	v.SetDefault("transport.humanEscalationTimeoutS", 1800)

	v.SetDefault("hostOrchestrator.maxIterations", 25)
	v.SetDefault("hostOrchestrator.turnTimeoutS", 300)
	v.SetDefault("hostOrchestrator.maxParallelAgentCalls", 8)
	v.SetDefault("hostOrchestrator.anthropicApiKey", "")
	v.SetDefault("hostOrchestrator.model", "claude-sonnet-4-5")

	v.SetDefault("devAgent.enabled", false)
	v.SetDefault("devAgent.host", "")
	v.SetDefault("devAgent.apiVersion", "")
	v.SetDefault("devAgent.image", "")
	v.SetDefault("devAgent.agentName", "dev-reference-agent")
	v.SetDefault("devAgent.containerPort", 8000)
	v.SetDefault("devAgent.hostPort", 0)
	v.SetDefault("devAgent.startTimeoutS", 30)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix A2AHOST_ with snake_case naming, plus the
// explicit legacy-named bindings in §6.5 (A2A_UI_HOST, DATABASE_URL, ...).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("A2AHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the env vars named in spec §6.5, whose naming
	// does not follow the A2AHOST_ prefix convention.
	_ = v.BindEnv("server.host", "A2A_UI_HOST")
	_ = v.BindEnv("server.port", "A2A_UI_PORT")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("artifactStore.azureConnectionString", "AZURE_STORAGE_CONNECTION_STRING")
	_ = v.BindEnv("artifactStore.azureAccountName", "AZURE_STORAGE_ACCOUNT_NAME")
	_ = v.BindEnv("artifactStore.azureContainer", "AZURE_BLOB_CONTAINER")
	_ = v.BindEnv("artifactStore.forceAzureBlob", "FORCE_AZURE_BLOB")
	_ = v.BindEnv("artifactStore.sizeThresholdBytes", "AZURE_BLOB_SIZE_THRESHOLD")
	_ = v.BindEnv("artifactStore.sasDurationMinutes", "AZURE_BLOB_SAS_DURATION_MINUTES")
	_ = v.BindEnv("server.websocketUrl", "WEBSOCKET_SERVER_URL")
	_ = v.BindEnv("hostOrchestrator.anthropicApiKey", "ANTHROPIC_API_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/a2ahost/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// DATABASE_URL set → postgres; unset → sqlite (spec §6.5).
	if cfg.Database.URL != "" {
		cfg.Database.Driver = "postgres"
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set. In
// development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		errs = append(errs, "database.url is required for postgres driver")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = generateDevSecret()
	}
	if cfg.Auth.TokenDuration <= 0 {
		errs = append(errs, "auth.tokenDuration must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Scheduler.MaxScheduledTimeoutS <= 0 {
		errs = append(errs, "scheduler.maxScheduledTimeoutS must be positive")
	}
	if cfg.HostOrchestrator.MaxParallelAgentCalls <= 0 {
		errs = append(errs, "hostOrchestrator.maxParallelAgentCalls must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
