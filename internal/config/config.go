// Package config loads taskd configuration from a YAML file and TASKD_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete taskd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Reasoning ReasoningConfig `koanf:"reasoning"`
	Store     StoreConfig     `koanf:"store"`
	NATS      NATSConfig      `koanf:"nats"`
	Engine    EngineConfig    `koanf:"engine"`
	Templates TemplatesConfig `koanf:"templates"`
	Temporal  TemporalConfig  `koanf:"temporal"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the logging settings exposed through configuration.
type LoggingConfig struct {
	Level    string `koanf:"level"`
	Format   string `koanf:"format"`
	OTEL     bool   `koanf:"otel"`
	Sampling bool   `koanf:"sampling"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// ReasoningConfig configures the reasoning service client.
type ReasoningConfig struct {
	Provider       string   `koanf:"provider"`
	BaseURL        string   `koanf:"base_url"`
	Model          string   `koanf:"model"`
	APIKey         Secret   `koanf:"api_key"`
	Temperature    float64  `koanf:"temperature"`
	Timeout        Duration `koanf:"timeout"`
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
	RatePerSecond  float64  `koanf:"rate_per_second"`
	Burst          int      `koanf:"burst"`
}

// StoreConfig selects the history backend.
type StoreConfig struct {
	Backend   string `koanf:"backend"`
	CacheSize int    `koanf:"cache_size"`
}

// NATSConfig configures the NATS connection used for history and
// notifications.
type NATSConfig struct {
	URL           string   `koanf:"url"`
	Stream        string   `koanf:"stream"`
	SubjectPrefix string   `koanf:"subject_prefix"`
	NotifyPrefix  string   `koanf:"notify_prefix"`
	Replicas      int      `koanf:"replicas"`
	MaxReconnects int      `koanf:"max_reconnects"`
	ReconnectWait Duration `koanf:"reconnect_wait"`
}

// EngineConfig tunes the orchestrator.
type EngineConfig struct {
	AgentTimeout  Duration `koanf:"agent_timeout"`
	AutoResume    bool     `koanf:"auto_resume"`
	AutoSkip      bool     `koanf:"auto_skip"`
	ToolTimeout   Duration `koanf:"tool_timeout"`
	ToolRateLimit float64  `koanf:"tool_rate_limit"`

	// SecretsAllowList is a gitleaks-style TOML file of patterns the
	// history scrubber leaves alone.
	SecretsAllowList string `koanf:"secrets_allowlist"`
}

// TemplatesConfig locates the template catalog.
type TemplatesConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// TemporalConfig enables the Temporal workflow runner.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// Store backends.
const (
	BackendMemory    = "memory"
	BackendJetStream = "jetstream"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "taskd"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	if cfg.Reasoning.Provider == "" {
		cfg.Reasoning.Provider = "openai"
	}
	if cfg.Reasoning.Model == "" {
		cfg.Reasoning.Model = "gpt-4o-mini"
	}
	if cfg.Reasoning.Timeout == 0 {
		cfg.Reasoning.Timeout = Duration(60 * time.Second)
	}
	if cfg.Reasoning.MaxAttempts == 0 {
		cfg.Reasoning.MaxAttempts = 3
	}
	if cfg.Reasoning.InitialBackoff == 0 {
		cfg.Reasoning.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Reasoning.MaxBackoff == 0 {
		cfg.Reasoning.MaxBackoff = Duration(10 * time.Second)
	}
	if cfg.Reasoning.RatePerSecond == 0 {
		cfg.Reasoning.RatePerSecond = 2
	}
	if cfg.Reasoning.Burst == 0 {
		cfg.Reasoning.Burst = 4
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendMemory
	}
	if cfg.Store.CacheSize == 0 {
		cfg.Store.CacheSize = 256
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Stream == "" {
		cfg.NATS.Stream = "TASK_HISTORY"
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "taskd.history"
	}
	if cfg.NATS.NotifyPrefix == "" {
		cfg.NATS.NotifyPrefix = "taskd.events"
	}
	if cfg.NATS.Replicas == 0 {
		cfg.NATS.Replicas = 1
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = 10
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = Duration(2 * time.Second)
	}

	if cfg.Engine.AgentTimeout == 0 {
		cfg.Engine.AgentTimeout = Duration(2 * time.Minute)
	}
	if cfg.Engine.ToolTimeout == 0 {
		cfg.Engine.ToolTimeout = Duration(30 * time.Second)
	}
	if cfg.Engine.ToolRateLimit == 0 {
		cfg.Engine.ToolRateLimit = 10
	}

	if cfg.Temporal.HostPort == "" {
		cfg.Temporal.HostPort = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "taskd"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server shutdown timeout must be positive"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format))
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			errs = append(errs, errors.New("telemetry service name required when telemetry is enabled"))
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http/protobuf" {
			errs = append(errs, fmt.Errorf("telemetry protocol must be 'grpc' or 'http/protobuf', got %q", c.Telemetry.Protocol))
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("telemetry sample rate must be between 0 and 1, got %v", c.Telemetry.SampleRate))
		}
	}
	if c.Reasoning.Provider != "openai" {
		errs = append(errs, fmt.Errorf("unsupported reasoning provider %q", c.Reasoning.Provider))
	}
	if c.Reasoning.Temperature < 0 || c.Reasoning.Temperature > 2 {
		errs = append(errs, fmt.Errorf("reasoning temperature must be between 0 and 2, got %v", c.Reasoning.Temperature))
	}
	if c.Reasoning.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("reasoning max_attempts must be >= 1, got %d", c.Reasoning.MaxAttempts))
	}
	if c.Reasoning.MaxBackoff < c.Reasoning.InitialBackoff {
		errs = append(errs, errors.New("reasoning max_backoff must not be below initial_backoff"))
	}
	switch c.Store.Backend {
	case BackendMemory, BackendJetStream:
	default:
		errs = append(errs, fmt.Errorf("store backend must be %q or %q, got %q", BackendMemory, BackendJetStream, c.Store.Backend))
	}
	if c.Store.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("store cache_size must be >= 0, got %d", c.Store.CacheSize))
	}
	if c.Engine.AgentTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("engine agent_timeout must be positive"))
	}
	if c.Temporal.Enabled && c.Temporal.TaskQueue == "" {
		errs = append(errs, errors.New("temporal task_queue required when temporal is enabled"))
	}
	return errors.Join(errs...)
}
