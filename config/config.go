// Package config provides configuration loading and management for Taskhive.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Bus backends.
const (
	BusMemory = "memory"
	BusNATS   = "nats"
)

// Repository backends.
const (
	RepositoryMemory = "memory"
	RepositoryFile   = "file"
	RepositoryNATS   = "nats"
)

// Config represents the complete Taskhive configuration
type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Repository RepositoryConfig `yaml:"repository"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Poller     PollerConfig     `yaml:"poller"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Retry      RetryConfig      `yaml:"retry"`
	HTTP       HTTPConfig       `yaml:"http"`
}

// BusConfig selects and configures the message queue backend
type BusConfig struct {
	// Type is the message queue backend: "memory" or "nats"
	Type string `yaml:"message_queue_type"`
	// URL is the NATS server URL (used when Type is "nats")
	URL string `yaml:"nats_url"`
}

// RepositoryConfig selects and configures task persistence
type RepositoryConfig struct {
	// Type is the storage backend: "memory", "file" or "nats"
	Type string `yaml:"type"`
	// Path is the data directory for the file backend
	Path string `yaml:"path"`
}

// ScannerConfig configures the orchestrating scan loop
type ScannerConfig struct {
	// Interval between scan sweeps
	Interval time.Duration `yaml:"task_scan_interval"`
	// AgentPool is the assignee pool new tasks are routed to
	AgentPool string `yaml:"agent_pool"`
}

// PollerConfig configures the agent-side polling loop
type PollerConfig struct {
	// Interval between poll ticks
	Interval time.Duration `yaml:"task_poll_interval"`
	// AgentID is the pool identity the poller claims work as
	AgentID string `yaml:"agent_id"`
}

// MonitorConfig configures the event monitor
type MonitorConfig struct {
	// LogDirectory holds the NDJSON event log files (empty disables file logging)
	LogDirectory string `yaml:"event_log_directory"`
	// MaxMemoryEntries bounds the in-memory log ring
	MaxMemoryEntries int `yaml:"max_memory_log_entries"`
	// FileRotationSize is the byte threshold that rotates the log file
	FileRotationSize int64 `yaml:"file_rotation_size"`
	// AlertThreshold is how long a workflow may stay quiet before it stalls
	AlertThreshold time.Duration `yaml:"alert_threshold"`
	// CheckInterval is the stall detector's sweep period
	CheckInterval time.Duration `yaml:"check_interval"`
}

// RetryConfig configures the redelivery schedule
type RetryConfig struct {
	// MaxRetries bounds redeliveries per message after the initial attempt
	MaxRetries int `yaml:"max_retries"`
	// InitialDelay is the delay before the first redelivery
	InitialDelay time.Duration `yaml:"initial_delay"`
	// MaxDelay caps the backoff growth
	MaxDelay time.Duration `yaml:"max_delay"`
	// BackoffFactor multiplies the delay on each redelivery
	BackoffFactor float64 `yaml:"backoff_factor"`
}

// HTTPConfig configures the REST surface
type HTTPConfig struct {
	// ListenAddr is the address the HTTP server binds to
	ListenAddr string `yaml:"listen_addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Type: BusMemory,
			URL:  "nats://localhost:4222",
		},
		Repository: RepositoryConfig{
			Type: RepositoryMemory,
			Path: "./taskhive-data",
		},
		Scanner: ScannerConfig{
			Interval:  5 * time.Minute,
			AgentPool: "product_manager_pool",
		},
		Poller: PollerConfig{
			Interval: time.Minute,
			AgentID:  "product_manager_pool",
		},
		Monitor: MonitorConfig{
			LogDirectory:     "",
			MaxMemoryEntries: 1000,
			FileRotationSize: 10 << 20,
			AlertThreshold:   time.Minute,
			CheckInterval:    10 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			InitialDelay:  time.Second,
			MaxDelay:      30 * time.Second,
			BackoffFactor: 2.0,
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Bus.Type {
	case BusMemory:
	case BusNATS:
		if c.Bus.URL == "" {
			return fmt.Errorf("bus.nats_url is required when message_queue_type is %q", BusNATS)
		}
	default:
		return fmt.Errorf("unknown message_queue_type %q", c.Bus.Type)
	}

	switch c.Repository.Type {
	case RepositoryMemory:
	case RepositoryFile:
		if c.Repository.Path == "" {
			return fmt.Errorf("repository.path is required when repository.type is %q", RepositoryFile)
		}
	case RepositoryNATS:
		if c.Bus.Type != BusNATS {
			return fmt.Errorf("repository.type %q requires message_queue_type %q", RepositoryNATS, BusNATS)
		}
	default:
		return fmt.Errorf("unknown repository.type %q", c.Repository.Type)
	}

	if c.Scanner.Interval <= 0 {
		return fmt.Errorf("scanner.task_scan_interval must be positive")
	}
	if c.Scanner.AgentPool == "" {
		return fmt.Errorf("scanner.agent_pool is required")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.task_poll_interval must be positive")
	}
	if c.Poller.AgentID == "" {
		return fmt.Errorf("poller.agent_id is required")
	}

	if c.Monitor.MaxMemoryEntries <= 0 {
		return fmt.Errorf("monitor.max_memory_log_entries must be positive")
	}
	if c.Monitor.FileRotationSize <= 0 {
		return fmt.Errorf("monitor.file_rotation_size must be positive")
	}
	if c.Monitor.AlertThreshold <= 0 {
		return fmt.Errorf("monitor.alert_threshold must be positive")
	}
	if c.Monitor.CheckInterval <= 0 {
		return fmt.Errorf("monitor.check_interval must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay <= 0 {
		return fmt.Errorf("retry delays must be positive")
	}
	if c.Retry.BackoffFactor < 1 {
		return fmt.Errorf("retry.backoff_factor must be >= 1")
	}

	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Bus
	if other.Bus.Type != "" {
		c.Bus.Type = other.Bus.Type
	}
	if other.Bus.URL != "" {
		c.Bus.URL = other.Bus.URL
	}

	// Repository
	if other.Repository.Type != "" {
		c.Repository.Type = other.Repository.Type
	}
	if other.Repository.Path != "" {
		c.Repository.Path = other.Repository.Path
	}

	// Scanner
	if other.Scanner.Interval != 0 {
		c.Scanner.Interval = other.Scanner.Interval
	}
	if other.Scanner.AgentPool != "" {
		c.Scanner.AgentPool = other.Scanner.AgentPool
	}

	// Poller
	if other.Poller.Interval != 0 {
		c.Poller.Interval = other.Poller.Interval
	}
	if other.Poller.AgentID != "" {
		c.Poller.AgentID = other.Poller.AgentID
	}

	// Monitor
	if other.Monitor.LogDirectory != "" {
		c.Monitor.LogDirectory = other.Monitor.LogDirectory
	}
	if other.Monitor.MaxMemoryEntries != 0 {
		c.Monitor.MaxMemoryEntries = other.Monitor.MaxMemoryEntries
	}
	if other.Monitor.FileRotationSize != 0 {
		c.Monitor.FileRotationSize = other.Monitor.FileRotationSize
	}
	if other.Monitor.AlertThreshold != 0 {
		c.Monitor.AlertThreshold = other.Monitor.AlertThreshold
	}
	if other.Monitor.CheckInterval != 0 {
		c.Monitor.CheckInterval = other.Monitor.CheckInterval
	}

	// Retry
	if other.Retry.MaxRetries != 0 {
		c.Retry.MaxRetries = other.Retry.MaxRetries
	}
	if other.Retry.InitialDelay != 0 {
		c.Retry.InitialDelay = other.Retry.InitialDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}
	if other.Retry.BackoffFactor != 0 {
		c.Retry.BackoffFactor = other.Retry.BackoffFactor
	}

	// HTTP
	if other.HTTP.ListenAddr != "" {
		c.HTTP.ListenAddr = other.HTTP.ListenAddr
	}
}
