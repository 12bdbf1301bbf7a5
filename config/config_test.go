package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Bus.Type != BusMemory {
		t.Errorf("expected default bus type memory, got %s", cfg.Bus.Type)
	}
	if cfg.Repository.Type != RepositoryMemory {
		t.Errorf("expected default repository type memory, got %s", cfg.Repository.Type)
	}
	if cfg.Scanner.Interval != 5*time.Minute {
		t.Errorf("expected default scan interval 5m, got %v", cfg.Scanner.Interval)
	}
	if cfg.Poller.Interval != time.Minute {
		t.Errorf("expected default poll interval 1m, got %v", cfg.Poller.Interval)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Retry.MaxRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "valid nats config",
			modify:  func(c *Config) { c.Bus.Type = BusNATS },
			wantErr: false,
		},
		{
			name:    "unknown bus type",
			modify:  func(c *Config) { c.Bus.Type = "kafka" },
			wantErr: true,
		},
		{
			name: "nats bus without url",
			modify: func(c *Config) {
				c.Bus.Type = BusNATS
				c.Bus.URL = ""
			},
			wantErr: true,
		},
		{
			name:    "unknown repository type",
			modify:  func(c *Config) { c.Repository.Type = "postgres" },
			wantErr: true,
		},
		{
			name: "file repository without path",
			modify: func(c *Config) {
				c.Repository.Type = RepositoryFile
				c.Repository.Path = ""
			},
			wantErr: true,
		},
		{
			name:    "kv repository requires nats bus",
			modify:  func(c *Config) { c.Repository.Type = RepositoryNATS },
			wantErr: true,
		},
		{
			name:    "zero scan interval",
			modify:  func(c *Config) { c.Scanner.Interval = 0 },
			wantErr: true,
		},
		{
			name:    "empty agent id",
			modify:  func(c *Config) { c.Poller.AgentID = "" },
			wantErr: true,
		},
		{
			name:    "negative max retries",
			modify:  func(c *Config) { c.Retry.MaxRetries = -1 },
			wantErr: true,
		},
		{
			name:    "backoff factor below one",
			modify:  func(c *Config) { c.Retry.BackoffFactor = 0.5 },
			wantErr: true,
		},
		{
			name:    "empty listen addr",
			modify:  func(c *Config) { c.HTTP.ListenAddr = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
bus:
  message_queue_type: "nats"
  nats_url: "nats://test:4222"
repository:
  type: "file"
  path: "/test/path"
scanner:
  task_scan_interval: 30s
  agent_pool: "custom_pool"
poller:
  task_poll_interval: 10s
monitor:
  event_log_directory: "/var/log/taskhive"
  max_memory_log_entries: 500
retry:
  max_retries: 5
  initial_delay: 2s
http:
  listen_addr: ":9090"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Bus.Type != BusNATS {
		t.Errorf("expected bus type nats, got %s", cfg.Bus.Type)
	}
	if cfg.Bus.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.Bus.URL)
	}
	if cfg.Repository.Type != RepositoryFile || cfg.Repository.Path != "/test/path" {
		t.Errorf("expected file repository at /test/path, got %s %s", cfg.Repository.Type, cfg.Repository.Path)
	}
	if cfg.Scanner.Interval != 30*time.Second {
		t.Errorf("expected scan interval 30s, got %v", cfg.Scanner.Interval)
	}
	if cfg.Scanner.AgentPool != "custom_pool" {
		t.Errorf("expected agent pool custom_pool, got %s", cfg.Scanner.AgentPool)
	}
	if cfg.Poller.Interval != 10*time.Second {
		t.Errorf("expected poll interval 10s, got %v", cfg.Poller.Interval)
	}
	if cfg.Monitor.LogDirectory != "/var/log/taskhive" {
		t.Errorf("expected log directory /var/log/taskhive, got %s", cfg.Monitor.LogDirectory)
	}
	if cfg.Monitor.MaxMemoryEntries != 500 {
		t.Errorf("expected 500 memory entries, got %d", cfg.Monitor.MaxMemoryEntries)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.InitialDelay != 2*time.Second {
		t.Errorf("expected initial delay 2s, got %v", cfg.Retry.InitialDelay)
	}
	if cfg.HTTP.ListenAddr != ":9090" {
		t.Errorf("expected listen addr :9090, got %s", cfg.HTTP.ListenAddr)
	}
	// Untouched keys keep their defaults
	if cfg.Poller.AgentID != "product_manager_pool" {
		t.Errorf("expected default agent id, got %s", cfg.Poller.AgentID)
	}
	if cfg.Retry.BackoffFactor != 2.0 {
		t.Errorf("expected default backoff factor, got %f", cfg.Retry.BackoffFactor)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Bus: BusConfig{
			Type: BusNATS,
			URL:  "nats://override:4222",
		},
		Monitor: MonitorConfig{
			AlertThreshold: 5 * time.Minute,
		},
	}

	base.Merge(override)

	if base.Bus.Type != BusNATS {
		t.Errorf("expected bus type nats, got %s", base.Bus.Type)
	}
	if base.Bus.URL != "nats://override:4222" {
		t.Errorf("expected override URL, got %s", base.Bus.URL)
	}
	if base.Monitor.AlertThreshold != 5*time.Minute {
		t.Errorf("expected alert threshold 5m, got %v", base.Monitor.AlertThreshold)
	}
	// Keys the override left zero remain from base
	if base.Repository.Type != RepositoryMemory {
		t.Errorf("expected repository type to remain default, got %s", base.Repository.Type)
	}
	if base.Monitor.MaxMemoryEntries != 1000 {
		t.Errorf("expected memory entries to remain default, got %d", base.Monitor.MaxMemoryEntries)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.HTTP.ListenAddr = ":7070"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.HTTP.ListenAddr != ":7070" {
		t.Errorf("expected listen addr :7070, got %s", loaded.HTTP.ListenAddr)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TASKHIVE_MESSAGE_QUEUE_TYPE", "nats")
	t.Setenv("TASKHIVE_NATS_URL", "nats://env:4222")
	t.Setenv("TASKHIVE_TASK_SCAN_INTERVAL", "45s")
	t.Setenv("TASKHIVE_MAX_RETRIES", "7")
	t.Setenv("TASKHIVE_TASK_POLL_INTERVAL", "not-a-duration")

	loader := NewLoader(nil)
	cfg := DefaultConfig()
	loader.applyEnv(cfg)

	if cfg.Bus.Type != BusNATS {
		t.Errorf("expected bus type nats from env, got %s", cfg.Bus.Type)
	}
	if cfg.Bus.URL != "nats://env:4222" {
		t.Errorf("expected env NATS URL, got %s", cfg.Bus.URL)
	}
	if cfg.Scanner.Interval != 45*time.Second {
		t.Errorf("expected scan interval 45s from env, got %v", cfg.Scanner.Interval)
	}
	if cfg.Retry.MaxRetries != 7 {
		t.Errorf("expected max retries 7 from env, got %d", cfg.Retry.MaxRetries)
	}
	// Malformed duration is ignored, default survives
	if cfg.Poller.Interval != time.Minute {
		t.Errorf("expected poll interval to remain default, got %v", cfg.Poller.Interval)
	}
}
