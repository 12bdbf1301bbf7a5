package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "taskhive.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/taskhive"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/taskhive/config.yaml)
// 3. Project config (taskhive.yaml in current or parent directories)
// 4. TASKHIVE_* environment variables
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		if projectConfig, err := LoadFromFile(projectConfigPath); err == nil {
			l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
			config.Merge(projectConfig)
		} else {
			l.logger.Warn("Failed to load project config", slog.String("path", projectConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No project config found")
	}

	// Environment overrides win over every file layer
	l.applyEnv(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for taskhive.yaml in current and parent directories
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// applyEnv overlays TASKHIVE_* environment variables onto the config.
func (l *Loader) applyEnv(config *Config) {
	setString := func(key string, into *string) {
		if v := os.Getenv(key); v != "" {
			*into = v
		}
	}
	setDuration := func(key string, into *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			l.logger.Warn("Ignoring invalid duration in environment", slog.String("var", key), slog.String("value", v))
			return
		}
		*into = d
	}

	setString("TASKHIVE_MESSAGE_QUEUE_TYPE", &config.Bus.Type)
	setString("TASKHIVE_NATS_URL", &config.Bus.URL)
	setString("TASKHIVE_REPOSITORY_TYPE", &config.Repository.Type)
	setString("TASKHIVE_REPOSITORY_PATH", &config.Repository.Path)
	setString("TASKHIVE_EVENT_LOG_DIRECTORY", &config.Monitor.LogDirectory)
	setString("TASKHIVE_HTTP_LISTEN_ADDR", &config.HTTP.ListenAddr)
	setDuration("TASKHIVE_TASK_SCAN_INTERVAL", &config.Scanner.Interval)
	setDuration("TASKHIVE_TASK_POLL_INTERVAL", &config.Poller.Interval)
	setDuration("TASKHIVE_ALERT_THRESHOLD", &config.Monitor.AlertThreshold)

	if v := os.Getenv("TASKHIVE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Retry.MaxRetries = n
		} else {
			l.logger.Warn("Ignoring invalid TASKHIVE_MAX_RETRIES", slog.String("value", v))
		}
	}
}
