// Package config provides YAML-based configuration with environment
// overrides, written next to the data directory on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AppConfig is the root configuration structure.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	XNAT     XNATConfig     `yaml:"xnat"`
	Session  SessionConfig  `yaml:"session"`
	Advanced AdvancedConfig `yaml:"advanced"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bindAddress"`
	ReadTimeout  int    `yaml:"readTimeoutSeconds"`
	WriteTimeout int    `yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `yaml:"idleTimeoutSeconds"`
	BodyLimit    string `yaml:"bodyLimit"`
}

// StorageConfig contains on-disk layout settings.
type StorageConfig struct {
	DataDirectory  string `yaml:"dataDirectory"`
	StageDirectory string `yaml:"stageDirectory"`
	HistoryFile    string `yaml:"historyFile"`
	SnapshotFile   string `yaml:"snapshotFile"`
	// Staged files older than this are swept on startup and on a timer.
	StagedFileMaxAgeHours int `yaml:"stagedFileMaxAgeHours"`
}

// XNATConfig contains the upstream archive settings.
type XNATConfig struct {
	BaseURL        string  `yaml:"baseUrl"`
	TimeoutSeconds int     `yaml:"timeoutSeconds"`
	Retries        int     `yaml:"retries"`
	RetryBackoff   float64 `yaml:"retryBackoff"`
}

// SessionConfig contains browser session settings.
type SessionConfig struct {
	MaxAgeMinutes          int `yaml:"maxAgeMinutes"`
	CleanupIntervalMinutes int `yaml:"cleanupIntervalMinutes"`
}

// AdvancedConfig contains tuning options.
type AdvancedConfig struct {
	LogLevel             string `yaml:"logLevel"`
	EnableRequestLogging bool   `yaml:"enableRequestLogging"`
	HistoryRetentionDays int    `yaml:"historyRetentionDays"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         5055,
			BindAddress:  "127.0.0.1",
			ReadTimeout:  60,
			WriteTimeout: 300,
			IdleTimeout:  120,
			BodyLimit:    "512M",
		},
		Storage: StorageConfig{
			DataDirectory:         "./data",
			StageDirectory:        "./data/stage",
			HistoryFile:           "./data/history.duckdb",
			SnapshotFile:          "./data/sessions.msgpack",
			StagedFileMaxAgeHours: 24,
		},
		XNAT: XNATConfig{
			BaseURL:        "",
			TimeoutSeconds: 300,
			Retries:        3,
			RetryBackoff:   1.5,
		},
		Session: SessionConfig{
			MaxAgeMinutes:          120,
			CleanupIntervalMinutes: 5,
		},
		Advanced: AdvancedConfig{
			LogLevel:             "info",
			EnableRequestLogging: true,
			HistoryRetentionDays: 90,
		},
	}
}

// LoadConfig loads the configuration from a YAML file, creating a
// default file when none exists yet.
func LoadConfig(configPath string) (*AppConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		config.applyEnvironmentOverrides()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))
	return config, nil
}

// Save writes the configuration as YAML.
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# MRS uploader configuration. Auto-generated on first run.\n\n")
	if err := os.WriteFile(configPath, append(header, output...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides lets environment variables override file values.
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if base := os.Getenv("XNAT_BASE_URL"); base != "" {
		c.XNAT.BaseURL = base
	}
	if timeout := os.Getenv("XNAT_HTTP_TIMEOUT"); timeout != "" {
		if t, err := strconv.Atoi(timeout); err == nil && t > 0 {
			c.XNAT.TimeoutSeconds = t
		}
	}
	if retries := os.Getenv("XNAT_HTTP_RETRIES"); retries != "" {
		if r, err := strconv.Atoi(retries); err == nil && r > 0 {
			c.XNAT.Retries = r
		}
	}
	if age := os.Getenv("STAGED_FILE_MAX_AGE_HOURS"); age != "" {
		if h, err := strconv.Atoi(age); err == nil && h > 0 {
			c.Storage.StagedFileMaxAgeHours = h
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
		c.Storage.StageDirectory = filepath.Join(dataDir, "stage")
		c.Storage.HistoryFile = filepath.Join(dataDir, "history.duckdb")
		c.Storage.SnapshotFile = filepath.Join(dataDir, "sessions.msgpack")
	}
}

// resolvePaths converts relative paths to absolute based on the config
// file location.
func (c *AppConfig) resolvePaths(configDir string) {
	resolve := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(configDir, *p)
		}
	}
	resolve(&c.Storage.DataDirectory)
	resolve(&c.Storage.StageDirectory)
	resolve(&c.Storage.HistoryFile)
	resolve(&c.Storage.SnapshotFile)
}

// GetServerAddr returns the server bind address.
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates the data and stage directories.
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDirectory,
		c.Storage.StageDirectory,
		filepath.Dir(c.Storage.HistoryFile),
		filepath.Dir(c.Storage.SnapshotFile),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
