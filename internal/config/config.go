package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config represents the complete Atelier configuration
type Config struct {
	Engine  EngineConfig  `mapstructure:"engine"`
	Store   StoreConfig   `mapstructure:"store"`
	API     APIConfig     `mapstructure:"api"`
	Logging LoggingConfig `mapstructure:"logging"`
	Paths   PathsConfig   `mapstructure:"paths"`
}

// EngineConfig controls the durability core
type EngineConfig struct {
	// ResidencyCap is the soft target for concurrently resident workspace
	// runtimes. Exceeding it triggers an eviction pass, but protected
	// workspaces are never sacrificed to satisfy it.
	ResidencyCap int `mapstructure:"residency_cap"`
	// DegradedThreshold is the number of consecutive failed flush attempts
	// before the engine refuses new cold workspace opens
	DegradedThreshold int `mapstructure:"degraded_threshold"`
	// SharedWorkspaceID is the reserved always-resident workspace id
	SharedWorkspaceID string `mapstructure:"shared_workspace_id"`
	// PinnedWorkspaces are workspace ids exempt from eviction
	PinnedWorkspaces []string `mapstructure:"pinned_workspaces"`
}

// StoreConfig controls the SQLite document store
type StoreConfig struct {
	// Path is the database file location. If empty, defaults to
	// "documents.db" under the resolved data directory.
	// Supports ~ for home directory expansion.
	Path string `mapstructure:"path"`
}

// APIConfig controls the debug/metrics HTTP server
type APIConfig struct {
	// Enabled starts the HTTP server (default: false)
	Enabled bool `mapstructure:"enabled"`
	// Addr is the listen address (default: "127.0.0.1:9180")
	Addr string `mapstructure:"addr"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
}

// PathsConfig controls where Atelier stores data
type PathsConfig struct {
	// DataDir is the directory for the document database and debug log.
	// If empty, defaults to ~/.local/share/atelier.
	// Supports ~ for home directory expansion.
	DataDir string `mapstructure:"data_dir"`
}

// ResolveDataDir returns the resolved data directory path.
// If DataDir is empty, it returns the default under the user's home.
// If DataDir starts with ~, it expands to the user's home directory.
func (p *PathsConfig) ResolveDataDir() string {
	path := p.DataDir
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".atelier"
		}
		return filepath.Join(home, ".local", "share", "atelier")
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}
	return path
}

// ResolveStorePath returns the resolved database file path, falling back to
// "documents.db" under the data directory when store.path is unset.
func (c *Config) ResolveStorePath() string {
	path := c.Store.Path
	if path == "" {
		return filepath.Join(c.Paths.ResolveDataDir(), "documents.db")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			ResidencyCap:      4,
			DegradedThreshold: 3,
			SharedWorkspaceID: "workspace-shared",
			PinnedWorkspaces:  []string{},
		},
		Store: StoreConfig{
			Path: "", // Empty means use default under the data dir
		},
		API: APIConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9180",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
		},
		Paths: PathsConfig{
			DataDir: "", // Empty means use default: ~/.local/share/atelier
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Engine defaults
	viper.SetDefault("engine.residency_cap", defaults.Engine.ResidencyCap)
	viper.SetDefault("engine.degraded_threshold", defaults.Engine.DegradedThreshold)
	viper.SetDefault("engine.shared_workspace_id", defaults.Engine.SharedWorkspaceID)
	viper.SetDefault("engine.pinned_workspaces", defaults.Engine.PinnedWorkspaces)

	// Store defaults
	viper.SetDefault("store.path", defaults.Store.Path)

	// API defaults
	viper.SetDefault("api.enabled", defaults.API.Enabled)
	viper.SetDefault("api.addr", defaults.API.Addr)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "atelier")
	}
	// Fall back to ~/.config/atelier
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atelier"
	}
	return filepath.Join(home, ".config", "atelier")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
