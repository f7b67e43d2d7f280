package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/atelier-notes/atelier/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify Atelier configuration",
	Long: `View or modify Atelier configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  atelier config set engine.residency_cap 6
  atelier config set logging.level debug
  atelier config set api.enabled true

Valid keys:
  engine.residency_cap        - Max concurrently resident workspaces
  engine.degraded_threshold   - Failed flushes before refusing cold opens
  engine.shared_workspace_id  - Reserved always-resident workspace id
  store.path                  - Document database file path
  api.enabled                 - Serve the debug/metrics API (true/false)
  api.addr                    - Debug API listen address
  logging.enabled             - Write a debug log (true/false)
  logging.level               - Log level: debug, info, warn, error
  paths.data_dir              - Data directory`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/atelier/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	fmt.Println("Current configuration:")
	fmt.Println()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Printf("Config file: (none - using defaults)\n")
	}
	fmt.Println()

	fmt.Println("engine:")
	fmt.Printf("  residency_cap: %d\n", cfg.Engine.ResidencyCap)
	fmt.Printf("  degraded_threshold: %d\n", cfg.Engine.DegradedThreshold)
	fmt.Printf("  shared_workspace_id: %s\n", cfg.Engine.SharedWorkspaceID)
	fmt.Printf("  pinned_workspaces: %v\n", cfg.Engine.PinnedWorkspaces)

	fmt.Println("store:")
	fmt.Printf("  path: %s\n", cfg.ResolveStorePath())

	fmt.Println("api:")
	fmt.Printf("  enabled: %v\n", cfg.API.Enabled)
	fmt.Printf("  addr: %s\n", cfg.API.Addr)

	fmt.Println("logging:")
	fmt.Printf("  enabled: %v\n", cfg.Logging.Enabled)
	fmt.Printf("  level: %s\n", cfg.Logging.Level)

	fmt.Println("paths:")
	fmt.Printf("  data_dir: %s\n", cfg.Paths.ResolveDataDir())

	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	// Validate the key exists
	validKeys := map[string]string{
		"engine.residency_cap":       "int",
		"engine.degraded_threshold":  "int",
		"engine.shared_workspace_id": "string",
		"store.path":                 "string",
		"api.enabled":                "bool",
		"api.addr":                   "string",
		"logging.enabled":            "bool",
		"logging.level":              "string",
		"paths.data_dir":             "string",
	}

	keyType, ok := validKeys[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'atelier config set --help' to see valid keys", key)
	}

	// Validate the value based on type
	var typedValue interface{}
	switch keyType {
	case "string":
		if key == "logging.level" && !contains(config.ValidLogLevels(), value) {
			return fmt.Errorf("invalid value for %s: %s\nValid options: %s",
				key, value, strings.Join(config.ValidLogLevels(), ", "))
		}
		typedValue = value
	case "bool":
		if value != "true" && value != "false" {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = value == "true"
	case "int":
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 1 {
			return fmt.Errorf("invalid value for %s: must be at least 1", key)
		}
		typedValue = intVal
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Set the value in viper
	viper.Set(key, typedValue)

	// Write to config file
	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Set %s = %v\n", key, typedValue)
	fmt.Printf("Config saved to %s\n", configFile)

	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'atelier config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Generate a commented config file
	configContent := `# Atelier Configuration

# Durability engine settings
engine:
  # Maximum number of workspace runtimes kept resident in memory.
  # Exceeding the cap triggers an eviction pass; protected workspaces
  # (shared, pinned, foreground, busy) are never sacrificed to satisfy it.
  residency_cap: 4
  # Consecutive failed flush attempts before new cold workspace opens
  # are refused
  degraded_threshold: 3
  # Reserved always-resident workspace id
  shared_workspace_id: workspace-shared
  # Workspace ids exempt from eviction
  pinned_workspaces: []

# Document store settings
store:
  # Database file path (empty = documents.db under the data dir)
  path: ""

# Debug/metrics HTTP API
api:
  enabled: false
  addr: 127.0.0.1:9180

# Logging settings
logging:
  enabled: true
  # Log level: debug, info, warn, error
  level: info

# Storage paths
paths:
  # Data directory (empty = ~/.local/share/atelier)
  data_dir: ""
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Created config file at %s\n", configFile)
	fmt.Println("Edit this file to customize Atelier's behavior.")

	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	configFile := config.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Printf("Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Printf("Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Println("\nSearch paths:")
	fmt.Printf("  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Printf("  2. $HOME/.config/atelier/config.yaml\n")
	fmt.Printf("  3. ./config.yaml (current directory)\n")
	fmt.Println("\nEnvironment variables: ATELIER_* (e.g., ATELIER_ENGINE_RESIDENCY_CAP)")

	return nil
}
