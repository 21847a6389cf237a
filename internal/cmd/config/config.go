// Package config provides CLI commands for managing framestack configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/framestack/internal/config"
)

// Wrapper functions for exec to allow testing
var execLookPath = exec.LookPath
var execCommand = exec.Command

// Register adds all config-related commands to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "View or modify framestack configuration",
		Long: `View or modify framestack configuration.

Use 'config show' to display the effective configuration.
Use subcommands to modify settings or create a config file.`,
	}

	configCmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Show current configuration",
			Args:  cobra.NoArgs,
			RunE:  runConfigShow,
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set a configuration value",
			Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  framestack config set storage.path ~/agents/index.db
  framestack config set assembly.segment_headroom 0.6
  framestack config set compaction.default_strategy priority_based/v1

The value is validated against the whole configuration before it is
written. Run 'framestack config show' to see every key.`,
			Args: cobra.ExactArgs(2),
			RunE: runConfigSet,
		},
		&cobra.Command{
			Use:   "init",
			Short: "Create a default config file",
			Long:  `Create a default config file at $XDG_CONFIG_HOME/framestack/config.yaml with all available options.`,
			Args:  cobra.NoArgs,
			RunE:  runConfigInit,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Show the config file path",
			Args:  cobra.NoArgs,
			RunE:  runConfigPath,
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the effective configuration",
			Args:  cobra.NoArgs,
			RunE:  runConfigValidate,
		},
		&cobra.Command{
			Use:   "edit",
			Short: "Open config file in your editor",
			Long: `Open the config file in your preferred editor.

Uses $EDITOR environment variable, or falls back to common editors (vim, nano, vi).
If no config file exists, creates one with default values first.`,
			Args: cobra.NoArgs,
			RunE: runConfigEdit,
		},
		&cobra.Command{
			Use:   "reset [key]",
			Short: "Reset configuration to defaults",
			Long: `Reset configuration values to their defaults.

Without arguments, resets all configuration to defaults.
With a key argument, resets only that specific key.

Examples:
  framestack config reset                       # Reset all to defaults
  framestack config reset assembly.brief_tokens # Reset only one key`,
			Args: cobra.MaximumNArgs(1),
			RunE: runConfigReset,
		},
	)

	parent.AddCommand(configCmd)
}

// defaultValues returns every known key with its default value.
func defaultValues() map[string]any {
	v := viper.New()
	appconfig.SetDefaultsOn(v)
	values := make(map[string]any)
	for _, key := range v.AllKeys() {
		values[key] = v.Get(key)
	}
	return values
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "# Config file: (none - using defaults)\n")
	}
	return writeSettings(out, viper.AllSettings())
}

func writeSettings(w io.Writer, settings map[string]any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(settings); err != nil {
		return err
	}
	return enc.Close()
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	defaults := defaultValues()
	def, ok := defaults[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'framestack config show' to see valid keys", key)
	}

	typedValue, err := parseValue(key, value, def)
	if err != nil {
		return err
	}

	previous := viper.Get(key)
	viper.Set(key, typedValue)
	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, previous)
		return err
	}

	configFile, err := writeConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

// parseValue converts value to the type of the key's default.
func parseValue(key, value string, def any) (any, error) {
	switch def.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		return b, nil
	case int, int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		return n, nil
	case float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value for %s: expected a number", key)
		}
		return f, nil
	default:
		return value, nil
	}
}

func writeConfig() (string, error) {
	// Ensure config directory exists
	configDir := appconfig.ConfigDir()
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	configFile := viper.ConfigFileUsed()
	if configFile == "" {
		configFile = appconfig.ConfigFile()
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return configFile, nil
}

const configTemplate = `# framestack configuration
# Every key can also be set through FRAMESTACK_<SECTION>_<KEY>, e.g.
# FRAMESTACK_STORAGE_PATH.

storage:
  # SQLite database file. Empty resolves to $XDG_DATA_HOME/framestack/index.db
  path: ""
  # Pooled SQLite connections
  pool_size: 4
  # How long a connection waits on a locked database
  busy_timeout_ms: 5000

index:
  # Max nesting below a root frame pushed without an explicit limit
  default_max_subframe_depth: 4
  # Token total of a root frame pushed without a budget
  default_root_tokens: 200000

assembly:
  # Smallest budget a context pack may be assembled for
  min_budget_tokens: 500
  # Budget used when a pack request names none
  default_budget_tokens: 8000
  # Tokens reserved for the frame brief
  brief_tokens: 500
  # Tokens reserved per ancestor breadcrumb
  breadcrumb_tokens: 40
  # Share of the remaining budget non-pinned segments may fill
  segment_headroom: 0.75
  # Confine file: locators to this directory. Empty allows any path
  file_root: ""

compaction:
  # Newest segments the moderate level keeps verbatim
  recent_cutoff: 4
  # Share of tokens a summary keeps
  summary_ratio: 0.25
  # Line length the light level abbreviates beyond
  abbreviate_line_chars: 240
  # Strategy used when compact names none:
  # levels/v1, priority_based/v1, summarize_oldest/v1, truncate_at/v1
  default_strategy: levels/v1

cache:
  # Scopes whose active stacks are kept in memory
  capacity: 256

resources:
  # Warn once a frame's used/total crosses this ratio. 0 disables
  usage_warning_ratio: 0.8

logging:
  # Write logs to a file
  enabled: true
  # debug, info, warn or error
  level: info
  # Log directory. Empty resolves to $XDG_STATE_HOME/framestack
  dir: ""
  # Rotate after this many megabytes
  max_size_mb: 10
  # Rotated files to keep
  max_backups: 3
  # zstd-compress rotated files
  compress: false
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'framestack config set' to modify values", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: FRAMESTACK_* (e.g., FRAMESTACK_STORAGE_PATH)")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := appconfig.Load(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()

	// Check if config file exists, if not create it
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "Config file doesn't exist, creating with defaults...\n")
		if err := runConfigInit(cmd, args); err != nil {
			return err
		}
	}

	// Find an editor
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		// Try common editors
		for _, e := range []string{"vim", "nano", "vi"} {
			if _, err := execLookPath(e); err == nil {
				editor = e
				break
			}
		}
	}
	if editor == "" {
		return fmt.Errorf("no editor found. Set $EDITOR environment variable")
	}

	// Open the editor
	editorCmd := execCommand(editor, configFile)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr

	if err := editorCmd.Run(); err != nil {
		return fmt.Errorf("editor exited with error: %w", err)
	}

	if _, err := appconfig.Load(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Config file saved: %s\n", configFile)
	return nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	defaults := defaultValues()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		// Reset all values
		keys := make([]string, 0, len(defaults))
		for key := range defaults {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		for _, key := range keys {
			viper.Set(key, defaults[key])
		}
		fmt.Fprintln(out, "Reset all configuration to defaults.")
	} else {
		// Reset specific key
		key := args[0]
		value, ok := defaults[key]
		if !ok {
			return fmt.Errorf("unknown configuration key: %s\nRun 'framestack config show' to see valid keys", key)
		}
		viper.Set(key, value)
		fmt.Fprintf(out, "Reset %s to default: %v\n", key, value)
	}

	configFile, err := writeConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}
