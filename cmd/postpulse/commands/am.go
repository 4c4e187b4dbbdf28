package commands

import (
	"encoding/json"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/postpulse/am"
	"github.com/teranos/postpulse/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage postpulse configuration",
	Long: sym.AM + ` am - Manage postpulse configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (POSTPULSE_* prefix, also read from ./.env)
2. Project config (./am.toml, searched up from the working directory)
3. User config (~/.postpulse/am.toml)
4. System config (/etc/postpulse/config.toml)
5. Default values

Examples:
  postpulse am show                          # Show current configuration
  postpulse am show --format yaml            # Show configuration in YAML
  postpulse am get pulse.workers             # Get a specific value
  postpulse am set pulse.rate_limit_per_minute 30
  postpulse am where                         # Show where each value came from`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective configuration from all sources. Secrets are redacted.",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, pulse.workers)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a value in the user config file",
	Long: `Write a value to ~/.postpulse/am.toml. A running daemon picks up rate
limit changes without a restart.`,
	Args: cobra.ExactArgs(2),
	RunE: runAmSet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each configuration value is loaded from",
	RunE:  runAmWhere,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amSetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	settings := am.RedactedSettings()

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
		fmt.Printf("# postpulse configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return fmt.Errorf("failed to marshal config to TOML: %w", err)
		}
		fmt.Printf("# postpulse configuration\n%s", string(data))

	default:
		return fmt.Errorf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}

	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]

	v := am.GetViper()
	if !v.IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}
	for _, s := range am.GetConfigIntrospection().Settings {
		if s.Key == key {
			// Redacted values come back masked
			fmt.Println(s.Value)
			return nil
		}
	}
	fmt.Println(am.Get(key))
	return nil
}

func runAmSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]
	if !am.GetViper().IsSet(key) {
		return fmt.Errorf("configuration key %q not found", key)
	}
	if err := am.SetValue(key, value); err != nil {
		return err
	}
	fmt.Printf("%s %s = %s (%s)\n", sym.AM, key, value, am.GetUserConfigPath())
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro := am.GetConfigIntrospection()

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Println("  2. [SYSTEM]   /etc/postpulse/config.toml")
	fmt.Println("  3. [USER]     ~/.postpulse/am.toml")
	fmt.Println("  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Println("  5. [ENV]      POSTPULSE_* environment variables")
	fmt.Println()

	sourceOrder := []am.ConfigSource{
		am.SourceDefault,
		am.SourceSystem,
		am.SourceUser,
		am.SourceProject,
		am.SourceEnvironment,
	}

	fmt.Println("Active configuration:")
	for _, source := range sourceOrder {
		var header bool
		for _, setting := range intro.Settings {
			if setting.Source != source {
				continue
			}
			if !header {
				fmt.Printf("\n%s:\n", source)
				header = true
			}
			valueStr := fmt.Sprintf("%v", setting.Value)
			if len(valueStr) > 50 {
				valueStr = valueStr[:47] + "..."
			}
			if setting.SourcePath != "" && source != am.SourceDefault {
				fmt.Printf("  %s = %s  (%s)\n", setting.Key, valueStr, setting.SourcePath)
			} else {
				fmt.Printf("  %s = %s\n", setting.Key, valueStr)
			}
		}
	}

	return nil
}
