package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage heatstep configuration",
		Long: `View and modify heatstep configuration settings.

Configuration is stored in ~/.heatstep/config.yaml. HEATSTEP_* environment
variables override the file and command-line flags override both.

Examples:
  heatstep config list                          # Show effective settings
  heatstep config get stepping.variant          # Get a specific setting
  heatstep config set device.backend opencl     # Set a setting
  heatstep config set checkpoint.max_age 7d`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
	)
	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all configuration settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfg, err := loadHeatConfig(cmd)
			if err != nil {
				return err
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration (~/.heatstep/config.yaml + environment):")
			section := ""
			for _, key := range config.Keys() {
				if s, _, _ := strings.Cut(key, "."); s != section {
					section = s
					fmt.Fprintf(out, "\n%s:\n", section)
				}
				v, _ := cfg.Get(key)
				fmt.Fprintf(out, "  %-26s %s\n", key+":", formatConfigValue(v))
			}
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			cfg, err := loadHeatConfig(cmd)
			if err != nil {
				return err
			}
			v, ok := cfg.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown configuration key: %s (known: %s)", args[0], strings.Join(config.Keys(), ", "))
			}
			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{"key": args[0], "value": v})
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatConfigValue(v))
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOut, _ := cmd.Flags().GetBool("json")
			key, value := args[0], args[1]

			path, err := config.DefaultPath()
			if err != nil {
				return err
			}
			// Environment overrides are not persisted.
			cfg, err := config.LoadFromFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				cfg, err = config.Default(), nil
			}
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			if err := cfg.Set(key, value); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("rejected %s=%s: %w", key, value, err)
			}
			if err := cfg.Save(path); err != nil {
				return fmt.Errorf("failed to save config: %w", err)
			}

			if jsonOut {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
					"status": "updated",
					"key":    key,
					"value":  value,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}
}

func formatConfigValue(v any) string {
	if s, ok := v.(string); ok && s == "" {
		return "(not set)"
	}
	return fmt.Sprintf("%v", v)
}
