package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-core/internal/api"
	"github.com/busybox42/elemta-core/internal/config"
)

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "generate [path]",
		Short: "Generate default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  generateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  validateConfig,
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print the api_key_hash value for an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := api.HashAPIKey(args[0])
			if err != nil {
				return fmt.Errorf("failed to hash key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	})
	return configCmd
}

func generateConfig(cmd *cobra.Command, args []string) error {
	outputPath := "elemta-core.toml"
	if len(args) > 0 {
		outputPath = args[0]
	}

	if err := config.SaveConfig(config.DefaultConfig(), outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

func validateConfig(cmd *cobra.Command, args []string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}

	// LoadConfig already rejects invalid files; validate again to report
	// warnings as well.
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	result := cfg.Validate()
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	for i, w := range result.Warnings {
		fmt.Fprintf(out, "  warning %d: %s\n", i+1, w.Error())
	}
	if !result.Valid {
		for i, e := range result.Errors {
			fmt.Fprintf(out, "  error %d: %s\n", i+1, e.Error())
		}
		return fmt.Errorf("configuration validation failed with %d errors", len(result.Errors))
	}

	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Fprintf(out, "  Spool: %s, outgoing: %s\n", cfg.Spool.Type, cfg.Outgoing.Type)
	fmt.Fprintf(out, "  Dispatcher: %d workers, root %q, error %q\n", cfg.Dispatcher.Workers, cfg.Dispatcher.Root, cfg.Dispatcher.Error)
	fmt.Fprintf(out, "  Remote: %d workers, %d retries\n", cfg.Remote.Workers, cfg.Remote.MaxRetries)
	fmt.Fprintf(out, "  Pipelines: %d\n", len(cfg.Pipelines))
	return nil
}
