package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busybox42/elemta-core/internal/config"
	"github.com/busybox42/elemta-core/internal/logging"
	"github.com/busybox42/elemta-core/internal/server"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
	date       = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "elemta-core",
		Short: "Elemta mail delivery core",
		Long: `elemta-core runs the mail spool, the processing pipelines and the
remote delivery engine, and manages their queues.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	rootCmd.AddCommand(newServerCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "elemta-core %s\n", version)
			fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", date)
		},
	})
	return rootCmd
}

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the dispatcher and the remote delivery engine",
		RunE:  runServer,
	}
	cmd.Flags().String("hostname", "", "server hostname (overrides config)")
	cmd.Flags().Bool("api", false, "enable the management API (overrides config)")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		cfg.Server.Hostname = hostname
	}
	if enabled, _ := cmd.Flags().GetBool("api"); enabled {
		cfg.API.Enabled = true
	}

	if err := logging.Setup(cfg.Logging, os.Stderr); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			slog.Warn("Error closing server", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("elemta-core started", "version", version, "hostname", cfg.Server.Hostname)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("Shutdown complete")
	return nil
}
