package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/menta2k/hwassist"
	"github.com/menta2k/hwassist/internal/config"
	"github.com/menta2k/hwassist/internal/logging"
)

var (
	// cfg is the loaded configuration shared by subcommands
	cfg *config.Config
	// logger is the application logger
	logger *slog.Logger

	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "hwassist",
	Short:         "Camera inventory and voice-driven bench assistant",
	Version:       hwassist.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		level, _ := logging.ParseLevel(cfg.LogLevel)
		logger = logging.New(level, os.Stderr)
		logger.Debug("configuration loaded", "path", configPath, "backend", cfg.Model.Backend)
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.GetConfigPath(), "configuration file (JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")

	rootCmd.AddCommand(analyzeCmd, askCmd, planCmd, serveCmd, indexCmd, configCmd)
}
