// Command lmdcast serves LMD event streams to network clients and reads
// them back.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/op3/ucesb-sub002/internal/config"
	"github.com/op3/ucesb-sub002/internal/config/dto"
	"github.com/op3/ucesb-sub002/internal/observability"
)

const defaultConfigPath = "config/application.yaml"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "lmdcast",
		Short:        "LMD event broadcast server",
		Long:         "lmdcast distributes LMD event buffers to any number of clients over the transport and stream protocols.",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to configuration file (default $CONFIG_PATH or "+defaultConfigPath+")")
	root.PersistentFlags().String("log-level", "", "override observability.logging.level")

	root.AddCommand(newServeCommand())
	root.AddCommand(newReadCommand())
	root.AddCommand(newGenerateCommand())
	return root
}

// configPath resolves the configuration file: flag, then CONFIG_PATH, then
// the default path.
func configPath(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("config"); p != "" {
		return p
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return defaultConfigPath
}

// loadConfig loads the configuration and builds the logger. overrides are
// applied on top of file and environment.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*dto.ApplicationConfig, *slog.Logger, func() error, error) {
	loader := config.NewLoader()
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		loader.Set("observability.logging.level", level)
	}
	for k, v := range overrides {
		loader.Set(k, v)
	}

	cfg, err := loader.Load(configPath(cmd))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closeLog, err := observability.NewLogger(observability.LoggingConfig{
		Level:     cfg.Observability.Logging.Level,
		Format:    cfg.Observability.Logging.Format,
		Output:    cfg.Observability.Logging.Output,
		AddSource: cfg.Observability.Logging.AddSource,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}
