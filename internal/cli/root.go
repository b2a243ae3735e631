package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/victornm/classquiz/internal/config"
	"github.com/victornm/classquiz/internal/server"
	"github.com/victornm/classquiz/internal/telemetry"
)

// Execute runs the CLI.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	envConfig := os.Getenv("CONFIG_PATH")
	if envConfig == "" {
		envConfig = "config/config.yaml"
	}

	cmd := &cobra.Command{
		Use:           "classquiz",
		Short:         "Classroom test session coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", envConfig, "path to YAML config")
	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	return cmd
}

// loadConfig reads the config file over the defaults and sets up the default logger.
func loadConfig(path string) (server.Config, error) {
	c := server.DefaultConfig()

	if err := config.Load(path, &c, config.WithEnvFiles(".env")); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	if err := telemetry.SetupLogger(os.Stdout, c.Log); err != nil {
		return c, fmt.Errorf("setup logger: %w", err)
	}

	return c, nil
}
