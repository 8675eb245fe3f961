package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/credo/internal/config"
	"github.com/signalnine/credo/internal/logging"
)

var (
	cfgFile  string
	logLevel string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "credo",
		Short:        "System-test harness for parallel geodynamics simulations",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.InitForCLI(logging.ParseLevel(logLevel), os.Stderr)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "credo.yaml", "config file path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newRegenCmd())
	root.AddCommand(newAnalyseCmd())
	return root
}

// loadConfig reads the config file and exports its env file, if any, into
// the process environment before the simulation environment is read.
func loadConfig() (*config.Config, *config.Environment, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Secrets.EnvFile != "" {
		if err := config.ApplyEnvFile(cfg.Secrets.EnvFile); err != nil {
			logging.Warn("CLI", "could not load env file %s: %v", cfg.Secrets.EnvFile, err)
		}
	}
	if logLevel == "info" && cfg.LogLevel != "" {
		logging.InitForCLI(logging.ParseLevel(cfg.LogLevel), os.Stderr)
	}
	return cfg, config.LoadEnvironment(os.Getenv), nil
}
