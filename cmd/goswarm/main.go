package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datallboy/goswarm/internal/infra/config"
	"github.com/datallboy/goswarm/internal/infra/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "goswarm",
		Short:         "Peer-to-peer segment exchange for streamed media",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")

	root.AddCommand(
		newServeCmd(),
		newTrackerCmd(),
		newManifestCmd(),
		newFetchCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadEnv reads the config and opens the log file it names.
func loadEnv(includeStdout bool) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), includeStdout && cfg.Log.IncludeStdout)
	if err != nil {
		return nil, nil, fmt.Errorf("could not initialize logger: %w", err)
	}
	return cfg, log, nil
}
