package main

import (
	"fmt"
	"os"

	"github.com/rubberduck/rubberduck/pkg/config"
	"github.com/rubberduck/rubberduck/pkg/utils"
	"github.com/spf13/cobra"
)

func main() {
	// Initialize logging system
	utils.InitLogger()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rubberduck",
		Short:         "Explain your bug to the duck",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newChatCmd())
	return root
}

// loadConfig reads .env and then ~/.rubberduck/config.yaml.
func loadConfig() (*config.AppConfig, error) {
	logger := utils.GetLogger()
	if err := config.LoadDotEnv(); err != nil {
		logger.Warn("Failed to load .env", "error", err)
	}
	cfg, path, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", path)
	return cfg, nil
}
