// Package cmd defines and implements the CLI commands for the scrapefleet executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-fleet/internal/config"
)

var cfgFile string

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// loadConfig is a variable so tests can inject configuration without files.
var loadConfig = config.Load

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scrapefleet",
		Short: "Dispatch scraping jobs across a fleet of browser workers.",
		Long: `scrapefleet fronts a fleet of browser-automation workers. The gateway
tracks worker health, trips and recovers circuit breakers, recycles workers
after a job budget, and fails jobs over to healthy workers within a deadline.
The agent command runs the reference worker.`,
		SilenceUsage: true,

		// Config is loaded once here so every subcommand sees the same values.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed FLEET_ override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newStatusCmd())
	return cmd
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
