package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrape-fleet/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the fleet gateway.
func newServeCmd() *cobra.Command {
	var workers []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet gateway",
		Long: `Starts the gateway HTTP API, the per-worker health probes, and the
async job runners. Workers come from workers.endpoints in the config and may
be added at runtime through POST /v1/workers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			cfg.Workers.Endpoints = append(cfg.Workers.Endpoints, workers...)

			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build gateway: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().StringSliceVar(&workers, "worker", nil, "worker endpoint to register (repeatable)")
	return cmd
}

// newAgentCmd creates the 'agent' subcommand, which runs a worker.
func newAgentCmd() *cobra.Command {
	var (
		port   int
		engine string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a scraping worker agent",
		Long: `Starts the reference worker: GET /health, POST /api/scrape, and
POST /api/recycle. The agent runs one job at a time and refuses work once its
recycle budget is spent.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Agent.Port = port
			}
			if cmd.Flags().Changed("engine") {
				cfg.Agent.Engine = engine
			}
			return server.RunAgent(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides agent.port)")
	cmd.Flags().StringVar(&engine, "engine", "", "chromedp or colly (overrides agent.engine)")
	return cmd
}
