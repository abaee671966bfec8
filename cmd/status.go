package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// fleetView mirrors the GET /v1/fleet response.
type fleetView struct {
	Workers []workerView   `json:"workers" yaml:"workers"`
	States  map[string]int `json:"states" yaml:"states"`
}

type workerView struct {
	WorkerID            string    `json:"worker_id" yaml:"worker_id"`
	Endpoint            string    `json:"endpoint" yaml:"endpoint"`
	State               string    `json:"state" yaml:"state"`
	Load                int       `json:"load" yaml:"load"`
	Served              int       `json:"requests_served_since_recycle" yaml:"requests_served_since_recycle"`
	ConsecutiveFailures int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	Drained             bool      `json:"drained" yaml:"drained"`
	LastProbeAt         time.Time `json:"last_probe_at" yaml:"last_probe_at"`
}

// newStatusCmd creates the 'status' subcommand, which prints the fleet view
// of a running gateway.
func newStatusCmd() *cobra.Command {
	var (
		gateway string
		apiKey  string
		output  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show worker states from a running gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if gateway == "" {
				cfg, err := resolveConfig(cmd.Context())
				if err != nil {
					return err
				}
				gateway = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
				if apiKey == "" {
					apiKey = cfg.Auth.APIKey
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			view, err := fetchFleet(ctx, http.DefaultClient, gateway, apiKey)
			if err != nil {
				return err
			}
			return renderFleet(cmd.OutOrStdout(), view, output)
		},
	}
	cmd.Flags().StringVar(&gateway, "gateway", "", "gateway base URL (default http://localhost:<server.port>)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key sent as X-API-Key")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table, json, or yaml")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func fetchFleet(ctx context.Context, client *http.Client, base, apiKey string) (fleetView, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/v1/fleet", nil)
	if err != nil {
		return fleetView{}, fmt.Errorf("build request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fleetView{}, fmt.Errorf("query gateway: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fleetView{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var view fleetView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return fleetView{}, fmt.Errorf("decode fleet status: %w", err)
	}
	return view, nil
}

func renderFleet(w io.Writer, view fleetView, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "WORKER\tSTATE\tLOAD\tDRAINED\tFAILURES\tSERVED\tLAST PROBE")
		for _, wv := range view.Workers {
			probe := "-"
			if !wv.LastProbeAt.IsZero() {
				probe = wv.LastProbeAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%d\t%d\t%s\n",
				wv.WorkerID, wv.State, wv.Load, wv.Drained, wv.ConsecutiveFailures, wv.Served, probe)
		}
		if err := tw.Flush(); err != nil {
			return fmt.Errorf("write table: %w", err)
		}
		states := make([]string, 0, len(view.States))
		for s := range view.States {
			states = append(states, s)
		}
		sort.Strings(states)
		parts := make([]string, 0, len(states))
		for _, s := range states {
			parts = append(parts, fmt.Sprintf("%s=%d", s, view.States[s]))
		}
		_, err := fmt.Fprintf(w, "\n%d workers: %s\n", len(view.Workers), strings.Join(parts, " "))
		return err
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
