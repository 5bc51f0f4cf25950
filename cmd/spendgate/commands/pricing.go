package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/amerfu/spendgate/internal/config"
	"github.com/amerfu/spendgate/internal/services/pricing"
)

// NewPricingCommand manages the model rate table.
func NewPricingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Inspect and refresh the model rate table",
	}

	cmd.AddCommand(newPricingListCommand())
	cmd.AddCommand(newPricingFetchCommand())

	return cmd
}

func newPricingListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List model rates",
		Long:  "Prints the built-in rate table with any overrides from config.yaml applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadPricingTable()
			if err != nil {
				return err
			}

			snapshot := table.Snapshot()
			rows := make([][]string, 0, len(snapshot))
			for _, id := range table.Models() {
				p := snapshot[id]
				rows = append(rows, []string{
					id,
					p.Provider,
					p.Tier.String(),
					strconv.FormatFloat(p.InputPerMillion, 'f', -1, 64),
					strconv.FormatFloat(p.OutputPerMillion, 'f', -1, 64),
					strconv.Itoa(p.ContextWindow),
				})
			}

			OutputTable([]string{"MODEL", "PROVIDER", "TIER", "INPUT $/M", "OUTPUT $/M", "CONTEXT"}, rows)
			return nil
		},
	}
}

func newPricingFetchCommand() *cobra.Command {
	var (
		rawURL  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch a remote price registry",
		Long: `Downloads a LiteLLM-format price registry and reports what a running
service would merge into its rate table. HTTPS only; the host must be
on the allow-list (built-in plus pricing.allowed_hosts from config).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			table := pricing.New()
			fetcher := pricing.NewFetcher(table, zap.NewNop())

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			result, err := fetcher.Fetch(ctx, rawURL, pricing.FetchOptions{
				Timeout:      timeout,
				Force:        true,
				AllowedHosts: cfg.Pricing.AllowedHosts,
			})
			if err != nil {
				return fmt.Errorf("fetch failed: %w", err)
			}

			if outputJSON {
				OutputJSON(result)
				return nil
			}

			fmt.Printf("Updated: %d\n", result.Updated)
			fmt.Printf("Added: %d\n", result.Added)
			if result.Errors > 0 {
				fmt.Printf("Rejected entries: %d\n", result.Errors)
			}
			fmt.Printf("Models in table: %d\n", table.Len())
			return nil
		},
	}

	cmd.Flags().StringVar(&rawURL, "url", pricing.DefaultRegistryURL, "registry URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "fetch timeout")

	return cmd
}

// loadPricingTable builds the seeded table and layers config overrides
// on top, the same way the pipeline does at startup.
func loadPricingTable() (*pricing.Table, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	table := pricing.New()
	for id, mp := range cfg.Pricing.Models {
		table.Register(id, pricing.Price{
			InputPerMillion:  mp.InputPerMillion,
			OutputPerMillion: mp.OutputPerMillion,
			ContextWindow:    mp.ContextWindow,
			Provider:         mp.Provider,
			Tier:             pricing.TierFromString(mp.Tier),
			Capabilities:     mp.Capabilities,
		})
	}
	return table, nil
}
