package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amerfu/spendgate/cmd/spendgate/commands"
)

var (
	cfgPath    string
	outputJSON bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "spendgate",
		Short: "LLM spend-control middleware",
		Long: `Runs the spendgate pipeline as a service and manages its model rate
table and audit exports from the command line.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			commands.SetConfigPath(cfgPath)
			commands.SetOutputJSON(outputJSON)
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "directory containing config.yaml (default: ., ./config, /etc/spendgate)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(commands.NewServeCommand())
	rootCmd.AddCommand(commands.NewPricingCommand())
	rootCmd.AddCommand(commands.NewAuditCommand())
	rootCmd.AddCommand(commands.NewVersionCommand())

	return rootCmd
}
