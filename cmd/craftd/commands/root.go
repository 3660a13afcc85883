package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose       bool
	jsonOutput    bool
	traceExporter string
	otlpEndpoint  string
	metricsAddr   string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "craftd",
		Short: "craftd - crafting coordination engine",
		Long: `craftd drives a crafting network described in a scenario file.

It keeps a pattern catalog built from providers, computes crafting plans on a
worker pool, admits jobs to crafting clusters and tracks their links until
the output is delivered to the item ledger.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (otlp, stdout, none)")
	rootCmd.PersistentFlags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP collector endpoint")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(newSimulateCommand())
	rootCmd.AddCommand(newPatternsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newLedgerCommand())

	return rootCmd
}
