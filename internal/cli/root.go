package cli

import (
	"github.com/spf13/cobra"

	"github.com/terrane-io/terrane/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "terrane",
	Short: "Declarative site infrastructure reconciliation",
	Long: `Terrane reconciles declared site infrastructure (DNS zones, TLS
certificates, buckets, redirects and CDN distributions) against what was
applied before.

A run evaluates the PKL declaration, diffs it against per-resource state
records, and applies the resulting change-set in dependency order.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(graphCmd)
}
