// Command sentinelctl is the operator CLI for a sentinel deployment: schema
// migrations, security-event queries, retention sweeps, API keys and test
// payments.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts clientOptions

	root := &cobra.Command{
		Use:           "sentinelctl",
		Short:         "Operate a sentinel request-admission service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("SENTINEL_URL", "http://localhost:8080"), "sentinel base URL")
	root.PersistentFlags().StringVar(&opts.adminSecret, "admin-secret", os.Getenv("ADMIN_SECRET"), "operator secret (X-Admin-Secret)")
	root.PersistentFlags().StringVar(&opts.apiKey, "api-key", os.Getenv("SENTINEL_API_KEY"), "actor API key")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", defaultTimeout, "request timeout")

	root.AddCommand(migrateCmd())
	root.AddCommand(checkConfigCmd())
	root.AddCommand(statsCmd(&opts))
	root.AddCommand(eventsCmd(&opts))
	root.AddCommand(sweepCmd(&opts))
	root.AddCommand(keygenCmd(&opts))
	root.AddCommand(payCmd(&opts))

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
