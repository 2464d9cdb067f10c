package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/sentinel/internal/config"
)

func migrateCmd() *cobra.Command {
	var dbURL, dir string

	cmd := &cobra.Command{
		Use:   "migrate [up|down|status|version|redo]",
		Short: "Apply or inspect the database schema",
		Long: `Run goose migrations against DATABASE_URL.

Examples:
  sentinelctl migrate up
  sentinelctl migrate status --dir ./migrations`,
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{"up", "down", "status", "version", "redo", "up-to", "down-to"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}
			db, err := sql.Open("postgres", dbURL)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			if err := goose.SetDialect("postgres"); err != nil {
				return err
			}
			return goose.RunContext(cmd.Context(), args[0], db, dir, args[1:]...)
		},
	}

	cmd.Flags().StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	cmd.Flags().StringVar(&dir, "dir", envOr("MIGRATIONS_DIR", "migrations"), "migrations directory")
	return cmd
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration from the environment",
		Long: `Load configuration the way the server does (.env, environment,
SECURITY_RULES_FILE) and report the effective security settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			sec := cfg.Security
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration OK")
			fmt.Fprintf(out, "  env:                %s\n", cfg.Env)
			fmt.Fprintf(out, "  rate limit:         %d per %s\n", sec.RateLimitAttempts, sec.RateLimitWindow)
			fmt.Fprintf(out, "  fraud threshold:    %d\n", sec.FraudThreshold)
			fmt.Fprintf(out, "  high amount:        %.2f\n", sec.HighAmountThreshold)
			fmt.Fprintf(out, "  patterns:           %d\n", len(sec.SuspiciousPatterns))
			fmt.Fprintf(out, "  idempotency ttl:    %s\n", sec.IdempotencyTTL)
			fmt.Fprintf(out, "  audit retention:    %s\n", sec.AuditRetention)
			fmt.Fprintf(out, "  storage:            %s\n", storageSummary(cfg))
			return nil
		},
	}
}

func storageSummary(cfg *config.Config) string {
	s := "memory"
	if cfg.DatabaseURL != "" {
		s = "postgres"
	}
	if cfg.RedisURL != "" {
		s += "+redis"
	}
	if cfg.ClickHouseDSN != "" {
		s += "+clickhouse"
	}
	return s
}
