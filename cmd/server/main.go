// Sentinel - request admission and payment protection
package main

import (
	"context"
	"os"

	"github.com/mbd888/sentinel/internal/config"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config is loaded
	logger := logging.New("info", "text")

	logger.Info("starting sentinel",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"clickhouse", cfg.ClickHouseDSN != "",
		"fraud_threshold", cfg.Security.FraudThreshold,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
