// Admarket - settlement backend for a Telegram channel ad marketplace
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/admarket/internal/config"
	"github.com/mbd888/admarket/internal/logging"
	"github.com/mbd888/admarket/internal/server"
	"github.com/mbd888/admarket/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured level is known
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Version == "" || cfg.Version == "dev" {
		cfg.Version = Version
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting admarket",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"stable_contract", cfg.StableContract,
		"chain_enabled", cfg.ChainEnabled(),
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Version, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if shutdownTraces == nil {
			return
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
