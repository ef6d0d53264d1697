// shieldgate - resilient request-protection gateway
package main

import (
	"context"
	"os"

	"github.com/mbd888/shieldgate/internal/config"
	"github.com/mbd888/shieldgate/internal/logging"
	"github.com/mbd888/shieldgate/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config tells us the level and format
	logger := logging.New("info", "text")

	logger.Info("starting shieldgate",
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
		"enforce", cfg.Enforce(),
		"provider_configured", cfg.ProviderConfigured(),
		"upstream", cfg.UpstreamURL,
		"rules_file", cfg.ProtectionRulesFile,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
