// connector runs the CLOB sync daemon: the venue socket with its
// subscriptions, the order reconciler and poller, the on-chain operation
// correlator, persistence, and the health/metrics server.
//
// Usage: go run ./cmd/connector --config configs/connector.example.yaml
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rickgao/clob-sync/internal/config"
	"github.com/rickgao/clob-sync/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $CLOB_SYNC_CONFIG, then configs/connector.yaml)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting connector",
		"version", version.Version,
		"commit", version.Commit,
		"built", version.BuildTime,
		"config", config.ResolvePath(*configPath),
	)

	cfg, err := config.LoadAndValidate(config.ResolvePath(*configPath))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Unresolved) > 0 {
		logger.Warn("config references unset variables", "vars", cfg.Unresolved)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"rest_url", cfg.API.RestURL,
		"ws_url", cfg.API.WSURL,
		"user_channel", cfg.Subscriptions.User,
		"chain", cfg.Chain.RPCURL != "",
		"database", cfg.Database.Enabled(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("connector failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connector stopped")
}
