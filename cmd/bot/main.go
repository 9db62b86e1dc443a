// Command bot runs the copy-trading core: chain indexer, PnL engine,
// leaderboard, signal fanout, transaction orchestrator, chat bridge and
// health server, all under one process lifecycle.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/config"
	"github.com/ChicoPanama/Vanta-Bot-sub001/internal/engine"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file; environment variables win")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	logger.Info("starting", "mode", cfg.Exec.Mode, "chain_id", cfg.Chain.ChainID)
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("engine exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
