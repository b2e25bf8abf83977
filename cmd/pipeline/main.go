package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"market-pipeline/config"
	"market-pipeline/internal/logger"
	"market-pipeline/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Init("pipeline", slog.LevelInfo)
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.Init("pipeline", cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal received", "signal", sig.String())
		cancel()
	}()

	svc, err := pipeline.New(ctx, cfg)
	if err != nil {
		log.Error("init failed", "err", err)
		os.Exit(1)
	}

	if err := svc.Run(ctx); err != nil {
		log.Error("shutdown error", "err", err)
		os.Exit(1)
	}
}
