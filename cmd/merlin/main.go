// Merlin - Real-time payment fraud scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opensource-finance/merlin/internal/app"
	"github.com/opensource-finance/merlin/internal/config"
	"github.com/opensource-finance/merlin/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/merlin.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting merlin",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"history", cfg.History.Backend,
		"scoring", cfg.Scoring.Type,
		"repository", cfg.Repository.Driver,
		"eventbus", cfg.EventBus.Type,
		"lookback", cfg.History.Lookback,
		"features", cfg.Features.Dim(),
	)

	if err := run(cfg); err != nil {
		slog.Error("merlin stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, Version)
	if err != nil {
		return err
	}

	printBanner(cfg, Version)

	if err := a.Run(ctx); err != nil {
		return err
	}

	slog.Info("merlin shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  MERLIN  real-time payment fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  History:  %s (lookback %d)\n", cfg.History.Backend, cfg.History.Lookback)
	fmt.Printf("  Verdict:  FLAG >= %.2f, BLOCK >= %.2f\n", cfg.Verdict.FlagThreshold, cfg.Verdict.BlockThreshold)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /v1/predict                 - Score a transaction")
	fmt.Println("    POST   /v1/transactions            - Queue a transaction for async scoring")
	fmt.Println("    GET    /v1/entities/{id}/stats     - Entity history summary")
	fmt.Println("    DELETE /v1/entities/{id}/history   - Purge entity history")
	fmt.Println("    GET    /v1/entities/{id}/decisions - Entity decision log")
	fmt.Println("    GET    /v1/decisions/{id}          - Get decision by ID")
	fmt.Println("    GET    /v1/rules                   - List domain rules")
	fmt.Println("    GET    /health                     - Health check")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET    %-28s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
