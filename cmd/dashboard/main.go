// Lighter Market Data: ingests the Lighter perpetuals WebSocket feed and
// fans out merged per-market rows and funding analytics to dashboard
// clients.
//
// Architecture:
//
//	main.go               entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	feed/client.go        resilient upstream WebSocket client with reconnect + backoff
//	feed/manager.go       market discovery, stats/book routing, subscription replay
//	store/store.go        per-market merge, derived metrics, debounced emission
//	bus/bus.go            newest-wins in-process fan-out to WebSocket subscribers
//	analytics/funding.go  periodic cross-sectional funding z-score snapshots
//	metadata/metadata.go  market-id → symbol resolution from file and REST
//	api/                  HTTP/WebSocket boundary (/health, /ws, /ws/funding)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lighter-md/internal/analytics"
	"lighter-md/internal/api"
	"lighter-md/internal/bus"
	"lighter-md/internal/config"
	"lighter-md/internal/feed"
	"lighter-md/internal/metadata"
	"lighter-md/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	metaCtx, metaCancel := context.WithTimeout(context.Background(), 30*time.Second)
	symbols := metadata.Resolve(metaCtx, cfg.MetadataPath, cfg.MetadataURL, logger)
	metaCancel()

	// A debounced store emits rarely enough for a small queue; without
	// debouncing the raw feed rate needs more headroom.
	queueSize := bus.QueueSizeDebounced
	if cfg.UIDebounce <= 0 {
		queueSize = bus.QueueSizeRealtime
	}
	marketBus := bus.New(queueSize)
	fundingBus := bus.New(bus.QueueSizeDebounced)

	st := store.New(marketBus, cfg.UIDebounce, symbols)
	manager := feed.NewManager(cfg, st, logger)

	funding := analytics.New(st, fundingBus, cfg.FundingRefresh, cfg.FundingMinAssets, logger)
	fundingCtx, fundingCancel := context.WithCancel(context.Background())
	go funding.Run(fundingCtx)

	apiServer := api.NewServer(cfg, st, marketBus, fundingBus, funding, manager, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("dashboard server failed", "error", err)
		}
	}()

	manager.Start()

	logger.Info("market data service started",
		"upstream", cfg.WSURL,
		"dashboard", fmt.Sprintf("http://%s:%d", cfg.DashboardHost, cfg.DashboardPort),
		"symbols", len(symbols),
		"debounce", cfg.UIDebounce,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the boundary first so clients see a clean close, then the
	// producers behind it.
	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop dashboard", "error", err)
	}
	fundingCancel()
	manager.Stop()
	marketBus.Close()
	fundingBus.Close()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
