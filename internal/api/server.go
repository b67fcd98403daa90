package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"lighter-md/internal/bus"
	"lighter-md/internal/config"
	"lighter-md/internal/store"
)

// Server runs the HTTP/WebSocket boundary for dashboard consumers.
type Server struct {
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes over the market store and the two buses.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	marketBus *bus.Bus,
	fundingBus *bus.Bus,
	funding FundingSource,
	feed Liveness,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(st, marketBus, fundingBus, funding, feed, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/ws", handlers.HandleMarkets)
	mux.HandleFunc("/ws/funding", handlers.HandleFunding)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.DashboardHost, cfg.DashboardPort),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api_server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully drains the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
