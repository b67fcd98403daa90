package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"lighter-md/internal/bus"
	"lighter-md/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		// TODO: restrict in production
		return true
	},
}

// FundingSource exposes the cached funding snapshot for late joiners.
type FundingSource interface {
	Latest() map[string]any
}

// Liveness reports whether the upstream feed task is running.
type Liveness interface {
	IsRunning() bool
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	store      *store.Store
	marketBus  *bus.Bus
	fundingBus *bus.Bus
	funding    FundingSource
	feed       Liveness
	logger     *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(st *store.Store, marketBus, fundingBus *bus.Bus, funding FundingSource, feed Liveness, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:      st,
		marketBus:  marketBus,
		fundingBus: fundingBus,
		funding:    funding,
		feed:       feed,
		logger:     logger.With("component", "api_handlers"),
	}
}

// HandleHealth reports feed liveness and the number of tracked markets.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if h.feed != nil && h.feed.IsRunning() {
		status = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"markets": len(h.store.MarketIDs()),
	})
}

// HandleMarkets streams market rows: a full snapshot on connect, then
// one update frame per store emission.
func (h *Handlers) HandleMarkets(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// Subscribe before snapshotting so no emission is lost in between.
	sub := h.marketBus.Subscribe()
	initial := []any{map[string]any{
		"type": "snapshot",
		"rows": h.store.Snapshot(),
	}}
	h.stream(conn, sub, initial, func(msg map[string]any) any {
		return map[string]any{"type": "update", "row": msg}
	})
}

// HandleFunding streams funding snapshots: the cached latest on connect
// (if any cycle has completed), then each new snapshot as published.
func (h *Handlers) HandleFunding(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sub := h.fundingBus.Subscribe()
	var initial []any
	if latest := h.funding.Latest(); latest != nil {
		initial = append(initial, latest)
	}
	h.stream(conn, sub, initial, func(msg map[string]any) any { return msg })
}
