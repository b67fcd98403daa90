// manager.go coordinates the upstream client, the market store, and the
// subscription set.
//
// Markets are discovered from the market_stats/all channel: the first
// sighting of a market id enqueues a per-market order_book subscription.
// The set of known markets only grows, and the on-connect hook replays the
// full subscription set in market-id order on every new session.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"lighter-md/internal/config"
	"lighter-md/internal/store"
	"lighter-md/pkg/types"
)

// outboundQueueSize bounds the control-message queue toward the venue.
const outboundQueueSize = 1024

// ChannelAllStats is the batched stats channel subscribed on every session.
const ChannelAllStats = "market_stats/all"

// subscribeRequest is the only control message sent upstream.
type subscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

func subscribeTo(channel string) subscribeRequest {
	return subscribeRequest{Type: "subscribe", Channel: channel}
}

// Manager owns the store, the outbound queue, and the client task.
type Manager struct {
	store    *store.Store
	outbound chan any
	client   *Client
	logger   *slog.Logger

	mu    sync.Mutex
	known map[int]struct{}

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager wires a manager for the configured upstream endpoint.
func NewManager(cfg *config.Config, st *store.Store, logger *slog.Logger) *Manager {
	m := &Manager{
		store:    st,
		outbound: make(chan any, outboundQueueSize),
		known:    make(map[int]struct{}),
		logger:   logger.With("component", "ws_manager"),
	}
	m.client = NewClient(ClientOptions{
		URL:           cfg.WSURL,
		PingInterval:  cfg.PingInterval,
		ReconnectBase: cfg.ReconnectBase,
		ReconnectMax:  cfg.ReconnectMax,
	}, m.outbound, m.onConnect, m.onMessage, logger)
	return m
}

// Store returns the manager's market store.
func (m *Manager) Store() *store.Store { return m.store }

// Start launches the client task. Calling Start on a running manager is a no-op.
func (m *Manager) Start() {
	if m.running.Load() {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running.Store(true)

	go func() {
		defer close(m.done)
		defer m.running.Store(false)
		m.client.Run(ctx)
	}()
}

// Stop cancels the client task, waits for it to exit, and closes the store
// (abandoning any pending debounce flushes).
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	m.store.Close()
}

// IsRunning reports whether the upstream-client task is live.
func (m *Manager) IsRunning() bool { return m.running.Load() }

// onConnect builds the deterministic subscription replay for a new session:
// the batched stats channel first, then per-market book channels in id order.
func (m *Manager) onConnect() []any {
	m.mu.Lock()
	ids := make([]int, 0, len(m.known))
	for id := range m.known {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Ints(ids)

	m.logger.Info("subscribing", "channels", len(ids)+1)
	messages := make([]any, 0, len(ids)+1)
	messages = append(messages, subscribeTo(ChannelAllStats))
	for _, id := range ids {
		messages = append(messages, subscribeTo(fmt.Sprintf("order_book/%d", id)))
	}
	return messages
}

// onMessage routes one decoded upstream frame. The batched stats form (a
// market_stats object without a market_id) is normalized into individual
// records; everything else goes through the strict parser. Invalid frames
// are dropped with a debug log.
func (m *Manager) onMessage(data []byte) {
	var envelope struct {
		Type        string          `json:"type"`
		Channel     string          `json:"channel"`
		MarketStats json.RawMessage `json:"market_stats"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		m.logger.Debug("dropping undecodable message", "error", err)
		return
	}

	if envelope.Type == types.TypeMarketStats {
		var batch map[string]json.RawMessage
		if json.Unmarshal(envelope.MarketStats, &batch) == nil {
			if _, single := batch["market_id"]; !single {
				m.handleStatsBatch(envelope.Channel, batch)
				return
			}
		}
	}

	msg, err := types.ParseMessage(data)
	if err != nil {
		m.logger.Debug("dropping invalid message", "error", err)
		return
	}
	switch v := msg.(type) {
	case *types.StatsMessage:
		m.handleStats(v)
	case *types.BookMessage:
		m.store.ApplyOrderBook(v)
	}
}

// handleStats merges one stats record and subscribes to the market's book
// channel on first sighting.
func (m *Manager) handleStats(msg *types.StatsMessage) {
	marketID := msg.MarketStats.MarketID

	m.mu.Lock()
	_, seen := m.known[marketID]
	if !seen {
		m.known[marketID] = struct{}{}
	}
	m.mu.Unlock()

	m.store.ApplyMarketStats(msg)

	if !seen {
		m.enqueue(subscribeTo(fmt.Sprintf("order_book/%d", marketID)))
		m.logger.Info("discovered market", "market_id", marketID)
	}
}

// handleStatsBatch applies each record of a batched stats container,
// skipping invalid entries individually.
func (m *Manager) handleStatsBatch(channel string, batch map[string]json.RawMessage) {
	if channel == "" {
		channel = "market_stats:all"
	}
	for key, raw := range batch {
		var stats types.MarketStats
		if err := json.Unmarshal(raw, &stats); err != nil {
			m.logger.Debug("skipping invalid stats entry", "key", key, "error", err)
			continue
		}
		m.handleStats(&types.StatsMessage{
			Type:        types.TypeMarketStats,
			Channel:     channel,
			MarketStats: stats,
		})
	}
}

// enqueue pushes a control message toward the sender without blocking the
// dispatch path; on overflow the subscription replay restores intent on
// the next session.
func (m *Manager) enqueue(msg any) {
	select {
	case m.outbound <- msg:
	default:
		m.logger.Warn("outbound queue full, dropping control message")
	}
}
