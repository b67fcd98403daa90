// Package store holds the normalized per-market state.
//
// Incoming stats and order-book messages are merged into immutable MarketRow
// snapshots: stats-derived primitives are sticky (an absent incoming value
// never clears a stored one) while book-derived fields are cleared when the
// incoming side is empty. Composite fields (mid, spread, basis, markout) are
// recomputed on every merge. Emissions toward the bus are debounced per
// market: bursts of changes within the debounce window coalesce into one
// sparse update carrying the latest value of every field that changed.
package store

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"lighter-md/pkg/types"
)

// MinDebounce is the floor applied to the configured emit throttle.
const MinDebounce = 50 * time.Millisecond

// Publisher is the outbound side of the store; satisfied by *bus.Bus.
type Publisher interface {
	Publish(msg map[string]any)
}

// allFields is every wire field of a MarketRow, used to seed the changed
// set when a market is seen for the first time.
var allFields = []string{
	"market_id", "symbol",
	"best_bid_price", "best_bid_size", "best_ask_price", "best_ask_size",
	"last_price", "mark_price", "index_price", "mid_price",
	"daily_volume", "funding_rate", "open_interest",
	"basis", "markout", "spread", "updated_ms",
}

var channelIDPattern = regexp.MustCompile(`(\d+)$`)

// ExtractMarketID pulls the trailing integer out of a channel name:
// "order_book:7" and "order_book/7" both yield 7. Returns false when the
// channel does not end in digits.
func ExtractMarketID(channel string) (int, bool) {
	match := channelIDPattern.FindStringSubmatch(channel)
	if match == nil {
		return 0, false
	}
	id, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}
	return id, true
}

// pendingUpdate stages the latest row and the union of changed field names
// since the last emission for one market.
type pendingUpdate struct {
	row    types.MarketRow
	fields map[string]struct{}
}

// Store is the mutable in-memory per-market state with debounced publishes.
type Store struct {
	mu          sync.Mutex
	bus         Publisher
	rows        map[int]types.MarketRow
	debounce    time.Duration
	lastPublish map[int]time.Time
	pending     map[int]*pendingUpdate
	flushTimers map[int]*time.Timer
	symbols     map[int]string
	closed      bool
}

// New creates a store publishing to bus. The debounce interval is floored
// at MinDebounce; symbols maps market ids to display symbols (may be nil).
func New(bus Publisher, debounce time.Duration, symbols map[int]string) *Store {
	if debounce < MinDebounce {
		debounce = MinDebounce
	}
	if symbols == nil {
		symbols = map[int]string{}
	}
	return &Store{
		bus:         bus,
		rows:        make(map[int]types.MarketRow),
		debounce:    debounce,
		lastPublish: make(map[int]time.Time),
		pending:     make(map[int]*pendingUpdate),
		flushTimers: make(map[int]*time.Timer),
		symbols:     symbols,
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// almostEqual matches the merge tolerance: relative 1e-9 AND absolute 1e-9.
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= math.Max(1e-9*math.Max(math.Abs(a), math.Abs(b)), 1e-9)
}

// setOptional assigns value (possibly nil) into slot, recording field in
// changed when the value transitions present/absent or moves past tolerance.
func setOptional(slot **float64, value *float64, field string, changed map[string]struct{}) {
	current := *slot
	if value == nil {
		if current != nil {
			*slot = nil
			changed[field] = struct{}{}
		}
		return
	}
	if current == nil || !almostEqual(*current, *value) {
		v := *value
		*slot = &v
		changed[field] = struct{}{}
	}
}

// setSticky is setOptional for stats primitives: a nil incoming value
// leaves the stored one untouched.
func setSticky(slot **float64, value *float64, field string, changed map[string]struct{}) {
	if value == nil {
		return
	}
	setOptional(slot, value, field, changed)
}

func calcBasis(row types.MarketRow) *float64 {
	if row.MarkPrice == nil || row.IndexPrice == nil {
		return nil
	}
	v := *row.MarkPrice - *row.IndexPrice
	return &v
}

func calcMarkout(row types.MarketRow) *float64 {
	if row.MidPrice == nil || row.LastPrice == nil {
		return nil
	}
	v := *row.MidPrice - *row.LastPrice
	return &v
}

func (s *Store) freshRow(marketID int) types.MarketRow {
	row := types.MarketRow{MarketID: marketID, UpdatedMS: nowMS()}
	if symbol, ok := s.symbols[marketID]; ok {
		row.Symbol = &symbol
	}
	return row
}

// ApplyMarketStats merges one stats record. Returns the new row, or nil if
// nothing changed (no emission occurs in that case).
func (s *Store) ApplyMarketStats(msg *types.StatsMessage) *types.MarketRow {
	stats := msg.MarketStats

	s.mu.Lock()
	row, exists := s.rows[stats.MarketID]
	if !exists {
		row = s.freshRow(stats.MarketID)
	}
	changed := make(map[string]struct{})
	setSticky(&row.LastPrice, stats.LastTradePrice, "last_price", changed)
	setSticky(&row.MarkPrice, stats.MarkPrice, "mark_price", changed)
	setSticky(&row.IndexPrice, stats.IndexPrice, "index_price", changed)
	setSticky(&row.OpenInterest, stats.OpenInterest, "open_interest", changed)
	setSticky(&row.FundingRate, stats.EffectiveFundingRate(), "funding_rate", changed)
	setSticky(&row.DailyVolume, stats.EffectiveDailyVolume(), "daily_volume", changed)
	setOptional(&row.Basis, calcBasis(row), "basis", changed)
	setOptional(&row.Markout, calcMarkout(row), "markout", changed)

	return s.commitLocked(row, exists, changed)
}

// ApplyOrderBook merges one order-book update. The market id comes from the
// trailing integer of the channel name; an unidentifiable channel is a no-op.
func (s *Store) ApplyOrderBook(msg *types.BookMessage) *types.MarketRow {
	marketID, ok := ExtractMarketID(msg.Channel)
	if !ok {
		return nil
	}

	bestAsk := bestLevel(msg.OrderBook.Asks, false)
	bestBid := bestLevel(msg.OrderBook.Bids, true)

	s.mu.Lock()
	row, exists := s.rows[marketID]
	if !exists {
		row = s.freshRow(marketID)
	}
	changed := make(map[string]struct{})
	setLevel(&row.BestAskPrice, &row.BestAskSize, bestAsk, "best_ask_price", "best_ask_size", changed)
	setLevel(&row.BestBidPrice, &row.BestBidSize, bestBid, "best_bid_price", "best_bid_size", changed)

	var mid, spread *float64
	if bestAsk != nil && bestBid != nil {
		m := (bestAsk.Price + bestBid.Price) / 2
		mid = &m
		if m != 0 {
			bps := (bestAsk.Price - bestBid.Price) / m * 10_000
			spread = &bps
		}
	}
	setOptional(&row.MidPrice, mid, "mid_price", changed)
	setOptional(&row.Spread, spread, "spread", changed)
	setOptional(&row.Markout, calcMarkout(row), "markout", changed)

	return s.commitLocked(row, exists, changed)
}

// bestLevel picks the top of one side: highest price for bids, lowest for asks.
func bestLevel(levels []types.Level, bids bool) *types.Level {
	if len(levels) == 0 {
		return nil
	}
	best := levels[0]
	for _, level := range levels[1:] {
		if (bids && level.Price > best.Price) || (!bids && level.Price < best.Price) {
			best = level
		}
	}
	return &best
}

// setLevel assigns a price/size pair, clearing both when the side is empty.
func setLevel(priceSlot, sizeSlot **float64, level *types.Level, priceField, sizeField string, changed map[string]struct{}) {
	if level == nil {
		setOptional(priceSlot, nil, priceField, changed)
		setOptional(sizeSlot, nil, sizeField, changed)
		return
	}
	setOptional(priceSlot, &level.Price, priceField, changed)
	setOptional(sizeSlot, &level.Size, sizeField, changed)
}

// commitLocked finishes a merge started under the lock: records the row,
// stages the update, and releases the lock before any bus publish.
func (s *Store) commitLocked(row types.MarketRow, existed bool, changed map[string]struct{}) *types.MarketRow {
	if !existed {
		// Seed event: a first sighting reports every field.
		for _, field := range allFields {
			changed[field] = struct{}{}
		}
	}
	if len(changed) == 0 {
		s.mu.Unlock()
		return nil
	}
	row.UpdatedMS = nowMS()
	changed["updated_ms"] = struct{}{}
	s.rows[row.MarketID] = row
	payload := s.stagePublishLocked(row, changed)
	s.mu.Unlock()

	if payload != nil {
		s.bus.Publish(payload)
	}
	return &row
}

// stagePublishLocked folds the changed set into the market's pending cell
// and either emits immediately (debounce window already elapsed) or leaves
// a single flush timer armed. Returns the payload to publish, if any.
func (s *Store) stagePublishLocked(row types.MarketRow, changed map[string]struct{}) map[string]any {
	marketID := row.MarketID
	changed["market_id"] = struct{}{}
	cell := s.pending[marketID]
	if cell == nil {
		cell = &pendingUpdate{fields: make(map[string]struct{})}
		s.pending[marketID] = cell
	}
	cell.row = row
	for field := range changed {
		cell.fields[field] = struct{}{}
	}

	now := time.Now()
	if now.Sub(s.lastPublish[marketID]) >= s.debounce {
		return s.emitLocked(marketID, now)
	}
	if _, armed := s.flushTimers[marketID]; !armed {
		delay := s.debounce - now.Sub(s.lastPublish[marketID])
		s.flushTimers[marketID] = time.AfterFunc(delay, func() { s.flush(marketID) })
	}
	return nil
}

// emitLocked drains the pending cell into a sparse update containing only
// the accumulated changed fields, valued from the latest row.
func (s *Store) emitLocked(marketID int, now time.Time) map[string]any {
	cell := s.pending[marketID]
	if cell == nil {
		return nil
	}
	delete(s.pending, marketID)
	s.lastPublish[marketID] = now

	wire := cell.row.ForWire()
	update := make(map[string]any, len(cell.fields))
	for field := range cell.fields {
		if value, ok := wire[field]; ok {
			update[field] = value
		}
	}
	return update
}

// flush is the debounce-expiry path, run on the timer goroutine.
func (s *Store) flush(marketID int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.flushTimers, marketID)
	payload := s.emitLocked(marketID, time.Now())
	s.mu.Unlock()

	if payload != nil {
		s.bus.Publish(payload)
	}
}

// rowLess orders rows for snapshots: known open interest first by
// descending OI, unknowns last by ascending market id.
func rowLess(a, b types.MarketRow) bool {
	switch {
	case a.OpenInterest != nil && b.OpenInterest == nil:
		return true
	case a.OpenInterest == nil && b.OpenInterest != nil:
		return false
	case a.OpenInterest != nil && b.OpenInterest != nil && *a.OpenInterest != *b.OpenInterest:
		return *a.OpenInterest > *b.OpenInterest
	default:
		return a.MarketID < b.MarketID
	}
}

// Rows returns all rows in snapshot order.
func (s *Store) Rows() []types.MarketRow {
	s.mu.Lock()
	rows := make([]types.MarketRow, 0, len(s.rows))
	for _, row := range s.rows {
		rows = append(rows, row)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rowLess(rows[i], rows[j]) })
	return rows
}

// Snapshot returns the full-row wire dump used to bootstrap subscribers.
func (s *Store) Snapshot() []map[string]any {
	rows := s.Rows()
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = row.ForWire()
	}
	return out
}

// MarketIDs returns the ids of all known markets, unordered.
func (s *Store) MarketIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int, 0, len(s.rows))
	for id := range s.rows {
		ids = append(ids, id)
	}
	return ids
}

// Close cancels pending flush timers. Their staged partial updates are
// lost; the next session seeds a full snapshot for every known market.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.flushTimers {
		timer.Stop()
		delete(s.flushTimers, id)
	}
}
