package store

import (
	"math"
	"sync"
	"testing"
	"time"

	"lighter-md/pkg/types"
)

// recordingBus captures published payloads for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []map[string]any
}

func (b *recordingBus) Publish(msg map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, msg)
}

func (b *recordingBus) snapshot() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.events...)
}

// newTestStore disables the debounce window so every merge emits
// synchronously.
func newTestStore(bus Publisher, symbols map[int]string) *Store {
	s := New(bus, 0, symbols)
	s.debounce = 0
	return s
}

func statsMsg(t *testing.T, payload string) *types.StatsMessage {
	t.Helper()
	msg, err := types.ParseMessage([]byte(payload))
	if err != nil {
		t.Fatalf("parse stats message: %v", err)
	}
	return msg.(*types.StatsMessage)
}

func bookMsg(t *testing.T, payload string) *types.BookMessage {
	t.Helper()
	msg, err := types.ParseMessage([]byte(payload))
	if err != nil {
		t.Fatalf("parse book message: %v", err)
	}
	return msg.(*types.BookMessage)
}

func wantFloat(t *testing.T, event map[string]any, field string, want float64) {
	t.Helper()
	got, ok := event[field].(float64)
	if !ok {
		t.Fatalf("%s = %v (%T), want float", field, event[field], event[field])
	}
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}

func TestStatsPreferQuoteVolumeAndCurrentFunding(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, nil)
	defer s.Close()

	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:1",
		"market_stats": {
			"market_id": 1,
			"last_trade_price": "100.12",
			"mark_price": "100.10",
			"index_price": "100.05",
			"open_interest": "2500",
			"current_funding_rate": "0.0042",
			"funding_rate": "0.0022",
			"daily_base_token_volume": "12.3",
			"daily_quote_token_volume": "98765.4"
		}
	}`))

	events := bus.snapshot()
	if len(events) == 0 {
		t.Fatal("expected publish event")
	}
	event := events[len(events)-1]
	if event["market_id"] != 1 {
		t.Errorf("market_id = %v, want 1", event["market_id"])
	}
	wantFloat(t, event, "daily_volume", 98765.4)
	wantFloat(t, event, "funding_rate", 0.0042)
	wantFloat(t, event, "basis", 0.05)
}

func TestOrderBookTopOfBookAndSpread(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, nil)
	defer s.Close()

	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:5",
		"market_stats": {"market_id": 5, "last_trade_price": "110.10"}
	}`))

	s.ApplyOrderBook(bookMsg(t, `{
		"type": "update/order_book",
		"channel": "order_book/5",
		"order_book": {
			"asks": [{"price": "110.5", "size": "3.2"}, {"price": "111.0", "size": "1.1"}],
			"bids": [{"price": "108.9", "size": "4.0"}, {"price": "109.2", "size": "2.5"}]
		}
	}`))

	events := bus.snapshot()
	if len(events) < 2 {
		t.Fatalf("expected stats + book emissions, got %d", len(events))
	}
	event := events[len(events)-1]
	wantFloat(t, event, "best_ask_price", 110.5)
	wantFloat(t, event, "best_bid_price", 109.2)
	mid := (110.5 + 109.2) / 2
	wantFloat(t, event, "mid_price", mid)
	wantFloat(t, event, "spread", (110.5-109.2)/mid*10_000)
	wantFloat(t, event, "markout", mid-110.10)
}

func TestOrderBookDerivationScenario(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, nil)
	defer s.Close()

	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:9",
		"market_stats": {"market_id": 9, "last_trade_price": "50.5"}
	}`))
	row := s.ApplyOrderBook(bookMsg(t, `{
		"type": "update/order_book",
		"channel": "order_book:9",
		"order_book": {
			"asks": [{"price": "51", "size": "1"}],
			"bids": [{"price": "49.5", "size": "2"}]
		}
	}`))
	if row == nil {
		t.Fatal("expected merged row")
	}
	if row.MidPrice == nil || *row.MidPrice != 50.25 {
		t.Errorf("MidPrice = %v, want 50.25", row.MidPrice)
	}
	if row.Spread == nil || math.Abs(*row.Spread-1.5/50.25*10_000) > 1e-6 {
		t.Errorf("Spread = %v, want about 298.507", row.Spread)
	}
	if row.Markout == nil || math.Abs(*row.Markout-(-0.25)) > 1e-9 {
		t.Errorf("Markout = %v, want -0.25", row.Markout)
	}
}

func TestRedundantStatsDoNotPublish(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, nil)
	defer s.Close()

	payload := `{
		"type": "update/market_stats",
		"channel": "market_stats:99",
		"market_stats": {"market_id": 99, "last_trade_price": "10.0"}
	}`
	s.ApplyMarketStats(statsMsg(t, payload))
	first := len(bus.snapshot())

	if row := s.ApplyMarketStats(statsMsg(t, payload)); row != nil {
		t.Errorf("second identical merge returned %+v, want nil", row)
	}
	if got := len(bus.snapshot()); got != first {
		t.Errorf("events = %d, want %d (no republish)", got, first)
	}
}

func TestNullStatsFieldIsSticky(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, nil)
	defer s.Close()

	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:4",
		"market_stats": {"market_id": 4, "mark_price": "20.5", "index_price": "20.0"}
	}`))
	row := s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:4",
		"market_stats": {"market_id": 4, "last_trade_price": "20.4"}
	}`))
	if row == nil {
		t.Fatal("expected merged row")
	}
	if row.MarkPrice == nil || *row.MarkPrice != 20.5 {
		t.Errorf("MarkPrice = %v, want sticky 20.5", row.MarkPrice)
	}
	if row.Basis == nil || math.Abs(*row.Basis-0.5) > 1e-9 {
		t.Errorf("Basis = %v, want 0.5", row.Basis)
	}
}

func TestEmptyBookSideClearsDerivedFields(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, nil)
	defer s.Close()

	s.ApplyOrderBook(bookMsg(t, `{
		"type": "update/order_book",
		"channel": "order_book/3",
		"order_book": {
			"asks": [{"price": "11", "size": "1"}],
			"bids": [{"price": "10", "size": "1"}]
		}
	}`))
	row := s.ApplyOrderBook(bookMsg(t, `{
		"type": "update/order_book",
		"channel": "order_book/3",
		"order_book": {"asks": [{"price": "11", "size": "1"}], "bids": []}
	}`))
	if row == nil {
		t.Fatal("expected merged row")
	}
	if row.BestBidPrice != nil || row.BestBidSize != nil {
		t.Errorf("best bid = %v/%v, want cleared", row.BestBidPrice, row.BestBidSize)
	}
	if row.MidPrice != nil || row.Spread != nil {
		t.Errorf("mid/spread = %v/%v, want cleared", row.MidPrice, row.Spread)
	}
}

func TestExtractMarketID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		channel string
		want    int
		ok      bool
	}{
		{"order_book:7", 7, true},
		{"order_book/7", 7, true},
		{"something-7", 7, true},
		{"order_book/123", 123, true},
		{"order_book/", 0, false},
		{"order_book", 0, false},
	}
	for _, tt := range tests {
		got, ok := ExtractMarketID(tt.channel)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ExtractMarketID(%q) = (%d, %v), want (%d, %v)", tt.channel, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSnapshotOrdering(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, nil)
	defer s.Close()

	apply := func(id int, body string) {
		s.ApplyMarketStats(statsMsg(t, `{
			"type": "update/market_stats",
			"channel": "market_stats:all",
			"market_stats": `+body+`
		}`))
	}
	apply(1, `{"market_id": 1}`)
	apply(2, `{"market_id": 2, "open_interest": "100"}`)
	apply(3, `{"market_id": 3, "open_interest": "300"}`)
	apply(4, `{"market_id": 4}`)

	snap := s.Snapshot()
	gotOrder := make([]int, len(snap))
	for i, row := range snap {
		gotOrder[i] = row["market_id"].(int)
	}
	wantOrder := []int{3, 2, 1, 4}
	for i := range wantOrder {
		if gotOrder[i] != wantOrder[i] {
			t.Fatalf("snapshot order = %v, want %v", gotOrder, wantOrder)
		}
	}
}

func TestSeedEmitDefaultsSymbolAndMetadata(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, map[int]string{8: "BTC-PERP"})
	defer s.Close()

	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:8",
		"market_stats": {"market_id": 8}
	}`))
	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:12",
		"market_stats": {"market_id": 12}
	}`))

	events := bus.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 seed emissions", len(events))
	}
	if events[0]["symbol"] != "BTC-PERP" {
		t.Errorf("symbol = %v, want BTC-PERP from metadata", events[0]["symbol"])
	}
	if events[1]["symbol"] != "MKT-12" {
		t.Errorf("symbol = %v, want MKT-12 default", events[1]["symbol"])
	}
	// Seed events carry the full row, absent fields as nulls.
	if _, present := events[0]["mid_price"]; !present {
		t.Error("seed event missing mid_price key")
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := New(bus, 0, nil) // floor applies: 50ms window
	defer s.Close()

	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:6",
		"market_stats": {"market_id": 6, "last_trade_price": "1.0"}
	}`))
	// Burst within the window: both mutations coalesce into one emission
	// carrying the final value.
	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:6",
		"market_stats": {"market_id": 6, "last_trade_price": "2.0"}
	}`))
	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:6",
		"market_stats": {"market_id": 6, "last_trade_price": "3.0"}
	}`))

	if got := len(bus.snapshot()); got != 1 {
		t.Fatalf("events before flush = %d, want 1 (seed only)", got)
	}

	deadline := time.Now().Add(time.Second)
	for len(bus.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	events := bus.snapshot()
	if len(events) != 2 {
		t.Fatalf("events after flush = %d, want 2", len(events))
	}
	wantFloat(t, events[1], "last_price", 3.0)
	if _, present := events[1]["best_bid_price"]; present {
		t.Error("coalesced update should be sparse, best_bid_price never changed")
	}
}

func TestCloseCancelsPendingFlush(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := New(bus, 0, nil)

	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:2",
		"market_stats": {"market_id": 2, "last_trade_price": "1.0"}
	}`))
	s.ApplyMarketStats(statsMsg(t, `{
		"type": "update/market_stats",
		"channel": "market_stats:2",
		"market_stats": {"market_id": 2, "last_trade_price": "2.0"}
	}`))
	before := len(bus.snapshot())
	s.Close()

	time.Sleep(80 * time.Millisecond)
	if got := len(bus.snapshot()); got != before {
		t.Errorf("events after close = %d, want %d (pending flush abandoned)", got, before)
	}
}

func TestUnidentifiableChannelIsNoOp(t *testing.T) {
	t.Parallel()

	bus := &recordingBus{}
	s := newTestStore(bus, nil)
	defer s.Close()

	row := s.ApplyOrderBook(bookMsg(t, `{
		"type": "update/order_book",
		"channel": "order_book/",
		"order_book": {"asks": [], "bids": []}
	}`))
	if row != nil {
		t.Errorf("got row %+v, want nil", row)
	}
	if len(bus.snapshot()) != 0 {
		t.Error("unexpected publish for unidentifiable channel")
	}
}
