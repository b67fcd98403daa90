// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the service: upstream WebSocket
// message payloads, the normalized per-market row, and the funding analytics
// snapshot. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Upstream message type tags.
const (
	TypeMarketStats = "update/market_stats"
	TypeOrderBook   = "update/order_book"
)

// coerceFloat interprets a JSON scalar as an optional float. Numbers pass
// through, decimal strings are parsed exactly before conversion, an empty
// string means null. Anything else is an error.
func coerceFloat(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid float value: %q", s)
		}
		f, _ := d.Float64()
		return &f, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("unsupported value for float coercion: %s", raw)
	}
	return &f, nil
}

// lenientFloat is coerceFloat with unparsable values treated as null.
// Used for stats fields, where a garbage value should not reject the record.
func lenientFloat(raw json.RawMessage) *float64 {
	v, err := coerceFloat(raw)
	if err != nil {
		return nil
	}
	return v
}

// coerceInt accepts a JSON number or numeric string.
func coerceInt(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("missing integer value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, fmt.Errorf("invalid integer value: %q", s)
		}
		return n, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("unsupported value for integer coercion: %s", raw)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, fmt.Errorf("invalid integer value: %q", n)
	}
	return int(i), nil
}

// MarketStats is one per-market statistics record from the upstream feed.
// All numeric fields are optional; the feed sends them as numbers or
// decimal strings interchangeably.
type MarketStats struct {
	MarketID              int
	IndexPrice            *float64
	MarkPrice             *float64
	OpenInterest          *float64
	LastTradePrice        *float64
	CurrentFundingRate    *float64
	FundingRate           *float64
	DailyBaseTokenVolume  *float64
	DailyQuoteTokenVolume *float64
}

// UnmarshalJSON applies lenient numeric coercion: a stats field that fails
// to parse is treated as absent rather than failing the whole record.
// A missing or invalid market_id fails the record.
func (m *MarketStats) UnmarshalJSON(data []byte) error {
	var raw struct {
		MarketID              json.RawMessage `json:"market_id"`
		IndexPrice            json.RawMessage `json:"index_price"`
		MarkPrice             json.RawMessage `json:"mark_price"`
		OpenInterest          json.RawMessage `json:"open_interest"`
		LastTradePrice        json.RawMessage `json:"last_trade_price"`
		CurrentFundingRate    json.RawMessage `json:"current_funding_rate"`
		FundingRate           json.RawMessage `json:"funding_rate"`
		DailyBaseTokenVolume  json.RawMessage `json:"daily_base_token_volume"`
		DailyQuoteTokenVolume json.RawMessage `json:"daily_quote_token_volume"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := coerceInt(raw.MarketID)
	if err != nil {
		return fmt.Errorf("market_stats: %w", err)
	}
	m.MarketID = id
	m.IndexPrice = lenientFloat(raw.IndexPrice)
	m.MarkPrice = lenientFloat(raw.MarkPrice)
	m.OpenInterest = lenientFloat(raw.OpenInterest)
	m.LastTradePrice = lenientFloat(raw.LastTradePrice)
	m.CurrentFundingRate = lenientFloat(raw.CurrentFundingRate)
	m.FundingRate = lenientFloat(raw.FundingRate)
	m.DailyBaseTokenVolume = lenientFloat(raw.DailyBaseTokenVolume)
	m.DailyQuoteTokenVolume = lenientFloat(raw.DailyQuoteTokenVolume)
	return nil
}

// EffectiveFundingRate prefers current_funding_rate over funding_rate.
func (m MarketStats) EffectiveFundingRate() *float64 {
	if m.CurrentFundingRate != nil {
		return m.CurrentFundingRate
	}
	return m.FundingRate
}

// EffectiveDailyVolume prefers the quote-token volume over the base-token one.
func (m MarketStats) EffectiveDailyVolume() *float64 {
	if m.DailyQuoteTokenVolume != nil {
		return m.DailyQuoteTokenVolume
	}
	return m.DailyBaseTokenVolume
}

// Level is a single order book price level. Price and size coercion is
// strict: a level with an unparsable or null value fails.
type Level struct {
	Price float64
	Size  float64
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var raw struct {
		Price json.RawMessage `json:"price"`
		Size  json.RawMessage `json:"size"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	price, err := coerceFloat(raw.Price)
	if err != nil {
		return err
	}
	size, err := coerceFloat(raw.Size)
	if err != nil {
		return err
	}
	if price == nil || size == nil {
		return fmt.Errorf("order level: price/size cannot be null")
	}
	l.Price = *price
	l.Size = *size
	return nil
}

// BookPayload holds the two sides of an order book update.
type BookPayload struct {
	Asks []Level `json:"asks"`
	Bids []Level `json:"bids"`
}

// StatsMessage is an update/market_stats frame carrying a single record.
// The batched per-market form used by the "all" channel is normalized into
// a stream of these by the feed manager before dispatch.
type StatsMessage struct {
	Type        string      `json:"type"`
	Channel     string      `json:"channel"`
	MarketStats MarketStats `json:"market_stats"`
}

// BookMessage is an update/order_book frame.
type BookMessage struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel"`
	OrderBook BookPayload `json:"order_book"`
}

// Message is implemented by the recognized upstream message variants.
type Message interface {
	isMessage()
}

func (*StatsMessage) isMessage() {}
func (*BookMessage) isMessage()  {}

// ParseMessage decodes a raw upstream frame into the appropriate variant,
// discriminated by the top-level "type" tag. Unknown top-level keys are
// ignored; an unknown type is an error.
func ParseMessage(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	switch envelope.Type {
	case TypeMarketStats:
		var msg StatsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	case TypeOrderBook:
		var msg BookMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, err
		}
		return &msg, nil
	default:
		return nil, fmt.Errorf("unsupported message type: %q", envelope.Type)
	}
}

// MarketRow is an immutable snapshot of one market's derived state.
// Nil fields are absent (wire null). UpdatedMS is wall clock milliseconds.
type MarketRow struct {
	MarketID     int
	Symbol       *string
	BestBidPrice *float64
	BestBidSize  *float64
	BestAskPrice *float64
	BestAskSize  *float64
	LastPrice    *float64
	MarkPrice    *float64
	IndexPrice   *float64
	MidPrice     *float64
	DailyVolume  *float64
	FundingRate  *float64
	OpenInterest *float64
	Basis        *float64
	Markout      *float64
	Spread       *float64
	UpdatedMS    int64
}

// WireSymbol returns the display symbol, defaulting to MKT-<id>.
func (r MarketRow) WireSymbol() string {
	if r.Symbol != nil {
		return *r.Symbol
	}
	return fmt.Sprintf("MKT-%d", r.MarketID)
}

func wireFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// ForWire dumps the full row as a JSON-ready map. Absent fields are
// explicit nulls so subscribers can distinguish "unknown" from "omitted".
func (r MarketRow) ForWire() map[string]any {
	return map[string]any{
		"market_id":      r.MarketID,
		"symbol":         r.WireSymbol(),
		"best_bid_price": wireFloat(r.BestBidPrice),
		"best_bid_size":  wireFloat(r.BestBidSize),
		"best_ask_price": wireFloat(r.BestAskPrice),
		"best_ask_size":  wireFloat(r.BestAskSize),
		"last_price":     wireFloat(r.LastPrice),
		"mark_price":     wireFloat(r.MarkPrice),
		"index_price":    wireFloat(r.IndexPrice),
		"mid_price":      wireFloat(r.MidPrice),
		"daily_volume":   wireFloat(r.DailyVolume),
		"funding_rate":   wireFloat(r.FundingRate),
		"open_interest":  wireFloat(r.OpenInterest),
		"basis":          wireFloat(r.Basis),
		"markout":        wireFloat(r.Markout),
		"spread":         wireFloat(r.Spread),
		"updated_ms":     r.UpdatedMS,
	}
}

// FundingEntry is one market's record inside a funding snapshot.
type FundingEntry struct {
	MarketID     int      `json:"market_id"`
	Symbol       string   `json:"symbol"`
	FundingRate  *float64 `json:"funding_rate"`
	OpenInterest *float64 `json:"open_interest"`
	ZScore       *float64 `json:"zscore"`
}

// FundingSnapshot is one cycle of the cross-sectional funding signal,
// ordered highest positive z-score first.
type FundingSnapshot struct {
	TimestampMS int64          `json:"timestamp"`
	Rows        []FundingEntry `json:"rows"`
}

// ForWire returns the tagged fan-out payload for the snapshot.
func (s FundingSnapshot) ForWire() map[string]any {
	return map[string]any{
		"type":      "snapshot",
		"timestamp": s.TimestampMS,
		"rows":      s.Rows,
	}
}
