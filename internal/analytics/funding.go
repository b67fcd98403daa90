// Package analytics computes the cross-sectional funding-rate signal.
//
// Every refresh interval the full market snapshot is reduced to one
// funding entry per market, z-scored across all markets that currently
// report a funding rate, and published as a self-contained snapshot.
package analytics

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"lighter-md/pkg/types"
)

// Publisher is where finished snapshots are pushed.
type Publisher interface {
	Publish(msg map[string]any)
}

// RowSource supplies the current market rows, one per known market.
type RowSource interface {
	Rows() []types.MarketRow
}

// FundingAnalytics periodically publishes cross-sectional funding
// z-score snapshots and caches the most recent one for late joiners.
type FundingAnalytics struct {
	source    RowSource
	bus       Publisher
	interval  time.Duration
	minAssets int
	logger    *slog.Logger

	mu     sync.Mutex
	latest map[string]any
}

// New creates a funding analytics task over the given row source.
func New(source RowSource, bus Publisher, interval time.Duration, minAssets int, logger *slog.Logger) *FundingAnalytics {
	if minAssets < 1 {
		minAssets = 1
	}
	return &FundingAnalytics{
		source:    source,
		bus:       bus,
		interval:  interval,
		minAssets: minAssets,
		logger:    logger.With("component", "funding_analytics"),
	}
}

// Run computes immediately, then on every interval tick until ctx is
// cancelled.
func (f *FundingAnalytics) Run(ctx context.Context) {
	for {
		f.computeAndPublish()
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.interval):
		}
	}
}

// Latest returns the most recently published snapshot payload, or nil
// if no cycle has completed yet.
func (f *FundingAnalytics) Latest() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *FundingAnalytics) computeAndPublish() {
	rows := f.source.Rows()
	snap := types.FundingSnapshot{
		TimestampMS: time.Now().UnixMilli(),
		Rows:        ComputeZScores(rows, f.minAssets),
	}
	payload := snap.ForWire()

	f.mu.Lock()
	f.latest = payload
	f.mu.Unlock()

	f.bus.Publish(payload)
	f.logger.Debug("published funding snapshot", "markets", len(snap.Rows))
}

// ComputeZScores builds one funding entry per market and z-scores the
// funding rates cross-sectionally using the population deviation.
// If fewer than minAssets markets report a rate, or the deviation is
// zero, every z-score is null; the entries are still emitted so the
// rates themselves remain visible.
//
// Entries are ordered highest z first, markets without a z-score last;
// ties break by descending open interest, then market id.
func ComputeZScores(rows []types.MarketRow, minAssets int) []types.FundingEntry {
	entries := make([]types.FundingEntry, 0, len(rows))
	var rates []float64
	for _, row := range rows {
		entries = append(entries, types.FundingEntry{
			MarketID:     row.MarketID,
			Symbol:       row.WireSymbol(),
			FundingRate:  row.FundingRate,
			OpenInterest: row.OpenInterest,
		})
		if row.FundingRate != nil {
			rates = append(rates, *row.FundingRate)
		}
	}

	if len(rates) >= minAssets {
		mean := 0.0
		for _, r := range rates {
			mean += r
		}
		mean /= float64(len(rates))

		variance := 0.0
		for _, r := range rates {
			d := r - mean
			variance += d * d
		}
		std := math.Sqrt(variance / float64(len(rates)))

		if std > 0 {
			for i := range entries {
				if entries[i].FundingRate == nil {
					continue
				}
				z := (*entries[i].FundingRate - mean) / std
				entries[i].ZScore = &z
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		zi, zj := sortZ(entries[i]), sortZ(entries[j])
		if zi != zj {
			return zi > zj
		}
		oi, oj := sortOI(entries[i]), sortOI(entries[j])
		if oi != oj {
			return oi > oj
		}
		return entries[i].MarketID < entries[j].MarketID
	})
	return entries
}

// sortZ maps a missing z-score below every real one.
func sortZ(e types.FundingEntry) float64 {
	if e.ZScore == nil {
		return math.Inf(-1)
	}
	return *e.ZScore
}

func sortOI(e types.FundingEntry) float64 {
	if e.OpenInterest == nil {
		return 0
	}
	return *e.OpenInterest
}
