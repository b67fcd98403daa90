// Package metadata resolves market ids to human-readable symbols.
//
// The primary source is a local JSON file shaped {"<market_id>": "<symbol>"}.
// Optionally a REST endpoint serving the same shape can be polled once at
// startup to refresh the map (LIGHTER_METADATA_URL). Both sources are
// lenient: non-integer keys and non-string values are skipped, and a
// missing or unreadable source degrades to an empty map.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// parseSymbolMap decodes the id → symbol object, skipping invalid entries.
func parseSymbolMap(data []byte) (map[int]string, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	result := make(map[int]string, len(raw))
	for key, value := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		symbol, ok := value.(string)
		if !ok || symbol == "" {
			continue
		}
		result[id] = symbol
	}
	return result, nil
}

// LoadFile reads the symbol map from disk. Any failure yields an empty map.
func LoadFile(path string) map[int]string {
	if path == "" {
		return map[int]string{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return map[int]string{}
	}
	symbols, err := parseSymbolMap(data)
	if err != nil {
		return map[int]string{}
	}
	return symbols
}

// Client fetches the symbol map from a REST endpoint.
type Client struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

// NewClient creates a metadata client for the given endpoint URL.
func NewClient(url string, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Client{
		http:   httpClient,
		url:    url,
		logger: logger.With("component", "metadata"),
	}
}

// FetchSymbols retrieves the id → symbol map from the endpoint.
func (c *Client) FetchSymbols(ctx context.Context) (map[int]string, error) {
	resp, err := c.http.R().SetContext(ctx).Get(c.url)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch metadata: status %d", resp.StatusCode())
	}
	symbols, err := parseSymbolMap(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return symbols, nil
}

// Resolve merges the optional REST source over the file map. Fetch failure
// degrades to the file map with a warning; it never fails startup.
func Resolve(ctx context.Context, path, url string, logger *slog.Logger) map[int]string {
	symbols := LoadFile(path)
	if url == "" {
		return symbols
	}
	fetched, err := NewClient(url, logger).FetchSymbols(ctx)
	if err != nil {
		logger.Warn("metadata fetch failed, using file map", "url", url, "error", err)
		return symbols
	}
	for id, symbol := range fetched {
		symbols[id] = symbol
	}
	logger.Info("metadata refreshed", "symbols", len(symbols))
	return symbols
}
