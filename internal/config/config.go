// Package config defines all runtime configuration for the market-data
// service. Every option has a default and can be overridden through a
// LIGHTER_* environment variable (e.g. LIGHTER_WS_URL, LIGHTER_UI_DEBOUNCE).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultWSURL is the upstream streaming endpoint.
const DefaultWSURL = "wss://mainnet.zklighter.elliot.ai/stream"

// Config is the top-level configuration snapshot. Constructed once in the
// composition root and passed explicitly to components.
type Config struct {
	WSURL            string        // upstream streaming endpoint
	PingInterval     time.Duration // heartbeat cadence; heartbeat timeout is this +5s
	ReconnectBase    time.Duration // initial reconnect backoff
	ReconnectMax     time.Duration // reconnect backoff ceiling
	UIDebounce       time.Duration // per-market emit throttle (floor 50ms, applied by the store)
	DashboardHost    string
	DashboardPort    int
	MetadataPath     string // market-id → symbol JSON file
	MetadataURL      string // optional REST endpoint for symbol refresh; empty = disabled
	LogLevel         string
	LogFormat        string // "text" or "json"
	FundingRefresh   time.Duration // analytics cadence
	FundingMinAssets int           // minimum non-null fundings to compute z-scores
}

// Load builds the configuration from defaults plus LIGHTER_* env overrides.
// Duration-valued keys are plain seconds on the environment (LIGHTER_UI_DEBOUNCE=0.2).
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LIGHTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ws_url", DefaultWSURL)
	v.SetDefault("ws_ping_interval", 20.0)
	v.SetDefault("ws_reconnect_base", 0.5)
	v.SetDefault("ws_reconnect_max", 30.0)
	v.SetDefault("ui_debounce", 0.2)
	v.SetDefault("dashboard_host", "0.0.0.0")
	v.SetDefault("dashboard_port", 8000)
	v.SetDefault("market_metadata", "market_metadata.json")
	v.SetDefault("metadata_url", "")
	v.SetDefault("log_level", "INFO")
	v.SetDefault("log_format", "text")
	v.SetDefault("funding_refresh_seconds", 60.0)
	v.SetDefault("funding_min_assets", 3)

	cfg := &Config{
		WSURL:            v.GetString("ws_url"),
		PingInterval:     secondsOrDefault(v, "ws_ping_interval", 20.0),
		ReconnectBase:    secondsOrDefault(v, "ws_reconnect_base", 0.5),
		ReconnectMax:     secondsOrDefault(v, "ws_reconnect_max", 30.0),
		UIDebounce:       secondsOrDefault(v, "ui_debounce", 0.2),
		DashboardHost:    v.GetString("dashboard_host"),
		DashboardPort:    intOrDefault(v, "dashboard_port", 8000),
		MetadataPath:     v.GetString("market_metadata"),
		MetadataURL:      v.GetString("metadata_url"),
		LogLevel:         v.GetString("log_level"),
		LogFormat:        v.GetString("log_format"),
		FundingRefresh:   secondsOrDefault(v, "funding_refresh_seconds", 60.0),
		FundingMinAssets: intOrDefault(v, "funding_min_assets", 3),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// secondsOrDefault reads a float seconds value, falling back to the default
// when the env value does not parse (matching the lenient env handling the
// service has always had).
func secondsOrDefault(v *viper.Viper, key string, def float64) time.Duration {
	raw := v.GetFloat64(key)
	if raw <= 0 && v.GetString(key) != "0" {
		raw = def
	}
	return time.Duration(raw * float64(time.Second))
}

func intOrDefault(v *viper.Viper, key string, def int) int {
	raw := v.GetInt(key)
	if raw == 0 && v.GetString(key) != "0" {
		return def
	}
	return raw
}

// Validate checks value ranges and normalizes clamped fields.
func (c *Config) Validate() error {
	if c.WSURL == "" {
		return fmt.Errorf("ws_url is required (set LIGHTER_WS_URL)")
	}
	if !strings.HasPrefix(c.WSURL, "ws://") && !strings.HasPrefix(c.WSURL, "wss://") {
		return fmt.Errorf("ws_url must be a ws:// or wss:// endpoint, got %q", c.WSURL)
	}
	if c.DashboardPort <= 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port must be in (0, 65535], got %d", c.DashboardPort)
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = c.ReconnectBase
	}
	if c.FundingMinAssets < 1 {
		c.FundingMinAssets = 1
	}
	if c.FundingRefresh <= 0 {
		c.FundingRefresh = 60 * time.Second
	}
	return nil
}
