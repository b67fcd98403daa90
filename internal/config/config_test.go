package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WSURL != DefaultWSURL {
		t.Errorf("WSURL = %q, want %q", cfg.WSURL, DefaultWSURL)
	}
	if cfg.PingInterval != 20*time.Second {
		t.Errorf("PingInterval = %v, want 20s", cfg.PingInterval)
	}
	if cfg.ReconnectBase != 500*time.Millisecond {
		t.Errorf("ReconnectBase = %v, want 500ms", cfg.ReconnectBase)
	}
	if cfg.ReconnectMax != 30*time.Second {
		t.Errorf("ReconnectMax = %v, want 30s", cfg.ReconnectMax)
	}
	if cfg.UIDebounce != 200*time.Millisecond {
		t.Errorf("UIDebounce = %v, want 200ms", cfg.UIDebounce)
	}
	if cfg.DashboardPort != 8000 {
		t.Errorf("DashboardPort = %d, want 8000", cfg.DashboardPort)
	}
	if cfg.FundingRefresh != 60*time.Second {
		t.Errorf("FundingRefresh = %v, want 60s", cfg.FundingRefresh)
	}
	if cfg.FundingMinAssets != 3 {
		t.Errorf("FundingMinAssets = %d, want 3", cfg.FundingMinAssets)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LIGHTER_WS_URL", "ws://localhost:9000/stream")
	t.Setenv("LIGHTER_UI_DEBOUNCE", "0.5")
	t.Setenv("LIGHTER_FUNDING_MIN_ASSETS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WSURL != "ws://localhost:9000/stream" {
		t.Errorf("WSURL = %q, want env override", cfg.WSURL)
	}
	if cfg.UIDebounce != 500*time.Millisecond {
		t.Errorf("UIDebounce = %v, want 500ms", cfg.UIDebounce)
	}
	if cfg.FundingMinAssets != 5 {
		t.Errorf("FundingMinAssets = %d, want 5", cfg.FundingMinAssets)
	}
}

func TestLoadBadNumericFallsBack(t *testing.T) {
	t.Setenv("LIGHTER_WS_PING_INTERVAL", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PingInterval != 20*time.Second {
		t.Errorf("PingInterval = %v, want default 20s", cfg.PingInterval)
	}
}

func TestValidateRejectsBadURL(t *testing.T) {
	t.Setenv("LIGHTER_WS_URL", "http://not-a-websocket")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-websocket URL")
	}
}

func TestValidateClampsMinAssets(t *testing.T) {
	t.Setenv("LIGHTER_FUNDING_MIN_ASSETS", "-2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FundingMinAssets != 1 {
		t.Errorf("FundingMinAssets = %d, want clamp to 1", cfg.FundingMinAssets)
	}
}
