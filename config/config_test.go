package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("TARGET_CATEGORY", "")
	t.Setenv("DB_DSN", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s default", cfg.PollInterval)
	}
	if cfg.TargetCategory != "Deadlock" {
		t.Errorf("TargetCategory = %q, want Deadlock default", cfg.TargetCategory)
	}
	if cfg.ConversationalCategory != "Just Chatting" {
		t.Errorf("ConversationalCategory = %q", cfg.ConversationalCategory)
	}
	if cfg.DedupWindow != 90*time.Second {
		t.Errorf("DedupWindow = %v, want 90s default", cfg.DedupWindow)
	}
	if cfg.DBDsn == "" {
		t.Errorf("expected default DSN, got empty")
	}
	if cfg.EventSubMaxSubs != 300 {
		t.Errorf("EventSubMaxSubs = %d, want 300", cfg.EventSubMaxSubs)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("RAID_SUPPRESS_WINDOW", "2m")
	t.Setenv("EVENTSUB_MAX_SUBSCRIPTIONS", "50")
	t.Setenv("CHAT_PRESENCE", "0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.RaidSuppressWindow != 2*time.Minute {
		t.Errorf("RaidSuppressWindow = %v, want 2m", cfg.RaidSuppressWindow)
	}
	if cfg.EventSubMaxSubs != 50 {
		t.Errorf("EventSubMaxSubs = %d, want 50", cfg.EventSubMaxSubs)
	}
	if cfg.ChatPresenceEnabled {
		t.Errorf("expected chat presence disabled")
	}
}

func TestLoadIgnoresInvalidDurations(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "not-a-duration")
	t.Setenv("DEDUP_WINDOW", "-5s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("invalid POLL_INTERVAL should fall back to default, got %v", cfg.PollInterval)
	}
	if cfg.DedupWindow != 90*time.Second {
		t.Errorf("negative DEDUP_WINDOW should fall back to default, got %v", cfg.DedupWindow)
	}
}

func TestValidateEventSubReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("EVENTSUB_CALLBACK_URL", "https://example.com/eventsub/callback")
	t.Setenv("EVENTSUB_SECRET", "shhh")
	cfg, _ := Load()
	if err := cfg.ValidateEventSubReady(); err != nil {
		t.Errorf("expected valid eventsub config, got %v", err)
	}
	t.Setenv("EVENTSUB_CALLBACK_URL", "")
	cfg, _ = Load()
	if err := cfg.ValidateEventSubReady(); err == nil {
		t.Errorf("expected error when missing EVENTSUB_CALLBACK_URL")
	}
}
