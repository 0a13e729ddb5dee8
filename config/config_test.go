package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("LIVE_GRACE_PERIOD", "")
	t.Setenv("QUEUE_BACKEND", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GracePeriod != 2*time.Minute {
		t.Errorf("GracePeriod = %v, want 2m", cfg.GracePeriod)
	}
	if cfg.RaidMessageThreshold != 80 || cfg.RaidUniqueThreshold != 40 {
		t.Errorf("raid thresholds = %d/%d, want 80/40", cfg.RaidMessageThreshold, cfg.RaidUniqueThreshold)
	}
	if cfg.ModCooldown != time.Minute {
		t.Errorf("ModCooldown = %v, want 1m", cfg.ModCooldown)
	}
	if cfg.TimeoutDuration != 600*time.Second {
		t.Errorf("TimeoutDuration = %v, want 600s", cfg.TimeoutDuration)
	}
	if cfg.QueueBackend != "postgres" {
		t.Errorf("QueueBackend = %q, want postgres", cfg.QueueBackend)
	}
	if !cfg.BotReplyRequireMention {
		t.Errorf("BotReplyRequireMention should default to true")
	}
	if cfg.ManualSessionPrefix != DefaultManualPrefix {
		t.Errorf("ManualSessionPrefix = %q", cfg.ManualSessionPrefix)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", " Foo , bar,,")
	t.Setenv("POLL_INTERVAL", "10s")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("MOD_DRY_RUN", "yes")
	t.Setenv("SPAM_SIMILARITY", "0.9")
	t.Setenv("MOD_ALLOWLIST", "NightBot,streamelements")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := strings.Join(cfg.TwitchChannels, ","); got != "foo,bar" {
		t.Errorf("TwitchChannels = %q, want foo,bar", got)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("WorkerConcurrency = %d", cfg.WorkerConcurrency)
	}
	if !cfg.DryRun {
		t.Errorf("DryRun should be true")
	}
	if cfg.SpamSimilarity != 0.9 {
		t.Errorf("SpamSimilarity = %v", cfg.SpamSimilarity)
	}
	if len(cfg.ModAllowlist) != 2 || cfg.ModAllowlist[0] != "nightbot" {
		t.Errorf("ModAllowlist = %v", cfg.ModAllowlist)
	}
}

func TestLoadLegacySingleChannel(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "")
	t.Setenv("TWITCH_CHANNEL", "SoloStreamer")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.TwitchChannels) != 1 || cfg.TwitchChannels[0] != "solostreamer" {
		t.Errorf("TwitchChannels = %v", cfg.TwitchChannels)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soon")
	t.Setenv("WORKER_BATCH_SIZE", "ten")
	t.Setenv("QUEUE_BACKEND", "kafka")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for malformed values")
	}
	for _, want := range []string{"POLL_INTERVAL", "WORKER_BATCH_SIZE", "QUEUE_BACKEND"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateChatReady(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "chan")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("expected valid chat config, got %v", err)
	}
	t.Setenv("TWITCH_OAUTH_TOKEN", "")
	cfg, _ = Load()
	if err := cfg.ValidateChatReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}

func TestValidateModeration(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("TWITCH_BOT_USER_ID", "")
	cfg, _ := Load()
	if err := cfg.ValidateModeration(); err == nil {
		t.Errorf("expected error without bot user id")
	}
	t.Setenv("TWITCH_BOT_USER_ID", "999")
	cfg, _ = Load()
	if err := cfg.ValidateModeration(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
