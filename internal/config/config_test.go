package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.IdleThreshold != 5*time.Minute {
		t.Fatalf("IdleThreshold = %v, want 5m", cfg.IdleThreshold)
	}
	if cfg.PromptCountdown != 60*time.Second {
		t.Fatalf("PromptCountdown = %v, want 60s", cfg.PromptCountdown)
	}
	if cfg.WatchdogTick != time.Second {
		t.Fatalf("WatchdogTick = %v, want 1s", cfg.WatchdogTick)
	}
	if cfg.HandoffPhrase != defaultHandoffPhrase {
		t.Fatalf("HandoffPhrase = %q, want default", cfg.HandoffPhrase)
	}
	if cfg.AvatarProvider != "auto" {
		t.Fatalf("AvatarProvider = %q, want %q", cfg.AvatarProvider, "auto")
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_IDLE_THRESHOLD", "30s")
	t.Setenv("APP_PROMPT_COUNTDOWN", "10s")
	t.Setenv("APP_CORS_ORIGINS", "https://linerlegal.com, https://intake.linerlegal.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.IdleThreshold != 30*time.Second {
		t.Fatalf("IdleThreshold = %v, want 30s", cfg.IdleThreshold)
	}
	if cfg.PromptCountdown != 10*time.Second {
		t.Fatalf("PromptCountdown = %v, want 10s", cfg.PromptCountdown)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://intake.linerlegal.com" {
		t.Fatalf("CORSOrigins = %v, want two trimmed origins", cfg.CORSOrigins)
	}
}

func TestLoadRejectsTinyIdleThreshold(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_IDLE_THRESHOLD", "1s")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() should reject APP_IDLE_THRESHOLD below 5s")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_CORS_ORIGINS",
		"APP_GREETING_TEXT",
		"APP_HANDOFF_PHRASE",
		"APP_IDLE_THRESHOLD",
		"APP_PROMPT_COUNTDOWN",
		"APP_WATCHDOG_TICK",
		"APP_DEDUP_WINDOW",
		"APP_VOICE_FLUSH_GRACE",
		"AVATAR_PROVIDER",
		"HEYGEN_API_KEY",
		"HEYGEN_API_BASE",
		"HEYGEN_AVATAR_ID",
		"HEYGEN_QUALITY",
		"HEYGEN_VOICE_RATE",
		"SUBMISSION_URL",
		"SUBMISSION_TIMEOUT",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
