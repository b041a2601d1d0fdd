package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the intake avatar service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	CORSOrigins    []string

	AvatarProvider string

	HeyGenAPIKey    string
	HeyGenAPIBase   string
	HeyGenAvatarID  string
	HeyGenVoiceRate float64
	HeyGenQuality   string

	GreetingText  string
	HandoffPhrase string

	IdleThreshold   time.Duration
	PromptCountdown time.Duration
	WatchdogTick    time.Duration
	DedupWindow     time.Duration
	VoiceFlushGrace time.Duration

	SubmissionURL     string
	SubmissionTimeout time.Duration

	DatabaseURL string
}

const (
	defaultGreeting = "Hi there! I am here to virtually help and guide you through the Disability Application form. " +
		"Each section is needed and important to move forward with your case. " +
		"When ready to begin, type or say: 'Ready to begin'."
	defaultHandoffPhrase = "start with your basic information"
)

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "michael"),
		AllowAnyOrigin:   false,
		AvatarProvider:   envOrDefault("AVATAR_PROVIDER", "auto"),
		HeyGenAPIKey:     trimSpace(os.Getenv("HEYGEN_API_KEY")),
		HeyGenAPIBase:    envOrDefault("HEYGEN_API_BASE", "https://api.heygen.com"),
		HeyGenAvatarID:   envOrDefault("HEYGEN_AVATAR_ID", "3c592a67d01344f5b1d398d169e4b7d4"),
		HeyGenQuality:    envOrDefault("HEYGEN_QUALITY", "medium"),
		HeyGenVoiceRate:  1.2,
		GreetingText:     envOrDefault("APP_GREETING_TEXT", defaultGreeting),
		HandoffPhrase:    envOrDefault("APP_HANDOFF_PHRASE", defaultHandoffPhrase),

		ShutdownTimeout:   15 * time.Second,
		IdleThreshold:     5 * time.Minute,
		PromptCountdown:   60 * time.Second,
		WatchdogTick:      time.Second,
		DedupWindow:       5 * time.Second,
		VoiceFlushGrace:   500 * time.Millisecond,
		SubmissionURL:     envOrDefault("SUBMISSION_URL", "http://localhost:3002/api/disability-appeal"),
		SubmissionTimeout: 20 * time.Second,
		DatabaseURL:       trimSpace(os.Getenv("DATABASE_URL")),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleThreshold, err = durationFromEnv("APP_IDLE_THRESHOLD", cfg.IdleThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.PromptCountdown, err = durationFromEnv("APP_PROMPT_COUNTDOWN", cfg.PromptCountdown)
	if err != nil {
		return Config{}, err
	}
	cfg.WatchdogTick, err = durationFromEnv("APP_WATCHDOG_TICK", cfg.WatchdogTick)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupWindow, err = durationFromEnv("APP_DEDUP_WINDOW", cfg.DedupWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.VoiceFlushGrace, err = durationFromEnv("APP_VOICE_FLUSH_GRACE", cfg.VoiceFlushGrace)
	if err != nil {
		return Config{}, err
	}
	cfg.SubmissionTimeout, err = durationFromEnv("SUBMISSION_TIMEOUT", cfg.SubmissionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HeyGenVoiceRate, err = floatFromEnv("HEYGEN_VOICE_RATE", cfg.HeyGenVoiceRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.CORSOrigins = listFromEnv("APP_CORS_ORIGINS")

	if cfg.IdleThreshold < 5*time.Second {
		return Config{}, fmt.Errorf("APP_IDLE_THRESHOLD must be at least 5s")
	}
	if cfg.PromptCountdown < time.Second {
		return Config{}, fmt.Errorf("APP_PROMPT_COUNTDOWN must be at least 1s")
	}
	if cfg.WatchdogTick <= 0 {
		return Config{}, fmt.Errorf("APP_WATCHDOG_TICK must be positive")
	}
	if cfg.DedupWindow <= 0 {
		return Config{}, fmt.Errorf("APP_DEDUP_WINDOW must be positive")
	}
	if cfg.HeyGenVoiceRate < 0.5 || cfg.HeyGenVoiceRate > 1.5 {
		return Config{}, fmt.Errorf("HEYGEN_VOICE_RATE must be between 0.5 and 1.5")
	}
	if trimSpace(cfg.HandoffPhrase) == "" {
		return Config{}, fmt.Errorf("APP_HANDOFF_PHRASE must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := trimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s parse error: %w", key, err)
	}
	return b, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func listFromEnv(key string) []string {
	v := trimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = trimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
