package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/linerlegal/michael/internal/avatar"
	"github.com/linerlegal/michael/internal/config"
	"github.com/linerlegal/michael/internal/conversation"
	"github.com/linerlegal/michael/internal/draft"
	"github.com/linerlegal/michael/internal/httpapi"
	"github.com/linerlegal/michael/internal/observability"
	"github.com/linerlegal/michael/internal/submission"
)

// staticToken satisfies the token fetcher when the mock avatar provider is
// active and no upstream token service exists.
type staticToken struct{}

func (staticToken) Fetch(context.Context) (string, error) { return "mock-token", nil }

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	draftStore, err := draft.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("draft store init failed: %v", err)
	}
	defer draftStore.Close()

	var (
		provider avatar.Provider
		tokens   conversation.TokenFetcher
		resolved string
	)

	avatarMode := strings.ToLower(strings.TrimSpace(cfg.AvatarProvider))
	if avatarMode == "" {
		avatarMode = "auto"
	}

	tryHeyGen := func() bool {
		if strings.TrimSpace(cfg.HeyGenAPIKey) == "" {
			return false
		}
		provider = avatar.NewHeyGenProvider(avatar.HeyGenConfig{APIBase: cfg.HeyGenAPIBase})
		tokens = avatar.NewTokenClient(cfg.HeyGenAPIBase, cfg.HeyGenAPIKey)
		resolved = "heygen"
		log.Printf("avatar provider: heygen streaming")
		return true
	}

	switch avatarMode {
	case "heygen":
		if !tryHeyGen() {
			log.Fatalf("AVATAR_PROVIDER=heygen but HEYGEN_API_KEY is not set")
		}
	case "mock":
		provider = avatar.NewMockProvider()
		tokens = staticToken{}
		resolved = "mock"
		log.Printf("avatar provider: mock")
	case "auto":
		if tryHeyGen() {
			break
		}
		provider = avatar.NewMockProvider()
		tokens = staticToken{}
		resolved = "mock"
		log.Printf("avatar provider: mock (no heygen key)")
	default:
		log.Fatalf("invalid AVATAR_PROVIDER: %q (expected auto|heygen|mock)", cfg.AvatarProvider)
	}
	cfg.AvatarProvider = resolved

	submitter := submission.NewClient(cfg.SubmissionURL, cfg.SubmissionTimeout)

	engine := conversation.NewEngine(provider, tokens, submitter, metrics, conversation.Settings{
		Greeting:        cfg.GreetingText,
		HandoffPhrase:   cfg.HandoffPhrase,
		IdleThreshold:   cfg.IdleThreshold,
		PromptCountdown: cfg.PromptCountdown,
		WatchdogTick:    cfg.WatchdogTick,
		DedupWindow:     cfg.DedupWindow,
		VoiceFlushGrace: cfg.VoiceFlushGrace,
		Avatar: avatar.SessionConfig{
			AvatarID:  cfg.HeyGenAvatarID,
			Quality:   cfg.HeyGenQuality,
			VoiceRate: cfg.HeyGenVoiceRate,
			Language:  "en",
		},
	})

	sessions := conversation.NewRegistry(2 * time.Minute)

	api := httpapi.New(cfg, sessions, engine, draftStore, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 30*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
