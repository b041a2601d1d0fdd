// Package inputmode owns the exclusive text/voice input mode state and the
// transition protocol between the two. Text is the fail-safe default: any
// failed transition rolls back to text and never leaves the audio channel
// half-open.
package inputmode

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// MicStatus is the microphone grant result reported by the host environment.
// Acquisition itself happens in the browser; the engine only sees the outcome.
type MicStatus string

const (
	MicGranted  MicStatus = "granted"
	MicDenied   MicStatus = "denied"
	MicNotFound MicStatus = "not_found"
)

var (
	ErrMicPermission = errors.New("microphone access denied")
	ErrMicNotFound   = errors.New("microphone not found")
)

// UserMessage maps a transition error to actionable user-facing text.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrMicNotFound):
		return "Microphone not found. Please connect a microphone and allow access."
	case errors.Is(err, ErrMicPermission):
		return "Microphone access denied. Please allow microphone permissions."
	default:
		return "Could not switch input mode. Please try again."
	}
}

// AudioChannel is the voice-input surface of the streaming session.
type AudioChannel interface {
	StartVoiceInput(ctx context.Context) error
	StopVoiceInput(ctx context.Context) error
}

type Controller struct {
	mu   sync.Mutex
	mode Mode
}

func NewController() *Controller {
	return &Controller{mode: ModeText}
}

func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// ToVoice transitions text -> voice. A no-op when voice is already active.
// On any failure the controller stays in text mode and no audio channel is
// left open.
func (c *Controller) ToVoice(ctx context.Context, ch AudioChannel, mic MicStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeVoice {
		return nil
	}

	switch mic {
	case MicGranted:
	case MicNotFound:
		return ErrMicNotFound
	default:
		return ErrMicPermission
	}

	if ch == nil {
		return fmt.Errorf("no active streaming session")
	}
	if err := ch.StartVoiceInput(ctx); err != nil {
		// The channel never opened upstream; make sure it is not dangling.
		_ = ch.StopVoiceInput(ctx)
		return fmt.Errorf("open audio channel: %w", err)
	}
	c.mode = ModeVoice
	return nil
}

// ToText transitions voice -> text, tearing down the audio channel first.
// A no-op when text is already active. Teardown failures are swallowed:
// text mode must always be reachable.
func (c *Controller) ToText(ctx context.Context, ch AudioChannel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == ModeText {
		return nil
	}
	if ch != nil {
		_ = ch.StopVoiceInput(ctx)
	}
	c.mode = ModeText
	return nil
}

// ForceText resets to the initial state without touching any channel.
// Used on session end after the transport is already gone.
func (c *Controller) ForceText() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = ModeText
}
