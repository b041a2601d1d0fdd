package avatar

import "context"

// EventType identifies events delivered by the streaming transport.
type EventType string

const (
	EventStreamReady        EventType = "stream_ready"
	EventUtteranceFragment  EventType = "utterance_fragment"
	EventUtteranceComplete  EventType = "utterance_complete"
	EventUserUtterance      EventType = "user_utterance"
	EventUserStartedTalking EventType = "user_started_talking"
	EventUserStoppedTalking EventType = "user_stopped_talking"
	EventError              EventType = "error"
	EventDisconnected       EventType = "disconnected"
)

// Event is one transport-level occurrence. Text carries utterance fragments
// and recognized user speech; MediaHandle carries the opaque playback handle
// surfaced to the presentation layer on stream readiness.
type Event struct {
	Type        EventType
	Text        string
	MediaHandle string
	Code        string
	Detail      string
	Timestamp   int64
}

// SpeakMode selects how the avatar delivers a narration request.
type SpeakMode string

const (
	// SpeakTalk lets the avatar respond conversationally to the text.
	SpeakTalk SpeakMode = "talk"
	// SpeakRepeat makes the avatar read the text verbatim.
	SpeakRepeat SpeakMode = "repeat"
)

// SessionConfig carries avatar rendering parameters for a new stream.
type SessionConfig struct {
	AvatarID  string
	Quality   string
	VoiceRate float64
	Language  string
}

// Session is one live avatar stream. All methods are safe for use from a
// single orchestration goroutine; Close may be called concurrently and is
// idempotent.
type Session interface {
	Speak(ctx context.Context, text string, mode SpeakMode) error
	StartVoiceInput(ctx context.Context) error
	StopVoiceInput(ctx context.Context) error
	Interrupt(ctx context.Context) error
	Close() error
}

// Provider opens avatar streaming sessions against the external
// streaming collaborator.
type Provider interface {
	CreateSession(ctx context.Context, token string, cfg SessionConfig) (Session, <-chan Event, error)
}
