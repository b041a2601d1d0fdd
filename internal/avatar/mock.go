package avatar

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockProvider is a local fallback provider used when no HeyGen API key is
// configured. It echoes speak requests back as streamed fragments so the
// full session flow can be exercised without the external collaborator.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) CreateSession(_ context.Context, _ string, _ SessionConfig) (Session, <-chan Event, error) {
	events := make(chan Event, 128)
	s := &mockSession{events: events}
	s.emit(Event{Type: EventStreamReady, MediaHandle: "mock://stream", Timestamp: time.Now().UnixMilli()})
	return s, events, nil
}

type mockSession struct {
	mu     sync.Mutex
	events chan Event
	closed bool
	voice  bool
}

func (s *mockSession) Speak(_ context.Context, text string, _ SpeakMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	// Deliver in two fragments to mimic streamed narration.
	words := strings.Fields(text)
	if len(words) > 1 {
		mid := len(words) / 2
		s.emit(Event{Type: EventUtteranceFragment, Text: strings.Join(words[:mid], " ") + " ", Timestamp: time.Now().UnixMilli()})
		s.emit(Event{Type: EventUtteranceFragment, Text: strings.Join(words[mid:], " "), Timestamp: time.Now().UnixMilli()})
	} else if text != "" {
		s.emit(Event{Type: EventUtteranceFragment, Text: text, Timestamp: time.Now().UnixMilli()})
	}
	s.emit(Event{Type: EventUtteranceComplete, Timestamp: time.Now().UnixMilli()})
	return nil
}

func (s *mockSession) StartVoiceInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.voice = true
	return nil
}

func (s *mockSession) StopVoiceInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.voice = false
	return nil
}

func (s *mockSession) Interrupt(_ context.Context) error { return nil }

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

func (s *mockSession) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
	}
}
