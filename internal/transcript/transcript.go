package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Origin identifies who produced a chat message.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginAvatar Origin = "avatar"
)

// Mode records which input mode was active when a message was exchanged.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// Message is one immutable transcript entry. Ordering is append order.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"message"`
	Origin    Origin    `json:"type"`
	Mode      Mode      `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is an append-only, deduplicated, ordered log of chat messages for a
// single session. Duplicate event delivery from the streaming transport is
// absorbed here: an identical (text, origin, mode) triple appended again
// within the dedup window is dropped.
type Store struct {
	mu        sync.RWMutex
	window    time.Duration
	messages  []Message
	seen      map[string]time.Time
	onAppend  func(Message)
	onDropped func()
	now       func() time.Time
}

func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = 5 * time.Second
	}
	return &Store{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// SetAppendHook registers a callback invoked after each retained append.
// The callback runs outside the store lock.
func (s *Store) SetAppendHook(hook func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = hook
}

// SetDropHook registers a callback invoked for each deduplicated append.
func (s *Store) SetDropHook(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDropped = hook
}

// Append records a message unless an identical one was seen inside the dedup
// window. It returns the stored message and whether it was retained.
func (s *Store) Append(text string, origin Origin, mode Mode) (Message, bool) {
	now := s.now()

	s.mu.Lock()
	key := dedupKey(text, origin, mode)
	if last, ok := s.seen[key]; ok && now.Sub(last) < s.window {
		dropped := s.onDropped
		s.mu.Unlock()
		if dropped != nil {
			dropped()
		}
		return Message{}, false
	}
	s.seen[key] = now
	s.pruneLocked(now)

	msg := Message{
		ID:        uuid.NewString(),
		Text:      text,
		Origin:    origin,
		Mode:      mode,
		Timestamp: now,
	}
	s.messages = append(s.messages, msg)
	hook := s.onAppend
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return msg, true
}

// Messages returns a copy of the transcript in append order.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Clear empties the transcript and the dedup state. Used only on session end.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.seen = make(map[string]time.Time)
}

// SetClock replaces the time source. Intended for tests; set before use.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// pruneLocked drops dedup entries older than the window so legitimately
// repeated phrases across time are not suppressed and the set stays bounded.
func (s *Store) pruneLocked(now time.Time) {
	for key, last := range s.seen {
		if now.Sub(last) >= s.window {
			delete(s.seen, key)
		}
	}
}

func dedupKey(text string, origin Origin, mode Mode) string {
	return fmt.Sprintf("%s|%s|%s", text, origin, mode)
}
