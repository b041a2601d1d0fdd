// Package activity records when the user last interacted with the session.
// Any recognized interaction signal (message send, low-level input event
// relayed by the client, mode change) touches the tracker; the inactivity
// monitor reads it.
package activity

import (
	"sync"
	"time"
)

type Tracker struct {
	mu          sync.Mutex
	lastAt      time.Time
	promptShown bool
	now         func() time.Time
}

func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	t.lastAt = t.now()
	return t
}

// Touch records an interaction and reports whether an inactivity prompt was
// pending. Touching is the only way the prompt is dismissed.
func (t *Tracker) Touch() (dismissedPrompt bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = t.now()
	dismissed := t.promptShown
	t.promptShown = false
	return dismissed
}

func (t *Tracker) LastActivityAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAt
}

// Idle reports how long the user has been inactive.
func (t *Tracker) Idle() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.lastAt)
}

// MarkPromptShown flags that the inactivity prompt is on screen. Returns
// false when a prompt is already pending, so only one countdown is armed.
func (t *Tracker) MarkPromptShown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.promptShown {
		return false
	}
	t.promptShown = true
	return true
}

func (t *Tracker) PromptShown() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.promptShown
}

// Reset restores the tracker to a fresh state for a new session.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = t.now()
	t.promptShown = false
}

// SetClock replaces the time source. Intended for tests; set before use.
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	t.lastAt = now()
}
