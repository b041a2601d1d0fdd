// Package handoff watches avatar speech for the trigger phrase that moves
// the session from free-form chat into the structured intake form.
package handoff

import (
	"strings"
	"sync"

	"github.com/linerlegal/michael/internal/transcript"
)

// Detector fires at most once per form display: once the form is up (or the
// user has suppressed it) further trigger phrases are ignored. Cancelling
// the form re-arms the detector so a recurring trigger phrase shows it again.
type Detector struct {
	mu         sync.Mutex
	phrase     string
	shown      bool
	suppressed bool
}

func NewDetector(triggerPhrase string) *Detector {
	return &Detector{phrase: strings.ToLower(strings.TrimSpace(triggerPhrase))}
}

// Observe inspects one newly appended transcript message and reports whether
// the presentation layer should switch into structured-form mode.
func (d *Detector) Observe(msg transcript.Message) bool {
	if msg.Origin != transcript.OriginAvatar {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phrase == "" || d.shown || d.suppressed {
		return false
	}
	if !strings.Contains(strings.ToLower(msg.Text), d.phrase) {
		return false
	}
	d.shown = true
	return true
}

// FormCancelled re-arms the detector after the user cancels the form.
func (d *Detector) FormCancelled() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = false
}

// Suppress stops the detector for the rest of the session; used when the
// user explicitly dismisses the form view.
func (d *Detector) Suppress() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.suppressed = true
	d.shown = false
}

func (d *Detector) FormShown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shown
}

// Reset restores the fresh-session state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = false
	d.suppressed = false
}
