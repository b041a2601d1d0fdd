// Package idle is the inactivity watchdog for one session. It polls elapsed
// idle time on a fixed tick, issues a single prompt when the idle threshold
// is crossed, and force-ends the session if the prompt goes unacknowledged
// before the countdown elapses.
package idle

import (
	"context"
	"sync"
	"time"

	"github.com/linerlegal/michael/internal/activity"
)

// Hooks receive watchdog decisions. OnPrompt fires once per idle episode;
// OnTimeout fires only when the prompt countdown elapses unacknowledged.
type Hooks struct {
	OnPrompt  func()
	OnTimeout func()
}

// Monitor owns its ticker and countdown timer so concurrent sessions (and
// tests) never share scheduling state.
type Monitor struct {
	tracker   *activity.Tracker
	threshold time.Duration
	countdown time.Duration
	tick      time.Duration
	hooks     Hooks

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	countdownT *time.Timer
}

func NewMonitor(tracker *activity.Tracker, threshold, countdown, tick time.Duration, hooks Hooks) *Monitor {
	if tick <= 0 {
		tick = time.Second
	}
	return &Monitor{
		tracker:   tracker,
		threshold: threshold,
		countdown: countdown,
		tick:      tick,
		hooks:     hooks,
	}
}

// Start begins polling. Active only while the session is connected; calling
// Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(runCtx)
}

// Stop halts polling and disarms any pending countdown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.disarmLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Activity records a recognized user-interaction signal. Any activity after
// the prompt was shown cancels the countdown; this is the only way the
// prompt is dismissed.
func (m *Monitor) Activity() {
	dismissed := m.tracker.Touch()
	if !dismissed {
		return
	}
	m.mu.Lock()
	m.disarmLocked()
	m.mu.Unlock()
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	if m.tracker.Idle() < m.threshold {
		return
	}
	// MarkPromptShown is the arming gate: while a prompt is pending no
	// second countdown can be created.
	if !m.tracker.MarkPromptShown() {
		return
	}

	m.mu.Lock()
	if !m.running {
		// Stopped between tick and arm; undo the prompt flag.
		m.mu.Unlock()
		m.tracker.Touch()
		return
	}
	m.countdownT = time.AfterFunc(m.countdown, m.fire)
	m.mu.Unlock()

	if m.hooks.OnPrompt != nil {
		m.hooks.OnPrompt()
	}
}

func (m *Monitor) fire() {
	m.mu.Lock()
	armed := m.countdownT != nil
	m.countdownT = nil
	running := m.running
	m.mu.Unlock()

	// A disarm that raced the timer wins: the user acknowledged in time.
	if !armed || !running || !m.tracker.PromptShown() {
		return
	}
	if m.hooks.OnTimeout != nil {
		m.hooks.OnTimeout()
	}
}

func (m *Monitor) disarmLocked() {
	if m.countdownT != nil {
		m.countdownT.Stop()
		m.countdownT = nil
	}
}
