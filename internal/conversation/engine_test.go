package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linerlegal/michael/internal/avatar"
	"github.com/linerlegal/michael/internal/observability"
	"github.com/linerlegal/michael/internal/protocol"
	"github.com/linerlegal/michael/internal/submission"
	"github.com/linerlegal/michael/internal/transcript"
)

type spokenLine struct {
	text string
	mode avatar.SpeakMode
}

type fakeStream struct {
	mu           sync.Mutex
	spoken       []spokenLine
	voiceStarted int
	voiceStopped int
	interrupted  int
	closed       int
	speakErr     error
}

func (f *fakeStream) Speak(_ context.Context, text string, mode avatar.SpeakMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.speakErr != nil {
		return f.speakErr
	}
	f.spoken = append(f.spoken, spokenLine{text: text, mode: mode})
	return nil
}

func (f *fakeStream) StartVoiceInput(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceStarted++
	return nil
}

func (f *fakeStream) StopVoiceInput(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voiceStopped++
	return nil
}

func (f *fakeStream) Interrupt(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted++
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeStream) spokenLines() []spokenLine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]spokenLine, len(f.spoken))
	copy(out, f.spoken)
	return out
}

func (f *fakeStream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeProvider struct {
	mu      sync.Mutex
	created int
	streams []*fakeStream
	events  []chan avatar.Event
}

func (p *fakeProvider) CreateSession(context.Context, string, avatar.SessionConfig) (avatar.Session, <-chan avatar.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stream := &fakeStream{}
	events := make(chan avatar.Event, 32)
	p.created++
	p.streams = append(p.streams, stream)
	p.events = append(p.events, events)
	return stream, events, nil
}

func (p *fakeProvider) current() (*fakeStream, chan avatar.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil, nil
	}
	return p.streams[len(p.streams)-1], p.events[len(p.events)-1]
}

func (p *fakeProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

type fakeTokens struct{ err error }

func (f *fakeTokens) Fetch(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "tok", nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	answers map[string]any
	history []transcript.Message
	err     error
}

func (f *fakeSubmitter) Submit(_ context.Context, answers map[string]any, history []transcript.Message) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.answers = answers
	f.history = history
	return json.RawMessage(`{"ok":true}`), nil
}

type harness struct {
	t         *testing.T
	inbound   chan any
	outbound  chan any
	provider  *fakeProvider
	submitter *fakeSubmitter
	done      chan struct{}
}

func newHarness(t *testing.T, mutate func(*Settings)) *harness {
	t.Helper()
	settings := Settings{
		Greeting:        "Hello, welcome.",
		HandoffPhrase:   "start with your basic information",
		IdleThreshold:   time.Hour,
		PromptCountdown: time.Hour,
		WatchdogTick:    5 * time.Millisecond,
		DedupWindow:     5 * time.Second,
		VoiceFlushGrace: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&settings)
	}

	provider := &fakeProvider{}
	submitter := &fakeSubmitter{}
	metrics := observability.NewMetrics(fmt.Sprintf("michael_test_%d", time.Now().UnixNano()))
	engine := NewEngine(provider, &fakeTokens{}, submitter, metrics, settings)

	h := &harness{
		t:         t,
		inbound:   make(chan any, 32),
		outbound:  make(chan any, 256),
		provider:  provider,
		submitter: submitter,
		done:      make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(h.done)
		_ = engine.RunConnection(ctx, "s1", h.inbound, h.outbound)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) expect(desc string, match func(any) bool) any {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.outbound:
			if match(msg) {
				return msg
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", desc)
			return nil
		}
	}
}

func (h *harness) expectStatus(status Status) protocol.SessionStatus {
	h.t.Helper()
	msg := h.expect("status "+string(status), func(m any) bool {
		s, ok := m.(protocol.SessionStatus)
		return ok && s.Status == string(status)
	})
	return msg.(protocol.SessionStatus)
}

func (h *harness) expectChat(text string) protocol.ChatMessage {
	h.t.Helper()
	msg := h.expect("chat "+text, func(m any) bool {
		c, ok := m.(protocol.ChatMessage)
		return ok && c.Text == text
	})
	return msg.(protocol.ChatMessage)
}

// startReady drives the session to the ready state and returns the live
// fake stream and its event channel.
func (h *harness) startReady() (*fakeStream, chan avatar.Event) {
	h.t.Helper()
	h.inbound <- protocol.ClientStart{Type: protocol.TypeClientStart, SessionID: "s1"}
	h.expectStatus(StatusConnected)
	stream, events := h.provider.current()
	events <- avatar.Event{Type: avatar.EventStreamReady, MediaHandle: "wss://media/1"}
	h.expectStatus(StatusReady)
	return stream, events
}

func TestStartReadyGreeting(t *testing.T) {
	h := newHarness(t, nil)

	h.inbound <- protocol.ClientStart{Type: protocol.TypeClientStart, SessionID: "s1"}
	h.expectStatus(StatusConnecting)
	h.expectStatus(StatusConnected)

	stream, events := h.provider.current()
	events <- avatar.Event{Type: avatar.EventStreamReady, MediaHandle: "wss://media/1"}

	ready := h.expect("stream_ready", func(m any) bool {
		_, ok := m.(protocol.StreamReady)
		return ok
	}).(protocol.StreamReady)
	if ready.MediaHandle != "wss://media/1" {
		t.Fatalf("media handle = %q", ready.MediaHandle)
	}
	h.expectStatus(StatusReady)

	var greeted bool
	for i := 0; i < 100 && !greeted; i++ {
		for _, line := range stream.spokenLines() {
			if line.text == "Hello, welcome." && line.mode == avatar.SpeakRepeat {
				greeted = true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !greeted {
		t.Fatal("greeting was not narrated verbatim")
	}
}

func TestAvatarFragmentsCoalesceAndDeduplicate(t *testing.T) {
	h := newHarness(t, nil)
	_, events := h.startReady()

	events <- avatar.Event{Type: avatar.EventUtteranceFragment, Text: "Hello"}
	events <- avatar.Event{Type: avatar.EventUtteranceFragment, Text: " there"}
	events <- avatar.Event{Type: avatar.EventUtteranceComplete}

	msg := h.expectChat("Hello there")
	if msg.Origin != "avatar" {
		t.Fatalf("origin = %q", msg.Origin)
	}

	// Redelivery of the same utterance inside the dedup window is dropped.
	events <- avatar.Event{Type: avatar.EventUtteranceFragment, Text: "Hello there"}
	events <- avatar.Event{Type: avatar.EventUtteranceComplete}
	events <- avatar.Event{Type: avatar.EventUtteranceFragment, Text: "All set"}
	events <- avatar.Event{Type: avatar.EventUtteranceComplete}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-h.outbound:
			c, ok := m.(protocol.ChatMessage)
			if !ok {
				continue
			}
			if c.Text == "Hello there" {
				t.Fatal("duplicate utterance reached the transcript")
			}
			if c.Text == "All set" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for follow-up utterance")
		}
	}
}

func TestUserTextIsEchoedAndNarrated(t *testing.T) {
	h := newHarness(t, nil)
	stream, _ := h.startReady()

	h.inbound <- protocol.ClientText{Type: protocol.TypeClientText, SessionID: "s1", Text: "I need help with my appeal"}
	msg := h.expectChat("I need help with my appeal")
	if msg.Origin != "user" || msg.Mode != "text" {
		t.Fatalf("unexpected chat message: %+v", msg)
	}

	var talked bool
	for i := 0; i < 100 && !talked; i++ {
		for _, line := range stream.spokenLines() {
			if line.text == "I need help with my appeal" && line.mode == avatar.SpeakTalk {
				talked = true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !talked {
		t.Fatal("user text was not forwarded to the avatar")
	}
}

func TestHandoffTriggerShowsFormOnceUntilCancelled(t *testing.T) {
	h := newHarness(t, nil)
	_, events := h.startReady()

	say := func(text string) {
		events <- avatar.Event{Type: avatar.EventUtteranceFragment, Text: text}
		events <- avatar.Event{Type: avatar.EventUtteranceComplete}
	}

	say("Let's start with your basic information.")
	h.expect("show_form", func(m any) bool {
		_, ok := m.(protocol.ShowForm)
		return ok
	})

	// While the form is up a second trigger must not reopen it.
	say("Again, we should start with your basic information now.")
	say("Anything else?")
	deadline := time.After(time.Second)
	for waiting := true; waiting; {
		select {
		case m := <-h.outbound:
			if _, ok := m.(protocol.ShowForm); ok {
				t.Fatal("form shown twice without a cancel")
			}
			if c, ok := m.(protocol.ChatMessage); ok && c.Text == "Anything else?" {
				waiting = false
			}
		case <-deadline:
			t.Fatal("timed out draining messages")
		}
	}

	h.inbound <- protocol.ClientFormCancel{Type: protocol.TypeClientFormCancel, SessionID: "s1"}
	say("Ready when you are: start with your basic information please.")
	h.expect("show_form after cancel", func(m any) bool {
		_, ok := m.(protocol.ShowForm)
		return ok
	})
}

func TestVoiceModeTransitionAndTranscript(t *testing.T) {
	h := newHarness(t, nil)
	stream, events := h.startReady()

	// A denied microphone keeps the session in text mode.
	h.inbound <- protocol.ClientSetMode{Type: protocol.TypeClientSetMode, SessionID: "s1", Mode: "voice", MicStatus: "denied"}
	h.expect("mic_denied", func(m any) bool {
		e, ok := m.(protocol.ErrorEvent)
		return ok && e.Code == "mic_denied"
	})

	h.inbound <- protocol.ClientSetMode{Type: protocol.TypeClientSetMode, SessionID: "s1", Mode: "voice", MicStatus: "granted"}
	ack := h.expect("mode_changed", func(m any) bool {
		mc, ok := m.(protocol.ModeChanged)
		return ok && mc.Mode == "voice"
	}).(protocol.ModeChanged)
	if ack.SessionID != "s1" {
		t.Fatalf("session id = %q", ack.SessionID)
	}

	stream.mu.Lock()
	started := stream.voiceStarted
	stream.mu.Unlock()
	if started != 1 {
		t.Fatalf("voiceStarted = %d, want 1", started)
	}

	events <- avatar.Event{Type: avatar.EventUserStartedTalking}
	events <- avatar.Event{Type: avatar.EventUserUtterance, Text: "I was"}
	events <- avatar.Event{Type: avatar.EventUserUtterance, Text: " injured at work"}
	events <- avatar.Event{Type: avatar.EventUserStoppedTalking}

	msg := h.expectChat("I was injured at work")
	if msg.Origin != "user" || msg.Mode != "voice" {
		t.Fatalf("unexpected voice transcript: %+v", msg)
	}
}

func TestEndIsIdempotentAndRestartable(t *testing.T) {
	h := newHarness(t, nil)
	stream, _ := h.startReady()

	h.inbound <- protocol.ClientEnd{Type: protocol.TypeClientEnd, SessionID: "s1"}
	ended := h.expectStatus(StatusEnded)
	if ended.Reason != "user_request" {
		t.Fatalf("reason = %q", ended.Reason)
	}
	if stream.closeCount() == 0 {
		t.Fatal("stream was not closed")
	}

	// A second end must not emit another terminal status.
	h.inbound <- protocol.ClientEnd{Type: protocol.TypeClientEnd, SessionID: "s1"}
	h.inbound <- protocol.ClientStart{Type: protocol.TypeClientStart, SessionID: "s1"}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-h.outbound:
			s, ok := m.(protocol.SessionStatus)
			if !ok {
				continue
			}
			if s.Status == string(StatusEnded) {
				t.Fatal("terminal status emitted twice")
			}
			if s.Status == string(StatusConnected) {
				if h.provider.createdCount() != 2 {
					t.Fatalf("created = %d, want 2", h.provider.createdCount())
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for restart")
		}
	}
}

func TestRestartLeavesOneLiveStream(t *testing.T) {
	h := newHarness(t, nil)
	first, _ := h.startReady()

	h.inbound <- protocol.ClientStart{Type: protocol.TypeClientStart, SessionID: "s1"}
	h.expectStatus(StatusEnded)
	h.expectStatus(StatusConnected)

	if first.closeCount() == 0 {
		t.Fatal("previous stream still open after restart")
	}
	second, _ := h.provider.current()
	if second == first {
		t.Fatal("restart did not create a new stream")
	}
	if second.closeCount() != 0 {
		t.Fatal("new stream closed prematurely")
	}
}

func TestFormSubmitEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	stream, events := h.startReady()

	events <- avatar.Event{Type: avatar.EventUtteranceFragment, Text: "Tell me about your condition."}
	events <- avatar.Event{Type: avatar.EventUtteranceComplete}
	h.expectChat("Tell me about your condition.")

	h.inbound <- protocol.ClientFormSubmit{
		Type:      protocol.TypeClientFormSubmit,
		SessionID: "s1",
		Answers:   json.RawMessage(`{"firstName":"Ada"}`),
	}

	result := h.expect("form_result", func(m any) bool {
		_, ok := m.(protocol.FormResult)
		return ok
	}).(protocol.FormResult)
	if !result.Success {
		t.Fatalf("submission failed: %+v", result)
	}
	ended := h.expectStatus(StatusEnded)
	if ended.Reason != "form_submitted" {
		t.Fatalf("reason = %q", ended.Reason)
	}

	h.submitter.mu.Lock()
	answers, history := h.submitter.answers, h.submitter.history
	h.submitter.mu.Unlock()
	if answers["firstName"] != "Ada" {
		t.Fatalf("answers = %v", answers)
	}
	if len(history) == 0 {
		t.Fatal("chat history not forwarded with the submission")
	}

	var confirmed bool
	for _, line := range stream.spokenLines() {
		if line.text == "Thanks for submitting your information." {
			confirmed = true
		}
	}
	if !confirmed {
		t.Fatal("submission confirmation was not narrated")
	}
}

func TestFormSubmitFailureKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, nil)
	h.submitter.err = &submission.Error{Status: 502, Retryable: true}
	stream, _ := h.startReady()

	h.inbound <- protocol.ClientFormSubmit{
		Type:      protocol.TypeClientFormSubmit,
		SessionID: "s1",
		Answers:   json.RawMessage(`{"firstName":"Ada"}`),
	}

	result := h.expect("form_result", func(m any) bool {
		_, ok := m.(protocol.FormResult)
		return ok
	}).(protocol.FormResult)
	if result.Success {
		t.Fatal("expected failed submission")
	}
	if !result.Retryable {
		t.Fatal("502 submission should be retryable")
	}
	if stream.closeCount() != 0 {
		t.Fatal("session ended on a retryable submission failure")
	}
}

func TestFatalTransportErrorEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	stream, events := h.startReady()

	events <- avatar.Event{Type: avatar.EventError, Code: "session_expired", Detail: "stream token expired"}
	ended := h.expectStatus(StatusEnded)
	if ended.Reason != "session_expired" {
		t.Fatalf("reason = %q", ended.Reason)
	}
	if stream.closeCount() == 0 {
		t.Fatal("stream not closed on fatal transport error")
	}
}

func TestTransientTransportErrorAlsoEndsSession(t *testing.T) {
	h := newHarness(t, nil)
	stream, events := h.startReady()

	events <- avatar.Event{Type: avatar.EventError, Code: "network_blip", Detail: "ice restart failed"}
	h.expect("error_event network_blip", func(m any) bool {
		e, ok := m.(protocol.ErrorEvent)
		return ok && e.Code == "network_blip"
	})
	ended := h.expectStatus(StatusEnded)
	if ended.Reason != "transport_error" {
		t.Fatalf("reason = %q", ended.Reason)
	}
	if stream.closeCount() == 0 {
		t.Fatal("stream not closed on transport error")
	}
}

func TestSwitchToTextFlushesPartialVoiceTranscript(t *testing.T) {
	h := newHarness(t, nil)
	_, events := h.startReady()

	h.inbound <- protocol.ClientSetMode{Type: protocol.TypeClientSetMode, SessionID: "s1", Mode: "voice", MicStatus: "granted"}
	h.expect("mode voice", func(m any) bool {
		mc, ok := m.(protocol.ModeChanged)
		return ok && mc.Mode == "voice"
	})

	// The user trails off mid-sentence and switches back to typing.
	events <- avatar.Event{Type: avatar.EventUserStartedTalking}
	events <- avatar.Event{Type: avatar.EventUserUtterance, Text: "my claim number is"}
	h.inbound <- protocol.ClientSetMode{Type: protocol.TypeClientSetMode, SessionID: "s1", Mode: "text"}

	msg := h.expectChat("my claim number is")
	if msg.Origin != "user" || msg.Mode != "voice" {
		t.Fatalf("unexpected flushed transcript: %+v", msg)
	}
	h.expect("mode text", func(m any) bool {
		mc, ok := m.(protocol.ModeChanged)
		return ok && mc.Mode == "text"
	})
}

func TestNarrateSpeaksWithoutTranscript(t *testing.T) {
	h := newHarness(t, nil)
	stream, _ := h.startReady()

	h.inbound <- protocol.ClientNarrate{Type: protocol.TypeClientNarrate, SessionID: "s1", Text: "Basic information saved."}
	h.inbound <- protocol.ClientText{Type: protocol.TypeClientText, SessionID: "s1", Text: "thanks"}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.outbound:
			chat, ok := msg.(protocol.ChatMessage)
			if !ok {
				continue
			}
			if chat.Text == "Basic information saved." {
				t.Fatal("narration leaked into the transcript")
			}
			if chat.Text == "thanks" {
				var narrated bool
				for _, line := range stream.spokenLines() {
					if line.text == "Basic information saved." && line.mode == avatar.SpeakRepeat {
						narrated = true
					}
				}
				if !narrated {
					t.Fatalf("narration not spoken: %+v", stream.spokenLines())
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for follow-up chat message")
		}
	}
}

func TestInactivityPromptThenTimeout(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.IdleThreshold = 30 * time.Millisecond
		s.PromptCountdown = 40 * time.Millisecond
		s.WatchdogTick = 5 * time.Millisecond
	})
	stream, _ := h.startReady()

	prompt := h.expect("inactivity_prompt", func(m any) bool {
		_, ok := m.(protocol.InactivityPrompt)
		return ok
	}).(protocol.InactivityPrompt)
	if prompt.CountdownMs != 40 {
		t.Fatalf("countdown = %dms", prompt.CountdownMs)
	}

	ended := h.expectStatus(StatusEnded)
	if ended.Reason != "inactivity_timeout" {
		t.Fatalf("reason = %q", ended.Reason)
	}
	if stream.closeCount() == 0 {
		t.Fatal("stream not closed on inactivity timeout")
	}
}

func TestActivityDismissesInactivityPrompt(t *testing.T) {
	h := newHarness(t, func(s *Settings) {
		s.IdleThreshold = 30 * time.Millisecond
		s.PromptCountdown = 80 * time.Millisecond
		s.WatchdogTick = 5 * time.Millisecond
	})
	h.startReady()

	h.expect("inactivity_prompt", func(m any) bool {
		_, ok := m.(protocol.InactivityPrompt)
		return ok
	})
	// Keep interacting so the session must stay alive well past the
	// original countdown.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-ticker.C:
			h.inbound <- protocol.ClientActivity{Type: protocol.TypeClientActivity, SessionID: "s1"}
		case m := <-h.outbound:
			if s, ok := m.(protocol.SessionStatus); ok && s.Reason == "inactivity_timeout" {
				t.Fatal("session ended despite activity after the prompt")
			}
		case <-deadline:
			return
		}
	}
}
