// Package conversation orchestrates one intake session: it owns the avatar
// stream lifecycle, routes typed and spoken user input, maintains the
// deduplicated transcript, watches for inactivity, and hands the session off
// to the structured form when the avatar asks for it.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/linerlegal/michael/internal/activity"
	"github.com/linerlegal/michael/internal/avatar"
	"github.com/linerlegal/michael/internal/handoff"
	"github.com/linerlegal/michael/internal/idle"
	"github.com/linerlegal/michael/internal/inputmode"
	"github.com/linerlegal/michael/internal/observability"
	"github.com/linerlegal/michael/internal/protocol"
	"github.com/linerlegal/michael/internal/reliability"
	"github.com/linerlegal/michael/internal/submission"
	"github.com/linerlegal/michael/internal/transcript"
)

// Status is the session lifecycle state surfaced to the presentation layer.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReady        Status = "ready"
	StatusEnded        Status = "ended"
)

// TokenFetcher mints a short-lived stream token for a new avatar session.
type TokenFetcher interface {
	Fetch(ctx context.Context) (string, error)
}

// Submitter forwards the completed form to the collection backend.
type Submitter interface {
	Submit(ctx context.Context, answers map[string]any, history []transcript.Message) (json.RawMessage, error)
}

// Settings carries the per-deployment conversation parameters.
type Settings struct {
	Greeting        string
	HandoffPhrase   string
	PromptText      string
	ConfirmText     string
	IdleThreshold   time.Duration
	PromptCountdown time.Duration
	WatchdogTick    time.Duration
	DedupWindow     time.Duration
	VoiceFlushGrace time.Duration
	Avatar          avatar.SessionConfig
}

const (
	defaultPromptText  = "Are you still there? This session will close in one minute without activity."
	defaultConfirmText = "Thanks for submitting your information."

	closeOpTimeout = 2 * time.Second
)

// Engine is shared across connections; all per-session state lives inside
// RunConnection.
type Engine struct {
	provider  avatar.Provider
	tokens    TokenFetcher
	submitter Submitter
	metrics   *observability.Metrics
	settings  Settings
}

func NewEngine(provider avatar.Provider, tokens TokenFetcher, submitter Submitter, metrics *observability.Metrics, settings Settings) *Engine {
	if strings.TrimSpace(settings.PromptText) == "" {
		settings.PromptText = defaultPromptText
	}
	if strings.TrimSpace(settings.ConfirmText) == "" {
		settings.ConfirmText = defaultConfirmText
	}
	if settings.IdleThreshold <= 0 {
		settings.IdleThreshold = 5 * time.Minute
	}
	if settings.PromptCountdown <= 0 {
		settings.PromptCountdown = 60 * time.Second
	}
	if settings.WatchdogTick <= 0 {
		settings.WatchdogTick = time.Second
	}
	return &Engine{
		provider:  provider,
		tokens:    tokens,
		submitter: submitter,
		metrics:   metrics,
		settings:  settings,
	}
}

type noteKind int

const (
	notePrompt noteKind = iota
	noteTimeout
)

// live is the per-connection session state. Everything except the idle
// watchdog callbacks runs on the RunConnection goroutine; the callbacks only
// post notes back into the loop.
type live struct {
	engine   *Engine
	id       string
	outbound chan<- any
	notes    chan noteKind

	status      Status
	stream      avatar.Session
	events      <-chan avatar.Event
	transcripts *transcript.Store
	tracker     *activity.Tracker
	modes       *inputmode.Controller
	watchdog    *idle.Monitor
	forms       *handoff.Detector

	pendingAvatar strings.Builder
	pendingUser   strings.Builder
	startedAt     time.Time
}

// RunConnection drives a session lifecycle for one websocket connection.
// One connection is one session: when the loop returns, the avatar stream
// is torn down.
func (e *Engine) RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error {
	c := &live{
		engine:      e,
		id:          sessionID,
		outbound:    outbound,
		notes:       make(chan noteKind, 8),
		status:      StatusDisconnected,
		transcripts: transcript.NewStore(e.settings.DedupWindow),
		tracker:     activity.NewTracker(),
		modes:       inputmode.NewController(),
		forms:       handoff.NewDetector(e.settings.HandoffPhrase),
	}
	c.transcripts.SetAppendHook(func(msg transcript.Message) {
		c.send(protocol.ChatMessage{
			Type:      protocol.TypeChatMessage,
			SessionID: c.id,
			ID:        msg.ID,
			Text:      msg.Text,
			Origin:    string(msg.Origin),
			Mode:      string(msg.Mode),
			TSMs:      msg.Timestamp.UnixMilli(),
		})
	})
	c.transcripts.SetDropHook(func() {
		e.metrics.TranscriptDropped.Inc()
	})
	c.watchdog = idle.NewMonitor(c.tracker, e.settings.IdleThreshold, e.settings.PromptCountdown, e.settings.WatchdogTick, idle.Hooks{
		OnPrompt:  func() { c.postNote(notePrompt) },
		OnTimeout: func() { c.postNote(noteTimeout) },
	})
	defer c.end(context.Background(), "connection_closed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			c.handleClient(ctx, msg)
		case evt, ok := <-c.events:
			if !ok {
				c.events = nil
				c.end(ctx, "transport_closed")
				continue
			}
			c.handleEvent(ctx, evt)
		case n := <-c.notes:
			c.handleNote(ctx, n)
		}
	}
}

func (c *live) handleClient(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case protocol.ClientStart:
		c.start(ctx)
	case protocol.ClientEnd:
		reason := strings.TrimSpace(m.Reason)
		if reason == "" {
			reason = "user_request"
		}
		c.end(ctx, reason)
	case protocol.ClientText:
		c.watchdog.Activity()
		text := strings.TrimSpace(m.Text)
		if text == "" {
			return
		}
		_, retained := c.transcripts.Append(text, transcript.OriginUser, transcript.Mode(c.modes.Mode()))
		if !retained || c.stream == nil {
			return
		}
		if err := c.stream.Speak(ctx, text, avatar.SpeakTalk); err != nil {
			// A failed narration is not fatal; the transcript entry stands
			// and the user can keep typing.
			c.engine.metrics.CollaboratorErrors.WithLabelValues("avatar_stream", "speak_failed").Inc()
			c.sendError("speak_failed", err.Error())
		}
	case protocol.ClientSetMode:
		c.watchdog.Activity()
		c.setMode(ctx, m)
	case protocol.ClientActivity:
		c.watchdog.Activity()
	case protocol.ClientFormSubmit:
		c.watchdog.Activity()
		c.submitForm(ctx, m)
	case protocol.ClientFormCancel:
		c.watchdog.Activity()
		c.forms.FormCancelled()
	case protocol.ClientNarrate:
		c.watchdog.Activity()
		text := strings.TrimSpace(m.Text)
		if text == "" || c.stream == nil {
			return
		}
		if err := c.stream.Speak(ctx, text, avatar.SpeakRepeat); err != nil {
			c.engine.metrics.CollaboratorErrors.WithLabelValues("avatar_stream", "speak_failed").Inc()
			c.sendError("speak_failed", err.Error())
		}
	}
}

func (c *live) handleEvent(ctx context.Context, evt avatar.Event) {
	switch evt.Type {
	case avatar.EventStreamReady:
		if !c.startedAt.IsZero() {
			c.engine.metrics.ObserveTimeToReady(time.Since(c.startedAt))
		}
		// The page needs the media handle before it learns the session is
		// ready, so it can attach video without a blank-frame window.
		c.send(protocol.StreamReady{
			Type:        protocol.TypeStreamReady,
			SessionID:   c.id,
			MediaHandle: evt.MediaHandle,
		})
		c.setStatus(StatusReady, "")
		if greeting := strings.TrimSpace(c.engine.settings.Greeting); greeting != "" && c.stream != nil {
			if err := c.stream.Speak(ctx, greeting, avatar.SpeakRepeat); err != nil {
				c.engine.metrics.CollaboratorErrors.WithLabelValues("avatar_stream", "greeting_failed").Inc()
			}
		}
		c.watchdog.Start(ctx)
	case avatar.EventUtteranceFragment:
		c.pendingAvatar.WriteString(evt.Text)
	case avatar.EventUtteranceComplete:
		c.commitAvatar(true)
	case avatar.EventUserUtterance:
		c.watchdog.Activity()
		c.pendingUser.WriteString(evt.Text)
	case avatar.EventUserStartedTalking:
		c.watchdog.Activity()
	case avatar.EventUserStoppedTalking:
		c.commitUser()
	case avatar.EventError:
		// Transport errors always terminate; the classification only picks
		// the reason surfaced to the page.
		code := evt.Code
		if code == "" {
			code = "stream_error"
		}
		c.engine.metrics.CollaboratorErrors.WithLabelValues("avatar_stream", code).Inc()
		c.sendError(code, evt.Detail)
		reason := "transport_error"
		if reliability.IsFatalTransportCode(code) {
			reason = code
		}
		c.end(ctx, reason)
	case avatar.EventDisconnected:
		c.end(ctx, "transport_disconnected")
	}
}

func (c *live) handleNote(ctx context.Context, n noteKind) {
	switch n {
	case notePrompt:
		c.engine.metrics.SessionEvents.WithLabelValues("inactivity_prompt").Inc()
		c.send(protocol.InactivityPrompt{
			Type:        protocol.TypeInactivityPrompt,
			SessionID:   c.id,
			CountdownMs: c.engine.settings.PromptCountdown.Milliseconds(),
		})
		if c.stream != nil {
			if err := c.stream.Speak(ctx, c.engine.settings.PromptText, avatar.SpeakRepeat); err != nil {
				c.engine.metrics.CollaboratorErrors.WithLabelValues("avatar_stream", "prompt_failed").Inc()
			}
		}
	case noteTimeout:
		c.engine.metrics.SessionEvents.WithLabelValues("inactivity_timeout").Inc()
		c.end(ctx, "inactivity_timeout")
	}
}

// start brings up a fresh avatar stream. Starting over an existing stream
// tears the old one down first, so a retry after a half-failed start always
// converges on a single live connection.
func (c *live) start(ctx context.Context) {
	if c.stream != nil {
		c.end(ctx, "restarted")
	}
	c.setStatus(StatusConnecting, "")

	token, err := c.engine.tokens.Fetch(ctx)
	if err != nil {
		code := "token_failed"
		var terr *avatar.TokenError
		if errors.As(err, &terr) && reliability.IsRetryableHTTPStatus(terr.Status) {
			code = "token_unavailable"
		}
		c.engine.metrics.CollaboratorErrors.WithLabelValues("token_service", code).Inc()
		c.sendError(code, err.Error())
		c.setStatus(StatusDisconnected, code)
		return
	}

	stream, events, err := c.engine.provider.CreateSession(ctx, token, c.engine.settings.Avatar)
	if err != nil {
		c.engine.metrics.CollaboratorErrors.WithLabelValues("avatar_stream", "connect_failed").Inc()
		c.sendError("stream_connect_failed", err.Error())
		c.setStatus(StatusDisconnected, "stream_connect_failed")
		return
	}

	c.stream = stream
	c.events = events
	c.startedAt = time.Now()
	c.transcripts.Clear()
	c.tracker.Reset()
	c.forms.Reset()
	c.pendingAvatar.Reset()
	c.pendingUser.Reset()

	c.engine.metrics.ActiveSessions.Inc()
	c.engine.metrics.SessionEvents.WithLabelValues("started").Inc()
	c.setStatus(StatusConnected, "")
}

// end terminates the session. Safe to call repeatedly and from every exit
// path: prompt timeout, transport loss, user request, form submission, and
// connection close all funnel here.
func (c *live) end(ctx context.Context, reason string) {
	if c.stream == nil && c.status != StatusConnecting && c.status != StatusConnected && c.status != StatusReady {
		return
	}

	c.watchdog.Stop()

	// Trailing voice transcript may still be in flight; give it a short
	// grace window to land before the partials are flushed.
	if c.modes.Mode() == inputmode.ModeVoice && c.events != nil {
		c.drainVoice(ctx)
	}
	c.commitUser()
	c.commitAvatar(false)

	if c.stream != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeOpTimeout)
		_ = c.stream.Interrupt(closeCtx)
		cancel()
		_ = c.stream.Close()
	}
	c.stream = nil
	c.events = nil
	c.modes.ForceText()
	c.forms.Reset()
	c.transcripts.Clear()
	c.pendingAvatar.Reset()
	c.pendingUser.Reset()

	c.engine.metrics.ActiveSessions.Dec()
	c.engine.metrics.SessionEvents.WithLabelValues("ended").Inc()
	c.setStatus(StatusEnded, reason)
}

// drainVoice stops voice input and keeps consuming transport events for the
// flush grace window so speech finished just before teardown is not lost.
func (c *live) drainVoice(ctx context.Context) {
	if c.stream != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), closeOpTimeout)
		_ = c.stream.StopVoiceInput(stopCtx)
		cancel()
	}
	grace := c.engine.settings.VoiceFlushGrace
	if grace <= 0 {
		return
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		case evt, ok := <-c.events:
			if !ok {
				c.events = nil
				return
			}
			switch evt.Type {
			case avatar.EventUserUtterance:
				c.pendingUser.WriteString(evt.Text)
			case avatar.EventUserStoppedTalking:
				c.commitUser()
			}
		}
	}
}

func (c *live) setMode(ctx context.Context, m protocol.ClientSetMode) {
	switch m.Mode {
	case "voice":
		if err := c.modes.ToVoice(ctx, c.audioChannel(), micStatusOf(m.MicStatus)); err != nil {
			code := "mode_change_failed"
			switch {
			case errors.Is(err, inputmode.ErrMicNotFound):
				code = "mic_not_found"
			case errors.Is(err, inputmode.ErrMicPermission):
				code = "mic_denied"
			}
			c.sendError(code, inputmode.UserMessage(err))
			return
		}
	case "text":
		// Utterance events still in flight plus the half-spoken buffer
		// would otherwise be lost when the microphone stops feeding the
		// stream, so give the transport a grace window before committing.
		if c.modes.Mode() == inputmode.ModeVoice {
			c.drainVoice(ctx)
		}
		c.commitUser()
		_ = c.modes.ToText(ctx, c.audioChannel())
	default:
		return
	}
	c.send(protocol.ModeChanged{
		Type:      protocol.TypeModeChanged,
		SessionID: c.id,
		Mode:      string(c.modes.Mode()),
	})
}

func (c *live) submitForm(ctx context.Context, m protocol.ClientFormSubmit) {
	var answers map[string]any
	if err := json.Unmarshal(m.Answers, &answers); err != nil {
		c.send(protocol.FormResult{
			Type:      protocol.TypeFormResult,
			SessionID: c.id,
			Success:   false,
			Detail:    "form answers are not a JSON object",
		})
		return
	}

	if _, err := c.engine.submitter.Submit(ctx, answers, c.transcripts.Messages()); err != nil {
		c.engine.metrics.CollaboratorErrors.WithLabelValues("submission", "submit_failed").Inc()
		retryable := true
		detail := err.Error()
		var serr *submission.Error
		if errors.As(err, &serr) {
			retryable = serr.Retryable
		}
		// The session stays up so the user can correct and retry.
		c.send(protocol.FormResult{
			Type:      protocol.TypeFormResult,
			SessionID: c.id,
			Success:   false,
			Retryable: retryable,
			Detail:    detail,
		})
		return
	}

	c.engine.metrics.SessionEvents.WithLabelValues("form_submitted").Inc()
	c.send(protocol.FormResult{
		Type:      protocol.TypeFormResult,
		SessionID: c.id,
		Success:   true,
	})
	c.forms.Suppress()
	if c.stream != nil {
		_ = c.stream.Speak(ctx, c.engine.settings.ConfirmText, avatar.SpeakRepeat)
	}
	c.end(ctx, "form_submitted")
}

// commitAvatar flushes the buffered avatar utterance into the transcript.
// Handoff detection is skipped when the session is tearing down.
func (c *live) commitAvatar(checkHandoff bool) {
	text := strings.TrimSpace(c.pendingAvatar.String())
	c.pendingAvatar.Reset()
	if text == "" {
		return
	}
	msg, retained := c.transcripts.Append(text, transcript.OriginAvatar, transcript.Mode(c.modes.Mode()))
	if !retained || !checkHandoff {
		return
	}
	if c.forms.Observe(msg) {
		c.engine.metrics.SessionEvents.WithLabelValues("form_shown").Inc()
		c.send(protocol.ShowForm{Type: protocol.TypeShowForm, SessionID: c.id})
	}
}

func (c *live) commitUser() {
	text := strings.TrimSpace(c.pendingUser.String())
	c.pendingUser.Reset()
	if text == "" {
		return
	}
	c.transcripts.Append(text, transcript.OriginUser, transcript.ModeVoice)
}

func (c *live) setStatus(status Status, reason string) {
	c.status = status
	c.send(protocol.SessionStatus{
		Type:      protocol.TypeSessionStatus,
		SessionID: c.id,
		Status:    string(status),
		Reason:    reason,
	})
}

func (c *live) sendError(code, detail string) {
	c.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: c.id,
		Code:      code,
		Detail:    detail,
	})
}

// postNote funnels a watchdog timer signal into the run loop. Non-blocking
// for the same reason send is: the timer goroutine must never wedge behind
// a busy loop.
func (c *live) postNote(n noteKind) {
	select {
	case c.notes <- n:
	default:
	}
}

// send never blocks the run loop; a saturated outbound queue drops the
// message and the websocket writer stays single-threaded.
func (c *live) send(msg any) {
	select {
	case c.outbound <- msg:
	default:
	}
}

func (c *live) audioChannel() inputmode.AudioChannel {
	if c.stream == nil {
		return nil
	}
	return c.stream
}

func micStatusOf(s string) inputmode.MicStatus {
	switch s {
	case "", string(inputmode.MicGranted):
		return inputmode.MicGranted
	case string(inputmode.MicNotFound):
		return inputmode.MicNotFound
	default:
		return inputmode.MicDenied
	}
}
