// Package protocol defines the websocket payloads exchanged with the intake
// page. The browser is a thin presentation layer: it sends user input and
// lifecycle requests, the server sends status, chat lines, and form control.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client -> server.
	TypeClientStart      MessageType = "client_start"
	TypeClientEnd        MessageType = "client_end"
	TypeClientText       MessageType = "client_text"
	TypeClientSetMode    MessageType = "client_set_mode"
	TypeClientActivity   MessageType = "client_activity"
	TypeClientFormSubmit MessageType = "client_form_submit"
	TypeClientFormCancel MessageType = "client_form_cancel"
	TypeClientNarrate    MessageType = "client_narrate"

	// Server -> client.
	TypeSessionStatus    MessageType = "session_status"
	TypeModeChanged      MessageType = "mode_changed"
	TypeChatMessage      MessageType = "chat_message"
	TypeStreamReady      MessageType = "stream_ready"
	TypeInactivityPrompt MessageType = "inactivity_prompt"
	TypeShowForm         MessageType = "show_form"
	TypeFormResult       MessageType = "form_result"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientStart asks the server to bring up the avatar stream for this
// connection. Restarting an already-started session tears down the old
// stream first.
type ClientStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// ClientEnd asks the server to terminate the session.
type ClientEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

// ClientText carries one typed user message.
type ClientText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// ClientSetMode switches between text and voice input. Microphone
// acquisition happens in the browser, so a voice request reports the
// permission outcome alongside it.
type ClientSetMode struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Mode      string      `json:"mode"`
	MicStatus string      `json:"mic_status,omitempty"`
}

// ClientActivity reports user interaction (typing, clicking, speaking) so
// the server can reset its inactivity timers without a chat message.
type ClientActivity struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"ts_ms"`
}

// ClientFormSubmit forwards the completed intake form for submission.
type ClientFormSubmit struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Answers   json.RawMessage `json:"answers"`
}

// ClientFormCancel reports that the user closed the form without
// submitting. The trigger re-arms so a later mention reopens it.
type ClientFormCancel struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// ClientNarrate asks the avatar to speak a line verbatim without adding it
// to the transcript. The form uses this for step confirmations.
type ClientNarrate struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// SessionStatus announces lifecycle transitions.
type SessionStatus struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Reason    string      `json:"reason,omitempty"`
}

// ModeChanged acknowledges a completed input mode transition.
type ModeChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Mode      string      `json:"mode"`
}

// ChatMessage is one accepted transcript line.
type ChatMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	ID        string      `json:"id"`
	Text      string      `json:"message"`
	Origin    string      `json:"origin"`
	Mode      string      `json:"mode"`
	TSMs      int64       `json:"ts_ms"`
}

// StreamReady hands the browser the media handle to attach video to.
type StreamReady struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	MediaHandle string      `json:"media_handle"`
}

// InactivityPrompt tells the page to surface the are-you-still-there
// prompt alongside the spoken one.
type InactivityPrompt struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	CountdownMs int64       `json:"countdown_ms"`
}

// ShowForm instructs the page to open the intake form.
type ShowForm struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

// FormResult reports the outcome of a form submission.
type FormResult struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Success   bool        `json:"success"`
	Retryable bool        `json:"retryable,omitempty"`
	Detail    string      `json:"detail,omitempty"`
}

// ErrorEvent surfaces a non-fatal fault to the page.
type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

// ParseClientMessage decodes and validates an inbound payload.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientStart:
		var msg ClientStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientEnd:
		var msg ClientEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientText:
		var msg ClientText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid client_text")
		}
		return msg, nil
	case TypeClientSetMode:
		var msg ClientSetMode
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Mode != "text" && msg.Mode != "voice" {
			return nil, fmt.Errorf("invalid client_set_mode mode %q", msg.Mode)
		}
		return msg, nil
	case TypeClientActivity:
		var msg ClientActivity
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientFormSubmit:
		var msg ClientFormSubmit
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if len(msg.Answers) == 0 {
			return nil, errors.New("invalid client_form_submit")
		}
		return msg, nil
	case TypeClientFormCancel:
		var msg ClientFormCancel
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeClientNarrate:
		var msg ClientNarrate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("invalid client_narrate")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
