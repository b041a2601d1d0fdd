package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type HeyGenConfig struct {
	APIBase string
}

// HeyGenProvider streams an interactive avatar over the HeyGen realtime
// websocket endpoint.
type HeyGenProvider struct {
	cfg HeyGenConfig
}

func NewHeyGenProvider(cfg HeyGenConfig) *HeyGenProvider {
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = "https://api.heygen.com"
	}
	return &HeyGenProvider{cfg: cfg}
}

func (p *HeyGenProvider) CreateSession(ctx context.Context, token string, cfg SessionConfig) (Session, <-chan Event, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil, fmt.Errorf("session token is required")
	}

	u, err := url.Parse(wsBase(p.cfg.APIBase) + "/v1/ws/streaming.chat")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("session_token", token)
	q.Set("avatar_id", cfg.AvatarID)
	if cfg.Quality != "" {
		q.Set("quality", cfg.Quality)
	}
	if cfg.VoiceRate > 0 {
		q.Set("voice_rate", strconv.FormatFloat(cfg.VoiceRate, 'f', -1, 64))
	}
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	// The session is driven by our own inactivity monitor; the upstream idle
	// timeout only races it.
	q.Set("disable_idle_timeout", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial streaming websocket: %w", err)
	}

	events := make(chan Event, 256)
	s := &heygenSession{conn: conn, events: events}
	go s.readLoop()
	return s, events, nil
}

type heygenSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
}

func (s *heygenSession) Speak(_ context.Context, text string, mode SpeakMode) error {
	if mode == "" {
		mode = SpeakTalk
	}
	return s.writeJSON(map[string]any{
		"message_type": "speak",
		"text":         text,
		"task_type":    string(mode),
		"task_mode":    "sync",
	})
}

func (s *heygenSession) StartVoiceInput(_ context.Context) error {
	return s.writeJSON(map[string]any{
		"message_type":   "voice_chat_start",
		"stt_provider":   "deepgram",
		"silence_prompt": true,
	})
}

func (s *heygenSession) StopVoiceInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"message_type": "voice_chat_stop"})
}

func (s *heygenSession) Interrupt(_ context.Context) error {
	return s.writeJSON(map[string]any{"message_type": "interrupt"})
}

// Close tears down the websocket. The events channel is closed by the read
// loop alone, so a concurrent Close never races an in-flight emit.
func (s *heygenSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *heygenSession) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *heygenSession) readLoop() {
	defer close(s.events)
	defer s.closeOnce.Do(func() { _ = s.conn.Close() })
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.emit(Event{Type: EventDisconnected, Timestamp: time.Now().UnixMilli()})
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["message_type"])
		switch messageType {
		case "stream_ready":
			s.emit(Event{Type: EventStreamReady, MediaHandle: asString(raw["media_url"]), Timestamp: time.Now().UnixMilli()})
		case "avatar_talking_message":
			s.emit(Event{Type: EventUtteranceFragment, Text: asString(raw["message"]), Timestamp: time.Now().UnixMilli()})
		case "avatar_end_message":
			s.emit(Event{Type: EventUtteranceComplete, Timestamp: time.Now().UnixMilli()})
		case "user_talking_message":
			s.emit(Event{Type: EventUserUtterance, Text: asString(raw["message"]), Timestamp: time.Now().UnixMilli()})
		case "user_start":
			s.emit(Event{Type: EventUserStartedTalking, Timestamp: time.Now().UnixMilli()})
		case "user_stop":
			s.emit(Event{Type: EventUserStoppedTalking, Timestamp: time.Now().UnixMilli()})
		case "error", "session_expired", "session_error":
			code := asString(raw["code"])
			if code == "" {
				code = messageType
			}
			s.emit(Event{
				Type:      EventError,
				Code:      code,
				Detail:    asString(raw["error"]),
				Timestamp: time.Now().UnixMilli(),
			})
		default:
			// Unrecognized control traffic is ignored rather than treated
			// as a stream failure.
		}
	}
}

// emit never blocks the read loop; if the consumer stalls the event is
// dropped rather than wedging transport reads behind it.
func (s *heygenSession) emit(evt Event) {
	select {
	case s.events <- evt:
	default:
	}
}

func wsBase(apiBase string) string {
	base := strings.TrimRight(apiBase, "/")
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	if strings.HasPrefix(base, "http://") {
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}
