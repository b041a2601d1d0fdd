package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/linerlegal/michael/internal/config"
	"github.com/linerlegal/michael/internal/conversation"
	"github.com/linerlegal/michael/internal/draft"
	"github.com/linerlegal/michael/internal/observability"
	"github.com/linerlegal/michael/internal/protocol"
)

// Orchestrator runs one session lifecycle per websocket connection.
type Orchestrator interface {
	RunConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *conversation.Registry
	orchestrator Orchestrator
	drafts       draft.Store
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader

	liveMu sync.Mutex
	live   map[string]func()
}

func New(cfg config.Config, sessions *conversation.Registry, orchestrator Orchestrator, drafts draft.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		drafts:       drafts,
		metrics:      metrics,
		live:         make(map[string]func()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections by default, so another
				// website cannot drive a visitor's intake session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				if strings.EqualFold(u.Host, r.Host) {
					return true
				}
				for _, allowed := range cfg.CORSOrigins {
					if strings.EqualFold(strings.TrimSpace(allowed), origin) {
						return true
					}
				}
				return false
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/intake/session", s.handleCreateSession)
	r.Post("/v1/intake/session/{id}/end", s.handleEndSession)
	r.Get("/v1/intake/session/ws", s.handleSessionWS)

	r.Get("/v1/client/{clientID}/draft", s.handleGetDraft)
	r.Put("/v1/client/{clientID}/draft", s.handlePutDraft)
	r.Delete("/v1/client/{clientID}/draft", s.handleDeleteDraft)
	r.Get("/v1/client/{clientID}/theme", s.handleGetTheme)
	r.Put("/v1/client/{clientID}/theme", s.handlePutTheme)

	allowed := s.cfg.CORSOrigins
	if s.cfg.AllowAnyOrigin || len(allowed) == 0 {
		allowed = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}).Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"avatar_provider": s.cfg.AvatarProvider,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, _ *http.Request) {
	sess := s.sessions.Create()
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	// An attached connection keeps its own lifecycle; tell it to wind down
	// rather than leaving the record and the stream disagreeing.
	s.liveMu.Lock()
	endLive := s.live[id]
	s.liveMu.Unlock()
	if endLive != nil {
		endLive()
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	if err := s.sessions.Attach(sessionID); err != nil {
		status := http.StatusNotFound
		if errors.Is(err, conversation.ErrSessionInUse) || errors.Is(err, conversation.ErrSessionEnded) {
			status = http.StatusConflict
		}
		respondError(w, status, "session_unavailable", err.Error())
		return
	}
	defer s.sessions.Detach(sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	s.liveMu.Lock()
	s.live[sessionID] = func() {
		select {
		case inbound <- protocol.ClientEnd{Type: protocol.TypeClientEnd, SessionID: sessionID, Reason: "remote_request"}:
		default:
			// Inbound queue saturated; drop the connection instead.
			cancel()
		}
	}
	s.liveMu.Unlock()
	defer func() {
		s.liveMu.Lock()
		delete(s.live, sessionID)
		s.liveMu.Unlock()
	}()

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sessionID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the outbound
				// queue is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	s.getClientValue(w, r, draft.KeyFormData)
}

func (s *Server) handlePutDraft(w http.ResponseWriter, r *http.Request) {
	s.putClientValue(w, r, draft.KeyFormData, nil)
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	if strings.TrimSpace(clientID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "missing client id")
		return
	}
	if err := s.drafts.Delete(r.Context(), clientID, draft.KeyFormData); err != nil {
		respondError(w, http.StatusInternalServerError, "draft_delete_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	s.getClientValue(w, r, draft.KeyThemePreference)
}

func (s *Server) handlePutTheme(w http.ResponseWriter, r *http.Request) {
	s.putClientValue(w, r, draft.KeyThemePreference, func(value json.RawMessage) error {
		var theme string
		if err := json.Unmarshal(value, &theme); err != nil {
			return errors.New("theme must be a JSON string")
		}
		if theme != "light" && theme != "dark" {
			return errors.New(`theme must be "light" or "dark"`)
		}
		return nil
	})
}

func (s *Server) getClientValue(w http.ResponseWriter, r *http.Request, key string) {
	clientID := chi.URLParam(r, "clientID")
	if strings.TrimSpace(clientID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "missing client id")
		return
	}
	rec, err := s.drafts.Get(r.Context(), clientID, key)
	if errors.Is(err, draft.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "no value saved")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "draft_read_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) putClientValue(w http.ResponseWriter, r *http.Request, key string, validate func(json.RawMessage) error) {
	clientID := chi.URLParam(r, "clientID")
	if strings.TrimSpace(clientID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_client_id", "missing client id")
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if !json.Valid(body) {
		respondError(w, http.StatusBadRequest, "invalid_body", "body must be JSON")
		return
	}
	if validate != nil {
		if err := validate(body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_value", err.Error())
			return
		}
	}
	if err := s.drafts.Put(r.Context(), clientID, key, body); err != nil {
		respondError(w, http.StatusInternalServerError, "draft_write_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientStart:
		return m.Type, true
	case protocol.ClientEnd:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientSetMode:
		return m.Type, true
	case protocol.ClientActivity:
		return m.Type, true
	case protocol.ClientFormSubmit:
		return m.Type, true
	case protocol.ClientFormCancel:
		return m.Type, true
	case protocol.ClientNarrate:
		return m.Type, true
	case protocol.SessionStatus:
		return m.Type, true
	case protocol.ModeChanged:
		return m.Type, true
	case protocol.ChatMessage:
		return m.Type, true
	case protocol.StreamReady:
		return m.Type, true
	case protocol.InactivityPrompt:
		return m.Type, true
	case protocol.ShowForm:
		return m.Type, true
	case protocol.FormResult:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
