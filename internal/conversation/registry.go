package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RecordStatus tracks a session record through its registry lifecycle.
type RecordStatus string

const (
	RecordCreated  RecordStatus = "created"
	RecordAttached RecordStatus = "attached"
	RecordEnded    RecordStatus = "ended"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session already ended")
	ErrSessionInUse    = errors.New("session already attached")
)

// SessionRecord is the registry's view of one issued session.
type SessionRecord struct {
	ID         string       `json:"session_id"`
	Status     RecordStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	LastSeenAt time.Time    `json:"last_seen_at"`
}

// Registry hands out session IDs over REST and tracks which of them have a
// live websocket attached. A created-but-never-attached session expires
// after the unattached TTL so abandoned page loads do not accumulate.
type Registry struct {
	mu            sync.RWMutex
	sessions      map[string]*SessionRecord
	unattachedTTL time.Duration
}

func NewRegistry(unattachedTTL time.Duration) *Registry {
	if unattachedTTL <= 0 {
		unattachedTTL = 2 * time.Minute
	}
	return &Registry{
		sessions:      make(map[string]*SessionRecord),
		unattachedTTL: unattachedTTL,
	}
}

func (r *Registry) Create() SessionRecord {
	now := time.Now().UTC()
	s := &SessionRecord{
		ID:         uuid.NewString(),
		Status:     RecordCreated,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return *s
}

func (r *Registry) Get(sessionID string) (SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrSessionNotFound
	}
	return *s, nil
}

// Attach claims the session for a websocket connection. One session never
// has more than one live connection.
func (r *Registry) Attach(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	switch s.Status {
	case RecordEnded:
		return ErrSessionEnded
	case RecordAttached:
		return ErrSessionInUse
	}
	s.Status = RecordAttached
	s.LastSeenAt = time.Now().UTC()
	return nil
}

// Detach releases the websocket claim without ending the session, so the
// page can reconnect and resume.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.Status != RecordAttached {
		return
	}
	s.Status = RecordCreated
	s.LastSeenAt = time.Now().UTC()
}

func (r *Registry) End(sessionID string) (SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrSessionNotFound
	}
	s.Status = RecordEnded
	s.LastSeenAt = time.Now().UTC()
	return *s, nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, s := range r.sessions {
		if s.Status == RecordAttached {
			count++
		}
	}
	return count
}

// StartJanitor sweeps out ended records and unattached records older than
// the TTL on a fixed interval.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *Registry) sweep() {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.sessions {
		switch s.Status {
		case RecordEnded:
			delete(r.sessions, id)
		case RecordCreated:
			if now.Sub(s.LastSeenAt) >= r.unattachedTTL {
				delete(r.sessions, id)
			}
		}
	}
}
