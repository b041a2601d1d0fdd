package draft

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// InMemoryStore is a simple in-process draft store for local/dev use.
// Drafts do not survive a restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]Record)}
}

func recordKey(clientID, key string) string { return clientID + "\x00" + key }

func (s *InMemoryStore) Put(_ context.Context, clientID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey(clientID, key)] = Record{
		ClientID:  clientID,
		Key:       key,
		Value:     append(json.RawMessage(nil), value...),
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, clientID, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey(clientID, key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryStore) Delete(_ context.Context, clientID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey(clientID, key))
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
