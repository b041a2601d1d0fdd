// Package draft persists per-client form progress and UI preferences so an
// applicant can leave the page and resume a half-filled appeal form later.
package draft

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Well-known keys. The intake form stores its field values under
// KeyFormData; the page theme toggle stores "light" or "dark" under
// KeyThemePreference.
const (
	KeyFormData        = "disabilityAppealFormData"
	KeyThemePreference = "themePreference"
)

// ErrNotFound is returned when a client has no value saved under a key.
var ErrNotFound = errors.New("draft not found")

// Record is one saved value for one client.
type Record struct {
	ClientID  string          `json:"client_id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists and retrieves client drafts.
type Store interface {
	Put(ctx context.Context, clientID, key string, value json.RawMessage) error
	Get(ctx context.Context, clientID, key string) (Record, error)
	Delete(ctx context.Context, clientID, key string) error
	Close() error
}
