// Package submission forwards finished intake payloads to the backend
// collection endpoint. A failed submission is non-fatal: the session stays
// up and the user retries from the form.
package submission

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linerlegal/michael/internal/reliability"
	"github.com/linerlegal/michael/internal/transcript"
)

// Error reports a failed submission attempt.
type Error struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("submission failed with status %d", e.Status)
	}
	return fmt.Sprintf("submission failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Submit posts the form answers together with the chat transcript and a
// submission timestamp. The answers object is forwarded as-is apart from
// empty-string normalization; field mapping belongs to the form component.
func (c *Client) Submit(ctx context.Context, answers map[string]any, history []transcript.Message) (json.RawMessage, error) {
	payload := make(map[string]any, len(answers)+2)
	for k, v := range answers {
		payload[k] = v
	}
	payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	payload["chatHistory"] = history

	body, err := json.Marshal(NormalizeEmpty(payload))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &Error{Err: err, Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Status: resp.StatusCode, Retryable: reliability.IsRetryableHTTPStatus(resp.StatusCode)}
	}

	result, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("read response: %w", err)}
	}
	if !json.Valid(result) {
		return nil, &Error{Status: resp.StatusCode, Err: fmt.Errorf("non-JSON response body")}
	}
	return result, nil
}

// NormalizeEmpty replaces empty or whitespace-only strings with "NA"
// throughout a JSON-shaped value, recursing into objects and arrays. The
// collection backend rejects blank fields.
func NormalizeEmpty(v any) any {
	switch t := v.(type) {
	case string:
		if isBlank(t) {
			return "NA"
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = NormalizeEmpty(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = NormalizeEmpty(item)
		}
		return out
	default:
		return v
	}
}

func isBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
