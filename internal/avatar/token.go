package avatar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TokenError reports a failed short-lived token acquisition. Token fetches
// are never retried inside the core; the failure aborts the session start.
type TokenError struct {
	Status int
	Err    error
}

func (e *TokenError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("token request failed with status %d", e.Status)
	}
	return fmt.Sprintf("token request failed: %v", e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// TokenClient requests short-lived streaming session tokens from the
// token-issuing collaborator.
type TokenClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewTokenClient(baseURL, apiKey string) *TokenClient {
	return &TokenClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	Data struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Fetch acquires one session token.
func (c *TokenClient) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/streaming.create_token", nil)
	if err != nil {
		return "", &TokenError{Err: err}
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &TokenError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TokenError{Status: resp.StatusCode}
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &TokenError{Err: fmt.Errorf("decode token response: %w", err)}
	}
	if strings.TrimSpace(body.Data.Token) == "" {
		return "", &TokenError{Err: fmt.Errorf("empty token in response")}
	}
	return body.Data.Token, nil
}
