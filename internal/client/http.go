// Package client provides HTTP and WebSocket clients for the HM6 relay.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hawkeye-speaks/DRIS1/internal/archive"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// APIError is a non-2xx reply from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// SessionDetail is the live view returned by GET /api/sessions/{id}.
type SessionDetail struct {
	session.Session
	TokensUsed int `json:"tokensUsed"`
}

// HTTPClient makes REST calls to the relay.
type HTTPClient struct {
	baseURL string
	token   string
	userID  string
	client  *http.Client
}

// NewHTTPClient creates a client targeting baseURL (e.g. "http://127.0.0.1:3001").
// userID, when set, is sent as the signed-in identity.
func NewHTTPClient(baseURL, token, userID string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SubmitQuery sends POST /api/query and returns the new session id.
func (c *HTTPClient) SubmitQuery(ctx context.Context, query string, foundation int) (string, error) {
	body := map[string]any{"query": query}
	if foundation > 0 {
		body["foundation"] = foundation
	}
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/query", body, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// ListSessions fetches the archived session listing.
func (c *HTTPClient) ListSessions(ctx context.Context) ([]archive.Record, error) {
	var out []archive.Record
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Session fetches the live state of a session this relay is running.
func (c *HTTPClient) Session(ctx context.Context, id string) (*SessionDetail, error) {
	var out SessionDetail
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Credits fetches the signed-in user's balance.
func (c *HTTPClient) Credits(ctx context.Context) (int, error) {
	var out struct {
		Credits int `json:"credits"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/credits", nil, &out); err != nil {
		return 0, err
	}
	return out.Credits, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var er struct {
			Error string `json:"error"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPClient) setAuth(h http.Header) {
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		h.Set("X-User-ID", c.userID)
	}
}
