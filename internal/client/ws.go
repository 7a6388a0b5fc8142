package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// ErrStreamClosed is returned by Stream when the relay closes the
// connection before a terminal event arrives.
var ErrStreamClosed = errors.New("stream closed before the session finished")

// WSClient subscribes to one session's event channel.
type WSClient struct {
	baseURL string
	token   string
}

// NewWSClient creates a client for the relay at baseURL. Both http(s) and
// ws(s) schemes are accepted.
func NewWSClient(baseURL, token string) *WSClient {
	return &WSClient{baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

// URL returns the WebSocket URL for sessionID.
func (c *WSClient) URL(sessionID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + url.PathEscape(sessionID)
	return u.String(), nil
}

// Stream connects and calls fn for every event, starting with connected, until
// a terminal event has been delivered (returns nil), ctx is done, or the
// connection drops.
func (c *WSClient) Stream(ctx context.Context, sessionID string, fn func(session.Event)) error {
	wsURL, err := c.URL(sessionID)
	if err != nil {
		return err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
			writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			writeMu.Unlock()
			conn.Close()
		}
	}()
	go pingLoop(conn, &writeMu, done)

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrStreamClosed
			}
			return err
		}
		var ev session.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		fn(ev)
		if ev.IsTerminal() {
			return nil
		}
	}
}

func pingLoop(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
