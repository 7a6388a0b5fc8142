package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

func TestSubmitQuery(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/query", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.Header.Get("X-User-ID")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"sessionId":"1700000000000-abc"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "tok", "user_1")
	id, err := c.SubmitQuery(context.Background(), "what is light", 3)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000-abc", id)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "user_1", gotUser)
	assert.Equal(t, "what is light", gotBody["query"])
	assert.EqualValues(t, 3, gotBody["foundation"])
}

func TestSubmitQuery_OmitsDefaultFoundation(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"sessionId":"x"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", "").SubmitQuery(context.Background(), "q", 0)
	require.NoError(t, err)
	_, ok := gotBody["foundation"]
	assert.False(t, ok)
}

func TestAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":"Insufficient credits"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", "u").SubmitQuery(context.Background(), "q", 0)
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusPaymentRequired))
	assert.Contains(t, err.Error(), "Insufficient credits")
}

func TestListSessionsAndDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions":
			w.Write([]byte(`[{"id":"b","query":"new","foundation":2,"createdAt":"2025-01-01T10:00:00Z","status":"completed","tokensUsed":40}]`))
		case "/api/sessions/b":
			w.Write([]byte(`{"id":"b","query":"new","state":"completed","createdAt":"2025-01-01T10:00:00Z","resources":{},"tokensUsed":40}`))
		case "/api/credits":
			w.Write([]byte(`{"credits":7}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := NewHTTPClient(srv.URL, "", "u")
	ctx := context.Background()

	recs, err := c.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, 40, recs[0].TokensUsed)

	d, err := c.Session(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, session.Completed, d.State)
	assert.Equal(t, 40, d.TokensUsed)

	n, err := c.Credits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = c.Session(ctx, "missing")
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestWSClient_URL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"http://127.0.0.1:3001", "ws://127.0.0.1:3001/ws/abc"},
		{"https://hm6.example/", "wss://hm6.example/ws/abc"},
		{"ws://relay:3001/prefix", "ws://relay:3001/prefix/ws/abc"},
	}
	for _, tt := range tests {
		got, err := NewWSClient(tt.base, "").URL("abc")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := NewWSClient("ftp://x", "").URL("abc")
	assert.Error(t, err)
}

// relayStub upgrades /ws/{id} and plays msgs, then optionally closes.
func relayStub(t *testing.T, msgs []string, closeAfter bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			http.NotFound(w, r)
			return
		}
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range msgs {
			conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		if closeAfter {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
		// Hold the connection until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestStream_StopsAtTerminalEvent(t *testing.T) {
	srv := relayStub(t, []string{
		`{"type":"connected","sessionId":"s1"}`,
		`{"type":"foundation_info","foundation":3}`,
		`not json`,
		`{"type":"stage_start","path":"1","stage":"pB1"}`,
		`{"type":"synthesis_complete","synthesis":"done"}`,
		`{"type":"stage_start","path":"1","stage":"pB2"}`,
	}, false)
	defer srv.Close()

	var got []session.EventType
	err := NewWSClient(srv.URL, "").Stream(context.Background(), "s1", func(ev session.Event) {
		got = append(got, ev.Type)
	})
	require.NoError(t, err)
	assert.Equal(t, []session.EventType{
		session.EventConnected,
		session.EventFoundationInfo,
		session.EventStageStart,
		session.EventSynthesisComplete,
	}, got)
}

func TestStream_ClosedEarly(t *testing.T) {
	srv := relayStub(t, []string{`{"type":"connected","sessionId":"s1"}`}, true)
	defer srv.Close()

	err := NewWSClient(srv.URL, "").Stream(context.Background(), "s1", func(session.Event) {})
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_ContextCancel(t *testing.T) {
	srv := relayStub(t, []string{`{"type":"connected","sessionId":"s1"}`}, false)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	connected := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewWSClient(srv.URL, "").Stream(ctx, "s1", func(ev session.Event) {
			if ev.Type == session.EventConnected {
				close(connected)
			}
		})
	}()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("never connected")
	}
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after cancel")
	}
}
