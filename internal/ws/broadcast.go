package ws

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	errClosed = errors.New("subscriber closed")
	errSlow   = errors.New("subscriber too slow")
)

// outbox is the part of a subscriber the relay sees: a bounded queue that
// never blocks the publisher. A full queue closes the subscriber. At most
// one terminal frame is queued, so a catch-up copy and the published one
// never both arrive.
type outbox struct {
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	terminal atomic.Bool
}

var terminalPrefixes = [][]byte{
	[]byte(`{"type":"synthesis_complete"`),
	[]byte(`{"type":"error"`),
}

// isTerminalFrame relies on type being the first field Event marshals.
func isTerminalFrame(msg []byte) bool {
	for _, p := range terminalPrefixes {
		if bytes.HasPrefix(msg, p) {
			return true
		}
	}
	return false
}

func newOutbox(size int) *outbox {
	if size < 1 {
		size = 1
	}
	return &outbox{send: make(chan []byte, size), done: make(chan struct{})}
}

func (o *outbox) Send(msg []byte) error {
	select {
	case <-o.done:
		return errClosed
	default:
	}
	if isTerminalFrame(msg) && !o.terminal.CompareAndSwap(false, true) {
		return nil
	}
	select {
	case o.send <- msg:
		return nil
	default:
		o.close()
		return errSlow
	}
}

func (o *outbox) Open() bool {
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
}

type streamTimings struct {
	ping  time.Duration
	write time.Duration
	pong  time.Duration
}

// wsSubscriber delivers to one WebSocket connection. writePump is the only
// writer on conn.
type wsSubscriber struct {
	*outbox
	conn    *websocket.Conn
	timings streamTimings
}

func newWSSubscriber(conn *websocket.Conn, buffer int, t streamTimings) *wsSubscriber {
	return &wsSubscriber{outbox: newOutbox(buffer), conn: conn, timings: t}
}

func (c *wsSubscriber) writePump() {
	ticker := time.NewTicker(c.timings.ping)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.timings.write))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.timings.write))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.timings.write))
			return
		}
	}
}

// readPump discards client messages and returns when the connection drops.
// Pongs extend the read deadline.
func (c *wsSubscriber) readPump() {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(c.timings.pong))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.timings.pong))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// sseSubscriber queues frames for an event-stream response; the handler
// goroutine drains it.
type sseSubscriber struct {
	*outbox
}

func newSSESubscriber(buffer int) *sseSubscriber {
	return &sseSubscriber{outbox: newOutbox(buffer)}
}
