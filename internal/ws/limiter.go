package ws

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// clientLimiter is a token bucket per remote host. A nil limiter allows
// everything.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clock   clock.Clock
	clients map[string]*limiterEntry
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newClientLimiter(perMinute float64, burst int, clk clock.Clock) *clientLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limit:   rate.Limit(perMinute / 60),
		burst:   burst,
		clock:   clk,
		clients: make(map[string]*limiterEntry),
	}
}

func (l *clientLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	e, ok := l.clients[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = e
	}
	e.seen = now
	l.mu.Unlock()

	return e.lim.AllowN(now, 1)
}

// sweep forgets clients idle for longer than idle.
func (l *clientLimiter) sweep(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.clock.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.clients {
		if e.seen.Before(cutoff) {
			delete(l.clients, k)
			n++
		}
	}
	return n
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
