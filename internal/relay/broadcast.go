package relay

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/hawkeye-speaks/DRIS1/internal/metrics"
	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

// Broadcaster serialises events and hands them to every subscriber of the
// session. There is no history: an event published while nobody listens is
// gone.
type Broadcaster struct {
	reg     *Registry
	log     *zap.Logger
	metrics *metrics.Metrics
}

type BroadcasterOption func(*Broadcaster)

func WithLogger(l *zap.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.log = l }
}

func WithMetrics(m *metrics.Metrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

func NewBroadcaster(reg *Registry, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{reg: reg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends ev to the session's current subscribers. Closed or failing
// subscribers are skipped and unregistered; the only error is a marshal
// failure.
func (b *Broadcaster) Publish(sessionID string, ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	b.metrics.EventPublished(string(ev.Type))

	for _, sub := range b.reg.Subscribers(sessionID) {
		if !sub.Open() {
			b.drop(sessionID, sub, nil)
			continue
		}
		if err := sub.Send(data); err != nil {
			b.drop(sessionID, sub, err)
		}
	}
	return nil
}

// PublishAll publishes events in order, stopping at the first marshal error.
func (b *Broadcaster) PublishAll(sessionID string, events []session.Event) error {
	for _, ev := range events {
		if err := b.Publish(sessionID, ev); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broadcaster) drop(sessionID string, sub Subscriber, err error) {
	b.metrics.DeliveryDropped()
	if b.reg.Unregister(sessionID, sub) {
		fields := []zap.Field{zap.String("session_id", sessionID)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		b.log.Debug("dropped subscriber", fields...)
	}
}
