// Package metrics holds the Prometheus collectors for the relay. A nil
// *Metrics is valid and records nothing, which keeps tests free of
// registry setup.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hm6"

type Metrics struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	queriesRejected  *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	deliveryDropped  prometheus.Counter
	subscribers      *prometheus.GaugeVec
	childPeakRSS     prometheus.Histogram
	childDuration    prometheus.Histogram
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "HM6 processes spawned.",
		}),
		sessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Sessions that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		queriesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_rejected_total",
			Help:      "Query submissions rejected before a process started, by reason.",
		}, []string{"reason"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events handed to the broadcaster, by type.",
		}, []string{"type"}),
		deliveryDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Sends skipped because the subscriber was closed or failed.",
		}),
		subscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Connected subscribers, by transport.",
		}, []string{"transport"}),
		childPeakRSS: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "child_peak_rss_bytes",
			Help:      "Peak resident memory sampled from each HM6 process.",
			Buckets:   prometheus.ExponentialBuckets(16<<20, 2, 8),
		}),
		childDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "child_duration_seconds",
			Help:      "Wall time from spawn to exit of each HM6 process.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
}

func (m *Metrics) SessionFinished(outcome string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueryRejected(reason string) {
	if m == nil {
		return
	}
	m.queriesRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DeliveryDropped() {
	if m == nil {
		return
	}
	m.deliveryDropped.Inc()
}

func (m *Metrics) SubscriberAdded(transport string) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(transport).Inc()
}

func (m *Metrics) SubscriberRemoved(transport string) {
	if m == nil {
		return
	}
	m.subscribers.WithLabelValues(transport).Dec()
}

func (m *Metrics) ChildExited(peakRSS uint64, seconds float64) {
	if m == nil {
		return
	}
	if peakRSS > 0 {
		m.childPeakRSS.Observe(float64(peakRSS))
	}
	m.childDuration.Observe(seconds)
}
