// Package metrics exposes prometheus collectors for the bridge and mirror.
//
// A nil *Collector is valid and records nothing, so callers can hold an
// optional collector without nil checks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inbound message results.
const (
	ResultHandled   = "handled"
	ResultMalformed = "malformed"
	ResultDropped   = "dropped"
	ResultFailed    = "failed"
)

// Listener error kinds.
const (
	KindSubscriber = "subscriber"
	KindReady      = "ready"
	KindActivity   = "activity"
	KindTransport  = "transport"
)

// Collector groups the statebridge metrics.
type Collector struct {
	messagesSent    *prometheus.CounterVec
	inbound         *prometheus.CounterVec
	patchOperations prometheus.Histogram
	desync          prometheus.Counter
	listenerErrors  *prometheus.CounterVec
	views           prometheus.Gauge
	stores          prometheus.Gauge
}

// New registers the collectors with reg. A nil registerer uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Collector{
		// messagesSent counts outbound messages by wire type
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statebridge_messages_sent_total",
			Help: "Total messages pushed to view endpoints by type",
		}, []string{"type"}),

		inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statebridge_inbound_messages_total",
			Help: "Total inbound messages by type and result",
		}, []string{"type", "result"}),

		// patchOperations tracks the size of broadcast patches
		patchOperations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "statebridge_patch_operations",
			Help:    "Number of operations per broadcast patch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		}),

		desync: factory.NewCounter(prometheus.CounterOpts{
			Name: "statebridge_desync_total",
			Help: "Total patches that failed to apply on a mirror",
		}),

		listenerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "statebridge_listener_errors_total",
			Help: "Total listener, hook and transport failures by kind",
		}, []string{"kind"}),

		views: factory.NewGauge(prometheus.GaugeOpts{
			Name: "statebridge_views",
			Help: "Registered view endpoints",
		}),

		stores: factory.NewGauge(prometheus.GaugeOpts{
			Name: "statebridge_stores",
			Help: "Present stores",
		}),
	}
}

// MessageSent records an outbound message of msgType.
func (c *Collector) MessageSent(msgType string) {
	if c == nil {
		return
	}
	c.messagesSent.WithLabelValues(msgType).Inc()
}

// Inbound records an inbound message and how it was handled.
func (c *Collector) Inbound(msgType, result string) {
	if c == nil {
		return
	}
	if msgType == "" {
		msgType = "unknown"
	}
	c.inbound.WithLabelValues(msgType, result).Inc()
}

// PatchBroadcast records the size of a non-empty patch.
func (c *Collector) PatchBroadcast(operations int) {
	if c == nil {
		return
	}
	c.patchOperations.Observe(float64(operations))
}

// Desync records a failed patch application.
func (c *Collector) Desync() {
	if c == nil {
		return
	}
	c.desync.Inc()
}

// ListenerError records a failure of the given kind.
func (c *Collector) ListenerError(kind string) {
	if c == nil {
		return
	}
	c.listenerErrors.WithLabelValues(kind).Inc()
}

// SetViews records the number of registered endpoints.
func (c *Collector) SetViews(n int) {
	if c == nil {
		return
	}
	c.views.Set(float64(n))
}

// SetStores records the number of present stores.
func (c *Collector) SetStores(n int) {
	if c == nil {
		return
	}
	c.stores.Set(float64(n))
}
