// Package metrics exposes Prometheus instrumentation for the client.
//
// All methods are safe to call on a nil *Metrics, so components can be
// instrumented unconditionally.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mmclient"

// Metrics holds the client's collectors.
type Metrics struct {
	// APIRequests counts REST calls. Labels: method, code ("error" for transport failures).
	APIRequests *prometheus.CounterVec

	// APILatency measures REST call latency in seconds. Labels: method.
	APILatency *prometheus.HistogramVec

	// Connected is 1 while the socket is open.
	Connected prometheus.Gauge

	// Reconnects counts scheduled reconnect attempts.
	Reconnects prometheus.Counter

	// HeartbeatTimeouts counts connections declared dead by the heartbeat.
	HeartbeatTimeouts prometheus.Counter

	// EventsReceived counts inbound socket frames. Labels: event.
	EventsReceived *prometheus.CounterVec

	// EventsDropped counts notifications dropped because a subscriber was full.
	EventsDropped prometheus.Counter

	// PostsCreated counts posts created, one per chunk.
	PostsCreated prometheus.Counter

	// PendingFrames tracks outbound frames awaiting a reply.
	PendingFrames prometheus.Gauge
}

// New registers the collectors on reg. A nil reg creates an unregistered set,
// which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "REST API requests by method and response code",
		}, []string{"method", "code"}),
		APILatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "REST API request latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connected",
			Help:      "Whether the WebSocket connection is open",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled",
		}),
		HeartbeatTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections declared dead after missing pongs",
		}),
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound WebSocket frames by event name",
		}, []string{"event"}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Notifications dropped because a subscriber buffer was full",
		}),
		PostsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_created_total",
			Help:      "Posts created, one per message chunk",
		}),
		PendingFrames: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_frames",
			Help:      "Outbound frames awaiting a reply",
		}),
	}
}

// ObserveAPI records one REST call. code is 0 for transport failures.
func (m *Metrics) ObserveAPI(method string, code int, took time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	m.APIRequests.WithLabelValues(method, label).Inc()
	m.APILatency.WithLabelValues(method).Observe(took.Seconds())
}

// SetConnected records the socket state.
func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

// Reconnect records a scheduled reconnect attempt.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// HeartbeatTimeout records a dead connection.
func (m *Metrics) HeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Inc()
}

// EventReceived records an inbound frame.
func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "reply"
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

// EventDropped records n notifications lost to full subscribers.
func (m *Metrics) EventDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDropped.Add(float64(n))
}

// PostCreated records a created post.
func (m *Metrics) PostCreated() {
	if m == nil {
		return
	}
	m.PostsCreated.Inc()
}

// SetPending records the size of the pending frame map.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingFrames.Set(float64(n))
}
