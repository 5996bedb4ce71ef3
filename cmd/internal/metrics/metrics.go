// Package metrics holds parlor's Prometheus collectors.
//
// Collectors are registered on an injected Registerer so that tests can use a
// fresh registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the server exports.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Connections
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      *prometheus.CounterVec
	RoomJoins         prometheus.Counter
	SlowConsumers     prometheus.Counter

	// Messaging
	MessagesSent     *prometheus.CounterVec
	FanoutDeliveries *prometheus.CounterVec
	FanoutDrops      prometheus.Counter
	Notifications    prometheus.Counter
	SendDuration     prometheus.Histogram
	StoreErrors      *prometheus.CounterVec
	RateLimitHits    *prometheus.CounterVec
}

// New registers all collectors on reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parlor_http_request_duration_seconds",
				Help:    "HTTP request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "route"},
		),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "parlor_ws_connections_active",
			Help: "Currently open websocket connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "parlor_ws_connections_total",
			Help: "Accepted websocket connections",
		}),
		AuthFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_auth_failures_total",
				Help: "Refused credentials",
			},
			[]string{"reason"},
		),
		RoomJoins: f.NewCounter(prometheus.CounterOpts{
			Name: "parlor_room_joins_total",
			Help: "Conversation room joins",
		}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Name: "parlor_ws_slow_consumers_total",
			Help: "Connections closed because their send queue was full",
		}),
		MessagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_messages_sent_total",
				Help: "Send attempts by result",
			},
			[]string{"result"}, // ok, duplicate, rejected, error
		),
		FanoutDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_fanout_deliveries_total",
				Help: "Frames queued to connections",
			},
			[]string{"type"},
		),
		FanoutDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "parlor_fanout_drops_total",
			Help: "Frames dropped on full send queues",
		}),
		Notifications: f.NewCounter(prometheus.CounterOpts{
			Name: "parlor_message_notifications_total",
			Help: "message_notification events published to personal rooms",
		}),
		SendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "parlor_send_duration_seconds",
			Help:    "Persist plus fan-out latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		StoreErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_store_errors_total",
				Help: "Persistence failures by operation",
			},
			[]string{"op"},
		),
		RateLimitHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parlor_rate_limit_hits_total",
				Help: "Requests refused by a rate limiter",
			},
			[]string{"scope"},
		),
	}
}

// ObserveAuthFailure counts a refused credential.
func (m *Metrics) ObserveAuthFailure(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// ConnectionOpened tracks an accepted websocket.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionClosed tracks a finished websocket.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// ObserveJoin counts a room join.
func (m *Metrics) ObserveJoin() {
	if m == nil {
		return
	}
	m.RoomJoins.Inc()
}

// ObserveSlowConsumer counts a connection evicted for backpressure.
func (m *Metrics) ObserveSlowConsumer() {
	if m == nil {
		return
	}
	m.SlowConsumers.Inc()
}

// ObserveSend counts a send by result and records its latency in seconds.
func (m *Metrics) ObserveSend(result string, seconds float64) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(result).Inc()
	if seconds >= 0 {
		m.SendDuration.Observe(seconds)
	}
}

// ObserveDelivery counts n frames of eventType queued to connections.
func (m *Metrics) ObserveDelivery(eventType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FanoutDeliveries.WithLabelValues(eventType).Add(float64(n))
}

// ObserveDrop counts a frame dropped on a full queue.
func (m *Metrics) ObserveDrop() {
	if m == nil {
		return
	}
	m.FanoutDrops.Inc()
}

// ObserveNotification counts a message_notification publish.
func (m *Metrics) ObserveNotification() {
	if m == nil {
		return
	}
	m.Notifications.Inc()
}

// ObserveStoreError counts a persistence failure.
func (m *Metrics) ObserveStoreError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

// ObserveRateLimited counts a refused request.
func (m *Metrics) ObserveRateLimited(scope string) {
	if m == nil {
		return
	}
	m.RateLimitHits.WithLabelValues(scope).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(seconds)
}
