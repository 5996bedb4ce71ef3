package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())

	m.ObserveSend("ok", 0.01)
	m.ObserveSend("ok", 0.02)
	m.ObserveSend("duplicate", 0)
	m.ObserveAuthFailure("")
	m.ObserveDelivery("message_created", 3)
	m.ObserveDelivery("message_created", 0)
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := testutil.ToFloat64(m.MessagesSent.WithLabelValues("ok")); got != 2 {
		t.Fatalf("messages ok=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures.WithLabelValues("unknown")); got != 1 {
		t.Fatalf("auth failures=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.FanoutDeliveries.WithLabelValues("message_created")); got != 3 {
		t.Fatalf("deliveries=%v want 3", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Fatalf("active=%v want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveSend("ok", 1)
	m.ObserveAuthFailure("x")
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObserveJoin()
	m.ObserveDrop()
	m.ObserveNotification()
	m.ObserveSlowConsumer()
	m.ObserveStoreError("append")
	m.ObserveRateLimited("ws")
	m.ObserveHTTP("GET", "/", "200", 0.1)
	m.ObserveDelivery("x", 1)
}
