package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PaymentMetrics bundles collectors tracking coordinator health: quote and
// pay volumes, terminal outcomes, and end-to-end latencies.
type PaymentMetrics struct {
	quotes      *prometheus.CounterVec
	payments    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	inflight    prometheus.Gauge
	streamDrops prometheus.Counter
}

var (
	paymentMetricsOnce sync.Once
	paymentRegistry    *PaymentMetrics
)

// Payments returns the lazily-initialised metrics registry for the payment
// coordinator.
func Payments() *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = &PaymentMetrics{
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "interpay",
				Subsystem: "coordinator",
				Name:      "quotes_total",
				Help:      "Count of quote requests segmented by outcome.",
			}, []string{"outcome"}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "interpay",
				Subsystem: "coordinator",
				Name:      "payments_total",
				Help:      "Count of pay attempts segmented by terminal outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "interpay",
				Subsystem: "coordinator",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for coordinator operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			inflight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "interpay",
				Subsystem: "coordinator",
				Name:      "payments_inflight",
				Help:      "Number of pay attempts currently awaiting fulfillment or expiry.",
			}),
			streamDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "interpay",
				Subsystem: "coordinator",
				Name:      "stream_reconnects_total",
				Help:      "Count of fulfillment stream disconnects that triggered a reconnect.",
			}),
		}
		prometheus.MustRegister(
			paymentRegistry.quotes,
			paymentRegistry.payments,
			paymentRegistry.latency,
			paymentRegistry.inflight,
			paymentRegistry.streamDrops,
		)
	})
	return paymentRegistry
}

// ObserveQuote records the outcome and latency of a quote request. Outcomes
// should be stable strings such as "ok", "validation" or "ledger_error".
func (m *PaymentMetrics) ObserveQuote(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(labelOutcome(outcome)).Inc()
	m.latency.WithLabelValues("quote").Observe(duration.Seconds())
}

// ObservePayment records the terminal outcome and latency of a pay attempt:
// "fulfilled", "expired", "send_error" or "validation".
func (m *PaymentMetrics) ObservePayment(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(labelOutcome(outcome)).Inc()
	m.latency.WithLabelValues("pay").Observe(duration.Seconds())
}

// PaymentStarted increments the in-flight gauge; the returned func
// decrements it and must be called on every exit path.
func (m *PaymentMetrics) PaymentStarted() func() {
	if m == nil {
		return func() {}
	}
	m.inflight.Inc()
	return m.inflight.Dec
}

// RecordStreamReconnect counts a dropped notification stream connection.
func (m *PaymentMetrics) RecordStreamReconnect() {
	if m == nil {
		return
	}
	m.streamDrops.Inc()
}

func labelOutcome(outcome string) string {
	trimmed := strings.TrimSpace(outcome)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
