package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	paymentsMetricsOnce sync.Once
	paymentsRegistry    *PaymentsMetrics
)

// PaymentsMetrics wraps the collectors tracking creatorpay money movement.
type PaymentsMetrics struct {
	webhookEvents    *prometheus.CounterVec
	intents          *prometheus.CounterVec
	transfers        *prometheus.CounterVec
	payouts          *prometheus.CounterVec
	processorCalls   *prometheus.CounterVec
	processorRetries *prometheus.CounterVec
	processorLatency *prometheus.HistogramVec
	reconAnomalies   *prometheus.CounterVec
	pauseEngaged     prometheus.Gauge
}

// Payments exposes the lazily-initialised metrics registry for creatorpay.
func Payments() *PaymentsMetrics {
	paymentsMetricsOnce.Do(func() {
		paymentsRegistry = &PaymentsMetrics{
			webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creatorpay",
				Subsystem: "webhook",
				Name:      "events_total",
				Help:      "Processor webhook events segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			intents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creatorpay",
				Subsystem: "intents",
				Name:      "total",
				Help:      "Payment intent operations segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creatorpay",
				Subsystem: "transfers",
				Name:      "total",
				Help:      "Transfer creations segmented by outcome.",
			}, []string{"outcome"}),
			payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creatorpay",
				Subsystem: "payouts",
				Name:      "total",
				Help:      "Payout requests segmented by outcome.",
			}, []string{"outcome"}),
			processorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creatorpay",
				Subsystem: "processor",
				Name:      "calls_total",
				Help:      "Outbound processor calls segmented by operation and final outcome.",
			}, []string{"op", "outcome"}),
			processorRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creatorpay",
				Subsystem: "processor",
				Name:      "retries_total",
				Help:      "Retried processor attempts segmented by operation.",
			}, []string{"op"}),
			processorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "creatorpay",
				Subsystem: "processor",
				Name:      "call_duration_seconds",
				Help:      "Latency of processor calls including retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			reconAnomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creatorpay",
				Subsystem: "recon",
				Name:      "anomalies_total",
				Help:      "Reconciliation anomalies segmented by type.",
			}, []string{"type"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "creatorpay",
				Subsystem: "payouts",
				Name:      "pause_engaged",
				Help:      "Indicates whether the payout pause guard is active (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			paymentsRegistry.webhookEvents,
			paymentsRegistry.intents,
			paymentsRegistry.transfers,
			paymentsRegistry.payouts,
			paymentsRegistry.processorCalls,
			paymentsRegistry.processorRetries,
			paymentsRegistry.processorLatency,
			paymentsRegistry.reconAnomalies,
			paymentsRegistry.pauseEngaged,
		)
	})
	return paymentsRegistry
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

// RecordWebhook counts a webhook event outcome (processed, deduped, ignored, failed, rejected).
func (m *PaymentsMetrics) RecordWebhook(kind, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(label(kind), label(outcome)).Inc()
}

// RecordIntent counts a payment intent outcome.
func (m *PaymentsMetrics) RecordIntent(kind, outcome string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(label(kind), label(outcome)).Inc()
}

// RecordTransfer counts a transfer outcome.
func (m *PaymentsMetrics) RecordTransfer(outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(label(outcome)).Inc()
}

// RecordPayout counts a payout outcome.
func (m *PaymentsMetrics) RecordPayout(outcome string) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(label(outcome)).Inc()
}

// ObserveProcessorCall records the final outcome and total latency of a processor call.
func (m *PaymentsMetrics) ObserveProcessorCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.processorCalls.WithLabelValues(label(op), label(outcome)).Inc()
	m.processorLatency.WithLabelValues(label(op)).Observe(d.Seconds())
}

// RecordProcessorRetry counts a retried processor attempt.
func (m *PaymentsMetrics) RecordProcessorRetry(op string) {
	if m == nil {
		return
	}
	m.processorRetries.WithLabelValues(label(op)).Inc()
}

// RecordAnomaly counts a reconciliation anomaly.
func (m *PaymentsMetrics) RecordAnomaly(kind string) {
	if m == nil {
		return
	}
	m.reconAnomalies.WithLabelValues(label(kind)).Inc()
}

// SetPause toggles the pause_engaged gauge.
func (m *PaymentsMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}
