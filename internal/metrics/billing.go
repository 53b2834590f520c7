// Package metrics exposes Prometheus collectors for the billing lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Billing groups the renewal and gateway collectors. A nil *Billing is a
// valid no-op recorder.
type Billing struct {
	renewalOutcomes *prometheus.CounterVec
	renewalBatches  *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	gatewayCalls    *prometheus.CounterVec
	gatewayLatency  *prometheus.HistogramVec
	accountDeletes  *prometheus.CounterVec
}

func NewBilling(registry prometheus.Registerer) *Billing {
	factory := promauto.With(registry)
	return &Billing{
		renewalOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_renewal_outcomes_total",
				Help: "Renewal outcomes per subscription processed by the batch",
			},
			[]string{"outcome"},
		),
		renewalBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_renewal_batches_total",
				Help: "Renewal batch executions by result",
			},
			[]string{"result"},
		),
		batchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_renewal_batch_duration_seconds",
				Help:    "Wall time of one renewal batch",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		gatewayCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_gateway_calls_total",
				Help: "Payment gateway calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		gatewayLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_gateway_call_duration_seconds",
				Help:    "Payment gateway call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		accountDeletes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_account_deletions_total",
				Help: "Account deletion transactions by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Billing) IncRenewalOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.renewalOutcomes.WithLabelValues(outcome).Add(float64(n))
}

func (m *Billing) ObserveBatch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.renewalBatches.WithLabelValues(result).Inc()
	m.batchDuration.Observe(d.Seconds())
}

func (m *Billing) ObserveGatewayCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(op, outcome).Inc()
	m.gatewayLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Billing) IncAccountDeletion(result string) {
	if m == nil {
		return
	}
	m.accountDeletes.WithLabelValues(result).Inc()
}
