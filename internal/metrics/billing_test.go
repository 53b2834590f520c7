package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestBillingCounters(t *testing.T) {
	m := NewBilling(prometheus.NewRegistry())

	m.IncRenewalOutcome("renewed", 3)
	m.IncRenewalOutcome("renewed", 0)
	m.IncRenewalOutcome("canceled", 1)
	m.ObserveGatewayCall("charge", "ok", 50*time.Millisecond)
	m.ObserveGatewayCall("charge", "timeout", time.Second)
	m.IncAccountDeletion("ok")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.renewalOutcomes.WithLabelValues("renewed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.renewalOutcomes.WithLabelValues("canceled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gatewayCalls.WithLabelValues("charge", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accountDeletes.WithLabelValues("ok")))
}

func TestNilBillingIsNoop(t *testing.T) {
	var m *Billing

	assert.NotPanics(t, func() {
		m.IncRenewalOutcome("renewed", 1)
		m.ObserveBatch("completed", time.Second)
		m.ObserveGatewayCall("charge", "ok", time.Millisecond)
		m.IncAccountDeletion("ok")
	})
}
