package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncIngested("general_health")
		m.IncFailure("ingest", "consent_denied")
		m.ObserveOperation("ingest", time.Now())
		m.IncChainTamper()
		m.SetBreakerOpen(true)
	})
}

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncIngested("mental_health_crisis")
	m.IncIngested("mental_health_crisis")
	m.IncChainTamper()
	m.SetBreakerOpen(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsIngested.WithLabelValues("mental_health_crisis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChainTamperDetected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerOpen))
}
