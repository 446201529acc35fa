package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics holds all Prometheus metrics for the record protection core.
// All methods are safe to call on a nil receiver.
type Metrics struct {
	RecordsIngested     *prometheus.CounterVec
	PipelineFailures    *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	RiskLevels          *prometheus.CounterVec
	ConsentDenials      prometheus.Counter
	IntegrityFailures   prometheus.Counter
	AuditAppends        prometheus.Counter
	ChainTamperDetected prometheus.Counter
	SweepRuns           *prometheus.CounterVec
	RecordsPurged       prometheus.Counter
	PurgeFailures       prometheus.Counter
	StoreRetries        prometheus.Counter
	BreakerOpen         prometheus.Gauge
}

// New creates and registers all metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_records_ingested_total",
			Help: "Protected records ingested, by final category",
		}, []string{"category"}),
		PipelineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_pipeline_failures_total",
			Help: "Pipeline operations that failed, by operation and error code",
		}, []string{"operation", "code"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carevault_pipeline_duration_seconds",
			Help:    "Duration of pipeline operations",
			Buckets: latencyBuckets,
		}, []string{"operation"}),
		RiskLevels: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_risk_verdicts_total",
			Help: "Risk verdicts produced at ingest, by level",
		}, []string{"level"}),
		ConsentDenials: f.NewCounter(prometheus.CounterOpts{
			Name: "carevault_consent_denials_total",
			Help: "Operations blocked by the consent gate",
		}),
		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "carevault_integrity_failures_total",
			Help: "Decryptions that failed authentication",
		}),
		AuditAppends: f.NewCounter(prometheus.CounterOpts{
			Name: "carevault_audit_appends_total",
			Help: "Entries appended to the audit chain",
		}),
		ChainTamperDetected: f.NewCounter(prometheus.CounterOpts{
			Name: "carevault_audit_chain_tamper_total",
			Help: "Audit chain verifications that detected tampering",
		}),
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carevault_retention_sweeps_total",
			Help: "Retention sweeps, by result (completed, skipped, failed)",
		}, []string{"result"}),
		RecordsPurged: f.NewCounter(prometheus.CounterOpts{
			Name: "carevault_records_purged_total",
			Help: "Records whose ciphertext was discarded",
		}),
		PurgeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "carevault_purge_failures_total",
			Help: "Purge attempts that left the record pending",
		}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "carevault_store_retries_total",
			Help: "Retried external store calls",
		}),
		BreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "carevault_store_breaker_open",
			Help: "1 when the store circuit breaker is open",
		}),
	}
}

func (m *Metrics) IncIngested(category string) {
	if m == nil {
		return
	}
	m.RecordsIngested.WithLabelValues(category).Inc()
}

func (m *Metrics) IncFailure(operation, code string) {
	if m == nil {
		return
	}
	m.PipelineFailures.WithLabelValues(operation, code).Inc()
}

// ObserveOperation records the duration of a pipeline operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncRiskLevel(level string) {
	if m == nil {
		return
	}
	m.RiskLevels.WithLabelValues(level).Inc()
}

func (m *Metrics) IncConsentDenied() {
	if m == nil {
		return
	}
	m.ConsentDenials.Inc()
}

func (m *Metrics) IncIntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}

func (m *Metrics) IncAuditAppend() {
	if m == nil {
		return
	}
	m.AuditAppends.Inc()
}

func (m *Metrics) IncChainTamper() {
	if m == nil {
		return
	}
	m.ChainTamperDetected.Inc()
}

func (m *Metrics) IncSweep(result string) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) IncPurged() {
	if m == nil {
		return
	}
	m.RecordsPurged.Inc()
}

func (m *Metrics) IncPurgeFailure() {
	if m == nil {
		return
	}
	m.PurgeFailures.Inc()
}

func (m *Metrics) IncStoreRetry() {
	if m == nil {
		return
	}
	m.StoreRetries.Inc()
}

func (m *Metrics) SetBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerOpen.Set(1)
		return
	}
	m.BreakerOpen.Set(0)
}
