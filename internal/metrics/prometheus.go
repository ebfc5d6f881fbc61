package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AuthorityMetrics holds the authority's Prometheus metrics. A nil receiver
// is safe on every method so tests and tools can run without registering
// collectors.
type AuthorityMetrics struct {
	CallsTotal         *prometheus.CounterVec
	CallDuration       *prometheus.HistogramVec
	CommandsIssued     *prometheus.CounterVec
	RegistrationsTotal prometheus.Counter
	DatanodesActive    prometheus.Gauge
	BlocksTracked      prometheus.Gauge
	ReportBlocks       prometheus.Histogram
	ErrorReports       *prometheus.CounterVec
}

// NewAuthorityMetrics creates and registers the authority metrics.
func NewAuthorityMetrics() *AuthorityMetrics {
	return &AuthorityMetrics{
		CallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authority_calls_total",
				Help: "Total number of protocol calls processed",
			},
			[]string{"operation"},
		),
		CallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "authority_call_duration_seconds",
				Help:    "Duration of protocol call processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		CommandsIssued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authority_commands_issued_total",
				Help: "Total number of commands handed to datanodes",
			},
			[]string{"action"},
		),
		RegistrationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "authority_registrations_total",
				Help: "Total number of datanode registrations",
			},
		),
		DatanodesActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "authority_datanodes_active",
				Help: "Number of datanodes with an active session",
			},
		),
		BlocksTracked: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "authority_blocks_tracked",
				Help: "Number of blocks with at least one known replica",
			},
		),
		ReportBlocks: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "authority_block_report_size",
				Help:    "Number of blocks per full block report",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		ErrorReports: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authority_error_reports_total",
				Help: "Total number of datanode error reports",
			},
			[]string{"code"},
		),
	}
}

// RecordCall records one protocol call and its duration.
func (m *AuthorityMetrics) RecordCall(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(operation).Inc()
	m.CallDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordCommand records a command handed to a datanode.
func (m *AuthorityMetrics) RecordCommand(action string) {
	if m == nil {
		return
	}
	m.CommandsIssued.WithLabelValues(action).Inc()
}

// RecordRegistration records a successful registration.
func (m *AuthorityMetrics) RecordRegistration() {
	if m == nil {
		return
	}
	m.RegistrationsTotal.Inc()
}

// UpdateDatanodesActive updates the active-session gauge.
func (m *AuthorityMetrics) UpdateDatanodesActive(count int) {
	if m == nil {
		return
	}
	m.DatanodesActive.Set(float64(count))
}

// UpdateBlocksTracked updates the tracked-blocks gauge.
func (m *AuthorityMetrics) UpdateBlocksTracked(count int) {
	if m == nil {
		return
	}
	m.BlocksTracked.Set(float64(count))
}

// RecordBlockReport records the size of one full block report.
func (m *AuthorityMetrics) RecordBlockReport(blocks int) {
	if m == nil {
		return
	}
	m.ReportBlocks.Observe(float64(blocks))
}

// RecordErrorReport records one datanode error report.
func (m *AuthorityMetrics) RecordErrorReport(code string) {
	if m == nil {
		return
	}
	m.ErrorReports.WithLabelValues(code).Inc()
}

// DatanodeMetrics holds the storage node's Prometheus metrics. Nil-safe
// like AuthorityMetrics.
type DatanodeMetrics struct {
	HeartbeatsTotal   *prometheus.CounterVec
	BlockReportsTotal prometheus.Counter
	CommandsExecuted  *prometheus.CounterVec
	BlocksHeld        prometheus.Gauge
	TransfersTotal    *prometheus.CounterVec
	BytesRemaining    prometheus.Gauge
}

// NewDatanodeMetrics creates and registers the datanode metrics.
func NewDatanodeMetrics() *DatanodeMetrics {
	return &DatanodeMetrics{
		HeartbeatsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datanode_heartbeats_total",
				Help: "Total number of heartbeat attempts",
			},
			[]string{"status"},
		),
		BlockReportsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "datanode_block_reports_total",
				Help: "Total number of full block reports sent",
			},
		),
		CommandsExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datanode_commands_executed_total",
				Help: "Total number of authority commands executed",
			},
			[]string{"action", "status"},
		),
		BlocksHeld: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "datanode_blocks_held",
				Help: "Number of block replicas held locally",
			},
		),
		TransfersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datanode_transfers_total",
				Help: "Total number of replica transfers to peers",
			},
			[]string{"status"},
		),
		BytesRemaining: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "datanode_bytes_remaining",
				Help: "Remaining capacity of the block store volume",
			},
		),
	}
}

// RecordHeartbeat records one heartbeat attempt.
func (m *DatanodeMetrics) RecordHeartbeat(status string) {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.WithLabelValues(status).Inc()
}

// RecordBlockReport records one full block report.
func (m *DatanodeMetrics) RecordBlockReport() {
	if m == nil {
		return
	}
	m.BlockReportsTotal.Inc()
}

// RecordCommand records the outcome of an executed command.
func (m *DatanodeMetrics) RecordCommand(action, status string) {
	if m == nil {
		return
	}
	m.CommandsExecuted.WithLabelValues(action, status).Inc()
}

// UpdateBlocksHeld updates the local replica gauge.
func (m *DatanodeMetrics) UpdateBlocksHeld(count int) {
	if m == nil {
		return
	}
	m.BlocksHeld.Set(float64(count))
}

// RecordTransfer records one replica transfer attempt.
func (m *DatanodeMetrics) RecordTransfer(status string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(status).Inc()
}

// UpdateBytesRemaining updates the remaining-capacity gauge.
func (m *DatanodeMetrics) UpdateBytesRemaining(bytes int64) {
	if m == nil {
		return
	}
	m.BytesRemaining.Set(float64(bytes))
}
