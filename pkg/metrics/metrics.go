package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "token_indexer"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	RPC       = "rpc"
	Scanner   = "scanner"
	Follower  = "follower"
	Ingestion = "ingestion"
	Sink      = "sink"
)

// Source label values for applied transfers.
const (
	SourceScan = "scan"
	SourceLive = "live"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple indexer instances.
type Labels struct {
	EVMChainID  uint64 // EVM chain ID (e.g., 1 for Ethereum mainnet)
	Environment string // Deployment environment (e.g., "production", "staging")
	Region      string // Cloud region (e.g., "us-east-1")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.EVMChainID != 0 {
		labels["evm_chain_id"] = strconv.FormatUint(l.EVMChainID, 10)
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	return labels
}

type Metrics struct {
	// RPC metrics
	rpcCalls       *prometheus.CounterVec
	rpcDuration    *prometheus.HistogramVec
	rpcInFlight    prometheus.Gauge
	rpcRateLimited prometheus.Counter

	// Window scanner
	windowsScanned *prometheus.CounterVec   // by status
	windowLogs     prometheus.Histogram     // logs per successful window
	scanStep       *prometheus.GaugeVec     // by token
	watermark      *prometheus.GaugeVec     // by token
	batchDuration  *prometheus.HistogramVec // by source

	// Ledger
	transfersApplied *prometheus.CounterVec // by source
	logsSkipped      *prometheus.CounterVec // by reason

	// Supervisor
	activePipelines  prometheus.Gauge
	pipelineFailures *prometheus.CounterVec // by phase
	admissionDepth   prometheus.Gauge
	admissionDropped prometheus.Counter

	// Outward sinks
	sinkPublished *prometheus.CounterVec // by sink, status
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// For metrics with constant labels (e.g., evm_chain_id), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

// latencyBuckets cover 1ms to 10s.
var latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "calls_total",
			Help:      "Total RPC calls by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "duration_seconds",
			Help:      "RPC call duration in seconds",
			Buckets:   latencyBuckets,
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "in_flight",
			Help:      "Number of RPC calls currently in progress",
		}),
		rpcRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "rate_limited_total",
			Help:      "Total log queries rejected by the provider as rate limited",
		}),
		windowsScanned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Scanner,
			Name:      "windows_total",
			Help:      "Total block windows scanned by status",
		}, []string{"status"}),
		windowLogs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Scanner,
			Name:      "window_logs",
			Help:      "Number of transfer logs returned per scanned window",
			Buckets:   []float64{0, 10, 100, 500, 1000, 2500, 5000, 10000},
		}),
		scanStep: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Scanner,
			Name:      "step",
			Help:      "Current adaptive window step per token",
		}, []string{"token"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "watermark",
			Help:      "Last committed block per token",
		}, []string{"token"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "batch_duration_seconds",
			Help:      "Time to commit a batch of transfers and its watermark",
			Buckets:   latencyBuckets,
		}, []string{"source"}),
		transfersApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "transfers_applied_total",
			Help:      "Total transfers booked into the ledger by source",
		}, []string{"source"}),
		logsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "logs_skipped_total",
			Help:      "Total logs ignored by reason",
		}, []string{"reason"}),
		activePipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "active_pipelines",
			Help:      "Number of running per-token pipelines",
		}),
		pipelineFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "pipeline_failures_total",
			Help:      "Total pipelines that stopped with an error by phase",
		}, []string{"phase"}),
		admissionDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "admission_queue_depth",
			Help:      "Number of registered tokens waiting for a pipeline",
		}),
		admissionDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Ingestion,
			Name:      "admission_rejected_total",
			Help:      "Total registrations rejected because the admission queue was full",
		}),
		sinkPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Sink,
			Name:      "batches_total",
			Help:      "Total transfer batches published to outward sinks by sink and status",
		}, []string{"sink", "status"}),
	}

	err := errors.Join(
		reg.Register(m.rpcCalls),
		reg.Register(m.rpcDuration),
		reg.Register(m.rpcInFlight),
		reg.Register(m.rpcRateLimited),
		reg.Register(m.windowsScanned),
		reg.Register(m.windowLogs),
		reg.Register(m.scanStep),
		reg.Register(m.watermark),
		reg.Register(m.batchDuration),
		reg.Register(m.transfersApplied),
		reg.Register(m.logsSkipped),
		reg.Register(m.activePipelines),
		reg.Register(m.pipelineFailures),
		reg.Register(m.admissionDepth),
		reg.Register(m.admissionDropped),
		reg.Register(m.sinkPublished),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// IncRPCInFlight increments the in-flight RPC gauge.
func (m *Metrics) IncRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Inc()
}

// DecRPCInFlight decrements the in-flight RPC gauge.
func (m *Metrics) DecRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Dec()
}

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(method string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.rpcCalls.WithLabelValues(method, status(err)).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// IncRateLimited counts a rate-limited log query.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rpcRateLimited.Inc()
}

// RecordWindow records the outcome of one scanned window and the step chosen for the next one.
func (m *Metrics) RecordWindow(token string, err error, logs int, nextStep int64) {
	if m == nil {
		return
	}
	m.windowsScanned.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.windowLogs.Observe(float64(logs))
	}
	m.scanStep.WithLabelValues(token).Set(float64(nextStep))
}

// RecordCommit records a committed batch: transfers applied, new watermark and commit latency.
func (m *Metrics) RecordCommit(token, source string, transfers int, watermark int64, durationSeconds float64) {
	if m == nil {
		return
	}
	if transfers > 0 {
		m.transfersApplied.WithLabelValues(source).Add(float64(transfers))
	}
	m.watermark.WithLabelValues(token).Set(float64(watermark))
	m.batchDuration.WithLabelValues(source).Observe(durationSeconds)
}

// IncLogsSkipped counts logs that were received but not applied.
func (m *Metrics) IncLogsSkipped(reason string) {
	if m == nil {
		return
	}
	m.logsSkipped.WithLabelValues(reason).Inc()
}

// SetActivePipelines updates the running pipelines gauge.
func (m *Metrics) SetActivePipelines(n int) {
	if m == nil {
		return
	}
	m.activePipelines.Set(float64(n))
}

// IncPipelineFailure counts a pipeline that stopped with an error in the given phase.
func (m *Metrics) IncPipelineFailure(phase string) {
	if m == nil {
		return
	}
	m.pipelineFailures.WithLabelValues(phase).Inc()
}

// SetAdmissionDepth updates the admission queue gauge.
func (m *Metrics) SetAdmissionDepth(n int) {
	if m == nil {
		return
	}
	m.admissionDepth.Set(float64(n))
}

// IncAdmissionRejected counts a registration rejected by a full admission queue.
func (m *Metrics) IncAdmissionRejected() {
	if m == nil {
		return
	}
	m.admissionDropped.Inc()
}

// RecordSinkPublish records the outcome of publishing a batch to an outward sink.
func (m *Metrics) RecordSinkPublish(sink string, err error) {
	if m == nil {
		return
	}
	m.sinkPublished.WithLabelValues(sink, status(err)).Inc()
}
