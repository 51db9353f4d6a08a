package run

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine execution metrics for Prometheus scraping, all
// namespaced "skein":
//
//	inflight_nodes        gauge      branches currently executing
//	queue_depth           gauge      pending work items in the frontier
//	step_latency_ms       histogram  node execution duration {node_id, status}
//	node_faults_total     counter    node failures {node_id, code}
//	suspensions_total     counter    runs suspended for external input
//	checkpoints_total     counter    checkpoint commits {status}
//
// All methods are safe for concurrent use; nil receivers are no-ops so
// the engine can call unconditionally.
type Metrics struct {
	inflightNodes prometheus.Gauge
	queueDepth    prometheus.Gauge
	stepLatency   *prometheus.HistogramVec
	nodeFaults    *prometheus.CounterVec
	suspensions   prometheus.Counter
	checkpoints   *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with the given registry. Pass
// prometheus.DefaultRegisterer for the global registry, or a private
// prometheus.NewRegistry() for isolation.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		inflightNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "skein",
			Name:      "inflight_nodes",
			Help:      "Current number of node executions in flight",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "skein",
			Name:      "queue_depth",
			Help:      "Pending work items in the execution frontier",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skein",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"node_id", "status"}),
		nodeFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skein",
			Name:      "node_faults_total",
			Help:      "Node executions that ended in a fault",
		}, []string{"node_id", "code"}),
		suspensions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "skein",
			Name:      "suspensions_total",
			Help:      "Runs suspended awaiting external input",
		}),
		checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skein",
			Name:      "checkpoints_total",
			Help:      "Checkpoint commits by run status",
		}, []string{"status"}),
	}
}

func (m *Metrics) recordStepLatency(nodeID string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(nodeID, status).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) setInflight(n int) {
	if m == nil {
		return
	}
	m.inflightNodes.Set(float64(n))
}

func (m *Metrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) incNodeFault(nodeID string, code Code) {
	if m == nil {
		return
	}
	m.nodeFaults.WithLabelValues(nodeID, string(code)).Inc()
}

func (m *Metrics) incSuspension() {
	if m == nil {
		return
	}
	m.suspensions.Inc()
}

func (m *Metrics) incCheckpoint(status Status) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(string(status)).Inc()
}
