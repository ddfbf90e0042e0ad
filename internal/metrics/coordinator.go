package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoordinatorMetrics holds the ECS metrics. A nil *CoordinatorMetrics records
// nothing, so components can run without a registry.
type CoordinatorMetrics struct {
	// Admin operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Multicast metrics
	MulticastsTotal *prometheus.CounterVec
	MulticastNacks  *prometheus.CounterVec

	// Transfer metrics
	TransfersTotal   *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec

	// Fleet metrics
	ActiveNodes       prometheus.Gauge
	PoolSize          prometheus.Gauge
	FailureDetections prometheus.Counter
}

// NewCoordinatorMetrics creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in processes and a fresh registry in tests.
func NewCoordinatorMetrics(reg prometheus.Registerer) *CoordinatorMetrics {
	factory := promauto.With(reg)
	return &CoordinatorMetrics{
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecs_operations_total",
				Help: "Total number of administrative operations",
			},
			[]string{"operation", "status"},
		),

		OperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ecs_operation_duration_seconds",
				Help:    "Duration of administrative operations",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"operation"},
		),

		MulticastsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecs_multicasts_total",
				Help: "Total number of multicast commands by outcome",
			},
			[]string{"operation", "status"},
		),

		MulticastNacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecs_multicast_node_failures_total",
				Help: "Per-node multicast failures",
			},
			[]string{"operation", "node"},
		),

		TransfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ecs_transfers_total",
				Help: "Total number of executed transfer plans",
			},
			[]string{"mode", "status"},
		),

		TransferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ecs_transfer_duration_seconds",
				Help:    "Duration of transfer plans",
				Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 1800},
			},
			[]string{"mode"},
		),

		ActiveNodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ecs_active_nodes",
				Help: "Number of nodes on the ring",
			},
		),

		PoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ecs_pool_size",
				Help: "Number of idle nodes in the pool",
			},
		),

		FailureDetections: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ecs_failure_detections_total",
				Help: "Number of unplanned node disappearances",
			},
		),
	}
}

// RecordOperation records an administrative operation
func (m *CoordinatorMetrics) RecordOperation(operation string, success bool, duration float64) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordMulticast records a multicast and its failed targets
func (m *CoordinatorMetrics) RecordMulticast(operation string, success bool, failedNodes []string) {
	if m == nil {
		return
	}
	m.MulticastsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
	for _, n := range failedNodes {
		m.MulticastNacks.WithLabelValues(operation, n).Inc()
	}
}

// RecordTransfer records one executed plan
func (m *CoordinatorMetrics) RecordTransfer(mode string, success bool, duration float64) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(mode, statusLabel(success)).Inc()
	m.TransferDuration.WithLabelValues(mode).Observe(duration)
}

// UpdateFleet sets the fleet gauges
func (m *CoordinatorMetrics) UpdateFleet(active, pool int) {
	if m == nil {
		return
	}
	m.ActiveNodes.Set(float64(active))
	m.PoolSize.Set(float64(pool))
}

// RecordFailureDetection counts an unplanned node loss
func (m *CoordinatorMetrics) RecordFailureDetection() {
	if m == nil {
		return
	}
	m.FailureDetections.Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
