package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// NodeMetrics holds the storage node metrics. Nil-safe like CoordinatorMetrics.
type NodeMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	ForwardsTotal *prometheus.CounterVec

	TransferRecords *prometheus.CounterVec
	TransferBytes   *prometheus.CounterVec

	AdminMessages *prometheus.CounterVec
	RingUpdates   prometheus.Counter
	RingSize      prometheus.Gauge
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
}

// NewNodeMetrics creates the metrics and registers them with reg
func NewNodeMetrics(reg prometheus.Registerer) *NodeMetrics {
	factory := promauto.With(reg)
	return &NodeMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvserver_requests_total",
				Help: "Client requests by request and response status",
			},
			[]string{"request", "response"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvserver_request_duration_seconds",
				Help:    "Duration of client requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"request"},
		),

		ForwardsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvserver_replica_forwards_total",
				Help: "Writes forwarded to replicas by outcome",
			},
			[]string{"replica", "status"},
		),

		TransferRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvserver_transfer_records_total",
				Help: "Records moved by range transfers",
			},
			[]string{"direction"},
		),

		TransferBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvserver_transfer_bytes_total",
				Help: "Bytes moved by range transfers",
			},
			[]string{"direction"},
		),

		AdminMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvserver_admin_messages_total",
				Help: "Processed admin messages",
			},
			[]string{"operation", "status"},
		),

		RingUpdates: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kvserver_ring_updates_total",
				Help: "Number of ring snapshots applied",
			},
		),

		RingSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvserver_ring_size",
				Help: "Members of the cached ring",
			},
		),

		CacheHits: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kvserver_cache_hits_total",
				Help: "Reads served from the cache",
			},
		),

		CacheMisses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kvserver_cache_misses_total",
				Help: "Reads that went to the storage engine",
			},
		),
	}
}

// RecordRequest records a handled client request
func (m *NodeMetrics) RecordRequest(request, response string, duration float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(request, response).Inc()
	m.RequestDuration.WithLabelValues(request).Observe(duration)
}

// RecordForward records one replica forward
func (m *NodeMetrics) RecordForward(replica string, success bool) {
	if m == nil {
		return
	}
	m.ForwardsTotal.WithLabelValues(replica, statusLabel(success)).Inc()
}

// RecordTransfer records records and bytes moved in direction "in" or "out"
func (m *NodeMetrics) RecordTransfer(direction string, records, bytes int) {
	if m == nil {
		return
	}
	m.TransferRecords.WithLabelValues(direction).Add(float64(records))
	m.TransferBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordAdminMessage records a processed inbox entry
func (m *NodeMetrics) RecordAdminMessage(operation string, success bool) {
	if m == nil {
		return
	}
	m.AdminMessages.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordRingUpdate records an applied snapshot
func (m *NodeMetrics) RecordRingUpdate(size int) {
	if m == nil {
		return
	}
	m.RingUpdates.Inc()
	m.RingSize.Set(float64(size))
}

// RecordCacheLookup records a cache hit or miss
func (m *NodeMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}
