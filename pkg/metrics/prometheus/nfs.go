package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driftfs/nfsd/pkg/metrics"
)

// nfsMetrics is the Prometheus implementation of metrics.NFSMetrics.
type nfsMetrics struct {
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	inFlight          *prometheus.GaugeVec
	bytesTransferred  *prometheus.CounterVec
	operationSize     *prometheus.HistogramVec
	activeConnections prometheus.Gauge
	connAccepted      prometheus.Counter
	connClosed        prometheus.Counter
	connForceClosed   prometheus.Counter
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
}

// NewNFSMetrics creates a Prometheus-backed metrics.NFSMetrics. Returns
// nil if metrics are not enabled, so every recording method below is a
// nil-receiver no-op and callers never need a feature check.
func NewNFSMetrics() metrics.NFSMetrics {
	if !metrics.IsEnabled() {
		return (*nfsMetrics)(nil)
	}

	reg := metrics.GetRegistry()

	return &nfsMetrics{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nfsd_requests_total",
			Help: "Total NFS requests by procedure, share, and outcome.",
		}, []string{"procedure", "share", "error"}),
		requestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nfsd_request_duration_seconds",
			Help:    "NFS request latency by procedure and share.",
			Buckets: prometheus.DefBuckets,
		}, []string{"procedure", "share"}),
		inFlight: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "nfsd_requests_in_flight",
			Help: "NFS requests currently being processed.",
		}, []string{"procedure", "share"}),
		bytesTransferred: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nfsd_bytes_transferred_total",
			Help: "Bytes read or written by procedure, share, and direction.",
		}, []string{"procedure", "share", "direction"}),
		operationSize: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nfsd_operation_size_bytes",
			Help:    "Size of read/write operations.",
			Buckets: prometheus.ExponentialBuckets(512, 4, 8),
		}, []string{"operation", "share"}),
		activeConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "nfsd_active_connections",
			Help: "Currently open RPC connections.",
		}),
		connAccepted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nfsd_connections_accepted_total",
			Help: "Total accepted RPC connections.",
		}),
		connClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nfsd_connections_closed_total",
			Help: "Total closed RPC connections.",
		}),
		connForceClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "nfsd_connections_force_closed_total",
			Help: "Connections closed forcibly after the shutdown timeout.",
		}),
		cacheHits: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nfsd_cache_hits_total",
			Help: "Read/write cache hits by share and cache type.",
		}, []string{"share", "cache_type"}),
		cacheMisses: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "nfsd_cache_misses_total",
			Help: "Read cache misses by share.",
		}, []string{"share"}),
	}
}

func (m *nfsMetrics) RecordRequest(procedure, share string, duration time.Duration, errorCode string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(procedure, share, errorCode).Inc()
	m.requestDuration.WithLabelValues(procedure, share).Observe(duration.Seconds())
}

func (m *nfsMetrics) RecordRequestStart(procedure, share string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(procedure, share).Inc()
}

func (m *nfsMetrics) RecordRequestEnd(procedure, share string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(procedure, share).Dec()
}

func (m *nfsMetrics) RecordBytesTransferred(procedure, share, direction string, bytes uint64) {
	if m == nil {
		return
	}
	m.bytesTransferred.WithLabelValues(procedure, share, direction).Add(float64(bytes))
}

func (m *nfsMetrics) RecordOperationSize(operation, share string, bytes uint64) {
	if m == nil {
		return
	}
	m.operationSize.WithLabelValues(operation, share).Observe(float64(bytes))
}

func (m *nfsMetrics) SetActiveConnections(count int32) {
	if m == nil {
		return
	}
	m.activeConnections.Set(float64(count))
}

func (m *nfsMetrics) RecordConnectionAccepted() {
	if m == nil {
		return
	}
	m.connAccepted.Inc()
}

func (m *nfsMetrics) RecordConnectionClosed() {
	if m == nil {
		return
	}
	m.connClosed.Inc()
}

func (m *nfsMetrics) RecordConnectionForceClosed() {
	if m == nil {
		return
	}
	m.connForceClosed.Inc()
}

func (m *nfsMetrics) RecordCacheHit(share, cacheType string, bytes uint64) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(share, cacheType).Inc()
}

func (m *nfsMetrics) RecordCacheMiss(share string, bytes uint64) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(share).Inc()
}
