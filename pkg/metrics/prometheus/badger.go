package prometheus

import (
	"github.com/dgraph-io/ristretto/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/driftfs/nfsd/pkg/metrics"
)

// BadgerCacheReporter periodically reports a badger database's block and
// index cache metrics.
type BadgerCacheReporter interface {
	Report(block, index *ristretto.Metrics)
}

// badgerMetrics is the Prometheus implementation of BadgerCacheReporter.
type badgerMetrics struct {
	cacheHitRatio *prometheus.GaugeVec
	cacheMisses   *prometheus.GaugeVec
	cacheHits     *prometheus.GaugeVec
}

// NewBadgerMetrics creates a Prometheus-backed BadgerCacheReporter.
// Returns nil if metrics are not enabled.
func NewBadgerMetrics() BadgerCacheReporter {
	if !metrics.IsEnabled() {
		return (*badgerMetrics)(nil)
	}

	reg := metrics.GetRegistry()

	return &badgerMetrics{
		cacheHitRatio: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nfsd_badger_cache_hit_ratio",
				Help: "BadgerDB cache hit ratio (0.0 to 1.0) by cache type",
			},
			[]string{"cache_type"}, // "block", "index"
		),
		cacheMisses: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nfsd_badger_cache_misses_total",
				Help: "Total number of BadgerDB cache misses by cache type, as reported by ristretto",
			},
			[]string{"cache_type"},
		),
		cacheHits: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nfsd_badger_cache_hits_total",
				Help: "Total number of BadgerDB cache hits by cache type, as reported by ristretto",
			},
			[]string{"cache_type"},
		),
	}
}

// Report records the current hit/miss counters and ratio for the block
// and index caches. badger's ristretto.Metrics are cumulative counters,
// so this is safe to call on a fixed interval.
func (m *badgerMetrics) Report(block, index *ristretto.Metrics) {
	if m == nil {
		return
	}
	m.report("block", block)
	m.report("index", index)
}

func (m *badgerMetrics) report(cacheType string, metrics *ristretto.Metrics) {
	if metrics == nil {
		return
	}
	hits, misses := metrics.Hits(), metrics.Misses()
	m.cacheHits.WithLabelValues(cacheType).Set(float64(hits))
	m.cacheMisses.WithLabelValues(cacheType).Set(float64(misses))
	m.cacheHitRatio.WithLabelValues(cacheType).Set(metrics.Ratio())
}
