// Package metrics defines the observability interfaces the NFS and
// backend layers report through, independent of any particular metrics
// backend (pkg/metrics/prometheus supplies the concrete one).
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
	enabled  atomic.Bool
	server   *http.Server
)

// Init creates the process-wide metrics registry and, if port is
// nonzero, starts an HTTP server exposing it at /metrics. Calling Init
// with enabled=false leaves IsEnabled() false and GetRegistry() nil, so
// the pkg/metrics/prometheus constructors, which check IsEnabled first,
// create no collectors.
func Init(on bool, port int) *http.Server {
	mu.Lock()
	defer mu.Unlock()

	if !on {
		enabled.Store(false)
		registry = nil
		return nil
	}

	registry = prometheus.NewRegistry()
	enabled.Store(true)

	if port == 0 {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	return server
}

// IsEnabled reports whether metrics collection is active.
func IsEnabled() bool {
	return enabled.Load()
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled. promauto.With(nil) panics, so callers must check IsEnabled
// first — every constructor in pkg/metrics/prometheus does this.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}
