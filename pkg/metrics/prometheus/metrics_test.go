package prometheus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/pkg/metrics"
)

func TestNewNFSMetricsDisabledIsNilSafe(t *testing.T) {
	metrics.Init(false, 0)
	m := NewNFSMetrics()

	require.NotPanics(t, func() {
		m.RecordRequestStart("LOOKUP", "share")
		m.RecordRequest("LOOKUP", "share", time.Millisecond, "")
		m.RecordRequestEnd("LOOKUP", "share")
		m.RecordConnectionAccepted()
		m.RecordConnectionClosed()
	})
}

func TestNewNFSMetricsEnabledRecords(t *testing.T) {
	metrics.Init(true, 0)
	m := NewNFSMetrics()

	require.NotPanics(t, func() {
		m.RecordRequestStart("READ", "share")
		m.RecordRequest("READ", "share", 5*time.Millisecond, "")
		m.RecordRequestEnd("READ", "share")
		m.RecordBytesTransferred("READ", "share", "read", 4096)
		m.RecordOperationSize("read", "share", 4096)
		m.SetActiveConnections(2)
		m.RecordConnectionAccepted()
		m.RecordConnectionClosed()
		m.RecordConnectionForceClosed()
		m.RecordCacheHit("share", "block", 4096)
		m.RecordCacheMiss("share", 4096)
	})

	reg := metrics.GetRegistry()
	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewBadgerMetricsDisabledIsNilSafe(t *testing.T) {
	metrics.Init(false, 0)
	m := NewBadgerMetrics()

	require.NotPanics(t, func() {
		m.Report(nil, nil)
	})
}

func TestNewBadgerMetricsEnabledIsNilSafeOnNilSnapshot(t *testing.T) {
	metrics.Init(true, 0)
	m := NewBadgerMetrics()

	// A badgerfs database with no configured cache (or not yet warmed up)
	// reports nil *ristretto.Metrics for block/index; Report must no-op
	// rather than dereference them.
	require.NotPanics(t, func() {
		m.Report(nil, nil)
	})

	reg := metrics.GetRegistry()
	_, err := reg.Gather()
	require.NoError(t, err)
}
