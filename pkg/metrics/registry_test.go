package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDisabledLeavesRegistryNil(t *testing.T) {
	srv := Init(false, 0)
	require.Nil(t, srv)
	require.False(t, IsEnabled())
	require.Nil(t, GetRegistry())
}

func TestInitEnabledWithoutPortSkipsServer(t *testing.T) {
	srv := Init(true, 0)
	require.Nil(t, srv)
	require.True(t, IsEnabled())
	require.NotNil(t, GetRegistry())

	Init(false, 0)
}

func TestInitEnabledWithPortReturnsServer(t *testing.T) {
	srv := Init(true, 9301)
	require.NotNil(t, srv)
	require.Equal(t, ":9301", srv.Addr)
	require.True(t, IsEnabled())
	require.NotNil(t, GetRegistry())

	Init(false, 0)
}

func TestNoopSatisfiesNFSMetricsWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		Noop.RecordRequestStart("LOOKUP", "share")
		Noop.RecordRequest("LOOKUP", "share", 0, "")
		Noop.RecordRequestEnd("LOOKUP", "share")
		Noop.RecordBytesTransferred("READ", "share", "read", 1024)
		Noop.RecordOperationSize("read", "share", 1024)
		Noop.SetActiveConnections(3)
		Noop.RecordConnectionAccepted()
		Noop.RecordConnectionClosed()
		Noop.RecordConnectionForceClosed()
		Noop.RecordCacheHit("share", "read", 512)
		Noop.RecordCacheMiss("share", 512)
	})
}
