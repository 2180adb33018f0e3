package memfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/pkg/vfs"
)

func TestCreateWriteReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	b := New(1)
	root := b.RootFH()

	openReq := vfs.NewRequest(vfs.OpOpen, vfs.Root, &vfs.OpenArgs{
		Parent: root, Name: "f", Flags: vfs.OpenCreate | vfs.OpenRDWR, Mode: 0644,
	})
	openReq.FH = root
	openReq.Result = &vfs.OpenResult{}
	b.Dispatch(ctx, openReq)
	require.NoError(t, openReq.Wait())

	openRes := openReq.Result.(*vfs.OpenResult)
	require.True(t, openRes.Created)

	writeReq := vfs.NewRequest(vfs.OpWrite, vfs.Root, &vfs.WriteArgs{
		FH: openRes.FH, Offset: 0, Data: []byte("hello"),
	})
	writeReq.Result = &vfs.WriteResult{}
	b.Dispatch(ctx, writeReq)
	require.NoError(t, writeReq.Wait())

	readReq := vfs.NewRequest(vfs.OpRead, vfs.Root, &vfs.ReadArgs{
		FH: openRes.FH, Offset: 0, Count: 5,
	})
	readReq.Result = &vfs.ReadResult{}
	b.Dispatch(ctx, readReq)
	require.NoError(t, readReq.Wait())
	readRes := readReq.Result.(*vfs.ReadResult)
	require.Equal(t, []byte("hello"), readRes.Data)
	require.True(t, readRes.EOF)
}

func TestLookupNotFound(t *testing.T) {
	ctx := context.Background()
	b := New(1)
	root := b.RootFH()

	req := vfs.NewRequest(vfs.OpLookup, vfs.Root, &vfs.LookupArgs{Parent: root, Name: "missing"})
	req.Result = &vfs.LookupResult{}
	b.Dispatch(ctx, req)
	require.ErrorIs(t, req.Wait(), vfs.NoEnt)
}
