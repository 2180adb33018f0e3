package badgerfs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/pkg/vfs"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(context.Background(), Config{Path: filepath.Join(t.TempDir(), "db"), FSID: 1})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestCreateWriteReadRoundtrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
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
	b := newTestBackend(t)
	root := b.RootFH()

	req := vfs.NewRequest(vfs.OpLookup, vfs.Root, &vfs.LookupArgs{Parent: root, Name: "missing"})
	req.Result = &vfs.LookupResult{}
	b.Dispatch(ctx, req)
	require.ErrorIs(t, req.Wait(), vfs.NoEnt)
}

func TestMkdirThenReaddir(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	root := b.RootFH()

	mkdirReq := vfs.NewRequest(vfs.OpMkdir, vfs.Root, &vfs.MkdirArgs{Parent: root, Name: "sub", Mode: 0755})
	mkdirReq.Result = &vfs.CreateResult{}
	b.Dispatch(ctx, mkdirReq)
	require.NoError(t, mkdirReq.Wait())

	readdirReq := vfs.NewRequest(vfs.OpReaddir, vfs.Root, &vfs.ReaddirArgs{FH: root, MaxCount: 8192})
	readdirReq.Result = &vfs.ReaddirResult{}
	b.Dispatch(ctx, readdirReq)
	require.NoError(t, readdirReq.Wait())

	res := readdirReq.Result.(*vfs.ReaddirResult)
	require.True(t, res.EOF)
	require.Len(t, res.Entries, 1)
	require.Equal(t, "sub", res.Entries[0].Name)
}

func TestRemoveRejectsNonEmptyDir(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	root := b.RootFH()

	mkdirReq := vfs.NewRequest(vfs.OpMkdir, vfs.Root, &vfs.MkdirArgs{Parent: root, Name: "sub", Mode: 0755})
	mkdirReq.Result = &vfs.CreateResult{}
	b.Dispatch(ctx, mkdirReq)
	require.NoError(t, mkdirReq.Wait())
	subFH := mkdirReq.Result.(*vfs.CreateResult).FH

	childReq := vfs.NewRequest(vfs.OpMkdir, vfs.Root, &vfs.MkdirArgs{Parent: subFH, Name: "child", Mode: 0755})
	childReq.Result = &vfs.CreateResult{}
	b.Dispatch(ctx, childReq)
	require.NoError(t, childReq.Wait())

	removeReq := vfs.NewRequest(vfs.OpRemoveAt, vfs.Root, &vfs.RemoveAtArgs{Parent: root, Name: "sub", Dir: true})
	removeReq.Result = &vfs.RemoveAtResult{}
	b.Dispatch(ctx, removeReq)
	require.ErrorIs(t, removeReq.Wait(), vfs.NotEmpty)
}

func TestSetattrTruncatesInlineData(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	root := b.RootFH()

	openReq := vfs.NewRequest(vfs.OpOpen, vfs.Root, &vfs.OpenArgs{
		Parent: root, Name: "trunc", Flags: vfs.OpenCreate | vfs.OpenRDWR, Mode: 0644,
	})
	openReq.Result = &vfs.OpenResult{}
	b.Dispatch(ctx, openReq)
	require.NoError(t, openReq.Wait())
	fh := openReq.Result.(*vfs.OpenResult).FH

	writeReq := vfs.NewRequest(vfs.OpWrite, vfs.Root, &vfs.WriteArgs{FH: fh, Offset: 0, Data: []byte("0123456789")})
	writeReq.Result = &vfs.WriteResult{}
	b.Dispatch(ctx, writeReq)
	require.NoError(t, writeReq.Wait())

	var attr vfs.Attr
	attr.SetMask = vfs.AttrSize
	attr.Size = 4
	setattrReq := vfs.NewRequest(vfs.OpSetattr, vfs.Root, &vfs.SetattrArgs{FH: fh, Attr: attr})
	setattrReq.Result = &vfs.SetattrResult{}
	b.Dispatch(ctx, setattrReq)
	require.NoError(t, setattrReq.Wait())
	require.Equal(t, uint64(4), setattrReq.Result.(*vfs.SetattrResult).PostAttr.Size)

	readReq := vfs.NewRequest(vfs.OpRead, vfs.Root, &vfs.ReadArgs{FH: fh, Offset: 0, Count: 16})
	readReq.Result = &vfs.ReadResult{}
	b.Dispatch(ctx, readReq)
	require.NoError(t, readReq.Wait())
	require.Equal(t, []byte("0123"), readReq.Result.(*vfs.ReadResult).Data)
}

func TestRootFHIsStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b1, err := New(ctx, Config{Path: filepath.Join(dir, "db"), FSID: 1})
	require.NoError(t, err)
	root1 := b1.RootFH()
	require.NoError(t, b1.Close())

	b2, err := New(ctx, Config{Path: filepath.Join(dir, "db"), FSID: 1})
	require.NoError(t, err)
	defer func() { require.NoError(t, b2.Close()) }()
	require.Equal(t, root1, b2.RootFH())
}
