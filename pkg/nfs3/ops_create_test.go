package nfs3

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
	"github.com/driftfs/nfsd/pkg/vfs/backend/memfs"
)

func newTestHandler(t *testing.T) (*Handler, vfs.FileHandle) {
	t.Helper()
	b := memfs.New(1)
	reg := vfs.NewRegistry()
	require.NoError(t, reg.Register(b))
	h := NewHandler(vfs.NewDispatcher(reg), DefaultFSInfoLimits, 0xfeedface)
	return h, b.RootFH()
}

func encodeDirOpArgs(t *testing.T, fh vfs.FileHandle, name string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, xdr.WriteXDROpaque(&buf, fh))
	require.NoError(t, xdr.WriteXDRString(&buf, name))
	return buf.Bytes()
}

func encodeFH(t *testing.T, fh vfs.FileHandle) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, xdr.WriteXDROpaque(&buf, fh))
	return buf.Bytes()
}

// encodeSattr3Unset writes a sattr3 with every optional field absent:
// DONT_CHANGE throughout.
func encodeSattr3Unset(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < 4; i++ {
		require.NoError(t, xdr.WriteBool(&buf, false))
	}
	require.NoError(t, xdr.WriteInt32(&buf, timeDontChange))
	require.NoError(t, xdr.WriteInt32(&buf, timeDontChange))
	return buf.Bytes()
}

func readStatus(t *testing.T, reply []byte) (uint32, *bytes.Reader) {
	t.Helper()
	r := bytes.NewReader(reply)
	status, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	return status, r
}

func TestCreateUnchecked(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var body bytes.Buffer
	body.Write(encodeDirOpArgs(t, root, "hello.txt"))
	require.NoError(t, xdr.WriteInt32(&body, createUnchecked))
	body.Write(encodeSattr3Unset(t))

	reply, err := h.Create(ctx, vfs.Root, body.Bytes())
	require.NoError(t, err)

	status, r := readStatus(t, reply)
	require.Equal(t, OK, status)

	hasFH, err := xdr.DecodeBool(r)
	require.NoError(t, err)
	require.True(t, hasFH)
	fh, err := xdr.DecodeOpaque(r)
	require.NoError(t, err)
	require.NotEmpty(t, fh)

	hasAttr, err := xdr.DecodeBool(r)
	require.NoError(t, err)
	require.True(t, hasAttr)
}

func TestCreateGuardedRejectsDuplicate(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	makeBody := func() []byte {
		var body bytes.Buffer
		body.Write(encodeDirOpArgs(t, root, "dup.txt"))
		require.NoError(t, xdr.WriteInt32(&body, createGuarded))
		body.Write(encodeSattr3Unset(t))
		return body.Bytes()
	}

	reply, err := h.Create(ctx, vfs.Root, makeBody())
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, OK, status)

	reply, err = h.Create(ctx, vfs.Root, makeBody())
	require.NoError(t, err)
	status, _ = readStatus(t, reply)
	require.Equal(t, ErrExist, status)
}

func TestMkdirThenLookup(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var body bytes.Buffer
	body.Write(encodeDirOpArgs(t, root, "sub"))
	body.Write(encodeSattr3Unset(t))

	reply, err := h.Mkdir(ctx, vfs.Root, body.Bytes())
	require.NoError(t, err)
	status, r := readStatus(t, reply)
	require.Equal(t, OK, status)

	hasFH, err := xdr.DecodeBool(r)
	require.NoError(t, err)
	require.True(t, hasFH)

	lookupReply, err := h.Lookup(ctx, vfs.Root, encodeDirOpArgs(t, root, "sub"))
	require.NoError(t, err)
	lookupStatus, _ := readStatus(t, lookupReply)
	require.Equal(t, OK, lookupStatus)
}

func TestMknodRejectsUnknownType(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var body bytes.Buffer
	body.Write(encodeDirOpArgs(t, root, "weird"))
	require.NoError(t, xdr.WriteUint32(&body, 99)) // unrecognized ftype3

	reply, err := h.Mknod(ctx, vfs.Root, body.Bytes())
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, ErrBadType, status)
}

func TestRemoveFile(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var createBody bytes.Buffer
	createBody.Write(encodeDirOpArgs(t, root, "gone.txt"))
	require.NoError(t, xdr.WriteInt32(&createBody, createUnchecked))
	createBody.Write(encodeSattr3Unset(t))
	_, err := h.Create(ctx, vfs.Root, createBody.Bytes())
	require.NoError(t, err)

	reply, err := h.Remove(ctx, vfs.Root, encodeDirOpArgs(t, root, "gone.txt"))
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, OK, status)

	lookupReply, err := h.Lookup(ctx, vfs.Root, encodeDirOpArgs(t, root, "gone.txt"))
	require.NoError(t, err)
	lookupStatus, _ := readStatus(t, lookupReply)
	require.Equal(t, ErrNoEnt, lookupStatus)
}

func TestRenameFile(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var createBody bytes.Buffer
	createBody.Write(encodeDirOpArgs(t, root, "old.txt"))
	require.NoError(t, xdr.WriteInt32(&createBody, createUnchecked))
	createBody.Write(encodeSattr3Unset(t))
	_, err := h.Create(ctx, vfs.Root, createBody.Bytes())
	require.NoError(t, err)

	var renameBody bytes.Buffer
	renameBody.Write(encodeDirOpArgs(t, root, "old.txt"))
	renameBody.Write(encodeDirOpArgs(t, root, "new.txt"))

	reply, err := h.Rename(ctx, vfs.Root, renameBody.Bytes())
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, OK, status)

	oldLookup, err := h.Lookup(ctx, vfs.Root, encodeDirOpArgs(t, root, "old.txt"))
	require.NoError(t, err)
	oldStatus, _ := readStatus(t, oldLookup)
	require.Equal(t, ErrNoEnt, oldStatus)

	newLookup, err := h.Lookup(ctx, vfs.Root, encodeDirOpArgs(t, root, "new.txt"))
	require.NoError(t, err)
	newStatus, _ := readStatus(t, newLookup)
	require.Equal(t, OK, newStatus)
}

func TestLinkFile(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var createBody bytes.Buffer
	createBody.Write(encodeDirOpArgs(t, root, "a.txt"))
	require.NoError(t, xdr.WriteInt32(&createBody, createUnchecked))
	createBody.Write(encodeSattr3Unset(t))
	createReply, err := h.Create(ctx, vfs.Root, createBody.Bytes())
	require.NoError(t, err)

	_, r := readStatus(t, createReply)
	hasFH, err := xdr.DecodeBool(r)
	require.NoError(t, err)
	require.True(t, hasFH)
	fh, err := xdr.DecodeOpaque(r)
	require.NoError(t, err)

	var linkBody bytes.Buffer
	linkBody.Write(encodeFH(t, fh))
	linkBody.Write(encodeDirOpArgs(t, root, "b.txt"))

	reply, err := h.Link(ctx, vfs.Root, linkBody.Bytes())
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, OK, status)

	lookupReply, err := h.Lookup(ctx, vfs.Root, encodeDirOpArgs(t, root, "b.txt"))
	require.NoError(t, err)
	lookupStatus, _ := readStatus(t, lookupReply)
	require.Equal(t, OK, lookupStatus)
}
