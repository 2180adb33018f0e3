package nfs3

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

func TestWriteThenRead(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var createBody bytes.Buffer
	createBody.Write(encodeDirOpArgs(t, root, "rw.txt"))
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

	var writeBody bytes.Buffer
	writeBody.Write(encodeFH(t, fh))
	require.NoError(t, xdr.WriteUint64(&writeBody, 0))
	require.NoError(t, xdr.WriteUint32(&writeBody, 11))
	require.NoError(t, xdr.WriteInt32(&writeBody, stableFileSync))
	require.NoError(t, xdr.WriteXDROpaque(&writeBody, []byte("hello world")))

	writeReply, err := h.Write(ctx, vfs.Root, writeBody.Bytes())
	require.NoError(t, err)
	writeStatus, _ := readStatus(t, writeReply)
	require.Equal(t, OK, writeStatus)

	var readBody bytes.Buffer
	readBody.Write(encodeFH(t, fh))
	require.NoError(t, xdr.WriteUint64(&readBody, 0))
	require.NoError(t, xdr.WriteUint32(&readBody, 32))

	readReply, err := h.Read(ctx, vfs.Root, readBody.Bytes())
	require.NoError(t, err)

	status, rr := readStatus(t, readReply)
	require.Equal(t, OK, status)

	hasAttr, err := xdr.DecodeBool(rr)
	require.NoError(t, err)
	require.True(t, hasAttr)
	_, err = decodeFattr3Body(rr)
	require.NoError(t, err)

	count, err := xdr.DecodeUint32(rr)
	require.NoError(t, err)
	require.Equal(t, uint32(11), count)

	eof, err := xdr.DecodeBool(rr)
	require.NoError(t, err)
	require.True(t, eof)

	data, err := xdr.DecodeOpaque(rr)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}
