package nfs4

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

func mkdirViaCreate(t *testing.T, h *Handler, root vfs.FileHandle, name string) vfs.FileHandle {
	t.Helper()
	var createArgs bytes.Buffer
	require.NoError(t, xdr.WriteUint32(&createArgs, NF4Dir))
	require.NoError(t, xdr.WriteXDRString(&createArgs, name))
	require.NoError(t, xdr.WriteUint32(&createArgs, 0)) // fattr4 bitmap, empty
	require.NoError(t, xdr.WriteXDROpaque(&createArgs, nil))

	body := encodeCompoundBody(t, 0,
		op(OpPutFH, encodePutFH(t, root)),
		op(OpCreate, createArgs.Bytes()),
		op(OpGetFH, nil),
	)
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, r := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)

	_, err = xdr.DecodeUint32(r) // PUTFH opcode
	require.NoError(t, err)
	_, err = xdr.DecodeUint32(r) // PUTFH status
	require.NoError(t, err)

	_, err = xdr.DecodeUint32(r) // CREATE opcode
	require.NoError(t, err)
	_, err = xdr.DecodeUint32(r) // CREATE status
	require.NoError(t, err)
	_, err = xdr.DecodeBool(r)
	require.NoError(t, err)
	_, err = xdr.DecodeUint64(r)
	require.NoError(t, err)
	_, err = xdr.DecodeUint64(r)
	require.NoError(t, err)
	_, err = decodeBitmap4(r)
	require.NoError(t, err)

	_, err = xdr.DecodeUint32(r) // GETFH opcode
	require.NoError(t, err)
	_, err = xdr.DecodeUint32(r) // GETFH status
	require.NoError(t, err)
	fh, err := readFH4(r)
	require.NoError(t, err)
	return fh
}

func TestCreateDirectory(t *testing.T) {
	h, root := newTestHandler(t)
	fh := mkdirViaCreate(t, h, root, "subdir")
	require.NotEmpty(t, fh)
}

func TestRemoveEnforcesDirVsFileType(t *testing.T) {
	h, root := newTestHandler(t)
	mkdirViaCreate(t, h, root, "adir")

	var removeArgs bytes.Buffer
	require.NoError(t, xdr.WriteXDRString(&removeArgs, "adir"))

	body := encodeCompoundBody(t, 0,
		op(OpPutFH, encodePutFH(t, root)),
		op(OpRemove, removeArgs.Bytes()),
	)
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
}

func TestRemoveMissingFails(t *testing.T) {
	h, root := newTestHandler(t)

	var removeArgs bytes.Buffer
	require.NoError(t, xdr.WriteXDRString(&removeArgs, "nope"))

	body := encodeCompoundBody(t, 0,
		op(OpPutFH, encodePutFH(t, root)),
		op(OpRemove, removeArgs.Bytes()),
	)
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, ErrNoEnt, status)
}

func encodeModeOnlyFattr4(t *testing.T, mode uint32) []byte {
	t.Helper()
	var buf bytes.Buffer
	var mask Bitmap4
	mask.set(FAttrMode)
	require.NoError(t, writeBitmap4(&buf, mask))
	var vals bytes.Buffer
	require.NoError(t, xdr.WriteUint32(&vals, mode))
	require.NoError(t, xdr.WriteXDROpaque(&buf, vals.Bytes()))
	return buf.Bytes()
}

func TestVerifyMatchingModeSucceeds(t *testing.T) {
	h, root := newTestHandler(t)

	body := encodeCompoundBody(t, 0,
		op(OpPutFH, encodePutFH(t, root)),
		op(OpGetattr, func() []byte {
			var b Bitmap4
			b.set(FAttrMode)
			var buf bytes.Buffer
			_ = writeBitmap4(&buf, b)
			return buf.Bytes()
		}()),
	)
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, r := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, OK, status)
	_, err = xdr.DecodeUint32(r)
	require.NoError(t, err)
	_, err = xdr.DecodeUint32(r)
	require.NoError(t, err)
	_, err = decodeBitmap4(r)
	require.NoError(t, err)
	vals, err := xdr.DecodeOpaque(r)
	require.NoError(t, err)
	mode, err := xdr.DecodeUint32(bytes.NewReader(vals))
	require.NoError(t, err)

	verifyBody := encodeCompoundBody(t, 0,
		op(OpPutFH, encodePutFH(t, root)),
		op(OpVerify, encodeModeOnlyFattr4(t, mode)),
	)
	verifyReply, err := h.Compound(context.Background(), vfs.Root, verifyBody)
	require.NoError(t, err)
	verifyStatus, _, _ := decodeCompoundReplyHeader(t, verifyReply)
	require.Equal(t, OK, verifyStatus)

	nverifyBody := encodeCompoundBody(t, 0,
		op(OpPutFH, encodePutFH(t, root)),
		op(OpNVerify, encodeModeOnlyFattr4(t, mode)),
	)
	nverifyReply, err := h.Compound(context.Background(), vfs.Root, nverifyBody)
	require.NoError(t, err)
	nverifyStatus, _, _ := decodeCompoundReplyHeader(t, nverifyReply)
	require.Equal(t, ErrSame, nverifyStatus)
}

func TestVerifyMismatchedModeFails(t *testing.T) {
	h, root := newTestHandler(t)

	body := encodeCompoundBody(t, 0,
		op(OpPutFH, encodePutFH(t, root)),
		op(OpVerify, encodeModeOnlyFattr4(t, 0007)),
	)
	reply, err := h.Compound(context.Background(), vfs.Root, body)
	require.NoError(t, err)
	status, _, _ := decodeCompoundReplyHeader(t, reply)
	require.Equal(t, ErrNotSame, status)
}
