package nfs4

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/mount"
	"github.com/driftfs/nfsd/pkg/vfs"
	"github.com/driftfs/nfsd/pkg/vfs/backend/memfs"
)

func newTestHandler(t *testing.T) (*Handler, vfs.FileHandle) {
	t.Helper()
	b := memfs.New(1)
	reg := vfs.NewRegistry()
	require.NoError(t, reg.Register(b))
	table := mount.NewTable([]mount.Export{{Name: "/export", RootFH: b.RootFH(), Backend: b}})
	h := NewHandler(vfs.NewDispatcher(reg), table)
	return h, b.RootFH()
}

// encodeCompoundBody builds a COMPOUND request body: tag, minorversion,
// an op array of (opcode, argBytes) pairs.
func encodeCompoundBody(t *testing.T, minorVersion uint32, ops ...compoundOp) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, xdr.WriteXDRString(&buf, "test"))
	require.NoError(t, xdr.WriteUint32(&buf, minorVersion))
	require.NoError(t, xdr.WriteUint32(&buf, uint32(len(ops))))
	for _, o := range ops {
		require.NoError(t, xdr.WriteUint32(&buf, o.code))
		buf.Write(o.args)
	}
	return buf.Bytes()
}

type compoundOp struct {
	code uint32
	args []byte
}

func op(code uint32, args []byte) compoundOp {
	return compoundOp{code: code, args: args}
}

func encodePutFH(t *testing.T, fh vfs.FileHandle) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, xdr.WriteXDROpaque(&buf, fh))
	return buf.Bytes()
}

// decodeCompoundReplyHeader reads status/tag/resultcount, returning a
// reader positioned at the first op's echoed opcode. Each op's own
// reply shape varies, so callers decode the remaining ops themselves
// (opcode uint32, then that op's result fields).
func decodeCompoundReplyHeader(t *testing.T, reply []byte) (uint32, uint32, *bytes.Reader) {
	t.Helper()
	r := bytes.NewReader(reply)
	status, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	_, err = xdr.DecodeString(r)
	require.NoError(t, err)
	n, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	return status, n, r
}
