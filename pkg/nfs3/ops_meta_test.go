package nfs3

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

func TestGetAttrRoot(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	reply, err := h.GetAttr(ctx, vfs.Root, encodeFH(t, root))
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, OK, status)
}

func TestGetAttrStaleHandle(t *testing.T) {
	h, _ := newTestHandler(t)
	ctx := context.Background()

	bogus := vfs.FileHandle([]byte{0x01, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	reply, err := h.GetAttr(ctx, vfs.Root, encodeFH(t, bogus))
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, ErrStale, status)
}

func TestSetAttrTruncate(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var createBody bytes.Buffer
	createBody.Write(encodeDirOpArgs(t, root, "f.txt"))
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
	require.NoError(t, xdr.WriteUint32(&writeBody, 5))
	require.NoError(t, xdr.WriteInt32(&writeBody, stableFileSync))
	require.NoError(t, xdr.WriteXDROpaque(&writeBody, []byte("hello")))
	_, err = h.Write(ctx, vfs.Root, writeBody.Bytes())
	require.NoError(t, err)

	var setattrBody bytes.Buffer
	setattrBody.Write(encodeFH(t, fh))
	for i := 0; i < 3; i++ {
		require.NoError(t, xdr.WriteBool(&setattrBody, false))
	}
	require.NoError(t, xdr.WriteBool(&setattrBody, true)) // set_size3 present
	require.NoError(t, xdr.WriteUint64(&setattrBody, 2))
	require.NoError(t, xdr.WriteInt32(&setattrBody, timeDontChange))
	require.NoError(t, xdr.WriteInt32(&setattrBody, timeDontChange))
	require.NoError(t, xdr.WriteBool(&setattrBody, false)) // no guard

	reply, err := h.SetAttr(ctx, vfs.Root, setattrBody.Bytes())
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, OK, status)

	attrReply, err := h.GetAttr(ctx, vfs.Root, encodeFH(t, fh))
	require.NoError(t, err)
	attrStatus, r := readStatus(t, attrReply)
	require.Equal(t, OK, attrStatus)
	fattr, err := decodeFattr3Body(r)
	require.NoError(t, err)
	require.Equal(t, uint64(2), fattr.Size)
}

func TestAccessGrantsRequested(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var body bytes.Buffer
	body.Write(encodeFH(t, root))
	require.NoError(t, xdr.WriteUint32(&body, AccessRead|AccessLookup))

	reply, err := h.Access(ctx, vfs.Root, body.Bytes())
	require.NoError(t, err)
	status, r := readStatus(t, reply)
	require.Equal(t, OK, status)

	hasAttr, err := xdr.DecodeBool(r)
	require.NoError(t, err)
	require.True(t, hasAttr)
	_, err = decodeFattr3Body(r)
	require.NoError(t, err)

	granted, err := xdr.DecodeUint32(r)
	require.NoError(t, err)
	require.Equal(t, AccessRead|AccessLookup, granted)
}

func TestCommitReturnsBootVerifier(t *testing.T) {
	h, root := newTestHandler(t)
	ctx := context.Background()

	var createBody bytes.Buffer
	createBody.Write(encodeDirOpArgs(t, root, "c.txt"))
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

	var commitBody bytes.Buffer
	commitBody.Write(encodeFH(t, fh))
	require.NoError(t, xdr.WriteUint64(&commitBody, 0))
	require.NoError(t, xdr.WriteUint32(&commitBody, 0))

	reply, err := h.Commit(ctx, vfs.Root, commitBody.Bytes())
	require.NoError(t, err)
	status, _ := readStatus(t, reply)
	require.Equal(t, OK, status)
}

// decodeFattr3Body reads a raw fattr3 (no presence flag).
func decodeFattr3Body(r *bytes.Reader) (Fattr3, error) {
	var f Fattr3
	var err error
	if f.Type, err = xdr.DecodeUint32(r); err != nil {
		return f, err
	}
	if f.Mode, err = xdr.DecodeUint32(r); err != nil {
		return f, err
	}
	if f.Nlink, err = xdr.DecodeUint32(r); err != nil {
		return f, err
	}
	if f.UID, err = xdr.DecodeUint32(r); err != nil {
		return f, err
	}
	if f.GID, err = xdr.DecodeUint32(r); err != nil {
		return f, err
	}
	if f.Size, err = xdr.DecodeUint64(r); err != nil {
		return f, err
	}
	if f.Used, err = xdr.DecodeUint64(r); err != nil {
		return f, err
	}
	hi, err := xdr.DecodeUint32(r)
	if err != nil {
		return f, err
	}
	lo, err := xdr.DecodeUint32(r)
	if err != nil {
		return f, err
	}
	f.Rdev = uint64(hi)<<32 | uint64(lo)
	if f.Fsid, err = xdr.DecodeUint64(r); err != nil {
		return f, err
	}
	if f.Fileid, err = xdr.DecodeUint64(r); err != nil {
		return f, err
	}
	for _, t := range []*Time3{&f.Atime, &f.Mtime, &f.Ctime} {
		if t.Seconds, err = xdr.DecodeUint32(r); err != nil {
			return f, err
		}
		if t.Nseconds, err = xdr.DecodeUint32(r); err != nil {
			return f, err
		}
	}
	return f, nil
}
