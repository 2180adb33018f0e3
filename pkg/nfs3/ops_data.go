package nfs3

import (
	"bytes"
	"context"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// Read implements NFSPROC3_READ (RFC 1813 §3.3.6). Every call opens (or
// reuses, via the shared open cache) a data handle for fh and releases
// it before returning — NFSv3 is stateless at the wire level, so the
// cache, not an explicit OPEN/CLOSE pair, is what collapses N concurrent
// READs on one handle into a single backend open (spec.md §8 scenario 5).
func (h *Handler) Read(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}
	offset, err := xdr.DecodeUint64(r)
	if err != nil {
		return nil, err
	}
	count, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	if count > h.FSInfo.RtMax {
		count = h.FSInfo.RtMax
	}

	backend, handle, err := h.openForIO(ctx, cred, fh, vfs.OpenRDOnly)
	var buf bytes.Buffer
	if err != nil {
		status := FromVFS(err)
		if werr := xdr.WriteUint32(&buf, status); werr != nil {
			return nil, werr
		}
		if werr := writePostOpAttr(&buf, nil, err); werr != nil {
			return nil, werr
		}
		return buf.Bytes(), nil
	}
	defer h.releaseIO(fh)

	req := vfs.NewRequest(vfs.OpRead, cred, &vfs.ReadArgs{FH: fh, Handle: handle, Offset: offset, Count: count})
	req.FH = fh
	req.Result = &vfs.ReadResult{}
	callErr := h.Dispatcher.CallOn(ctx, backend, req)

	status := FromVFS(callErr)
	if werr := xdr.WriteUint32(&buf, status); werr != nil {
		return nil, werr
	}
	attr := h.getattr(ctx, cred, fh)
	if werr := writePostOpAttr(&buf, attr, nil); werr != nil {
		return nil, werr
	}
	if callErr != nil {
		return buf.Bytes(), nil
	}

	res := req.Result.(*vfs.ReadResult)
	if werr := xdr.WriteUint32(&buf, uint32(len(res.Data))); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteBool(&buf, res.EOF); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteXDROpaque(&buf, res.Data); werr != nil {
		return nil, werr
	}
	return buf.Bytes(), nil
}

// stableHow mirrors the stable_how enum (RFC 1813 §3.3.7): UNSTABLE(0),
// DATA_SYNC(1), FILE_SYNC(2). The VFS WriteArgs.Stable bit collapses the
// latter two (both require durability before reply) to a single bool —
// the distinction is a journaling-granularity hint no shipped backend
// acts on differently.
const (
	stableUnstable int32 = 0
	stableDataSync int32 = 1
	stableFileSync int32 = 2
)

// Write implements NFSPROC3_WRITE (RFC 1813 §3.3.7).
func (h *Handler) Write(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}
	offset, err := xdr.DecodeUint64(r)
	if err != nil {
		return nil, err
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // count (redundant with opaque length)
		return nil, err
	}
	stableHow, err := xdr.DecodeInt32(r)
	if err != nil {
		return nil, err
	}
	data, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nil, err
	}

	pre := h.getattr(ctx, cred, fh)
	backend, handle, err := h.openForIO(ctx, cred, fh, vfs.OpenWROnly)
	var buf bytes.Buffer
	if err != nil {
		status := FromVFS(err)
		if werr := xdr.WriteUint32(&buf, status); werr != nil {
			return nil, werr
		}
		if werr := writeWccData(&buf, pre, nil, err); werr != nil {
			return nil, werr
		}
		return buf.Bytes(), nil
	}
	defer h.releaseIO(fh)

	req := vfs.NewRequest(vfs.OpWrite, cred, &vfs.WriteArgs{
		FH: fh, Handle: handle, Offset: offset, Data: data, Stable: stableHow != stableUnstable,
	})
	req.FH = fh
	req.Result = &vfs.WriteResult{}
	callErr := h.Dispatcher.CallOn(ctx, backend, req)

	status := FromVFS(callErr)
	if werr := xdr.WriteUint32(&buf, status); werr != nil {
		return nil, werr
	}
	if callErr != nil {
		if werr := writeWccData(&buf, pre, nil, callErr); werr != nil {
			return nil, werr
		}
		return buf.Bytes(), nil
	}

	res := req.Result.(*vfs.WriteResult)
	if werr := writeWccData(&buf, pre, h.getattr(ctx, cred, fh), nil); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteUint32(&buf, res.Count); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteInt32(&buf, stableHow); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteUint64(&buf, res.Verifier); werr != nil {
		return nil, werr
	}
	return buf.Bytes(), nil
}
