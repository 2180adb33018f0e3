package nfs3

import (
	"bytes"
	"context"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// Null implements NFSPROC3_NULL: no arguments, no result.
func (h *Handler) Null(ctx context.Context) ([]byte, error) {
	return nil, nil
}

// GetAttr implements NFSPROC3_GETATTR (RFC 1813 §3.3.1).
func (h *Handler) GetAttr(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}

	req := vfs.NewRequest(vfs.OpGetattr, cred, &vfs.GetattrArgs{FH: fh, AttrMask: vfs.MaskStat})
	req.FH = fh
	req.Result = &vfs.GetattrResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	if status != OK {
		return buf.Bytes(), nil
	}
	attr := req.Result.(*vfs.GetattrResult).Attr
	if err := writeFattr3(&buf, ToFattr3(&attr)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SetAttr implements NFSPROC3_SETATTR (RFC 1813 §3.3.2). Guard carries
// the optional ctime precondition (sattrguard3); a mismatch fails with
// ErrNotSync before any attribute is applied.
func (h *Handler) SetAttr(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}
	sattr, err := readSattr3(r)
	if err != nil {
		return nil, err
	}
	hasGuard, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, err
	}
	var guard *vfs.Time
	if hasGuard {
		sec, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		nsec, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		t := (Time3{Seconds: sec, Nseconds: nsec}).toVFS()
		guard = &t
	}

	pre := h.getattr(ctx, cred, fh)

	var attr vfs.Attr
	sattr.applyTo(&attr)
	req := vfs.NewRequest(vfs.OpSetattr, cred, &vfs.SetattrArgs{FH: fh, Attr: attr, Guard: guard})
	req.FH = fh
	req.Result = &vfs.SetattrResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	if callErr == nil {
		res := req.Result.(*vfs.SetattrResult)
		if err := writeWccData(&buf, pre, &res.PostAttr, nil); err != nil {
			return nil, err
		}
	} else {
		if err := writeWccData(&buf, pre, nil, callErr); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// Access implements NFSPROC3_ACCESS (RFC 1813 §3.3.4).
func (h *Handler) Access(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}
	requested, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}

	req := vfs.NewRequest(vfs.OpAccess, cred, &vfs.AccessArgs{FH: fh, Request: requested})
	req.FH = fh
	req.Result = &vfs.AccessResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	if status != OK {
		if err := writePostOpAttr(&buf, nil, callErr); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	res := req.Result.(*vfs.AccessResult)
	if err := writePostOpAttr(&buf, h.getattr(ctx, cred, fh), nil); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, res.Granted); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Readlink implements NFSPROC3_READLINK (RFC 1813 §3.3.5).
func (h *Handler) Readlink(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}

	req := vfs.NewRequest(vfs.OpReadlink, cred, &vfs.ReadlinkArgs{FH: fh})
	req.FH = fh
	req.Result = &vfs.ReadlinkResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	attr := h.getattr(ctx, cred, fh)
	if err := writePostOpAttr(&buf, attr, nil); err != nil {
		return nil, err
	}
	if status != OK {
		return buf.Bytes(), nil
	}
	res := req.Result.(*vfs.ReadlinkResult)
	if err := xdr.WriteXDRString(&buf, res.Target); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fsstat implements NFSPROC3_FSSTAT (RFC 1813 §3.3.18).
func (h *Handler) Fsstat(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}

	req := vfs.NewRequest(vfs.OpGetattr, cred, &vfs.GetattrArgs{FH: fh, AttrMask: vfs.MaskStat | vfs.MaskStatfs})
	req.FH = fh
	req.Result = &vfs.GetattrResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	if status != OK {
		if err := writePostOpAttr(&buf, nil, callErr); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	attr := req.Result.(*vfs.GetattrResult).Attr
	if err := writePostOpAttr(&buf, &attr, nil); err != nil {
		return nil, err
	}
	for _, v := range []uint64{
		attr.FSSpaceTotal, attr.FSSpaceFree, attr.FSSpaceAvail,
		attr.FSFilesTotal, attr.FSFilesFree, attr.FSFilesAvail,
	} {
		if err := xdr.WriteUint64(&buf, v); err != nil {
			return nil, err
		}
	}
	// invarsec: how long these figures may be cached. 0 means "no
	// guarantee"; the server recomputes on every call so that is honest.
	if err := xdr.WriteUint32(&buf, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Fsinfo implements NFSPROC3_FSINFO (RFC 1813 §3.3.19).
func (h *Handler) Fsinfo(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}

	attr := h.getattr(ctx, cred, fh)
	status := OK
	if attr == nil {
		status = ErrStale
	}

	var buf bytes.Buffer
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	if err := writePostOpAttr(&buf, attr, nil); err != nil {
		return nil, err
	}
	if status != OK {
		return buf.Bytes(), nil
	}

	limits := h.FSInfo
	values := []uint32{
		limits.RtMax, limits.RtMax, limits.RtMax, // rtmax, rtpref, rtmult
		limits.WtMax, limits.WtMax, limits.WtMax, // wtmax, wtpref, wtmult
		limits.DtPref,
	}
	for _, v := range values {
		if err := xdr.WriteUint32(&buf, v); err != nil {
			return nil, err
		}
	}
	if err := xdr.WriteUint64(&buf, ^uint64(0)>>1); err != nil { // maxfilesize
		return nil, err
	}
	// time_delta: server time granularity, 1 second.
	if err := xdr.WriteUint32(&buf, 1); err != nil {
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, 0); err != nil {
		return nil, err
	}
	properties := FSFLink | FSFSymlink | FSFHomogeneous | FSFCanSetTime
	if err := xdr.WriteUint32(&buf, properties); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Pathconf implements NFSPROC3_PATHCONF (RFC 1813 §3.3.20).
func (h *Handler) Pathconf(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}

	attr := h.getattr(ctx, cred, fh)
	status := OK
	if attr == nil {
		status = ErrStale
	}

	var buf bytes.Buffer
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	if err := writePostOpAttr(&buf, attr, nil); err != nil {
		return nil, err
	}
	if status != OK {
		return buf.Bytes(), nil
	}

	if err := xdr.WriteUint32(&buf, ^uint32(0)); err != nil { // linkmax
		return nil, err
	}
	if err := xdr.WriteUint32(&buf, 255); err != nil { // name_max
		return nil, err
	}
	if err := xdr.WriteBool(&buf, true); err != nil { // no_trunc
		return nil, err
	}
	if err := xdr.WriteBool(&buf, true); err != nil { // chown_restricted
		return nil, err
	}
	if err := xdr.WriteBool(&buf, true); err != nil { // case_insensitive
		return nil, err
	}
	if err := xdr.WriteBool(&buf, true); err != nil { // case_preserving
		return nil, err
	}
	return buf.Bytes(), nil
}

// Commit implements NFSPROC3_COMMIT (RFC 1813 §3.3.21).
func (h *Handler) Commit(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
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

	pre := h.getattr(ctx, cred, fh)

	backend, handle, err := h.openForIO(ctx, cred, fh, vfs.OpenRDWR)
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

	req := vfs.NewRequest(vfs.OpCommit, cred, &vfs.CommitArgs{FH: fh, Handle: handle, Offset: offset, Count: count})
	req.FH = fh
	req.Result = &vfs.CommitResult{}
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
	res := req.Result.(*vfs.CommitResult)
	post := h.getattr(ctx, cred, fh)
	if werr := writeWccData(&buf, pre, post, nil); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteUint64(&buf, res.Verifier); werr != nil {
		return nil, werr
	}
	return buf.Bytes(), nil
}
