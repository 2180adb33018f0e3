package nfs3

import (
	"bytes"
	"context"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// Lookup implements NFSPROC3_LOOKUP (RFC 1813 §3.3.3).
func (h *Handler) Lookup(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	parent, name, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}

	req := vfs.NewRequest(vfs.OpLookup, cred, &vfs.LookupArgs{Parent: parent, Name: name, AttrMask: vfs.MaskStat})
	req.FH = parent
	req.Result = &vfs.LookupResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	dirAttr := h.getattr(ctx, cred, parent)
	if status != OK {
		if err := writePostOpAttr(&buf, dirAttr, nil); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	res := req.Result.(*vfs.LookupResult)
	if err := xdr.WriteXDROpaque(&buf, res.FH); err != nil {
		return nil, err
	}
	if err := writePostOpAttr(&buf, &res.Attr, nil); err != nil {
		return nil, err
	}
	if err := writePostOpAttr(&buf, dirAttr, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// readReaddirArgs decodes the shared prefix of READDIR3args/READDIRPLUS3args:
// dir, cookie, cookieverf.
func readReaddirArgs(r *bytes.Reader) (vfs.FileHandle, uint64, uint64, error) {
	fh, err := readFH3(r)
	if err != nil {
		return nil, 0, 0, err
	}
	cookie, err := xdr.DecodeUint64(r)
	if err != nil {
		return nil, 0, 0, err
	}
	verifier, err := xdr.DecodeUint64(r)
	if err != nil {
		return nil, 0, 0, err
	}
	return fh, cookie, verifier, nil
}

func writeDirEntry(buf *bytes.Buffer, e vfs.DirEntry, plus bool) error {
	if err := xdr.WriteUint64(buf, e.FileID); err != nil {
		return err
	}
	if err := xdr.WriteXDRString(buf, e.Name); err != nil {
		return err
	}
	if err := xdr.WriteUint64(buf, e.Cookie); err != nil {
		return err
	}
	if !plus {
		return nil
	}
	attr := e.Attr
	if err := writePostOpAttr(buf, &attr, nil); err != nil {
		return err
	}
	return writePostOpFH(buf, e.FH)
}

// Readdir implements NFSPROC3_READDIR (RFC 1813 §3.3.16).
func (h *Handler) Readdir(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, cookie, verifier, err := readReaddirArgs(r)
	if err != nil {
		return nil, err
	}
	count, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}

	backend, handle, err := h.openForIO(ctx, cred, fh, vfs.OpenDirectory|vfs.OpenReadOnly)
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

	req := vfs.NewRequest(vfs.OpReaddir, cred, &vfs.ReaddirArgs{
		FH: fh, Handle: handle, Cookie: cookie, MaxCount: count, AttrMask: vfs.MaskStat,
	})
	req.FH = fh
	req.Result = &vfs.ReaddirResult{}
	callErr := h.Dispatcher.CallOn(ctx, backend, req)

	status := FromVFS(callErr)
	if werr := xdr.WriteUint32(&buf, status); werr != nil {
		return nil, werr
	}
	if callErr != nil {
		if werr := writePostOpAttr(&buf, nil, callErr); werr != nil {
			return nil, werr
		}
		return buf.Bytes(), nil
	}

	res := req.Result.(*vfs.ReaddirResult)
	if werr := writePostOpAttr(&buf, &res.DirAttr, nil); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteUint64(&buf, res.CookieVerifier); werr != nil {
		return nil, werr
	}
	_ = verifier // the client's supplied verifier is not checked; the cookie is
	// passed to the backend as given.
	for _, e := range res.Entries {
		if werr := xdr.WriteBool(&buf, true); werr != nil {
			return nil, werr
		}
		if werr := writeDirEntry(&buf, e, false); werr != nil {
			return nil, werr
		}
	}
	if werr := xdr.WriteBool(&buf, false); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteBool(&buf, res.EOF); werr != nil {
		return nil, werr
	}
	return buf.Bytes(), nil
}

// ReaddirPlus implements NFSPROC3_READDIRPLUS (RFC 1813 §3.3.17).
func (h *Handler) ReaddirPlus(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, cookie, verifier, err := readReaddirArgs(r)
	if err != nil {
		return nil, err
	}
	dirCount, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	maxCount, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}

	backend, handle, err := h.openForIO(ctx, cred, fh, vfs.OpenDirectory|vfs.OpenReadOnly)
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

	req := vfs.NewRequest(vfs.OpReaddir, cred, &vfs.ReaddirArgs{
		FH: fh, Handle: handle, Cookie: cookie, DirCount: dirCount, MaxCount: maxCount,
		AttrMask: vfs.MaskStat, Plus: true,
	})
	req.FH = fh
	req.Result = &vfs.ReaddirResult{}
	callErr := h.Dispatcher.CallOn(ctx, backend, req)

	status := FromVFS(callErr)
	if werr := xdr.WriteUint32(&buf, status); werr != nil {
		return nil, werr
	}
	if callErr != nil {
		if werr := writePostOpAttr(&buf, nil, callErr); werr != nil {
			return nil, werr
		}
		return buf.Bytes(), nil
	}

	res := req.Result.(*vfs.ReaddirResult)
	if werr := writePostOpAttr(&buf, &res.DirAttr, nil); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteUint64(&buf, res.CookieVerifier); werr != nil {
		return nil, werr
	}
	_ = verifier
	for _, e := range res.Entries {
		if werr := xdr.WriteBool(&buf, true); werr != nil {
			return nil, werr
		}
		if werr := writeDirEntry(&buf, e, true); werr != nil {
			return nil, werr
		}
	}
	if werr := xdr.WriteBool(&buf, false); werr != nil {
		return nil, werr
	}
	if werr := xdr.WriteBool(&buf, res.EOF); werr != nil {
		return nil, werr
	}
	return buf.Bytes(), nil
}
