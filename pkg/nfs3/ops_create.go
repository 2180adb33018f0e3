package nfs3

import (
	"bytes"
	"context"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// createHow discriminates createmode3 (RFC 1813 §3.3.8): UNCHECKED(0),
// GUARDED(1), EXCLUSIVE(2).
const (
	createUnchecked int32 = 0
	createGuarded   int32 = 1
	createExclusive int32 = 2
)

func writeCreate3Result(buf *bytes.Buffer, status uint32, res *vfs.CreateResult, pre *vfs.Attr) error {
	if err := xdr.WriteUint32(buf, status); err != nil {
		return err
	}
	if status != OK {
		return writeWccData(buf, pre, nil, nil)
	}
	if err := writePostOpFH(buf, res.FH); err != nil {
		return err
	}
	if err := writePostOpAttr(buf, &res.Attr, nil); err != nil {
		return err
	}
	return writeWccData(buf, &res.PreAttr, &res.PostAttr, nil)
}

// Create implements NFSPROC3_CREATE (RFC 1813 §3.3.8). EXCLUSIVE create
// decodes the 8-byte verifier and passes it to the backend in
// OpenArgs.Verifier with OpenExclusive set. Neither memfs nor badgerfs
// stores or compares it, so an EXCLUSIVE CREATE of an existing name,
// a retransmission included, fails with NFS3ERR_EXIST (see SPEC_FULL.md
// §1 Open Questions).
func (h *Handler) Create(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	parent, name, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}
	how, err := xdr.DecodeInt32(r)
	if err != nil {
		return nil, err
	}

	args := &vfs.OpenArgs{
		Parent: parent, Name: name,
		Flags:    vfs.OpenCreate | vfs.OpenRDWR,
		AttrMask: vfs.MaskStat,
	}
	switch how {
	case createUnchecked:
		sattr, err := readSattr3(r)
		if err != nil {
			return nil, err
		}
		attr := &vfs.Attr{}
		sattr.applyTo(attr)
		args.SetAttr = attr
	case createGuarded:
		sattr, err := readSattr3(r)
		if err != nil {
			return nil, err
		}
		attr := &vfs.Attr{}
		sattr.applyTo(attr)
		args.SetAttr = attr
		args.Flags |= vfs.OpenExclusive
	case createExclusive:
		var verifier [8]byte
		if _, err := r.Read(verifier[:]); err != nil {
			return nil, err
		}
		args.Flags |= vfs.OpenExclusive
		args.Verifier = verifier
	}

	pre := h.getattr(ctx, cred, parent)
	req := vfs.NewRequest(vfs.OpOpen, cred, args)
	req.FH = parent
	req.Result = &vfs.OpenResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if callErr != nil {
		if err := writeCreate3Result(&buf, status, nil, pre); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	openRes := req.Result.(*vfs.OpenResult)
	if openRes.Handle != nil {
		_ = openRes.Handle.Close() // CREATE is stateless; v3 never keeps this open
	}
	created := &vfs.CreateResult{FH: openRes.FH, Attr: openRes.Attr}
	fillParentWCC(created, pre, h.getattr(ctx, cred, parent))
	if err := writeCreate3Result(&buf, status, created, pre); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Mkdir implements NFSPROC3_MKDIR (RFC 1813 §3.3.9).
func (h *Handler) Mkdir(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	parent, name, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}
	sattr, err := readSattr3(r)
	if err != nil {
		return nil, err
	}
	mode := uint32(0755)
	if sattr.Mode != nil {
		mode = *sattr.Mode
	}

	pre := h.getattr(ctx, cred, parent)
	req := vfs.NewRequest(vfs.OpMkdir, cred, &vfs.MkdirArgs{Parent: parent, Name: name, Mode: mode, AttrMask: vfs.MaskStat})
	req.FH = parent
	req.Result = &vfs.CreateResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if callErr != nil {
		if err := writeCreate3Result(&buf, status, nil, pre); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	res := req.Result.(*vfs.CreateResult)
	fillParentWCC(res, pre, h.getattr(ctx, cred, parent))
	if err := writeCreate3Result(&buf, status, res, pre); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Symlink implements NFSPROC3_SYMLINK (RFC 1813 §3.3.10).
func (h *Handler) Symlink(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	parent, name, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}
	if _, err := readSattr3(r); err != nil { // symlink_attributes: accepted, mostly ignored (mode is fixed 0777)
		return nil, err
	}
	target, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}

	pre := h.getattr(ctx, cred, parent)
	req := vfs.NewRequest(vfs.OpSymlink, cred, &vfs.SymlinkArgs{Parent: parent, Name: name, Target: target, AttrMask: vfs.MaskStat})
	req.FH = parent
	req.Result = &vfs.CreateResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if callErr != nil {
		if err := writeCreate3Result(&buf, status, nil, pre); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	res := req.Result.(*vfs.CreateResult)
	fillParentWCC(res, pre, h.getattr(ctx, cred, parent))
	if err := writeCreate3Result(&buf, status, res, pre); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Mknod implements NFSPROC3_MKNOD (RFC 1813 §3.3.11): device/fifo/socket
// creation. memfs and badgerfs both reject this with NotSupp — pure
// data backends have no notion of a device node — which the client sees
// as a normal ErrNotSupp wire status, not a crash.
func (h *Handler) Mknod(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	parent, name, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}
	ftype, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}

	var mode uint32
	var rdev uint64
	switch ftype {
	case TypeChr, TypeBlk:
		sattr, err := readSattr3(r)
		if err != nil {
			return nil, err
		}
		if sattr.Mode != nil {
			mode = *sattr.Mode
		}
		major, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		minor, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		rdev = uint64(major)<<32 | uint64(minor)
		mode |= modeFor(ftype)
	case TypeSock, TypeFifo:
		sattr, err := readSattr3(r)
		if err != nil {
			return nil, err
		}
		if sattr.Mode != nil {
			mode = *sattr.Mode
		}
		mode |= modeFor(ftype)
	default:
		var buf bytes.Buffer
		_ = xdr.WriteUint32(&buf, ErrBadType)
		return buf.Bytes(), nil
	}

	pre := h.getattr(ctx, cred, parent)
	req := vfs.NewRequest(vfs.OpMknod, cred, &vfs.MknodArgs{Parent: parent, Name: name, Mode: mode, Rdev: rdev, AttrMask: vfs.MaskStat})
	req.FH = parent
	req.Result = &vfs.CreateResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if callErr != nil {
		if err := writeCreate3Result(&buf, status, nil, pre); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	res := req.Result.(*vfs.CreateResult)
	fillParentWCC(res, pre, h.getattr(ctx, cred, parent))
	if err := writeCreate3Result(&buf, status, res, pre); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fillParentWCC overlays the handler-computed pre/post snapshots of the
// parent directory onto a CreateResult, since backends populate only the
// created object's own attributes (res.Attr), not the parent's wcc_data.
func fillParentWCC(res *vfs.CreateResult, pre, post *vfs.Attr) {
	if pre != nil {
		res.PreAttr = *pre
	}
	if post != nil {
		res.PostAttr = *post
	}
}

func modeFor(ftype uint32) uint32 {
	switch ftype {
	case TypeChr:
		return modeChr
	case TypeBlk:
		return modeBlk
	case TypeSock:
		return modeSocket
	case TypeFifo:
		return modeFifo
	default:
		return 0
	}
}

func writeWccOnlyResult(buf *bytes.Buffer, status uint32, pre, post *vfs.Attr, postErr error) error {
	if err := xdr.WriteUint32(buf, status); err != nil {
		return err
	}
	return writeWccData(buf, pre, post, postErr)
}

// Remove implements NFSPROC3_REMOVE (RFC 1813 §3.3.12).
func (h *Handler) Remove(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	parent, name, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}

	pre := h.getattr(ctx, cred, parent)
	req := vfs.NewRequest(vfs.OpRemoveAt, cred, &vfs.RemoveAtArgs{Parent: parent, Name: name})
	req.FH = parent
	req.Result = &vfs.RemoveAtResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if callErr != nil {
		if err := writeWccOnlyResult(&buf, status, pre, nil, callErr); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := writeWccOnlyResult(&buf, status, pre, h.getattr(ctx, cred, parent), nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Rmdir implements NFSPROC3_RMDIR (RFC 1813 §3.3.13).
func (h *Handler) Rmdir(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	parent, name, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}

	pre := h.getattr(ctx, cred, parent)
	req := vfs.NewRequest(vfs.OpRemoveAt, cred, &vfs.RemoveAtArgs{Parent: parent, Name: name, Dir: true})
	req.FH = parent
	req.Result = &vfs.RemoveAtResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if callErr != nil {
		if err := writeWccOnlyResult(&buf, status, pre, nil, callErr); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := writeWccOnlyResult(&buf, status, pre, h.getattr(ctx, cred, parent), nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Rename implements NFSPROC3_RENAME (RFC 1813 §3.3.14).
func (h *Handler) Rename(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	oldParent, oldName, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}
	newParent, newName, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}

	oldPre := h.getattr(ctx, cred, oldParent)
	newPre := h.getattr(ctx, cred, newParent)

	req := vfs.NewRequest(vfs.OpRenameAt, cred, &vfs.RenameAtArgs{
		OldParent: oldParent, OldName: oldName, NewParent: newParent, NewName: newName,
	})
	req.FH = oldParent
	req.Result = &vfs.RenameAtResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	if callErr != nil {
		if err := writeWccData(&buf, oldPre, nil, callErr); err != nil {
			return nil, err
		}
		if err := writeWccData(&buf, newPre, nil, callErr); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := writeWccData(&buf, oldPre, h.getattr(ctx, cred, oldParent), nil); err != nil {
		return nil, err
	}
	if err := writeWccData(&buf, newPre, h.getattr(ctx, cred, newParent), nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Link implements NFSPROC3_LINK (RFC 1813 §3.3.15).
func (h *Handler) Link(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)
	fh, err := readFH3(r)
	if err != nil {
		return nil, err
	}
	newParent, newName, err := readDirOpArgs(r)
	if err != nil {
		return nil, err
	}

	parentPre := h.getattr(ctx, cred, newParent)
	req := vfs.NewRequest(vfs.OpLinkAt, cred, &vfs.LinkAtArgs{FH: fh, NewParent: newParent, NewName: newName})
	req.FH = fh
	req.Result = &vfs.LinkAtResult{}
	callErr := h.Dispatcher.Call(ctx, req)

	var buf bytes.Buffer
	status := FromVFS(callErr)
	if err := xdr.WriteUint32(&buf, status); err != nil {
		return nil, err
	}
	if callErr != nil {
		if err := writePostOpAttr(&buf, nil, callErr); err != nil {
			return nil, err
		}
		if err := writeWccData(&buf, parentPre, nil, callErr); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := writePostOpAttr(&buf, h.getattr(ctx, cred, fh), nil); err != nil {
		return nil, err
	}
	if err := writeWccData(&buf, parentPre, h.getattr(ctx, cred, newParent), nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
