package nfs4

import (
	"bytes"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// opPutRootFH implements PUTROOTFH/PUTPUBFH: both set current_fh to the
// NFSv4 pseudo-root (§4.7 "PUTROOTFH ... the pseudo-root handle built
// in pkg/vfs/handle.go").
func opPutRootFH(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	cs.currentFH = vfs.FileHandle(vfs.PseudoRootFH)
	return OK, encodeStatusOnly(OK)
}

// opPutFH implements PUTFH: current_fh := the supplied opaque handle,
// with no existence check (validated lazily by whatever op uses it
// next, exactly as a real filehandle would be on any other server).
func opPutFH(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	fh, err := readFH4(r)
	if err != nil {
		return ErrBadHandle, encodeStatusOnly(ErrBadHandle)
	}
	cs.currentFH = fh
	return OK, encodeStatusOnly(OK)
}

// opGetFH implements GETFH: returns current_fh verbatim.
func opGetFH(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if cs.currentFH == nil {
		return ErrNoFileHandle, encodeStatusOnly(ErrNoFileHandle)
	}
	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	_ = xdr.WriteXDROpaque(&buf, cs.currentFH)
	return OK, buf.Bytes()
}

// opSaveFH implements SAVEFH: saved_fh := current_fh.
func opSaveFH(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if cs.currentFH == nil {
		return ErrNoFileHandle, encodeStatusOnly(ErrNoFileHandle)
	}
	cs.savedFH = cs.currentFH
	return OK, encodeStatusOnly(OK)
}

// opRestoreFH implements RESTOREFH: current_fh := saved_fh.
func opRestoreFH(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if cs.savedFH == nil {
		return ErrRestoreFH, encodeStatusOnly(ErrRestoreFH)
	}
	cs.currentFH = cs.savedFH
	return OK, encodeStatusOnly(OK)
}

// lookupOne resolves a single path component under parent, routing
// around the pseudo-root's lack of a registered vfs.Backend (§4.7
// "LOOKUP on the pseudo-root ... resolved against the export table
// instead of Dispatcher.Call").
func (h *Handler) lookupOne(cs *compoundState, parent vfs.FileHandle, name string) (vfs.FileHandle, error) {
	if parent.IsPseudoRoot() {
		return h.PseudoFS.Lookup(name)
	}
	req := vfs.NewRequest(vfs.OpLookup, cs.cred, &vfs.LookupArgs{Parent: parent, Name: name, AttrMask: vfs.MaskStat})
	req.FH = parent
	req.Result = &vfs.LookupResult{}
	if err := h.Dispatcher.Call(cs.ctx, req); err != nil {
		return nil, err
	}
	return req.Result.(*vfs.LookupResult).FH, nil
}

// opLookup implements LOOKUP.
func opLookup(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	name, err := xdr.DecodeString(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if cs.currentFH == nil {
		return ErrNoFileHandle, encodeStatusOnly(ErrNoFileHandle)
	}
	fh, err := h.lookupOne(cs, cs.currentFH, name)
	if err != nil {
		st := FromVFS(err)
		return st, encodeStatusOnly(st)
	}
	cs.currentFH = fh
	return OK, encodeStatusOnly(OK)
}

// opLookupP implements LOOKUPP (lookup the parent directory), modeled
// as a LOOKUP of "..": every backend in this server treats the parent
// pointer as an ordinary directory entry.
func opLookupP(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if cs.currentFH == nil {
		return ErrNoFileHandle, encodeStatusOnly(ErrNoFileHandle)
	}
	if cs.currentFH.IsPseudoRoot() {
		return ErrNoEnt, encodeStatusOnly(ErrNoEnt)
	}
	fh, err := h.lookupOne(cs, cs.currentFH, "..")
	if err != nil {
		st := FromVFS(err)
		return st, encodeStatusOnly(st)
	}
	cs.currentFH = fh
	return OK, encodeStatusOnly(OK)
}
