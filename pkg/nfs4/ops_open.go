package nfs4

import (
	"bytes"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// opOpen implements OPEN: seqid4, share_access, share_deny, open_owner4,
// openflag4 (opentype4 + optional createhow4), claim_type4 claim.
//
// Only claim_type4 CLAIM_NULL is supported (a plain name under
// current_fh) — CLAIM_PREVIOUS/CLAIM_DELEGATE_* exist for reclaim and
// delegation flows this server doesn't implement (no lease-expiry
// reaper, no delegations; see DESIGN.md).
func opOpen(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if _, err := xdr.DecodeUint32(r); err != nil { // seqid
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	shareAccess, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	shareDeny, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	ownerClientID, err := xdr.DecodeUint64(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeOpaque(r); err != nil { // owner string, not separately tracked
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}

	opentype, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}

	var flags vfs.OpenFlags
	var mode uint32 = 0644
	var verifier [8]byte
	var setAttr *vfs.Attr

	switch shareAccess & OpenShareAccessBoth {
	case OpenShareAccessRead:
		flags |= vfs.OpenRDOnly
	case OpenShareAccessWrite:
		flags |= vfs.OpenWROnly
	default:
		flags |= vfs.OpenRDWR
	}

	if opentype == OpenCreate {
		createMode, err := xdr.DecodeUint32(r)
		if err != nil {
			return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
		}
		flags |= vfs.OpenCreate
		switch createMode {
		case Exclusive4:
			flags |= vfs.OpenExclusive
			n, rerr := r.Read(verifier[:])
			if rerr != nil || n != len(verifier) {
				return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
			}
		default: // Unchecked4, Guarded4
			if createMode == Guarded4 {
				flags |= vfs.OpenExclusive
			}
			_, attr, ferr := decodeFattr4(r)
			if ferr == nil {
				setAttr = attr
				if attr.SetMask.Has(vfs.AttrMode) {
					mode = attr.Mode
				}
			}
		}
	}

	claim, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if claim != ClaimNull {
		return ErrNotSupp, encodeStatusOnly(ErrNotSupp)
	}
	name, err := xdr.DecodeString(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if cs.currentFH == nil {
		return ErrNoFileHandle, encodeStatusOnly(ErrNoFileHandle)
	}

	clientID := cs.clientID
	if !cs.haveSession {
		clientID = ownerClientID
	}

	parent := cs.currentFH
	req := vfs.NewRequest(vfs.OpOpen, cs.cred, &vfs.OpenArgs{
		Parent: parent, Name: name, Flags: flags, Mode: mode, Verifier: verifier, SetAttr: setAttr, AttrMask: vfs.MaskStat,
	})
	req.FH = parent
	req.Result = &vfs.OpenResult{}
	callErr := h.Dispatcher.Call(cs.ctx, req)

	status := FromVFS(callErr)
	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, status)
	if status != OK {
		return status, buf.Bytes()
	}
	res := req.Result.(*vfs.OpenResult)
	cs.currentFH = res.FH

	slot := h.Clients.AllocSlot(clientID, res.FH, shareAccess, shareDeny)
	stateid := EncodeStateid(slot, clientID, 1)
	writeStateid4(&buf, stateid)

	// change_info4
	writeChangeInfo4(&buf, nil, h.attrOf(cs, parent))

	rflags := uint32(0)
	_ = xdr.WriteUint32(&buf, rflags)
	_ = writeBitmap4(&buf, Bitmap4{}) // attrset: nothing separately verified here
	// delegation: open_delegation4 discriminated on delegation_type4
	_ = xdr.WriteUint32(&buf, OpenDelegateNone)
	return OK, buf.Bytes()
}

// opClose implements CLOSE: seqid4, stateid4 open_stateid.
func opClose(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if _, err := xdr.DecodeUint32(r); err != nil { // seqid
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	stateid, err := readStateid4(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	slot, _ := DecodeStateid(stateid)
	if open := h.Clients.Slot(slot); open != nil {
		h.Clients.FreeSlot(slot)
	}
	if cs.currentFH != nil {
		h.releaseIO(cs.currentFH)
	}

	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	writeStateid4(&buf, Stateid4{Seqid: stateid.Seqid + 1, Other: stateid.Other})
	return OK, buf.Bytes()
}

// opOpenConfirm implements OPEN_CONFIRM (NFSv4.0 only — obsoleted by
// the implicit confirmation CREATE_SESSION provides under 4.1, RFC
// 8881 §18.16). Since this server confirms an OPEN's state the moment
// AllocSlot runs, OPEN_CONFIRM has nothing left to do beyond bumping
// the stateid's seqid and acknowledging.
func opOpenConfirm(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	stateid, err := readStateid4(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // seqid
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	writeStateid4(&buf, Stateid4{Seqid: stateid.Seqid + 1, Other: stateid.Other})
	return OK, buf.Bytes()
}

// opOpenDowngrade implements OPEN_DOWNGRADE: stateid4, seqid4,
// share_access, share_deny — narrows an existing open's share reservation.
func opOpenDowngrade(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	stateid, err := readStateid4(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // seqid
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	access, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	deny, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}

	slot, _ := DecodeStateid(stateid)
	open := h.Clients.Slot(slot)
	if open == nil {
		return ErrBadStateid, encodeStatusOnly(ErrBadStateid)
	}
	open.Access = access
	open.Deny = deny

	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	writeStateid4(&buf, Stateid4{Seqid: stateid.Seqid + 1, Other: stateid.Other})
	return OK, buf.Bytes()
}

// opDelegReturn implements DELEGRETURN. No delegations are ever
// granted (OPEN always replies open_delegation4 OPEN_DELEGATE_NONE),
// so any DELEGRETURN a client sends names a delegation this server
// never issued; acknowledging it is harmless and keeps a client that
// believes it holds one from stalling its COMPOUND stream.
func opDelegReturn(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if _, err := readStateid4(r); err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	return OK, encodeStatusOnly(OK)
}
