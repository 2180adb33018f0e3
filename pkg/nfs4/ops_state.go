package nfs4

import (
	"bytes"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
)

// state_protect_how4 values (RFC 8881 §18.35).
const (
	sp4None      uint32 = 0
	sp4MachCred  uint32 = 1
	sp4SSV       uint32 = 2
)

// opExchangeID implements EXCHANGE_ID. Only SP4_NONE state protection is
// accepted (this server has no GSS/SSV channel binding story); any
// other sp_how fails the op outright rather than attempting to parse
// the variable-shaped SP4_MACH_CRED/SP4_SSV bodies that follow it — the
// COMPOUND loop stops at the first non-OK status, so leaving those
// bytes unconsumed is harmless.
func opExchangeID(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	var verifier [8]byte
	if n, err := r.Read(verifier[:]); err != nil || n != 8 {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	ownerID, err := xdr.DecodeOpaque(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // eia_flags
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	spHow, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if spHow != sp4None {
		return ErrNotSupp, encodeStatusOnly(ErrNotSupp)
	}
	// eia_client_impl_id implementation_id<1>: ignored, but consumed so a
	// well-formed request with it present doesn't look malformed.
	implCount, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	for i := uint32(0); i < implCount; i++ {
		if _, err := xdr.DecodeString(r); err != nil {
			return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
		}
		if _, err := xdr.DecodeString(r); err != nil {
			return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
		}
		if _, err := xdr.DecodeUint64(r); err != nil { // nfstime4 seconds
			return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
		}
		if _, err := xdr.DecodeUint32(r); err != nil { // nfstime4 nseconds
			return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
		}
	}

	clientID, err := h.Clients.ExchangeID(ClientOwner{Verifier: verifier, OwnerID: ownerID})
	if err != nil {
		return ErrServerFault, encodeStatusOnly(ErrServerFault)
	}

	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	_ = xdr.WriteUint64(&buf, clientID)
	_ = xdr.WriteUint32(&buf, 1) // eir_sequenceid
	_ = xdr.WriteUint32(&buf, 0) // eir_flags
	_ = xdr.WriteUint32(&buf, sp4None)
	_ = xdr.WriteUint64(&buf, 0)                       // server_owner4.so_minor_id
	_ = xdr.WriteXDRString(&buf, "driftfs-nfsd")        // server_owner4.so_major_id
	_ = xdr.WriteXDROpaque(&buf, []byte("driftfs-nfsd")) // eir_server_scope
	_ = xdr.WriteUint32(&buf, 0)                        // eir_server_impl_id<1>, empty
	return OK, buf.Bytes()
}

// channelAttrs4 holds the subset of channel_attrs4 this server actually
// varies: everything else is fixed at creation (SlotCount slots, no
// RDMA).
type channelAttrs4 struct {
	maxRequests uint32
}

func readChannelAttrs4(r *bytes.Reader) (channelAttrs4, error) {
	if _, err := xdr.DecodeUint32(r); err != nil { // headerpadsize
		return channelAttrs4{}, err
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // maxrequestsize
		return channelAttrs4{}, err
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // maxresponsesize
		return channelAttrs4{}, err
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // maxresponsesize_cached
		return channelAttrs4{}, err
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // maxoperations
		return channelAttrs4{}, err
	}
	maxRequests, err := xdr.DecodeUint32(r)
	if err != nil {
		return channelAttrs4{}, err
	}
	n, err := xdr.DecodeUint32(r) // ca_rdma_ird<>
	if err != nil {
		return channelAttrs4{}, err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := xdr.DecodeUint32(r); err != nil {
			return channelAttrs4{}, err
		}
	}
	return channelAttrs4{maxRequests: maxRequests}, nil
}

func writeChannelAttrs4(buf *bytes.Buffer, maxRequests uint32) {
	_ = xdr.WriteUint32(buf, 0)           // headerpadsize
	_ = xdr.WriteUint32(buf, 1<<20)       // maxrequestsize
	_ = xdr.WriteUint32(buf, 1<<20)       // maxresponsesize
	_ = xdr.WriteUint32(buf, 1<<20)       // maxresponsesize_cached
	_ = xdr.WriteUint32(buf, 8)           // maxoperations
	_ = xdr.WriteUint32(buf, maxRequests) // maxrequests
	_ = xdr.WriteUint32(buf, 0)           // rdma_ird<>, empty
}

// skipAuthSysParms consumes the authsys_parms body of one AUTH_SYS
// callback_sec_parms4 entry; AUTH_NONE entries carry no body, and other
// flavors are rejected by the caller.
func skipAuthSysParms(r *bytes.Reader) error {
	if _, err := xdr.DecodeUint32(r); err != nil { // stamp
		return err
	}
	if _, err := xdr.DecodeString(r); err != nil { // machinename
		return err
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // uid
		return err
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // gid
		return err
	}
	n, err := xdr.DecodeUint32(r) // gids<>
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := xdr.DecodeUint32(r); err != nil {
			return err
		}
	}
	return nil
}

// opCreateSession implements CREATE_SESSION.
func opCreateSession(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	clientID, err := xdr.DecodeUint64(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // csa_sequence
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	flags, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	fore, err := readChannelAttrs4(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := readChannelAttrs4(r); err != nil { // back channel
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // csa_cb_program
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	secCount, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	for i := uint32(0); i < secCount; i++ {
		flavor, ferr := xdr.DecodeUint32(r)
		if ferr != nil {
			return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
		}
		switch flavor {
		case 0: // AUTH_NONE
		case 1: // AUTH_SYS
			if err := skipAuthSysParms(r); err != nil {
				return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
			}
		default:
			return ErrNotSupp, encodeStatusOnly(ErrNotSupp)
		}
	}

	if _, ok := h.Clients.Client(clientID); !ok {
		return ErrStaleClientID, encodeStatusOnly(ErrStaleClientID)
	}
	maxRequests := fore.maxRequests
	if maxRequests == 0 || maxRequests > SlotCount {
		maxRequests = SlotCount
	}
	sess, err := h.Clients.CreateSession(clientID, flags)
	if err != nil {
		return ErrStaleClientID, encodeStatusOnly(ErrStaleClientID)
	}

	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	buf.Write(sess.ID[:])
	_ = xdr.WriteUint32(&buf, 1) // csr_sequence
	_ = xdr.WriteUint32(&buf, sess.Flags)
	writeChannelAttrs4(&buf, maxRequests)
	writeChannelAttrs4(&buf, maxRequests)
	return OK, buf.Bytes()
}

// opDestroySession implements DESTROY_SESSION.
func opDestroySession(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	var id SessionID
	if n, err := r.Read(id[:]); err != nil || n != len(id) {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if err := h.Clients.DestroySession(id); err != nil {
		return ErrBadSession, encodeStatusOnly(ErrBadSession)
	}
	return OK, encodeStatusOnly(OK)
}

// opSequence implements SEQUENCE, the op that establishes 4.1 session
// context for every later op in the same COMPOUND. Called directly
// from Compound's loop rather than through opTable (see compound.go).
//
// TODO: the per-slot reply cache (sa_cachethis / SlotTable.Check) is
// deliberately not wired up here — see compound.go's matching TODO.
func opSequence(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	var id SessionID
	if n, err := r.Read(id[:]); err != nil || n != len(id) {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	seqID, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	slotID, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // sa_highest_slotid
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeBool(r); err != nil { // sa_cachethis
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}

	sess, ok := h.Clients.Session(id)
	if !ok {
		return ErrBadSession, encodeStatusOnly(ErrBadSession)
	}
	if _, _, _, status := sess.Fore.Check(slotID, seqID); status != OK {
		return status, encodeStatusOnly(status)
	}
	sess.Fore.Complete(slotID, seqID, OK, false, nil)
	_ = h.Clients.Renew(sess.ClientID)

	cs.session = sess
	cs.slotID = slotID
	cs.seqID = seqID
	cs.clientID = sess.ClientID
	cs.haveSession = true
	cs.minorVersion = 1

	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	buf.Write(id[:])
	_ = xdr.WriteUint32(&buf, seqID)
	_ = xdr.WriteUint32(&buf, slotID)
	_ = xdr.WriteUint32(&buf, sess.Fore.HighestSlot())
	_ = xdr.WriteUint32(&buf, sess.Fore.HighestSlot())
	_ = xdr.WriteUint32(&buf, 0) // sr_status_flags
	return OK, buf.Bytes()
}

// opSetClientID implements the NFSv4.0 SETCLIENTID handshake.
func opSetClientID(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	var verifier [8]byte
	if n, err := r.Read(verifier[:]); err != nil || n != 8 {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	ownerID, err := xdr.DecodeOpaque(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // cb_program
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeString(r); err != nil { // r_netid
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeString(r); err != nil { // r_addr
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeUint32(r); err != nil { // callback_ident
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}

	id, confirm, err := h.Clients.SetClientID(ClientOwner{Verifier: verifier, OwnerID: ownerID})
	if err != nil {
		return ErrServerFault, encodeStatusOnly(ErrServerFault)
	}

	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	_ = xdr.WriteUint64(&buf, id)
	buf.Write(confirm[:])
	return OK, buf.Bytes()
}

// opSetClientIDConfirm implements SETCLIENTID_CONFIRM.
func opSetClientIDConfirm(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	id, err := xdr.DecodeUint64(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	var confirm [8]byte
	if n, err := r.Read(confirm[:]); err != nil || n != 8 {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if err := h.Clients.ConfirmClientID(id, confirm); err != nil {
		return ErrStaleClientID, encodeStatusOnly(ErrStaleClientID)
	}
	return OK, encodeStatusOnly(OK)
}

// opRenew implements RENEW (NFSv4.0 lease refresh).
func opRenew(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	id, err := xdr.DecodeUint64(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if err := h.Clients.Renew(id); err != nil {
		return ErrStaleClientID, encodeStatusOnly(ErrStaleClientID)
	}
	return OK, encodeStatusOnly(OK)
}

// opDestroyClientID implements DESTROY_CLIENTID.
func opDestroyClientID(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	id, err := xdr.DecodeUint64(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if err := h.Clients.DestroyClientID(id); err != nil {
		return ErrClidInUse, encodeStatusOnly(ErrClidInUse)
	}
	return OK, encodeStatusOnly(OK)
}

// opReclaimComplete implements RECLAIM_COMPLETE. No reboot-reclaim
// grace period is ever entered (no persistent state survives a
// restart, see DESIGN.md), so this simply acknowledges.
func opReclaimComplete(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if _, err := xdr.DecodeBool(r); err != nil { // rca_one_fs
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	return OK, encodeStatusOnly(OK)
}

// opTestStateid implements TEST_STATEID: reports, for each stateid in
// the request, whether this server still considers it valid.
func opTestStateid(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	statuses := make([]uint32, 0, n)
	for i := uint32(0); i < n; i++ {
		st, err := readStateid4(r)
		if err != nil {
			return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
		}
		slot, _ := DecodeStateid(st)
		if h.Clients.Slot(slot) != nil {
			statuses = append(statuses, OK)
		} else {
			statuses = append(statuses, ErrBadStateid)
		}
	}

	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	_ = xdr.WriteUint32(&buf, uint32(len(statuses)))
	for _, s := range statuses {
		_ = xdr.WriteUint32(&buf, s)
	}
	return OK, buf.Bytes()
}

// opFreeStateid implements FREE_STATEID.
func opFreeStateid(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	st, err := readStateid4(r)
	if err != nil {
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	slot, _ := DecodeStateid(st)
	if h.Clients.Slot(slot) == nil {
		return ErrBadStateid, encodeStatusOnly(ErrBadStateid)
	}
	h.Clients.FreeSlot(slot)
	return OK, encodeStatusOnly(OK)
}

// opSecinfoNoName implements SECINFO_NO_NAME: this server offers a
// single security flavor, AUTH_SYS, uniformly across every export (no
// per-export or per-path security negotiation; RPCSEC_GSS wiring is
// carried by pkg/rpc/gss but not yet surfaced through SECINFO).
func opSecinfoNoName(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if _, err := xdr.DecodeUint32(r); err != nil { // secinfo_style4
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, OK)
	_ = xdr.WriteUint32(&buf, 1) // secinfo4<> count
	_ = xdr.WriteUint32(&buf, 1) // AUTH_SYS
	return OK, buf.Bytes()
}

// opReleaseLockowner implements RELEASE_LOCKOWNER. No advisory locking
// is implemented (LOCK/LOCKT/LOCKU all return NFS4ERR_NOTSUPP), so
// there is never a lock_owner4 state to release; this only validates
// wire shape.
func opReleaseLockowner(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	if _, err := xdr.DecodeUint64(r); err != nil { // clientid
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	if _, err := xdr.DecodeOpaque(r); err != nil { // owner
		return ErrBadXDR, encodeStatusOnly(ErrBadXDR)
	}
	return OK, encodeStatusOnly(OK)
}
