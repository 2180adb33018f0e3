package nfs4

import (
	"bytes"
	"context"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// compoundState is the per-COMPOUND-call scratch state threaded through
// every op handler: current/saved file handle, the credential the RPC
// layer mapped, and whatever session context SEQUENCE established
// (§4.7 "current_fh/saved_fh shared across sub-operations").
type compoundState struct {
	ctx  context.Context
	cred vfs.Cred

	currentFH vfs.FileHandle
	savedFH   vfs.FileHandle

	minorVersion uint32

	// session context, populated by a leading SEQUENCE op under 4.1.
	session  *Session
	slotID   uint32
	seqID    uint32
	clientID uint64
	haveSession bool
}

// opHandler executes one COMPOUND sub-operation: it decodes its own
// arguments from r, drives h's state/VFS layers, and returns the status
// code plus the full wire encoding of its nfs_resop4 arm (status first,
// any conditional fields after — exactly as the per-op XDR union
// specifies).
type opHandler func(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte)

var opTable map[uint32]opHandler

func init() {
	opTable = map[uint32]opHandler{
		OpPutRootFH:          opPutRootFH,
		OpPutPubFH:           opPutRootFH,
		OpPutFH:              opPutFH,
		OpGetFH:              opGetFH,
		OpSaveFH:             opSaveFH,
		OpRestoreFH:          opRestoreFH,
		OpLookup:             opLookup,
		OpLookupP:            opLookupP,
		OpGetattr:            opGetattr,
		OpSetattr:            opSetattr,
		OpAccess:             opAccess,
		OpRead:               opRead,
		OpWrite:              opWrite,
		OpCommit:             opCommit,
		OpCreate:             opCreate,
		OpRemove:             opRemove,
		OpRename:             opRename,
		OpLink:               opLink,
		OpReaddir:            opReaddir,
		OpReadlink:           opReadlink,
		OpOpen:               opOpen,
		OpClose:              opClose,
		OpOpenConfirm:        opOpenConfirm,
		OpOpenDowngrade:      opOpenDowngrade,
		OpDelegReturn:        opDelegReturn,
		OpDelegPurge:         opNotSupp,
		OpLock:               opNotSupp,
		OpLockT:              opNotSupp,
		OpLockU:               opNotSupp,
		OpNVerify:            opNVerify,
		OpVerify:             opVerify,
		OpOpenAttr:           opNotSupp,
		OpReleaseLockowner:   opReleaseLockowner,
		OpRenew:              opRenew,
		OpSetClientID:        opSetClientID,
		OpSetClientIDConfirm: opSetClientIDConfirm,
		OpSecinfo:            opNotSupp,
		OpSecinfoNoName:      opSecinfoNoName,
		OpExchangeID:         opExchangeID,
		OpCreateSession:      opCreateSession,
		OpDestroySession:     opDestroySession,
		OpBindConnToSession:  opNotSupp,
		OpBackchannelCtl:     opNoOp,
		OpFreeStateid:        opFreeStateid,
		OpTestStateid:        opTestStateid,
		OpDestroyClientID:    opDestroyClientID,
		OpReclaimComplete:    opReclaimComplete,
		OpWantDelegation:     opNotSupp,
		OpGetDirDelegation:   opNotSupp,
		OpGetDeviceInfo:      opNotSupp,
		OpGetDeviceList:      opNotSupp,
		OpLayoutGet:          opNotSupp,
		OpLayoutCommit:       opNotSupp,
		OpLayoutReturn:       opNotSupp,
		OpSetSSV:             opNotSupp,
		OpAllocate:           opAllocate,
		OpDeallocate:         opDeallocate,
		OpSeek:               opSeek,
		OpSequence:           nil, // handled specially, see below
	}
}

func encodeStatusOnly(status uint32) []byte {
	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, status)
	return buf.Bytes()
}

func opNotSupp(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	return ErrNotSupp, encodeStatusOnly(ErrNotSupp)
}

// opNoOp acknowledges an operation this server has nothing to do for
// (BACKCHANNEL_CTL: no backchannel state machine to adjust without a
// real backchannel transport).
func opNoOp(h *Handler, cs *compoundState, r *bytes.Reader) (uint32, []byte) {
	return OK, encodeStatusOnly(OK)
}

// Compound implements pkg/nfs3.CompoundHandler, decoding and executing
// one NFSPROC4_COMPOUND body.
//
// Adapted from internal/protocol/nfs/v4/handlers/compound.go's
// ProcessCompound/dispatchV40: decode tag/minorversion/numops, walk the
// op array against a dispatch table, truncate the result array and stop
// at the first non-OK status. This rendering flattens the teacher's
// separate v4.0/v4.1 dispatch tables (the latter gated on a leading
// SEQUENCE) into one version-agnostic table — SEQUENCE is special-cased
// inline instead, since it is the only op whose handling changes the
// state threaded through every later op in the same compound (see
// DESIGN.md).
func (h *Handler) Compound(ctx context.Context, cred vfs.Cred, body []byte) ([]byte, error) {
	r := bytes.NewReader(body)

	tag, err := xdr.DecodeString(r)
	if err != nil {
		return nil, err
	}
	minorVersion, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	numOps, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}

	if minorVersion > 1 {
		return encodeCompoundReply(ErrMinorVersMismatch, tag, nil), nil
	}

	cs := &compoundState{ctx: ctx, cred: cred, minorVersion: minorVersion}

	if numOps > MaxCompoundOps {
		return encodeCompoundReply(ErrResource, tag, nil), nil
	}

	var results [][]byte
	overall := uint32(OK)

	for i := uint32(0); i < numOps; i++ {
		opcode, err := xdr.DecodeUint32(r)
		if err != nil {
			overall = ErrBadXDR
			break
		}

		var status uint32
		var resBody []byte

		if opcode == OpSequence {
			status, resBody = opSequence(h, cs, r)
		} else if handler, ok := opTable[opcode]; ok && handler != nil {
			if cs.minorVersion == 1 && opRequiresSession(opcode) && !cs.haveSession {
				status, resBody = ErrOpNotInSession, encodeStatusOnly(ErrOpNotInSession)
			} else {
				status, resBody = handler(h, cs, r)
			}
		} else {
			opcode = OpIllegal
			status, resBody = ErrOpIllegal, encodeStatusOnly(ErrOpIllegal)
		}

		entry := make([]byte, 0, 4+len(resBody))
		var opBuf bytes.Buffer
		_ = xdr.WriteUint32(&opBuf, opcode)
		entry = append(entry, opBuf.Bytes()...)
		entry = append(entry, resBody...)
		results = append(results, entry)

		overall = status
		if status != OK {
			logger.Debug("nfs4: compound op failed", "opcode", opcode, "status", status, "tag", tag)
			break
		}
	}

	reply := encodeCompoundReply(overall, tag, results)

	// TODO: the session reply cache (SEQUENCE sa_cachethis) is not
	// implemented; a replayed seqid is currently re-executed rather than
	// served from cache (resolved as an explicit Open Question, see
	// SPEC_FULL.md and DESIGN.md). cs.session/slotID/seqID are already
	// threaded through to this point for when that cache is added.
	_ = cs.session
	_ = cs.slotID
	_ = cs.seqID

	return reply, nil
}

// opRequiresSession reports whether opcode is one of the NFSv4.1 ops
// that (per RFC 8881 §18) must not appear in a session-bearing compound
// before SEQUENCE has established one — the inverse of the small
// SEQUENCE-exempt set (EXCHANGE_ID, CREATE_SESSION, DESTROY_SESSION,
// BIND_CONN_TO_SESSION, DESTROY_CLIENTID) that may legally open a
// compound on their own.
func opRequiresSession(opcode uint32) bool {
	switch opcode {
	case OpExchangeID, OpCreateSession, OpDestroySession, OpBindConnToSession, OpDestroyClientID:
		return false
	default:
		return opcode >= OpBackchannelCtl
	}
}

func encodeCompoundReply(status uint32, tag string, results [][]byte) []byte {
	var buf bytes.Buffer
	_ = xdr.WriteUint32(&buf, status)
	_ = xdr.WriteXDRString(&buf, tag)
	_ = xdr.WriteUint32(&buf, uint32(len(results)))
	for _, r := range results {
		buf.Write(r)
	}
	return buf.Bytes()
}
