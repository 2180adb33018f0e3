// Package nfs4 implements the NFSv4.0/4.1 COMPOUND procedure (RFC 7530,
// RFC 8881): a single request carrying an array of sub-operations that
// execute in order against shared current/saved file-handle state,
// dispatched against a pkg/vfs backend through a session/state registry.
//
// Adapted from internal/protocol/nfs/v4/handlers/compound.go (the
// driver loop shape) and internal/protocol/nfs/v4/state/*.go (the
// client/session registry shape); the stateid encoding is replaced with
// the one SPEC_FULL.md's data model names explicitly (other[0:4]=slot
// index little-endian, other[4:12]=client id) rather than the teacher's
// type-tag+boot-epoch+sequence scheme — see DESIGN.md.
package nfs4

import "github.com/driftfs/nfsd/pkg/vfs"

// RPC procedure numbers (RFC 7530 §16): NFSv4 has exactly two.
const (
	ProcNull     uint32 = 0
	ProcCompound uint32 = 1
)

// VersionNumber is the only NFSv4 minor version family this server
// advertises at the RPC layer (minorversion is negotiated per-COMPOUND,
// not per RPC version).
const VersionNumber uint32 = 4

// MaxCompoundOps bounds the number of operations accepted in a single
// COMPOUND request, guarding against unbounded memory growth from a
// malicious or buggy client.
const MaxCompoundOps = 128

// Operation numbers (nfs_opnum4), RFC 7530 §16 (3-39) and RFC 8881 §18
// (40-58, the NFSv4.1 additions SPEC_FULL.md's op list also names).
const (
	OpAccess             uint32 = 3
	OpClose              uint32 = 4
	OpCommit             uint32 = 5
	OpCreate             uint32 = 6
	OpDelegPurge         uint32 = 7
	OpDelegReturn        uint32 = 8
	OpGetattr            uint32 = 9
	OpGetFH              uint32 = 10
	OpLink               uint32 = 11
	OpLock               uint32 = 12
	OpLockT              uint32 = 13
	OpLockU              uint32 = 14
	OpLookup             uint32 = 15
	OpLookupP            uint32 = 16
	OpNVerify            uint32 = 17
	OpOpen               uint32 = 18
	OpOpenAttr           uint32 = 19
	OpOpenConfirm        uint32 = 20
	OpOpenDowngrade      uint32 = 21
	OpPutFH              uint32 = 22
	OpPutPubFH           uint32 = 23
	OpPutRootFH          uint32 = 24
	OpRead               uint32 = 25
	OpReaddir            uint32 = 26
	OpReadlink           uint32 = 27
	OpRemove             uint32 = 28
	OpRename             uint32 = 29
	OpRenew              uint32 = 30
	OpRestoreFH          uint32 = 31
	OpSaveFH             uint32 = 32
	OpSecinfo            uint32 = 33
	OpSetattr            uint32 = 34
	OpSetClientID        uint32 = 35
	OpSetClientIDConfirm uint32 = 36
	OpVerify             uint32 = 37
	OpWrite              uint32 = 38
	OpReleaseLockowner   uint32 = 39

	// NFSv4.1 operations (RFC 8881 §18).
	OpBackchannelCtl      uint32 = 40
	OpBindConnToSession   uint32 = 41
	OpExchangeID          uint32 = 42
	OpCreateSession       uint32 = 43
	OpDestroySession      uint32 = 44
	OpFreeStateid         uint32 = 45
	OpGetDirDelegation    uint32 = 46
	OpGetDeviceInfo       uint32 = 47
	OpGetDeviceList       uint32 = 48
	OpLayoutCommit        uint32 = 49
	OpLayoutGet           uint32 = 50
	OpLayoutReturn        uint32 = 51
	OpSecinfoNoName       uint32 = 52
	OpSequence            uint32 = 53
	OpSetSSV              uint32 = 54
	OpTestStateid         uint32 = 55
	OpWantDelegation      uint32 = 56
	OpDestroyClientID     uint32 = 57
	OpReclaimComplete     uint32 = 58

	// NFSv4.2 operations SPEC_FULL.md's op list also names (RFC 7862 §15).
	OpAllocate   uint32 = 59
	OpDeallocate uint32 = 62
	OpSeek       uint32 = 69

	OpIllegal uint32 = 10044
)

// Status codes (nfsstat4), RFC 7530 §13; the session codes from
// ErrOpNotInSession on are the RFC 8881 §15.1 additions.
const (
	OK                       uint32 = 0
	ErrPerm                  uint32 = 1
	ErrNoEnt                 uint32 = 2
	ErrIO                    uint32 = 5
	ErrNXIO                  uint32 = 6
	ErrAcces                 uint32 = 13
	ErrExist                 uint32 = 17
	ErrXDev                  uint32 = 18
	ErrNotDir                uint32 = 20
	ErrIsDir                 uint32 = 21
	ErrInval                 uint32 = 22
	ErrFBig                  uint32 = 27
	ErrNoSpc                 uint32 = 28
	ErrROFS                  uint32 = 30
	ErrMlink                 uint32 = 31
	ErrNameTooLong           uint32 = 63
	ErrNotEmpty              uint32 = 66
	ErrDQuot                 uint32 = 69
	ErrStale                 uint32 = 70
	ErrBadHandle             uint32 = 10001
	ErrBadCookie             uint32 = 10003
	ErrNotSupp               uint32 = 10004
	ErrTooSmall              uint32 = 10005
	ErrServerFault           uint32 = 10006
	ErrBadType               uint32 = 10007
	ErrDelay                 uint32 = 10008
	ErrSame                  uint32 = 10009
	ErrDenied                uint32 = 10010
	ErrExpired               uint32 = 10011
	ErrLocked                uint32 = 10012
	ErrGrace                 uint32 = 10013
	ErrFHExpired             uint32 = 10014
	ErrShareDenied           uint32 = 10015
	ErrWrongSec              uint32 = 10016
	ErrClidInUse             uint32 = 10017
	ErrResource              uint32 = 10018
	ErrMoved                 uint32 = 10019
	ErrNoFileHandle          uint32 = 10020
	ErrMinorVersMismatch     uint32 = 10021
	ErrStaleClientID         uint32 = 10022
	ErrStaleStateid          uint32 = 10023
	ErrOldStateid            uint32 = 10024
	ErrBadStateid            uint32 = 10025
	ErrBadSeqid              uint32 = 10026
	ErrNotSame               uint32 = 10027
	ErrLockRange             uint32 = 10028
	ErrSymlink               uint32 = 10029
	ErrRestoreFH             uint32 = 10030
	ErrLeaseMoved            uint32 = 10031
	ErrAttrNotSupp           uint32 = 10032
	ErrNoGrace               uint32 = 10033
	ErrReclaimBad            uint32 = 10034
	ErrReclaimConflict       uint32 = 10035
	ErrBadXDR                uint32 = 10036
	ErrLocksHeld             uint32 = 10037
	ErrOpenMode              uint32 = 10038
	ErrBadOwner              uint32 = 10039
	ErrBadChar               uint32 = 10040
	ErrBadName               uint32 = 10041
	ErrBadRange              uint32 = 10042
	ErrLockNotSupp           uint32 = 10043
	ErrOpIllegal             uint32 = 10044
	ErrDeadlock              uint32 = 10045
	ErrFileOpen              uint32 = 10046
	ErrAdminRevoked          uint32 = 10047
	ErrCBPathDown            uint32 = 10048
	ErrOpNotInSession        uint32 = 10071
	ErrBadSessionDigest      uint32 = 10051
	ErrBadSession            uint32 = 10052
	ErrBadSlot               uint32 = 10053
	ErrCompleteAlready       uint32 = 10054
	ErrConnNotBoundToSession uint32 = 10055
	ErrSeqMisordered         uint32 = 10063
)

// nfs_ftype4 values (RFC 7530 §3.3.13).
const (
	NF4Reg       uint32 = 1
	NF4Dir       uint32 = 2
	NF4Blk       uint32 = 3
	NF4Chr       uint32 = 4
	NF4Lnk       uint32 = 5
	NF4Sock      uint32 = 6
	NF4Fifo      uint32 = 7
	NF4AttrDir   uint32 = 8
	NF4NamedAttr uint32 = 9
)

// createmode4 values (RFC 7530 §16.4).
const (
	Unchecked4 uint32 = 0
	Guarded4   uint32 = 1
	Exclusive4 uint32 = 2
)

// OPEN share_access/share_deny and opentype4/claim_type4 constants
// (RFC 7530 §16.16).
const (
	OpenShareAccessRead  uint32 = 0x01
	OpenShareAccessWrite uint32 = 0x02
	OpenShareAccessBoth  uint32 = 0x03

	OpenShareDenyNone  uint32 = 0x00
	OpenShareDenyRead  uint32 = 0x01
	OpenShareDenyWrite uint32 = 0x02
	OpenShareDenyBoth  uint32 = 0x03

	OpenNoCreate uint32 = 0
	OpenCreate   uint32 = 1

	ClaimNull uint32 = 0

	OpenResultConfirm uint32 = 0x02

	OpenDelegateNone uint32 = 0
)

// stable_how4 values (RFC 7530 §14.2.3).
const (
	Unstable4  uint32 = 0
	DataSync4  uint32 = 1
	FileSync4  uint32 = 2
)

// FromVFS maps a backend vfs.Error to its NFSv4 status code, per RFC
// 7530 §13 (the POSIX-derived codes share numeric values with NFSv3's
// nfsstat3, so this mirrors pkg/nfs3.FromVFS exactly over that range).
func FromVFS(err error) uint32 {
	if err == nil {
		return OK
	}
	switch vfs.FromBackend(err) {
	case vfs.OK:
		return OK
	case vfs.Perm:
		return ErrPerm
	case vfs.NoEnt:
		return ErrNoEnt
	case vfs.IO:
		return ErrIO
	case vfs.NXIO:
		return ErrNXIO
	case vfs.Acces:
		return ErrAcces
	case vfs.Exist:
		return ErrExist
	case vfs.XDev:
		return ErrXDev
	case vfs.NotDir:
		return ErrNotDir
	case vfs.IsDir:
		return ErrIsDir
	case vfs.Inval:
		return ErrInval
	case vfs.FBig:
		return ErrFBig
	case vfs.NoSpc:
		return ErrNoSpc
	case vfs.ROFS:
		return ErrROFS
	case vfs.MLink:
		return ErrMlink
	case vfs.NameTooLong:
		return ErrNameTooLong
	case vfs.NotEmpty:
		return ErrNotEmpty
	case vfs.DQuot:
		return ErrDQuot
	case vfs.Stale:
		return ErrStale
	case vfs.BadCookie:
		return ErrBadCookie
	case vfs.BadFH:
		return ErrBadHandle
	case vfs.NotSupp:
		return ErrNotSupp
	case vfs.Overflow:
		return ErrInval
	case vfs.Fault:
		return ErrServerFault
	case vfs.Loop:
		return ErrSymlink
	case vfs.MFile:
		return ErrNoSpc
	default:
		return ErrServerFault
	}
}
