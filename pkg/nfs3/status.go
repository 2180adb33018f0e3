// Package nfs3 implements the NFSv3 procedure set (RFC 1813): NULL,
// GETATTR, SETATTR, LOOKUP, ACCESS, READLINK, READ, WRITE, CREATE, MKDIR,
// SYMLINK, MKNOD, REMOVE, RMDIR, RENAME, LINK, READDIR, READDIRPLUS,
// FSSTAT, FSINFO, PATHCONF, COMMIT, operating against a pkg/vfs backend
// through a Handler.
//
// Adapted from internal/protocol/nfs/v3/handlers/*.go: one Handler
// method per procedure, with the NFS status carried in the reply rather
// than as a Go error, is kept; each method here takes the raw XDR
// argument bytes and returns the encoded reply bytes, and the
// store/metadata-service plumbing those handlers used is replaced
// with pkg/vfs's Dispatcher/Request model, and the handwritten status
// enum (the teacher's internal/protocol/nfs/types package was not
// present in the retrieval pack — only files importing it survived) is
// rebuilt directly from RFC 1813 Section 2.6.
package nfs3

import "github.com/driftfs/nfsd/pkg/vfs"

// Status codes (RFC 1813 §2.6, nfsstat3).
const (
	OK             uint32 = 0
	ErrPerm        uint32 = 1
	ErrNoEnt       uint32 = 2
	ErrIO          uint32 = 5
	ErrNXIO        uint32 = 6
	ErrAcces       uint32 = 13
	ErrExist       uint32 = 17
	ErrXDev        uint32 = 18
	ErrNoDev       uint32 = 19
	ErrNotDir      uint32 = 20
	ErrIsDir       uint32 = 21
	ErrInval       uint32 = 22
	ErrFBig        uint32 = 27
	ErrNoSpc       uint32 = 28
	ErrROFS        uint32 = 30
	ErrMlink       uint32 = 31
	ErrNameTooLong uint32 = 63
	ErrNotEmpty    uint32 = 66
	ErrDQuot       uint32 = 69
	ErrStale       uint32 = 70
	ErrRemote      uint32 = 71
	ErrBadHandle   uint32 = 10001
	ErrNotSync     uint32 = 10002
	ErrBadCookie   uint32 = 10003
	ErrNotSupp     uint32 = 10004
	ErrTooSmall    uint32 = 10005
	ErrServerFault uint32 = 10006
	ErrBadType     uint32 = 10007
	ErrJukebox     uint32 = 10008
)

// FromVFS maps a vfs.Error to its NFSv3 status code, per RFC 1813 §2.6.
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
		return ErrInval
	case vfs.MFile:
		return ErrNoSpc
	default:
		return ErrServerFault
	}
}

// Procedure numbers (RFC 1813 §3.3).
const (
	ProcNull        uint32 = 0
	ProcGetAttr     uint32 = 1
	ProcSetAttr     uint32 = 2
	ProcLookup      uint32 = 3
	ProcAccess      uint32 = 4
	ProcReadlink    uint32 = 5
	ProcRead        uint32 = 6
	ProcWrite       uint32 = 7
	ProcCreate      uint32 = 8
	ProcMkdir       uint32 = 9
	ProcSymlink     uint32 = 10
	ProcMknod       uint32 = 11
	ProcRemove      uint32 = 12
	ProcRmdir       uint32 = 13
	ProcRename      uint32 = 14
	ProcLink        uint32 = 15
	ProcReaddir     uint32 = 16
	ProcReaddirPlus uint32 = 17
	ProcFsstat      uint32 = 18
	ProcFsinfo      uint32 = 19
	ProcPathconf    uint32 = 20
	ProcCommit      uint32 = 21
)

// Access bits for the ACCESS procedure (RFC 1813 §3.3.4).
const (
	AccessRead    uint32 = 0x0001
	AccessLookup  uint32 = 0x0002
	AccessModify  uint32 = 0x0004
	AccessExtend  uint32 = 0x0008
	AccessDelete  uint32 = 0x0010
	AccessExecute uint32 = 0x0020
)

// FSINFO properties bits (RFC 1813 §3.3.19).
const (
	FSFLink        uint32 = 0x0001
	FSFSymlink     uint32 = 0x0002
	FSFHomogeneous uint32 = 0x0008
	FSFCanSetTime  uint32 = 0x0010
)

// File types (RFC 1813 §2.5, ftype3).
const (
	TypeReg   uint32 = 1
	TypeDir   uint32 = 2
	TypeBlk   uint32 = 3
	TypeChr   uint32 = 4
	TypeLnk   uint32 = 5
	TypeSock  uint32 = 6
	TypeFifo  uint32 = 7
)
