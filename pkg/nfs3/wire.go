package nfs3

import (
	"bytes"
	"fmt"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// POSIX mode format bits (S_IFMT family), used only to classify a
// vfs.Attr.Mode into an NFSv3 ftype3 — the wire type NFSv3 clients
// actually care about.
const (
	modeFmt    uint32 = 0170000
	modeDir    uint32 = 0040000
	modeReg    uint32 = 0100000
	modeLnk    uint32 = 0120000
	modeBlk    uint32 = 0060000
	modeChr    uint32 = 0020000
	modeFifo   uint32 = 0010000
	modeSocket uint32 = 0140000
)

func ftype3(mode uint32) uint32 {
	switch mode & modeFmt {
	case modeDir:
		return TypeDir
	case modeLnk:
		return TypeLnk
	case modeBlk:
		return TypeBlk
	case modeChr:
		return TypeChr
	case modeFifo:
		return TypeFifo
	case modeSocket:
		return TypeSock
	default:
		return TypeReg
	}
}

// Time3 is nfstime3: seconds + nanoseconds, both uint32 on the wire.
type Time3 struct {
	Seconds  uint32
	Nseconds uint32
}

func toTime3(t vfs.Time) Time3 {
	return Time3{Seconds: uint32(t.Sec), Nseconds: uint32(t.Nsec)}
}

func (t Time3) toVFS() vfs.Time {
	return vfs.Time{Sec: int64(t.Seconds), Nsec: int32(t.Nseconds)}
}

// Fattr3 is the post-op file attribute struct returned by nearly every
// NFSv3 procedure (RFC 1813 §2.5).
type Fattr3 struct {
	Type   uint32
	Mode   uint32
	Nlink  uint32
	UID    uint32
	GID    uint32
	Size   uint64
	Used   uint64
	Rdev   uint64 // specdata1<<32 | specdata2, written as two uint32s
	Fsid   uint64
	Fileid uint64
	Atime  Time3
	Mtime  Time3
	Ctime  Time3
}

// ToFattr3 converts a vfs.Attr (populated against MaskStat) to the wire
// attribute struct.
func ToFattr3(a *vfs.Attr) Fattr3 {
	return Fattr3{
		Type:   ftype3(a.Mode),
		Mode:   a.Mode & 07777,
		Nlink:  a.Nlink,
		UID:    a.UID,
		GID:    a.GID,
		Size:   a.Size,
		Used:   a.SpaceUsed,
		Rdev:   uint64(a.Rdev),
		Fsid:   a.FSID,
		Fileid: a.Inum,
		Atime:  toTime3(a.Atime),
		Mtime:  toTime3(a.Mtime),
		Ctime:  toTime3(a.Ctime),
	}
}

func writeFattr3(buf *bytes.Buffer, f Fattr3) error {
	fields := []uint32{f.Type, f.Mode, f.Nlink, f.UID, f.GID}
	for _, v := range fields {
		if err := xdr.WriteUint32(buf, v); err != nil {
			return err
		}
	}
	for _, v := range []uint64{f.Size, f.Used} {
		if err := xdr.WriteUint64(buf, v); err != nil {
			return err
		}
	}
	if err := xdr.WriteUint32(buf, uint32(f.Rdev>>32)); err != nil {
		return err
	}
	if err := xdr.WriteUint32(buf, uint32(f.Rdev)); err != nil {
		return err
	}
	for _, v := range []uint64{f.Fsid, f.Fileid} {
		if err := xdr.WriteUint64(buf, v); err != nil {
			return err
		}
	}
	for _, t := range []Time3{f.Atime, f.Mtime, f.Ctime} {
		if err := xdr.WriteUint32(buf, t.Seconds); err != nil {
			return err
		}
		if err := xdr.WriteUint32(buf, t.Nseconds); err != nil {
			return err
		}
	}
	return nil
}

// writePostOpAttr writes a post_op_attr: present flag followed by the
// attributes when ok == nil, otherwise just "false".
func writePostOpAttr(buf *bytes.Buffer, a *vfs.Attr, ok error) error {
	if ok != nil || a == nil {
		return xdr.WriteBool(buf, false)
	}
	if err := xdr.WriteBool(buf, true); err != nil {
		return err
	}
	return writeFattr3(buf, ToFattr3(a))
}

// WccAttr is pre_op_attr's payload: the size/mtime/ctime snapshot taken
// before an operation, used to build wcc_data (RFC 1813 §2.6).
type WccAttr struct {
	Size  uint64
	Mtime Time3
	Ctime Time3
}

func wccAttrOf(a *vfs.Attr) WccAttr {
	if a == nil {
		return WccAttr{}
	}
	return WccAttr{Size: a.Size, Mtime: toTime3(a.Mtime), Ctime: toTime3(a.Ctime)}
}

func writePreOpAttr(buf *bytes.Buffer, a *vfs.Attr) error {
	if a == nil {
		return xdr.WriteBool(buf, false)
	}
	if err := xdr.WriteBool(buf, true); err != nil {
		return err
	}
	w := wccAttrOf(a)
	if err := xdr.WriteUint64(buf, w.Size); err != nil {
		return err
	}
	for _, t := range []Time3{w.Mtime, w.Ctime} {
		if err := xdr.WriteUint32(buf, t.Seconds); err != nil {
			return err
		}
		if err := xdr.WriteUint32(buf, t.Nseconds); err != nil {
			return err
		}
	}
	return nil
}

// writeWccData writes a wcc_data: {pre_op_attr, post_op_attr}, the weak
// cache consistency info most mutating procedures return so clients can
// tell whether their cached attributes are still valid.
func writeWccData(buf *bytes.Buffer, pre, post *vfs.Attr, postErr error) error {
	if err := writePreOpAttr(buf, pre); err != nil {
		return err
	}
	return writePostOpAttr(buf, post, postErr)
}

// writePostOpFH writes a post_op_fh3: present flag followed by the
// opaque handle bytes.
func writePostOpFH(buf *bytes.Buffer, fh vfs.FileHandle) error {
	if fh == nil {
		return xdr.WriteBool(buf, false)
	}
	if err := xdr.WriteBool(buf, true); err != nil {
		return err
	}
	return xdr.WriteXDROpaque(buf, fh)
}

// readFH3 decodes an opaque nfs_fh3 (max 64 bytes per RFC 1813 §2.4).
func readFH3(r *bytes.Reader) (vfs.FileHandle, error) {
	data, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data) > 64 {
		return nil, fmt.Errorf("nfs3: invalid file handle length %d", len(data))
	}
	return vfs.FileHandle(data), nil
}

// readDirOpArgs decodes a diropargs3: {dir fh, name}.
func readDirOpArgs(r *bytes.Reader) (vfs.FileHandle, string, error) {
	fh, err := readFH3(r)
	if err != nil {
		return nil, "", err
	}
	name, err := xdr.DecodeString(r)
	if err != nil {
		return nil, "", err
	}
	return fh, name, nil
}

// Sattr3 decodes the NFSv3 sattr3 struct: each field is individually
// optional (set_mode3/set_uid3/.../set_mtime3 discriminated unions).
type Sattr3 struct {
	Mode      *uint32
	UID       *uint32
	GID       *uint32
	Size      *uint64
	AtimeSet  int32 // 0=DONT_CHANGE, 1=SET_TO_CLIENT_TIME, 2=SET_TO_SERVER_TIME
	Atime     Time3
	MtimeSet  int32
	Mtime     Time3
}

const (
	timeDontChange       int32 = 0
	timeSetToClientTime  int32 = 1
	timeSetToServerTime  int32 = 2
)

func readSattr3(r *bytes.Reader) (*Sattr3, error) {
	s := &Sattr3{}

	hasMode, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, err
	}
	if hasMode {
		v, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		s.Mode = &v
	}

	hasUID, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, err
	}
	if hasUID {
		v, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		s.UID = &v
	}

	hasGID, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, err
	}
	if hasGID {
		v, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		s.GID = &v
	}

	hasSize, err := xdr.DecodeBool(r)
	if err != nil {
		return nil, err
	}
	if hasSize {
		v, err := xdr.DecodeUint64(r)
		if err != nil {
			return nil, err
		}
		s.Size = &v
	}

	atimeHow, err := xdr.DecodeInt32(r)
	if err != nil {
		return nil, err
	}
	s.AtimeSet = atimeHow
	if atimeHow == timeSetToClientTime {
		sec, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		nsec, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		s.Atime = Time3{Seconds: sec, Nseconds: nsec}
	}

	mtimeHow, err := xdr.DecodeInt32(r)
	if err != nil {
		return nil, err
	}
	s.MtimeSet = mtimeHow
	if mtimeHow == timeSetToClientTime {
		sec, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		nsec, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		s.Mtime = Time3{Seconds: sec, Nseconds: nsec}
	}

	return s, nil
}

// applyTo fills in a vfs.Attr's SetMask/fields from the decoded sattr3,
// per RFC 1813's SETATTR semantics: DONT_CHANGE fields are left out of
// SetMask entirely; SET_TO_SERVER_TIME maps to vfs.TimeNow.
func (s *Sattr3) applyTo(a *vfs.Attr) {
	if s.Mode != nil {
		a.SetMask |= vfs.AttrMode
		a.Mode = *s.Mode
	}
	if s.UID != nil {
		a.SetMask |= vfs.AttrUID
		a.UID = *s.UID
	}
	if s.GID != nil {
		a.SetMask |= vfs.AttrGID
		a.GID = *s.GID
	}
	if s.Size != nil {
		a.SetMask |= vfs.AttrSize
		a.Size = *s.Size
	}
	switch s.AtimeSet {
	case timeSetToClientTime:
		a.SetMask |= vfs.AttrAtime
		a.Atime = s.Atime.toVFS()
	case timeSetToServerTime:
		a.SetMask |= vfs.AttrAtime
		a.Atime = vfs.Time{Sec: 0, Nsec: vfs.TimeNow}
	}
	switch s.MtimeSet {
	case timeSetToClientTime:
		a.SetMask |= vfs.AttrMtime
		a.Mtime = s.Mtime.toVFS()
	case timeSetToServerTime:
		a.SetMask |= vfs.AttrMtime
		a.Mtime = vfs.Time{Sec: 0, Nsec: vfs.TimeNow}
	}
}
