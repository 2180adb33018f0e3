package nfs4

import (
	"bytes"
	"fmt"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// Attribute numbers (fattr4 bit positions), RFC 7530 §5.8 / RFC 7531.
// Only the subset real clients actually request in practice is
// supported here; unsupported bits are simply never set in the
// response bitmap (§4.2 "walk requested bits, emit each present one").
const (
	FAttrSupportedAttrs   uint32 = 0
	FAttrType             uint32 = 1
	FAttrFHExpireType     uint32 = 2
	FAttrChange           uint32 = 3
	FAttrSize             uint32 = 4
	FAttrLinkSupport      uint32 = 5
	FAttrSymlinkSupport   uint32 = 6
	FAttrNamedAttr        uint32 = 7
	FAttrFSID             uint32 = 8
	FAttrUniqueHandles    uint32 = 9
	FAttrLeaseTime        uint32 = 10
	FAttrRdattrError      uint32 = 11
	FAttrFileHandle       uint32 = 19
	FAttrFileID           uint32 = 20
	FAttrFilesAvail       uint32 = 21
	FAttrFilesFree        uint32 = 22
	FAttrFilesTotal       uint32 = 23
	FAttrMaxFilesize      uint32 = 27
	FAttrMaxLink          uint32 = 28
	FAttrMaxName          uint32 = 29
	FAttrMaxRead          uint32 = 30
	FAttrMaxWrite         uint32 = 31
	FAttrMode             uint32 = 33
	FAttrNoTrunc          uint32 = 34
	FAttrNumLinks         uint32 = 35
	FAttrOwner            uint32 = 36
	FAttrOwnerGroup       uint32 = 37
	FAttrRawDev           uint32 = 41
	FAttrSpaceAvail       uint32 = 42
	FAttrSpaceFree        uint32 = 43
	FAttrSpaceTotal       uint32 = 44
	FAttrSpaceUsed        uint32 = 45
	FAttrTimeAccess       uint32 = 47
	FAttrTimeMetadata     uint32 = 52
	FAttrTimeModify       uint32 = 53
	FAttrMountedOnFileID  uint32 = 55
)

// Bitmap4 is a bitmap4: an XDR array of uint32 words, bit i of word w
// addressing attribute number w*32+i.
type Bitmap4 []uint32

// Has reports whether attr's bit is set.
func (b Bitmap4) Has(attr uint32) bool {
	word := attr / 32
	if int(word) >= len(b) {
		return false
	}
	return b[word]&(1<<(attr%32)) != 0
}

// set sets attr's bit, growing the bitmap's word array as needed.
func (b *Bitmap4) set(attr uint32) {
	word := int(attr / 32)
	for len(*b) <= word {
		*b = append(*b, 0)
	}
	(*b)[word] |= 1 << (attr % 32)
}

func decodeBitmap4(r *bytes.Reader) (Bitmap4, error) {
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, err
	}
	words := make(Bitmap4, n)
	for i := range words {
		v, err := xdr.DecodeUint32(r)
		if err != nil {
			return nil, err
		}
		words[i] = v
	}
	return words, nil
}

func writeBitmap4(buf *bytes.Buffer, b Bitmap4) error {
	if err := xdr.WriteUint32(buf, uint32(len(b))); err != nil {
		return err
	}
	for _, w := range b {
		if err := xdr.WriteUint32(buf, w); err != nil {
			return err
		}
	}
	return nil
}

// supportedAttrs is the bitmap advertised by FATTR4_SUPPORTED_ATTRS:
// every attribute this server's marshaller below knows how to emit.
func supportedAttrs() Bitmap4 {
	var b Bitmap4
	for _, a := range []uint32{
		FAttrSupportedAttrs, FAttrType, FAttrFHExpireType, FAttrChange, FAttrSize,
		FAttrLinkSupport, FAttrSymlinkSupport, FAttrNamedAttr, FAttrFSID,
		FAttrUniqueHandles, FAttrLeaseTime, FAttrRdattrError, FAttrFileHandle,
		FAttrFileID, FAttrFilesAvail, FAttrFilesFree, FAttrFilesTotal,
		FAttrMaxFilesize, FAttrMaxLink, FAttrMaxName, FAttrMaxRead, FAttrMaxWrite,
		FAttrMode, FAttrNoTrunc, FAttrNumLinks, FAttrOwner, FAttrOwnerGroup,
		FAttrRawDev, FAttrSpaceAvail, FAttrSpaceFree, FAttrSpaceTotal,
		FAttrSpaceUsed, FAttrTimeAccess, FAttrTimeMetadata, FAttrTimeModify,
		FAttrMountedOnFileID,
	} {
		b.set(a)
	}
	return b
}

func ftype4(mode uint32) uint32 {
	switch mode & 0170000 {
	case 0040000:
		return NF4Dir
	case 0120000:
		return NF4Lnk
	case 0060000:
		return NF4Blk
	case 0020000:
		return NF4Chr
	case 0010000:
		return NF4Fifo
	case 0140000:
		return NF4Sock
	default:
		return NF4Reg
	}
}

// writeTime4 writes an nfstime4: seconds (int64) + nanoseconds (uint32).
func writeTime4(buf *bytes.Buffer, t vfs.Time) error {
	if err := xdr.WriteInt64(buf, t.Sec); err != nil {
		return err
	}
	return xdr.WriteUint32(buf, uint32(t.Nsec))
}

// encodeFattr4 walks want's requested bits in ascending order and emits
// each present attribute, building the response bitmap as it goes
// (§4.2 "NFSv4 marshalling is per-attribute bit-driven").
func encodeFattr4(fh vfs.FileHandle, a *vfs.Attr, want Bitmap4) (Bitmap4, []byte, error) {
	var resp Bitmap4
	var buf bytes.Buffer

	emit := func(attr uint32, fn func() error) error {
		if !want.Has(attr) {
			return nil
		}
		if err := fn(); err != nil {
			return err
		}
		resp.set(attr)
		return nil
	}

	if err := emit(FAttrSupportedAttrs, func() error { return writeBitmap4(&buf, supportedAttrs()) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrType, func() error { return xdr.WriteUint32(&buf, ftype4(a.Mode)) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrFHExpireType, func() error { return xdr.WriteUint32(&buf, 0) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrChange, func() error { return xdr.WriteUint64(&buf, a.Mtime.Sec<<32|uint64(uint32(a.Mtime.Nsec))) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrSize, func() error { return xdr.WriteUint64(&buf, a.Size) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrLinkSupport, func() error { return xdr.WriteBool(&buf, true) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrSymlinkSupport, func() error { return xdr.WriteBool(&buf, true) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrNamedAttr, func() error { return xdr.WriteBool(&buf, false) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrFSID, func() error {
		if err := xdr.WriteUint64(&buf, a.FSID); err != nil {
			return err
		}
		return xdr.WriteUint64(&buf, 0)
	}); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrUniqueHandles, func() error { return xdr.WriteBool(&buf, true) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrLeaseTime, func() error { return xdr.WriteUint32(&buf, LeaseSeconds) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrRdattrError, func() error { return xdr.WriteUint32(&buf, OK) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrFileHandle, func() error { return xdr.WriteXDROpaque(&buf, fh) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrFileID, func() error { return xdr.WriteUint64(&buf, a.Inum) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrFilesAvail, func() error { return xdr.WriteUint64(&buf, a.FSFilesAvail) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrFilesFree, func() error { return xdr.WriteUint64(&buf, a.FSFilesFree) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrFilesTotal, func() error { return xdr.WriteUint64(&buf, a.FSFilesTotal) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrMaxFilesize, func() error { return xdr.WriteUint64(&buf, 1<<63-1) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrMaxLink, func() error { return xdr.WriteUint32(&buf, ^uint32(0)) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrMaxName, func() error { return xdr.WriteUint32(&buf, 255) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrMaxRead, func() error { return xdr.WriteUint64(&buf, 1<<20) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrMaxWrite, func() error { return xdr.WriteUint64(&buf, 1<<20) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrMode, func() error { return xdr.WriteUint32(&buf, a.Mode&07777) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrNoTrunc, func() error { return xdr.WriteBool(&buf, true) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrNumLinks, func() error { return xdr.WriteUint32(&buf, a.Nlink) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrOwner, func() error { return xdr.WriteXDRString(&buf, fmt.Sprintf("%d", a.UID)) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrOwnerGroup, func() error { return xdr.WriteXDRString(&buf, fmt.Sprintf("%d", a.GID)) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrRawDev, func() error {
		if err := xdr.WriteUint32(&buf, uint32(a.Rdev>>32)); err != nil {
			return err
		}
		return xdr.WriteUint32(&buf, uint32(a.Rdev))
	}); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrSpaceAvail, func() error { return xdr.WriteUint64(&buf, a.FSSpaceAvail) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrSpaceFree, func() error { return xdr.WriteUint64(&buf, a.FSSpaceFree) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrSpaceTotal, func() error { return xdr.WriteUint64(&buf, a.FSSpaceTotal) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrSpaceUsed, func() error { return xdr.WriteUint64(&buf, a.SpaceUsed) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrTimeAccess, func() error { return writeTime4(&buf, a.Atime) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrTimeMetadata, func() error { return writeTime4(&buf, a.Ctime) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrTimeModify, func() error { return writeTime4(&buf, a.Mtime) }); err != nil {
		return nil, nil, err
	}
	if err := emit(FAttrMountedOnFileID, func() error { return xdr.WriteUint64(&buf, a.Inum) }); err != nil {
		return nil, nil, err
	}

	return resp, buf.Bytes(), nil
}

// writeFattr4 encodes an fattr4: {attrmask bitmap4, attr_vals opaque<>}.
func writeFattr4(buf *bytes.Buffer, fh vfs.FileHandle, a *vfs.Attr, want Bitmap4) error {
	mask, vals, err := encodeFattr4(fh, a, want)
	if err != nil {
		return err
	}
	if err := writeBitmap4(buf, mask); err != nil {
		return err
	}
	return xdr.WriteXDROpaque(buf, vals)
}

// requestedMask converts a requested Bitmap4 into the vfs.AttrMask
// needed to populate it; anything in want this server doesn't know how
// to back off a vfs.Attr field is harmless to over-request (§4.2
// "may fill more if cheap").
func requestedMask(want Bitmap4) vfs.AttrMask {
	return vfs.MaskStat | vfs.MaskStatfs
}

// decodeFattr4 parses an fattr4 used by SETATTR/OPEN(CREATE): the
// attribute bitmap plus opaque values, decoding only the writable
// subset (MODE, SIZE, OWNER/OWNER_GROUP as numeric uid/gid strings, and
// the TIME_ACCESS/TIME_MODIFY bits, each read as a settime4: server
// time, or a client-supplied nfstime4). Any other bit is an error.
func decodeFattr4(r *bytes.Reader) (Bitmap4, *vfs.Attr, error) {
	mask, err := decodeBitmap4(r)
	if err != nil {
		return nil, nil, err
	}
	raw, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nil, nil, err
	}
	vr := bytes.NewReader(raw)

	a := &vfs.Attr{}
	for word, bits := range mask {
		for bit := uint32(0); bit < 32; bit++ {
			if bits&(1<<bit) == 0 {
				continue
			}
			attr := uint32(word)*32 + bit
			switch attr {
			case FAttrSize:
				v, err := xdr.DecodeUint64(vr)
				if err != nil {
					return nil, nil, err
				}
				a.SetMask |= vfs.AttrSize
				a.Size = v
			case FAttrMode:
				v, err := xdr.DecodeUint32(vr)
				if err != nil {
					return nil, nil, err
				}
				a.SetMask |= vfs.AttrMode
				a.Mode = v
			case FAttrOwner:
				s, err := xdr.DecodeString(vr)
				if err != nil {
					return nil, nil, err
				}
				var uid uint32
				fmt.Sscanf(s, "%d", &uid)
				a.SetMask |= vfs.AttrUID
				a.UID = uid
			case FAttrOwnerGroup:
				s, err := xdr.DecodeString(vr)
				if err != nil {
					return nil, nil, err
				}
				var gid uint32
				fmt.Sscanf(s, "%d", &gid)
				a.SetMask |= vfs.AttrGID
				a.GID = gid
			case FAttrTimeAccess:
				t, err := readSetTime(vr)
				if err != nil {
					return nil, nil, err
				}
				a.SetMask |= vfs.AttrAtime
				a.Atime = t
			case FAttrTimeModify:
				t, err := readSetTime(vr)
				if err != nil {
					return nil, nil, err
				}
				a.SetMask |= vfs.AttrMtime
				a.Mtime = t
			default:
				return nil, nil, fmt.Errorf("nfs4: unsupported settable attribute %d", attr)
			}
		}
	}
	return mask, a, nil
}

// readSetTime decodes a settime4: a discriminant (0=SET_TO_SERVER_TIME,
// 1=SET_TO_CLIENT_TIME) followed by an nfstime4 when client-supplied.
func readSetTime(r *bytes.Reader) (vfs.Time, error) {
	how, err := xdr.DecodeUint32(r)
	if err != nil {
		return vfs.Time{}, err
	}
	if how == 0 {
		return vfs.Time{Sec: 0, Nsec: vfs.TimeNow}, nil
	}
	sec, err := xdr.DecodeUint64(r)
	if err != nil {
		return vfs.Time{}, err
	}
	nsec, err := xdr.DecodeUint32(r)
	if err != nil {
		return vfs.Time{}, err
	}
	return vfs.Time{Sec: int64(sec), Nsec: int32(nsec)}, nil
}

// readFH4 decodes an opaque nfs_fh4 (max 128 bytes per RFC 7530 §3.3.3).
func readFH4(r *bytes.Reader) (vfs.FileHandle, error) {
	data, err := xdr.DecodeOpaque(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || len(data) > vfs.MaxFHLen {
		return nil, fmt.Errorf("nfs4: invalid file handle length %d", len(data))
	}
	return vfs.FileHandle(data), nil
}

// readStateid4 decodes a stateid4: seqid4 followed by a 12-byte opaque
// "other". Callers that don't yet track per-stateid state (every data
// op in ops_file.go) only need the value to validate wire shape; the
// actual open-state lookup runs off the file handle via the shared
// open-handle cache instead (see openForIO in server.go).
func readStateid4(r *bytes.Reader) (Stateid4, error) {
	seqid, err := xdr.DecodeUint32(r)
	if err != nil {
		return Stateid4{}, err
	}
	var other [12]byte
	n, err := r.Read(other[:])
	if err != nil || n != len(other) {
		return Stateid4{}, fmt.Errorf("nfs4: short stateid4 other")
	}
	return Stateid4{Seqid: seqid, Other: other}, nil
}

// writeStateid4 encodes a stateid4.
func writeStateid4(buf *bytes.Buffer, s Stateid4) {
	_ = xdr.WriteUint32(buf, s.Seqid)
	buf.Write(s.Other[:])
}
