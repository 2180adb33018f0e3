// Package mount implements the MOUNT v3 ancillary RPC service (RFC 1813
// Appendix I): NULL, MNT, UMNT, UMNTALL, EXPORT, DUMP.
//
// Adapted from internal/protocol/nfs/mount/handlers/mount.go, generalized
// from the teacher's share/registry/netgroup access-control model to the
// flat export-table model of spec.md §6.3 (no per-share security
// policy, no netgroup ACLs — those belong to the dropped control-plane
// layer; see DESIGN.md).
package mount

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/driftfs/nfsd/internal/protocol/xdr"
)

// Procedure numbers for MOUNT v3 (RFC 1813 Appendix I).
const (
	ProcNull    uint32 = 0
	ProcMnt     uint32 = 1
	ProcDump    uint32 = 2
	ProcUmnt    uint32 = 3
	ProcUmntAll uint32 = 4
	ProcExport  uint32 = 5
)

// VersionMount is the only MOUNT version this server implements.
const VersionMount uint32 = 3

// Status codes for MNT replies (RFC 1813 Appendix I, mountstat3).
const (
	MountOK          uint32 = 0
	MountErrPerm     uint32 = 1
	MountErrNoEnt    uint32 = 2
	MountErrIO       uint32 = 5
	MountErrAccess   uint32 = 13
	MountErrNotDir   uint32 = 20
	MountErrInval    uint32 = 22
	MountErrNameTooLong uint32 = 63
	MountErrNotSupp  uint32 = 10004
	MountErrServerFault uint32 = 10006
)

// AuthFlavors advertised for every successful mount, per §6.1: AUTH_NONE,
// AUTH_SYS.
var AuthFlavors = []int32{0, 1}

// Request is a decoded MNT/UMNT argument: the export's directory path.
type Request struct {
	DirPath string
}

// DecodeRequest decodes an MNT/UMNT argument (a single XDR string).
func DecodeRequest(body []byte) (*Request, error) {
	s, err := xdr.DecodeString(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mount: decode dirpath: %w", err)
	}
	return &Request{DirPath: s}, nil
}

// Response is the MNT reply (fhstatus3).
type Response struct {
	Status      uint32
	FileHandle  []byte
	AuthFlavors []int32
}

// Encode serializes a Response per RFC 1813 Appendix I fhstatus3.
func (r *Response) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, r.Status); err != nil {
		return nil, err
	}
	if r.Status != MountOK {
		return buf.Bytes(), nil
	}
	if err := xdr.WriteXDROpaque(&buf, r.FileHandle); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(len(r.AuthFlavors))); err != nil {
		return nil, err
	}
	for _, f := range r.AuthFlavors {
		if err := binary.Write(&buf, binary.BigEndian, f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// MountEntry is one row of the DUMP reply / mountlist.
type MountEntry struct {
	ClientIP string
	DirPath  string
}

// ExportEntry is one row of the EXPORT reply.
type ExportEntry struct {
	DirPath string
	Groups  []string
}

// EncodeMountList serializes a mountlist: a linked list of mountbody,
// each {hostname, directory, next}, terminated by a false next-pointer.
func EncodeMountList(entries []MountEntry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		if err := xdr.WriteBool(&buf, true); err != nil {
			return nil, err
		}
		if err := xdr.WriteXDRString(&buf, e.ClientIP); err != nil {
			return nil, err
		}
		if err := xdr.WriteXDRString(&buf, e.DirPath); err != nil {
			return nil, err
		}
	}
	if err := xdr.WriteBool(&buf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeExportList serializes an exportlist: a linked list of
// exportnode, each {dirpath, groups, next}, terminated by a false
// next-pointer. No group restricts a path's own export here, so Groups
// is always sent empty.
func EncodeExportList(entries []ExportEntry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		if err := xdr.WriteBool(&buf, true); err != nil {
			return nil, err
		}
		if err := xdr.WriteXDRString(&buf, e.DirPath); err != nil {
			return nil, err
		}
		for _, g := range e.Groups {
			if err := xdr.WriteBool(&buf, true); err != nil {
				return nil, err
			}
			if err := xdr.WriteXDRString(&buf, g); err != nil {
				return nil, err
			}
		}
		if err := xdr.WriteBool(&buf, false); err != nil {
			return nil, err
		}
	}
	if err := xdr.WriteBool(&buf, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
