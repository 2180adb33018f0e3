// Package rpc implements ONC RPC (RFC 5531) record-marking framing,
// credential decoding, and reply encoding for the NFS/MOUNT/PORTMAP
// servers. Argument/result payloads themselves are decoded by the
// protocol-specific packages (pkg/nfs3, pkg/nfs4, pkg/mount,
// pkg/portmap) via internal/protocol/xdr; this package owns only the
// RPC envelope.
//
// The production rpc.go of the teacher repository this module is
// adapted from was not present in the retrieval pack (only its test
// file survived); this file is authored fresh against that test's
// documented behavior.
package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Message types (RFC 5531 §9).
const (
	RPCCall  uint32 = 0
	RPCReply uint32 = 1
)

// Reply states.
const (
	RPCMsgAccepted uint32 = 0
	RPCMsgDenied   uint32 = 1
)

// Accept states.
const (
	RPCSuccess      uint32 = 0
	RPCProgUnavail  uint32 = 1
	RPCProgMismatch uint32 = 2
	RPCProcUnavail  uint32 = 3
	RPCGarbageArgs  uint32 = 4
	RPCSystemErr    uint32 = 5
)

// Reject states.
const (
	RPCMismatch   uint32 = 0
	RPCAuthError  uint32 = 1
)

// Auth flavors (RFC 5531 §8).
const (
	AuthNull  uint32 = 0
	AuthUnix  uint32 = 1
	AuthShort uint32 = 2
	AuthDES   uint32 = 3
	// AuthGSS is the RPCSEC_GSS flavor (RFC 2203). pkg/rpc/gss holds its
	// wire types and reply-verifier computation; no server imports it.
	AuthGSS uint32 = 6
	// AuthRPCSECGSS is an alias for AuthGSS, named to match RFC 2203's
	// own terminology where pkg/rpc/gss references it.
	AuthRPCSECGSS = AuthGSS
)

// OpaqueAuth is the generic {flavor, body} credential/verifier pair
// carried in every RPC call and reply (RFC 5531 §8.1).
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte
}

const maxFragmentSize = 4 * 1024 * 1024 // generous bound against a malicious length prefix
const maxMachineNameLen = 255
const maxGIDs = 16

// CallHeader is the decoded fixed portion of an RPC call, preceding the
// procedure-specific argument payload.
type CallHeader struct {
	XID         uint32
	RPCVersion  uint32
	Program     uint32
	Version     uint32
	Procedure   uint32
	CredFlavor  uint32
	CredBody    []byte
	VerfFlavor  uint32
	VerfBody    []byte
}

// UnixAuth is the decoded AUTH_SYS (RFC 5531 §8.2) credential body.
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// String renders the credential for logging.
func (a *UnixAuth) String() string {
	return fmt.Sprintf("UnixAuth{machine=%s, uid=%d, gid=%d, gids=%v}", a.MachineName, a.UID, a.GID, a.GIDs)
}

// ParseUnixAuth decodes an AUTH_SYS credential body per RFC 5531 §8.2:
// stamp, machine name (string), uid, gid, gids (array, max 16 per spec).
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("rpc: empty AUTH_SYS credential body")
	}
	r := bytes.NewReader(body)

	var stamp uint32
	if err := binary.Read(r, binary.BigEndian, &stamp); err != nil {
		return nil, fmt.Errorf("rpc: read stamp: %w", err)
	}

	var nameLen uint32
	if err := binary.Read(r, binary.BigEndian, &nameLen); err != nil {
		return nil, fmt.Errorf("rpc: read machine name length: %w", err)
	}
	if nameLen > maxMachineNameLen {
		return nil, fmt.Errorf("rpc: machine name too long (%d > %d)", nameLen, maxMachineNameLen)
	}
	nameBuf := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return nil, fmt.Errorf("rpc: read machine name: %w", err)
	}
	if pad := (4 - (nameLen % 4)) % 4; pad > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return nil, fmt.Errorf("rpc: skip machine name padding: %w", err)
		}
	}

	var uid, gid uint32
	if err := binary.Read(r, binary.BigEndian, &uid); err != nil {
		return nil, fmt.Errorf("rpc: read uid: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &gid); err != nil {
		return nil, fmt.Errorf("rpc: read gid: %w", err)
	}

	var numGIDs uint32
	if err := binary.Read(r, binary.BigEndian, &numGIDs); err != nil {
		return nil, fmt.Errorf("rpc: read gid count: %w", err)
	}
	if numGIDs > maxGIDs {
		return nil, fmt.Errorf("rpc: too many gids (%d > %d)", numGIDs, maxGIDs)
	}
	gids := make([]uint32, numGIDs)
	for i := range gids {
		if err := binary.Read(r, binary.BigEndian, &gids[i]); err != nil {
			return nil, fmt.Errorf("rpc: read gid[%d]: %w", i, err)
		}
	}

	return &UnixAuth{
		Stamp:       stamp,
		MachineName: string(nameBuf),
		UID:         uid,
		GID:         gid,
		GIDs:        gids,
	}, nil
}

// ReadRecord reassembles one complete RPC message from r's record-marking
// stream (RFC 5531 §10), concatenating fragments until the last-fragment
// bit is set.
func ReadRecord(r io.Reader) ([]byte, error) {
	var msg bytes.Buffer
	for {
		var header uint32
		if err := binary.Read(r, binary.BigEndian, &header); err != nil {
			return nil, err
		}
		last := header&0x80000000 != 0
		length := header & 0x7FFFFFFF
		if length > maxFragmentSize {
			return nil, fmt.Errorf("rpc: fragment length %d exceeds maximum %d", length, maxFragmentSize)
		}
		if _, err := io.CopyN(&msg, r, int64(length)); err != nil {
			return nil, fmt.Errorf("rpc: read fragment: %w", err)
		}
		if last {
			return msg.Bytes(), nil
		}
	}
}

// DecodeCallHeader parses the fixed RPC call header from a fully
// reassembled message, returning the header and the remaining bytes
// (the procedure-specific argument payload).
func DecodeCallHeader(msg []byte) (*CallHeader, []byte, error) {
	r := bytes.NewReader(msg)
	h := &CallHeader{}

	var msgType uint32
	fields := []*uint32{&h.XID, &msgType, &h.RPCVersion, &h.Program, &h.Version, &h.Procedure}
	for i, f := range fields {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return nil, nil, fmt.Errorf("rpc: read call header field %d: %w", i, err)
		}
	}
	if msgType != RPCCall {
		return nil, nil, fmt.Errorf("rpc: not a call message (type=%d)", msgType)
	}

	var err error
	h.CredFlavor, h.CredBody, err = readOpaqueAuth(r)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: read credential: %w", err)
	}
	h.VerfFlavor, h.VerfBody, err = readOpaqueAuth(r)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: read verifier: %w", err)
	}

	rest := msg[len(msg)-r.Len():]
	return h, rest, nil
}

func readOpaqueAuth(r *bytes.Reader) (flavor uint32, body []byte, err error) {
	if err = binary.Read(r, binary.BigEndian, &flavor); err != nil {
		return 0, nil, err
	}
	var length uint32
	if err = binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length > 400 {
		return 0, nil, fmt.Errorf("opaque auth body too long: %d", length)
	}
	body = make([]byte, length)
	if _, err = io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	if pad := (4 - (length % 4)) % 4; pad > 0 {
		if _, err = io.CopyN(io.Discard, r, int64(pad)); err != nil {
			return 0, nil, err
		}
	}
	return flavor, body, nil
}

// frame wraps payload with a single-fragment record-marking header.
func frame(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out, 0x80000000|uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func writeAcceptedHeader(buf *bytes.Buffer, xid uint32) {
	_ = binary.Write(buf, binary.BigEndian, xid)
	_ = binary.Write(buf, binary.BigEndian, RPCReply)
	_ = binary.Write(buf, binary.BigEndian, RPCMsgAccepted)
	// verifier: AUTH_NONE, zero-length body
	_ = binary.Write(buf, binary.BigEndian, AuthNull)
	_ = binary.Write(buf, binary.BigEndian, uint32(0))
}

// MakeSuccessReply wraps an already-encoded procedure result with the
// RPC accepted-reply envelope and record-marking header.
func MakeSuccessReply(xid uint32, result []byte) []byte {
	buf := new(bytes.Buffer)
	writeAcceptedHeader(buf, xid)
	_ = binary.Write(buf, binary.BigEndian, RPCSuccess)
	buf.Write(result)
	return frame(buf.Bytes())
}

// MakeProgMismatchReply encodes an RPC accepted-reply with accept_stat =
// PROG_MISMATCH and the supported version range, per RFC 5531 §7.5.3.
func MakeProgMismatchReply(xid, low, high uint32) ([]byte, error) {
	if low > high {
		return nil, fmt.Errorf("rpc: invalid version range for PROG_MISMATCH: low (%d) > high (%d)", low, high)
	}
	buf := new(bytes.Buffer)
	writeAcceptedHeader(buf, xid)
	_ = binary.Write(buf, binary.BigEndian, RPCProgMismatch)
	_ = binary.Write(buf, binary.BigEndian, low)
	_ = binary.Write(buf, binary.BigEndian, high)
	return frame(buf.Bytes()), nil
}

// MakeProgUnavailReply encodes accept_stat = PROG_UNAVAIL (no low/high).
func MakeProgUnavailReply(xid uint32) []byte {
	buf := new(bytes.Buffer)
	writeAcceptedHeader(buf, xid)
	_ = binary.Write(buf, binary.BigEndian, RPCProgUnavail)
	return frame(buf.Bytes())
}

// MakeProcUnavailReply encodes accept_stat = PROC_UNAVAIL.
func MakeProcUnavailReply(xid uint32) []byte {
	buf := new(bytes.Buffer)
	writeAcceptedHeader(buf, xid)
	_ = binary.Write(buf, binary.BigEndian, RPCProcUnavail)
	return frame(buf.Bytes())
}

// MakeGarbageArgsReply encodes accept_stat = GARBAGE_ARGS (malformed
// argument payload).
func MakeGarbageArgsReply(xid uint32) []byte {
	buf := new(bytes.Buffer)
	writeAcceptedHeader(buf, xid)
	_ = binary.Write(buf, binary.BigEndian, RPCGarbageArgs)
	return frame(buf.Bytes())
}

// MakeAuthErrorReply encodes a rejected reply with reject_stat =
// AUTH_ERROR and the given auth_stat.
func MakeAuthErrorReply(xid, authStat uint32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, xid)
	_ = binary.Write(buf, binary.BigEndian, RPCReply)
	_ = binary.Write(buf, binary.BigEndian, RPCMsgDenied)
	_ = binary.Write(buf, binary.BigEndian, RPCAuthError)
	_ = binary.Write(buf, binary.BigEndian, authStat)
	return frame(buf.Bytes())
}
