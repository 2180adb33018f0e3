// Package portmap implements the PORTMAP v2 / rpcbind v3/v4 ancillary RPC
// service (RFC 1833): NULL, GETPORT/GETADDR, DUMP, and (for completeness)
// SET/UNSET. CALLIT (procedure 5) is intentionally unimplemented — it
// forwards RPC calls to other registered programs and is a well-known
// amplification vector; modern rpcbind implementations disable or
// restrict it too.
//
// Adapted from internal/protocol/portmap/{server.go,dispatch.go,handlers,xdr}
// — the teacher's registry/handler/dispatch split is kept, generalized to
// also answer rpcbind v3/v4 GETADDR (universal address strings) alongside
// v2 GETPORT (bare port numbers), per spec.md §6.1.
package portmap

import "fmt"

// Program and version numbers (RFC 1833 Appendix A).
const (
	ProgramPortmap uint32 = 100000
	ProgramNFS     uint32 = 100003
	ProgramMount   uint32 = 100005

	VersionPortmap2 uint32 = 2
	VersionRPCBind3 uint32 = 3
	VersionRPCBind4 uint32 = 4
)

// IP protocol numbers as carried in the v2 mapping struct's prot field.
const (
	ProtoTCP uint32 = 6
	ProtoUDP uint32 = 17
)

// Procedure numbers, shared across v2/v3/v4 (v3/v4 rename GETPORT to
// GETADDR and change its argument/result shape, but the procedure number
// is the same).
const (
	ProcNull    uint32 = 0
	ProcSet     uint32 = 1
	ProcUnset   uint32 = 2
	ProcGetport uint32 = 3
	ProcDump    uint32 = 4
	ProcCallit  uint32 = 5
)

// Mapping is the v2 pmap2_mapping struct: {prog, vers, prot, port}.
type Mapping struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

// netidProto maps the rpcbind v3/v4 netid string to the v2 protocol
// number the registry is keyed on.
func netidProto(netid string) (uint32, error) {
	switch netid {
	case "tcp", "tcp6":
		return ProtoTCP, nil
	case "udp", "udp6":
		return ProtoUDP, nil
	default:
		return 0, fmt.Errorf("portmap: unknown netid %q", netid)
	}
}

// protoNetid is the inverse of netidProto, used when answering GETADDR.
func protoNetid(prot uint32) string {
	switch prot {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return ""
	}
}

// UniversalAddress renders an IPv4 host/port pair as the rpcbind
// "universal address" string "a.b.c.d.hi.lo" (RFC 5665 §5.2.3.3), where
// hi/lo are the big and little byte of the port number.
func UniversalAddress(host string, port uint32) string {
	return fmt.Sprintf("%s.%d.%d", host, (port>>8)&0xFF, port&0xFF)
}
