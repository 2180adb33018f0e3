package portmap

import "sync"

// entry is one registered (prog, vers, prot) -> port mapping, plus the
// host string GETADDR needs to build a universal address.
type entry struct {
	Mapping
	Host string
}

// Registry is the portmap/rpcbind registration table: the set of
// (program, version, protocol) -> port mappings the server answers
// GETPORT/GETADDR queries against.
//
// Grounded on internal/protocol/portmap/server.go's Registry field and
// the dispatch table in internal/protocol/portmap/dispatch.go, but
// collapses the teacher's separate GETPORT-only model into one table
// that also serves rpcbind v3/v4 GETADDR.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// NewDefaultRegistry builds a registry pre-populated with the fixed
// registration table advertised by the built-in server, per spec.md
// §6.1: portmap v2/v3/v4 on portmapPort over both TCP and UDP, NFS v3/v4
// on nfsPort and MOUNT v3 on mountPort over TCP only, host identifying
// the loopback/bind address used for universal addresses.
func NewDefaultRegistry(host string, portmapPort, nfsPort, mountPort int) *Registry {
	r := NewRegistry()
	for _, vers := range []uint32{VersionPortmap2, VersionRPCBind3, VersionRPCBind4} {
		r.set(Mapping{Prog: ProgramPortmap, Vers: vers, Prot: ProtoTCP, Port: uint32(portmapPort)}, host)
		r.set(Mapping{Prog: ProgramPortmap, Vers: vers, Prot: ProtoUDP, Port: uint32(portmapPort)}, host)
	}
	for _, vers := range []uint32{3, 4} {
		r.set(Mapping{Prog: ProgramNFS, Vers: vers, Prot: ProtoTCP, Port: uint32(nfsPort)}, host)
	}
	r.set(Mapping{Prog: ProgramMount, Vers: 3, Prot: ProtoTCP, Port: uint32(mountPort)}, host)
	return r
}

func (r *Registry) set(m Mapping, host string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(m, host)
}

func (r *Registry) replaceLocked(m Mapping, host string) {
	for i := range r.entries {
		if r.entries[i].Prog == m.Prog && r.entries[i].Vers == m.Vers && r.entries[i].Prot == m.Prot {
			r.entries[i] = entry{Mapping: m, Host: host}
			return
		}
	}
	r.entries = append(r.entries, entry{Mapping: m, Host: host})
}

// Set registers a mapping, replacing any existing entry for the same
// (prog, vers, prot). Returns true on success (SET never fails locally).
func (r *Registry) Set(m Mapping, host string) bool {
	r.set(m, host)
	return true
}

// Unset removes the mapping for (prog, vers, prot), ignoring port (per
// RFC 1833, UNSET matches on prog/vers/prot only). Returns true if an
// entry was removed.
func (r *Registry) Unset(prog, vers, prot uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].Prog == prog && r.entries[i].Vers == vers && r.entries[i].Prot == prot {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// GetPort answers v2 GETPORT: the bare port number, or 0 if unregistered.
func (r *Registry) GetPort(prog, vers, prot uint32) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Prog == prog && e.Vers == vers && e.Prot == prot {
			return e.Port
		}
	}
	return 0
}

// GetAddr answers v3/v4 GETADDR: the universal address string for
// (prog, vers, netid), or "" if unregistered.
func (r *Registry) GetAddr(prog, vers uint32, netid string) (string, bool) {
	prot, err := netidProto(netid)
	if err != nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.Prog == prog && e.Vers == vers && e.Prot == prot {
			return UniversalAddress(e.Host, e.Port), true
		}
	}
	return "", false
}

// Dump returns every registered mapping, for the DUMP procedure.
func (r *Registry) Dump() []Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Mapping, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Mapping
	}
	return out
}
