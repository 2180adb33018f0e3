package portmap

import (
	"bytes"
	"fmt"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/internal/protocol/xdr"
)

// Handler implements the portmap/rpcbind procedures against a Registry.
//
// Adapted from internal/protocol/portmap/handlers/{set,unset,dump}.go; the
// teacher split each procedure into its own file with a shared *Handler
// receiver, kept here.
type Handler struct {
	Registry *Registry
}

// NewHandler builds a Handler over registry.
func NewHandler(registry *Registry) *Handler {
	return &Handler{Registry: registry}
}

// Null implements the NULL procedure (present at every version).
func (h *Handler) Null() []byte { return nil }

// decodeMapping decodes the fixed-width v2 pmap2_mapping struct:
// prog, vers, prot, port (16 bytes, no padding).
func decodeMapping(data []byte) (Mapping, error) {
	r := bytes.NewReader(data)
	var m Mapping
	for _, f := range []*uint32{&m.Prog, &m.Vers, &m.Prot, &m.Port} {
		v, err := xdr.DecodeUint32(r)
		if err != nil {
			return Mapping{}, fmt.Errorf("portmap: decode mapping: %w", err)
		}
		*f = v
	}
	return m, nil
}

func encodeBool(v bool) []byte {
	var buf bytes.Buffer
	_ = xdr.WriteBool(&buf, v)
	return buf.Bytes()
}

// Set implements the v2 SET procedure: registers a mapping (replacing
// any entry for the same prog/vers/prot) and records the caller's host
// with it, which GETADDR replies use for their universal address string.
func (h *Handler) Set(data []byte, callerHost string) ([]byte, error) {
	m, err := decodeMapping(data)
	if err != nil {
		return encodeBool(false), err
	}
	ok := h.Registry.Set(m, callerHost)
	logger.Info("portmap: SET", "prog", m.Prog, "vers", m.Vers, "prot", m.Prot, "port", m.Port)
	return encodeBool(ok), nil
}

// Unset implements the v2 UNSET procedure.
func (h *Handler) Unset(data []byte) ([]byte, error) {
	m, err := decodeMapping(data)
	if err != nil {
		return encodeBool(false), err
	}
	ok := h.Registry.Unset(m.Prog, m.Vers, m.Prot)
	logger.Info("portmap: UNSET", "prog", m.Prog, "vers", m.Vers, "prot", m.Prot, "removed", ok)
	return encodeBool(ok), nil
}

// Getport implements the v2 GETPORT procedure: decodes a mapping argument
// (port field ignored) and replies with the registered port, or 0.
func (h *Handler) Getport(data []byte) ([]byte, error) {
	m, err := decodeMapping(data)
	if err != nil {
		return nil, err
	}
	port := h.Registry.GetPort(m.Prog, m.Vers, m.Prot)
	var buf bytes.Buffer
	if err := xdr.WriteUint32(&buf, port); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Getaddr implements the rpcbind v3/v4 GETADDR procedure. The argument is
// an rpcb struct {prog, vers, netid string, addr string, owner string};
// only prog/vers/netid matter for the lookup, but addr and owner must
// still be consumed to stay aligned on the wire.
func (h *Handler) Getaddr(data []byte) ([]byte, error) {
	r := bytes.NewReader(data)
	prog, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("portmap: decode getaddr prog: %w", err)
	}
	vers, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("portmap: decode getaddr vers: %w", err)
	}
	netid, err := xdr.DecodeString(r)
	if err != nil {
		return nil, fmt.Errorf("portmap: decode getaddr netid: %w", err)
	}
	// addr, owner: present on the wire but unused for the lookup.
	if _, err := xdr.DecodeString(r); err != nil {
		return nil, fmt.Errorf("portmap: decode getaddr addr: %w", err)
	}
	if _, err := xdr.DecodeString(r); err != nil {
		return nil, fmt.Errorf("portmap: decode getaddr owner: %w", err)
	}

	addr, _ := h.Registry.GetAddr(prog, vers, netid)
	var buf bytes.Buffer
	if err := xdr.WriteXDRString(&buf, addr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Dump implements the DUMP procedure: the registration table as an XDR
// optional-data linked list — bool hasNext, {mapping}, ... terminated by
// a false.
//
// Grounded on internal/protocol/portmap/handlers/dump.go's doc comment
// describing the same wire shape.
func (h *Handler) Dump() []byte {
	mappings := h.Registry.Dump()
	var buf bytes.Buffer
	for _, m := range mappings {
		_ = xdr.WriteBool(&buf, true)
		_ = xdr.WriteUint32(&buf, m.Prog)
		_ = xdr.WriteUint32(&buf, m.Vers)
		_ = xdr.WriteUint32(&buf, m.Prot)
		_ = xdr.WriteUint32(&buf, m.Port)
	}
	_ = xdr.WriteBool(&buf, false)
	return buf.Bytes()
}
