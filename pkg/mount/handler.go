package mount

import (
	"context"
	"sync"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// Export is one configured export: an exported name mapped to a root
// file handle on a backend (§6.3 "exports").
type Export struct {
	Name    string
	RootFH  vfs.FileHandle
	Backend vfs.Backend
}

// Table is the server's export table: the set of names MOUNT clients may
// request, and the active mount-tracking list used by DUMP/UMNTALL.
type Table struct {
	mu      sync.RWMutex
	exports map[string]Export
	mounts  []MountEntry
}

// NewTable builds an export table over the given exports.
func NewTable(exports []Export) *Table {
	t := &Table{exports: make(map[string]Export, len(exports))}
	for _, e := range exports {
		t.exports[e.Name] = e
	}
	return t
}

// Lookup finds an export by name.
func (t *Table) Lookup(name string) (Export, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.exports[name]
	return e, ok
}

// Exports returns every configured export name, for EXPORT.
func (t *Table) Exports() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.exports))
	for name := range t.exports {
		names = append(names, name)
	}
	return names
}

func (t *Table) recordMount(clientIP, dirPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mounts = append(t.mounts, MountEntry{ClientIP: clientIP, DirPath: dirPath})
}

func (t *Table) removeMount(clientIP, dirPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.mounts[:0]
	for _, m := range t.mounts {
		if m.ClientIP == clientIP && (dirPath == "" || m.DirPath == dirPath) {
			continue
		}
		out = append(out, m)
	}
	t.mounts = out
}

func (t *Table) removeClient(clientIP string) {
	t.removeMount(clientIP, "")
}

// Dump returns the current mount list.
func (t *Table) Dump() []MountEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]MountEntry, len(t.mounts))
	copy(out, t.mounts)
	return out
}

// Handler implements the MOUNT v3 procedures against a Table.
type Handler struct {
	Table *Table
}

// NewHandler builds a Handler over table.
func NewHandler(table *Table) *Handler {
	return &Handler{Table: table}
}

// Null implements the MOUNT NULL procedure.
func (h *Handler) Null(context.Context) error { return nil }

// Mnt implements the MNT procedure (§6.1).
func (h *Handler) Mnt(ctx context.Context, clientIP string, req *Request) (*Response, error) {
	export, ok := h.Table.Lookup(req.DirPath)
	if !ok {
		logger.Warn("mount denied: export not found", "path", req.DirPath, "client", clientIP)
		return &Response{Status: MountErrNoEnt}, nil
	}
	h.Table.recordMount(clientIP, req.DirPath)
	logger.Info("mount granted", "path", req.DirPath, "client", clientIP)
	return &Response{Status: MountOK, FileHandle: []byte(export.RootFH), AuthFlavors: AuthFlavors}, nil
}

// Umnt implements the UMNT procedure.
func (h *Handler) Umnt(ctx context.Context, clientIP string, req *Request) error {
	h.Table.removeMount(clientIP, req.DirPath)
	return nil
}

// UmntAll implements the UMNTALL procedure.
func (h *Handler) UmntAll(ctx context.Context, clientIP string) error {
	h.Table.removeClient(clientIP)
	return nil
}

// Dump implements the DUMP procedure.
func (h *Handler) Dump(ctx context.Context) []MountEntry {
	return h.Table.Dump()
}

// Export implements the EXPORT procedure.
func (h *Handler) Export(ctx context.Context) []ExportEntry {
	names := h.Table.Exports()
	entries := make([]ExportEntry, len(names))
	for i, name := range names {
		entries[i] = ExportEntry{DirPath: name}
	}
	return entries
}
