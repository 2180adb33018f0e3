package nfs4

import (
	"github.com/driftfs/nfsd/pkg/mount"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// PseudoFS resolves the single-level virtual directory NFSv4 clients
// see when they PUTROOTFH: one entry per configured export, each
// LOOKUPable by name straight to that export's real root file handle
// (§4.7 "pseudo-root ... a virtual directory listing the configured
// mount points").
//
// This is deliberately far simpler than a full synthetic-filesystem
// tree: exports are flat (no nested pseudo directories between the
// root and an export's mountpoint), so a name lookup under the
// pseudo-root is just a Table.Lookup away. Multi-component pseudo
// paths are handled by the compound driver calling this once per
// LOOKUP op, the same as it would for a real directory.
type PseudoFS struct {
	Table *mount.Table
}

// NewPseudoFS builds a PseudoFS over the server's export table.
func NewPseudoFS(table *mount.Table) *PseudoFS {
	return &PseudoFS{Table: table}
}

// Lookup resolves name (one path component) under the pseudo-root to
// the file handle of that export's real root, or vfs.NoEnt.
func (p *PseudoFS) Lookup(name string) (vfs.FileHandle, error) {
	export, ok := p.Table.Lookup(name)
	if !ok {
		return nil, vfs.NoEnt
	}
	return export.RootFH, nil
}

// Attr synthesizes the GETATTR response for the pseudo-root itself: a
// read-only directory with one entry per export.
func (p *PseudoFS) Attr() *vfs.Attr {
	names := p.Table.Exports()
	return &vfs.Attr{
		SetMask: vfs.MaskStat,
		Mode:    040555,
		Nlink:   uint32(2 + len(names)),
		Size:    512,
		FH:      vfs.PseudoRootFH,
	}
}

// Entries lists the pseudo-root's children for READDIR.
func (p *PseudoFS) Entries() []vfs.DirEntry {
	names := p.Table.Exports()
	out := make([]vfs.DirEntry, 0, len(names))
	for i, name := range names {
		export, ok := p.Table.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, vfs.DirEntry{
			Name:   name,
			FileID: uint64(i) + 2,
			Cookie: uint64(i) + 1,
			FH:     export.RootFH,
		})
	}
	return out
}
