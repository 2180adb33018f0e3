package nfs4

import (
	"context"

	"github.com/driftfs/nfsd/pkg/mount"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// Handler implements pkg/nfs3.CompoundHandler, the narrow interface
// pkg/nfs3's Server uses to route NFSPROC4_COMPOUND calls on the same
// TCP port it already listens on for v3 (§1 "a single RPC program,
// two versions").
//
// Adapted from pkg/nfs3.Handler's receiver shape: one Dispatcher, one
// shared open-handle cache, plus the v4-only session/client registry
// and pseudo-root view that v3's stateless model has no equivalent of.
type Handler struct {
	Dispatcher *vfs.Dispatcher
	Opens      *vfs.Cache // CacheFile class, shared with every data op
	PseudoFS   *PseudoFS
	Clients    *Registry
}

// NewHandler builds a Handler over dispatcher, exporting table through
// a pseudo-root view.
func NewHandler(dispatcher *vfs.Dispatcher, table *mount.Table) *Handler {
	return &Handler{
		Dispatcher: dispatcher,
		Opens:      vfs.NewCache(vfs.CacheFile),
		PseudoFS:   NewPseudoFS(table),
		Clients:    NewRegistry(),
	}
}

func (h *Handler) resolve(fh vfs.FileHandle) (vfs.Backend, error) {
	return h.Dispatcher.Registry.Resolve(fh)
}

// openForIO obtains a data-capable handle for fh through the shared
// open cache, mirroring pkg/nfs3.Handler.openForIO — every NFSv4 data
// op (READ/WRITE/COMMIT/ALLOCATE/SEEK) routes through this rather than
// tracking a dedicated per-stateid backend handle.
func (h *Handler) openForIO(ctx context.Context, cred vfs.Cred, fh vfs.FileHandle, flags vfs.OpenFlags) (vfs.Backend, vfs.BackendHandle, error) {
	backend, err := h.resolve(fh)
	if err != nil {
		return nil, nil, err
	}
	handle, err := h.Opens.Open(ctx, fh, backend, func(ctx context.Context) (vfs.BackendHandle, error) {
		req := vfs.NewRequest(vfs.OpOpenFH, cred, &vfs.OpenFHArgs{FH: fh, Flags: flags})
		req.FH = fh
		req.Result = &vfs.OpenResult{}
		if err := h.Dispatcher.CallOn(ctx, backend, req); err != nil {
			return nil, err
		}
		return req.Result.(*vfs.OpenResult).Handle, nil
	})
	return backend, handle, err
}

func (h *Handler) releaseIO(fh vfs.FileHandle) {
	_ = h.Opens.Release(fh)
}

// Null implements NFSPROC4_NULL.
func (h *Handler) Null(ctx context.Context) ([]byte, error) {
	return nil, nil
}
