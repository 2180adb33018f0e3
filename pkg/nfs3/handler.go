package nfs3

import (
	"context"

	"github.com/driftfs/nfsd/internal/logger"
	"github.com/driftfs/nfsd/pkg/vfs"
)

// FSInfoLimits holds the transfer-size figures FSINFO advertises. The
// server never implements a real RDMA transport (see DESIGN.md); the
// figures still flip between the RDMA and non-RDMA values per config, so
// a client negotiating over a genuine RDMA path elsewhere in the stack
// gets the larger size it would expect (spec.md §"FSINFO").
type FSInfoLimits struct {
	RtMax, WtMax, DtPref uint32
}

// DefaultFSInfoLimits is used when no RDMA transport is configured.
var DefaultFSInfoLimits = FSInfoLimits{RtMax: 1 << 20, WtMax: 1 << 20, DtPref: 1 << 20}

// RDMAFSInfoLimits is used when nfs_rdma/nfs_tcp_rdma_port is configured.
var RDMAFSInfoLimits = FSInfoLimits{RtMax: 4 << 20, WtMax: 4 << 20, DtPref: 4 << 20}

// Handler implements the NFSv3 procedure set against a VFS registry.
//
// Adapted from internal/protocol/nfs/v3/handlers' per-procedure methods
// on a shared *Handler — the receiver shape and "validate, call store,
// log, map error to status" flow survive; the store access is replaced
// by vfs.Dispatcher.Call, and the dedicated open-handle cache Handler
// routes READ/WRITE/READDIR through exists specifically to satisfy the
// "one backend open per live handle, however many concurrent v3
// requests name it" property (spec.md §8 scenario 5) that NFSv3's
// stateless per-call file handles would otherwise defeat.
type Handler struct {
	Dispatcher *vfs.Dispatcher
	Opens      *vfs.Cache // CacheFile class
	FSInfo     FSInfoLimits
	// BootVerifier identifies this server instance, returned by WRITE
	// (unstable) and COMMIT so clients can detect a server restart and
	// know which unstably-written data may have been lost (RFC 1813
	// §3.3.7/§3.3.21).
	BootVerifier uint64
}

// NewHandler builds a Handler. bootVerifier should be derived from
// server start time or a random value chosen once at startup.
func NewHandler(dispatcher *vfs.Dispatcher, fsInfo FSInfoLimits, bootVerifier uint64) *Handler {
	return &Handler{
		Dispatcher:   dispatcher,
		Opens:        vfs.NewCache(vfs.CacheFile),
		FSInfo:       fsInfo,
		BootVerifier: bootVerifier,
	}
}

// resolve looks up the backend owning fh, for operations (like
// READDIR's directory open) that need the Backend value directly rather
// than going through Dispatcher.Call's FH-based resolution.
func (h *Handler) resolve(fh vfs.FileHandle) (vfs.Backend, error) {
	return h.Dispatcher.Registry.Resolve(fh)
}

// getattr is the shared helper nearly every procedure uses to populate
// a post-op or WCC attribute snapshot; errors are swallowed into a nil
// *vfs.Attr (a failed attribute fetch must never fail the surrounding
// operation, only omit the optional attribute on the wire).
func (h *Handler) getattr(ctx context.Context, cred vfs.Cred, fh vfs.FileHandle) *vfs.Attr {
	req := vfs.NewRequest(vfs.OpGetattr, cred, &vfs.GetattrArgs{FH: fh, AttrMask: vfs.MaskStat})
	req.FH = fh
	req.Result = &vfs.GetattrResult{}
	if err := h.Dispatcher.Call(ctx, req); err != nil {
		logger.Debug("nfs3: getattr for wcc snapshot failed", "error", err)
		return nil
	}
	attr := req.Result.(*vfs.GetattrResult).Attr
	return &attr
}

// openForIO obtains a data-capable handle for fh through the shared open
// cache, opening it on the backend at most once no matter how many
// concurrent READ/WRITE calls race on the same handle.
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
	if err := h.Opens.Release(fh); err != nil {
		logger.Debug("nfs3: release open handle failed", "error", err)
	}
}
