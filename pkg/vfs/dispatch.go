package vfs

import (
	"context"
	"fmt"
)

// Capability bits a backend module advertises (§4.4).
type Capability uint32

const (
	// CapBlocking marks a backend whose operations run on a worker
	// goroutine rather than completing inline; the dispatcher still
	// blocks the calling goroutine until Request.Complete is invoked.
	CapBlocking Capability = 1 << iota
	// CapFSPathOp marks a backend that resolves multi-component paths
	// itself, enabling the path resolver's fast path (§4.5).
	CapFSPathOp
)

// Backend is the single dispatch entry every VFS backend module
// implements (§6.2). Opcode discriminates the operation via req.Op; the
// backend fills req.Result and calls req.Complete exactly once.
type Backend interface {
	// Name identifies the backend module, used in logs and the admin API.
	Name() string
	// Magic is the FH discriminator byte this backend owns.
	Magic() byte
	// Capabilities reports this backend's capability bits.
	Capabilities() Capability
	// Dispatch executes req.Op. May call req.Complete before returning
	// (non-blocking backends) or from another goroutine later
	// (CAP_BLOCKING backends).
	Dispatch(ctx context.Context, req *Request)
}

// Registry maps FH magic bytes to backend modules — the "VFS registry"
// each server thread holds per §4.4.
type Registry struct {
	byMagic map[byte]Backend
}

// NewRegistry builds an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{byMagic: make(map[byte]Backend)}
}

// Register adds a backend under its magic byte. Registering two
// backends under the same magic byte is a configuration error.
func (r *Registry) Register(b Backend) error {
	if _, exists := r.byMagic[b.Magic()]; exists {
		return fmt.Errorf("vfs: magic byte %#x already registered", b.Magic())
	}
	r.byMagic[b.Magic()] = b
	return nil
}

// Resolve finds the backend owning fh's magic byte.
func (r *Registry) Resolve(fh FileHandle) (Backend, error) {
	if len(fh) == 0 {
		return nil, BadFH
	}
	b, ok := r.byMagic[fh.Magic()]
	if !ok {
		return nil, Stale
	}
	return b, nil
}

// Dispatcher is the per-thread VFS context: the registry plus whatever
// the caller wants attached to every request's tracing context. It
// corresponds to the "thread context" of §4.4, minus the request
// free-list and per-module private data, which the Go rendering does
// not need (see Request's doc comment).
type Dispatcher struct {
	Registry *Registry
}

// NewDispatcher builds a Dispatcher over reg.
func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{Registry: reg}
}

// Call resolves req.FH to a backend and drives it to completion,
// blocking the calling goroutine regardless of whether the backend
// completes inline (CapBlocking unset) or on a worker goroutine
// (CapBlocking set) — this is the one place the C original's "re-enter
// the originating thread's callback" behavior collapses into a channel
// receive.
func (d *Dispatcher) Call(ctx context.Context, req *Request) error {
	backend, err := d.Registry.Resolve(req.FH)
	if err != nil {
		return err
	}
	backend.Dispatch(ctx, req)
	select {
	case err := <-req.waitChan():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallOn is Call for a request whose backend is already known (e.g. an
// operation on a BackendHandle obtained from the open-handle cache,
// where resolving by FH magic again would be redundant).
func (d *Dispatcher) CallOn(ctx context.Context, backend Backend, req *Request) error {
	backend.Dispatch(ctx, req)
	select {
	case err := <-req.waitChan():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Request) waitChan() chan error { return r.done }
