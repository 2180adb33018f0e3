package vfs

import (
	"context"
	"strings"
)

// PathMax is the maximum accepted path length (§4.5).
const PathMax = 4096

// SymloopMax bounds symlink-hop following (§4.5, §8 "Symlink loop bound").
const SymloopMax = 40

// Resolver implements the component-wise path walk with bounded symlink
// following, plus the CAP_FS_PATH_OP fast path (§4.5).
type Resolver struct {
	Dispatcher *Dispatcher
	PathCache  *Cache
}

// NewResolver builds a Resolver over d, using cache for the PATH-class
// open handles it creates while walking directories.
func NewResolver(d *Dispatcher, cache *Cache) *Resolver {
	return &Resolver{Dispatcher: d, PathCache: cache}
}

// Resolve walks path starting at root, following symlinks as bounded by
// SymloopMax, and returns the final FH with attrMask attributes
// attached. follow controls whether a symlink in the final path
// component is itself followed (LOOKUP_FOLLOW semantics).
func (r *Resolver) Resolve(ctx context.Context, cred Cred, root FileHandle, path string, attrMask AttrMask, follow bool) (FileHandle, Attr, error) {
	path = strings.Trim(path, "/")
	if len(path) > PathMax {
		return nil, Attr{}, NameTooLong
	}
	if path == "" {
		attr, err := r.getattr(ctx, cred, root, attrMask)
		return root, attr, err
	}

	backend, err := r.Dispatcher.Registry.Resolve(root)
	if err != nil {
		return nil, Attr{}, err
	}
	if backend.Capabilities()&CapFSPathOp != 0 {
		return r.fastPath(ctx, cred, root, backend, path, attrMask)
	}
	return r.walk(ctx, cred, root, root, path, attrMask, follow, 0)
}

func (r *Resolver) fastPath(ctx context.Context, cred Cred, root FileHandle, backend Backend, path string, attrMask AttrMask) (FileHandle, Attr, error) {
	args := &FindArgs{Parent: root, Path: path, Flags: OpenPath, AttrMask: attrMask}
	req := NewRequest(OpFind, cred, args)
	req.FH = root
	req.Result = &LookupResult{}
	if err := r.Dispatcher.CallOn(ctx, backend, req); err != nil {
		return nil, Attr{}, err
	}
	res := req.Result.(*LookupResult)
	return res.FH, res.Attr, nil
}

func (r *Resolver) walk(ctx context.Context, cred Cred, root, current FileHandle, remaining string, attrMask AttrMask, follow bool, hops int) (FileHandle, Attr, error) {
	if hops > SymloopMax {
		return nil, Attr{}, Loop
	}

	name, rest, final := nextComponent(remaining)
	if name == "." || name == ".." {
		return nil, Attr{}, Inval
	}
	if name == "" {
		return nil, Attr{}, Inval
	}

	mask := attrMask | AttrMode
	if !final {
		mask |= AttrFH
	}

	backend, err := r.Dispatcher.Registry.Resolve(current)
	if err != nil {
		return nil, Attr{}, err
	}

	openArgs := &OpenFHArgs{FH: current, Flags: OpenPath | OpenDirectory, AttrMask: 0}
	openReq := NewRequest(OpOpenFH, cred, openArgs)
	openReq.FH = current
	openReq.Result = &OpenResult{}
	_, openErr := r.PathCache.Open(ctx, current, backend, func(ctx context.Context) (BackendHandle, error) {
		if err := r.Dispatcher.CallOn(ctx, backend, openReq); err != nil {
			return nil, err
		}
		return openReq.Result.(*OpenResult).Handle, nil
	})
	if openErr != nil {
		return nil, Attr{}, openErr
	}
	defer r.PathCache.Release(current)

	lookupArgs := &LookupArgs{Parent: current, Name: name, AttrMask: mask}
	lookupReq := NewRequest(OpLookupAt, cred, lookupArgs)
	lookupReq.FH = current
	lookupReq.Result = &LookupResult{}
	if err := r.Dispatcher.CallOn(ctx, backend, lookupReq); err != nil {
		return nil, Attr{}, err
	}
	res := lookupReq.Result.(*LookupResult)

	isSymlink := res.Attr.SetMask.Has(AttrMode) && isSymlinkMode(res.Attr.Mode)
	if isSymlink && (!final || follow) {
		target, err := r.readlink(ctx, cred, res.FH)
		if err != nil {
			return nil, Attr{}, err
		}
		next := rest
		var base FileHandle
		if strings.HasPrefix(target, "/") {
			base = rootFH(ctx, r, root)
			next = strings.TrimPrefix(target, "/")
			if next != "" && rest != "" {
				next = next + "/" + rest
			}
		} else {
			base = current
			if rest != "" {
				next = target + "/" + rest
			} else {
				next = target
			}
		}
		return r.walk(ctx, cred, root, base, next, attrMask, follow, hops+1)
	}

	if final {
		return res.FH, res.Attr, nil
	}
	return r.walk(ctx, cred, root, res.FH, rest, attrMask, follow, hops)
}

func (r *Resolver) readlink(ctx context.Context, cred Cred, fh FileHandle) (string, error) {
	backend, err := r.Dispatcher.Registry.Resolve(fh)
	if err != nil {
		return "", err
	}
	req := NewRequest(OpReadlink, cred, &ReadlinkArgs{FH: fh})
	req.FH = fh
	req.Result = &ReadlinkResult{}
	if err := r.Dispatcher.CallOn(ctx, backend, req); err != nil {
		return "", err
	}
	return req.Result.(*ReadlinkResult).Target, nil
}

func (r *Resolver) getattr(ctx context.Context, cred Cred, fh FileHandle, attrMask AttrMask) (Attr, error) {
	backend, err := r.Dispatcher.Registry.Resolve(fh)
	if err != nil {
		return Attr{}, err
	}
	req := NewRequest(OpGetattr, cred, &GetattrArgs{FH: fh, AttrMask: attrMask})
	req.FH = fh
	req.Result = &GetattrResult{}
	if err := r.Dispatcher.CallOn(ctx, backend, req); err != nil {
		return Attr{}, err
	}
	return req.Result.(*GetattrResult).Attr, nil
}

// rootFH returns the FH an absolute symlink walk restarts from: the
// starting FH that was passed to Resolve.
func rootFH(_ context.Context, _ *Resolver, root FileHandle) FileHandle { return root }

func isSymlinkMode(mode uint32) bool {
	const sIFLNK = 0120000
	const sIFMT = 0170000
	return mode&sIFMT == sIFLNK
}

// nextComponent splits remaining on the first '/', returning the next
// component, the rest of the path, and whether this is the final
// component.
func nextComponent(remaining string) (name, rest string, final bool) {
	idx := strings.IndexByte(remaining, '/')
	if idx < 0 {
		return remaining, "", true
	}
	return remaining[:idx], remaining[idx+1:], false
}
