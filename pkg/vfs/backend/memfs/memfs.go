// Package memfs is a pure in-memory VFS backend: the reference
// implementation exercised by unit tests and the default configuration
// when no persistent backend is configured. It advertises neither
// CAP_BLOCKING nor CAP_FS_PATH_OP, so every call through it exercises
// the component-walk path resolver rather than a fast path.
//
// Grounded on pkg/metadata/store/memory's mutex+map style.
package memfs

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/driftfs/nfsd/pkg/vfs"
)

// Magic is this backend's FH discriminator byte.
const Magic byte = 0x01

const (
	modeDir     = 0040000
	modeRegular = 0100000
	modeSymlink = 0120000
)

type node struct {
	id       uint64
	mode     uint32
	uid, gid uint32
	nlink    uint32
	atime, mtime, ctime vfs.Time

	mu       sync.RWMutex
	data     []byte
	target   string
	children map[string]uint64 // name -> child inode id
	parent   uint64
}

// Backend is the in-memory filesystem. A single Backend instance is one
// exported filesystem tree; construct one per export.
type Backend struct {
	mu       sync.RWMutex
	nodes    map[uint64]*node
	nextID   uint64
	fsid     uint64
	rootMode uint32
}

// New constructs an empty in-memory filesystem with a root directory.
func New(fsid uint64) *Backend {
	b := &Backend{nodes: make(map[uint64]*node), fsid: fsid}
	root := &node{
		id:       1,
		mode:     modeDir | 0755,
		nlink:    2,
		children: make(map[string]uint64),
	}
	b.nodes[1] = root
	b.nextID = 2
	return b
}

// Name implements vfs.Backend.
func (b *Backend) Name() string { return "memfs" }

// Magic implements vfs.Backend.
func (b *Backend) Magic() byte { return Magic }

// Capabilities implements vfs.Backend.
func (b *Backend) Capabilities() vfs.Capability { return 0 }

// RootFH returns the file handle of the filesystem root.
func (b *Backend) RootFH() vfs.FileHandle { return encodeFH(1) }

func encodeFH(id uint64) vfs.FileHandle {
	fh := make([]byte, 9)
	fh[0] = Magic
	binary.BigEndian.PutUint64(fh[1:], id)
	return fh
}

func decodeFH(fh vfs.FileHandle) (uint64, error) {
	if len(fh) != 9 || fh[0] != Magic {
		return 0, vfs.BadFH
	}
	return binary.BigEndian.Uint64(fh[1:]), nil
}

func (b *Backend) lookupNode(id uint64) (*node, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n, ok := b.nodes[id]
	if !ok {
		return nil, vfs.Stale
	}
	return n, nil
}

func (b *Backend) allocID() uint64 { return atomic.AddUint64(&b.nextID, 1) - 1 }

// handle is the BackendHandle returned by Open* operations; memfs opens
// are trivial (no underlying OS resource), so Close is a no-op.
type handle struct{ id uint64 }

func (h *handle) Close() error { return nil }

// Dispatch implements vfs.Backend by switching on req.Op and invoking
// the matching method, then completing the request inline (memfs never
// blocks).
func (b *Backend) Dispatch(ctx context.Context, req *vfs.Request) {
	var err error
	switch req.Op {
	case vfs.OpLookupAt, vfs.OpLookup:
		err = b.doLookup(req)
	case vfs.OpOpen:
		err = b.doOpen(req)
	case vfs.OpOpenFH:
		err = b.doOpenFH(req)
	case vfs.OpOpenAt, vfs.OpFind:
		err = b.doFind(req)
	case vfs.OpClose:
		err = nil // no resources to release
	case vfs.OpRead:
		err = b.doRead(req)
	case vfs.OpWrite:
		err = b.doWrite(req)
	case vfs.OpCommit:
		err = b.doCommit(req)
	case vfs.OpGetattr:
		err = b.doGetattr(req)
	case vfs.OpSetattr:
		err = b.doSetattr(req)
	case vfs.OpMkdir:
		err = b.doMkdir(req)
	case vfs.OpSymlink:
		err = b.doSymlink(req)
	case vfs.OpReadlink:
		err = b.doReadlink(req)
	case vfs.OpRemoveAt:
		err = b.doRemove(req)
	case vfs.OpRenameAt:
		err = b.doRename(req)
	case vfs.OpLinkAt:
		err = b.doLink(req)
	case vfs.OpReaddir:
		err = b.doReaddir(req)
	case vfs.OpAccess:
		err = b.doAccess(req)
	default:
		err = vfs.NotSupp
	}
	req.Complete(err)
}

func (b *Backend) fillAttr(n *node, mask vfs.AttrMask) vfs.Attr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	a := vfs.Attr{ReqMask: mask}
	a.FH = encodeFH(n.id)
	a.Inum = n.id
	a.Mode = n.mode
	a.Nlink = n.nlink
	a.UID = n.uid
	a.GID = n.gid
	a.Size = uint64(len(n.data))
	a.Atime, a.Mtime, a.Ctime = n.atime, n.mtime, n.ctime
	a.FSID = b.fsid
	a.SetMask = vfs.MaskStat | vfs.AttrAtomic
	return a
}

func (b *Backend) doGetattr(req *vfs.Request) error {
	args := req.Args.(*vfs.GetattrArgs)
	id, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	req.Result.(*vfs.GetattrResult).Attr = b.fillAttr(n, args.AttrMask)
	return nil
}

func (b *Backend) doLookup(req *vfs.Request) error {
	args := req.Args.(*vfs.LookupArgs)
	parentID, err := decodeFH(args.Parent)
	if err != nil {
		return err
	}
	parent, err := b.lookupNode(parentID)
	if err != nil {
		return err
	}
	parent.mu.RLock()
	if parent.mode&0170000 != modeDir {
		parent.mu.RUnlock()
		return vfs.NotDir
	}
	childID, ok := parent.children[args.Name]
	parent.mu.RUnlock()
	if !ok {
		return vfs.NoEnt
	}
	child, err := b.lookupNode(childID)
	if err != nil {
		return err
	}
	res := req.Result.(*vfs.LookupResult)
	res.FH = encodeFH(childID)
	res.Attr = b.fillAttr(child, args.AttrMask)
	return nil
}

func (b *Backend) resolveComponent(parentID uint64, name string) (uint64, error) {
	parent, err := b.lookupNode(parentID)
	if err != nil {
		return 0, err
	}
	parent.mu.RLock()
	defer parent.mu.RUnlock()
	if parent.mode&0170000 != modeDir {
		return 0, vfs.NotDir
	}
	id, ok := parent.children[name]
	if !ok {
		return 0, vfs.NoEnt
	}
	return id, nil
}

func (b *Backend) doFind(req *vfs.Request) error {
	var parentFH vfs.FileHandle
	var path string
	var mask vfs.AttrMask
	switch args := req.Args.(type) {
	case *vfs.FindArgs:
		parentFH, path, mask = args.Parent, args.Path, args.AttrMask
	case *vfs.OpenAtArgs:
		parentFH, path, mask = args.Parent, args.Path, args.AttrMask
	default:
		return vfs.Inval
	}
	parentID, err := decodeFH(parentFH)
	if err != nil {
		return err
	}
	id := parentID
	if path != "" {
		for _, comp := range splitPath(path) {
			id, err = b.resolveComponent(id, comp)
			if err != nil {
				return err
			}
		}
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	res := req.Result.(*vfs.LookupResult)
	res.FH = encodeFH(id)
	res.Attr = b.fillAttr(n, mask)
	return nil
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				parts = append(parts, path[start:i])
			}
			start = i + 1
		}
	}
	return parts
}

func (b *Backend) doOpenFH(req *vfs.Request) error {
	args := req.Args.(*vfs.OpenFHArgs)
	id, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	res := req.Result.(*vfs.OpenResult)
	res.FH = args.FH
	res.Handle = &handle{id: id}
	res.Attr = b.fillAttr(n, args.AttrMask)
	return nil
}

func (b *Backend) doOpen(req *vfs.Request) error {
	args := req.Args.(*vfs.OpenArgs)
	parentID, err := decodeFH(args.Parent)
	if err != nil {
		return err
	}

	id, lookupErr := b.resolveComponent(parentID, args.Name)
	res := req.Result.(*vfs.OpenResult)

	if lookupErr == vfs.NoEnt {
		if args.Flags&vfs.OpenCreate == 0 {
			return vfs.NoEnt
		}
		b.mu.Lock()
		newID := b.allocID()
		now := vfs.Time{}
		n := &node{id: newID, mode: modeRegular | (args.Mode & 07777), nlink: 1, atime: now, mtime: now, ctime: now}
		b.nodes[newID] = n
		parent := b.nodes[parentID]
		b.mu.Unlock()

		parent.mu.Lock()
		if parent.children == nil {
			parent.children = make(map[string]uint64)
		}
		parent.children[args.Name] = newID
		parent.mu.Unlock()

		res.FH = encodeFH(newID)
		res.Handle = &handle{id: newID}
		res.Attr = b.fillAttr(n, args.AttrMask)
		res.Created = true
		return nil
	}
	if lookupErr != nil {
		return lookupErr
	}
	if args.Flags&(vfs.OpenCreate|vfs.OpenExclusive) == vfs.OpenCreate|vfs.OpenExclusive {
		return vfs.Exist
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	res.FH = encodeFH(id)
	res.Handle = &handle{id: id}
	res.Attr = b.fillAttr(n, args.AttrMask)
	return nil
}

func (b *Backend) doRead(req *vfs.Request) error {
	args := req.Args.(*vfs.ReadArgs)
	id, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	res := req.Result.(*vfs.ReadResult)
	if args.Offset >= uint64(len(n.data)) {
		res.Data = nil
		res.EOF = true
		return nil
	}
	end := args.Offset + uint64(args.Count)
	if end > uint64(len(n.data)) {
		end = uint64(len(n.data))
	}
	res.Data = append([]byte(nil), n.data[args.Offset:end]...)
	res.EOF = end == uint64(len(n.data))
	return nil
}

func (b *Backend) doWrite(req *vfs.Request) error {
	args := req.Args.(*vfs.WriteArgs)
	id, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	end := args.Offset + uint64(len(args.Data))
	if end > uint64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[args.Offset:], args.Data)
	res := req.Result.(*vfs.WriteResult)
	res.Count = uint32(len(args.Data))
	return nil
}

func (b *Backend) doCommit(req *vfs.Request) error {
	req.Result.(*vfs.CommitResult).Verifier = 0
	return nil
}

func (b *Backend) doSetattr(req *vfs.Request) error {
	args := req.Args.(*vfs.SetattrArgs)
	id, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if args.Attr.SetMask.Has(vfs.AttrMode) {
		n.mode = (n.mode &^ 07777) | (args.Attr.Mode & 07777)
	}
	if args.Attr.SetMask.Has(vfs.AttrUID) {
		n.uid = args.Attr.UID
	}
	if args.Attr.SetMask.Has(vfs.AttrGID) {
		n.gid = args.Attr.GID
	}
	if args.Attr.SetMask.Has(vfs.AttrSize) {
		size := args.Attr.Size
		if size < uint64(len(n.data)) {
			n.data = n.data[:size]
		} else if size > uint64(len(n.data)) {
			grown := make([]byte, size)
			copy(grown, n.data)
			n.data = grown
		}
	}
	req.Result.(*vfs.SetattrResult).PostAttr = b.fillAttr(n, vfs.MaskStat)
	return nil
}

func (b *Backend) doMkdir(req *vfs.Request) error {
	args := req.Args.(*vfs.MkdirArgs)
	parentID, err := decodeFH(args.Parent)
	if err != nil {
		return err
	}
	if _, err := b.resolveComponent(parentID, args.Name); err != vfs.NoEnt {
		if err == nil {
			return vfs.Exist
		}
		return err
	}
	b.mu.Lock()
	newID := b.allocID()
	n := &node{id: newID, mode: modeDir | (args.Mode & 07777), nlink: 2, children: make(map[string]uint64)}
	b.nodes[newID] = n
	parent := b.nodes[parentID]
	b.mu.Unlock()

	parent.mu.Lock()
	if parent.children == nil {
		parent.children = make(map[string]uint64)
	}
	parent.children[args.Name] = newID
	parent.mu.Unlock()

	res := req.Result.(*vfs.CreateResult)
	res.FH = encodeFH(newID)
	res.Attr = b.fillAttr(n, args.AttrMask)
	return nil
}

func (b *Backend) doSymlink(req *vfs.Request) error {
	args := req.Args.(*vfs.SymlinkArgs)
	parentID, err := decodeFH(args.Parent)
	if err != nil {
		return err
	}
	b.mu.Lock()
	newID := b.allocID()
	n := &node{id: newID, mode: modeSymlink | 0777, nlink: 1, target: args.Target}
	b.nodes[newID] = n
	parent := b.nodes[parentID]
	b.mu.Unlock()

	parent.mu.Lock()
	if parent.children == nil {
		parent.children = make(map[string]uint64)
	}
	parent.children[args.Name] = newID
	parent.mu.Unlock()

	res := req.Result.(*vfs.CreateResult)
	res.FH = encodeFH(newID)
	res.Attr = b.fillAttr(n, args.AttrMask)
	return nil
}

func (b *Backend) doReadlink(req *vfs.Request) error {
	args := req.Args.(*vfs.ReadlinkArgs)
	id, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.mode&0170000 != modeSymlink {
		return vfs.Inval
	}
	req.Result.(*vfs.ReadlinkResult).Target = n.target
	return nil
}

func (b *Backend) doRemove(req *vfs.Request) error {
	args := req.Args.(*vfs.RemoveAtArgs)
	parentID, err := decodeFH(args.Parent)
	if err != nil {
		return err
	}
	parent, err := b.lookupNode(parentID)
	if err != nil {
		return err
	}
	parent.mu.Lock()
	defer parent.mu.Unlock()
	childID, ok := parent.children[args.Name]
	if !ok {
		return vfs.NoEnt
	}
	child, err := b.lookupNode(childID)
	if err != nil {
		return err
	}
	child.mu.RLock()
	isDir := child.mode&0170000 == modeDir
	empty := len(child.children) == 0
	child.mu.RUnlock()
	if args.Dir && !isDir {
		return vfs.NotDir
	}
	if !args.Dir && isDir {
		return vfs.IsDir
	}
	if args.Dir && !empty {
		return vfs.NotEmpty
	}
	delete(parent.children, args.Name)
	b.mu.Lock()
	delete(b.nodes, childID)
	b.mu.Unlock()
	return nil
}

func (b *Backend) doRename(req *vfs.Request) error {
	args := req.Args.(*vfs.RenameAtArgs)
	oldParentID, err := decodeFH(args.OldParent)
	if err != nil {
		return err
	}
	newParentID, err := decodeFH(args.NewParent)
	if err != nil {
		return err
	}
	oldParent, err := b.lookupNode(oldParentID)
	if err != nil {
		return err
	}
	newParent, err := b.lookupNode(newParentID)
	if err != nil {
		return err
	}

	oldParent.mu.Lock()
	childID, ok := oldParent.children[args.OldName]
	if !ok {
		oldParent.mu.Unlock()
		return vfs.NoEnt
	}
	delete(oldParent.children, args.OldName)
	oldParent.mu.Unlock()

	if newParentID == oldParentID {
		newParent = oldParent
	}
	newParent.mu.Lock()
	if newParent.children == nil {
		newParent.children = make(map[string]uint64)
	}
	newParent.children[args.NewName] = childID
	newParent.mu.Unlock()
	return nil
}

func (b *Backend) doLink(req *vfs.Request) error {
	args := req.Args.(*vfs.LinkAtArgs)
	id, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	newParentID, err := decodeFH(args.NewParent)
	if err != nil {
		return err
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	newParent, err := b.lookupNode(newParentID)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.nlink++
	n.mu.Unlock()
	newParent.mu.Lock()
	if newParent.children == nil {
		newParent.children = make(map[string]uint64)
	}
	newParent.children[args.NewName] = id
	newParent.mu.Unlock()
	return nil
}

func (b *Backend) doReaddir(req *vfs.Request) error {
	args := req.Args.(*vfs.ReaddirArgs)
	id, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	n, err := b.lookupNode(id)
	if err != nil {
		return err
	}
	n.mu.RLock()
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	n.mu.RUnlock()

	res := req.Result.(*vfs.ReaddirResult)
	var size uint32
	cookie := uint64(0)
	for _, name := range names {
		cookie++
		if cookie <= args.Cookie {
			continue
		}
		entrySize := uint32(len(name)) + 24
		if size+entrySize > args.MaxCount && len(res.Entries) > 0 {
			res.EOF = false
			return nil
		}
		size += entrySize
		n.mu.RLock()
		childID := n.children[name]
		n.mu.RUnlock()
		entry := vfs.DirEntry{Name: name, FileID: childID, Cookie: cookie}
		if args.Plus {
			if child, err := b.lookupNode(childID); err == nil {
				entry.FH = encodeFH(childID)
				entry.Attr = b.fillAttr(child, args.AttrMask)
			}
		}
		res.Entries = append(res.Entries, entry)
	}
	res.EOF = true
	return nil
}

func (b *Backend) doAccess(req *vfs.Request) error {
	args := req.Args.(*vfs.AccessArgs)
	_, err := decodeFH(args.FH)
	if err != nil {
		return err
	}
	req.Result.(*vfs.AccessResult).Granted = args.Request
	return nil
}
