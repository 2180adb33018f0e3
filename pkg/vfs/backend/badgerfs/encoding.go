package badgerfs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/driftfs/nfsd/pkg/vfs"
)

// Key namespace, adapted from the teacher's badger metadata store:
//
//	Data                  Prefix  Key format              Value
//	inode                 "f:"    f:<uuid>                inode (JSON)
//	directory entry        "c:"    c:<parentUUID>:<name>   childUUID (16 bytes)
//	inline file data       "d:"    d:<uuid>                raw bytes
const (
	prefixInode = "f:"
	prefixChild = "c:"
	prefixData  = "d:"
)

func keyInode(id uuid.UUID) []byte { return []byte(prefixInode + id.String()) }
func keyData(id uuid.UUID) []byte  { return []byte(prefixData + id.String()) }

func keyChild(parent uuid.UUID, name string) []byte {
	return []byte(prefixChild + parent.String() + ":" + name)
}

func keyChildPrefix(parent uuid.UUID) []byte {
	return []byte(prefixChild + parent.String() + ":")
}

func childName(parent uuid.UUID, key []byte) string {
	return string(key[len(prefixChild)+len(parent.String())+1:])
}

// inode is the on-disk representation of one file, directory, or
// symlink. Directory entries are stored separately under prefixChild;
// inode itself carries no children listing, matching the teacher's
// file/children separation.
type inode struct {
	ID     uuid.UUID `json:"id"`
	Mode   uint32    `json:"mode"`
	UID    uint32    `json:"uid"`
	GID    uint32    `json:"gid"`
	Nlink  uint32    `json:"nlink"`
	Size   uint64    `json:"size"`
	Atime  vfs.Time  `json:"atime"`
	Mtime  vfs.Time  `json:"mtime"`
	Ctime  vfs.Time  `json:"ctime"`
	Target string    `json:"target,omitempty"` // symlink target

	// Offloaded is set once Size crosses the backend's inline threshold;
	// the payload then lives in the configured content store under
	// ContentKey rather than under keyData.
	Offloaded  bool   `json:"offloaded,omitempty"`
	ContentKey string `json:"content_key,omitempty"`
}

func encodeInode(n *inode) ([]byte, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("badgerfs: encode inode: %w", err)
	}
	return b, nil
}

func decodeInode(b []byte) (*inode, error) {
	var n inode
	if err := json.Unmarshal(b, &n); err != nil {
		return nil, fmt.Errorf("badgerfs: decode inode: %w", err)
	}
	return &n, nil
}

func encodeUUID(id uuid.UUID) []byte { return id[:] }

func decodeUUID(b []byte) (uuid.UUID, error) {
	var id uuid.UUID
	if len(b) != len(id) {
		return uuid.Nil, fmt.Errorf("badgerfs: invalid uuid value: %d bytes", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// fileHandle encodes a backend-relative inode id into the opaque
// vfs.FileHandle this backend's Magic byte owns: 1 magic byte followed
// by the raw 16-byte UUID, for a 17-byte handle well under MaxFHLen.
func fileHandle(id uuid.UUID) vfs.FileHandle {
	fh := make([]byte, 17)
	fh[0] = Magic
	copy(fh[1:], id[:])
	return fh
}

func decodeFileHandle(fh vfs.FileHandle) (uuid.UUID, error) {
	if len(fh) != 17 || fh[0] != Magic {
		return uuid.Nil, vfs.BadFH
	}
	var id uuid.UUID
	copy(id[:], fh[1:])
	return id, nil
}
