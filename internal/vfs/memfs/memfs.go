// Package memfs is an in-memory filesystem implementing
// vfs.Inode, used as the root filesystem until a real on-disk
// filesystem is mounted over it. It is grounded on the teacher's
// ufs in-memory test harness (biscuit/src/ufs), generalized from a
// fixed test fixture into a general-purpose read/write tree.
package memfs

import (
	"sync"
	"time"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/vfs"
)

// Node is one memfs inode: either a byte-slice-backed regular file or
// a directory of named children.
type Node struct {
	vfs.BaseInode

	mu       sync.RWMutex
	typ      vfs.FileType
	data     []byte
	children map[string]*Node
	target   string // symlink target
	ino      uint64
	mtime    int64
}

var inoCounter uint64
var inoMu sync.Mutex

func nextIno() uint64 {
	inoMu.Lock()
	defer inoMu.Unlock()
	inoCounter++
	return inoCounter
}

// NewDir constructs an empty directory node, the usual root for a
// fresh memfs mount.
func NewDir() *Node {
	return &Node{typ: vfs.TypeDir, children: map[string]*Node{}, ino: nextIno()}
}

// NewFile constructs an empty regular file node.
func NewFile() *Node {
	return &Node{typ: vfs.TypeRegular, ino: nextIno()}
}

func (n *Node) Type() vfs.FileType { return n.typ }

func (n *Node) ReadAt(off int64, buf []byte) (int, defs.Err_t) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.typ != vfs.TypeRegular {
		return 0, defs.EISDIR
	}
	if off >= int64(len(n.data)) {
		return 0, 0
	}
	k := copy(buf, n.data[off:])
	return k, 0
}

func (n *Node) WriteAt(off int64, buf []byte) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeRegular {
		return 0, defs.EISDIR
	}
	end := off + int64(len(buf))
	if end > int64(len(n.data)) {
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	copy(n.data[off:end], buf)
	n.mtime = time.Now().UnixNano()
	return len(buf), 0
}

func (n *Node) Lookup(name string) (vfs.Inode, defs.Err_t) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.typ != vfs.TypeDir {
		return nil, defs.ENOTDIR
	}
	c, ok := n.children[name]
	if !ok {
		return nil, defs.ENOENT
	}
	return c, 0
}

func (n *Node) Open(name string, flags int) (vfs.Inode, defs.Err_t) {
	return n.Lookup(name)
}

func (n *Node) Create(name string, typ vfs.FileType) (vfs.Inode, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeDir {
		return nil, defs.ENOTDIR
	}
	if _, ok := n.children[name]; ok {
		return nil, defs.EEXIST
	}
	var c *Node
	switch typ {
	case vfs.TypeDir:
		c = NewDir()
	default:
		c = NewFile()
	}
	n.children[name] = c
	return c, 0
}

func (n *Node) Mkdir(name string) (vfs.Inode, defs.Err_t) {
	return n.Create(name, vfs.TypeDir)
}

func (n *Node) Rmdir(name string) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeDir {
		return defs.ENOTDIR
	}
	c, ok := n.children[name]
	if !ok {
		return defs.ENOENT
	}
	if c.typ != vfs.TypeDir {
		return defs.ENOTDIR
	}
	if len(c.children) != 0 {
		return defs.ENOTEMPTY
	}
	delete(n.children, name)
	return 0
}

func (n *Node) Remove(name string) defs.Err_t { return n.Unlink(name) }

func (n *Node) Unlink(name string) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeDir {
		return defs.ENOTDIR
	}
	c, ok := n.children[name]
	if !ok {
		return defs.ENOENT
	}
	if c.typ == vfs.TypeDir {
		return defs.EISDIR
	}
	delete(n.children, name)
	return 0
}

func (n *Node) Symlink(name, target string) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeDir {
		return defs.ENOTDIR
	}
	if _, ok := n.children[name]; ok {
		return defs.EEXIST
	}
	n.children[name] = &Node{typ: vfs.TypeSymlink, target: target, ino: nextIno()}
	return 0
}

func (n *Node) ReadDir() ([]vfs.DirEntry, defs.Err_t) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.typ != vfs.TypeDir {
		return nil, defs.ENOTDIR
	}
	out := make([]vfs.DirEntry, 0, len(n.children))
	for name, c := range n.children {
		out = append(out, vfs.DirEntry{Name: name, Type: c.typ, Ino: c.ino})
	}
	return out, 0
}

func (n *Node) Stat(st *vfs.Stat) defs.Err_t {
	n.mu.RLock()
	defer n.mu.RUnlock()
	st.Ino = n.ino
	st.Size = int64(len(n.data))
	st.Nlink = 1
	st.Mtime = n.mtime
	st.Blksize = 4096
	return 0
}

func (n *Node) StatFS(st *vfs.StatFS) defs.Err_t {
	st.Bsize = 4096
	st.NameLen = 255
	return 0
}

func (n *Node) Truncate(size int64) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeRegular {
		return defs.EISDIR
	}
	if size < 0 {
		return defs.EINVAL
	}
	if int64(len(n.data)) == size {
		return 0
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return 0
}

func (n *Node) ResolveLink() (string, defs.Err_t) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.typ != vfs.TypeSymlink {
		return "", defs.EINVAL
	}
	return n.target, 0
}

func (n *Node) Link(name string, target vfs.Inode) defs.Err_t {
	tn, ok := target.(*Node)
	if !ok {
		return defs.EINVAL
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.typ != vfs.TypeDir {
		return defs.ENOTDIR
	}
	if _, exists := n.children[name]; exists {
		return defs.EEXIST
	}
	n.children[name] = tn
	return 0
}

func (n *Node) Poll(events vfs.PollEvent) vfs.PollEvent {
	return events & (vfs.POLLIN | vfs.POLLOUT)
}

func (n *Node) Utimes(atime, mtime int64) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mtime = mtime
	return 0
}
