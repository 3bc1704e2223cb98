// Package devfs implements /dev, a directory of device-backed inodes
// (spec.md §1's "ramfs / devfs" quartet). It is grounded on the
// teacher's defs/device.go device-id table, generalized from a
// console-only special case into a directory filesystem that can list
// and look up any registered device node.
package devfs

import (
	"sync"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/vfs"
	"github.com/lattice-os/kernel/pkg/device"
)

// Console adapts a device.Console to vfs.Inode for the /dev/console
// node.
type Console struct {
	vfs.BaseInode
	dev device.Console
}

func NewConsole(dev device.Console) *Console { return &Console{dev: dev} }

func (c *Console) Type() vfs.FileType { return vfs.TypeCharDevice }

func (c *Console) ReadAt(off int64, buf []byte) (int, defs.Err_t) {
	n := 0
	for n < len(buf) {
		b, ok := c.dev.GetChar()
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n, 0
}

func (c *Console) WriteAt(off int64, buf []byte) (int, defs.Err_t) {
	for _, b := range buf {
		c.dev.PutChar(b)
	}
	return len(buf), 0
}

func (c *Console) Stat(st *vfs.Stat) defs.Err_t {
	st.Mode = 0o20000 // S_IFCHR
	st.Rdev = uint64(defs.Mkdev(defs.D_CONSOLE, 0))
	return 0
}

func (c *Console) Poll(events vfs.PollEvent) vfs.PollEvent {
	return events & (vfs.POLLIN | vfs.POLLOUT)
}

// Null is /dev/null: writes are discarded, reads return EOF.
type Null struct{ vfs.BaseInode }

func (Null) Type() vfs.FileType                           { return vfs.TypeCharDevice }
func (Null) ReadAt(off int64, buf []byte) (int, defs.Err_t) { return 0, 0 }
func (Null) WriteAt(off int64, buf []byte) (int, defs.Err_t) {
	return len(buf), 0
}
func (Null) Stat(st *vfs.Stat) defs.Err_t {
	st.Mode = 0o20000
	st.Rdev = uint64(defs.Mkdev(defs.D_DEVNULL, 0))
	return 0
}

func (Null) Poll(events vfs.PollEvent) vfs.PollEvent {
	return events & (vfs.POLLIN | vfs.POLLOUT)
}

// RawDisk adapts a device.BlockDevice to vfs.Inode for /dev/rawdisk:
// ReadAt/WriteAt offsets must land on sector boundaries, translated
// straight into ReadBlocks/WriteBlocks calls (spec.md §1's "rawdisk"
// device node, generalized the way console/null already are).
type RawDisk struct {
	vfs.BaseInode
	dev        device.BlockDevice
	sectorSize int
}

func NewRawDisk(dev device.BlockDevice, sectorSize int) *RawDisk {
	return &RawDisk{dev: dev, sectorSize: sectorSize}
}

func (r *RawDisk) Type() vfs.FileType { return vfs.TypeBlockDevice }

func (r *RawDisk) ReadAt(off int64, buf []byte) (int, defs.Err_t) {
	if off%int64(r.sectorSize) != 0 || len(buf)%r.sectorSize != 0 {
		return 0, defs.EINVAL
	}
	if err := r.dev.ReadBlocks(off/int64(r.sectorSize), buf); err != nil {
		return 0, defs.EIO
	}
	return len(buf), 0
}

func (r *RawDisk) WriteAt(off int64, buf []byte) (int, defs.Err_t) {
	if off%int64(r.sectorSize) != 0 || len(buf)%r.sectorSize != 0 {
		return 0, defs.EINVAL
	}
	if err := r.dev.WriteBlocks(off/int64(r.sectorSize), buf); err != nil {
		return 0, defs.EIO
	}
	return len(buf), 0
}

func (r *RawDisk) Stat(st *vfs.Stat) defs.Err_t {
	st.Mode = 0o60000 // S_IFBLK
	st.Rdev = uint64(defs.Mkdev(defs.D_RAWDISK, 0))
	st.Size = r.dev.Capacity() * int64(r.sectorSize)
	return 0
}

// Dir is the /dev directory inode: a fixed registry of named device
// nodes rather than a general-purpose mkdir/create target, matching
// how a real devfs refuses arbitrary file creation.
type Dir struct {
	vfs.BaseInode
	mu    sync.RWMutex
	nodes map[string]vfs.Inode
}

// NewDir constructs an empty /dev directory; callers register nodes
// with Register (kernel boot wires console/null/etc. in).
func NewDir() *Dir {
	return &Dir{nodes: map[string]vfs.Inode{}}
}

// Register adds a named device inode, e.g. Register("console", ...).
func (d *Dir) Register(name string, n vfs.Inode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes[name] = n
}

func (d *Dir) Type() vfs.FileType { return vfs.TypeDir }

func (d *Dir) Lookup(name string) (vfs.Inode, defs.Err_t) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[name]
	if !ok {
		return nil, defs.ENOENT
	}
	return n, 0
}

func (d *Dir) Open(name string, flags int) (vfs.Inode, defs.Err_t) {
	return d.Lookup(name)
}

func (d *Dir) ReadDir() ([]vfs.DirEntry, defs.Err_t) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]vfs.DirEntry, 0, len(d.nodes))
	for name, n := range d.nodes {
		out = append(out, vfs.DirEntry{Name: name, Type: n.Type()})
	}
	return out, 0
}

func (d *Dir) Stat(st *vfs.Stat) defs.Err_t {
	st.Mode = 0o40000 // S_IFDIR
	return 0
}
