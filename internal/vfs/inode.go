// Package vfs implements the inode contract, dentry cache, mount
// table, and path resolution of spec.md C3. It is grounded on the
// teacher's fs package shape (one flat interface with an fmt.Stringer
// feel, sync.Mutex-guarded shared structures) but the inode methods
// themselves are new: the teacher's fs.go talks to a specific on-disk
// log-structured filesystem, while this package only owns the
// dispatch surface every concrete filesystem (memfs, devfs, procfs)
// implements.
package vfs

import (
	"github.com/lattice-os/kernel/internal/defs"
)

// FileType enumerates the inode kinds spec.md's DirEntry/Stat need,
// grounded on original_source's vfscore FileType (File/Dir/Link/...).
type FileType int

const (
	TypeRegular FileType = iota
	TypeDir
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeFifo
	TypeSocket
)

// Stat mirrors the POSIX struct stat fields user binaries expect
// (original_source vfscore's Stat/Kstat layout).
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	UID     uint32
	GID     uint32
	Rdev    uint64
	Size    int64
	Blksize int64
	Blocks  int64
	Atime   int64
	Mtime   int64
	Ctime   int64
}

// StatFS mirrors struct statfs.
type StatFS struct {
	Type    int64
	Bsize   int64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	NameLen int64
}

// DirEntry is one row of a read_dir listing.
type DirEntry struct {
	Name string
	Type FileType
	Ino  uint64
}

// PollEvent is a bitmask of ready conditions, matching POSIX poll(2)
// bit positions so internal/syscall can hand them straight to user
// space.
type PollEvent uint32

const (
	POLLIN  PollEvent = 0x001
	POLLOUT PollEvent = 0x004
	POLLERR PollEvent = 0x008
	POLLHUP PollEvent = 0x010
)

// Inode is the single contract every filesystem implements (spec.md
// §4.3). Methods a given filesystem doesn't support return ENOSYS /
// ENOTDIR / EISDIR as appropriate rather than panicking — callers
// (dentry_open, the syscall layer) rely on that to report POSIX
// errors instead of crashing the kernel on one bad filesystem.
type Inode interface {
	ReadAt(off int64, buf []byte) (int, defs.Err_t)
	WriteAt(off int64, buf []byte) (int, defs.Err_t)
	Lookup(name string) (Inode, defs.Err_t)
	Open(name string, flags int) (Inode, defs.Err_t)
	Create(name string, typ FileType) (Inode, defs.Err_t)
	Mkdir(name string) (Inode, defs.Err_t)
	Rmdir(name string) defs.Err_t
	Remove(name string) defs.Err_t
	Unlink(name string) defs.Err_t
	Symlink(name, target string) defs.Err_t
	ReadDir() ([]DirEntry, defs.Err_t)
	Stat(st *Stat) defs.Err_t
	StatFS(st *StatFS) defs.Err_t
	Truncate(size int64) defs.Err_t
	Ioctl(cmd uintptr, arg uintptr) (uintptr, defs.Err_t)
	Poll(events PollEvent) PollEvent
	Utimes(atime, mtime int64) defs.Err_t
	Link(name string, target Inode) defs.Err_t
	ResolveLink() (string, defs.Err_t)
	Mount(path string, root Inode) defs.Err_t
	Umount(path string) defs.Err_t
	Type() FileType
}

// BaseInode supplies ENOSYS/ENOTDIR defaults for every Inode method,
// the way the spec's "default-erroring methods" trait works: a
// concrete filesystem embeds BaseInode and only overrides what it
// actually implements (memfs overrides the file, directory, link,
// stat and poll methods but not Ioctl/Mount/Umount; devfs's device
// nodes override ReadAt/WriteAt/Stat/Poll and leave directory ops
// erroring).
type BaseInode struct{}

func (BaseInode) ReadAt(off int64, buf []byte) (int, defs.Err_t)  { return 0, defs.ENOSYS }
func (BaseInode) WriteAt(off int64, buf []byte) (int, defs.Err_t) { return 0, defs.ENOSYS }
func (BaseInode) Lookup(name string) (Inode, defs.Err_t)          { return nil, defs.ENOTDIR }
func (BaseInode) Open(name string, flags int) (Inode, defs.Err_t) { return nil, defs.ENOTDIR }
func (BaseInode) Create(name string, typ FileType) (Inode, defs.Err_t) {
	return nil, defs.ENOTDIR
}
func (BaseInode) Mkdir(name string) (Inode, defs.Err_t) { return nil, defs.ENOTDIR }
func (BaseInode) Rmdir(name string) defs.Err_t          { return defs.ENOTDIR }
func (BaseInode) Remove(name string) defs.Err_t         { return defs.ENOSYS }
func (BaseInode) Unlink(name string) defs.Err_t         { return defs.ENOSYS }
func (BaseInode) Symlink(name, target string) defs.Err_t {
	return defs.ENOTDIR
}
func (BaseInode) ReadDir() ([]DirEntry, defs.Err_t)      { return nil, defs.ENOTDIR }
func (BaseInode) Stat(st *Stat) defs.Err_t               { return defs.ENOSYS }
func (BaseInode) StatFS(st *StatFS) defs.Err_t           { return defs.ENOSYS }
func (BaseInode) Truncate(size int64) defs.Err_t         { return defs.ENOSYS }
func (BaseInode) Ioctl(cmd, arg uintptr) (uintptr, defs.Err_t) {
	return 0, defs.ENOTTY
}
func (BaseInode) Poll(events PollEvent) PollEvent { return 0 }
func (BaseInode) Utimes(atime, mtime int64) defs.Err_t {
	return defs.ENOSYS
}
func (BaseInode) Link(name string, target Inode) defs.Err_t { return defs.ENOSYS }
func (BaseInode) ResolveLink() (string, defs.Err_t)         { return "", defs.EINVAL }
func (BaseInode) Mount(path string, root Inode) defs.Err_t  { return defs.ENOSYS }
func (BaseInode) Umount(path string) defs.Err_t             { return defs.ENOSYS }
func (BaseInode) Type() FileType                             { return TypeRegular }
