// Package fd implements the per-process file descriptor table
// (spec.md C4). It is grounded on the teacher's fd package (Fd_t with
// an Fops interface and a Perms bitmask, Cwd_t carrying the current
// directory), generalized from the teacher's fdops.Fdops_i contract
// onto vfs.Inode and widened from a flat slice to a capped,
// lowest-free-index allocator driven by RLIMIT_NOFILE.
package fd

import (
	"sync"
	"sync/atomic"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/vfs"
)

// Permission bits, named after the teacher's FD_READ/FD_WRITE/FD_CLOEXEC.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// FileItem is the open-file object a descriptor points at (spec.md
// C4's "Option<Arc<FileItem>>"): Go's GC plays the role Arc's
// refcounting does in the original, so FileItem needs no explicit
// refcount of its own — it is kept alive exactly as long as some
// FdTable slot (or a dup'd one) still references it.
type FileItem struct {
	Dentry *vfs.Dentry
	Inode  vfs.Inode
	Flags  int // O_* flags, including O_NONBLOCK
	Perms  int // FD_READ/FD_WRITE

	offset int64 // atomic
}

// NewFileItem wraps an opened dentry/inode pair as a FileItem.
func NewFileItem(d *vfs.Dentry, inode vfs.Inode, flags, perms int) *FileItem {
	return &FileItem{Dentry: d, Inode: inode, Flags: flags, Perms: perms}
}

// Offset returns the current read/write cursor.
func (f *FileItem) Offset() int64 { return atomic.LoadInt64(&f.offset) }

// Seek repositions the cursor and returns the new offset.
func (f *FileItem) Seek(off int64) int64 {
	atomic.StoreInt64(&f.offset, off)
	return off
}

// Read reads at the current offset and advances it, matching the
// teacher's pattern of offset-tracking living on the fd object rather
// than the inode. Per spec.md C4, EWOULDBLOCK only propagates to the
// caller as-is; the syscall/executor layer above decides whether to
// suspend (O_NONBLOCK clear) or return it directly (O_NONBLOCK set).
func (f *FileItem) Read(buf []byte) (int, defs.Err_t) {
	if f.Perms&FD_READ == 0 {
		return 0, defs.EBADF
	}
	off := atomic.LoadInt64(&f.offset)
	n, err := f.Inode.ReadAt(off, buf)
	if err != 0 {
		return 0, err
	}
	atomic.AddInt64(&f.offset, int64(n))
	return n, 0
}

// Write writes at the current offset (or at EOF if O_APPEND) and
// advances it.
func (f *FileItem) Write(buf []byte) (int, defs.Err_t) {
	if f.Perms&FD_WRITE == 0 {
		return 0, defs.EBADF
	}
	off := atomic.LoadInt64(&f.offset)
	if f.Flags&defs.O_APPEND != 0 {
		var st vfs.Stat
		if err := f.Inode.Stat(&st); err == 0 {
			off = st.Size
		}
	}
	n, err := f.Inode.WriteAt(off, buf)
	if err != 0 {
		return 0, err
	}
	atomic.StoreInt64(&f.offset, off+int64(n))
	return n, 0
}

// Poll consults the inode for readiness.
func (f *FileItem) Poll(events vfs.PollEvent) vfs.PollEvent {
	return f.Inode.Poll(events)
}

// Table is the bounded descriptor vector (spec.md C4). limit is the
// RLIMIT_NOFILE ceiling; index i is valid for 0 <= i < limit.
type Table struct {
	mu    sync.Mutex
	items []*FileItem
	limit int
}

// NewTable constructs an empty table capped at limit descriptors.
func NewTable(limit int) *Table {
	return &Table{limit: limit}
}

// allocFd finds the lowest free index within the cap, growing the
// backing slice lazily, mirroring spec.md's "alloc_fd returns the
// lowest unused index within the cap".
func (t *Table) allocFd() (int, defs.Err_t) {
	for i := 0; i < len(t.items); i++ {
		if t.items[i] == nil {
			return i, 0
		}
	}
	if len(t.items) >= t.limit {
		return 0, defs.EMFILE
	}
	t.items = append(t.items, nil)
	return len(t.items) - 1, 0
}

// Install allocates the lowest free fd and stores item there.
func (t *Table) Install(item *FileItem) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fdnum, err := t.allocFd()
	if err != 0 {
		return 0, err
	}
	t.items[fdnum] = item
	return fdnum, 0
}

// InstallAt installs item at the specific index fdnum, growing the
// table and closing any prior occupant, expanding the cap check to
// match dup2/dup3's explicit-target semantics.
func (t *Table) InstallAt(fdnum int, item *FileItem) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdnum < 0 || fdnum >= t.limit {
		return defs.EBADF
	}
	for len(t.items) <= fdnum {
		t.items = append(t.items, nil)
	}
	t.items[fdnum] = item
	return 0
}

// Get returns the FileItem at fd, or EBADF if unused.
func (t *Table) Get(fdnum int) (*FileItem, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdnum < 0 || fdnum >= len(t.items) || t.items[fdnum] == nil {
		return nil, defs.EBADF
	}
	return t.items[fdnum], 0
}

// Close drops the descriptor at fd.
func (t *Table) Close(fdnum int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdnum < 0 || fdnum >= len(t.items) || t.items[fdnum] == nil {
		return defs.EBADF
	}
	t.items[fdnum] = nil
	return 0
}

// Dup3 shares src's FileItem at dst, closing any prior occupant of
// dst (spec.md C4). src == dst is EINVAL, matching dup3(2).
func (t *Table) Dup3(src, dst int) (int, defs.Err_t) {
	if src == dst {
		return 0, defs.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if src < 0 || src >= len(t.items) || t.items[src] == nil {
		return 0, defs.EBADF
	}
	if dst < 0 || dst >= t.limit {
		return 0, defs.EBADF
	}
	for len(t.items) <= dst {
		t.items = append(t.items, nil)
	}
	t.items[dst] = t.items[src]
	return dst, 0
}

// Clone produces an independent table sharing every FileItem pointer
// (used by fork: the child's table starts as a shallow copy, per
// spec.md C7 "new PCB (fd table and memset cloned)").
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &Table{limit: t.limit, items: make([]*FileItem, len(t.items))}
	copy(n.items, t.items)
	return n
}

// CloseAll drops every descriptor, used on process exit (spec.md C7).
func (t *Table) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.items {
		t.items[i] = nil
	}
}

// Len reports the current backing-slice length (not the number of
// open descriptors), useful for iterating procfs's fd listing.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Each calls f for every currently-open descriptor index.
func (t *Table) Each(f func(fdnum int, item *FileItem)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, it := range t.items {
		if it != nil {
			f(i, it)
		}
	}
}
