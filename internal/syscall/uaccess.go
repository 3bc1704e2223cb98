// Package syscall implements the numeric syscall dispatcher (spec.md
// C11): a table mapping a stable POSIX syscall number to a handler
// method on Context, argument marshalling from the trap frame via
// faultable UserRef accessors, and per-syscall semantics layered over
// internal/fd, internal/vmm, internal/task, internal/sig, and
// internal/futex.
package syscall

import (
	"encoding/binary"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagetable"
)

// UserMem resolves a user virtual address to the page's backing bytes
// via the task's page table and frame storage, the concrete memory
// window UserRef's accessors read and write through (spec.md C11's
// "UserRef<T>" carries a user virtual address with typed accessors").
type UserMem struct {
	PT    *pagetable.Table
	Alloc *mem.Allocator
}

// bytesAt returns a slice of the page containing va, and the in-page
// offset, or EFAULT if va isn't mapped — every user-pointer access
// must fail this way rather than panic (spec.md C11: "treat user
// pointers as faultable").
func (u *UserMem) bytesAt(va uintptr) ([]byte, int, defs.Err_t) {
	if va == 0 {
		return nil, 0, defs.EFAULT
	}
	page := mem.VirtAddr(va).Floor().Virt()
	u.PT.LockPmap()
	paddr, _, ok := u.PT.Translate(uintptr(page))
	u.PT.UnlockPmap()
	if !ok {
		return nil, 0, defs.EFAULT
	}
	buf, ok := u.Alloc.BytesAt(mem.PhysAddr(paddr).Floor())
	if !ok {
		return nil, 0, defs.EFAULT
	}
	off := int(uintptr(va) - uintptr(page))
	return buf, off, 0
}

// GetU64 reads a little-endian uint64 at va.
func (u *UserMem) GetU64(va uintptr) (uint64, defs.Err_t) {
	buf, off, err := u.bytesAt(va)
	if err != 0 {
		return 0, err
	}
	if off+8 > len(buf) {
		return 0, defs.EFAULT // straddles a page boundary; unsupported
	}
	return binary.LittleEndian.Uint64(buf[off:]), 0
}

// PutU64 writes v as little-endian at va, satisfying task.UserRef.
func (u *UserMem) PutU64(va uintptr, v uint64) defs.Err_t {
	buf, off, err := u.bytesAt(va)
	if err != 0 {
		return err
	}
	if off+8 > len(buf) {
		return defs.EFAULT
	}
	binary.LittleEndian.PutUint64(buf[off:], v)
	return 0
}

// GetU32 reads a little-endian uint32 at va (futex words, most ints).
func (u *UserMem) GetU32(va uintptr) (uint32, defs.Err_t) {
	buf, off, err := u.bytesAt(va)
	if err != 0 {
		return 0, err
	}
	if off+4 > len(buf) {
		return 0, defs.EFAULT
	}
	return binary.LittleEndian.Uint32(buf[off:]), 0
}

func (u *UserMem) PutU32(va uintptr, v uint32) defs.Err_t {
	buf, off, err := u.bytesAt(va)
	if err != 0 {
		return err
	}
	if off+4 > len(buf) {
		return defs.EFAULT
	}
	binary.LittleEndian.PutUint32(buf[off:], v)
	return 0
}

// ReadBytes copies n bytes starting at va into dst, which must already
// be sized. Crossing a page boundary is handled by walking one page at
// a time.
func (u *UserMem) ReadBytes(va uintptr, dst []byte) defs.Err_t {
	for len(dst) > 0 {
		buf, off, err := u.bytesAt(va)
		if err != 0 {
			return err
		}
		n := copy(dst, buf[off:])
		dst = dst[n:]
		va += uintptr(n)
	}
	return 0
}

// WriteBytes copies src into user memory starting at va, crossing page
// boundaries the same way ReadBytes does.
func (u *UserMem) WriteBytes(va uintptr, src []byte) defs.Err_t {
	for len(src) > 0 {
		buf, off, err := u.bytesAt(va)
		if err != 0 {
			return err
		}
		n := copy(buf[off:], src)
		src = src[n:]
		va += uintptr(n)
	}
	return 0
}

// Rebind repoints this UserMem at a freshly installed page table,
// satisfying internal/task.StackWriter's contract: exec(2) builds its
// new address space in a page table the old Context has never seen,
// so internal/task.Exec rebinds the caller's UserMem onto it before
// writing the argv/envp/auxv stack through it.
func (u *UserMem) Rebind(pt *pagetable.Table) { u.PT = pt }

// CString decodes a NUL-terminated string at va, bounded by max bytes
// (spec.md C11: "decode null-terminated C strings up to a bound").
func (u *UserMem) CString(va uintptr, max int) (string, defs.Err_t) {
	out := make([]byte, 0, 64)
	for i := 0; i < max; i++ {
		buf, off, err := u.bytesAt(va + uintptr(i))
		if err != 0 {
			return "", err
		}
		b := buf[off]
		if b == 0 {
			return string(out), 0
		}
		out = append(out, b)
	}
	return "", defs.ENAMETOOLONG
}
