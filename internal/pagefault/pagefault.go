// Package pagefault implements the page-fault resolver (spec.md C13):
// given a faulting address and the faulting task's memory set, decide
// between a COW split, demand-fill from a backing file, anonymous
// demand-fill, or a fatal SEGV signal.
package pagefault

import (
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sig"
	"github.com/lattice-os/kernel/internal/vmm"
	"github.com/lattice-os/kernel/pkg/machine"
)

// Outcome reports what the resolver did, so the caller (internal/entry)
// can decide whether to resume the user task or deliver a signal.
type Outcome int

const (
	Resolved Outcome = iota
	Segv
)

// Resolve implements spec.md C13's five-step decision exactly:
//  1. no area contains the address -> SEGV
//  2. mapped with a shared (refcount > 1) tracker on a write fault -> COW split
//  3. unmapped, file-backed area -> demand-fill from the file
//  4. unmapped, anonymous area -> zero-fill demand-fill
//  5. mapped, shared non-COW area, write fault -> SEGV
func Resolve(alloc *mem.Allocator, set *vmm.MemSet, pt *pagetable.Table, addr mem.VirtAddr, kind machine.FaultKind, pending *sig.Pending) Outcome {
	area, ok := set.Lookup(addr)
	if !ok {
		pending.Raise(sig.SIGSEGV)
		return Segv
	}

	page := addr.Floor().Virt()
	track, mapped := area.Track(page)

	if mapped {
		if kind != machine.FaultWrite {
			return Resolved // spurious/read fault on an already-mapped page
		}
		if area.Type == vmm.Shared || area.Type == vmm.SharedFile {
			pending.Raise(sig.SIGSEGV)
			return Segv // shared, non-COW mapping: a write fault here is a real violation
		}
		if track.Tracker.Refcount() > 1 {
			if !cowSplit(alloc, pt, track) {
				pending.Raise(sig.SIGSEGV)
				return Segv
			}
			return Resolved
		}
		return Resolved
	}

	if area.File != nil {
		return demandFillFile(alloc, pt, area, page, pending)
	}
	return demandFillAnon(alloc, pt, area, page, pending)
}

// cowSplit allocates a fresh frame, copies the shared page's contents,
// replaces the MapTrack's tracker, and remaps it writable (spec.md C13
// step 2).
func cowSplit(alloc *mem.Allocator, pt *pagetable.Table, track *vmm.MapTrack) bool {
	fresh, ok := alloc.Alloc()
	if !ok {
		return false
	}
	copy(fresh.Bytes(), mem.PageBytes(track.Tracker))

	old := track.Tracker
	track.Tracker = fresh
	track.Dirty = true
	old.Release()

	pt.LockPmap()
	defer pt.UnlockPmap()
	_ = pt.Unmap(uintptr(track.VAddr))
	_ = pt.Map(uintptr(track.VAddr), uintptr(fresh.Addr()), track.RWX|machine.PTE_W)
	return true
}

// demandFillFile implements spec.md C13 step 3: allocate a frame, read
// PAGE_SIZE bytes from the backing file at page_offset + area.offset -
// area.start, install the mapping.
func demandFillFile(alloc *mem.Allocator, pt *pagetable.Table, area *vmm.MemArea, page mem.VirtAddr, pending *sig.Pending) Outcome {
	fresh, ok := alloc.Alloc()
	if !ok {
		pending.Raise(sig.SIGSEGV)
		return Segv
	}
	off := int64(page-area.Start) + int64(area.File.Offset)
	buf := fresh.Bytes()
	for i := range buf {
		buf[i] = 0
	}
	// A short or failed read (e.g. the file's last partial page) leaves
	// the remainder of buf zero-filled rather than failing the fault.
	_, _ = area.File.File.ReadAt(off, buf)

	area.Insert(&vmm.MapTrack{VAddr: page, Tracker: fresh, RWX: area.Perms})

	pt.LockPmap()
	defer pt.UnlockPmap()
	_ = pt.Map(uintptr(page), uintptr(fresh.Addr()), area.Perms)
	return Resolved
}

// demandFillAnon implements spec.md C13 step 4: allocate and install a
// page whose zero-fill comes from FrameTracker's drop contract (the
// page was zeroed the last time it was released, or is zero because
// it has never been used).
func demandFillAnon(alloc *mem.Allocator, pt *pagetable.Table, area *vmm.MemArea, page mem.VirtAddr, pending *sig.Pending) Outcome {
	fresh, ok := alloc.Alloc()
	if !ok {
		pending.Raise(sig.SIGSEGV)
		return Segv
	}
	area.Insert(&vmm.MapTrack{VAddr: page, Tracker: fresh, RWX: area.Perms})

	pt.LockPmap()
	defer pt.UnlockPmap()
	_ = pt.Map(uintptr(page), uintptr(fresh.Addr()), area.Perms)
	return Resolved
}
