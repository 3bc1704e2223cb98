// Package vmm implements the per-task memory set algebra of spec.md
// C6/§3 (MemArea, MemSet) and the COW/demand-paging bookkeeping that
// the page-fault resolver (internal/pagefault) drives. It is grounded
// on the teacher's vm/as.go region handling, generalized away from
// the teacher's inline x86 PTE bits to pkg/machine's abstract
// PTEFlags, and reindexed onto github.com/google/btree the way
// gvisor.dev/gvisor indexes its own memory-mapping set, in place of
// the teacher's implicit linear region list.
package vmm

import (
	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/pkg/machine"
)

// MType enumerates the kinds of memory area spec.md §3 names.
type MType int

const (
	CodeSection MType = iota
	Stack
	Mmap
	Shared
	SharedFile
)

// FileBacking describes the optional (file, offset) backing of a
// MemArea (spec.md §3).
type FileBacking struct {
	File   FileOps
	Offset int
	Shared bool
}

// FileOps is the minimal slice of the VFS inode contract the memory
// subsystem needs for demand-paging and writeback: ReadAt/WriteAt by
// byte offset (spec.md C13 step 3, C6 "file-backed areas write dirty
// pages back").
type FileOps interface {
	ReadAt(off int64, buf []byte) (int, defs.Err_t)
	WriteAt(off int64, buf []byte) (int, defs.Err_t)
}

// MapTrack binds one page's virtual address to a shared physical-page
// handle, per spec.md §3.
type MapTrack struct {
	VAddr   mem.VirtAddr
	Tracker *mem.FrameTracker
	RWX     machine.PTEFlags
	Dirty   bool
}

// MemArea is a contiguous VA range carrying a type, an ordered set of
// MapTracks, and optional file backing (spec.md §3).
type MemArea struct {
	Start mem.VirtAddr
	Len   int // bytes
	Type  MType
	Perms machine.PTEFlags // PTE_U/PTE_W baseline perms for fault-time promotion
	File  *FileBacking

	tracks map[mem.VirtAddr]*MapTrack
}

// End returns the area's exclusive upper bound.
func (m *MemArea) End() mem.VirtAddr { return m.Start.Add(m.Len) }

// Contains reports whether va falls within [Start, End).
func (m *MemArea) Contains(va mem.VirtAddr) bool {
	return va >= m.Start && va < m.End()
}

// Overlaps reports whether [lo, hi) intersects this area.
func (m *MemArea) Overlaps(lo, hi mem.VirtAddr) bool {
	return lo < m.End() && hi > m.Start
}

func newArea(start mem.VirtAddr, length int, t MType, perms machine.PTEFlags, file *FileBacking) *MemArea {
	if length <= 0 {
		panic("bad memarea length")
	}
	return &MemArea{Start: start, Len: length, Type: t, Perms: perms, File: file, tracks: map[mem.VirtAddr]*MapTrack{}}
}

// Track returns the MapTrack at va, if any.
func (m *MemArea) Track(va mem.VirtAddr) (*MapTrack, bool) {
	t, ok := m.tracks[va]
	return t, ok
}

// Insert records a new page mapping. Panics if va is already tracked
// or outside the area, matching the MemArea invariant in spec.md §3.
func (m *MemArea) Insert(t *MapTrack) {
	if !m.Contains(t.VAddr) {
		panic("maptrack outside area bounds")
	}
	if _, dup := m.tracks[t.VAddr]; dup {
		panic("duplicate maptrack vaddr")
	}
	m.tracks[t.VAddr] = t
}

// Remove drops the tracked page at va, releasing its frame reference.
func (m *MemArea) Remove(va mem.VirtAddr) {
	if t, ok := m.tracks[va]; ok {
		t.Tracker.Release()
		delete(m.tracks, va)
	}
}

// Pages returns all tracked pages, for iteration during sub_area.
func (m *MemArea) Pages() []*MapTrack {
	out := make([]*MapTrack, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

// clone produces an independent MemArea covering the same range with
// its own (initially empty) track set; SubArea's split case uses it
// for the right-hand remnant. Fork uses CloneSharing instead.
func (m *MemArea) clone() *MemArea {
	n := newArea(m.Start, m.Len, m.Type, m.Perms, m.File)
	return n
}

// CloneSharing builds a new MemArea over the same range whose
// MapTracks share ownership (via FrameTracker.Share) of every page
// the original area has mapped, the COW-fork step of spec.md C7:
// "traverse parent memset, cloning each MapArea with its
// Arc<FrameTracker>s shared". The caller is responsible for remapping
// both page tables read-only afterward.
func (m *MemArea) CloneSharing() *MemArea {
	n := newArea(m.Start, m.Len, m.Type, m.Perms, m.File)
	for va, t := range m.tracks {
		n.tracks[va] = &MapTrack{VAddr: t.VAddr, Tracker: t.Tracker.Share(), RWX: t.RWX, Dirty: t.Dirty}
	}
	return n
}
