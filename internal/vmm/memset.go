package vmm

import (
	"github.com/google/btree"

	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagetable"
)

// MemSet is a task's ordered list of MemAreas (spec.md §3/C6). Areas
// are indexed by start address in a github.com/google/btree tree (the
// way gvisor.dev/gvisor indexes its own mm segment set) instead of
// the teacher's linear scan, so Overlapping/SubArea stay cheap as a
// task accumulates mmap regions.
type MemSet struct {
	tree *btree.BTreeG[*MemArea]
}

func areaLess(a, b *MemArea) bool { return a.Start < b.Start }

// NewMemSet returns an empty memory set.
func NewMemSet() *MemSet {
	return &MemSet{tree: btree.NewG(32, areaLess)}
}

// Add inserts a new area covering [start, start+length). The caller
// (internal/task's exec path, internal/syscall's mmap/brk) is responsible for ensuring it
// does not overlap an existing area; mmap with MAP_FIXED calls
// SubArea first to clear the range.
func (s *MemSet) Add(start mem.VirtAddr, length int, t MType, perms Perms, file *FileBacking) *MemArea {
	a := newArea(start, length, t, perms.toPTE(), file)
	s.tree.ReplaceOrInsert(a)
	return a
}

// AddArea inserts an already-constructed area (used when cloning
// during fork).
func (s *MemSet) AddArea(a *MemArea) { s.tree.ReplaceOrInsert(a) }

// Len returns the number of areas.
func (s *MemSet) Len() int { return s.tree.Len() }

// Lookup returns the area containing va, if any.
func (s *MemSet) Lookup(va mem.VirtAddr) (*MemArea, bool) {
	var found *MemArea
	// The last area with Start <= va may contain it; scan backward
	// from there.
	s.tree.DescendLessOrEqual(&MemArea{Start: va, Len: 1}, func(a *MemArea) bool {
		if a.Contains(va) {
			found = a
		}
		return false
	})
	return found, found != nil
}

// Overlapping reports whether any area intersects [lo, hi) (spec.md
// C6).
func (s *MemSet) Overlapping(lo, hi mem.VirtAddr) bool {
	found := false
	s.ascendOverlap(lo, hi, func(a *MemArea) bool {
		found = true
		return false
	})
	return found
}

// ascendOverlap visits every area that could overlap [lo, hi),
// including the one area whose Start may be < lo.
func (s *MemSet) ascendOverlap(lo, hi mem.VirtAddr, f func(*MemArea) bool) {
	var prev *MemArea
	s.tree.DescendLessOrEqual(&MemArea{Start: lo, Len: 1}, func(a *MemArea) bool {
		prev = a
		return false
	})
	visited := map[*MemArea]bool{}
	if prev != nil && prev.Overlaps(lo, hi) {
		visited[prev] = true
		if !f(prev) {
			return
		}
	}
	stop := false
	s.tree.AscendRange(&MemArea{Start: lo, Len: 1}, &MemArea{Start: hi, Len: 1}, func(a *MemArea) bool {
		if stop {
			return false
		}
		if visited[a] {
			return true
		}
		if a.Overlaps(lo, hi) {
			if !f(a) {
				stop = true
				return false
			}
		}
		return true
	})
}

// Areas returns all areas sorted by start address.
func (s *MemSet) Areas() []*MemArea {
	out := make([]*MemArea, 0, s.tree.Len())
	s.tree.Ascend(func(a *MemArea) bool {
		out = append(out, a)
		return true
	})
	return out
}

// Clear removes all areas, unmapping and releasing every page and
// flushing dirty SharedFile pages; internal/task calls it when exec
// replaces an address space and when a process exits.
func (s *MemSet) Clear(pt *pagetable.Table) {
	for _, a := range s.Areas() {
		removeArea(a, pt)
		s.tree.Delete(a)
	}
}

// SubArea implements spec.md C6's sub-range algebra: every area is
// truncated/split/removed so that, on return, no area overlaps
// [lo, hi) and every page the removed range covered has been
// unmapped from pt. File-backed areas are flushed before their pages
// are dropped, resolving the "canonical ordering" spec.md §9's open
// question calls for: flush file-backed pages -> unmap pages ->
// prune/remove areas.
func (s *MemSet) SubArea(lo, hi mem.VirtAddr, pt *pagetable.Table) {
	var touched []*MemArea
	s.ascendOverlap(lo, hi, func(a *MemArea) bool {
		touched = append(touched, a)
		return true
	})
	for _, a := range touched {
		s.tree.Delete(a)
		for _, rep := range splitOut(a, lo, hi, pt) {
			s.tree.ReplaceOrInsert(rep)
		}
	}
}

// splitOut computes the intersection of a with [lo, hi) and applies
// one of {no-op, truncate-right, truncate-left, split, full-remove},
// returning the surviving remnant area(s) (0, 1, or 2).
func splitOut(a *MemArea, lo, hi mem.VirtAddr, pt *pagetable.Table) []*MemArea {
	if !a.Overlaps(lo, hi) {
		return []*MemArea{a}
	}
	start, end := a.Start, a.End()

	switch {
	case lo <= start && hi >= end:
		// fully removed
		removeArea(a, pt)
		return nil
	case lo <= start && hi < end:
		// truncate left: surviving suffix is [hi, end)
		flushAndUnmapRange(a, start, hi, pt)
		a.Start = hi
		a.Len = int(end - hi)
		if a.File != nil {
			a.File.Offset += int(hi - start)
		}
		return []*MemArea{a}
	case lo > start && hi >= end:
		// truncate right: surviving prefix is [start, lo)
		flushAndUnmapRange(a, lo, end, pt)
		a.Len = int(lo - start)
		return []*MemArea{a}
	default:
		// split: [start, lo) and [hi, end) both survive
		flushAndUnmapRange(a, lo, hi, pt)
		left := a
		left.Len = int(lo - start)

		right := a.clone()
		right.Start = hi
		right.Len = int(end - hi)
		if right.File != nil {
			f := *right.File
			f.Offset += int(hi - start)
			right.File = &f
		}
		for va, t := range left.tracks {
			if va >= hi {
				right.tracks[va] = t
				delete(left.tracks, va)
			}
		}
		return []*MemArea{left, right}
	}
}

// flushAndUnmapRange flushes dirty SharedFile pages in [lo, hi),
// unmaps every page of a whose vaddr falls in that range from pt, and
// drops the corresponding MapTracks.
func flushAndUnmapRange(a *MemArea, lo, hi mem.VirtAddr, pt *pagetable.Table) {
	for _, t := range a.Pages() {
		if t.VAddr < lo || t.VAddr >= hi {
			continue
		}
		flushIfDirty(a, t)
		pt.LockPmap()
		_ = pt.Unmap(uintptr(t.VAddr))
		pt.UnlockPmap()
		a.Remove(t.VAddr)
	}
}

func removeArea(a *MemArea, pt *pagetable.Table) {
	for _, t := range a.Pages() {
		flushIfDirty(a, t)
		pt.LockPmap()
		_ = pt.Unmap(uintptr(t.VAddr))
		pt.UnlockPmap()
		a.Remove(t.VAddr)
	}
}

func flushIfDirty(a *MemArea, t *MapTrack) {
	if a.Type != SharedFile || a.File == nil || !t.Dirty {
		return
	}
	off := int64(t.VAddr-a.Start) + int64(a.File.Offset)
	buf := mem.PageBytes(t.Tracker)
	_, _ = a.File.File.WriteAt(off, buf)
}
