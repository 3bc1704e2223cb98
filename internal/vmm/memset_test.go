package vmm

import (
	"testing"

	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagetable"
	machinefake "github.com/lattice-os/kernel/pkg/machine/fake"
)

func TestMemSetAddLookup(t *testing.T) {
	s := NewMemSet()
	a := s.Add(mem.VirtAddr(0x1000), 0x2000, Stack, ReadWrite, nil)

	got, ok := s.Lookup(mem.VirtAddr(0x1500))
	if !ok || got != a {
		t.Fatalf("Lookup(0x1500) = %v, %v; want %v, true", got, ok, a)
	}
	if _, ok := s.Lookup(mem.VirtAddr(0x3001)); ok {
		t.Fatalf("Lookup(0x3001) should miss, area ends at 0x3000")
	}
	if _, ok := s.Lookup(mem.VirtAddr(0xfff)); ok {
		t.Fatalf("Lookup(0xfff) should miss, area starts at 0x1000")
	}
}

func TestMemSetOverlapping(t *testing.T) {
	s := NewMemSet()
	s.Add(mem.VirtAddr(0x1000), 0x1000, Stack, ReadWrite, nil)

	if !s.Overlapping(mem.VirtAddr(0x1500), mem.VirtAddr(0x2500)) {
		t.Fatal("expected overlap with [0x1500, 0x2500)")
	}
	if s.Overlapping(mem.VirtAddr(0x2000), mem.VirtAddr(0x3000)) {
		t.Fatal("did not expect overlap with [0x2000, 0x3000), area ends at 0x2000")
	}
	if s.Overlapping(mem.VirtAddr(0), mem.VirtAddr(0x1000)) {
		t.Fatal("did not expect overlap with [0, 0x1000), area starts at 0x1000")
	}
}

func TestMemSetSubAreaSplit(t *testing.T) {
	alloc := mem.NewAllocator(16)
	pt := pagetable.New(machinefake.NewMachine())

	s := NewMemSet()
	a := s.Add(mem.VirtAddr(0x1000), 0x3000, Mmap, ReadWrite, nil)
	mapPage(t, alloc, pt, a, mem.VirtAddr(0x1000))
	mapPage(t, alloc, pt, a, mem.VirtAddr(0x2000))
	mapPage(t, alloc, pt, a, mem.VirtAddr(0x3000))

	// punch a hole in the middle page, splitting the area in two
	s.SubArea(mem.VirtAddr(0x2000), mem.VirtAddr(0x3000), pt)

	if s.Len() != 2 {
		t.Fatalf("after split, Len() = %d, want 2", s.Len())
	}
	left, ok := s.Lookup(mem.VirtAddr(0x1000))
	if !ok || left.Start != mem.VirtAddr(0x1000) || left.End() != mem.VirtAddr(0x2000) {
		t.Fatalf("left remnant = %+v", left)
	}
	right, ok := s.Lookup(mem.VirtAddr(0x3000))
	if !ok || right.Start != mem.VirtAddr(0x3000) || right.End() != mem.VirtAddr(0x4000) {
		t.Fatalf("right remnant = %+v", right)
	}
	if s.Overlapping(mem.VirtAddr(0x2000), mem.VirtAddr(0x3000)) {
		t.Fatal("hole should no longer be covered by any area")
	}

	pt.LockPmap()
	_, _, mapped := pt.Translate(uintptr(0x2000))
	pt.UnlockPmap()
	if mapped {
		t.Fatal("hole's page should have been unmapped")
	}
}

func TestMemSetSubAreaFullRemove(t *testing.T) {
	alloc := mem.NewAllocator(16)
	pt := pagetable.New(machinefake.NewMachine())

	s := NewMemSet()
	a := s.Add(mem.VirtAddr(0x1000), 0x1000, Mmap, ReadWrite, nil)
	mapPage(t, alloc, pt, a, mem.VirtAddr(0x1000))

	s.SubArea(mem.VirtAddr(0x1000), mem.VirtAddr(0x2000), pt)

	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after full removal", s.Len())
	}
}

func TestMemAreaCloneSharingSharesFrames(t *testing.T) {
	alloc := mem.NewAllocator(16)
	fr, ok := alloc.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}

	a := newArea(mem.VirtAddr(0x1000), mem.PGSIZE, Stack, ReadWrite.toPTE(), nil)
	a.Insert(&MapTrack{VAddr: mem.VirtAddr(0x1000), Tracker: fr})

	clone := a.CloneSharing()
	ct, ok := clone.Track(mem.VirtAddr(0x1000))
	if !ok {
		t.Fatal("cloned area missing its track")
	}
	if ct.Tracker.Refcount() != 2 {
		t.Fatalf("Refcount() = %d, want 2 after CloneSharing", ct.Tracker.Refcount())
	}
}

func mapPage(t *testing.T, alloc *mem.Allocator, pt *pagetable.Table, a *MemArea, va mem.VirtAddr) {
	t.Helper()
	fr, ok := alloc.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}
	a.Insert(&MapTrack{VAddr: va, Tracker: fr, RWX: a.Perms})
	pt.LockPmap()
	_ = pt.Map(uintptr(va), uintptr(fr.Addr()), a.Perms)
	pt.UnlockPmap()
}
