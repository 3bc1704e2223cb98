package mem

import (
	"sync"
	"sync/atomic"
)

// region is one contiguous pool of physical pages tracked by a
// bitmap (one bit per page) plus a parallel refcount array. The
// teacher's mem/mem.go keeps a single flat Physmem_t; spec.md C1
// calls for "multi-region support", so the allocator here is a slice
// of these instead.
type region struct {
	base  PhysPage   // first page number covered by this region
	count int        // number of pages in the region
	bits  []uint64   // 1 bit per page; set means allocated
	ref   []int32    // refcount per page, valid only while allocated
	store [][]byte   // backing bytes per page, standing in for the direct-mapping window a real machine layer owns
	free  int        // pages currently free
}

func newRegion(base PhysPage, count int) *region {
	words := (count + 63) / 64
	store := make([][]byte, count)
	for i := range store {
		store[i] = make([]byte, PGSIZE)
	}
	return &region{
		base:  base,
		count: count,
		bits:  make([]uint64, words),
		ref:   make([]int32, count),
		store: store,
		free:  count,
	}
}

func (r *region) contains(p PhysPage) bool {
	return p >= r.base && int(p-r.base) < r.count
}

func (r *region) bitSet(i int) bool {
	return r.bits[i/64]&(1<<uint(i%64)) != 0
}

func (r *region) bitMark(i int, v bool) {
	w, b := i/64, uint(i%64)
	if v {
		r.bits[w] |= 1 << b
	} else {
		r.bits[w] &^= 1 << b
	}
}

// findFree scans for the first clear bit. Bitmap scans are expected
// to hold the allocator's single global mutex only briefly (spec.md
// §5's "shared-resource discipline").
func (r *region) findFree() (int, bool) {
	if r.free == 0 {
		return 0, false
	}
	for w := range r.bits {
		if r.bits[w] == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			i := w*64 + b
			if i >= r.count {
				break
			}
			if !r.bitSet(i) {
				return i, true
			}
		}
	}
	return 0, false
}

// Allocator is the global physical-page allocator (spec.md C1). It
// must be safe to call from any context and never panics on
// exhaustion — it returns ok=false instead, per spec.md's contract.
type Allocator struct {
	mu      sync.Mutex
	regions []*region
}

// NewAllocator builds an allocator with multiple regions. Callers
// typically construct one region per contiguous block of physical
// memory the machine layer reports at boot.
func NewAllocator(regionSizes ...int) *Allocator {
	a := &Allocator{}
	base := PhysPage(0)
	for _, n := range regionSizes {
		a.regions = append(a.regions, newRegion(base, n))
		base += PhysPage(n)
	}
	return a
}

// BytesAt returns the backing storage for an already-allocated
// physical page, for callers (internal/syscall's UserMem) that only
// have a physical address from a page-table translation and not the
// originating FrameTracker handle.
func (a *Allocator) BytesAt(p PhysPage) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if r.contains(p) {
			return r.store[int(p-r.base)], true
		}
	}
	return nil, false
}

// Capacity returns the total number of pages across all regions.
func (a *Allocator) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.regions {
		n += r.count
	}
	return n
}

// FreeCount returns the number of currently free pages, for the
// "frame conservation" property in spec.md §8.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, r := range a.regions {
		n += r.free
	}
	return n
}

// Alloc returns ownership of one physical page, or ok=false if no
// region has a free page. The contract (spec.md C1) is that the page
// is NOT zero-filled on return; FrameTracker.Release zero-fills on
// the way back to the free list.
func (a *Allocator) Alloc() (*FrameTracker, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if i, ok := r.findFree(); ok {
			r.bitMark(i, true)
			r.ref[i] = 1
			r.free--
			pg := r.base + PhysPage(i)
			return &FrameTracker{a: a, page: pg, refcnt: &r.ref[i], region: r, idx: i}, true
		}
	}
	return nil, false
}

// AllocMany allocates n contiguous pages from a single region, or
// ok=false if no region can satisfy the request.
func (a *Allocator) AllocMany(n int) ([]*FrameTracker, bool) {
	if n <= 0 {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.regions {
		if r.free < n {
			continue
		}
		start, ok := r.findContiguous(n)
		if !ok {
			continue
		}
		out := make([]*FrameTracker, n)
		for i := 0; i < n; i++ {
			idx := start + i
			r.bitMark(idx, true)
			r.ref[idx] = 1
			r.free--
			out[i] = &FrameTracker{a: a, page: r.base + PhysPage(idx), refcnt: &r.ref[idx], region: r, idx: idx}
		}
		return out, true
	}
	return nil, false
}

func (r *region) findContiguous(n int) (int, bool) {
	run := 0
	start := 0
	for i := 0; i < r.count; i++ {
		if !r.bitSet(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				return start, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

func (a *Allocator) free(r *region, idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r.bitMark(idx, false)
	r.free++
}

// FrameTracker owns one physical page (spec.md §3). On Release it
// drops a reference; when the reference count hits zero the page is
// zero-filled and returned to its allocator. Shared ownership (for
// COW) is explicit via Share, which bumps the refcount and returns a
// second handle to the same page.
type FrameTracker struct {
	a      *Allocator
	region *region
	idx    int
	page   PhysPage
	refcnt *int32
}

// Page returns the physical page number this tracker owns.
func (f *FrameTracker) Page() PhysPage { return f.page }

// Addr returns the page's base physical address.
func (f *FrameTracker) Addr() PhysAddr { return f.page.Phys() }

// Refcount reports the number of live owners of this page.
func (f *FrameTracker) Refcount() int {
	return int(atomic.LoadInt32(f.refcnt))
}

// Bytes returns the page's backing storage. In real biscuit this
// would be a slice of the direct-mapping window; here internal/mem
// owns the bytes itself since no machine layer provides one (spec.md
// §1 scopes the physical memory window out of this module).
func (f *FrameTracker) Bytes() []byte { return f.region.store[f.idx] }

// PageBytes is the package-level form internal/vmm uses so callers
// outside this package don't need a method value on an unexported
// field layout.
func PageBytes(f *FrameTracker) []byte { return f.Bytes() }

// Share increments the page's refcount and returns a new tracker
// handle sharing ownership, used by fork's copy-on-write path
// (spec.md §4.7, §9 "COW bookkeeping").
func (f *FrameTracker) Share() *FrameTracker {
	atomic.AddInt32(f.refcnt, 1)
	return &FrameTracker{a: f.a, region: f.region, idx: f.idx, page: f.page, refcnt: f.refcnt}
}

// ZeroFill, when non-nil, replaces Release's default zero-fill of a
// freed page. While it is nil (the default) Release clears the
// tracker's own backing bytes; once it is set, Release calls it
// instead and leaves the bytes as they are. Tests override the
// package var to observe calls without caring about the byte content.
var ZeroFill func(p PhysPage) = nil

// Release drops this tracker's reference. When the refcount reaches
// zero the page is zero-filled (per spec.md C1's contract that a
// freshly allocated page is not already zero) and marked free again.
func (f *FrameTracker) Release() {
	if f.refcnt == nil {
		return
	}
	if atomic.AddInt32(f.refcnt, -1) == 0 {
		if ZeroFill != nil {
			ZeroFill(f.page)
		} else {
			buf := f.Bytes()
			for i := range buf {
				buf[i] = 0
			}
		}
		f.a.free(f.region, f.idx)
	}
	f.refcnt = nil
}
