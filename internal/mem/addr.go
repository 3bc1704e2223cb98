// Package mem implements the physical-memory data model and frame
// allocator (spec.md C1, §3's PhysAddr/VirtAddr/PhysPage/FrameTracker).
// It is grounded on the teacher's mem/mem.go (Pa_t, Physmem_t,
// Refpg_new/Refdown) but trades the teacher's x86-specific, per-CPU
// freelist design for the bitmap-backed, multi-region allocator
// spec.md asks for explicitly — the per-CPU sharding in the teacher
// only pays for itself under the multi-core SMP scheduling spec.md's
// Non-goals exclude.
package mem

// PGSHIFT/PGSIZE/PGOFFSET/PGMASK mirror the teacher's mem/mem.go
// constants.
const (
	PGSHIFT uint     = 12
	PGSIZE  int      = 1 << PGSHIFT
	PGOFFSET PhysAddr = 0xfff
	PGMASK   PhysAddr = ^PGOFFSET
)

// PhysAddr and VirtAddr are newtypes over a machine word, matching
// spec.md §3's data model. Conversions to/from pages are const-time.
type PhysAddr uintptr
type VirtAddr uintptr

// PhysPage and VirtPage are page-number newtypes: PhysAddr/VirtAddr
// shifted right by PGSHIFT.
type PhysPage uint64
type VirtPage uint64

// Floor rounds a physical address down to its containing page.
func (a PhysAddr) Floor() PhysPage { return PhysPage(a >> PhysAddr(PGSHIFT)) }

// Ceil rounds a physical address up to the next page boundary.
func (a PhysAddr) Ceil() PhysPage {
	return PhysPage((a + PhysAddr(PGSIZE) - 1) >> PhysAddr(PGSHIFT))
}

// Add returns a+n with n interpreted as a byte count.
func (a PhysAddr) Add(n int) PhysAddr { return a + PhysAddr(n) }

// PageOffset returns the sub-page offset of the address.
func (a PhysAddr) PageOffset() PhysAddr { return a & PGOFFSET }

// Aligned reports whether the address carries offset 0, the
// page-alignment invariant spec.md §3 requires of page-aligned
// addresses.
func (a PhysAddr) Aligned() bool { return a.PageOffset() == 0 }

// Phys converts a page number back to its base physical address.
func (p PhysPage) Phys() PhysAddr { return PhysAddr(p) << PhysAddr(PGSHIFT) }

func (a VirtAddr) Floor() VirtPage { return VirtPage(a >> VirtAddr(PGSHIFT)) }
func (a VirtAddr) Ceil() VirtPage {
	return VirtPage((a + VirtAddr(PGSIZE) - 1) >> VirtAddr(PGSHIFT))
}
func (a VirtAddr) Add(n int) VirtAddr    { return a + VirtAddr(n) }
func (a VirtAddr) PageOffset() VirtAddr  { return a & VirtAddr(PGOFFSET) }
func (a VirtAddr) Aligned() bool         { return a.PageOffset() == 0 }
func (p VirtPage) Virt() VirtAddr        { return VirtAddr(p) << VirtAddr(PGSHIFT) }

// Rounddown/Roundup are the teacher's util.Rounddown/Roundup,
// specialized to int.
func Rounddown(v, b int) int { return v - (v % b) }
func Roundup(v, b int) int   { return Rounddown(v+b-1, b) }
