// Package pagetable wraps the machine layer's opaque page table with
// the RAII and locking discipline spec.md C2 describes. It is
// grounded on the teacher's vm/as.go (Vm_t.Lock_pmap/Unlock_pmap,
// Tlbshoot's per-address-vs-full split) but talks to pkg/machine's
// abstract contract instead of hard-coded x86 PTE bits.
package pagetable

import (
	"sync"

	"github.com/lattice-os/kernel/pkg/machine"
)

// Table owns one machine page table and enforces the
// lock-before-structural-mutation discipline spec.md §5 requires
// ("all structural mutation happens in kernel context ... as required
// by the machine layer").
type Table struct {
	mu       sync.Mutex
	pt       machine.PageTable
	pgflHeld bool
}

// New constructs a Table backed by a freshly allocated machine page
// table. The machine layer installs the shared kernel identity/window
// mapping (the "top half" invariant from spec.md §3) as part of
// NewPageTable.
func New(m machine.Machine) *Table {
	return &Table{pt: m.NewPageTable()}
}

// LockPmap acquires the structural-mutation lock. Named to match the
// teacher's Lock_pmap/Unlock_pmap pair so the page-fault resolver and
// memory-set algebra read the same way they do in biscuit.
func (t *Table) LockPmap() {
	t.mu.Lock()
	t.pgflHeld = true
}

func (t *Table) UnlockPmap() {
	t.pgflHeld = false
	t.mu.Unlock()
}

func (t *Table) LockassertPmap() {
	if !t.pgflHeld {
		panic("pgfl lock must be held")
	}
}

// Map installs vaddr -> paddr with the given flags. Callers must hold
// LockPmap.
func (t *Table) Map(vaddr, paddr uintptr, flags machine.PTEFlags) error {
	t.LockassertPmap()
	return t.pt.Map(vaddr, paddr, flags)
}

// Unmap removes any mapping at vaddr through the machine page table's
// Unmap; this wrapper issues no TLB invalidation of its own.
func (t *Table) Unmap(vaddr uintptr) error {
	t.LockassertPmap()
	if err := t.pt.Unmap(vaddr); err != nil {
		return err
	}
	return nil
}

// Translate walks the table and returns the physical address and
// effective flags, or ok=false if unmapped.
func (t *Table) Translate(vaddr uintptr) (paddr uintptr, flags machine.PTEFlags, ok bool) {
	t.LockassertPmap()
	return t.pt.Translate(vaddr)
}

// Change installs this table as the current page table, requiring a
// full TLB flush (spec.md C2: "full for change()").
func (t *Table) Change() {
	t.pt.Change()
}

// Root exposes the underlying table's root handle, which is distinct
// for every table.
func (t *Table) Root() uintptr { return t.pt.Root() }

// Raw returns the underlying machine.PageTable for code (such as
// internal/vmm) that needs to pass it through without re-wrapping.
func (t *Table) Raw() machine.PageTable { return t.pt }
