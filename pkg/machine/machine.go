// Package machine is the abstract machine layer spec.md §1 and §6
// scope out of the kernel core: per-architecture trap vectors,
// context save/restore, page-table MMU encoding, and boot stubs. The
// kernel core only ever talks to the small contract below; a real
// arch backend (amd64, riscv64, ...) implements it and is never part
// of this module.
package machine

// Slot names a semantic register/field within a trap frame. Handlers
// address trap-frame fields by slot rather than by raw offset so the
// dispatcher stays arch-agnostic (spec.md §6).
type Slot int

const (
	PC Slot = iota
	SP
	RA
	RET
	ARG0
	ARG1
	ARG2
	ARG3
	ARG4
	ARG5
	TLS
	SYSCALL_NR
	NumSlots // sentinel: number of valid Slot values, not itself a slot
)

// TrapFrame is the saved user CPU state at kernel entry. Concrete
// arches back it with their own register layout; the kernel core only
// ever reads/writes it through Get/Set.
type TrapFrame interface {
	Get(s Slot) uint64
	Set(s Slot, v uint64)
	// Clone returns a deep copy, used by clone(2) to build a child's
	// initial register state.
	Clone() TrapFrame
}

// FaultKind distinguishes the page-fault sub-reasons the resolver
// (internal/pagefault) needs to branch on.
type FaultKind int

const (
	FaultRead FaultKind = iota
	FaultWrite
	FaultExec
)

// EscapeKind enumerates why run_user_task returned control to the
// kernel (spec.md §6).
type EscapeKind int

const (
	EscapeSyscall EscapeKind = iota
	EscapeInterrupt
	EscapePageFault
	EscapeIllegal
	EscapeBreakpoint
	EscapeTimer
)

// EscapeReason describes one trap.
type EscapeReason struct {
	Kind  EscapeKind
	Addr  uintptr   // valid for EscapePageFault/EscapeIllegal
	Fault FaultKind // valid for EscapePageFault
}

// PageTable is the per-task address-translation contract. Flags are
// an opaque machine-defined bitmask; internal/pagetable interprets
// only the PTE_* bits it cares about via the Flags helpers below.
type PageTable interface {
	Map(vaddr uintptr, paddr uintptr, flags PTEFlags) error
	Unmap(vaddr uintptr) error
	Translate(vaddr uintptr) (paddr uintptr, flags PTEFlags, ok bool)
	// Change installs this table as the current page table (e.g. by
	// loading it into the MMU's root register).
	Change()
	// Root returns an opaque handle for the table's root frame,
	// distinct for every table.
	Root() uintptr
}

// PTEFlags mirrors the handful of page-table-entry bits every
// platform this kernel targets needs to agree on. Concrete machine
// backends may carry additional arch-specific bits privately.
type PTEFlags uint

const (
	PTE_P PTEFlags = 1 << iota // present
	PTE_W                      // writable
	PTE_U                      // user-accessible
	PTE_COW
	PTE_G // global
)

// RunUserTask enters user mode with frame installed as the live
// register state, runs until the next trap, and reports why control
// returned. A real backend performs this via a context switch and
// trap vector; the in-memory fake used by tests/cmd/kernel simulates
// it by interpreting a short script of traps.
type Machine interface {
	RunUserTask(frame TrapFrame) EscapeReason
	NewPageTable() PageTable
	// NewTrapFrame returns a fresh, zeroed trap frame for a brand-new
	// task (internal/task.New installs one before the task is ever
	// exec'd or cloned).
	NewTrapFrame() TrapFrame
	EnableIRQ()
	DisableIRQ()
	Idle() // wfi()
}
