// Package fake provides the in-memory machine-layer backend spec.md
// §6 calls for: "cmd/kernel wires an in-memory fake machine layer
// (single-hart, software trap via explicit function calls) ... so the
// module demonstrates boot -> exec -> fork -> wait end-to-end without
// real hardware". It is not a real arch backend; it is the concrete
// stand-in the test suite and cmd/kernel drive instead of one.
package fake

import (
	"sync"

	"github.com/lattice-os/kernel/pkg/machine"
)

// TrapFrame is a flat, slot-indexed register file.
type TrapFrame struct {
	regs [machine.NumSlots]uint64
}

func NewTrapFrame() *TrapFrame { return &TrapFrame{} }

func (f *TrapFrame) Get(s machine.Slot) uint64  { return f.regs[s] }
func (f *TrapFrame) Set(s machine.Slot, v uint64) { f.regs[s] = v }

func (f *TrapFrame) Clone() machine.TrapFrame {
	n := &TrapFrame{regs: f.regs}
	return n
}

// PageTable is a plain map-backed translation table: no real MMU, just
// enough bookkeeping for internal/pagetable's contract.
type PageTable struct {
	mu   sync.Mutex
	pte  map[uintptr]entry
	root uintptr
}

type entry struct {
	paddr uintptr
	flags machine.PTEFlags
}

var rootCounter uintptr

func NewPageTable() *PageTable {
	rootCounter++
	return &PageTable{pte: map[uintptr]entry{}, root: rootCounter}
}

func (p *PageTable) Map(vaddr, paddr uintptr, flags machine.PTEFlags) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pte[vaddr] = entry{paddr: paddr, flags: flags}
	return nil
}

func (p *PageTable) Unmap(vaddr uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pte, vaddr)
	return nil
}

func (p *PageTable) Translate(vaddr uintptr) (uintptr, machine.PTEFlags, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.pte[vaddr]
	return e.paddr, e.flags, ok
}

func (p *PageTable) Change() {}

func (p *PageTable) Root() uintptr { return p.root }

// step is one scripted RunUserTask outcome: mutate, when set, stands in
// for the user-mode instructions that would have loaded the trap
// frame's registers before the trap, e.g. a syscall's number and
// arguments.
type step struct {
	mutate func(machine.TrapFrame)
	reason machine.EscapeReason
}

// Machine is a single-hart fake that runs a caller-supplied script of
// escapes instead of actually trapping: tests and cmd/kernel queue the
// steps they want RunUserTask to play back via QueueEscape/QueueStep.
type Machine struct {
	mu    sync.Mutex
	steps []step
}

func NewMachine() *Machine { return &Machine{} }

// QueueEscape appends one scripted trap outcome with no register
// setup, consumed in FIFO order by the next RunUserTask call.
func (m *Machine) QueueEscape(r machine.EscapeReason) {
	m.QueueStep(nil, r)
}

// QueueStep appends one scripted trap outcome together with a
// callback that loads the trap frame (e.g. SYSCALL_NR and ARG0-5)
// immediately before RunUserTask reports it, standing in for the user
// code that would have set those registers for real. mutate may be
// nil.
func (m *Machine) QueueStep(mutate func(machine.TrapFrame), r machine.EscapeReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{mutate: mutate, reason: r})
}

func (m *Machine) RunUserTask(frame machine.TrapFrame) machine.EscapeReason {
	m.mu.Lock()
	s, ok := m.nextLocked()
	m.mu.Unlock()
	if !ok {
		return machine.EscapeReason{Kind: machine.EscapeSyscall}
	}
	if s.mutate != nil {
		s.mutate(frame)
	}
	return s.reason
}

func (m *Machine) nextLocked() (step, bool) {
	if len(m.steps) == 0 {
		return step{}, false
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s, true
}

func (m *Machine) NewPageTable() machine.PageTable  { return NewPageTable() }
func (m *Machine) NewTrapFrame() machine.TrapFrame  { return NewTrapFrame() }
func (m *Machine) EnableIRQ()                       {}
func (m *Machine) DisableIRQ()                      {}
func (m *Machine) Idle()                            {}
