package fake

import (
	"testing"

	"github.com/lattice-os/kernel/pkg/machine"
)

func TestQueueEscapeFIFOOrder(t *testing.T) {
	m := NewMachine()
	m.QueueEscape(machine.EscapeReason{Kind: machine.EscapeSyscall})
	m.QueueEscape(machine.EscapeReason{Kind: machine.EscapeTimer})

	tf := NewTrapFrame()
	if r := m.RunUserTask(tf); r.Kind != machine.EscapeSyscall {
		t.Fatalf("first RunUserTask = %v, want EscapeSyscall", r.Kind)
	}
	if r := m.RunUserTask(tf); r.Kind != machine.EscapeTimer {
		t.Fatalf("second RunUserTask = %v, want EscapeTimer", r.Kind)
	}
}

func TestRunUserTaskWithEmptyScriptReturnsSyscall(t *testing.T) {
	m := NewMachine()
	r := m.RunUserTask(NewTrapFrame())
	if r.Kind != machine.EscapeSyscall {
		t.Fatalf("RunUserTask with empty script = %v, want EscapeSyscall", r.Kind)
	}
}

func TestQueueStepMutateRunsBeforeReturn(t *testing.T) {
	m := NewMachine()
	m.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, 42)
		tf.Set(machine.ARG0, 7)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	tf := NewTrapFrame()
	m.RunUserTask(tf)
	if got := tf.Get(machine.SYSCALL_NR); got != 42 {
		t.Fatalf("SYSCALL_NR = %d, want 42", got)
	}
	if got := tf.Get(machine.ARG0); got != 7 {
		t.Fatalf("ARG0 = %d, want 7", got)
	}
}

func TestQueueStepNilMutateIsSkipped(t *testing.T) {
	m := NewMachine()
	m.QueueStep(nil, machine.EscapeReason{Kind: machine.EscapePageFault, Addr: 0x1000})

	r := m.RunUserTask(NewTrapFrame())
	if r.Kind != machine.EscapePageFault || r.Addr != 0x1000 {
		t.Fatalf("RunUserTask = %+v, want page fault at 0x1000", r)
	}
}

func TestTrapFrameGetSet(t *testing.T) {
	tf := NewTrapFrame()
	tf.Set(machine.PC, 0xdeadbeef)
	tf.Set(machine.SP, 0xcafebabe)
	if got := tf.Get(machine.PC); got != 0xdeadbeef {
		t.Fatalf("Get(PC) = %#x, want 0xdeadbeef", got)
	}
	if got := tf.Get(machine.SP); got != 0xcafebabe {
		t.Fatalf("Get(SP) = %#x, want 0xcafebabe", got)
	}
}

func TestTrapFrameCloneIsIndependentCopy(t *testing.T) {
	tf := NewTrapFrame()
	tf.Set(machine.PC, 0x1000)

	clone := tf.Clone()
	clone.Set(machine.PC, 0x2000)

	if got := tf.Get(machine.PC); got != 0x1000 {
		t.Fatalf("original PC = %#x, want 0x1000 (mutating the clone should not affect it)", got)
	}
	if got := clone.Get(machine.PC); got != 0x2000 {
		t.Fatalf("clone PC = %#x, want 0x2000", got)
	}
}

func TestNewPageTableRootsAreUnique(t *testing.T) {
	a := NewPageTable()
	b := NewPageTable()
	if a.Root() == b.Root() {
		t.Fatal("distinct page tables should get distinct roots")
	}
}

func TestPageTableMapTranslateUnmap(t *testing.T) {
	pt := NewPageTable()
	if err := pt.Map(0x1000, 0x2000, machine.PTE_P|machine.PTE_W); err != nil {
		t.Fatalf("Map: %v", err)
	}
	paddr, flags, ok := pt.Translate(0x1000)
	if !ok || paddr != 0x2000 || flags != machine.PTE_P|machine.PTE_W {
		t.Fatalf("Translate = %#x, %v, %v; want 0x2000, PTE_P|PTE_W, true", paddr, flags, ok)
	}

	if err := pt.Unmap(0x1000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, ok := pt.Translate(0x1000); ok {
		t.Fatal("Translate should miss after Unmap")
	}
}

func TestMachineNewPageTableAndNewTrapFrameSatisfyInterface(t *testing.T) {
	m := NewMachine()
	var _ machine.Machine = m

	pt := m.NewPageTable()
	if pt == nil {
		t.Fatal("NewPageTable returned nil")
	}
	tf := m.NewTrapFrame()
	if tf == nil {
		t.Fatal("NewTrapFrame returned nil")
	}
	if got := tf.Get(machine.PC); got != 0 {
		t.Fatalf("fresh trap frame PC = %d, want 0", got)
	}
}
