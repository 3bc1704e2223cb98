package entry

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/fd"
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sched"
	"github.com/lattice-os/kernel/internal/task"
	"github.com/lattice-os/kernel/internal/vfs/memfs"
	"github.com/lattice-os/kernel/internal/vmm"
	"github.com/lattice-os/kernel/pkg/machine"
	machinefake "github.com/lattice-os/kernel/pkg/machine/fake"
)

// newTestLoop builds a Loop backed by a fake machine, plus one task
// (not yet spawned) whose fd 1 is a memfs file and whose page table
// has one page mapped at scratchVA for syscall arguments to point into.
func newTestLoop(t *testing.T) (*Loop, *task.UserTask, *memfs.Node, uintptr) {
	t.Helper()
	const scratchVA = 0x20000

	mach := machinefake.NewMachine()
	alloc := mem.NewAllocator(64)
	newPT := func() *pagetable.Table { return pagetable.New(mach) }
	pt := newPT()

	fr, ok := alloc.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}
	pt.LockPmap()
	if err := pt.Map(scratchVA, uintptr(fr.Addr()), 0x7); err != nil {
		t.Fatalf("Map: %v", err)
	}
	pt.UnlockPmap()

	u := task.New(nil, nil, pt, mach.NewTrapFrame, 0, 16)
	file := memfs.NewFile()
	item := fd.NewFileItem(nil, file, defs.O_RDWR, fd.FD_READ|fd.FD_WRITE)
	if err := u.Pcb.Fds.InstallAt(1, item); err != 0 {
		t.Fatalf("InstallAt(1): %v", err)
	}

	loop := &Loop{
		Mach:     mach,
		Alloc:    alloc,
		NewPT:    newPT,
		Executor: sched.NewExecutor(16),
		Registry: task.NewRegistry(),
	}
	return loop, u, file, scratchVA
}

func TestLoopWriteThenExitGroup(t *testing.T) {
	loop, u, file, va := newTestLoop(t)
	mach := loop.Mach.(*machinefake.Machine)

	msg := []byte("hello from init\n")

	pt := u.Pcb.PT.(*pagetable.Table)
	pt.LockPmap()
	paddr, _, ok := pt.Translate(va)
	pt.UnlockPmap()
	if !ok {
		t.Fatal("scratch page should be mapped")
	}
	buf, ok := loop.Alloc.BytesAt(mem.PhysAddr(paddr).Floor())
	if !ok {
		t.Fatal("BytesAt failed")
	}
	copy(buf, msg)

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_WRITE))
		tf.Set(machine.ARG0, 1)
		tf.Set(machine.ARG1, uint64(va))
		tf.Set(machine.ARG2, uint64(len(msg)))
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_EXIT_GROUP))
		tf.Set(machine.ARG0, 7)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	loop.Spawn(u)
	loop.Executor.Run()

	if !u.Tcb.Exited() {
		t.Fatal("task should be Exited after exit_group trap")
	}
	if loop.Executor.Len() != 0 {
		t.Fatalf("Executor.Len() = %d, want 0 once the task exits", loop.Executor.Len())
	}

	got := make([]byte, len(msg))
	if n, _ := file.ReadAt(0, got); n != len(msg) {
		t.Fatalf("file has %d bytes, want %d", n, len(msg))
	}
	if string(got) != string(msg) {
		t.Fatalf("file contents = %q, want %q", got, msg)
	}
}

func TestLoopPageFaultResolvesAnonMapping(t *testing.T) {
	loop, u, _, _ := newTestLoop(t)
	mach := loop.Mach.(*machinefake.Machine)

	const faultVA = mem.VirtAddr(0x500000)
	u.Pcb.Memset.Add(faultVA, mem.PGSIZE, vmm.Mmap, vmm.ReadWrite, nil)

	mach.QueueEscape(machine.EscapeReason{
		Kind:  machine.EscapePageFault,
		Addr:  uintptr(faultVA),
		Fault: machine.FaultRead,
	})
	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_EXIT_GROUP))
		tf.Set(machine.ARG0, 0)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	loop.Spawn(u)
	loop.Executor.Run()

	if !u.Tcb.Exited() {
		t.Fatal("task should be Exited after exit_group trap")
	}

	pt := u.Pcb.PT.(*pagetable.Table)
	pt.LockPmap()
	_, _, mapped := pt.Translate(uintptr(faultVA))
	pt.UnlockPmap()
	if !mapped {
		t.Fatal("page fault should have installed a mapping for the faulting address")
	}
}
