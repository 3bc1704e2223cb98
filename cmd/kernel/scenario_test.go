package main

// End-to-end scenario tests: each one drives a handful of tasks
// through the real kernel packages (internal/entry's trap loop,
// internal/task's clone/exit, internal/pagefault's resolver,
// internal/futex's wait/wake) the way the demo in main() does, rather
// than unit-testing a single package in isolation.

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/lattice-os/kernel/internal/config"
	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/entry"
	"github.com/lattice-os/kernel/internal/fd"
	"github.com/lattice-os/kernel/internal/ioobj"
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagefault"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sched"
	"github.com/lattice-os/kernel/internal/sig"
	"github.com/lattice-os/kernel/internal/syscall"
	"github.com/lattice-os/kernel/internal/task"
	"github.com/lattice-os/kernel/internal/vfs/memfs"
	"github.com/lattice-os/kernel/internal/vmm"
	"github.com/lattice-os/kernel/pkg/machine"
	machinefake "github.com/lattice-os/kernel/pkg/machine/fake"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.FramePages = 64
	return cfg
}

// TestScenarioHelloForkExit replays both halves of the boot demo
// (exec init through the real trap loop, then fork/wait4 a worker
// directly) and checks the console sees both.
func TestScenarioHelloForkExit(t *testing.T) {
	cfg := testConfig()
	alloc := mem.NewAllocator(cfg.FramePages)
	mach := machinefake.NewMachine()
	root, console := bootRootFS()

	loop := &entry.Loop{
		Mach:     mach,
		Alloc:    alloc,
		NewPT:    func() *pagetable.Table { return pagetable.New(mach) },
		Executor: sched.NewExecutor(256),
		Registry: task.NewRegistry(),
	}

	runInitViaTrapLoop(loop, mach, alloc, root, cfg)
	runForkWaitDemo(alloc, root, loop.NewPT, mach.NewTrapFrame, cfg)

	out := string(console.Output())
	for _, want := range []string{
		"lattice-os: init running\n",
		"shell: forking worker\n",
		"worker: exiting with code 7\n",
		"shell: reaped pid",
	} {
		if !contains(out, want) {
			t.Fatalf("console output %q missing %q", out, want)
		}
	}
}

// TestScenarioPipeEcho writes a message into a pipe's write end and
// reads it back out the read end, both through real write(2)/read(2)
// traps dispatched by internal/entry.
func TestScenarioPipeEcho(t *testing.T) {
	const (
		writeVA = 0x30000
		readVA  = 0x30000 + 4096
		readFd  = 3
		writeFd = 4
	)

	mach := machinefake.NewMachine()
	alloc := mem.NewAllocator(64)
	newPT := func() *pagetable.Table { return pagetable.New(mach) }
	pt := newPT()

	mapScratchPage(t, alloc, pt, writeVA)
	mapScratchPage(t, alloc, pt, readVA)

	u := task.New(nil, nil, pt, mach.NewTrapFrame, 0, 16)
	r, w := ioobj.NewPipePair(4096)
	if err := u.Pcb.Fds.InstallAt(readFd, fd.NewFileItem(nil, r, defs.O_RDONLY, fd.FD_READ)); err != 0 {
		t.Fatalf("InstallAt(read): %v", err)
	}
	if err := u.Pcb.Fds.InstallAt(writeFd, fd.NewFileItem(nil, w, defs.O_WRONLY, fd.FD_WRITE)); err != 0 {
		t.Fatalf("InstallAt(write): %v", err)
	}

	msg := []byte("echo\n")
	writeScratchBytes(t, alloc, pt, writeVA, msg)

	loop := &entry.Loop{Mach: mach, Alloc: alloc, NewPT: newPT, Executor: sched.NewExecutor(16), Registry: task.NewRegistry()}

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_WRITE))
		tf.Set(machine.ARG0, writeFd)
		tf.Set(machine.ARG1, writeVA)
		tf.Set(machine.ARG2, uint64(len(msg)))
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_READ))
		tf.Set(machine.ARG0, readFd)
		tf.Set(machine.ARG1, readVA)
		tf.Set(machine.ARG2, uint64(len(msg)))
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_EXIT_GROUP))
		tf.Set(machine.ARG0, 0)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	loop.Spawn(u)
	loop.Executor.Run()

	if !u.Tcb.Exited() {
		t.Fatal("task should be Exited after exit_group trap")
	}

	got := readScratchBytes(t, alloc, pt, readVA, len(msg))
	if string(got) != string(msg) {
		t.Fatalf("echoed bytes = %q, want %q", got, msg)
	}
}

// TestScenarioMmapFile mmaps a file-backed page at a fixed address and
// takes a page fault on it, checking the resolver's demand-fill pulls
// the file's actual bytes in rather than zeros.
func TestScenarioMmapFile(t *testing.T) {
	const fixedVA = 0x600000

	mach := machinefake.NewMachine()
	alloc := mem.NewAllocator(64)
	newPT := func() *pagetable.Table { return pagetable.New(mach) }
	pt := newPT()

	u := task.New(nil, nil, pt, mach.NewTrapFrame, 0, 16)

	content := []byte("mmap me please")
	file := memfs.NewFile()
	if _, err := file.WriteAt(0, content); err != 0 {
		t.Fatalf("seed file: %v", err)
	}
	fdnum, ferr := u.Pcb.Fds.Install(fd.NewFileItem(nil, file, defs.O_RDWR, fd.FD_READ|fd.FD_WRITE))
	if ferr != 0 {
		t.Fatalf("Install: %v", ferr)
	}

	loop := &entry.Loop{Mach: mach, Alloc: alloc, NewPT: newPT, Executor: sched.NewExecutor(16), Registry: task.NewRegistry()}

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_MMAP))
		tf.Set(machine.ARG0, fixedVA)
		tf.Set(machine.ARG1, uint64(mem.PGSIZE))
		tf.Set(machine.ARG2, uint64(defs.PROT_READ|defs.PROT_WRITE))
		tf.Set(machine.ARG3, uint64(defs.MAP_FIXED|defs.MAP_PRIVATE))
		tf.Set(machine.ARG4, uint64(fdnum))
		tf.Set(machine.ARG5, 0)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueEscape(machine.EscapeReason{
		Kind:  machine.EscapePageFault,
		Addr:  fixedVA,
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

	pt.LockPmap()
	paddr, _, mapped := pt.Translate(fixedVA)
	pt.UnlockPmap()
	if !mapped {
		t.Fatal("mmap'd address should be mapped after the demand-fill page fault")
	}
	buf, ok := alloc.BytesAt(mem.PhysAddr(paddr).Floor())
	if !ok {
		t.Fatal("BytesAt failed")
	}
	if string(buf[:len(content)]) != string(content) {
		t.Fatalf("demand-filled page = %q, want %q", buf[:len(content)], content)
	}
}

// TestScenarioCowFork forks a task with one anonymous page already
// faulted in, checks the child shares the parent's frame read-only,
// then drives a write fault on the child's copy and checks the two
// frames diverge without touching the parent's content.
func TestScenarioCowFork(t *testing.T) {
	const va = mem.VirtAddr(0x700000)
	page := va.Floor().Virt()

	mach := machinefake.NewMachine()
	alloc := mem.NewAllocator(64)
	newPT := func() *pagetable.Table { return pagetable.New(mach) }
	parentPT := newPT()

	parent := task.New(nil, nil, parentPT, mach.NewTrapFrame, 0, 16)
	parent.Pcb.Memset.Add(va, mem.PGSIZE, vmm.Mmap, vmm.ReadWrite, nil)

	if outcome := pagefault.Resolve(alloc, parent.Pcb.Memset, parentPT, va, machine.FaultWrite, parent.Tcb.Pending); outcome != pagefault.Resolved {
		t.Fatalf("initial demand-fill outcome = %v, want Resolved", outcome)
	}

	parentArea, ok := parent.Pcb.Memset.Lookup(va)
	if !ok {
		t.Fatal("parent memset should contain the faulted area")
	}
	parentTrack, ok := parentArea.Track(page)
	if !ok {
		t.Fatal("parent area should have a tracked page after demand-fill")
	}
	copy(mem.PageBytes(parentTrack.Tracker), []byte("parent-data"))

	parentMem := &syscall.UserMem{PT: parentPT, Alloc: alloc}
	child, cerr := task.Clone(parent, task.CloneArgs{}, newPT, parentMem)
	if cerr != 0 {
		t.Fatalf("Clone: %v", cerr)
	}
	childPT, ok := child.Pcb.PT.(*pagetable.Table)
	if !ok {
		t.Fatal("child PT should be a *pagetable.Table")
	}

	childArea, ok := child.Pcb.Memset.Lookup(va)
	if !ok {
		t.Fatal("child memset should inherit the parent's area")
	}
	childTrack, ok := childArea.Track(page)
	if !ok {
		t.Fatal("child area should have a tracked page right after fork")
	}
	if childTrack.Tracker != parentTrack.Tracker {
		t.Fatal("fork should share the same FrameTracker between parent and child before any write")
	}
	if got := parentTrack.Tracker.Refcount(); got != 2 {
		t.Fatalf("shared tracker refcount = %d, want 2", got)
	}

	if outcome := pagefault.Resolve(alloc, child.Pcb.Memset, childPT, va, machine.FaultWrite, child.Tcb.Pending); outcome != pagefault.Resolved {
		t.Fatalf("child write-fault outcome = %v, want Resolved", outcome)
	}

	childArea2, ok := child.Pcb.Memset.Lookup(va)
	if !ok {
		t.Fatal("child memset should still contain the area after the COW split")
	}
	childTrack2, ok := childArea2.Track(page)
	if !ok {
		t.Fatal("child area should still have a tracked page after the COW split")
	}
	if childTrack2.Tracker == parentTrack.Tracker {
		t.Fatal("a write fault on a shared page should have split off a private frame")
	}

	copy(mem.PageBytes(childTrack2.Tracker), []byte("child-data!!"))

	if got := string(mem.PageBytes(parentTrack.Tracker)[:len("parent-data")]); got != "parent-data" {
		t.Fatalf("parent's page changed after child's COW write: got %q", got)
	}
}

// TestScenarioFutexWaitWake drives a real futex(2) WAIT/WAKE pair
// through internal/entry's trap loop and internal/sched's executor,
// with both threads sharing one process (task.Clone's CLONE_THREAD
// branch) and hence one futex table. The WAIT thread's trap suspends
// (internal/syscall.Context.Suspend) rather than blocking its
// goroutine, so the executor keeps polling the WAKE thread's turn
// while the waiter sits parked - exactly the run-queue interleaving
// that a goroutine-blocking Table.Wait would have deadlocked, since
// this whole test runs on the single goroutine driving Executor.Run.
func TestScenarioFutexWaitWake(t *testing.T) {
	const futexVA = 0x40000
	const futexWait = 0
	const futexWake = 1

	mach := machinefake.NewMachine()
	alloc := mem.NewAllocator(64)
	newPT := func() *pagetable.Table { return pagetable.New(mach) }
	pt := newPT()
	mapScratchPage(t, alloc, pt, futexVA)

	parent := task.New(nil, nil, pt, mach.NewTrapFrame, 0, 16)
	parentMem := &syscall.UserMem{PT: pt, Alloc: alloc}
	if err := parentMem.PutU32(futexVA, 1); err != 0 {
		t.Fatalf("seed futex word: %v", err)
	}

	child, cerr := task.Clone(parent, task.CloneArgs{Flags: uint64(defs.CLONE_THREAD)}, newPT, parentMem)
	if cerr != 0 {
		t.Fatalf("Clone(CLONE_THREAD): %v", cerr)
	}

	loop := &entry.Loop{Mach: mach, Alloc: alloc, NewPT: newPT, Executor: sched.NewExecutor(16), Registry: task.NewRegistry()}

	// internal/sched's run-queue is FIFO and taskFuture.Poll keeps
	// re-entering user code until a trap suspends, exits, or forces a
	// yield (spec.md §4.12), so the parent's WAIT (which suspends
	// without advancing) yields its turn after exactly one trap, the
	// child then runs both of its traps back to back before yielding,
	// and only then does the parent get re-polled, find itself woken,
	// and run its own exit_group. That fixes the machine fake's single
	// global step queue to this order: parent-wait, child-wake,
	// child-exit, parent-exit.
	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_FUTEX))
		tf.Set(machine.ARG0, futexVA)
		tf.Set(machine.ARG1, futexWait)
		tf.Set(machine.ARG2, 1)
		tf.Set(machine.ARG3, 0)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_FUTEX))
		tf.Set(machine.ARG0, futexVA)
		tf.Set(machine.ARG1, futexWake)
		tf.Set(machine.ARG2, 1)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_EXIT_GROUP))
		tf.Set(machine.ARG0, 0)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_EXIT_GROUP))
		tf.Set(machine.ARG0, 0)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	loop.Spawn(parent)
	loop.Spawn(child)
	loop.Executor.Run()

	if !child.Tcb.Exited() {
		t.Fatal("child should be Exited after its wake and exit_group traps")
	}
	if !parent.Tcb.Exited() {
		t.Fatal("parent should be Exited: its futex wait should have resumed once woken and run exit_group")
	}
}

// TestScenarioSignalTrampoline raises SIGUSR1 against a handler with a
// non-default disposition, checks the trap frame gets redirected into
// the handler/restorer the way spec.md's signal-delivery step
// describes, then drives a scripted rt_sigreturn trap and checks the
// interrupted registers come back exactly as they were.
func TestScenarioSignalTrampoline(t *testing.T) {
	const (
		origPC       = 0x401000
		origSP       = 0x7ffffff000
		handlerAddr  = 0x500000
		restorerAddr = 0x500100
		sigCtxReserve = 256 // mirrors internal/entry's reserved trampoline slack
	)
	ctxAddr := (uint64(origSP) - sigCtxReserve) &^ 0xf

	mach := machinefake.NewMachine()
	alloc := mem.NewAllocator(64)
	newPT := func() *pagetable.Table { return pagetable.New(mach) }
	pt := newPT()

	u := task.New(nil, nil, pt, mach.NewTrapFrame, 0, 16)
	u.Tcb.TrapFrame.Set(machine.PC, origPC)
	u.Tcb.TrapFrame.Set(machine.SP, origSP)

	u.Pcb.SigActs.Set(sig.SIGUSR1, sig.SigAction{Handler: uintptr(handlerAddr), Restorer: uintptr(restorerAddr)})
	u.Tcb.Pending.Raise(sig.SIGUSR1)

	loop := &entry.Loop{Mach: mach, Alloc: alloc, NewPT: newPT, Executor: sched.NewExecutor(16), Registry: task.NewRegistry()}

	mach.QueueStep(func(tf machine.TrapFrame) {
		if got := tf.Get(machine.PC); got != handlerAddr {
			t.Fatalf("trap frame PC = %#x going into the handler, want %#x", got, uint64(handlerAddr))
		}
		if got := tf.Get(machine.SP); got != ctxAddr {
			t.Fatalf("trap frame SP = %#x going into the handler, want %#x", got, ctxAddr)
		}
		if got := tf.Get(machine.RA); got != restorerAddr {
			t.Fatalf("trap frame RA = %#x going into the handler, want %#x", got, uint64(restorerAddr))
		}
		if got := tf.Get(machine.ARG0); got != uint64(sig.SIGUSR1) {
			t.Fatalf("trap frame ARG0 = %d going into the handler, want SIGUSR1 (%d)", got, sig.SIGUSR1)
		}
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_RT_SIGRETURN))
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_EXIT_GROUP))
		tf.Set(machine.ARG0, 0)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	loop.Spawn(u)
	loop.Executor.Run()

	if !u.Tcb.Exited() {
		t.Fatal("task should be Exited after exit_group trap")
	}
	if got := u.Tcb.TrapFrame.Get(machine.PC); got != origPC {
		t.Fatalf("PC after sigreturn = %#x, want the interrupted PC %#x", got, uint64(origPC))
	}
	if got := u.Tcb.TrapFrame.Get(machine.SP); got != origSP {
		t.Fatalf("SP after sigreturn = %#x, want the interrupted SP %#x", got, uint64(origSP))
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return len(needle) == 0
}

func mapScratchPage(t *testing.T, alloc *mem.Allocator, pt *pagetable.Table, va uintptr) {
	t.Helper()
	fr, ok := alloc.Alloc()
	if !ok {
		t.Fatal("Alloc failed")
	}
	pt.LockPmap()
	defer pt.UnlockPmap()
	if err := pt.Map(va, uintptr(fr.Addr()), 0x7); err != nil {
		t.Fatalf("Map: %v", err)
	}
}

func writeScratchBytes(t *testing.T, alloc *mem.Allocator, pt *pagetable.Table, va uintptr, data []byte) {
	t.Helper()
	pt.LockPmap()
	paddr, _, ok := pt.Translate(va)
	pt.UnlockPmap()
	if !ok {
		t.Fatal("scratch page should be mapped")
	}
	buf, ok := alloc.BytesAt(mem.PhysAddr(paddr).Floor())
	if !ok {
		t.Fatal("BytesAt failed")
	}
	copy(buf, data)
}

func readScratchBytes(t *testing.T, alloc *mem.Allocator, pt *pagetable.Table, va uintptr, n int) []byte {
	t.Helper()
	pt.LockPmap()
	paddr, _, ok := pt.Translate(va)
	pt.UnlockPmap()
	if !ok {
		t.Fatal("scratch page should be mapped")
	}
	buf, ok := alloc.BytesAt(mem.PhysAddr(paddr).Floor())
	if !ok {
		t.Fatal("BytesAt failed")
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out
}
