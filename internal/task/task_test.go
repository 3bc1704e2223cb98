package task

import (
	"testing"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sig"
	"github.com/lattice-os/kernel/pkg/machine"
	machinefake "github.com/lattice-os/kernel/pkg/machine/fake"
)

func newPTForTest() *pagetable.Table {
	return pagetable.New(machinefake.NewMachine())
}

var testMach = machinefake.NewMachine()

func newFrameForTest() machine.TrapFrame { return testMach.NewTrapFrame() }

// fakeUserRef is a no-op UserRef, sufficient for clone paths that
// don't exercise CLONE_PARENT_SETTID/CLONE_CHILD_SETTID.
type fakeUserRef struct{ written map[uintptr]uint64 }

func newFakeUserRef() *fakeUserRef { return &fakeUserRef{written: map[uintptr]uint64{}} }

func (f *fakeUserRef) PutU64(addr uintptr, v uint64) defs.Err_t {
	f.written[addr] = v
	return 0
}

func TestNewCreatesLeaderThread(t *testing.T) {
	u := New(nil, nil, newPTForTest(), newFrameForTest, 0, 16)
	if !u.Tcb.IsLeader {
		t.Fatal("first task of a new process should be the thread-group leader")
	}
	if u.Tcb.Tid != defs.Tid_t(u.Pcb.Pid) {
		t.Fatalf("leader's tid %d should equal its pid %d", u.Tcb.Tid, u.Pcb.Pid)
	}
	if u.Tcb.Exited() {
		t.Fatal("freshly created task should not be Exited")
	}
}

func TestCloneThreadSharesPCB(t *testing.T) {
	parent := New(nil, nil, newPTForTest(), newFrameForTest, 0, 16)
	child, err := Clone(parent, CloneArgs{Flags: uint64(defs.CLONE_THREAD)}, newPTForTest, newFakeUserRef())
	if err != 0 {
		t.Fatalf("Clone(thread): %v", err)
	}
	if child.Pcb != parent.Pcb {
		t.Fatal("CLONE_THREAD child should share the parent's PCB")
	}
	if child.Tcb.Tid == parent.Tcb.Tid {
		t.Fatal("child thread should have a distinct tid")
	}
	if got := child.Tcb.TrapFrame.Get(0); got != parent.Tcb.TrapFrame.Get(0) {
		// PC slot: cloned trap frame should start as a copy of the parent's.
		t.Fatalf("child trap frame PC = %d, want copy of parent's %d", got, parent.Tcb.TrapFrame.Get(0))
	}
}

func TestCloneProcessGetsOwnPCB(t *testing.T) {
	parent := New(nil, nil, newPTForTest(), newFrameForTest, 0, 16)
	child, err := Clone(parent, CloneArgs{}, newPTForTest, newFakeUserRef())
	if err != 0 {
		t.Fatalf("Clone(process): %v", err)
	}
	if child.Pcb == parent.Pcb {
		t.Fatal("fork child should get its own PCB")
	}
	if child.Pcb.Pid == parent.Pcb.Pid {
		t.Fatal("child pid should differ from parent pid")
	}
	if child.Pcb.parent != parent.Pcb {
		t.Fatal("child's parent link should point back to the parent PCB")
	}
	if _, ok := parent.Pcb.children[child.Pcb.Pid]; !ok {
		t.Fatal("parent should record the new child in its children map")
	}
}

func TestCloneChildSettidWritesTid(t *testing.T) {
	parent := New(nil, nil, newPTForTest(), newFrameForTest, 0, 16)
	ref := newFakeUserRef()
	const ctidAddr = 0x5000
	child, err := Clone(parent, CloneArgs{
		Flags: uint64(defs.CLONE_THREAD) | uint64(defs.CLONE_CHILD_SETTID) | uint64(defs.CLONE_CHILD_CLEARTID),
		CTid:  ctidAddr,
	}, newPTForTest, ref)
	if err != 0 {
		t.Fatalf("Clone: %v", err)
	}
	if got := ref.written[ctidAddr]; got != uint64(child.Tcb.Tid) {
		t.Fatalf("CLONE_CHILD_SETTID wrote %d at ctid addr, want %d", got, child.Tcb.Tid)
	}
	if child.Tcb.ClearChildTid != ctidAddr {
		t.Fatalf("ClearChildTid = %#x, want %#x", child.Tcb.ClearChildTid, uintptr(ctidAddr))
	}
}

func TestExitAndWait4Reaps(t *testing.T) {
	parent := New(nil, nil, newPTForTest(), newFrameForTest, 0, 16)
	child, err := Clone(parent, CloneArgs{}, newPTForTest, newFakeUserRef())
	if err != 0 {
		t.Fatalf("Clone: %v", err)
	}

	noop := func(uintptr) defs.Err_t { return 0 }
	Exit(child, 42, noop)

	if !child.Tcb.Exited() {
		t.Fatal("child should be Exited immediately after Exit")
	}

	res, werr := Wait4(parent.Pcb, 0, 0)
	if werr != 0 {
		t.Fatalf("Wait4: %v", werr)
	}
	if res.Pid != child.Pcb.Pid {
		t.Fatalf("Wait4 reaped pid %d, want %d", res.Pid, child.Pcb.Pid)
	}
	if res.ExitCode != 42 {
		t.Fatalf("Wait4 exit code = %d, want 42", res.ExitCode)
	}
	if res.Signal != sig.SIGCHLD {
		t.Fatalf("Wait4 signal = %v, want SIGCHLD", res.Signal)
	}

	if _, ok := parent.Pcb.children[child.Pcb.Pid]; ok {
		t.Fatal("reaped child should be removed from the parent's children map")
	}
}

func TestWait4NoChildrenReturnsECHILD(t *testing.T) {
	u := New(nil, nil, newPTForTest(), newFrameForTest, 0, 16)
	_, err := Wait4(u.Pcb, 0, 0)
	if err != defs.ECHILD {
		t.Fatalf("Wait4 with no children = %v, want ECHILD", err)
	}
}

func TestWait4WNOHANGReturnsImmediately(t *testing.T) {
	parent := New(nil, nil, newPTForTest(), newFrameForTest, 0, 16)
	if _, err := Clone(parent, CloneArgs{}, newPTForTest, newFakeUserRef()); err != 0 {
		t.Fatalf("Clone: %v", err)
	}

	res, werr := Wait4(parent.Pcb, 0, defs.WNOHANG)
	if werr != 0 {
		t.Fatalf("Wait4(WNOHANG) = %v", werr)
	}
	if res.Pid != 0 {
		t.Fatalf("Wait4(WNOHANG) with no zombie child should return a zero result, got %+v", res)
	}
}

func TestTmsAccumulatesChildTime(t *testing.T) {
	parent := New(nil, nil, newPTForTest(), newFrameForTest, 0, 16)
	child, _ := Clone(parent, CloneArgs{}, newPTForTest, newFakeUserRef())
	child.Pcb.Tms.Utadd(1000)
	child.Pcb.Tms.Systadd(2000)

	noop := func(uintptr) defs.Err_t { return 0 }
	Exit(child, 0, noop)
	if _, err := Wait4(parent.Pcb, 0, 0); err != 0 {
		t.Fatalf("Wait4: %v", err)
	}

	_, _, cut, cst := parent.Pcb.Tms.Snapshot()
	if cut != 1000 || cst != 2000 {
		t.Fatalf("parent cutime/cstime = %d/%d, want 1000/2000", cut, cst)
	}
}
