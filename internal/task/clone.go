package task

import (
	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/futex"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sig"
	"github.com/lattice-os/kernel/internal/vmm"
	"github.com/lattice-os/kernel/pkg/machine"
)

// CloneArgs bundles clone(2)'s arguments (spec.md C7 "Clone / Fork").
type CloneArgs struct {
	Flags uint64
	Stack uintptr // 0 keeps the parent's stack pointer
	PTid  uintptr // user address to receive the new tid (CLONE_PARENT_SETTID)
	TLS   uintptr
	CTid  uintptr // user address to receive the new tid / be cleared on exit
}

// UserRef is the minimal faultable-pointer contract internal/syscall's
// UserMem provides; clone only ever needs to poke a single uint64,
// so it takes the narrow slice of that contract it needs instead of
// importing internal/syscall (which would import this package,
// cycling back).
type UserRef interface {
	PutU64(addr uintptr, v uint64) defs.Err_t
}

// Clone implements spec.md C7's clone/fork branch. newPT constructs a
// fresh machine page table for the CLONE_THREAD=false (process) case;
// it's a constructor func rather than a pkg/machine.Machine so tests
// can supply a fake.
func Clone(parent *UserTask, args CloneArgs, newPT func() *pagetable.Table, user UserRef) (*UserTask, defs.Err_t) {
	if args.Flags&uint64(defs.CLONE_THREAD) != 0 {
		return cloneThread(parent, args, user)
	}
	return cloneProcess(parent, args, newPT, user)
}

// cloneThread constructs a new UserTask sharing the parent's PCB
// (hence its page table and memset): the "Thread" branch of spec.md
// C7.
func cloneThread(parent *UserTask, args CloneArgs, user UserRef) (*UserTask, defs.Err_t) {
	pcb := parent.Pcb
	pcb.mu.Lock()
	pcb.refcount++
	pcb.mu.Unlock()

	tf := parent.Tcb.TrapFrame.Clone()
	tf.Set(machine.RET, 0)
	if args.Stack != 0 {
		tf.Set(machine.SP, uint64(args.Stack))
	}

	tcb := &TCB{Tid: allocTid(), TrapFrame: tf, Pending: sig.NewPending()}
	child := &UserTask{Tcb: tcb, Pcb: pcb}

	pcb.mu.Lock()
	pcb.threads[tcb.Tid] = child
	pcb.mu.Unlock()

	applyPostCloneFlags(child, args, user)
	return child, 0
}

// cloneProcess implements the COW-fork branch: new PCB (fd table and
// memset cloned), new page table, every MapArea's FrameTrackers
// shared and remapped read-only in both parent and child.
func cloneProcess(parent *UserTask, args CloneArgs, newPT func() *pagetable.Table, user UserRef) (*UserTask, defs.Err_t) {
	parentPCB := parent.Pcb
	childPT := newPT()

	childPCB := &PCB{
		Pid:      allocPid(),
		parent:   parentPCB,
		children: map[defs.Pid_t]*PCB{},
		threads:  map[defs.Tid_t]*UserTask{},
		Fds:      parentPCB.Fds.Clone(),
		Memset:   vmm.NewMemSet(),
		PT:       childPT,
		Cwd:      parentPCB.Cwd,
		SigActs:  parentPCB.SigActs, // POSIX: dispositions stay process-shared until exec resets them
		Futexes:  futex.NewTable(),
		Tms:      &TMS{},
		refcount: 1,
		Cmd:      parentPCB.Cmd,
	}
	parentPCB.mu.Lock()
	parentPCB.children[childPCB.Pid] = childPCB
	parentPT, _ := parentPCB.PT.(*pagetable.Table)
	for _, a := range parentPCB.Memset.Areas() {
		shared := a.CloneSharing()
		childPCB.Memset.AddArea(shared)
		for _, tr := range shared.Pages() {
			remapReadOnly(parentPT, tr)
			remapReadOnly(childPT, tr)
		}
	}
	parentPCB.mu.Unlock()

	tf := parent.Tcb.TrapFrame.Clone()
	tf.Set(machine.RET, 0)
	if args.Stack != 0 {
		tf.Set(machine.SP, uint64(args.Stack))
	}

	childTcb := &TCB{Tid: defs.Tid_t(childPCB.Pid), IsLeader: true, TrapFrame: tf, Pending: sig.NewPending()}
	child := &UserTask{Tcb: childTcb, Pcb: childPCB}
	childPCB.threads[childTcb.Tid] = child

	applyPostCloneFlags(child, args, user)
	return child, 0
}

// remapReadOnly installs tr's page read-only with PTE_COW set, the
// "remap every page read-only in both parent and child page tables"
// step of spec.md C7. It is a best-effort step: a nil pt (e.g. a test
// double with no backing machine.PageTable) is simply skipped.
func remapReadOnly(pt *pagetable.Table, tr *vmm.MapTrack) {
	if pt == nil {
		return
	}
	pt.LockPmap()
	defer pt.UnlockPmap()
	flags := (tr.RWX &^ machine.PTE_W) | machine.PTE_COW | machine.PTE_P
	_ = pt.Unmap(uintptr(tr.VAddr))
	_ = pt.Map(uintptr(tr.VAddr), uintptr(tr.Tracker.Addr()), flags)
}

// applyPostCloneFlags implements spec.md C7's
// CLONE_SETTLS/CLONE_PARENT_SETTID/CLONE_CHILD_SETTID/CLONE_CHILD_CLEARTID
// handling, common to both the thread and process branches.
func applyPostCloneFlags(child *UserTask, args CloneArgs, user UserRef) {
	if args.Flags&uint64(defs.CLONE_SETTLS) != 0 {
		child.Tcb.TrapFrame.Set(machine.TLS, uint64(args.TLS))
	}
	if args.Flags&uint64(defs.CLONE_PARENT_SETTID) != 0 && args.PTid != 0 {
		_ = user.PutU64(args.PTid, uint64(child.Tcb.Tid))
	}
	if args.Flags&uint64(defs.CLONE_CHILD_SETTID) != 0 && args.CTid != 0 {
		_ = user.PutU64(args.CTid, uint64(child.Tcb.Tid))
	}
	if args.Flags&uint64(defs.CLONE_CHILD_CLEARTID) != 0 {
		child.Tcb.ClearChildTid = args.CTid
	}
}
