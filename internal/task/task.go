// Package task implements process/thread lifecycle (spec.md C7): PCB
// (process control block, shared by all threads of a process), TCB
// (per-thread control block), and the clone/fork/exit/wait4
// operations layered over internal/vmm, internal/fd, internal/sig, and
// internal/futex. None of the teacher's retrieved packages cover
// process control directly (biscuit/src/proc was not present in the
// retrieved subset), so this package's shape follows the teacher's
// general mutex-guarded-registry idiom (as seen in accnt, limits,
// tinfo) applied fresh to spec.md's PCB/TCB contract, grounded in
// ByteOS's tasks/task.rs for the exact clone/exit/wait semantics.
package task

import (
	"sync"
	"sync/atomic"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/fd"
	"github.com/lattice-os/kernel/internal/futex"
	"github.com/lattice-os/kernel/internal/sig"
	"github.com/lattice-os/kernel/internal/vfs"
	"github.com/lattice-os/kernel/internal/vfs/procfs"
	"github.com/lattice-os/kernel/internal/vmm"
	"github.com/lattice-os/kernel/pkg/machine"
)

// idCounter is shared by pid and tid allocation: Linux draws both from
// one numbering space (a process leader's tid equals its pid), so
// keeping one counter here avoids a pid and an unrelated thread's tid
// ever colliding if compared naively.
var idCounter int64

func allocPid() defs.Pid_t { return defs.Pid_t(atomic.AddInt64(&idCounter, 1)) }
func allocTid() defs.Tid_t { return defs.Tid_t(atomic.AddInt64(&idCounter, 1)) }

// PCB is the process control block shared by every thread of one
// process (spec.md §3).
type PCB struct {
	mu sync.Mutex

	Pid    defs.Pid_t
	Cmd    string
	parent *PCB
	children map[defs.Pid_t]*PCB

	threads map[defs.Tid_t]*UserTask // weak in spirit; Go's GC breaks the cycle for us

	Fds     *fd.Table
	Memset  *vmm.MemSet
	PT      PageTableOwner
	Cwd     *vfs.Dentry
	SigActs *sig.Table
	Futexes *futex.Table
	Tms     *TMS
	Brk     uint64 // current heap-top VA, set by exec and grown by brk(2)

	exitCode   *int
	exitSignal sig.Num

	refcount int32 // live threads; process fully exits at 0
}

// PageTableOwner is the slice of *pagetable.Table the PCB holds;
// internal/pagetable.Table satisfies it as-is, and exec and exit
// assert back to *pagetable.Table where they need the full table.
type PageTableOwner interface {
	Change()
	Root() uintptr
}

// TCB is one thread's control block (spec.md §3).
type TCB struct {
	Tid           defs.Tid_t
	IsLeader      bool
	TrapFrame     machine.TrapFrame
	Pending       *sig.Pending
	ClearChildTid uintptr
	exitCode      *int

	sigStack []sigFrame // per-thread trampoline stack, spec.md §4.8 step 4
}

// sigFrame is one pending signal-handler invocation's saved state.
type sigFrame struct {
	ctx   *sig.SignalUserContext
	saved sig.SavedFrame
}

// Exited reports whether this thread has recorded an exit code
// (internal/entry's user-entry loop polls this after Exit/signal
// default-termination).
func (t *TCB) Exited() bool { return t.exitCode != nil }

// PushSignalFrame records a freshly built trampoline's saved state so
// a later sigreturn can unwind it (spec.md §4.8 step 4's "push
// (saved_sp, old_mask)").
func (t *TCB) PushSignalFrame(ctx *sig.SignalUserContext, saved sig.SavedFrame) {
	t.sigStack = append(t.sigStack, sigFrame{ctx: ctx, saved: saved})
}

// PopSignalFrame pops the most recently built trampoline's saved
// state, for rt_sigreturn (spec.md §4.8 step 5).
func (t *TCB) PopSignalFrame() (*sig.SignalUserContext, sig.SavedFrame, bool) {
	if len(t.sigStack) == 0 {
		return nil, sig.SavedFrame{}, false
	}
	last := t.sigStack[len(t.sigStack)-1]
	t.sigStack = t.sigStack[:len(t.sigStack)-1]
	return last.ctx, last.saved, true
}

// UserTask couples a TCB to the PCB it belongs to; it is the unit the
// scheduler (internal/sched) schedules (spec.md C10's AsyncTask).
type UserTask struct {
	Tcb *TCB
	Pcb *PCB
}

// TaskID satisfies sched.Task.
func (u *UserTask) TaskID() defs.Tid_t { return u.Tcb.Tid }

// BeforeRun satisfies sched.Task: install this task's page table as
// current (spec.md C10's "before_run ... installs the task's page
// table as current").
func (u *UserTask) BeforeRun() { u.Pcb.PT.Change() }

// New constructs the first UserTask of a brand-new process (spec.md
// C7 "UserTask::new(parent, cwd)"): allocates a PCB, empties it, and
// installs one weak self-ref in pcb.threads. newFrame supplies the
// thread's initial zeroed trap frame (Exec fills in PC/SP once the
// binary is loaded; Clone copies it for a child).
func New(parent *PCB, cwd *vfs.Dentry, pt PageTableOwner, newFrame func() machine.TrapFrame, highWater int, rlimitNofile int) *UserTask {
	pcb := &PCB{
		Pid:      allocPid(),
		parent:   parent,
		children: map[defs.Pid_t]*PCB{},
		threads:  map[defs.Tid_t]*UserTask{},
		Fds:      fd.NewTable(rlimitNofile),
		Memset:   vmm.NewMemSet(),
		PT:       pt,
		Cwd:      cwd,
		SigActs:  sig.NewTable(),
		Futexes:  futex.NewTable(),
		Tms:      &TMS{},
		refcount: 1,
	}
	if parent != nil {
		parent.mu.Lock()
		parent.children[pcb.Pid] = pcb
		parent.mu.Unlock()
	}

	tcb := &TCB{Tid: defs.Tid_t(pcb.Pid), IsLeader: true, TrapFrame: newFrame(), Pending: sig.NewPending()}
	ut := &UserTask{Tcb: tcb, Pcb: pcb}
	pcb.threads[tcb.Tid] = ut
	return ut
}

// Tasks implements procfs.Source, letting internal/vfs/procfs render
// every live task without importing this package directly.
type Registry struct {
	mu  sync.Mutex
	all map[defs.Tid_t]*UserTask
}

func NewRegistry() *Registry { return &Registry{all: map[defs.Tid_t]*UserTask{}} }

func (r *Registry) Add(u *UserTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[u.Tcb.Tid] = u
}

func (r *Registry) Remove(tid defs.Tid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.all, tid)
}

func (r *Registry) Tasks() []procfs.TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]procfs.TaskInfo, 0, len(r.all))
	for _, u := range r.all {
		state := "running"
		if u.Tcb.exitCode != nil {
			state = "zombie"
		}
		ut, st, _, _ := u.Pcb.Tms.Snapshot()
		var fds []int
		u.Pcb.Fds.Each(func(fdnum int, _ *fd.FileItem) { fds = append(fds, fdnum) })
		out = append(out, procfs.TaskInfo{
			Pid: u.Pcb.Pid, Tid: u.Tcb.Tid, State: state, Cmd: u.Pcb.Cmd,
			UTimeSec: ut / 1e9, STimeSec: st / 1e9, OpenFds: fds,
		})
	}
	return out
}
