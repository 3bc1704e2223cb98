// Package entry implements the user-entry loop (spec.md C12): for one
// user task, deliver pending signals, run until the next trap,
// classify the trap, and dispatch it to the syscall table (C11), the
// page-fault resolver (C13), or the signal subsystem (C8), yielding
// back to internal/sched's executor periodically so the run-queue
// stays cooperative (spec.md §5's "no kernel preemption").
package entry

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/klog"
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagefault"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sched"
	"github.com/lattice-os/kernel/internal/sig"
	"github.com/lattice-os/kernel/internal/syscall"
	"github.com/lattice-os/kernel/internal/task"
	"github.com/lattice-os/kernel/pkg/machine"
)

// defaultYieldEvery matches spec.md §4.12's "every ~50 iterations:
// yield_now()"; internal/config.Config.YieldEvery overrides it via
// Loop.YieldEvery.
const defaultYieldEvery = 50

// sigCtxReserve is how much user-stack space the trampoline reserves
// below the interrupted SP for the handler's SignalUserContext
// (spec.md §4.8 step 4: "allocate a SignalUserContext on the user
// stack"). The context itself is kept kernel-side on the TCB's signal
// stack (internal/task.TCB.PushSignalFrame) rather than serialized
// into that reserved region, since this kernel's fake machine layer
// never decodes real memory-mapped signal frames the way a real libc
// restorer would — only the reserved address matters here.
const sigCtxReserve = 256

// Loop wires one machine backend to the rest of the kernel, owning
// the shared state (frame allocator, page-table constructor,
// scheduler, task registry) needed to spawn freshly cloned tasks back
// onto the run-queue without internal/syscall importing internal/sched
// or internal/task's registry directly.
type Loop struct {
	Mach     machine.Machine
	Alloc    *mem.Allocator
	NewPT    func() *pagetable.Table
	Executor *sched.Executor
	Registry *task.Registry

	// YieldEvery overrides defaultYieldEvery when non-zero (wired from
	// internal/config.Config.YieldEvery by cmd/kernel).
	YieldEvery int
}

func (l *Loop) yieldEvery() int {
	if l.YieldEvery > 0 {
		return l.YieldEvery
	}
	return defaultYieldEvery
}

// Spawn installs u onto the executor as a polled future (spec.md
// C10's "(task, future)" pair) and registers it so procfs and other
// introspection can find it. The future's syscall Context wires
// OnSpawn back to Spawn itself, so clone/fork children recurse onto
// the same run-queue without any global state.
func (l *Loop) Spawn(u *task.UserTask) {
	l.Registry.Add(u)

	ctx := &syscall.Context{
		Task:  u,
		Alloc: l.Alloc,
		NewPT: l.NewPT,
	}
	if pt, ok := u.Pcb.PT.(*pagetable.Table); ok {
		ctx.Mem = &syscall.UserMem{PT: pt, Alloc: l.Alloc}
	}
	ctx.OnSpawn = l.Spawn

	l.Executor.Spawn(u, &taskFuture{loop: l, u: u, ctx: ctx})
}

// taskFuture adapts one user task into a sched.Future: each Poll call
// runs the task through one or more traps, re-syncing its syscall
// Context's page table if exec(2) installed a new one, until it
// blocks, exits, or has taken yieldEvery trips through the loop.
type taskFuture struct {
	loop *Loop
	u    *task.UserTask
	ctx  *syscall.Context
	iter int
}

func (f *taskFuture) Poll() sched.Status {
	for {
		if f.u.Tcb.Exited() {
			f.loop.Registry.Remove(f.u.Tcb.Tid)
			return sched.Ready
		}

		// A prior trap started a futex wait, a wait4, a blocking
		// read/write, or a poll/select/epoll_wait still short of its
		// deadline (internal/syscall.Context.Suspend). Poll it instead
		// of re-entering user code: this is what lets a task that would
		// otherwise block give up its turn without parking the one
		// goroutine driving internal/sched's executor (spec.md
		// §4.9/§4.7/§4.11/§5).
		if f.ctx.Suspend != nil {
			ret, err, done := f.ctx.Suspend.Ready()
			if !done {
				return sched.Pending
			}
			f.ctx.Suspend = nil
			tf := f.u.Tcb.TrapFrame
			if err != 0 {
				tf.Set(machine.RET, uint64(-int64(err)))
			} else {
				tf.Set(machine.RET, ret)
			}
			f.iter++
			if f.iter >= f.loop.yieldEvery() {
				f.iter = 0
				return sched.Pending
			}
			continue
		}

		f.deliverSignals()
		if f.u.Tcb.Exited() {
			f.loop.Registry.Remove(f.u.Tcb.Tid)
			return sched.Ready
		}
		f.syncPageTable()

		runStart := time.Now()
		reason := f.loop.Mach.RunUserTask(f.u.Tcb.TrapFrame)
		f.u.Pcb.Tms.Utadd(time.Since(runStart).Nanoseconds())

		trapStart := time.Now()
		forceYield := f.handleEscape(reason)
		f.u.Pcb.Tms.Systadd(time.Since(trapStart).Nanoseconds())

		f.iter++
		if forceYield || f.iter >= f.loop.yieldEvery() {
			f.iter = 0
			return sched.Pending
		}
	}
}

// syncPageTable is a fallback for ctx.Mem's page-table reference:
// internal/task.Exec already rebinds the live UserMem onto its new
// page table via StackWriter.Rebind, so this is normally a no-op, but
// it keeps Context.Mem correct even if ctx.Mem was ever nil (a task
// spawned before its page table settled).
func (f *taskFuture) syncPageTable() {
	pt, ok := f.u.Pcb.PT.(*pagetable.Table)
	if !ok || (f.ctx.Mem != nil && f.ctx.Mem.PT == pt) {
		return
	}
	f.ctx.Mem = &syscall.UserMem{PT: pt, Alloc: f.loop.Alloc}
}

// handleEscape implements spec.md §4.12's trap classification. It
// returns true for the cases that should force an immediate
// yield_now rather than waiting for the ~50-iteration counter
// (TIMER, per the loop pseudocode).
func (f *taskFuture) handleEscape(reason machine.EscapeReason) bool {
	switch reason.Kind {
	case machine.EscapeSyscall:
		f.dispatchSyscall()
	case machine.EscapePageFault:
		f.resolveFault(reason)
	case machine.EscapeIllegal:
		f.u.Tcb.Pending.Raise(sig.SIGILL)
	case machine.EscapeBreakpoint:
		f.u.Tcb.Pending.Raise(sig.SIGTRAP)
	case machine.EscapeTimer:
		return true
	case machine.EscapeInterrupt:
		klog.Debugf("entry: unhandled IRQ escape for tid %d", f.u.Tcb.Tid)
	}
	return false
}

// dispatchSyscall reads the syscall number and six argument slots out
// of the trap frame, special-cases rt_sigreturn (whose trampoline
// unwind happens here rather than in internal/syscall, since only
// this package holds the per-thread signal-frame stack), and
// otherwise hands off to internal/syscall.Dispatch. If the call
// suspended (f.ctx.Suspend set), the trap frame's return register is
// left untouched: Poll's suspension branch writes it once the
// operation actually completes.
func (f *taskFuture) dispatchSyscall() {
	tf := f.u.Tcb.TrapFrame
	num := tf.Get(machine.SYSCALL_NR)

	if num == uint64(unix.SYS_RT_SIGRETURN) {
		f.doSigreturn()
		return
	}

	ret, err := syscall.Dispatch(f.ctx, num,
		tf.Get(machine.ARG0), tf.Get(machine.ARG1), tf.Get(machine.ARG2),
		tf.Get(machine.ARG3), tf.Get(machine.ARG4), tf.Get(machine.ARG5))
	if f.ctx.Suspend != nil {
		return
	}
	if err != 0 {
		tf.Set(machine.RET, uint64(-int64(err)))
		return
	}
	tf.Set(machine.RET, ret)
}

// doSigreturn implements spec.md §4.8 step 5: pop the saved trampoline
// frame and restore the interrupted registers, PC, and sigmask.
func (f *taskFuture) doSigreturn() {
	tf := f.u.Tcb.TrapFrame
	ctx, saved, ok := f.u.Tcb.PopSignalFrame()
	if !ok {
		tf.Set(machine.RET, uint64(-int64(defs.EINVAL)))
		return
	}
	sig.Sigreturn(tf, ctx, saved, f.u.Tcb.Pending)
}

// resolveFault hands a page-fault escape to internal/pagefault,
// raising SIGSEGV itself if the task's page table isn't the concrete
// type the resolver needs (spec.md C13 step 1's "no area contains it").
func (f *taskFuture) resolveFault(reason machine.EscapeReason) {
	pt, ok := f.u.Pcb.PT.(*pagetable.Table)
	if !ok {
		f.u.Tcb.Pending.Raise(sig.SIGSEGV)
		return
	}
	pagefault.Resolve(f.loop.Alloc, f.u.Pcb.Memset, pt, mem.VirtAddr(reason.Addr), reason.Fault, f.u.Tcb.Pending)
}

// deliverSignals implements spec.md §4.8's delivery path, checked on
// every user-entry re-loop: pop the lowest deliverable signal, drop it
// if ignored, apply the default action if SIG_DFL (terminating the
// task for SEGV/ILL/CANCEL), or build a trampoline and return so the
// next run_user_task enters the handler.
func (f *taskFuture) deliverSignals() {
	pending := f.u.Tcb.Pending
	for {
		n, ok := pending.PopLowest()
		if !ok {
			return
		}

		act := f.u.Pcb.SigActs.Get(n)
		switch act.Handler {
		case sig.SIG_IGN:
			continue
		case sig.SIG_DFL:
			if sig.IsTermDefault(n) {
				noop := func(uintptr) defs.Err_t { return 0 }
				task.Exit(f.u, sig.ExitCodeFor(n), noop)
				return
			}
			continue
		default:
			f.buildTrampoline(n, act)
			return
		}
	}
}

// buildTrampoline reserves trampoline space below the current user
// stack pointer and redirects the trap frame into the handler (spec.md
// §4.8 step 4).
func (f *taskFuture) buildTrampoline(n sig.Num, act sig.SigAction) {
	tf := f.u.Tcb.TrapFrame
	ctxAddr := (tf.Get(machine.SP) - sigCtxReserve) &^ 0xf

	ctx := &sig.SignalUserContext{}
	saved := sig.BuildTrampoline(tf, ctxAddr, ctx, n, act, f.u.Tcb.Pending)
	f.u.Tcb.PushSignalFrame(ctx, saved)
}
