package task

import (
	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sig"
)

// Exit implements one thread's exit(2)/exit_group(2) path (spec.md §4.7
// "Exit"): record the thread's exit code, futex-wake clear_child_tid if
// set, and, if this was the last live thread of the process, tear the
// process down and notify its parent.
func Exit(u *UserTask, code int, zeroClearChildTid func(uintptr) defs.Err_t) {
	u.Tcb.exitCode = &code

	if u.Tcb.ClearChildTid != 0 {
		_ = zeroClearChildTid(u.Tcb.ClearChildTid)
		u.Pcb.Futexes.WakeChildTid(u.Tcb.ClearChildTid)
	}

	pcb := u.Pcb
	pcb.mu.Lock()
	pcb.refcount--
	delete(pcb.threads, u.Tcb.Tid)
	last := pcb.refcount == 0
	pcb.mu.Unlock()

	if !last {
		return
	}

	exitProcess(pcb, code, sig.SIGCHLD)
}

// exitProcess tears down a process whose last thread has exited:
// release its address space and fd table, drop its children
// bookkeeping, record its exit status, and signal the parent's leader
// thread (spec.md §4.7).
func exitProcess(pcb *PCB, code int, exitSignal sig.Num) {
	pcb.Fds.CloseAll()
	if pt, ok := pcb.PT.(*pagetable.Table); ok && pcb.Memset != nil {
		pcb.Memset.Clear(pt)
	}
	pcb.Memset = nil

	pcb.mu.Lock()
	pcb.exitCode = &code
	pcb.exitSignal = exitSignal
	pcb.children = map[defs.Pid_t]*PCB{}
	parent := pcb.parent
	pcb.mu.Unlock()

	if parent == nil {
		return
	}

	parent.mu.Lock()
	parent.Tms.AddChild(pcb.Tms)
	for _, th := range parent.threads {
		if th.Tcb.IsLeader {
			th.Tcb.Pending.Raise(exitSignal)
		}
	}
	parent.mu.Unlock()
}

// Wait4Result is the decoded outcome of a wait4(2) call.
type Wait4Result struct {
	Pid      defs.Pid_t
	ExitCode int
	Signal   sig.Num
}

// Wait4Poll implements spec.md §4.7's wait4 as a single non-blocking
// check: scan pcb.children for one matching pid (0 meaning "any") and
// reap it if it's already a zombie. done reports whether the caller
// should stop polling: true for a reaped child, a WNOHANG miss, or
// ECHILD; false means no zombie is ready yet and options didn't ask
// for WNOHANG. internal/syscall's sysWait4 composes repeated calls
// into a sched.Future rather than blocking the goroutine driving
// internal/sched's executor (spec.md C10) the way a real wait4(2)
// blocks its caller's thread.
func Wait4Poll(pcb *PCB, pid defs.Pid_t, options int) (Wait4Result, defs.Err_t, bool) {
	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	if len(pcb.children) == 0 {
		return Wait4Result{}, defs.ECHILD, true
	}

	if child, ok := findZombie(pcb.children, pid); ok {
		delete(pcb.children, child.Pid)
		child.mu.Lock()
		code := 0
		if child.exitCode != nil {
			code = *child.exitCode
		}
		result := Wait4Result{Pid: child.Pid, ExitCode: code, Signal: child.exitSignal}
		child.mu.Unlock()
		return result, 0, true
	}

	if options&defs.WNOHANG != 0 {
		return Wait4Result{}, 0, true
	}

	return Wait4Result{}, 0, false
}

// Wait4 is Wait4Poll's single-shot form, for callers that already know
// the call will resolve without suspending (a direct, non-trap-driven
// fork/exit/wait sequence, as in cmd/kernel's boot demo and this
// package's own tests).
func Wait4(pcb *PCB, pid defs.Pid_t, options int) (Wait4Result, defs.Err_t) {
	res, err, _ := Wait4Poll(pcb, pid, options)
	return res, err
}

func findZombie(children map[defs.Pid_t]*PCB, pid defs.Pid_t) (*PCB, bool) {
	for cpid, c := range children {
		if pid != 0 && cpid != pid {
			continue
		}
		c.mu.Lock()
		zombie := c.exitCode != nil
		c.mu.Unlock()
		if zombie {
			return c, true
		}
	}
	return nil, false
}
