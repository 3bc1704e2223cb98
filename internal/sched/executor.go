// Package sched implements the single-hart cooperative executor of
// spec.md C10. It is grounded on ByteOS's
// modules/executor/src/executor.rs (Executor.run/run_ready_task,
// TASK_QUEUE, Waker{task_id}), translated from Rust's Future/Waker
// machinery into a Go-shaped poll-once interface since this module
// has no async/await: every "future" here is a small state machine a
// syscall handler drives forward one Poll() call per scheduler turn.
package sched

import (
	"container/list"
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lattice-os/kernel/internal/defs"
)

// Status is a future's poll result.
type Status int

const (
	Pending Status = iota
	Ready
)

// Future is one suspended operation a task is waiting on. Poll is
// called at most once per scheduler turn; returning Pending re-queues
// the owning task for a later turn, matching ByteOS's
// Future::poll/Poll::Pending contract.
type Future interface {
	Poll() Status
}

// FuncFuture adapts a plain function into a Future, the common case
// of "poll this predicate/operation once".
type FuncFuture func() Status

func (f FuncFuture) Poll() Status { return f() }

// Task is the unit the executor schedules (ByteOS's AsyncTask trait).
// BeforeRun installs whatever per-task state must be current before
// its future is polled (spec.md's "installs the task's page table as
// current").
type Task interface {
	TaskID() defs.Tid_t
	BeforeRun()
}

type entry struct {
	task   Task
	future Future
}

// Executor is the single run-queue scheduler (spec.md C10). All
// methods are safe to call from multiple goroutines only insofar as
// Spawn/WakeTask are; Run itself assumes a single caller, matching
// the "single hart" model — a real multi-hart port would need
// per-hart queues, which spec.md §5 explicitly defers.
type Executor struct {
	mu    sync.Mutex
	queue *list.List // of *entry

	// inflight is a golang.org/x/sync/semaphore that runReadyTask
	// acquires and releases around each re-queue of a Pending future.
	// With Run's single caller at most one unit is ever held, so it
	// does not limit how many futures the queue carries.
	inflight *semaphore.Weighted

	onEmpty func() // called when the queue drains, e.g. to halt (wfi)
}

// NewExecutor constructs an executor whose inflight semaphore has
// weight maxInflight. The run-queue itself is not bounded.
func NewExecutor(maxInflight int64) *Executor {
	return &Executor{queue: list.New(), inflight: semaphore.NewWeighted(maxInflight)}
}

// OnEmpty installs a callback Run invokes whenever the queue drains
// (spec.md's "hlt_if_idle" / pkg/machine's Idle()).
func (e *Executor) OnEmpty(f func()) { e.onEmpty = f }

// Spawn enqueues a new (task, future) pair.
func (e *Executor) Spawn(task Task, future Future) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue.PushBack(&entry{task: task, future: future})
}

// Len reports the number of runnable (task, future) pairs.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// Run drains the run-queue, polling each future once per turn
// (spec.md C10's run/run_ready_task). It returns once the queue is
// empty; callers (cmd/kernel, or a test) re-invoke it as new tasks
// are spawned.
func (e *Executor) Run() {
	for {
		if !e.runReadyTask() {
			if e.onEmpty != nil {
				e.onEmpty()
			}
			return
		}
	}
}

func (e *Executor) runReadyTask() bool {
	e.mu.Lock()
	front := e.queue.Front()
	if front == nil {
		e.mu.Unlock()
		return false
	}
	e.queue.Remove(front)
	e.mu.Unlock()

	ent := front.Value.(*entry)
	ent.task.BeforeRun()

	if ent.future.Poll() == Ready {
		return true
	}

	_ = e.inflight.Acquire(context.Background(), 1)
	e.mu.Lock()
	e.queue.PushBack(ent)
	e.mu.Unlock()
	e.inflight.Release(1)
	return true
}

// YieldNow implements spec.md's yield_now(): re-queue the current
// task behind everything else currently runnable. Since this executor
// has no true coroutine stack to suspend mid-function, callers
// express "yield here" by returning Pending from their Future for one
// turn; YieldNow is the Future that does exactly that once.
func YieldNow() Future {
	done := false
	return FuncFuture(func() Status {
		if done {
			return Ready
		}
		done = true
		return Pending
	})
}
