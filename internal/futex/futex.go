// Package futex implements the per-process futex wait-queue table of
// spec.md C9. It is grounded on the teacher's accnt package's style of
// small, mutex-guarded registries (no futex package exists in biscuit
// itself — process-wide waiting there goes through condvars — so this
// is new code written in that idiom), keyed on virtual address the
// way Linux's futex(2) is.
package futex

import (
	"sync"
	"sync/atomic"

	"github.com/lattice-os/kernel/internal/defs"
)

// Waiter is one parked WAIT call's handle. woken is flipped exactly
// once, by Wake/Requeue, and is safe to poll from any goroutine
// without taking Table's lock. Unlike the teacher's condvars, nothing
// here ever blocks a goroutine: a futex wait is a suspension point
// internal/syscall polls across scheduler turns (spec.md C9/C10), not
// a call that parks the one goroutine driving internal/sched's
// executor.
type Waiter struct {
	tid   defs.Tid_t
	woken atomic.Bool
}

// Woken reports whether a WAKE/REQUEUE has claimed this waiter yet.
func (w *Waiter) Woken() bool { return w.woken.Load() }

// Table is one process's futex registry: uaddr -> queue of waiters,
// FIFO per spec.md §5 "waiters woken from the same queue are woken in
// FIFO order".
type Table struct {
	mu     sync.Mutex
	queues map[uintptr][]*Waiter
}

// NewTable constructs an empty futex table, one per process (spec.md
// C9: "Per-process FutexTable").
func NewTable() *Table {
	return &Table{queues: map[uintptr][]*Waiter{}}
}

// Load reads *uaddr as a uint32, the comparison WAIT needs to decide
// whether to actually park.
type Load func() uint32

// Enqueue parks tid on uaddr's queue iff load() == val, matching
// spec.md's "iff *uaddr == val" check-then-sleep atomicity contract
// (the caller holds whatever lock makes that check race-free against
// a concurrent WAKE's precondition). It never blocks: the returned
// Waiter's Woken() is polled by the caller once per scheduler turn
// until a WAKE claims it or its own deadline (tracked by the caller,
// not this table) elapses, in which case the caller removes it again
// via Cancel.
func (t *Table) Enqueue(uaddr uintptr, val uint32, load Load, tid defs.Tid_t) (*Waiter, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if load() != val {
		return nil, defs.EAGAIN
	}
	w := &Waiter{tid: tid}
	t.queues[uaddr] = append(t.queues[uaddr], w)
	return w, 0
}

// Cancel removes w from uaddr's queue, used when a timed WAIT's
// deadline passes before a WAKE claims it. A no-op if w was already
// woken and drained from the queue.
func (t *Table) Cancel(uaddr uintptr, w *Waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[uaddr]
	for i, cand := range q {
		if cand == w {
			t.queues[uaddr] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Wake drains up to n waiters from uaddr's queue and wakes them,
// returning the count actually woken (spec.md C9).
func (t *Table) Wake(uaddr uintptr, n int) int {
	t.mu.Lock()
	q := t.queues[uaddr]
	woke := n
	if woke > len(q) {
		woke = len(q)
	}
	towake := q[:woke]
	t.queues[uaddr] = q[woke:]
	if len(t.queues[uaddr]) == 0 {
		delete(t.queues, uaddr)
	}
	t.mu.Unlock()

	for _, w := range towake {
		w.woken.Store(true)
	}
	return woke
}

// Requeue wakes n waiters on uaddr, then moves up to m of the
// remaining waiters to uaddr2's queue without waking them (spec.md
// C9), the classic futex_requeue optimization for condvar-style
// broadcasts.
func (t *Table) Requeue(uaddr uintptr, n int, uaddr2 uintptr, m int) int {
	woken := t.Wake(uaddr, n)

	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[uaddr]
	moved := m
	if moved > len(q) {
		moved = len(q)
	}
	t.queues[uaddr2] = append(t.queues[uaddr2], q[:moved]...)
	t.queues[uaddr] = q[moved:]
	if len(t.queues[uaddr]) == 0 {
		delete(t.queues, uaddr)
	}
	return woken
}

// WakeChildTid implements the WAKE(ctid, 1) thread-exit calls for
// (spec.md C7 "Exit": "futex-wakes that address").
func (t *Table) WakeChildTid(uaddr uintptr) {
	t.Wake(uaddr, 1)
}
