package task

import (
	"sync"
	"sync/atomic"
	"time"
)

// TMS accumulates per-process time accounting (spec.md C7 "Time
// accounting"). It is adapted directly from the teacher's
// accnt.Accnt_t: same nanosecond counters and Utadd/Systadd update
// pattern, renamed onto the POSIX times(2) field names spec.md uses
// (utime/stime/cutime/cstime) and extended with the two child-time
// accumulators the teacher's Accnt_t didn't carry.
type TMS struct {
	mu     sync.Mutex
	Utime  int64 // nanoseconds of user time consumed
	Stime  int64 // nanoseconds of system time consumed
	Cutime int64 // nanoseconds of user time consumed by reaped children
	Cstime int64 // nanoseconds of system time consumed by reaped children
}

// Utadd adds delta nanoseconds to the user-time counter, sampled
// around every run_user_task invocation (spec.md §4.7/§4.12).
func (a *TMS) Utadd(delta int64) {
	atomic.AddInt64(&a.Utime, delta)
}

// Systadd adds delta nanoseconds to the system-time counter, sampled
// for time spent servicing a trap.
func (a *TMS) Systadd(delta int64) {
	atomic.AddInt64(&a.Stime, delta)
}

// Now returns the current time in nanoseconds, the same clock source
// every TMS method times against.
func (a *TMS) Now() int64 { return time.Now().UnixNano() }

// AddChild merges an exited child's TMS into the parent's cutime/cstime
// accumulators; exitProcess calls it when the child's last thread
// exits, before any wait4 reaps it.
func (a *TMS) AddChild(child *TMS) {
	child.mu.Lock()
	ut, st := child.Utime, child.Stime
	cut, cst := child.Cutime, child.Cstime
	child.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.Cutime += ut + cut
	a.Cstime += st + cst
}

// Snapshot returns a consistent copy of all four counters.
func (a *TMS) Snapshot() (utime, stime, cutime, cstime int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Utime, a.Stime, a.Cutime, a.Cstime
}
