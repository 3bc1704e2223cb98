// Package sig implements the signal subsystem of spec.md C8: a
// per-thread pending mask plus real-time queue counters, and a
// per-process SigAction table. It is grounded on ByteOS's
// kernel/src/tasks/user/signal.rs delivery path (handle_signal) and
// modules/signal/src/lib.rs's SignalFlags/SigAction/SigProcMask
// layout, translated from bitflags! and repr(C) structs into plain Go
// constants and structs.
package sig

import "sync"

// Num identifies one of the 64 standard signal numbers (1-based, 0
// unused, matching POSIX numbering).
type Num int

const (
	SIGHUP  Num = 1
	SIGINT  Num = 2
	SIGQUIT Num = 3
	SIGILL  Num = 4
	SIGTRAP Num = 5
	SIGABRT Num = 6
	SIGBUS  Num = 7
	SIGFPE  Num = 8
	SIGKILL Num = 9
	SIGUSR1 Num = 10
	SIGSEGV Num = 11
	SIGUSR2 Num = 12
	SIGPIPE Num = 13
	SIGALRM Num = 14
	SIGTERM Num = 15
	SIGCHLD Num = 17
	SIGCONT Num = 18
	SIGSTOP Num = 19
	SIGTSTP Num = 20

	// SIGCANCEL is not a POSIX signal number; it mirrors ByteOS's
	// internal thread-cancellation signal (SignalFlags::SIGCANCEL in
	// the original), reusing an otherwise-unassigned realtime slot so
	// pthread_cancel-style delivery can share this package's pending
	// mask instead of a side channel.
	SIGCANCEL Num = 33

	NSIG = 64
)

// Disposition constants, the userland void(*)(int) sentinel values.
const (
	SIG_DFL uintptr = 0
	SIG_IGN uintptr = 1
)

// SigProcMask is a 64-bit signal mask (modules/signal's SigProcMask,
// generalized from usize to an explicit 64-bit type since this
// kernel's ABI always targets 64-bit tasks).
type SigProcMask uint64

// How selects rt_sigprocmask's combine operation.
type How int

const (
	SIG_BLOCK How = iota
	SIG_UNBLOCK
	SIG_SETMASK
)

// Apply combines m into the receiver per how, matching
// SigProcMask::handle in the original.
func (m *SigProcMask) Apply(how How, other SigProcMask) {
	switch how {
	case SIG_BLOCK:
		*m |= other
	case SIG_UNBLOCK:
		*m &^= other
	case SIG_SETMASK:
		*m = other
	}
}

func bit(n Num) SigProcMask { return 1 << SigProcMask(n-1) }

// Bit returns the mask bit for signal n, exported so callers building
// sigprocmask arguments don't need to hand-compute 1<<(n-1).
func Bit(n Num) SigProcMask { return bit(n) }

// SigAction mirrors musl's riscv sigaction layout the original pins
// its wire format to (handler/flags/restorer/mask).
type SigAction struct {
	Handler  uintptr
	Flags    uint64
	Restorer uintptr
	Mask     SigProcMask
}

// Table is the process-wide SigAction registry, one slot per signal
// number 0..64 (spec.md: "65-entry SigAction table").
type Table struct {
	mu      sync.Mutex
	actions [NSIG + 1]SigAction
}

func NewTable() *Table { return &Table{} }

func (t *Table) Get(n Num) SigAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actions[n]
}

func (t *Table) Set(n Num, a SigAction) SigAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.actions[n]
	t.actions[n] = a
	return old
}

// Pending is one thread's pending-signal state (spec.md C8): a 64-bit
// mask plus per-realtime-signal queue counters.
type Pending struct {
	mu      sync.Mutex
	pending SigProcMask
	sigmask SigProcMask
	rtqueue [NSIG + 1]int // queued_count per signal, realtime signals only in practice
}

func NewPending() *Pending { return &Pending{} }

// Raise sets n's bit in the pending mask (kill/tkill/tgkill, spec.md
// §4.11).
func (p *Pending) Raise(n Num) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending |= bit(n)
}

// RaiseQueued increments n's realtime queue counter and sets its
// pending bit, for sigqueue-style delivery.
func (p *Pending) RaiseQueued(n Num) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtqueue[n]++
	p.pending |= bit(n)
}

// SigMask returns the current blocked-signal mask.
func (p *Pending) SigMask() SigProcMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sigmask
}

// SetSigMask installs a new blocked-signal mask, returning the old
// one (rt_sigprocmask).
func (p *Pending) SetSigMask(m SigProcMask) SigProcMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.sigmask
	p.sigmask = m
	return old
}

// Deliverable computes pending & !sigmask (spec.md §4.8 step 1).
func (p *Pending) Deliverable() SigProcMask {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending &^ p.sigmask
}

// PopLowest pops the lowest-numbered deliverable signal, decrementing
// its realtime queue counter and re-adding it to pending if more are
// queued (spec.md §4.8's "Real-time queue" rule), matching step 3's
// "pop one signal (lowest number first)".
func (p *Pending) PopLowest() (Num, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	deliverable := p.pending &^ p.sigmask
	if deliverable == 0 {
		return 0, false
	}
	for n := Num(1); n <= NSIG; n++ {
		if deliverable&bit(n) == 0 {
			continue
		}
		p.pending &^= bit(n)
		if p.rtqueue[n] > 0 {
			p.rtqueue[n]--
			if p.rtqueue[n] > 0 {
				p.pending |= bit(n)
			}
		}
		return n, true
	}
	return 0, false
}

// SavedFrame is the (saved_sp, old_mask) pair pushed onto a thread's
// per-thread signal stack before entering a handler, so sigreturn can
// pop it back (spec.md §4.8 step 4-5).
type SavedFrame struct {
	SavedSP uintptr
	OldMask SigProcMask
}

// IsTermDefault reports whether n's SIG_DFL action is "terminate with
// 128+n" rather than "ignore", per spec.md step 3 ("SEGV/ILL/CANCEL").
func IsTermDefault(n Num) bool {
	switch n {
	case SIGSEGV, SIGILL, SIGCANCEL:
		return true
	default:
		return false
	}
}

// ExitCodeFor computes the 128+signum default-termination exit code.
func ExitCodeFor(n Num) int { return 128 + int(n) }
