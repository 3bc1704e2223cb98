package ioobj

import (
	"sync"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/vfs"
)

// EpollEvent mirrors struct epoll_event's fields this kernel cares
// about.
type EpollEvent struct {
	Events vfs.PollEvent
	Data   uint64
}

const (
	EPOLL_CTL_ADD = 1
	EPOLL_CTL_DEL = 2
	EPOLL_CTL_MOD = 3

	EPOLLET vfs.PollEvent = 1 << 31
)

// watched pairs a registered fd's inode (for polling) with its
// EpollEvent registration.
type watched struct {
	inode vfs.Inode
	ev    EpollEvent
}

// Epoll is one epoll instance (spec.md C5): a map fd -> EpollEvent,
// accepted. EPOLLET is accepted in the mask but Wait always evaluates
// level-triggered readiness, matching spec.md's "level-triggered
// behavior is acceptable" allowance.
type Epoll struct {
	vfs.BaseInode

	mu   sync.Mutex
	fds  map[int]*watched
}

// NewEpoll constructs an empty epoll instance.
func NewEpoll() *Epoll {
	return &Epoll{fds: map[int]*watched{}}
}

func (e *Epoll) Type() vfs.FileType { return vfs.TypeRegular }

// Ctl adds, modifies, or removes a watch.
func (e *Epoll) Ctl(op int, fdnum int, inode vfs.Inode, ev EpollEvent) defs.Err_t {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch op {
	case EPOLL_CTL_ADD:
		if _, ok := e.fds[fdnum]; ok {
			return defs.EEXIST
		}
		e.fds[fdnum] = &watched{inode: inode, ev: ev}
	case EPOLL_CTL_MOD:
		w, ok := e.fds[fdnum]
		if !ok {
			return defs.ENOENT
		}
		w.ev = ev
	case EPOLL_CTL_DEL:
		if _, ok := e.fds[fdnum]; !ok {
			return defs.ENOENT
		}
		delete(e.fds, fdnum)
	default:
		return defs.EINVAL
	}
	return 0
}

// ReadyEntry is one ready (fd, event) pair returned by Ready.
type ReadyEntry struct {
	Fd int
	Ev EpollEvent
}

// Ready polls every registered fd once and returns the subset whose
// inode reports any bit of its registered mask; internal/syscall's
// epoll_wait loop calls this repeatedly until it has results or a
// deadline passes (spec.md §4.11's ppoll/pselect/epoll_wait
// "async wait-loops").
func (e *Epoll) Ready() []ReadyEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ReadyEntry
	for fdnum, w := range e.fds {
		mask := w.ev.Events &^ EPOLLET
		got := w.inode.Poll(mask)
		if got != 0 {
			out = append(out, ReadyEntry{Fd: fdnum, Ev: EpollEvent{Events: got, Data: w.ev.Data}})
		}
	}
	return out
}
