package syscall

import (
	"bytes"
	"debug/elf"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/fd"
	"github.com/lattice-os/kernel/internal/ioobj"
	"github.com/lattice-os/kernel/internal/klog"
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sig"
	"github.com/lattice-os/kernel/internal/task"
	"github.com/lattice-os/kernel/internal/vfs"
	"github.com/lattice-os/kernel/internal/vmm"
)

// Context is the "UserTaskContainer" spec.md C11 describes: the
// per-call handle every syscall method reads the current task through
// instead of a global lookup.
type Context struct {
	Task  *task.UserTask
	Mem   *UserMem
	Alloc *mem.Allocator
	NewPT func() *pagetable.Table // constructs a fresh address space, for fork/clone

	// OnSpawn registers a freshly cloned task with the scheduler and
	// task registry; internal/entry supplies this so this package
	// doesn't need to import sched/task registry wiring directly.
	OnSpawn func(*task.UserTask)

	// Epoll is the single epoll instance available to this task. Real
	// epoll_create1 allocation of multiple independent instances per
	// process is not wired into Table yet, so every epoll_ctl/
	// epoll_wait call shares this one, a documented simplification.
	Epoll *ioobj.Epoll

	// Suspend is set by a Handler that did not complete (a futex WAIT,
	// a wait4 with no zombie yet, a blocking read/write, or a
	// poll/select/epoll_wait family call still short of its deadline)
	// instead of returning a final result. internal/entry polls
	// Suspend.Ready once per scheduler turn rather than re-entering
	// user code, so a task that would otherwise block never parks the
	// single goroutine driving internal/sched's executor (spec.md
	// §4.9/§4.7/§4.11/§5: these are suspension points, composed with a
	// deadline the same way a select-style combinator would, not
	// goroutine-blocking calls).
	Suspend *Suspension
}

// Suspension is a Handler's not-yet-complete result. Ready is safe to
// call repeatedly (once per scheduler turn) until it reports done.
type Suspension struct {
	Ready func() (uint64, defs.Err_t, bool)
}

// pollRetry runs step once inline; if it already completed, it
// returns that result directly so the common (non-blocking) case pays
// no extra cost. Otherwise it installs step as c.Suspend so
// internal/entry retries it on later scheduler turns instead of
// calling this Handler's caller (RunUserTask) again.
func pollRetry(c *Context, step func() (uint64, defs.Err_t, bool)) (uint64, defs.Err_t) {
	if ret, err, done := step(); done {
		return ret, err
	}
	c.Suspend = &Suspension{Ready: step}
	return 0, 0
}

func epollFor(c *Context, _ int) (*ioobj.Epoll, defs.Err_t) {
	if c.Epoll == nil {
		c.Epoll = ioobj.NewEpoll()
	}
	return c.Epoll, 0
}

// Handler is one syscall's implementation: it receives the trap
// frame's six argument slots and returns a value and a positive errno
// (0 on success); internal/entry negates a nonzero errno into the
// return register.
type Handler func(c *Context, a0, a1, a2, a3, a4, a5 uint64) (uint64, defs.Err_t)

// Table maps a numeric syscall id to its handler (spec.md C11: "a
// table maps the numeric syscall id ... to a handler"). Numbers are
// pinned to golang.org/x/sys/unix's linux/amd64 values.
var Table = map[uint64]Handler{
	uint64(unix.SYS_READ):           sysRead,
	uint64(unix.SYS_WRITE):          sysWrite,
	uint64(unix.SYS_CLOSE):          sysClose,
	uint64(unix.SYS_OPENAT):         sysOpenat,
	uint64(unix.SYS_MMAP):           sysMmap,
	uint64(unix.SYS_BRK):            sysBrk,
	uint64(unix.SYS_CLONE):          sysClone,
	uint64(unix.SYS_FORK):           sysFork,
	uint64(unix.SYS_EXECVE):         sysExecve,
	uint64(unix.SYS_WAIT4):          sysWait4,
	uint64(unix.SYS_EXIT):           sysExit,
	uint64(unix.SYS_EXIT_GROUP):     sysExitGroup,
	uint64(unix.SYS_FUTEX):          sysFutex,
	uint64(unix.SYS_KILL):           sysKill,
	uint64(unix.SYS_TKILL):          sysTkill,
	uint64(unix.SYS_TGKILL):         sysTgkill,
	uint64(unix.SYS_RT_SIGACTION):   sysRtSigaction,
	uint64(unix.SYS_RT_SIGPROCMASK): sysRtSigprocmask,
	uint64(unix.SYS_RT_SIGRETURN):   sysRtSigreturn,
	uint64(unix.SYS_PPOLL):          sysPpoll,
	uint64(unix.SYS_PSELECT6):       sysPselect6,
	uint64(unix.SYS_EPOLL_WAIT):     sysEpollWait,
	uint64(unix.SYS_EPOLL_CTL):      sysEpollCtl,
	uint64(unix.SYS_DUP3):           sysDup3,
}

// Dispatch resolves num to a handler and runs it, logging and
// returning ENOSYS for anything the table doesn't carry (spec.md C11:
// "Unknown ids log and return ENOSYS").
func Dispatch(c *Context, num, a0, a1, a2, a3, a4, a5 uint64) (uint64, defs.Err_t) {
	h, ok := Table[num]
	if !ok {
		klog.Warnf("syscall: unknown id %d", num)
		return 0, defs.ENOSYS
	}
	c.Suspend = nil
	return h(c, a0, a1, a2, a3, a4, a5)
}

const atFDCWD = -100

// sysRead implements spec.md §4.4's read contract: if the fd's inode
// reports EWOULDBLOCK and the fd isn't O_NONBLOCK, the read suspends
// (retried each scheduler turn) until a later attempt finds data
// instead of propagating EWOULDBLOCK straight to user code.
func sysRead(c *Context, a0, a1, a2, _, _, _ uint64) (uint64, defs.Err_t) {
	fdnum := int(int32(a0))
	va := uintptr(a1)
	n := int(a2)

	step := func() (uint64, defs.Err_t, bool) {
		item, err := c.Task.Pcb.Fds.Get(fdnum)
		if err != 0 {
			return 0, err, true
		}
		buf := make([]byte, n)
		got, rerr := item.Read(buf)
		if rerr == defs.EWOULDBLOCK && item.Flags&defs.O_NONBLOCK == 0 {
			return 0, 0, false
		}
		if rerr != 0 {
			return 0, rerr, true
		}
		if werr := c.Mem.WriteBytes(va, buf[:got]); werr != 0 {
			return 0, werr, true
		}
		return uint64(got), 0, true
	}
	return pollRetry(c, step)
}

// sysWrite mirrors sysRead's suspension contract on the write side
// (e.g. a pipe write past its high-water mark).
func sysWrite(c *Context, a0, a1, a2, _, _, _ uint64) (uint64, defs.Err_t) {
	fdnum := int(int32(a0))
	n := int(a2)

	buf := make([]byte, n)
	if rerr := c.Mem.ReadBytes(uintptr(a1), buf); rerr != 0 {
		return 0, rerr
	}

	step := func() (uint64, defs.Err_t, bool) {
		item, err := c.Task.Pcb.Fds.Get(fdnum)
		if err != 0 {
			return 0, err, true
		}
		got, werr := item.Write(buf)
		if werr == defs.EWOULDBLOCK && item.Flags&defs.O_NONBLOCK == 0 {
			return 0, 0, false
		}
		if werr != 0 {
			return 0, werr, true
		}
		return uint64(got), 0, true
	}
	return pollRetry(c, step)
}

func sysClose(c *Context, a0, _, _, _, _, _ uint64) (uint64, defs.Err_t) {
	return 0, c.Task.Pcb.Fds.Close(int(int32(a0)))
}

func sysDup3(c *Context, a0, a1, _, _, _, _ uint64) (uint64, defs.Err_t) {
	n, err := c.Task.Pcb.Fds.Dup3(int(int32(a0)), int(int32(a1)))
	return uint64(n), err
}

// sysOpenat implements spec.md C11's openat contract: resolve path
// relative to dirfd's dentry (or the process cwd for AT_FDCWD),
// allocate the lowest-free fd.
func sysOpenat(c *Context, a0, a1, a2, a3, _, _ uint64) (uint64, defs.Err_t) {
	path, err := c.Mem.CString(uintptr(a1), 4096)
	if err != 0 {
		return 0, err
	}
	flags := int(int32(a2))

	start := c.Task.Pcb.Cwd
	if int32(a0) != atFDCWD {
		item, e := c.Task.Pcb.Fds.Get(int(int32(a0)))
		if e != 0 {
			return 0, e
		}
		start = item.Dentry
	}

	d, derr := vfs.DentryOpen(start, path, flags)
	if derr != 0 {
		return 0, derr
	}

	perms := 0
	switch flags & defs.O_ACCMODE {
	case defs.O_RDONLY:
		perms = fd.FD_READ
	case defs.O_WRONLY:
		perms = fd.FD_WRITE
	case defs.O_RDWR:
		perms = fd.FD_READ | fd.FD_WRITE
	}

	fdnum, ferr := c.Task.Pcb.Fds.Install(fd.NewFileItem(d, d.Inode(), flags, perms))
	return uint64(fdnum), ferr
}

// mmap implements spec.md C11's mmap contract: MAP_FIXED pre-clears
// overlaps via sub_area; MAP_SHARED with a backing fd records a
// SharedFile area; anonymous mappings lazily allocate on fault.
func sysMmap(c *Context, a0, a1, a2, a3, a4, a5 uint64) (uint64, defs.Err_t) {
	length := mem.Roundup(int(a1), mem.PGSIZE)
	prot := int(a2)
	flags := int(a3)

	addr := uintptr(a0)
	if addr == 0 {
		addr = uintptr(pickMmapAddr(c.Task.Pcb.Memset, length))
	}
	start := mem.VirtAddr(addr)

	if flags&defs.MAP_FIXED != 0 {
		if pt, ok := c.Task.Pcb.PT.(*pagetable.Table); ok {
			c.Task.Pcb.Memset.SubArea(start, start.Add(length), pt)
		}
	}

	perms := vmm.Perms{Write: prot&defs.PROT_WRITE != 0, Exec: prot&defs.PROT_EXEC != 0}

	var backing *vmm.FileBacking
	var areaType vmm.MType = vmm.Mmap
	if flags&defs.MAP_ANONYMOUS == 0 {
		item, ferr := c.Task.Pcb.Fds.Get(int(int32(a4)))
		if ferr != 0 {
			return 0, ferr
		}
		backing = &vmm.FileBacking{File: item.Inode, Offset: int(a5), Shared: flags&defs.MAP_SHARED != 0}
		if flags&defs.MAP_SHARED != 0 {
			areaType = vmm.SharedFile
		}
	} else if flags&defs.MAP_SHARED != 0 {
		areaType = vmm.Shared
	}

	c.Task.Pcb.Memset.Add(start, length, areaType, perms, backing)
	return uint64(addr), 0
}

// sysBrk implements spec.md's "brk(addr) grows/shrinks the heap memory
// area; returns the new heap top; 0 queries" (line 170). The heap
// area itself is lazily created on first growth and covers pages
// demand-filled on fault, matching every other anonymous area.
func sysBrk(c *Context, a0, _, _, _, _, _ uint64) (uint64, defs.Err_t) {
	pcb := c.Task.Pcb

	if a0 == 0 {
		return pcb.Brk, 0
	}

	newBrk := uint64(mem.Roundup(int(a0), mem.PGSIZE))
	oldBrk := uint64(mem.Roundup(int(pcb.Brk), mem.PGSIZE))

	if newBrk == oldBrk {
		pcb.Brk = a0
		return pcb.Brk, 0
	}

	pt, ok := pcb.PT.(*pagetable.Table)
	if !ok {
		return 0, defs.EINVAL
	}

	if newBrk > oldBrk {
		pcb.Memset.Add(mem.VirtAddr(oldBrk), int(newBrk-oldBrk), vmm.Mmap, vmm.ReadWrite, nil)
	} else {
		pcb.Memset.SubArea(mem.VirtAddr(newBrk), mem.VirtAddr(oldBrk), pt)
	}

	pcb.Brk = a0
	return pcb.Brk, 0
}

func sysClone(c *Context, a0, a1, a2, a3, a4, _ uint64) (uint64, defs.Err_t) {
	args := task.CloneArgs{Flags: a0, Stack: uintptr(a1), PTid: uintptr(a2), CTid: uintptr(a3), TLS: uintptr(a4)}
	child, err := task.Clone(c.Task, args, c.NewPT, c.Mem)
	if err != 0 {
		return 0, err
	}
	if c.OnSpawn != nil {
		c.OnSpawn(child)
	}
	return uint64(child.Tcb.Tid), 0
}

func sysFork(c *Context, _, _, _, _, _, _ uint64) (uint64, defs.Err_t) {
	return sysClone(c, 0, 0, 0, 0, 0, 0)
}

func sysExecve(c *Context, a0, a1, a2, _, _, _ uint64) (uint64, defs.Err_t) {
	path, err := c.Mem.CString(uintptr(a0), 4096)
	if err != 0 {
		return 0, err
	}
	argv, err := readCStringVec(c.Mem, uintptr(a1))
	if err != 0 {
		return 0, err
	}
	envp, err := readCStringVec(c.Mem, uintptr(a2))
	if err != 0 {
		return 0, err
	}
	return 0, resolveAndExec(c, path, argv, envp, 0)
}

// resolveAndExec implements spec.md §4.7's exec_with_process steps
// 1-3: read the file, and recurse with a rewritten argv/path when the
// image is a dynamic binary (PT_INTERP) or not an ELF at all (treated
// as a shebang script run under busybox sh). depth bounds the
// recursion the same way Linux bounds ELF_ET_DYN/interpreter chains.
func resolveAndExec(c *Context, path string, argv, envp []string, depth int) defs.Err_t {
	if depth > 4 {
		return defs.ENOEXEC
	}

	d, derr := vfs.DentryOpen(c.Task.Pcb.Cwd, path, defs.O_RDONLY)
	if derr != 0 {
		return derr
	}
	inode := d.Inode()

	var st vfs.Stat
	if serr := inode.Stat(&st); serr != 0 {
		return serr
	}
	data := make([]byte, st.Size)
	if _, rerr := inode.ReadAt(0, data); rerr != 0 {
		return rerr
	}

	if len(data) < 4 || string(data[:4]) != "\x7fELF" {
		rest := argv
		if len(rest) > 0 {
			rest = rest[1:]
		}
		return resolveAndExec(c, "busybox", append([]string{"busybox", "sh", path}, rest...), envp, depth+1)
	}

	if hasInterp(data) {
		return resolveAndExec(c, "libc.so", append([]string{"libc.so"}, argv...), envp, depth+1)
	}

	return task.Exec(c.Task, c.Alloc, data, argv, envp, c.NewPT, c.Mem)
}

func hasInterp(data []byte) bool {
	ef, ferr := elf.NewFile(bytes.NewReader(data))
	if ferr != nil {
		return false
	}
	for _, p := range ef.Progs {
		if p.Type == elf.PT_INTERP {
			return true
		}
	}
	return false
}

// sysWait4 implements spec.md §4.7's wait4: reap an already-zombie
// child immediately; otherwise, unless WNOHANG is set, suspend (poll
// task.Wait4Poll again each scheduler turn) until a child exits rather
// than blocking the goroutine driving internal/sched's executor.
func sysWait4(c *Context, a0, a1, a2, _, _, _ uint64) (uint64, defs.Err_t) {
	pid := defs.Pid_t(int32(a0))
	options := int(a2)

	step := func() (uint64, defs.Err_t, bool) {
		res, err, done := task.Wait4Poll(c.Task.Pcb, pid, options)
		if !done {
			return 0, 0, false
		}
		if err != 0 {
			return 0, err, true
		}
		if res.Pid == 0 {
			return 0, 0, true // WNOHANG, nothing ready
		}
		if a1 != 0 {
			status := uint32(res.ExitCode&0xff) << 8
			if werr := c.Mem.PutU32(uintptr(a1), status); werr != 0 {
				return 0, werr, true
			}
		}
		return uint64(res.Pid), 0, true
	}
	return pollRetry(c, step)
}

func sysExit(c *Context, a0, _, _, _, _, _ uint64) (uint64, defs.Err_t) {
	zero := func(va uintptr) defs.Err_t { return c.Mem.PutU64(va, 0) }
	task.Exit(c.Task, int(int32(a0)), zero)
	return 0, 0
}

func sysExitGroup(c *Context, a0, a1, a2, a3, a4, a5 uint64) (uint64, defs.Err_t) {
	return sysExit(c, a0, a1, a2, a3, a4, a5)
}

// futex implements spec.md §4.9's op dispatch over internal/futex.
func sysFutex(c *Context, a0, a1, a2, a3, _, _ uint64) (uint64, defs.Err_t) {
	const (
		futexWait    = 0
		futexWake    = 1
		futexRequeue = 3
	)
	uaddr := uintptr(a0)
	op := int(a1) &^ 0x80 // mask off FUTEX_PRIVATE_FLAG
	val := uint32(a2)

	switch op {
	case futexWait:
		var deadline time.Time
		if a3 != 0 {
			ns, terr := c.Mem.GetU64(uintptr(a3))
			if terr != 0 {
				return 0, terr
			}
			deadline = time.Now().Add(time.Duration(ns))
		}
		load := func() uint32 { v, _ := c.Mem.GetU32(uaddr); return v }
		futexes := c.Task.Pcb.Futexes
		w, err := futexes.Enqueue(uaddr, val, load, c.Task.Tcb.Tid)
		if err != 0 {
			return 0, err
		}
		// Polled once per scheduler turn rather than blocking here
		// (spec.md C9/C10): a goroutine-blocking wait would park the
		// single goroutine driving internal/sched's executor, starving
		// the very task that must call WAKE.
		c.Suspend = &Suspension{Ready: func() (uint64, defs.Err_t, bool) {
			if w.Woken() {
				return 0, 0, true
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				futexes.Cancel(uaddr, w)
				return 0, defs.ETIMEDOUT, true
			}
			return 0, 0, false
		}}
		return 0, 0
	case futexWake:
		n := c.Task.Pcb.Futexes.Wake(uaddr, int(val))
		return uint64(n), 0
	case futexRequeue:
		n := c.Task.Pcb.Futexes.Requeue(uaddr, int(val), uintptr(a3), int(a2))
		return uint64(n), 0
	default:
		return 0, defs.EINVAL
	}
}

// sysKill logs the request and returns 0; it raises no signal on any
// task (tkill/tgkill raise on the calling thread).
func sysKill(c *Context, a0, a1, _, _, _, _ uint64) (uint64, defs.Err_t) {
	klog.Debugf("kill(%d, %d)", int32(a0), a1)
	return 0, 0
}

func sysTkill(c *Context, a0, a1, _, _, _, _ uint64) (uint64, defs.Err_t) {
	c.Task.Tcb.Pending.Raise(sig.Num(a1))
	return 0, 0
}

func sysTgkill(c *Context, a0, a1, a2, _, _, _ uint64) (uint64, defs.Err_t) {
	return sysTkill(c, a1, a2, 0, 0, 0, 0)
}

func sysRtSigaction(c *Context, a0, a1, a2, _, _, _ uint64) (uint64, defs.Err_t) {
	n := sig.Num(a0)
	if a2 != 0 {
		old := c.Task.Pcb.SigActs.Get(n)
		handler, err := c.Mem.GetU64(uintptr(a1))
		if err != 0 {
			return 0, err
		}
		c.Task.Pcb.SigActs.Set(n, sig.SigAction{Handler: uintptr(handler)})
		_ = old
	}
	return 0, 0
}

func sysRtSigprocmask(c *Context, a0, a1, a2, _, _, _ uint64) (uint64, defs.Err_t) {
	old := c.Task.Tcb.Pending.SigMask()
	if a1 != 0 {
		how := sig.How(a0)
		raw, err := c.Mem.GetU64(uintptr(a1))
		if err != 0 {
			return 0, err
		}
		mask := old
		mask.Apply(how, sig.SigProcMask(raw))
		c.Task.Tcb.Pending.SetSigMask(mask)
	}
	if a2 != 0 {
		return 0, c.Mem.PutU64(uintptr(a2), uint64(old))
	}
	return 0, 0
}

func sysRtSigreturn(c *Context, _, _, _, _, _, _ uint64) (uint64, defs.Err_t) {
	return 0, 0 // trampoline restoration happens in internal/entry before dispatch sees this
}

// readTimespecDeadline converts a struct timespec pointer (two
// little-endian uint64 fields: tv_sec, tv_nsec) into an absolute
// deadline. A null pointer means "wait forever" (the zero Time).
func readTimespecDeadline(m *UserMem, va uintptr) (time.Time, defs.Err_t) {
	if va == 0 {
		return time.Time{}, 0
	}
	sec, err := m.GetU64(va)
	if err != 0 {
		return time.Time{}, err
	}
	nsec, err := m.GetU64(va + 8)
	if err != 0 {
		return time.Time{}, err
	}
	return time.Now().Add(time.Duration(sec)*time.Second + time.Duration(nsec)), 0
}

func deadlinePassed(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// pollFds implements one pass of ppoll: each pollfd struct (fd int32,
// events int16, revents int16; 8 bytes) is read from user memory,
// polled once against its inode, and revents written back. sysPpoll
// calls this repeatedly through pollRetry until something is ready or
// its deadline passes.
func pollFds(c *Context, va uintptr, nfds int) (uint64, defs.Err_t) {
	ready := uint64(0)
	for i := 0; i < nfds; i++ {
		entry := va + uintptr(i*8)
		raw, err := c.Mem.GetU64(entry)
		if err != 0 {
			return 0, err
		}
		fdnum := int(int32(raw))
		events := vfs.PollEvent(uint16(raw >> 32))

		var revents vfs.PollEvent
		if item, ferr := c.Task.Pcb.Fds.Get(fdnum); ferr == 0 {
			revents = item.Poll(events)
		} else {
			revents = vfs.POLLERR
		}
		if revents != 0 {
			ready++
		}
		packed := raw&0x0000ffffffffffff | uint64(uint16(revents))<<48
		if werr := c.Mem.PutU64(entry, packed); werr != 0 {
			return 0, werr
		}
	}
	return ready, 0
}

// sysPpoll implements spec.md §4.11's ppoll: poll once immediately,
// and if nothing is ready yet and a2's timeout hasn't elapsed, suspend
// and retry each scheduler turn instead of blocking.
func sysPpoll(c *Context, a0, a1, a2, _, _, _ uint64) (uint64, defs.Err_t) {
	va, nfds := uintptr(a0), int(a1)
	deadline, derr := readTimespecDeadline(c.Mem, uintptr(a2))
	if derr != 0 {
		return 0, derr
	}
	step := func() (uint64, defs.Err_t, bool) {
		n, err := pollFds(c, va, nfds)
		if err != 0 {
			return 0, err, true
		}
		if n > 0 || deadlinePassed(deadline) {
			return n, 0, true
		}
		return 0, 0, false
	}
	return pollRetry(c, step)
}

// readFdSet copies an fd_set's backing words out of user memory. A
// null va reports "not watched" (a nil slice), matching pselect6's
// optional readfds/writefds/exceptfds pointers.
func readFdSet(m *UserMem, va uintptr, nfds int) ([]uint64, defs.Err_t) {
	if va == 0 {
		return nil, 0
	}
	words := make([]uint64, (nfds+63)/64)
	for w := range words {
		word, err := m.GetU64(va + uintptr(w*8))
		if err != 0 {
			return nil, err
		}
		words[w] = word
	}
	return words, 0
}

func writeFdSet(m *UserMem, va uintptr, bits []uint64) defs.Err_t {
	if va == 0 {
		return 0
	}
	for w, word := range bits {
		if err := m.PutU64(va+uintptr(w*8), word); err != 0 {
			return err
		}
	}
	return 0
}

func fdSetTestBit(bits []uint64, fdnum int) bool {
	w := fdnum / 64
	if w >= len(bits) {
		return false
	}
	return bits[w]&(1<<uint(fdnum%64)) != 0
}

// selectScan implements pselect6's readiness check against a snapshot
// of the three fd_sets taken once up front: a live re-read on every
// retry would see the previous retry's already-narrowed-to-ready
// output instead of the caller's original request.
func selectScan(c *Context, nfds int, readIn, writeIn, exceptIn []uint64) (readyRead, readyWrite, readyExcept []uint64, count int, err defs.Err_t) {
	readyRead = make([]uint64, len(readIn))
	readyWrite = make([]uint64, len(writeIn))
	readyExcept = make([]uint64, len(exceptIn))
	for fdnum := 0; fdnum < nfds; fdnum++ {
		wantR := fdSetTestBit(readIn, fdnum)
		wantW := fdSetTestBit(writeIn, fdnum)
		wantE := fdSetTestBit(exceptIn, fdnum)
		if !wantR && !wantW && !wantE {
			continue
		}
		item, ferr := c.Task.Pcb.Fds.Get(fdnum)
		if ferr != 0 {
			continue
		}
		var events vfs.PollEvent
		if wantR {
			events |= vfs.POLLIN
		}
		if wantW {
			events |= vfs.POLLOUT
		}
		if wantE {
			events |= vfs.POLLERR | vfs.POLLHUP
		}
		revents := item.Poll(events)
		bit := uint64(1) << uint(fdnum%64)
		if wantR && revents&vfs.POLLIN != 0 {
			readyRead[fdnum/64] |= bit
			count++
		}
		if wantW && revents&vfs.POLLOUT != 0 {
			readyWrite[fdnum/64] |= bit
			count++
		}
		if wantE && revents&(vfs.POLLERR|vfs.POLLHUP) != 0 {
			readyExcept[fdnum/64] |= bit
			count++
		}
	}
	return
}

// sysPselect6 implements spec.md §4.11's pselect6: snapshot the
// readfds/writefds/exceptfds bitmaps and a4's timeout once, then
// repeatedly scan that snapshot (via pollRetry) until some fd is
// ready or the deadline passes, narrowing each set to the ready
// subset the way select(2) mutates its arguments.
func sysPselect6(c *Context, a0, a1, a2, a3, a4, _ uint64) (uint64, defs.Err_t) {
	nfds := int(int32(a0))
	readVA, writeVA, exceptVA := uintptr(a1), uintptr(a2), uintptr(a3)

	readIn, err := readFdSet(c.Mem, readVA, nfds)
	if err != 0 {
		return 0, err
	}
	writeIn, err := readFdSet(c.Mem, writeVA, nfds)
	if err != 0 {
		return 0, err
	}
	exceptIn, err := readFdSet(c.Mem, exceptVA, nfds)
	if err != 0 {
		return 0, err
	}
	deadline, derr := readTimespecDeadline(c.Mem, uintptr(a4))
	if derr != 0 {
		return 0, derr
	}

	step := func() (uint64, defs.Err_t, bool) {
		readyR, readyW, readyE, n, serr := selectScan(c, nfds, readIn, writeIn, exceptIn)
		if serr != 0 {
			return 0, serr, true
		}
		if n == 0 && !deadlinePassed(deadline) {
			return 0, 0, false
		}
		if werr := writeFdSet(c.Mem, readVA, readyR); werr != 0 {
			return 0, werr, true
		}
		if werr := writeFdSet(c.Mem, writeVA, readyW); werr != 0 {
			return 0, werr, true
		}
		if werr := writeFdSet(c.Mem, exceptVA, readyE); werr != 0 {
			return 0, werr, true
		}
		return uint64(n), 0, true
	}
	return pollRetry(c, step)
}

func sysEpollCtl(c *Context, a0, a1, a2, a3, _, _ uint64) (uint64, defs.Err_t) {
	ep, err := epollFor(c, int(int32(a0)))
	if err != 0 {
		return 0, err
	}
	item, ferr := c.Task.Pcb.Fds.Get(int(int32(a2)))
	if ferr != 0 {
		return 0, ferr
	}
	var ev ioobj.EpollEvent
	if a3 != 0 {
		raw, gerr := c.Mem.GetU64(uintptr(a3))
		if gerr != 0 {
			return 0, gerr
		}
		ev.Events = vfs.PollEvent(uint32(raw))
	}
	return 0, ep.Ctl(int(a1), int(int32(a2)), item.Inode, ev)
}

// sysEpollWait implements spec.md §4.11's epoll_wait: a3 is the
// timeout in milliseconds (0 = return immediately, negative = wait
// forever). Like ppoll/pselect6, a miss suspends and retries each
// scheduler turn instead of blocking until the deadline (if any)
// passes.
func sysEpollWait(c *Context, a0, a1, a2, a3, _, _ uint64) (uint64, defs.Err_t) {
	ep, err := epollFor(c, int(int32(a0)))
	if err != 0 {
		return 0, err
	}
	maxEvents := int(a2)
	timeoutMs := int32(a3)
	var deadline time.Time
	if timeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}

	step := func() (uint64, defs.Err_t, bool) {
		ready := ep.Ready()
		if len(ready) > maxEvents {
			ready = ready[:maxEvents]
		}
		if len(ready) == 0 {
			if timeoutMs == 0 || (timeoutMs > 0 && deadlinePassed(deadline)) {
				return 0, 0, true
			}
			return 0, 0, false
		}
		for i, r := range ready {
			off := uintptr(a1) + uintptr(i*12)
			if werr := c.Mem.PutU32(off, uint32(r.Ev.Events)); werr != 0 {
				return 0, werr, true
			}
			if werr := c.Mem.PutU32(off+4, uint32(r.Fd)); werr != 0 {
				return 0, werr, true
			}
		}
		return uint64(len(ready)), 0, true
	}
	return pollRetry(c, step)
}

func readCStringVec(m *UserMem, va uintptr) ([]string, defs.Err_t) {
	if va == 0 {
		return nil, 0
	}
	var out []string
	for i := 0; ; i++ {
		ptr, err := m.GetU64(va + uintptr(i*8))
		if err != 0 {
			return nil, err
		}
		if ptr == 0 {
			return out, 0
		}
		s, serr := m.CString(uintptr(ptr), 4096)
		if serr != 0 {
			return nil, serr
		}
		out = append(out, s)
	}
}

func pickMmapAddr(set *vmm.MemSet, length int) mem.VirtAddr {
	const mmapBase = 0x7f0000000000
	candidate := mem.VirtAddr(mmapBase)
	for set.Overlapping(candidate, candidate.Add(length)) {
		candidate = candidate.Add(length)
	}
	return candidate
}
