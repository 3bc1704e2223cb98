// Command kernel boots the in-memory demonstration kernel: a fake
// single-hart machine layer and fake device layer standing in for
// real hardware, wired through every kernel package to exec an init
// task, fork a child, and wait for it, end to end, without any real
// hardware underneath.
//
// Two phases run one after another. The first drives init entirely
// through the real trap loop (internal/entry, internal/sched): exec a
// tiny embedded ELF, take a scripted write(2) trap, take a scripted
// exit_group(2) trap, and let the executor notice init has exited.
// The second demonstrates fork/wait4: a shell task forks a worker,
// the worker exits, and the shell reaps it, all driven by direct
// calls into internal/task rather than scripted traps, since a single
// fake machine has one flat trap script and can't express which of
// several runnable tasks a given trap belongs to once more than one
// is runnable at a time.
package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lattice-os/kernel/internal/config"
	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/entry"
	"github.com/lattice-os/kernel/internal/fd"
	"github.com/lattice-os/kernel/internal/klog"
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/sched"
	"github.com/lattice-os/kernel/internal/syscall"
	"github.com/lattice-os/kernel/internal/task"
	"github.com/lattice-os/kernel/internal/vfs"
	"github.com/lattice-os/kernel/internal/vfs/devfs"
	"github.com/lattice-os/kernel/internal/vfs/memfs"
	"github.com/lattice-os/kernel/internal/vfs/procfs"
	"github.com/lattice-os/kernel/pkg/device/fake"
	"github.com/lattice-os/kernel/pkg/machine"
	machinefake "github.com/lattice-os/kernel/pkg/machine/fake"
)

const rawdiskSectorSize = 512

func main() {
	cfg := config.Parse(os.Args[1:])

	alloc := mem.NewAllocator(cfg.FramePages)
	mach := machinefake.NewMachine()
	root, console := bootRootFS()

	registry := task.NewRegistry()
	executor := sched.NewExecutor(256)
	loop := &entry.Loop{
		Mach:       mach,
		Alloc:      alloc,
		NewPT:      func() *pagetable.Table { return pagetable.New(mach) },
		Executor:   executor,
		Registry:   registry,
		YieldEvery: cfg.YieldEvery,
	}

	runInitViaTrapLoop(loop, mach, alloc, root, cfg)
	runForkWaitDemo(alloc, root, loop.NewPT, mach.NewTrapFrame, cfg)

	fmt.Print(string(console.Output()))
}

// runInitViaTrapLoop execs init and drives it through two real traps
// (write then exit_group) via internal/entry's loop and
// internal/sched's executor, the full path a real syscall takes.
func runInitViaTrapLoop(loop *entry.Loop, mach *machinefake.Machine, alloc *mem.Allocator, root *vfs.Dentry, cfg *config.Config) {
	initPT := loop.NewPT()
	initTask := task.New(nil, root, initPT, mach.NewTrapFrame, 0, cfg.RlimitNofile)
	initTask.Pcb.Cmd = "init"
	installStdio(initTask, root)

	mem0 := &syscall.UserMem{Alloc: alloc}
	if err := task.Exec(initTask, alloc, buildDemoELF(), []string{"init"}, []string{"TERM=linux"}, loop.NewPT, mem0); err != 0 {
		klog.Fatal("boot: exec of init failed", klog.Fields{"err": int(err)})
	}

	banner := []byte("lattice-os: init running\n")
	bannerAddr := task.UserStackTop - task.InitialStackBytes + uint64(mem.PGSIZE)
	if werr := mem0.WriteBytes(uintptr(bannerAddr), banner); werr != 0 {
		klog.Fatal("boot: writing init's banner failed", klog.Fields{"err": int(werr)})
	}

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_WRITE))
		tf.Set(machine.ARG0, 1)
		tf.Set(machine.ARG1, bannerAddr)
		tf.Set(machine.ARG2, uint64(len(banner)))
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	mach.QueueStep(func(tf machine.TrapFrame) {
		tf.Set(machine.SYSCALL_NR, uint64(unix.SYS_EXIT_GROUP))
		tf.Set(machine.ARG0, 0)
	}, machine.EscapeReason{Kind: machine.EscapeSyscall})

	loop.Spawn(initTask)
	loop.Executor.Run()
}

// runForkWaitDemo plays out fork/exit/wait4 with plain Go calls: a
// shell task clones a worker, the worker records its exit code, and
// the shell's wait4 reaps it. None of this goes through a trap; it
// exercises the same internal/task functions internal/syscall's
// sysClone/sysExit/sysWait4 call, just invoked directly.
func runForkWaitDemo(alloc *mem.Allocator, root *vfs.Dentry, newPT func() *pagetable.Table, newFrame func() machine.TrapFrame, cfg *config.Config) {
	shellPT := newPT()
	shell := task.New(nil, root, shellPT, newFrame, 0, cfg.RlimitNofile)
	shell.Pcb.Cmd = "shell"
	installStdio(shell, root)

	shellMem := &syscall.UserMem{PT: shellPT, Alloc: alloc}
	writeConsoleLine(shell, "shell: forking worker\n")

	worker, err := task.Clone(shell, task.CloneArgs{}, newPT, shellMem)
	if err != 0 {
		klog.Fatal("demo: fork of worker failed", klog.Fields{"err": int(err)})
	}
	worker.Pcb.Cmd = "worker"

	writeConsoleLine(worker, "worker: exiting with code 7\n")
	task.Exit(worker, 7, func(uintptr) defs.Err_t { return 0 })

	res, werr := task.Wait4(shell.Pcb, 0, 0)
	if werr != 0 {
		klog.Fatal("demo: wait4 for worker failed", klog.Fields{"err": int(werr)})
	}
	writeConsoleLine(shell, fmt.Sprintf("shell: reaped pid %d, exit code %d\n", res.Pid, res.ExitCode))
	task.Exit(shell, 0, func(uintptr) defs.Err_t { return 0 })
}

// writeConsoleLine writes straight to fd 1's backing inode, bypassing
// user-memory address translation since these two demo tasks never
// actually run user-mode code that would need it.
func writeConsoleLine(u *task.UserTask, line string) {
	item, err := u.Pcb.Fds.Get(1)
	if err != 0 {
		return
	}
	_, _ = item.Write([]byte(line))
}

// bootRootFS builds the root memfs tree with /dev (devfs: console,
// null, and the fake block device's rawdisk node) and /proc mounted
// in. It returns the fake console device directly alongside the root
// dentry, since devfs.Console doesn't re-expose the underlying
// device.Console it wraps and main needs it to read back everything
// written during the demo.
func bootRootFS() (*vfs.Dentry, *fake.Console) {
	rootInode := memfs.NewDir()
	rootDentry := vfs.NewRoot(rootInode)

	consoleDev := fake.NewConsole()
	blockDev := fake.NewBlockDevice(4096)

	devDir := devfs.NewDir()
	devDir.Register("console", devfs.NewConsole(consoleDev))
	devDir.Register("null", devfs.Null{})
	devDir.Register("rawdisk", devfs.NewRawDisk(blockDev, rawdiskSectorSize))

	devDentry, err := vfs.DentryOpen(rootDentry, "/dev", defs.O_CREAT|defs.O_DIRECTORY)
	if err != 0 {
		klog.Fatal("boot: creating /dev mount point failed", klog.Fields{"err": int(err)})
	}
	devDentry.Mount(devDir)

	procDentry, err := vfs.DentryOpen(rootDentry, "/proc", defs.O_CREAT|defs.O_DIRECTORY)
	if err != 0 {
		klog.Fatal("boot: creating /proc mount point failed", klog.Fields{"err": int(err)})
	}
	procDentry.Mount(procfs.NewRoot(task.NewRegistry()))

	return rootDentry, consoleDev
}

// installStdio opens /dev/console three times for stdin/stdout/stderr,
// the fd 0/1/2 convention every POSIX process boots with.
func installStdio(u *task.UserTask, root *vfs.Dentry) {
	d, err := vfs.DentryOpen(root, "/dev/console", defs.O_RDWR)
	if err != 0 {
		klog.Fatal("boot: opening /dev/console failed", klog.Fields{"err": int(err)})
	}
	for fdnum := 0; fdnum < 3; fdnum++ {
		item := fd.NewFileItem(d, d.Inode(), defs.O_RDWR, fd.FD_READ|fd.FD_WRITE)
		_ = u.Pcb.Fds.InstallAt(fdnum, item)
	}
}

// buildDemoELF hand-assembles a minimal valid ELF64 executable: one
// page-sized PT_LOAD segment covering the header itself, entry point
// at its base. debug/elf can parse it back (task.Exec's ELF check)
// but its contents are never really executed, since the fake machine
// layer only ever replays scripted traps rather than decoding
// instructions.
func buildDemoELF() []byte {
	const (
		baseVaddr = 0x400000
		pageSize  = 4096
	)

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     baseVaddr,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
	}
	hdr.Ident[0], hdr.Ident[1], hdr.Ident[2], hdr.Ident[3] = 0x7f, 'E', 'L', 'F'
	hdr.Ident[4] = uint8(elf.ELFCLASS64)
	hdr.Ident[5] = uint8(elf.ELFDATA2LSB)
	hdr.Ident[6] = uint8(elf.EV_CURRENT)

	phdr := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    0,
		Vaddr:  baseVaddr,
		Paddr:  baseVaddr,
		Filesz: pageSize,
		Memsz:  pageSize,
		Align:  pageSize,
	}

	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, hdr)
	_ = binary.Write(buf, binary.LittleEndian, phdr)

	out := buf.Bytes()
	if len(out) < pageSize {
		out = append(out, make([]byte, pageSize-len(out))...)
	}
	return out
}
