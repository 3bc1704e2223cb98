package task

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/mem"
	"github.com/lattice-os/kernel/internal/pagetable"
	"github.com/lattice-os/kernel/internal/vmm"
	"github.com/lattice-os/kernel/pkg/machine"
)

// StackWriter is the narrow faultable-write contract Exec needs to lay
// out argv/envp/auxv on the new stack; internal/syscall's UserMem
// satisfies it. Rebind lets Exec repoint an existing UserMem (built
// against the task's pre-exec page table) onto the freshly built one
// before any stack writes happen.
type StackWriter interface {
	WriteBytes(va uintptr, src []byte) defs.Err_t
	PutU64(va uintptr, v uint64) defs.Err_t
	Rebind(pt *pagetable.Table)
}

// Auxiliary vector tags (spec.md §4.7's aux vector list), matching the
// ELF auxv ABI every libc start-up routine expects.
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atBase   = 7
	atEntry  = 9
	atRandom = 25
	atExecfn = 31
)

// UserStackTop and InitialStackBytes are exported so callers that hand
// Exec a pre-opened UserMem (cmd/kernel's boot sequence, scenario
// tests) can compute addresses inside the mapped stack without
// duplicating these constants.
const (
	UserStackTop      = uint64(0x7ffffffff000)
	InitialStackBytes = 256 * 1024
)

// Exec implements spec.md §4.7's exec_with_process for an already-resolved,
// already-ELF-checked image: map every PT_LOAD segment into a fresh
// address space, map the initial stack, build the argv/envp/auxv
// layout, and point the trap frame at the entry address. Interpreter
// (PT_INTERP) and non-ELF shebang-style fallback resolution happen one
// level up, in internal/syscall's sysExecve, which has the dentry
// access needed to re-open a different path and recurse.
func Exec(u *UserTask, alloc *mem.Allocator, elfData []byte, argv, envp []string, newPT func() *pagetable.Table, w StackWriter) defs.Err_t {
	ef, ferr := elf.NewFile(bytes.NewReader(elfData))
	if ferr != nil {
		return defs.ENOEXEC
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return defs.ENOEXEC
	}

	pt := newPT()
	set := vmm.NewMemSet()
	w.Rebind(pt)

	var firstLoad *elf.Prog
	var heapTop uint64
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if firstLoad == nil {
			firstLoad = prog
		}
		if err := mapLoadSegment(alloc, pt, set, prog, elfData); err != 0 {
			return err
		}
		if top := prog.Vaddr + prog.Memsz; top > heapTop {
			heapTop = top
		}
	}
	heapTop = uint64(mem.Roundup(int(heapTop), mem.PGSIZE))

	var phdrVAddr uint64
	if firstLoad != nil {
		phdrVAddr = firstLoad.Vaddr + (rawPhoff(elfData) - firstLoad.Off)
	}

	stackBottom := UserStackTop - InitialStackBytes
	set.Add(mem.VirtAddr(stackBottom), InitialStackBytes, vmm.Stack, vmm.ReadWrite, nil)
	if err := mapAnonRange(alloc, pt, set, mem.VirtAddr(stackBottom), InitialStackBytes); err != 0 {
		return err
	}

	sp, sperr := buildStack(w, UserStackTop, argv, envp, []auxEntry{
		{atPhdr, phdrVAddr},
		{atPhent, uint64(elfPhentsize)},
		{atPhnum, uint64(len(ef.Progs))},
		{atPagesz, uint64(mem.PGSIZE)},
		{atBase, 0},
		{atEntry, ef.Entry},
		{atExecfn, 0},
		{atRandom, 0},
	})
	if sperr != 0 {
		return sperr
	}

	u.Pcb.mu.Lock()
	if old, ok := u.Pcb.PT.(*pagetable.Table); ok {
		u.Pcb.Memset.Clear(old)
	}
	u.Pcb.PT = pt
	u.Pcb.Memset = set
	u.Pcb.Brk = heapTop
	u.Pcb.mu.Unlock()

	tf := u.Tcb.TrapFrame
	tf.Set(machine.PC, ef.Entry)
	tf.Set(machine.SP, sp)
	return 0
}

const elfPhentsize = 56 // sizeof(Elf64_Phdr), the ABI-fixed value every AT_PHENT carries

// rawPhoff reads e_phoff straight out of the ELF64 header (offset 32,
// 8 bytes, little-endian): debug/elf parses program headers for us
// but never re-exposes the header field AT_PHDR needs.
func rawPhoff(elfData []byte) uint64 {
	if len(elfData) < 40 {
		return 0
	}
	return binary.LittleEndian.Uint64(elfData[32:40])
}

func mapLoadSegment(alloc *mem.Allocator, pt *pagetable.Table, set *vmm.MemSet, prog *elf.Prog, elfData []byte) defs.Err_t {
	start := mem.VirtAddr(mem.Rounddown(int(prog.Vaddr), mem.PGSIZE))
	end := mem.VirtAddr(mem.Roundup(int(prog.Vaddr+prog.Memsz), mem.PGSIZE))
	length := int(end - start)

	if prog.Off+prog.Filesz > uint64(len(elfData)) {
		return defs.ENOEXEC
	}

	perms := vmm.Perms{Write: prog.Flags&elf.PF_W != 0, Exec: prog.Flags&elf.PF_X != 0}
	area := set.Add(start, length, vmm.CodeSection, perms, nil)

	segData := make([]byte, prog.Memsz)
	copy(segData, elfData[prog.Off:prog.Off+prog.Filesz])

	pt.LockPmap()
	defer pt.UnlockPmap()
	for page := start; page < end; page = page.Add(mem.PGSIZE) {
		fresh, ok := alloc.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		buf := fresh.Bytes()
		for i := range buf {
			buf[i] = 0
		}
		segOff := int64(page) - int64(prog.Vaddr)
		if segOff >= 0 && segOff < int64(len(segData)) {
			copy(buf, segData[segOff:])
		}
		area.Insert(&vmm.MapTrack{VAddr: page, Tracker: fresh, RWX: area.Perms})
		_ = pt.Map(uintptr(page), uintptr(fresh.Addr()), area.Perms)
	}
	return 0
}

func mapAnonRange(alloc *mem.Allocator, pt *pagetable.Table, set *vmm.MemSet, start mem.VirtAddr, length int) defs.Err_t {
	area, ok := set.Lookup(start)
	if !ok {
		return defs.EINVAL
	}
	pt.LockPmap()
	defer pt.UnlockPmap()
	end := start.Add(length)
	for page := start; page < end; page = page.Add(mem.PGSIZE) {
		fresh, ok := alloc.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		area.Insert(&vmm.MapTrack{VAddr: page, Tracker: fresh, RWX: area.Perms})
		_ = pt.Map(uintptr(page), uintptr(fresh.Addr()), area.Perms)
	}
	return 0
}

type auxEntry struct {
	tag uint64
	val uint64
}

// buildStack lays out argv, envp, and the auxiliary vector at the top
// of the stack, 16-byte-aligning the final stack pointer per the
// System V AMD64 ABI's process-entry contract, and returns that SP.
func buildStack(w StackWriter, top uint64, argv, envp []string, aux []auxEntry) (uint64, defs.Err_t) {
	sp := top

	writeString := func(s string) (uint64, defs.Err_t) {
		b := append([]byte(s), 0)
		sp -= uint64(len(b))
		if err := w.WriteBytes(uintptr(sp), b); err != 0 {
			return 0, err
		}
		return sp, 0
	}

	argvPtrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		p, err := writeString(argv[i])
		if err != 0 {
			return 0, err
		}
		argvPtrs[i] = p
	}
	envpPtrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		p, err := writeString(envp[i])
		if err != 0 {
			return 0, err
		}
		envpPtrs[i] = p
	}

	sp &^= 0xf // align before writing the pointer tables

	total := 1 + len(argv) + 1 + len(envp) + 1 + len(aux)*2 + 2
	if total%2 != 0 {
		sp -= 8 // keep the final argc slot 16-byte aligned
	}

	sp -= 16 // AT_NULL pair, terminating the auxiliary vector
	if err := w.PutU64(uintptr(sp), atNull); err != 0 {
		return 0, err
	}
	if err := w.PutU64(uintptr(sp+8), 0); err != 0 {
		return 0, err
	}
	for i := len(aux) - 1; i >= 0; i-- {
		sp -= 8
		if err := w.PutU64(uintptr(sp), 0); err != 0 {
			return 0, err
		}
		sp -= 8
		if err := w.PutU64(uintptr(sp), aux[i].tag); err != 0 {
			return 0, err
		}
		if err := w.PutU64(uintptr(sp+8), aux[i].val); err != 0 {
			return 0, err
		}
	}
	sp -= 8 // envp terminator
	if err := w.PutU64(uintptr(sp), 0); err != 0 {
		return 0, err
	}
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		sp -= 8
		if err := w.PutU64(uintptr(sp), envpPtrs[i]); err != 0 {
			return 0, err
		}
	}

	sp -= 8 // argv terminator
	if err := w.PutU64(uintptr(sp), 0); err != 0 {
		return 0, err
	}
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		sp -= 8
		if err := w.PutU64(uintptr(sp), argvPtrs[i]); err != 0 {
			return 0, err
		}
	}

	sp -= 8
	if err := w.PutU64(uintptr(sp), uint64(len(argv))); err != 0 {
		return 0, err
	}

	return sp, 0
}
