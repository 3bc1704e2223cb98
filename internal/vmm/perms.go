package vmm

import "github.com/lattice-os/kernel/pkg/machine"

// Perms is the caller-facing permission request for a new area: only
// the user/writable bits are meaningful here (spec.md C6's "_mkvmi"
// comment: "perms should only use PTE_U/PTE_W; the page fault handler
// will install the correct COW flags").
type Perms struct {
	Write bool
	Exec  bool
}

func (p Perms) toPTE() machine.PTEFlags {
	f := machine.PTE_U
	if p.Write {
		f |= machine.PTE_W
	}
	return f
}

// ReadOnly and ReadWrite are the two named permission sets; mmap and
// ELF loading build their Perms from prot and segment flags instead.
var ReadOnly = Perms{}
var ReadWrite = Perms{Write: true}
