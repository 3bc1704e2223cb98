package sig

import "github.com/lattice-os/kernel/pkg/machine"

// SignalUserContext mirrors the x86_64 layout named in
// original_source's syscall/types/signal.rs: flags/link/stack fields,
// a general-register save area, and the signal mask active during the
// handler. internal/entry keeps it kernel-side on the TCB's signal
// stack and hands the handler only the user-stack address reserved
// for it; sigreturn reads it back from there to restore the
// interrupted state.
type SignalUserContext struct {
	Flags   uint64
	Link    uint64
	StackSP uint64
	SigMask SigProcMask
	Saved   [machine.NumSlots]uint64 // one slot per machine.Slot, snapshotted at delivery time
	PC      uint64
}

// BuildTrampoline implements spec.md §4.8 step 4: it snapshots tf's
// registers and PC into ctx, installs act.Mask as the new sigmask,
// and redirects tf so the next run_user_task enters the handler.
// ctxAddr is the 16-byte-aligned user-stack address the caller
// reserved for the context; BuildTrampoline writes only tf and ctx,
// never user memory.
func BuildTrampoline(tf machine.TrapFrame, ctxAddr uint64, ctx *SignalUserContext, signum Num, act SigAction, pending *Pending) SavedFrame {
	for s := machine.Slot(0); s < machine.NumSlots; s++ {
		ctx.Saved[s] = tf.Get(s)
	}
	ctx.PC = tf.Get(machine.PC)
	ctx.SigMask = pending.SigMask()
	savedSP := uintptr(tf.Get(machine.SP))

	old := pending.SetSigMask(act.Mask)

	tf.Set(machine.PC, uint64(act.Handler))
	tf.Set(machine.SP, ctxAddr)
	tf.Set(machine.RA, uint64(act.Restorer))
	tf.Set(machine.ARG0, uint64(signum))
	tf.Set(machine.ARG2, ctxAddr)

	return SavedFrame{SavedSP: savedSP, OldMask: old}
}

// Sigreturn implements spec.md §4.8 step 5: pop the saved entry and
// restore every register plus PC from ctx, then restore the mask that
// was active before the handler ran.
func Sigreturn(tf machine.TrapFrame, ctx *SignalUserContext, saved SavedFrame, pending *Pending) {
	for s := machine.Slot(0); s < machine.NumSlots; s++ {
		tf.Set(s, ctx.Saved[s])
	}
	tf.Set(machine.PC, ctx.PC)
	pending.SetSigMask(saved.OldMask)
}
