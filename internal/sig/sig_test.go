package sig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-os/kernel/internal/sig"
	"github.com/lattice-os/kernel/pkg/machine"
)

type fakeFrame struct {
	regs [machine.NumSlots]uint64
}

func (f *fakeFrame) Get(s machine.Slot) uint64  { return f.regs[s] }
func (f *fakeFrame) Set(s machine.Slot, v uint64) { f.regs[s] = v }
func (f *fakeFrame) Clone() machine.TrapFrame {
	c := *f
	return &c
}

func TestDeliverableMasksOutBlockedSignals(t *testing.T) {
	p := sig.NewPending()
	p.Raise(sig.SIGINT)
	p.Raise(sig.SIGTERM)
	p.SetSigMask(sig.Bit(sig.SIGTERM))

	n, ok := p.PopLowest()
	require.True(t, ok)
	require.Equal(t, sig.SIGINT, n)

	_, ok = p.PopLowest()
	require.False(t, ok, "SIGTERM stays blocked")
}

func TestRealtimeQueueRedeliversWhileCountRemains(t *testing.T) {
	p := sig.NewPending()
	p.RaiseQueued(sig.SIGUSR1)
	p.RaiseQueued(sig.SIGUSR1)

	n, ok := p.PopLowest()
	require.True(t, ok)
	require.Equal(t, sig.SIGUSR1, n)

	n, ok = p.PopLowest()
	require.True(t, ok, "second queued instance must redeliver")
	require.Equal(t, sig.SIGUSR1, n)

	_, ok = p.PopLowest()
	require.False(t, ok)
}

func TestTrampolineRoundTripsRegisters(t *testing.T) {
	tf := &fakeFrame{}
	tf.Set(machine.PC, 0x1000)
	tf.Set(machine.SP, 0x7fff0000)

	pending := sig.NewPending()
	pending.SetSigMask(0x4)

	act := sig.SigAction{Handler: 0x2000, Restorer: 0x3000, Mask: 0x8}
	var ctx sig.SignalUserContext
	saved := sig.BuildTrampoline(tf, 0x7ffe0000, &ctx, sig.SIGINT, act, pending)

	require.EqualValues(t, 0x1000, ctx.PC)
	require.EqualValues(t, 0x2000, tf.Get(machine.PC))
	require.EqualValues(t, 0x7ffe0000, tf.Get(machine.SP))
	require.EqualValues(t, int(sig.SIGINT), tf.Get(machine.ARG0))
	require.Equal(t, sig.SigProcMask(0x8), pending.SigMask())

	sig.Sigreturn(tf, &ctx, saved, pending)
	require.EqualValues(t, 0x1000, tf.Get(machine.PC))
	require.Equal(t, sig.SigProcMask(0x4), pending.SigMask())
}
