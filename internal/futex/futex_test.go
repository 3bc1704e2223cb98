package futex_test

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lattice-os/kernel/internal/defs"
	"github.com/lattice-os/kernel/internal/futex"
)

func TestEnqueueReturnsEAGAINOnMismatch(t *testing.T) {
	tbl := futex.NewTable()
	var val uint32 = 5
	load := func() uint32 { return atomic.LoadUint32(&val) }
	w, err := tbl.Enqueue(0x1000, 9, load, 1)
	require.Equal(t, defs.EAGAIN, err)
	require.Nil(t, w)
}

func TestWakeMarksWaiterWoken(t *testing.T) {
	tbl := futex.NewTable()
	var val uint32 = 0
	load := func() uint32 { return atomic.LoadUint32(&val) }

	w, err := tbl.Enqueue(0x2000, 0, load, 1)
	require.Equal(t, defs.Err_t(0), err)
	require.False(t, w.Woken())

	woke := tbl.Wake(0x2000, 1)
	require.Equal(t, 1, woke)
	require.True(t, w.Woken())
}

func TestCancelRemovesUnwokenWaiter(t *testing.T) {
	tbl := futex.NewTable()
	load := func() uint32 { return 0 }

	w, err := tbl.Enqueue(0x3000, 0, load, 1)
	require.Equal(t, defs.Err_t(0), err)

	tbl.Cancel(0x3000, w)
	require.False(t, w.Woken())

	woke := tbl.Wake(0x3000, 1)
	require.Equal(t, 0, woke, "a cancelled waiter should not still be in the queue")
}

func TestRequeueMovesWaitersWithoutWaking(t *testing.T) {
	tbl := futex.NewTable()
	load := func() uint32 { return 0 }

	w1, err := tbl.Enqueue(0x4000, 0, load, 1)
	require.Equal(t, defs.Err_t(0), err)
	w2, err := tbl.Enqueue(0x4000, 0, load, 2)
	require.Equal(t, defs.Err_t(0), err)

	woken := tbl.Requeue(0x4000, 0, 0x5000, 2)
	require.Equal(t, 0, woken)
	require.False(t, w1.Woken())
	require.False(t, w2.Woken())

	moved := tbl.Wake(0x5000, 2)
	require.Equal(t, 2, moved)
	require.True(t, w1.Woken())
	require.True(t, w2.Woken())
}
