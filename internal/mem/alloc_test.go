package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeConservation(t *testing.T) {
	a := NewAllocator(16)
	require.Equal(t, 16, a.Capacity())
	require.Equal(t, 16, a.FreeCount())

	var held []*FrameTracker
	for i := 0; i < 10; i++ {
		f, ok := a.Alloc()
		require.True(t, ok)
		held = append(held, f)
	}
	require.Equal(t, 6, a.FreeCount())

	for _, f := range held {
		f.Release()
	}
	require.Equal(t, 16, a.FreeCount())
}

func TestAllocExhaustionReturnsFalse(t *testing.T) {
	a := NewAllocator(2)
	f1, ok := a.Alloc()
	require.True(t, ok)
	f2, ok := a.Alloc()
	require.True(t, ok)
	_, ok = a.Alloc()
	require.False(t, ok, "allocator must return ok=false, not panic, on exhaustion")

	f1.Release()
	f3, ok := a.Alloc()
	require.True(t, ok)
	f2.Release()
	f3.Release()
}

func TestShareKeepsPageAliveUntilAllReleased(t *testing.T) {
	a := NewAllocator(4)
	f1, ok := a.Alloc()
	require.True(t, ok)
	f2 := f1.Share()
	require.Equal(t, 2, f1.Refcount())
	require.Equal(t, f1.Page(), f2.Page())

	f1.Release()
	require.Equal(t, 3, a.FreeCount(), "page must stay allocated while a shared ref remains")
	f2.Release()
	require.Equal(t, 4, a.FreeCount())
}

func TestAllocManyContiguous(t *testing.T) {
	a := NewAllocator(8)
	frames, ok := a.AllocMany(4)
	require.True(t, ok)
	require.Len(t, frames, 4)
	for i := 1; i < len(frames); i++ {
		require.Equal(t, frames[i-1].Page()+1, frames[i].Page())
	}
}

func TestZeroFillCalledOnRelease(t *testing.T) {
	orig := ZeroFill
	defer func() { ZeroFill = orig }()

	var zeroed []PhysPage
	ZeroFill = func(p PhysPage) { zeroed = append(zeroed, p) }

	a := NewAllocator(2)
	f, _ := a.Alloc()
	pg := f.Page()
	f.Release()
	require.Equal(t, []PhysPage{pg}, zeroed)
}
