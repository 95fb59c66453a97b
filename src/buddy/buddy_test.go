package buddy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	b, n := NewBuddy(0, 256, 1<<20)
	require.Equal(t, 256, n)
	free0 := b.FreeCount()

	var frames []FrameNum
	for i := 0; i < 10; i++ {
		f := b.AllocPhysicalPage()
		require.NotZero(t, f)
		frames = append(frames, f)
	}
	require.Equal(t, free0-10, b.FreeCount())

	for _, f := range frames {
		b.FreePhysicalPage(f)
	}
	require.Equal(t, free0, b.FreeCount())
}

func TestDoubleFreeIsNoop(t *testing.T) {
	b, _ := NewBuddy(0, 64, 1<<20)
	f := b.AllocPhysicalPage()
	require.NotZero(t, f)
	free := b.FreeCount()
	b.FreePhysicalPage(f)
	b.FreePhysicalPage(f)
	require.Equal(t, free+1, b.FreeCount())
}

func TestExhaustion(t *testing.T) {
	b, n := NewBuddy(0, 4, 1<<20)
	var got int
	for {
		f := b.AllocPhysicalPage()
		if f == 0 {
			break
		}
		got++
	}
	require.Less(t, got, n) // frame 0 is reserved, never handed out
	require.Equal(t, 0, b.FreeCount())
}

func TestFixedPageNeverReturned(t *testing.T) {
	b, _ := NewBuddy(0, 64, 1<<20)
	f := b.AllocPhysicalPage()
	require.NotZero(t, f)
	b.SetPhysicalPageMark(f, true)
	b.FreePhysicalPage(f)
	// still marked used because it's fixed now.
	f2 := b.AllocPhysicalPage()
	require.NotEqual(t, f, f2)
}

func TestMetadataShrinksPageCount(t *testing.T) {
	_, n := NewBuddy(0, 1<<20, 4096)
	require.Less(t, n, 1<<20)
	require.LessOrEqual(t, BuddyGetMetadataSize(n), 4096)
}

func TestExternalMMIOMark(t *testing.T) {
	b, n := NewBuddy(0, 16, 1<<20)
	mmio := FrameNum(n + 1000)
	b.SetPhysicalPageMark(mmio, true)
	b.FreePhysicalPage(mmio) // no-op, external fixed page
}
