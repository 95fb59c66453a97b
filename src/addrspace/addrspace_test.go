package addrspace

import (
	"testing"

	"buddy"
	"paging"

	"github.com/stretchr/testify/require"
)

func freshKernel(t *testing.T, frames int) (*AddressSpace, *buddy.Buddy_t) {
	t.Helper()
	b, n := buddy.NewBuddy(0, frames, 1<<20)
	require.Greater(t, n, 0)
	mem := paging.NewFrameStore(b)
	as, err := AllocPageDirectory(mem, b, KernelLayout{
		KernelPhysicalBase: buddy.FrameNum(10),
		StackTop:           buddy.FrameNum(20),
		RAMPages:           n,
	})
	require.NoError(t, err)
	return as, b
}

func TestAllocPageDirectorySeedsRecursiveSlot(t *testing.T) {
	as, _ := freshKernel(t, 4096)
	entry := as.PML4[paging.RecursiveSlot]
	require.True(t, entry.Present())
	require.Equal(t, as.Base, entry.Frame())
}

func TestAllocPageDirectoryMapsTaskRunner(t *testing.T) {
	as, _ := freshKernel(t, 4096)
	require.False(t, as.Regions.IsRegionFree(VMA_TASK_RUNNER, paging.PGSIZE))
}

func TestAllocUserPageDirectoryCopiesKernelHalf(t *testing.T) {
	_, _ = freshKernel(t, 4096)
	user, err := AllocUserPageDirectory(2)
	require.NoError(t, err)

	kernFirst, _, _, _, _ := paging.Indices(VMA_KERNEL)
	for i := kernFirst; i < 512; i++ {
		if kernelAS.PML4[i].Present() {
			require.Equal(t, kernelAS.PML4[i], user.PML4[i])
		}
	}
}

func TestAllocUserPageDirectoryHasOwnRecursiveSlot(t *testing.T) {
	_, _ = freshKernel(t, 4096)
	user, err := AllocUserPageDirectory(1)
	require.NoError(t, err)
	require.NotEqual(t, kernelAS.PML4[paging.RecursiveSlot], user.PML4[paging.RecursiveSlot])
	require.Equal(t, user.Base, user.PML4[paging.RecursiveSlot].Frame())
}

func TestResolveKernelPageFaultMirrorsMissingEntry(t *testing.T) {
	_, _ = freshKernel(t, 4096)
	user, err := AllocUserPageDirectory(1)
	require.NoError(t, err)

	pml4i, _, _, _, _ := paging.Indices(VMA_KERNEL)
	user.PML4[pml4i] = 0 // simulate a stale/missing mirror

	outcome := ResolveKernelPageFault(user, VMA_KERNEL)
	require.Equal(t, Retry, outcome)
	require.Equal(t, kernelAS.PML4[pml4i], user.PML4[pml4i])

	// second time is already mirrored: a fault at the same VA now means
	// something real is wrong further down the hierarchy.
	outcome = ResolveKernelPageFault(user, VMA_KERNEL)
	require.Equal(t, RealFault, outcome)
}

func TestResolveKernelPageFaultIgnoresUserHalf(t *testing.T) {
	_, _ = freshKernel(t, 4096)
	user, err := AllocUserPageDirectory(1)
	require.NoError(t, err)
	require.Equal(t, RealFault, ResolveKernelPageFault(user, 0x1000))
}
