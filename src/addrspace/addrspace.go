// Package addrspace wires buddy, paging, and vmregion together into the
// address-space construction described by spec.md 4.2: building the
// kernel PML4, cloning it for a new user process, and fixing up kernel
// half-faults taken while a user PML4 is active.
//
// Grounded on biscuit/src/vm/as.go's Vm_t, which bundles a pmap, its
// physical base, and a vmregion list behind one mutex -- the same three
// pieces AddressSpace bundles here, generalized from a single process's
// pmap to the kernel-PML4 vs. user-PML4 split spec.md 4.2 calls for.
package addrspace

import (
	"fmt"
	"sync"

	"buddy"
	"paging"
	"vmregion"
)

// / VMA_KERNEL is the shared kernel half base every address space maps
// / identically (spec.md 3 "AddressSpace").
const VMA_KERNEL = uintptr(0xFFFFFFFF80000000)

// / VMA_TASK_RUNNER is the fixed virtual address of the one-page
// / user/RX trampoline every address space carries.
const VMA_TASK_RUNNER = uintptr(0x0000000000700000)

// / AddressSpace is one PML4 plus the region tracker governing it.
type AddressSpace struct {
	mu      sync.Mutex
	PML4    *paging.Table
	Base    buddy.FrameNum
	Regions *vmregion.Tracker
	mem     paging.Memory
}

// / KernelLayout captures the parameters AllocPageDirectory needs to lay
// / out the kernel's own address space.
type KernelLayout struct {
	KernelPhysicalBase buddy.FrameNum
	StackTop           buddy.FrameNum
	RAMPages           int
}

var kernelAS *AddressSpace

// / AllocPageDirectory builds the kernel's PML4: an identity-mapped low
// / region for BIOS and the first 2 MiB, a kernel region identity-mapping
// / [KernelPhysicalBase, StackTop), a one-page user/RX task-runner
// / trampoline, and the recursive self-map at slot 510. The resulting
// / AddressSpace is remembered as the authoritative kernel half that
// / AllocUserPageDirectory and ResolveKernelPageFault consult.
func AllocPageDirectory(mem paging.Memory, b *buddy.Buddy_t, layout KernelLayout) (*AddressSpace, error) {
	base, root, ok := mem.Alloc()
	if !ok {
		return nil, fmt.Errorf("addrspace: out of memory allocating kernel PML4")
	}
	root[paging.RecursiveSlot] = paging.NewPTE(base, paging.PTE_W)

	as := &AddressSpace{
		PML4:    root,
		Base:    base,
		mem:     mem,
		Regions: vmregion.NewTracker(mem, b, root, layout.RAMPages),
	}

	// low region: identity map BIOS + first 2 MiB, shared between all
	// kernel PML4s (no user bit, so it never leaks into user mode).
	const lowSpan = 2 << 20
	if _, err := as.Regions.AllocRegion(0, 0, lowSpan, vmregion.COMMIT|vmregion.READWRITE, "low-identity"); err != nil {
		return nil, fmt.Errorf("addrspace: low identity region: %w", err)
	}

	// kernel region: identity map [KernelPhysicalBase, StackTop).
	kernBase := uintptr(layout.KernelPhysicalBase) * paging.PGSIZE
	kernSize := int(layout.StackTop-layout.KernelPhysicalBase) * paging.PGSIZE
	if kernSize > 0 {
		target := layout.KernelPhysicalBase
		if _, err := as.Regions.AllocRegion(kernBase, target, kernSize, vmregion.COMMIT|vmregion.READWRITE, "kernel-image"); err != nil {
			return nil, fmt.Errorf("addrspace: kernel region: %w", err)
		}
	}

	// task-runner trampoline: one page, user-mapped and unwritable
	// (execute-only is modeled as "not READWRITE" since this hosted
	// model has no NX-bit-equivalent to flip independently).
	if _, err := as.Regions.AllocRegion(VMA_TASK_RUNNER, 0, paging.PGSIZE, vmregion.COMMIT, "task-runner"); err != nil {
		return nil, fmt.Errorf("addrspace: task-runner trampoline: %w", err)
	}

	kernelAS = as
	return as, nil
}

// / AllocUserPageDirectory builds a new user PML4 by copying every
// / present kernel-half entry from the active kernel PML4 -- exactly one
// / entry per kernel slot, so the two address spaces share kernel page
// / tables rather than kernel pages being duplicated -- then seeding its
// / own low region with lowTables fresh user page tables and wiring the
// / task-runner trampoline (reusing the kernel's mapping is not possible
// / here since user pages differ per process, so each user AS rebuilds
// / its own).
func AllocUserPageDirectory(lowTables int) (*AddressSpace, error) {
	if kernelAS == nil {
		return nil, fmt.Errorf("addrspace: kernel address space not initialized")
	}
	kernelAS.mu.Lock()
	defer kernelAS.mu.Unlock()

	base, root, ok := kernelAS.mem.Alloc()
	if !ok {
		return nil, fmt.Errorf("addrspace: out of memory allocating user PML4")
	}

	kernFirst, _, _, _, _ := paging.Indices(VMA_KERNEL)
	for i := kernFirst; i < 512; i++ {
		if kernelAS.PML4[i].Present() {
			root[i] = kernelAS.PML4[i]
		}
	}
	root[paging.RecursiveSlot] = paging.NewPTE(base, paging.PTE_W)

	as := &AddressSpace{
		PML4:    root,
		Base:    base,
		mem:     kernelAS.mem,
		Regions: vmregion.NewTracker(kernelAS.mem, kernelAS.Regions.BuddyFor(), root, kernelAS.Regions.RAMPagesFor()),
	}

	for i := 0; i < lowTables; i++ {
		base := uintptr(i) * paging.PGSIZE * 512 // one table's worth of VA per seed
		if _, err := as.Regions.AllocRegion(base, 0, paging.PGSIZE, vmregion.COMMIT|vmregion.READWRITE, "low-seed"); err != nil {
			return nil, fmt.Errorf("addrspace: low table %d: %w", i, err)
		}
	}

	if _, err := as.Regions.AllocRegion(VMA_TASK_RUNNER, 0, paging.PGSIZE, vmregion.COMMIT, "task-runner"); err != nil {
		return nil, fmt.Errorf("addrspace: task-runner trampoline: %w", err)
	}

	return as, nil
}

// / FaultOutcome describes what ResolveKernelPageFault decided.
type FaultOutcome int

const (
	// / RealFault means the fault was not explained by a missing kernel
	// / half entry and must be reported to the trap handler as-is.
	RealFault FaultOutcome = iota
	// / Retry means a kernel PML4 entry was copied into the running
	// / user PML4 and the faulting instruction should be retried.
	Retry
)

// / ResolveKernelPageFault implements spec.md 4.2's kernel-fault fix-up:
// / when a fault lands in the kernel half while a user PML4 is active,
// / mirror the missing PML4 (and, transitively, PDPT/PD/PT) entry from
// / the authoritative kernel PML4 into the current one.
func ResolveKernelPageFault(current *AddressSpace, faultVA uintptr) FaultOutcome {
	if faultVA < VMA_KERNEL {
		return RealFault
	}
	if kernelAS == nil {
		return RealFault
	}
	pml4i, _, _, _, _ := paging.Indices(faultVA)
	kernelEntry := kernelAS.PML4[pml4i]
	if !kernelEntry.Present() {
		return RealFault
	}
	if current.PML4[pml4i] == kernelEntry {
		return RealFault // already mirrored; this is a genuine fault further down
	}
	current.PML4[pml4i] = kernelEntry
	return Retry
}
