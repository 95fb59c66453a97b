// Package paging implements the x86-64 long-mode paging core of spec.md
// 4.2: PageEntry encoding, the canonical-address rule, and the recursive
// self-map at PML4 slot 510.
//
// The teacher kernel (biscuit/src/mem/mem.go) defines the PTE flag bits
// and a direct-map (Dmap) from physical address to kernel virtual address
// backed by a real mapped window below the 512GB line; the walk itself
// lives in biscuit/src/vm/as.go via pmap_walk against that direct map.
// This hosted model has no MMU to back a literal direct map, so Memory
// plays the same role Physmem_t.Dmap plays in the teacher -- "give me the
// table that lives at this physical frame" -- except the frame's
// contents are plain Go memory (a *Table) rather than a byte window
// reached through an actual CR3-relative virtual address.
package paging

import "buddy"

// / PGSHIFT/PGSIZE mirror buddy's page geometry (paging operates in units
// / of buddy frames).
const (
	PGSHIFT = buddy.PGSHIFT
	PGSIZE  = buddy.PGSIZE
)

// / PTE is a single 64-bit page table entry.
type PTE uint64

// Flag bits, spec.md 3 "PageEntry".
const (
	PTE_P      PTE = 1 << 0  // present
	PTE_W      PTE = 1 << 1  // read/write
	PTE_U      PTE = 1 << 2  // user/kernel
	PTE_PWT    PTE = 1 << 3  // write-through
	PTE_PCD    PTE = 1 << 4  // cache-disabled
	PTE_PS     PTE = 1 << 7  // page size (2M/1G leaf)
	PTE_G      PTE = 1 << 8  // global
	PTE_FIXED  PTE = 1 << 9  // custom: frame never returned to allocator
	pteAddrLo  = 12
	pteAddrHi  = 52 // 40-bit physical frame number encoded in bits 12..51
)

// / PTE_ADDR masks the 40-bit physical frame number out of a PTE.
const PTE_ADDR PTE = ((1 << pteAddrHi) - 1) &^ ((1 << pteAddrLo) - 1)

// / NewPTE builds a leaf or table entry pointing at frame with the given
// / flag bits OR'd in (PTE_P is added automatically).
func NewPTE(frame buddy.FrameNum, flags PTE) PTE {
	return (PTE(frame) << pteAddrLo) | flags | PTE_P
}

// / Frame extracts the physical frame number a present PTE points at.
func (p PTE) Frame() buddy.FrameNum {
	return buddy.FrameNum((p & PTE_ADDR) >> pteAddrLo)
}

// / Present reports whether the entry's P bit is set.
func (p PTE) Present() bool { return p&PTE_P != 0 }

// / Table is one level of the four-level paging hierarchy: 512 64-bit
// / entries, exactly as x86-64 lays out a PML4/PDPT/PD/PT page.
type Table [512]PTE

// / RecursiveSlot is the PML4 index reserved for the recursive self-map
// / (spec.md 3 "AddressSpace").
const RecursiveSlot = 510

// / Indices splits a canonical virtual address into its four 9-bit table
// / indices and 12-bit page offset.
func Indices(va uintptr) (pml4, pdpt, pd, pt int, off uintptr) {
	pml4 = int((va >> 39) & 0x1ff)
	pdpt = int((va >> 30) & 0x1ff)
	pd = int((va >> 21) & 0x1ff)
	pt = int((va >> 12) & 0x1ff)
	off = va & 0xfff
	return
}

// / Canonical applies the canonical-address rule: bit 47 is sign-extended
// / through bits 63..48.
func Canonical(va uintptr) uintptr {
	const signBit = uintptr(1) << 47
	if va&signBit != 0 {
		return va | ^uintptr(0)<<48
	}
	return va &^ (^uintptr(0) << 48)
}

func composeRecursiveVA(a, b, c, d int) uintptr {
	va := uintptr(a)<<39 | uintptr(b)<<30 | uintptr(c)<<21 | uintptr(d)<<12
	return Canonical(va)
}

// / SelfPML4VA is the virtual address at which the recursive slot makes
// / the active PML4 itself visible.
func SelfPML4VA() uintptr {
	return composeRecursiveVA(RecursiveSlot, RecursiveSlot, RecursiveSlot, RecursiveSlot)
}

// / PDPTVirt returns the virtual address of the PDPT covering va, reached
// / purely through the recursive slot (no temporary mapping needed for
// / the currently active address space).
func PDPTVirt(va uintptr) uintptr {
	pml4i, _, _, _, _ := Indices(va)
	return composeRecursiveVA(RecursiveSlot, RecursiveSlot, RecursiveSlot, pml4i)
}

// / PDVirt returns the virtual address of the PD covering va.
func PDVirt(va uintptr) uintptr {
	pml4i, pdpti, _, _, _ := Indices(va)
	return composeRecursiveVA(RecursiveSlot, RecursiveSlot, pml4i, pdpti)
}

// / PTVirt returns the virtual address of the PT covering va.
func PTVirt(va uintptr) uintptr {
	pml4i, pdpti, pdi, _, _ := Indices(va)
	return composeRecursiveVA(RecursiveSlot, pml4i, pdpti, pdi)
}

// / Memory resolves a physical frame to the Table that lives there and
// / allocates fresh zeroed tables, the role Physmem_t.Dmap/Refpg_new play
// / in the teacher kernel's direct map.
type Memory interface {
	Get(buddy.FrameNum) *Table
	Alloc() (buddy.FrameNum, *Table, bool)
	Free(buddy.FrameNum)
}

// / FrameStore is the hosted stand-in for a direct-mapped physical RAM
// / window: since this model has no MMU, physical frames are simply Go
// / heap objects indexed by frame number.
type FrameStore struct {
	b  *buddy.Buddy_t
	tb map[buddy.FrameNum]*Table
}

// / NewFrameStore wraps a buddy allocator as a paging.Memory.
func NewFrameStore(b *buddy.Buddy_t) *FrameStore {
	return &FrameStore{b: b, tb: make(map[buddy.FrameNum]*Table)}
}

// / Get returns the table backing frame f, or nil if unallocated.
func (fs *FrameStore) Get(f buddy.FrameNum) *Table { return fs.tb[f] }

// / Alloc grabs a fresh zeroed frame and its backing table.
func (fs *FrameStore) Alloc() (buddy.FrameNum, *Table, bool) {
	f := fs.b.AllocPhysicalPage()
	if f == 0 {
		return 0, nil, false
	}
	t := &Table{}
	fs.tb[f] = t
	return f, t, true
}

// / Free releases a frame's table and returns the frame to the buddy pool.
func (fs *FrameStore) Free(f buddy.FrameNum) {
	delete(fs.tb, f)
	fs.b.FreePhysicalPage(f)
}

// / Walk descends the four-level hierarchy rooted at pml4 for va,
// / allocating intermediate tables when create is true. It returns a
// / pointer to the leaf PTE (in the PT, unless a 2M/1G PTE_PS entry is
// / found partway down, in which case that entry is returned directly).
func Walk(mem Memory, pml4 *Table, va uintptr, create bool) (*PTE, bool) {
	pml4i, pdpti, pdi, pti, _ := Indices(va)
	next := func(tbl *Table, idx int) (*Table, bool) {
		e := &tbl[idx]
		if e.Present() {
			if *e&PTE_PS != 0 {
				return nil, false
			}
			return mem.Get(e.Frame()), true
		}
		if !create {
			return nil, false
		}
		f, t, ok := mem.Alloc()
		if !ok {
			return nil, false
		}
		*e = NewPTE(f, PTE_W|PTE_U)
		return t, true
	}

	pdpt, ok := next(pml4, pml4i)
	if !ok {
		if pml4[pml4i]&PTE_PS != 0 {
			return &pml4[pml4i], true
		}
		return nil, false
	}
	pd, ok := next(pdpt, pdpti)
	if !ok {
		if (*pdpt)[pdpti]&PTE_PS != 0 {
			return &(*pdpt)[pdpti], true
		}
		return nil, false
	}
	pt, ok := next(pd, pdi)
	if !ok {
		if (*pd)[pdi]&PTE_PS != 0 {
			return &(*pd)[pdi], true
		}
		return nil, false
	}
	return &(*pt)[pti], true
}

// / TempSlots models the six dedicated temporary-mapping virtual pages
// / biscuit-style kernels place right after the kernel image to reach
// / foreign address spaces without the recursive self-map (spec.md 4.2).
// / Hosted, there is no TLB to flush; FlushCount records how many times a
// / slot was rewritten, so callers and tests can assert the expected
// / number of "flushes" without a real MMU.
type TempSlots struct {
	slots      [6]buddy.FrameNum
	FlushCount int
}

// / MapTemporaryPhysicalPageN rewrites temp slot n (0..5) to reference pa
// / and records the TLB flush that would follow on real hardware.
func (ts *TempSlots) MapTemporaryPhysicalPageN(n int, pa buddy.FrameNum) {
	if n < 0 || n >= len(ts.slots) {
		panic("bad temp slot")
	}
	ts.slots[n] = pa
	ts.FlushCount++
}

// / SlotFrame returns the frame currently mapped at temp slot n.
func (ts *TempSlots) SlotFrame(n int) buddy.FrameNum { return ts.slots[n] }
