// Package vmregion implements the region descriptor tracker and
// AllocRegion/ResizeRegion/FreeRegion family of spec.md 4.3: the single
// entry point through which every virtual mapping in an address space is
// created, grown, shrunk, and torn down.
//
// Grounded on biscuit/src/vm/as.go's Vm_t: Page_insert/_page_insert's
// "install PTE, bump refcount, roll back on failure" shape, and
// Page_remove's "clear PTE, drop refcount" mirror for teardown.
// biscuit's Vmregion_t tracks regions by Vminfo_t entries keyed on a
// type (anon/file/shared); this tracker flattens that to the flag set
// spec.md 4.3 names (COMMIT/READWRITE/AT_OR_OVER/UC/WC/IO) since the
// higher virtual allocator here has no file-backed mappings to express.
package vmregion

import (
	"fmt"
	"sort"
	"sync"

	"buddy"
	"paging"
)

// / Flags control how AllocRegion treats a requested span.
type Flags uint32

const (
	COMMIT Flags = 1 << iota
	READWRITE
	AT_OR_OVER
	UC
	WC
	IO
)

// / Granularity records which table level a region's fast-walker
// / segments ended up using; 4K is always valid, 2M/1G are opportunistic.
type Granularity int

const (
	Gran4K Granularity = iota
	Gran2M
	Gran1G
)

const (
	pageSize  = paging.PGSIZE
	pagesIn2M = (2 << 20) / pageSize
	pagesIn1G = (1 << 30) / pageSize
	// maxChunkPages bounds a single fast-walker batch so large regions
	// are processed in cache-friendly slices (spec.md 4.3).
	maxChunkPages = 512
	// minAllocBase is the lowest address AT_OR_OVER/auto-placement scans
	// from, keeping regions out of the low 4 MiB reserved for boot data.
	minAllocBase = 4 << 20
	// maxPhysBits bounds how wide a caller-supplied Target physical
	// address may be: the 52-bit physical window named in spec.md 4.3.
	maxPhysBits = 52
)

// / RegionDescriptor is the authoritative record for one logical virtual
// / allocation (spec.md 3 "RegionDescriptor").
type RegionDescriptor struct {
	Base        uintptr
	Pages       int
	PhysBase    buddy.FrameNum // 0 means anonymous (frames allocated per page)
	Flags       Flags
	Granularity Granularity
	Tag         string
}

func (d *RegionDescriptor) end() uintptr { return d.Base + uintptr(d.Pages)*pageSize }

// / Tracker owns one address space's region list plus the resources
// / (frame store, buddy allocator, root table) AllocRegion needs to back
// / a commitment with real memory.
type Tracker struct {
	mu       sync.Mutex
	mem      paging.Memory
	buddy    *buddy.Buddy_t
	pml4     *paging.Table
	ramPages int
	regions  []*RegionDescriptor // kept sorted by Base
}

// / NewTracker builds a region tracker over pml4, allocating intermediate
// / tables via mem and leaf frames via b. ramPages is the detected total
// / RAM size used to reject the "more than 25% of RAM" request.
func NewTracker(mem paging.Memory, b *buddy.Buddy_t, pml4 *paging.Table, ramPages int) *Tracker {
	return &Tracker{mem: mem, buddy: b, pml4: pml4, ramPages: ramPages}
}

func roundupPages(size int) int {
	return (size + pageSize - 1) / pageSize
}

// / IsRegionFree reports whether [base, base+size) overlaps no existing
// / descriptor.
func (t *Tracker) IsRegionFree(base uintptr, size int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isFreeLocked(base, roundupPages(size))
}

func (t *Tracker) isFreeLocked(base uintptr, pages int) bool {
	end := base + uintptr(pages)*pageSize
	for _, d := range t.regions {
		if base < d.end() && end > d.Base {
			return false
		}
	}
	return true
}

func (t *Tracker) insertLocked(d *RegionDescriptor) {
	i := sort.Search(len(t.regions), func(i int) bool { return t.regions[i].Base >= d.Base })
	t.regions = append(t.regions, nil)
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = d
}

func (t *Tracker) removeLocked(d *RegionDescriptor) {
	for i, r := range t.regions {
		if r == d {
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			return
		}
	}
}

// / findLocked returns the descriptor whose Base matches exactly.
func (t *Tracker) findLocked(base uintptr) *RegionDescriptor {
	for _, d := range t.regions {
		if d.Base == base {
			return d
		}
	}
	return nil
}

func pteFlags(f Flags) paging.PTE {
	p := paging.PTE(0)
	if f&READWRITE != 0 {
		p |= paging.PTE_W
	}
	if f&UC != 0 {
		p |= paging.PTE_PCD
	} else if f&WC != 0 {
		p |= paging.PTE_PWT
	}
	if f&IO != 0 {
		p |= paging.PTE_FIXED
	}
	return p | paging.PTE_U
}

// / AllocRegion is the single public entry point for creating a new
// / virtual mapping (spec.md 4.3). base==0 or AT_OR_OVER set means the
// / tracker chooses the base by scanning upward from max(base, 4 MiB).
// / target!=0 pins the region to a caller-supplied physical base (IO/MMIO
// / or a remap of already-owned frames) and requires COMMIT.
func (t *Tracker) AllocRegion(base uintptr, target buddy.FrameNum, size int, flags Flags, tag string) (uintptr, error) {
	pages := roundupPages(size)
	if pages == 0 {
		return 0, fmt.Errorf("vmregion: zero-size region")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ramPages > 0 && pages > t.ramPages/4 {
		return 0, fmt.Errorf("vmregion: region of %d pages exceeds 25%% of RAM (%d pages)", pages, t.ramPages)
	}
	if target != 0 {
		if flags&COMMIT == 0 {
			return 0, fmt.Errorf("vmregion: Target requires COMMIT")
		}
		if uint64(target)<<paging.PGSHIFT >= (uint64(1) << maxPhysBits) {
			return 0, fmt.Errorf("vmregion: Target frame %d outside 52-bit physical window", target)
		}
	}

	placedBase := base
	if base == 0 || flags&AT_OR_OVER != 0 {
		start := base
		if start < minAllocBase {
			start = minAllocBase
		}
		for !t.isFreeLocked(start, pages) {
			start += pageSize
		}
		placedBase = start
	} else if !t.isFreeLocked(base, pages) {
		return 0, fmt.Errorf("vmregion: requested base %#x overlaps an existing region", base)
	}

	installed, err := t.mapRangeLocked(placedBase, pages, target, flags)
	if err != nil {
		t.unmapRangeLocked(placedBase, installed, flags&IO == 0)
		return 0, err
	}

	d := &RegionDescriptor{
		Base:        placedBase,
		Pages:       pages,
		PhysBase:    target,
		Flags:       flags,
		Granularity: segmentGranularity(placedBase, pages),
		Tag:         tag,
	}
	t.insertLocked(d)
	return placedBase, nil
}

// mapRangeLocked walks/creates PTEs for `pages` pages starting at base.
// It always installs a present=0 placeholder via Walk(create=true); when
// flags has COMMIT it replaces the placeholder with a real frame. It
// returns the count of pages it successfully committed, so the caller
// can roll back exactly that many on failure.
func (t *Tracker) mapRangeLocked(base uintptr, pages int, target buddy.FrameNum, flags Flags) (int, error) {
	leafFlags := pteFlags(flags)
	for i := 0; i < pages; i++ {
		va := base + uintptr(i)*pageSize
		pte, ok := paging.Walk(t.mem, t.pml4, va, true)
		if !ok {
			return i, fmt.Errorf("vmregion: failed to reach page table for %#x", va)
		}
		if flags&COMMIT == 0 {
			continue
		}
		var frame buddy.FrameNum
		if target != 0 {
			frame = target + buddy.FrameNum(i)
		} else if flags&IO != 0 {
			return i, fmt.Errorf("vmregion: IO region requires an explicit Target")
		} else {
			frame = t.buddy.AllocPhysicalPage()
			if frame == 0 {
				return i, fmt.Errorf("vmregion: out of physical memory at page %d", i)
			}
		}
		if flags&IO != 0 {
			t.buddy.SetPhysicalPageMark(frame, true)
		}
		*pte = paging.NewPTE(frame, leafFlags)
	}
	return pages, nil
}

// unmapRangeLocked clears n pages' worth of PTEs from base and, when
// freeFrames is set, returns their frames to the buddy pool.
func (t *Tracker) unmapRangeLocked(base uintptr, pages int, freeFrames bool) {
	for i := 0; i < pages; i++ {
		va := base + uintptr(i)*pageSize
		pte, ok := paging.Walk(t.mem, t.pml4, va, false)
		if !ok || !pte.Present() {
			continue
		}
		frame := pte.Frame()
		*pte = 0
		if freeFrames {
			t.buddy.FreePhysicalPage(frame)
		}
	}
}

func segmentGranularity(base uintptr, pages int) Granularity {
	if base%(pagesIn1G*pageSize) == 0 && pages%pagesIn1G == 0 {
		return Gran1G
	}
	if base%(pagesIn2M*pageSize) == 0 && pages%pagesIn2M == 0 {
		return Gran2M
	}
	return Gran4K
}

// / Segment describes one fast-walker batch: startPage is an offset (in
// / pages) from a region's base, count is how many pages the batch
// / covers (never more than maxChunkPages), and Granularity records the
// / alignment that let the walker pick this batch size.
type Segment struct {
	StartPage   int
	Count       int
	Granularity Granularity
}

// / PlanWalk splits a `pages`-page span starting at base into the fast
// / walker's segments: biggest-aligned-chunk-first (1G, then 2M, then
// / 4K), each capped at maxChunkPages so a single batch stays cache-sized
// / (spec.md 4.3's "≤512-page chunks").
func PlanWalk(base uintptr, pages int) []Segment {
	var segs []Segment
	off := 0
	for off < pages {
		remaining := pages - off
		va := base + uintptr(off)*pageSize
		chunk := 1
		gran := Gran4K
		switch {
		case va%(pagesIn1G*pageSize) == 0 && remaining >= pagesIn1G:
			chunk = pagesIn1G
			gran = Gran1G
		case va%(pagesIn2M*pageSize) == 0 && remaining >= pagesIn2M:
			chunk = pagesIn2M
			gran = Gran2M
		default:
			chunk = remaining
			gran = Gran4K
		}
		for chunk > 0 {
			batch := chunk
			if batch > maxChunkPages {
				batch = maxChunkPages
			}
			segs = append(segs, Segment{StartPage: off, Count: batch, Granularity: gran})
			off += batch
			chunk -= batch
		}
	}
	return segs
}

// / ResizeRegion grows or shrinks the region at base from oldSize to
// / newSize bytes. Growth only succeeds if the tail past the current
// / region is free; shrink always succeeds, releasing the surplus pages.
func (t *Tracker) ResizeRegion(base uintptr, target buddy.FrameNum, oldSize, newSize int, flags Flags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.findLocked(base)
	if d == nil || d.Pages != roundupPages(oldSize) {
		return false
	}
	newPages := roundupPages(newSize)
	switch {
	case newPages == d.Pages:
		return true
	case newPages > d.Pages:
		tailBase := d.end()
		tailPages := newPages - d.Pages
		// exclude d itself from the overlap scan for the tail check.
		t.removeLocked(d)
		free := t.isFreeLocked(tailBase, tailPages)
		t.insertLocked(d)
		if !free {
			return false
		}
		tailTarget := buddy.FrameNum(0)
		if target != 0 {
			tailTarget = target + buddy.FrameNum(d.Pages)
		}
		installed, err := t.mapRangeLocked(tailBase, tailPages, tailTarget, flags)
		if err != nil {
			t.unmapRangeLocked(tailBase, installed, flags&IO == 0)
			return false
		}
		d.Pages = newPages
		d.Granularity = segmentGranularity(d.Base, d.Pages)
		return true
	default:
		freePages := d.Pages - newPages
		freeBase := d.Base + uintptr(newPages)*pageSize
		t.unmapRangeLocked(freeBase, freePages, d.Flags&IO == 0)
		d.Pages = newPages
		d.Granularity = segmentGranularity(d.Base, d.Pages)
		return true
	}
}

// / FreeRegion tears down the region spanning [base, base+size), using
// / the fast walker's segmentation to batch the unmap, releases its
// / frames unless the region is IO/fixed, and drops the descriptor.
func (t *Tracker) FreeRegion(base uintptr, size int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	d := t.findLocked(base)
	if d == nil || d.Pages != roundupPages(size) {
		return false
	}
	for _, seg := range PlanWalk(d.Base, d.Pages) {
		segBase := d.Base + uintptr(seg.StartPage)*pageSize
		t.unmapRangeLocked(segBase, seg.Count, d.Flags&IO == 0)
	}
	t.removeLocked(d)
	return true
}

// / BuddyFor returns the physical frame allocator backing this tracker,
// / so a sibling tracker (e.g. a new user address space cloned from the
// / kernel one) can be built against the same pool.
func (t *Tracker) BuddyFor() *buddy.Buddy_t { return t.buddy }

// / RAMPagesFor returns the RAM size this tracker enforces the 25% cap
// / against.
func (t *Tracker) RAMPagesFor() int { return t.ramPages }

// / Lookup returns the descriptor covering va, if any.
func (t *Tracker) Lookup(va uintptr) (*RegionDescriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.regions {
		if va >= d.Base && va < d.end() {
			return d, true
		}
	}
	return nil, false
}

// / Snapshot returns a copy of every tracked region descriptor, sorted by
// / base address, for offline diagnostics (package diag).
func (t *Tracker) Snapshot() []RegionDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RegionDescriptor, len(t.regions))
	for i, d := range t.regions {
		out[i] = *d
	}
	return out
}
