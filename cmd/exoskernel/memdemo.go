package main

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"

	"buddy"
	"diag"
	"paging"
	"vmregion"
)

// runMemoryDemo exercises the buddy allocator, frame store, and region
// tracker the way diag_test.go's newTracker helper does, then dumps a
// pprof-readable memory profile to stdout -- the virtual-memory half of
// this core, which has no network counterpart to hang off netmgr.
func runMemoryDemo(log logr.Logger) error {
	const frames = 4096
	b, n := buddy.NewBuddy(0, frames, 1<<20)
	if n <= 0 {
		return fmt.Errorf("buddy allocator rejected frame count %d", frames)
	}
	mem := paging.NewFrameStore(b)
	pml4 := &paging.Table{}
	tr := vmregion.NewTracker(mem, b, pml4, n)

	if _, err := tr.AllocRegion(0, 0, 0x4000, vmregion.COMMIT|vmregion.READWRITE, "heap"); err != nil {
		return fmt.Errorf("allocating heap region: %w", err)
	}
	if _, err := tr.AllocRegion(0x10000000, 0, 0x2000, vmregion.COMMIT|vmregion.READWRITE, "stack"); err != nil {
		return fmt.Errorf("allocating stack region: %w", err)
	}

	log.Info("memory demo: allocated heap and stack regions", "frames", n)
	return diag.DumpMemoryProfile(os.Stdout, tr, b)
}
