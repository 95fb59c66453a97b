package main

import (
	"fmt"

	"github.com/go-logr/logr"

	"fat"
)

// runFilesystemDemo formats a fresh virtual disk, creates one file,
// writes it, and reads it back -- the FAT engine's counterpart to
// runMemoryDemo, exercising fat and diskdev the way the virtual NIC
// path exercises ethernet/netif.
func runFilesystemDemo(log logr.Logger) error {
	const numSectors = 1 << 16 // 32MiB at 512 bytes/sector
	disk := newVirtualDisk(numSectors)

	volume, err := fat.Format(disk, 0, fat.FormatOptions{TotalSectors: numSectors})
	if err != nil {
		return fmt.Errorf("formatting volume: %w", err)
	}
	log.Info("volume formatted", "kind", volume.Kind().String(), "clusters", volume.TotalClusters)

	const greeting = "hello from the exoskernel filesystem demo\n"
	if _, err := volume.CreateDirEntry(volume.RootCluster(), "hello.txt", fat.AttrArchive); err != nil {
		return fmt.Errorf("creating hello.txt: %w", err)
	}
	file, err := volume.Open("/hello.txt")
	if err != nil {
		return fmt.Errorf("opening hello.txt: %w", err)
	}
	if _, err := file.WriteAt([]byte(greeting), 0); err != nil {
		return fmt.Errorf("writing hello.txt: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing hello.txt: %w", err)
	}

	reopened, err := volume.Open("/hello.txt")
	if err != nil {
		return fmt.Errorf("reopening hello.txt: %w", err)
	}
	buf := make([]byte, reopened.Size())
	if _, err := reopened.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("reading hello.txt: %w", err)
	}

	log.Info("read back file", "name", "hello.txt", "size", reopened.Size(), "contents", string(buf))
	return nil
}
