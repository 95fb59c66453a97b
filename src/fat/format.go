package fat

import (
	"encoding/binary"
	"fmt"

	"defs"
	"diskdev"
)

// Layout constants for a freshly formatted FAT16 volume, named after
// the teacher's mkfs.go constant block (nlogblks/ninodeblks/ndatablks)
// describing a fixed-size fresh image rather than a tunable one.
const (
	formatReservedSectors   = 1
	formatNumFATs           = 2
	formatSectorsPerCluster = 1
	formatNumRootEntries    = 512
)

// / FormatOptions sizes a freshly created volume.
type FormatOptions struct {
	// TotalSectors is the partition's total sector count, including the
	// boot sector, FATs, and root directory.
	TotalSectors uint32
}

// / Format writes a fresh FAT16 boot sector and zeroed FAT/root-
// / directory region to dev starting at partitionStart, then mounts and
// / returns it -- the hosted equivalent of the teacher's mkfs command,
// / producing an empty volume instead of populating one from a host
// / directory tree (spec.md 4.4 has no mkfs operation of its own; this
// / exists so cmd/exoskernel has something to Mount without a
// / prebuilt disk image).
func Format(dev diskdev.Driver, partitionStart uint32, opts FormatOptions) (*FileSystem, error) {
	rootDirSectors := uint32((formatNumRootEntries*32 + SectorSize - 1) / SectorSize)

	// Size the FAT so every data cluster (the sectors left after the
	// reserved area, FATs, and root dir) has an entry; solving
	// sectorsPerFAT = ceil(dataSectors * 2 / SectorSize) where
	// dataSectors depends on sectorsPerFAT requires one fixed-point
	// pass since FAT16 entries are 2 bytes each.
	overhead := formatReservedSectors + rootDirSectors
	if opts.TotalSectors <= overhead {
		return nil, fmt.Errorf("fat: volume too small to format: %w", defs.EBADPARAM)
	}
	sectorsPerFAT := uint32(1)
	for {
		dataSectors := opts.TotalSectors - overhead - sectorsPerFAT*formatNumFATs
		needed := (dataSectors/formatSectorsPerCluster*2 + SectorSize - 1) / SectorSize
		if needed <= sectorsPerFAT {
			break
		}
		sectorsPerFAT = needed
	}

	boot := make([]byte, SectorSize)
	binary.LittleEndian.PutUint16(boot[11:13], SectorSize)
	boot[13] = formatSectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:16], formatReservedSectors)
	boot[16] = formatNumFATs
	binary.LittleEndian.PutUint16(boot[17:19], formatNumRootEntries)
	if opts.TotalSectors > 0xFFFF {
		binary.LittleEndian.PutUint32(boot[32:36], opts.TotalSectors)
	} else {
		binary.LittleEndian.PutUint16(boot[19:21], uint16(opts.TotalSectors))
	}
	boot[21] = 0xF8 // fixed-disk media descriptor, FAT.h MediaDescriptor
	binary.LittleEndian.PutUint16(boot[22:24], uint16(sectorsPerFAT))
	copy(boot[54:62], "FAT16   ")
	binary.LittleEndian.PutUint16(boot[bootSigOff:bootSigOff+2], bootSigWant)

	if err := diskdev.WriteSector(dev, partitionStart, boot); err != nil {
		return nil, defs.EIO
	}

	zero := make([]byte, SectorSize)
	fatStart := partitionStart + formatReservedSectors
	regionEnd := fatStart + sectorsPerFAT*formatNumFATs + rootDirSectors
	for lba := fatStart; lba < regionEnd; lba++ {
		if err := diskdev.WriteSector(dev, lba, zero); err != nil {
			return nil, defs.EIO
		}
	}

	return Mount(dev, partitionStart)
}
