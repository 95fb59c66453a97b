// Package fat implements the FAT12/16/32 filesystem engine of spec.md
// 4.4: mount, name decoding (8.3 plus FAT32 long names), cluster-chain
// walking, path resolution, read/write, and directory-entry creation.
//
// Grounded on original_source/kernel/source/FAT.h's on-disk structures
// (the FAT16MBR/FAT32MBR boot sectors, FATDIRENTRY/FATDIRENTRY_EXT/
// FATDIRENTRY_LFN layouts) and drivers/FAT16.c and
// drivers/filesystems/FAT32-*.c's traversal logic, generalized the way
// ipv4/tcp generalize ARP.h's fixed packet layout: one Go struct per
// on-disk record, decoded with encoding/binary rather than C's #pragma
// pack(1) overlay.
package fat

import (
	"encoding/binary"
	"fmt"
	"sync"

	"defs"
	"diskdev"
)

const (
	SectorSize  = 512
	bootSigOff  = 510
	bootSigWant = 0xAA55
)

// / Type identifies which FAT width a mounted volume uses. The cluster
// / terminal sentinels and FAT-entry width both depend on it
// / (spec.md 3 "Cluster").
type Type int

const (
	FAT12 Type = iota
	FAT16
	FAT32
)

func (t Type) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return "unknown"
	}
}

// Cluster terminal sentinels and special values, spec.md 3: "Terminal
// sentinels: FAT12 >=0xFF8, FAT16 >=0xFFF0, FAT32 >=0x0FFF'FFF8 (upper
// 4 bits reserved). Special value 0 = free; 0xFFF7 (FAT16) /
// 0x0FFF'FFF7 (FAT32) = bad cluster."
const (
	fat12Last     = 0xFF8
	fat16Reserved = 0xFFF0
	fat16Bad      = 0xFFF7
	fat16Last     = 0xFFFF
	fat32Reserved = 0xFFFFFFF0
	fat32Bad      = 0xFFFFFFF7
	fat32Last     = 0xFFFFFFFF
	clusterMask32 = 0x0FFFFFFF // upper 4 bits reserved, spec.md 3
)

// / BPB holds the fields of the BIOS Parameter Block common to
// / FAT16MBR and FAT32MBR (spec.md 4.4 "master copy of BPB").
type BPB struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	NumRootEntries    uint16 // 0 for FAT32
	NumSectorsSmall   uint16 // 0 when the large field is used
	SectorsPerFAT16   uint16 // 0 for FAT32
	NumSectors        uint32
	SectorsPerFAT32   uint32 // 0 for FAT12/16
	RootCluster       uint32 // FAT32 only
	FATTypeLabel      string // "FAT16   " / "FAT32   " as stored
}

// / FileSystem is one mounted volume's metadata, spec.md 4.4: "master
// / copy of BPB, PartitionStart/Size, FATStart, FATStart2, DataStart,
// / BytesPerCluster, IOBuffer = one cluster."
type FileSystem struct {
	mu sync.Mutex

	dev   diskdev.Driver
	kind  Type
	bpb   BPB
	label string

	PartitionStart uint32
	PartitionSize  uint32
	FATStart       uint32
	FATStart2      uint32
	DataStart      uint32
	BytesPerCluster uint32
	TotalClusters   uint32

	ioBuffer []byte
}

// / Kind reports which FAT width this volume uses.
func (fs *FileSystem) Kind() Type { return fs.kind }

// / Mount reads LBA partitionStart of dev, validates the boot sector,
// / and builds FileSystem metadata (spec.md 4.4 "Mount").
func Mount(dev diskdev.Driver, partitionStart uint32) (*FileSystem, error) {
	sector := make([]byte, SectorSize)
	if err := diskdev.ReadSector(dev, partitionStart, sector); err != nil {
		return nil, defs.EIO
	}

	if binary.LittleEndian.Uint16(sector[bootSigOff:]) != bootSigWant {
		return nil, fmt.Errorf("fat: bad boot signature: %w", defs.EBADPARAM)
	}

	bpb := BPB{
		BytesPerSector:    binary.LittleEndian.Uint16(sector[11:13]),
		SectorsPerCluster: sector[13],
		ReservedSectors:   binary.LittleEndian.Uint16(sector[14:16]),
		NumFATs:           sector[16],
		NumRootEntries:    binary.LittleEndian.Uint16(sector[17:19]),
		NumSectorsSmall:   binary.LittleEndian.Uint16(sector[19:21]),
		SectorsPerFAT16:   binary.LittleEndian.Uint16(sector[22:24]),
	}
	if bpb.BytesPerSector == 0 {
		bpb.BytesPerSector = SectorSize
	}

	var numSectorsLarge uint32
	if sectorsField := binary.LittleEndian.Uint32(sector[32:36]); sectorsField != 0 {
		numSectorsLarge = sectorsField
	} else {
		numSectorsLarge = uint32(bpb.NumSectorsSmall)
	}
	bpb.NumSectors = numSectorsLarge

	kind := FAT16
	var fatLabel string
	if bpb.SectorsPerFAT16 == 0 {
		// FAT32 MBR layout: NumSectorsPerFAT32 lives at 36, RootCluster
		// at 44, the "FAT32   " literal at 82 (FAT.h tag_FAT32MBR).
		kind = FAT32
		bpb.SectorsPerFAT32 = binary.LittleEndian.Uint32(sector[36:40])
		bpb.RootCluster = binary.LittleEndian.Uint32(sector[44:48])
		fatLabel = string(sector[82:90])
	} else {
		// FAT16 MBR layout: the "FAT16   " literal sits at offset 54
		// (tag_FAT16MBR.FATName, after ExtendedSignature/SerialNumber/
		// VolumeName).
		fatLabel = string(sector[54:62])
	}

	fs := &FileSystem{
		dev:            dev,
		kind:           kind,
		bpb:            bpb,
		label:          fatLabel,
		PartitionStart: partitionStart,
		PartitionSize:  numSectorsLarge,
		FATStart:       partitionStart + uint32(bpb.ReservedSectors),
	}

	sectorsPerFAT := uint32(bpb.SectorsPerFAT16)
	if kind == FAT32 {
		sectorsPerFAT = bpb.SectorsPerFAT32
	}
	fs.FATStart2 = fs.FATStart + sectorsPerFAT

	rootDirSectors := (uint32(bpb.NumRootEntries)*32 + uint32(bpb.BytesPerSector) - 1) / uint32(bpb.BytesPerSector)
	fs.DataStart = fs.FATStart + sectorsPerFAT*uint32(bpb.NumFATs) + rootDirSectors

	fs.BytesPerCluster = uint32(bpb.SectorsPerCluster) * uint32(bpb.BytesPerSector)
	if fs.BytesPerCluster == 0 {
		return nil, fmt.Errorf("fat: zero cluster size: %w", defs.EBADPARAM)
	}
	dataSectors := numSectorsLarge - (fs.DataStart - partitionStart)
	fs.TotalClusters = dataSectors / uint32(bpb.SectorsPerCluster)

	fs.ioBuffer = make([]byte, fs.BytesPerCluster)

	if kind == FAT16 && fs.TotalClusters < fat12Last && fs.TotalClusters > 0 {
		// Small FAT16-labeled volumes with few enough clusters behave
		// as FAT12 on real media; spec.md 4.4 only asks us to detect
		// FAT16/FAT32 from the label, so this follows from cluster
		// count like the original driver's table does.
		fs.kind = FAT12
	}

	return fs, nil
}

// RootCluster returns the cluster where directory scanning for "/"
// begins: Master.RootCluster for FAT32, the fixed reserved cluster #1
// for FAT16/FAT12 (spec.md 4.4 "Path resolution").
func (fs *FileSystem) RootCluster() uint32 {
	if fs.kind == FAT32 {
		return fs.bpb.RootCluster
	}
	return 1
}

// clusterToLBA converts a data cluster number to its first sector's LBA.
// Clusters 0 and 1 are reserved; data clusters start at 2.
func (fs *FileSystem) clusterToLBA(cluster uint32) uint32 {
	return fs.DataStart + (cluster-2)*uint32(fs.bpb.SectorsPerCluster)
}

// readCluster reads a whole cluster into fs.ioBuffer and returns it.
func (fs *FileSystem) readCluster(cluster uint32) ([]byte, error) {
	if fs.kind != FAT32 && cluster == 1 {
		return fs.readRootDir()
	}
	lba := fs.clusterToLBA(cluster)
	sectorsPerCluster := int(fs.bpb.SectorsPerCluster)
	for i := 0; i < sectorsPerCluster; i++ {
		sec := fs.ioBuffer[i*SectorSize : (i+1)*SectorSize]
		if err := diskdev.ReadSector(fs.dev, lba+uint32(i), sec); err != nil {
			return nil, defs.EIO
		}
	}
	return fs.ioBuffer, nil
}

func (fs *FileSystem) writeCluster(cluster uint32, data []byte) error {
	if fs.kind != FAT32 && cluster == 1 {
		return fs.writeRootDir(data)
	}
	lba := fs.clusterToLBA(cluster)
	sectorsPerCluster := int(fs.bpb.SectorsPerCluster)
	for i := 0; i < sectorsPerCluster; i++ {
		if err := diskdev.WriteSector(fs.dev, lba+uint32(i), data[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return defs.EIO
		}
	}
	return nil
}

// FAT12/16 root directories live in a fixed region before DataStart
// rather than in the cluster chain; these two helpers let readCluster/
// writeCluster treat "cluster 1" (our RootCluster() sentinel) as if it
// were an ordinary cluster-sized buffer.
func (fs *FileSystem) rootDirLBA() uint32 {
	sectorsPerFAT := uint32(fs.bpb.SectorsPerFAT16)
	return fs.PartitionStart + uint32(fs.bpb.ReservedSectors) + sectorsPerFAT*uint32(fs.bpb.NumFATs)
}

func (fs *FileSystem) rootDirSectors() uint32 {
	return (uint32(fs.bpb.NumRootEntries)*32 + uint32(fs.bpb.BytesPerSector) - 1) / uint32(fs.bpb.BytesPerSector)
}

func (fs *FileSystem) readRootDir() ([]byte, error) {
	n := fs.rootDirSectors()
	buf := fs.ioBuffer
	if uint32(len(buf)) < n*SectorSize {
		buf = make([]byte, n*SectorSize)
	}
	lba := fs.rootDirLBA()
	for i := uint32(0); i < n; i++ {
		if err := diskdev.ReadSector(fs.dev, lba+i, buf[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return nil, defs.EIO
		}
	}
	return buf[:n*SectorSize], nil
}

func (fs *FileSystem) writeRootDir(data []byte) error {
	n := fs.rootDirSectors()
	lba := fs.rootDirLBA()
	for i := uint32(0); i < n; i++ {
		if err := diskdev.WriteSector(fs.dev, lba+i, data[i*SectorSize:(i+1)*SectorSize]); err != nil {
			return defs.EIO
		}
	}
	return nil
}
