package fat

import (
	"encoding/binary"

	"defs"
	"diskdev"
)

// fatEntryLocation returns which FAT sector holds cluster's entry and
// its byte offset within that sector, accounting for FAT12's packed
// 12-bit entries spanning sector boundaries.
func (fs *FileSystem) fatEntryLocation(cluster uint32) (sector uint32, offset uint32) {
	switch fs.kind {
	case FAT32:
		byteOff := cluster * 4
		return fs.FATStart + byteOff/uint32(fs.bpb.BytesPerSector), byteOff % uint32(fs.bpb.BytesPerSector)
	case FAT16:
		byteOff := cluster * 2
		return fs.FATStart + byteOff/uint32(fs.bpb.BytesPerSector), byteOff % uint32(fs.bpb.BytesPerSector)
	default: // FAT12
		byteOff := cluster + cluster/2 // cluster * 1.5
		return fs.FATStart + byteOff/uint32(fs.bpb.BytesPerSector), byteOff % uint32(fs.bpb.BytesPerSector)
	}
}

// / GetNextClusterInChain follows the FAT entry for cluster and returns
// / the next cluster in the chain, spec.md 3 "Cluster". isLast reports
// / whether next is a terminal sentinel (spec.md 3's per-width table).
func (fs *FileSystem) GetNextClusterInChain(cluster uint32) (next uint32, isLast bool, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.getNextLocked(cluster)
}

func (fs *FileSystem) getNextLocked(cluster uint32) (uint32, bool, error) {
	sector, offset := fs.fatEntryLocation(cluster)
	buf := make([]byte, SectorSize*2) // FAT12 entries may straddle a sector boundary
	if err := diskdev.ReadSector(fs.dev, sector, buf[:SectorSize]); err != nil {
		return 0, false, defs.EIO
	}
	if fs.kind == FAT12 && offset == uint32(fs.bpb.BytesPerSector)-1 {
		if err := diskdev.ReadSector(fs.dev, sector+1, buf[SectorSize:]); err != nil {
			return 0, false, defs.EIO
		}
	}

	switch fs.kind {
	case FAT32:
		v := binary.LittleEndian.Uint32(buf[offset:]) & clusterMask32
		return v, v >= fat32Reserved, nil
	case FAT16:
		v := uint32(binary.LittleEndian.Uint16(buf[offset:]))
		return v, v >= fat16Reserved, nil
	default: // FAT12
		raw := uint32(binary.LittleEndian.Uint16(buf[offset:]))
		var v uint32
		if cluster%2 == 0 {
			v = raw & 0xFFF
		} else {
			v = raw >> 4
		}
		return v, v >= fat12Last, nil
	}
}

// setEntryLocked writes value into cluster's FAT entry, in every FAT
// copy (spec.md 4.4 Write: "write the pointer to it into the previous
// cluster's slot in every FAT copy").
func (fs *FileSystem) setEntryLocked(cluster, value uint32) error {
	sector, offset := fs.fatEntryLocation(cluster)
	buf := make([]byte, SectorSize*2)
	if err := diskdev.ReadSector(fs.dev, sector, buf[:SectorSize]); err != nil {
		return defs.EIO
	}
	straddles := fs.kind == FAT12 && offset == uint32(fs.bpb.BytesPerSector)-1
	if straddles {
		if err := diskdev.ReadSector(fs.dev, sector+1, buf[SectorSize:]); err != nil {
			return defs.EIO
		}
	}

	switch fs.kind {
	case FAT32:
		cur := binary.LittleEndian.Uint32(buf[offset:])
		v := (value & clusterMask32) | (cur &^ clusterMask32)
		binary.LittleEndian.PutUint32(buf[offset:], v)
	case FAT16:
		binary.LittleEndian.PutUint16(buf[offset:], uint16(value))
	default: // FAT12
		raw := binary.LittleEndian.Uint16(buf[offset:])
		var newRaw uint16
		if cluster%2 == 0 {
			newRaw = (raw & 0xF000) | uint16(value&0xFFF)
		} else {
			newRaw = (raw & 0x000F) | uint16((value&0xFFF)<<4)
		}
		binary.LittleEndian.PutUint16(buf[offset:], newRaw)
	}

	sectorsPerFAT := fatSectorCount(fs)
	for copyIdx := uint32(0); copyIdx < uint32(fs.bpb.NumFATs); copyIdx++ {
		copySector := sector + copyIdx*sectorsPerFAT
		if err := diskdev.WriteSector(fs.dev, copySector, buf[:SectorSize]); err != nil {
			return defs.EIO
		}
		if straddles {
			if err := diskdev.WriteSector(fs.dev, copySector+1, buf[SectorSize:]); err != nil {
				return defs.EIO
			}
		}
	}
	return nil
}

func fatSectorCount(fs *FileSystem) uint32 {
	if fs.kind == FAT32 {
		return fs.bpb.SectorsPerFAT32
	}
	return uint32(fs.bpb.SectorsPerFAT16)
}

func (fs *FileSystem) lastClusterValue() uint32 {
	switch fs.kind {
	case FAT32:
		return fat32Last
	case FAT16:
		return fat16Last
	default:
		return 0xFFF
	}
}

// / ChainNewCluster scans the FAT for the first free slot, marks it as
// / the chain's terminal cluster, and links prev to it (spec.md 4.4
// / Write: "ChainNewCluster: scan the FAT for the first free slot, mark
// / it LAST, write the pointer to it into the previous cluster's slot
// / in every FAT copy. Returns 0 if FAT is full -> FS_NOSPACE").
func (fs *FileSystem) ChainNewCluster(prev uint32) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for c := uint32(2); c < fs.TotalClusters+2; c++ {
		next, _, err := fs.getNextLocked(c)
		if err != nil {
			return 0, err
		}
		if next != 0 {
			continue
		}
		if err := fs.setEntryLocked(c, fs.lastClusterValue()); err != nil {
			return 0, err
		}
		if prev != 0 {
			if err := fs.setEntryLocked(prev, c); err != nil {
				return 0, err
			}
		}
		return c, nil
	}
	return 0, defs.ENOSPC
}

// / FreeChain walks the chain starting at cluster, zeroing every entry
// / (used when a file is truncated or deleted).
func (fs *FileSystem) FreeChain(cluster uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for cluster != 0 {
		next, last, err := fs.getNextLocked(cluster)
		if err != nil {
			return err
		}
		if err := fs.setEntryLocked(cluster, 0); err != nil {
			return err
		}
		if last {
			break
		}
		cluster = next
	}
	return nil
}
