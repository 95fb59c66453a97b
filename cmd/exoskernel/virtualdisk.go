package main

import (
	"sync"

	"defs"
	"diskdev"
	"fat"
)

// virtualDisk is the simulator's software-only block device: a flat
// sector image held in memory, backing the fat package's mounted
// volume the way virtualNIC backs the network stack.
type virtualDisk struct {
	mu      sync.Mutex
	info    diskdev.Info
	sectors map[uint32][]byte
}

func newVirtualDisk(numSectors uint32) *virtualDisk {
	return &virtualDisk{
		info:    diskdev.Info{SectorSize: fat.SectorSize, NumSectors: numSectors},
		sectors: make(map[uint32][]byte),
	}
}

func (d *virtualDisk) Info() diskdev.Info { return d.info }

func (d *virtualDisk) Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error) {
	switch code {
	case defs.DF_DISK_GETINFO:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_DISK_READ:
		p, ok := param.(diskdev.ReadParam)
		if !ok {
			return defs.DF_RETURN_ERROR, defs.EBADPARAM
		}
		d.mu.Lock()
		if s, ok := d.sectors[p.LBA]; ok {
			copy(p.Buf, s)
		} else {
			for i := range p.Buf {
				p.Buf[i] = 0
			}
		}
		d.mu.Unlock()
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_DISK_WRITE:
		p, ok := param.(diskdev.WriteParam)
		if !ok {
			return defs.DF_RETURN_ERROR, defs.EBADPARAM
		}
		cp := append([]byte(nil), p.Data...)
		d.mu.Lock()
		d.sectors[p.LBA] = cp
		d.mu.Unlock()
		return defs.DF_RETURN_SUCCESS, nil
	}
	return defs.DF_RETURN_NOTIMPL, defs.ENOSYS
}
