// Package diskdev is the block-storage family's view of the
// Command(code, param) driver ABI (spec.md 6), the DF_DISK_* and
// DF_FS_* codes defs.DriverCmd names, styled directly after package
// ethernet's Driver/GetInfo/Send/Poll wrapping of its own DF_NT_*
// family so both device classes look the same to a caller.
package diskdev

import "defs"

// / Info is what DF_DISK_GETINFO reports about a block device.
type Info struct {
	SectorSize int
	NumSectors uint32
}

// / ReadParam is the DF_DISK_READ payload: fill Buf (len(Buf) must be a
// / multiple of SectorSize) starting at sector LBA.
type ReadParam struct {
	LBA uint32
	Buf []byte
}

// / WriteParam is the DF_DISK_WRITE payload: write Data (a multiple of
// / SectorSize bytes) starting at sector LBA.
type WriteParam struct {
	LBA  uint32
	Data []byte
}

// / Driver is the block-storage view of Command(code, param): a
// / concrete disk backend (the simulator's in-memory image, a raw
// / device file) implements the single untyped Command dispatch, and this
// / package's GetInfo/ReadSector/WriteSector functions wrap it with typed
// / parameters, as ethernet.Driver's helpers do for NICs.
type Driver interface {
	Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error)
}

// infoProvider lets a driver answer DF_DISK_GETINFO synchronously, the
// same shape ethernet.Driver uses for DF_NT_GETINFO.
type infoProvider interface {
	Info() Info
}

// / GetInfo issues DF_DISK_GETINFO against d.
func GetInfo(d Driver) (Info, error) {
	if _, err := d.Command(defs.DF_DISK_GETINFO, nil); err != nil {
		return Info{}, err
	}
	p, ok := d.(infoProvider)
	if !ok {
		return Info{}, defs.EGENERIC
	}
	return p.Info(), nil
}

// / ReadSector issues DF_DISK_READ, filling buf from sector lba.
func ReadSector(d Driver, lba uint32, buf []byte) error {
	_, err := d.Command(defs.DF_DISK_READ, ReadParam{LBA: lba, Buf: buf})
	return err
}

// / WriteSector issues DF_DISK_WRITE, writing data to sector lba.
func WriteSector(d Driver, lba uint32, data []byte) error {
	_, err := d.Command(defs.DF_DISK_WRITE, WriteParam{LBA: lba, Data: data})
	return err
}
