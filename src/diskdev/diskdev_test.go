package diskdev_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"diskdev"
)

type fakeDisk struct {
	info  diskdev.Info
	sectors map[uint32][]byte
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{info: diskdev.Info{SectorSize: 512, NumSectors: 16}, sectors: make(map[uint32][]byte)}
}

func (f *fakeDisk) Info() diskdev.Info { return f.info }

func (f *fakeDisk) Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error) {
	switch code {
	case defs.DF_DISK_GETINFO:
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_DISK_READ:
		p := param.(diskdev.ReadParam)
		if s, ok := f.sectors[p.LBA]; ok {
			copy(p.Buf, s)
		}
		return defs.DF_RETURN_SUCCESS, nil
	case defs.DF_DISK_WRITE:
		p := param.(diskdev.WriteParam)
		cp := append([]byte(nil), p.Data...)
		f.sectors[p.LBA] = cp
		return defs.DF_RETURN_SUCCESS, nil
	}
	return defs.DF_RETURN_NOTIMPL, defs.ENOSYS
}

func TestGetInfoReturnsDriverInfo(t *testing.T) {
	d := newFakeDisk()
	info, err := diskdev.GetInfo(d)
	require.NoError(t, err)
	require.Equal(t, 512, info.SectorSize)
	require.EqualValues(t, 16, info.NumSectors)
}

func TestWriteThenReadSectorRoundTrips(t *testing.T) {
	d := newFakeDisk()
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, diskdev.WriteSector(d, 3, data))

	buf := make([]byte, 512)
	require.NoError(t, diskdev.ReadSector(d, 3, buf))
	require.Equal(t, data, buf)
}
