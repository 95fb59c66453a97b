package fat

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"defs"
	"diskdev"
)

// memDisk is an in-memory diskdev.Driver backed by a sparse sector map,
// so tests can mount volumes with thousands of clusters without
// allocating a contiguous multi-megabyte slice.
type memDisk struct {
	mu      sync.Mutex
	sectors map[uint32][]byte
}

func newMemDisk() *memDisk { return &memDisk{sectors: make(map[uint32][]byte)} }

func (d *memDisk) Command(code defs.DriverCmd, param interface{}) (defs.DriverReturn, error) {
	switch code {
	case defs.DF_DISK_READ:
		p := param.(diskdev.ReadParam)
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
		p := param.(diskdev.WriteParam)
		cp := make([]byte, len(p.Data))
		copy(cp, p.Data)
		d.mu.Lock()
		d.sectors[p.LBA] = cp
		d.mu.Unlock()
		return defs.DF_RETURN_SUCCESS, nil
	}
	return defs.DF_RETURN_NOTIMPL, defs.ENOSYS
}

// buildFAT16Image writes a minimal but real FAT16 boot sector: one FAT
// copy, a one-sector root directory, and enough clusters (at least
// 0xFF8 = 4088, fat12Last) that Mount's cluster-count heuristic
// classifies it as FAT16, not FAT12.
func buildFAT16Image(t *testing.T) *memDisk {
	t.Helper()
	d := newMemDisk()

	const (
		reservedSectors   = 1
		numFATs           = 1
		sectorsPerFAT     = 20
		numRootEntries    = 16
		sectorsPerCluster = 1
		totalClusters     = 5000
	)
	dataStart := reservedSectors + sectorsPerFAT*numFATs + 1 // +1 for the 1-sector root dir
	numSectors := dataStart + totalClusters*sectorsPerCluster

	boot := make([]byte, SectorSize)
	binary.LittleEndian.PutUint16(boot[11:13], SectorSize)
	boot[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(boot[14:16], reservedSectors)
	boot[16] = numFATs
	binary.LittleEndian.PutUint16(boot[17:19], numRootEntries)
	binary.LittleEndian.PutUint16(boot[19:21], uint16(numSectors))
	binary.LittleEndian.PutUint16(boot[22:24], sectorsPerFAT)
	copy(boot[54:62], "FAT16   ")
	binary.LittleEndian.PutUint16(boot[510:512], bootSigWant)

	require.NoError(t, diskdev.WriteSector(d, 0, boot))
	return d
}

func mustMount(t *testing.T, d *memDisk) *FileSystem {
	t.Helper()
	fs, err := Mount(d, 0)
	require.NoError(t, err)
	return fs
}

func TestMountDetectsFAT16FromBootSector(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	require.Equal(t, FAT16, fs.Kind())
	require.Equal(t, uint32(1), fs.RootCluster())
	require.EqualValues(t, 512, fs.BytesPerCluster)
	require.GreaterOrEqual(t, fs.TotalClusters, uint32(5000))
}

func TestMountRejectsBadBootSignature(t *testing.T) {
	d := newMemDisk()
	_, err := Mount(d, 0)
	require.Error(t, err)
}

func TestGetNameChecksumMatchesSpecFormula(t *testing.T) {
	var sum byte
	raw := [11]byte{'F', 'O', 'O', ' ', ' ', ' ', ' ', ' ', 'T', 'X', 'T'}
	for _, b := range raw {
		sum = ((sum & 1) << 7) | ((sum & 0xFE) >> 1)
		sum += b
	}
	require.Equal(t, sum, GetNameChecksum(raw[:]))
}

func TestCreateDirEntryThenLocateFileRoundTrips(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))

	loc, err := fs.CreateDirEntry(fs.RootCluster(), "hello.txt", AttrArchive)
	require.NoError(t, err)
	require.NotZero(t, loc.DataCluster)

	found, err := fs.LocateFile("/hello.txt")
	require.NoError(t, err)
	require.Equal(t, loc.DataCluster, found.DataCluster)
	require.Equal(t, "hello.txt", found.Entry.Name)
}

func TestLocateFileIsCaseInsensitive(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	_, err := fs.CreateDirEntry(fs.RootCluster(), "Readme.md", AttrArchive)
	require.NoError(t, err)

	found, err := fs.LocateFile("/README.MD")
	require.NoError(t, err)
	require.Equal(t, "Readme.md", found.Entry.Name)
}

func TestLocateFileMissingComponentFails(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	_, err := fs.LocateFile("/nope.txt")
	require.Error(t, err)
}

func TestLocateFileWildcardMatchesAnyEntry(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	_, err := fs.CreateDirEntry(fs.RootCluster(), "only.txt", AttrArchive)
	require.NoError(t, err)

	found, err := fs.LocateFile("/*")
	require.NoError(t, err)
	require.Equal(t, "only.txt", found.Entry.Name)
}

func TestFileWriteThenReadRoundTrip(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	loc, err := fs.CreateDirEntry(fs.RootCluster(), "data.bin", AttrArchive)
	require.NoError(t, err)

	f := &File{fs: fs, loc: *loc}
	payload := []byte("the quick brown fox jumps over the lazy dog")
	n, err := f.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	reopened, err := fs.Open("/data.bin")
	require.NoError(t, err)
	require.EqualValues(t, len(payload), reopened.Size())

	buf := make([]byte, len(payload))
	n, err = reopened.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestFileWriteSpanningMultipleClusters(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	loc, err := fs.CreateDirEntry(fs.RootCluster(), "big.bin", AttrArchive)
	require.NoError(t, err)

	f := &File{fs: fs, loc: *loc}
	payload := make([]byte, fs.BytesPerCluster*3+17)
	for i := range payload {
		payload[i] = byte(i)
	}
	n, err := f.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.NoError(t, f.Close())

	reopened, err := fs.Open("/big.bin")
	require.NoError(t, err)
	buf := make([]byte, len(payload))
	n, err = reopened.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, buf)
}

func TestChainNewClusterMarksTerminalSentinel(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	c, err := fs.ChainNewCluster(0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, c, uint32(2))

	_, isLast, err := fs.GetNextClusterInChain(c)
	require.NoError(t, err)
	require.True(t, isLast)
}

func TestChainNewClusterLinksPrevious(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	first, err := fs.ChainNewCluster(0)
	require.NoError(t, err)
	second, err := fs.ChainNewCluster(first)
	require.NoError(t, err)

	next, isLast, err := fs.GetNextClusterInChain(first)
	require.NoError(t, err)
	require.False(t, isLast)
	require.Equal(t, second, next)
}

func TestLongNameRoundTripsThroughLFNRows(t *testing.T) {
	fs := mustMount(t, buildFAT16Image(t))
	const longName = "a very long file name.txt"
	_, err := fs.CreateDirEntry(fs.RootCluster(), longName, AttrArchive)
	require.NoError(t, err)

	entries, err := fs.ReadDir(fs.RootCluster())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, longName, entries[0].Name)
}
