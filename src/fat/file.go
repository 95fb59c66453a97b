package fat

import (
	"sync"

	"defs"
)

// / File is an open FAT file, one PreviousCluster/FolderCluster/
// / FileCluster/DataCluster/Offset tuple plus its own mutex (spec.md
// / 4.4 "Concurrency: each open file and filesystem holds a mutex").
type File struct {
	mu sync.Mutex

	fs   *FileSystem
	loc  Loc
	size uint32
}

// / Open resolves path and returns a File positioned at offset 0.
func (fs *FileSystem) Open(path string) (*File, error) {
	loc, err := fs.LocateFile(path)
	if err != nil {
		return nil, err
	}
	if loc.Entry.IsDir() {
		return nil, defs.EBADPARAM
	}
	return &File{fs: fs, loc: *loc, size: loc.Entry.Size}, nil
}

// / Size returns the file's length in bytes as recorded in its
// / directory entry.
func (f *File) Size() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// / ReadAt copies up to len(buf) bytes starting at position into buf,
// / spec.md 4.4 "Read": "Position/BytesPerCluster and modulo give the
// / starting cluster index and offset; advance RelativeCluster times
// / along the chain, then loop reading... Short reads return success."
func (f *File) ReadAt(buf []byte, position uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if position >= f.size {
		return 0, nil
	}
	remaining := len(buf)
	if uint32(remaining) > f.size-position {
		remaining = int(f.size - position)
	}

	bpc := f.fs.BytesPerCluster
	relativeCluster := position / bpc
	offsetInCluster := position % bpc

	cluster := f.loc.DataCluster
	for i := uint32(0); i < relativeCluster; i++ {
		next, last, err := f.fs.GetNextClusterInChain(cluster)
		if err != nil {
			return 0, err
		}
		if last {
			return 0, nil // position is past the end of the chain
		}
		cluster = next
	}

	total := 0
	for total < remaining {
		data, err := f.fs.readCluster(cluster)
		if err != nil {
			return total, err
		}
		n := int(bpc - offsetInCluster)
		if n > remaining-total {
			n = remaining - total
		}
		copy(buf[total:total+n], data[offsetInCluster:uint32(offsetInCluster)+uint32(n)])
		total += n
		offsetInCluster = 0

		if total >= remaining {
			break
		}
		next, last, err := f.fs.GetNextClusterInChain(cluster)
		if err != nil {
			return total, err
		}
		if last {
			break
		}
		cluster = next
	}
	return total, nil
}

// / WriteAt writes buf starting at position, chaining new clusters as
// / needed (spec.md 4.4 "Write": "a broken chain... triggers
// / ChainNewCluster... Writes enlarge the file and update the directory
// / entry's size on close").
func (f *File) WriteAt(buf []byte, position uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bpc := f.fs.BytesPerCluster
	relativeCluster := position / bpc
	offsetInCluster := position % bpc

	if f.loc.DataCluster == 0 {
		c, err := f.fs.ChainNewCluster(0)
		if err != nil {
			return 0, err
		}
		f.loc.DataCluster = c
	}

	cluster := f.loc.DataCluster
	for i := uint32(0); i < relativeCluster; i++ {
		next, last, err := f.fs.GetNextClusterInChain(cluster)
		if err != nil {
			return 0, err
		}
		if last {
			next, err = f.fs.ChainNewCluster(cluster)
			if err != nil {
				return 0, err
			}
		}
		cluster = next
	}

	total := 0
	for total < len(buf) {
		data, err := f.fs.readCluster(cluster)
		if err != nil {
			return total, err
		}
		// readCluster hands back a shared buffer; copy out so later
		// clusters in this loop don't overwrite it before we flush.
		work := append([]byte(nil), data...)

		n := int(bpc - offsetInCluster)
		if n > len(buf)-total {
			n = len(buf) - total
		}
		copy(work[offsetInCluster:uint32(offsetInCluster)+uint32(n)], buf[total:total+n])
		if err := f.fs.writeCluster(cluster, work); err != nil {
			return total, err
		}
		total += n
		offsetInCluster = 0

		if total >= len(buf) {
			break
		}
		next, last, err := f.fs.GetNextClusterInChain(cluster)
		if err != nil {
			return total, err
		}
		if last {
			next, err = f.fs.ChainNewCluster(cluster)
			if err != nil {
				return total, err
			}
		}
		cluster = next
	}

	if end := position + uint32(total); end > f.size {
		f.size = end
	}
	return total, nil
}

// / Close flushes the file's current size into its directory entry
// / (spec.md 4.4 "update the directory entry's size on close").
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fs.updateEntrySize(f.loc, f.size)
}

// updateEntrySize rewrites the Size and Cluster fields of the
// directory entry loc points at, in place.
func (fs *FileSystem) updateEntrySize(loc Loc, size uint32) error {
	data, err := fs.readDirClusters(loc.FolderCluster)
	if err != nil {
		return err
	}
	shortOff := loc.Offset
	if uint32(len(data)) < shortOff+dirEntrySize {
		return defs.EBADPARAM
	}
	putLeU32(data[shortOff+28:shortOff+32], size)
	putLeU16(data[shortOff+20:shortOff+22], uint16(loc.DataCluster>>16))
	putLeU16(data[shortOff+26:shortOff+28], uint16(loc.DataCluster))

	return fs.writeDirClusters(loc.FolderCluster, data)
}

// writeDirClusters is readDirClusters's inverse: splits data back into
// BytesPerCluster chunks and writes each cluster in the chain.
func (fs *FileSystem) writeDirClusters(folderCluster uint32, data []byte) error {
	cluster := folderCluster
	bpc := fs.BytesPerCluster
	if fs.kind != FAT32 && cluster == fs.RootCluster() {
		return fs.writeRootDir(data)
	}

	off := uint32(0)
	for {
		end := off + bpc
		if end > uint32(len(data)) {
			end = uint32(len(data))
		}
		if err := fs.writeCluster(cluster, data[off:end]); err != nil {
			return err
		}
		off = end
		if off >= uint32(len(data)) {
			return nil
		}
		next, last, err := fs.GetNextClusterInChain(cluster)
		if err != nil {
			return err
		}
		if last {
			return nil
		}
		cluster = next
	}
}

// / CreateDirEntry allocates a new file (or empty directory) named name
// / with the given attrs inside folderCluster, spec.md 4.4 "Directory
// / mutation": computes the LFN+8.3 row count, finds a contiguous run
// / of free rows (or chains a new cluster if none fits), allocates a
// / data cluster, and writes the entry.
func (fs *FileSystem) CreateDirEntry(folderCluster uint32, name string, attrs Attr) (*Loc, error) {
	shortRaw, err := shortNameFor(name)
	if err != nil {
		return nil, err
	}

	dataCluster, err := fs.ChainNewCluster(0)
	if err != nil {
		return nil, err
	}

	rows, err := encodeLFNRows(name, shortRaw, attrs, dataCluster, 0)
	if err != nil {
		return nil, err
	}

	data, err := fs.readDirClusters(folderCluster)
	if err != nil {
		return nil, err
	}

	offset, err := findFreeRun(data, len(rows))
	if err != nil {
		// No contiguous run fits: chain a new cluster onto the folder
		// and append there (spec.md 4.4: "If the folder's last
		// cluster has no room, a new cluster is chained to it").
		lastCluster, err2 := fs.lastClusterOf(folderCluster)
		if err2 != nil {
			return nil, err2
		}
		if _, err2 := fs.ChainNewCluster(lastCluster); err2 != nil {
			return nil, err2
		}
		blank := make([]byte, fs.BytesPerCluster)
		offset = len(data)
		data = append(data, blank...)
	}

	for i, row := range rows {
		copy(data[offset+i*dirEntrySize:offset+(i+1)*dirEntrySize], row)
	}

	if err := fs.writeDirClusters(folderCluster, data); err != nil {
		return nil, err
	}

	shortRowOffset := offset + (len(rows)-1)*dirEntrySize
	return &Loc{
		FolderCluster: folderCluster,
		FileCluster:   folderCluster,
		DataCluster:   dataCluster,
		Offset:        uint32(shortRowOffset),
		Entry: DirEntry{
			Name:       name,
			ShortName:  decodeShortName(shortRaw[:]),
			Attributes: attrs,
			Cluster:    dataCluster,
			offset:     shortRowOffset,
			entryCount: len(rows),
		},
	}, nil
}

// findFreeRun scans data for `need` consecutive free/deleted rows and
// returns the byte offset of the first one, or an error if none exist.
func findFreeRun(data []byte, need int) (int, error) {
	run := 0
	for off := 0; off+dirEntrySize <= len(data); off += dirEntrySize {
		first := data[off]
		if first == direntFree || first == direntDeleted {
			if run == 0 {
				run = 1
			} else {
				run++
			}
			if run == need {
				return off - (need-1)*dirEntrySize, nil
			}
			continue
		}
		run = 0
	}
	return 0, defs.ENOSPC
}

func (fs *FileSystem) lastClusterOf(cluster uint32) (uint32, error) {
	if fs.kind != FAT32 && cluster == fs.RootCluster() {
		return cluster, nil
	}
	for {
		next, last, err := fs.GetNextClusterInChain(cluster)
		if err != nil {
			return 0, err
		}
		if last {
			return cluster, nil
		}
		cluster = next
	}
}
