package fat

import (
	"strings"

	"defs"
)

// / Loc is an open file or directory location, spec.md 3 "FatFile /
// / FatLoc": "(PreviousCluster, FolderCluster, FileCluster, DataCluster,
// / OffsetWithinCluster). Invariant: DataCluster is the head of the
// / chain; FileCluster/Offset point at [the directory entry]."
type Loc struct {
	PreviousCluster uint32
	FolderCluster   uint32
	FileCluster     uint32
	DataCluster     uint32
	Offset          uint32

	Entry DirEntry
}

// readDirClusters reads every cluster in a directory's chain and
// concatenates them, since a directory can span more than one cluster
// and entries (and their preceding LFN rows) never straddle a cluster
// boundary in this engine.
func (fs *FileSystem) readDirClusters(folderCluster uint32) ([]byte, error) {
	var out []byte
	cluster := folderCluster
	for {
		data, err := fs.readCluster(cluster)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)

		if fs.kind != FAT32 && cluster == fs.RootCluster() {
			// Fixed-size FAT12/16 root directory: no chain to follow.
			return out, nil
		}
		next, last, err := fs.GetNextClusterInChain(cluster)
		if err != nil {
			return nil, err
		}
		if last {
			return out, nil
		}
		cluster = next
	}
}

func matchesComponent(entryName, component string) bool {
	if component == "*" {
		return true
	}
	return strings.EqualFold(entryName, component)
}

// / LocateFile tokenizes path by '/', walks directory entries from the
// / root cluster, and resolves the terminal component's Loc (spec.md
// / 4.4 "Path resolution"). An empty or "/" path resolves to the root
// / directory itself.
func (fs *FileSystem) LocateFile(path string) (*Loc, error) {
	folderCluster := fs.RootCluster()
	components := splitPath(path)
	if len(components) == 0 {
		return &Loc{FolderCluster: folderCluster, DataCluster: folderCluster}, nil
	}

	var prevCluster uint32
	var found DirEntry
	var foundOffset uint32

	for i, comp := range components {
		data, err := fs.readDirClusters(folderCluster)
		if err != nil {
			return nil, err
		}
		entries := parseDirEntries(data)

		matched := false
		for _, e := range entries {
			if !matchesComponent(e.Name, comp) {
				continue
			}
			found = e
			foundOffset = uint32(e.offset + (e.entryCount-1)*dirEntrySize)
			matched = true
			break
		}
		if !matched {
			return nil, defs.EBADPARAM
		}

		if i < len(components)-1 {
			if !found.IsDir() {
				return nil, defs.EBADPARAM
			}
			prevCluster = folderCluster
			folderCluster = found.Cluster
		}
	}

	return &Loc{
		PreviousCluster: prevCluster,
		FolderCluster:   folderCluster,
		FileCluster:     folderCluster,
		DataCluster:     found.Cluster,
		Offset:          foundOffset,
		Entry:           found,
	}, nil
}

// / ReadDir lists every entry directly inside folderCluster, the
// / enumeration use of LocateFile's "*" wildcard match (spec.md 4.4
// / "Special * matches any entry (used for enumeration)").
func (fs *FileSystem) ReadDir(folderCluster uint32) ([]DirEntry, error) {
	data, err := fs.readDirClusters(folderCluster)
	if err != nil {
		return nil, err
	}
	return parseDirEntries(data), nil
}

// splitPath tokenizes a '/'-separated path into non-empty components.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
