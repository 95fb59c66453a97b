package fat

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/unicode"
)

const dirEntrySize = 32

// / Attr holds the FAT_ATTR_* bits of FAT.h's FATDIRENTRY.Attributes.
type Attr uint8

const (
	AttrReadOnly Attr = 0x01
	AttrHidden   Attr = 0x02
	AttrSystem   Attr = 0x04
	AttrVolume   Attr = 0x08
	AttrFolder   Attr = 0x10
	AttrArchive  Attr = 0x20

	attrLFN = AttrReadOnly | AttrHidden | AttrSystem | AttrVolume
)

const (
	direntFree     = 0x00
	direntDeleted  = 0xE5
	lfnLastOrdinal = 0x40
	lfnCharsPerRow = 13
)

// / DirEntry is a decoded 8.3 directory entry plus its long name, if any
// / (FATDIRENTRY_EXT generalized the way the rest of this package
// / generalizes FAT.h's packed structs).
type DirEntry struct {
	Name       string // joined "NAME.EXT" or long name, whichever was decoded
	ShortName  string // always the raw 8.3 form
	Attributes Attr
	Cluster    uint32
	Size       uint32

	// offset and entryCount locate this entry (and its preceding LFN
	// rows, if any) within its folder's directory data, for rewriting
	// in place (e.g. updating Size on close).
	offset     int
	entryCount int
}

func (d DirEntry) IsDir() bool { return d.Attributes&AttrFolder != 0 }

// parseDirEntries decodes every entry in a cluster (or root-dir) buffer,
// joining FAT32 long-name rows onto the 8.3 entry they precede
// (spec.md 4.4 "Name decoding").
func parseDirEntries(buf []byte) []DirEntry {
	var out []DirEntry
	var lfnParts []string
	var lfnChecksum byte
	lfnValid := false

	for off := 0; off+dirEntrySize <= len(buf); off += dirEntrySize {
		row := buf[off : off+dirEntrySize]
		first := row[0]
		if first == direntFree {
			break
		}
		if first == direntDeleted {
			lfnParts = nil
			lfnValid = false
			continue
		}

		attr := Attr(row[11])
		if attr&attrLFN == attrLFN {
			ordinal := row[0]
			chars := decodeLFNRow(row)
			checksum := row[13]
			if ordinal&lfnLastOrdinal != 0 {
				lfnParts = []string{chars}
				lfnChecksum = checksum
				lfnValid = true
			} else if lfnValid && checksum == lfnChecksum {
				lfnParts = append([]string{chars}, lfnParts...)
			} else {
				// Checksum mismatch mid-chain: the chain is corrupt or
				// belongs to a deleted entry; fall back to 8.3 only.
				lfnValid = false
			}
			continue
		}

		shortName := decodeShortName(row[0:11])
		entry := DirEntry{
			ShortName:  shortName,
			Attributes: attr,
			Cluster:    (uint32(leU16(row[20:22])) << 16) | uint32(leU16(row[26:28])),
			Size:       leU32(row[28:32]),
			offset:     off,
			entryCount: 1,
		}

		// spec.md 4.4: an LFN chain is accepted only when its checksum
		// equals GetNameChecksum(shortname).
		if lfnValid && lfnChecksum == GetNameChecksum(row[0:11]) {
			entry.Name = strings.Join(lfnParts, "")
			entry.entryCount += len(lfnParts)
			entry.offset -= len(lfnParts) * dirEntrySize
		} else {
			entry.Name = shortName
		}
		lfnParts = nil
		lfnValid = false

		out = append(out, entry)
	}
	return out
}

func decodeShortName(raw []byte) string {
	name := strings.TrimRight(string(raw[0:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

// decodeLFNRow extracts the up-to-13 UTF-16LE characters from one LFN
// row (FATDIRENTRY_LFN's Char01..Char13 fields spread across the row).
func decodeLFNRow(row []byte) string {
	var units []byte
	units = append(units, row[1:11]...)  // Char01-05
	units = append(units, row[14:26]...) // Char06-11
	units = append(units, row[28:32]...) // Char12-13

	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := dec.Bytes(trimUTF16Terminator(units))
	if err != nil {
		return ""
	}
	return string(out)
}

// trimUTF16Terminator drops the 0x0000 terminator and any trailing
// 0xFFFF padding an LFN row uses to fill unused character slots.
func trimUTF16Terminator(units []byte) []byte {
	for i := 0; i+1 < len(units); i += 2 {
		if units[i] == 0x00 && units[i+1] == 0x00 {
			return units[:i]
		}
	}
	return units
}

// / GetNameChecksum computes the FAT32 LFN checksum over an 11-byte
// / short name, spec.md 4.4: "((sum&1)<<7 | (sum&0xFE)>>1) + byte
// / iterated over the 11 short-name bytes, masked to 8 bits."
func GetNameChecksum(shortName11 []byte) byte {
	var sum byte
	for _, b := range shortName11 {
		sum = ((sum & 1) << 7) | ((sum & 0xFE) >> 1)
		sum += b
	}
	return sum
}

func leU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLeU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLeU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// shortNameFor synthesizes an 8.3 name from a long name: the first 6
// (uppercased, non-dot) characters plus "~1", padded to 8, and the
// first 3 characters after the last dot as extension. spec.md 4.4:
// "Short name is NAME~1 padded; collision handling and ~N suffixing is
// not required at this layer."
func shortNameFor(name string) (raw [11]byte, err error) {
	for i := range raw {
		raw[i] = ' '
	}
	base := name
	ext := ""
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		base = name[:dot]
		ext = name[dot+1:]
	}
	base = strings.ToUpper(strings.ReplaceAll(base, ".", ""))
	if base == "" {
		return raw, fmt.Errorf("fat: empty base name in %q", name)
	}
	trimmed := base
	if len(trimmed) > 6 {
		trimmed = trimmed[:6]
	}
	short := trimmed + "~1"
	if len(short) > 8 {
		short = short[:8]
	}
	copy(raw[0:8], short)

	ext = strings.ToUpper(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	copy(raw[8:11], ext)
	return raw, nil
}

// encodeLFNRows builds the LFN rows (most significant ordinal first,
// written backwards into the folder as spec.md 4.4 describes) plus the
// trailing 8.3 row for name/attrs/cluster/size.
func encodeLFNRows(name string, shortRaw [11]byte, attrs Attr, cluster uint32, size uint32) ([][]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	utf16Bytes, err := enc.Bytes([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("fat: encoding long name %q: %w", name, err)
	}
	utf16Bytes = append(utf16Bytes, 0x00, 0x00) // NUL terminator

	rowCount := (len(utf16Bytes) + lfnCharsPerRow*2 - 1) / (lfnCharsPerRow * 2)
	checksum := GetNameChecksum(shortRaw[:])

	rows := make([][]byte, 0, rowCount+1)
	for i := rowCount; i >= 1; i-- {
		row := make([]byte, dirEntrySize)
		ordinal := byte(i)
		if i == rowCount {
			ordinal |= lfnLastOrdinal
		}
		row[0] = ordinal
		row[11] = byte(attrLFN)
		row[12] = 0
		row[13] = checksum

		start := (i - 1) * lfnCharsPerRow * 2
		chunk := make([]byte, lfnCharsPerRow*2)
		for j := range chunk {
			chunk[j] = 0xFF // unused slots are padded with 0xFFFF
		}
		copy(chunk, padUTF16Chunk(utf16Bytes, start, lfnCharsPerRow*2))

		copy(row[1:11], chunk[0:10])
		copy(row[14:26], chunk[10:22])
		copy(row[28:32], chunk[22:26])
		rows = append(rows, row)
	}

	shortRow := make([]byte, dirEntrySize)
	copy(shortRow[0:11], shortRaw[:])
	shortRow[11] = byte(attrs)
	putLeU16(shortRow[20:22], uint16(cluster>>16))
	putLeU16(shortRow[26:28], uint16(cluster))
	putLeU32(shortRow[28:32], size)
	rows = append(rows, shortRow)

	return rows, nil
}

// padUTF16Chunk returns up to n bytes of src starting at start,
// zero-terminated (not 0xFF-padded) at the real end of the string so
// the NUL terminator written by encodeLFNRows survives truncation.
func padUTF16Chunk(src []byte, start, n int) []byte {
	if start >= len(src) {
		return nil
	}
	end := start + n
	if end > len(src) {
		end = len(src)
	}
	return src[start:end]
}
