package install

import (
	"encoding/binary"
	"fmt"
)

// Magic values distinguishing a flat package archive header from a
// disk-image root/secure partition header. Both share the same
// structural layout: a fixed header, a run of fixed-size file entries, then
// a string table.
const (
	magicPackage = 0x30534650 // "PFS0" little-endian
	magicPartition = 0x30534648 // "HFS0" little-endian
)

const (
	fixedHeaderSize = 16 // magic, num_files, string_table_size, padding
	fileEntrySize   = 24 // data_offset, size, name_offset, reserved
)

// fileEntry is one entry of an archive header's file table.
type fileEntry struct {
	name       string
	dataOffset uint64
	size       uint64
}

// archiveHeader is a parsed fixed+variable header shared by the package
// format and each partition level of the disk-image format.
type archiveHeader struct {
	magic   uint32
	entries []fileEntry
	// size is the total number of bytes the fixed header, entry table, and
	// string table occupy; entry data_offset values are relative to the end
	// of this region.
	size int64
}

// parseArchiveHeader parses a package archive header from buf, which must
// already hold at least the fixed header and the full
// variable-length portion (the caller determines this by re-parsing as more
// bytes accumulate). wantMagic selects which of the two recognized magics is
// acceptable.
func parseArchiveHeader(buf []byte, wantMagic uint32) (*archiveHeader, bool, error) {
	if len(buf) < fixedHeaderSize {
		return nil, false, nil
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != wantMagic {
		return nil, false, fmt.Errorf("install: unrecognized archive magic 0x%08x", magic)
	}
	numFiles := binary.LittleEndian.Uint32(buf[4:8])
	stringTableSize := binary.LittleEndian.Uint32(buf[8:12])

	entryTableEnd := fixedHeaderSize + int64(numFiles)*fileEntrySize
	headerEnd := entryTableEnd + int64(stringTableSize)
	if int64(len(buf)) < headerEnd {
		return nil, false, nil
	}

	stringTable := buf[entryTableEnd:headerEnd]
	entries := make([]fileEntry, 0, numFiles)
	for i := uint32(0); i < numFiles; i++ {
		off := fixedHeaderSize + int64(i)*fileEntrySize
		raw := buf[off : off+fileEntrySize]
		dataOffset := binary.LittleEndian.Uint64(raw[0:8])
		size := binary.LittleEndian.Uint64(raw[8:16])
		nameOffset := binary.LittleEndian.Uint32(raw[16:20])
		name, err := readNulString(stringTable, nameOffset)
		if err != nil {
			return nil, false, err
		}
		entries = append(entries, fileEntry{name: name, dataOffset: dataOffset, size: size})
	}

	return &archiveHeader{magic: magic, entries: entries, size: headerEnd}, true, nil
}

// findEntry returns the first entry named name, if any.
func findEntry(entries []fileEntry, name string) (fileEntry, bool) {
	for _, e := range entries {
		if e.name == name {
			return e, true
		}
	}
	return fileEntry{}, false
}

// readNulString reads a NUL-terminated string starting at offset within buf.
func readNulString(buf []byte, offset uint32) (string, error) {
	if int64(offset) > int64(len(buf)) {
		return "", fmt.Errorf("install: string table offset %d out of range", offset)
	}
	rest := buf[offset:]
	for i, b := range rest {
		if b == 0 {
			return string(rest[:i]), nil
		}
	}
	return string(rest), nil
}
