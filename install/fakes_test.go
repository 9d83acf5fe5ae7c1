package install

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
)

// fakeContentStore is an in-memory ContentStore used by tests in place of
// the minio-backed implementation.
type fakeContentStore struct {
	mu           sync.Mutex
	placeholders map[ContentID][]byte
	registered   map[ContentID][]byte
}

func newFakeContentStore() *fakeContentStore {
	return &fakeContentStore{
		placeholders: make(map[ContentID][]byte),
		registered:   make(map[ContentID][]byte),
	}
}

func (s *fakeContentStore) CreatePlaceholder(_ context.Context, id ContentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.placeholders, id)
	s.placeholders[id] = nil
	return nil
}

func (s *fakeContentStore) DeletePlaceholder(_ context.Context, id ContentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.placeholders, id)
	return nil
}

func (s *fakeContentStore) WritePlaceholder(_ context.Context, id ContentID, offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.placeholders[id]
	need := int(offset) + len(data)
	if len(buf) < need {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	s.placeholders[id] = buf
	return nil
}

func (s *fakeContentStore) Register(_ context.Context, placeholder, contentID ContentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.placeholders[placeholder]
	if !ok {
		return fmt.Errorf("fakeContentStore: no placeholder %s", placeholder)
	}
	s.registered[contentID] = data
	delete(s.placeholders, placeholder)
	return nil
}

func (s *fakeContentStore) PathOf(_ context.Context, contentID ContentID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registered[contentID]; !ok {
		return "", fmt.Errorf("fakeContentStore: no content %s", contentID)
	}
	return "content/" + contentID.String(), nil
}

func (s *fakeContentStore) registeredBytes(id ContentID) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.registered[id]...)
}

func (s *fakeContentStore) registeredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.registered)
}

// fakeMetaDB maps a meta's own content id to a fixed ContentMetaKey,
// standing in for the opaque content_meta_database collaborator.
type fakeMetaDB struct {
	mu   sync.Mutex
	keys map[string]ContentMetaKey
}

func newFakeMetaDB() *fakeMetaDB {
	return &fakeMetaDB{keys: make(map[string]ContentMetaKey)}
}

func (d *fakeMetaDB) set(contentID ContentID, key ContentMetaKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys[contentID.String()] = key
}

func (d *fakeMetaDB) LatestKey(_ context.Context, titleID string) (ContentMetaKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.keys[titleID]
	if !ok {
		return ContentMetaKey{}, fmt.Errorf("fakeMetaDB: no key for %s", titleID)
	}
	return key, nil
}

// fakeTitleService records every call made to it.
type fakeTitleService struct {
	mu              sync.Mutex
	importedTickets [][2][]byte
	installedMetas  []ContentMetaKey
	installedApps   []string
}

func newFakeTitleService() *fakeTitleService { return &fakeTitleService{} }

func (s *fakeTitleService) CountMeta(context.Context, string) (int, error) { return 0, nil }

func (s *fakeTitleService) ListMetaStatus(context.Context, string) ([]MetaStatus, error) {
	return nil, nil
}

func (s *fakeTitleService) GetAppControlData(context.Context, string) ([]byte, []byte, error) {
	return nil, nil, nil
}

func (s *fakeTitleService) ImportTicket(_ context.Context, ticket, cert []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importedTickets = append(s.importedTickets, [2][]byte{ticket, cert})
	return nil
}

func (s *fakeTitleService) InstallContentMeta(_ context.Context, key ContentMetaKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installedMetas = append(s.installedMetas, key)
	return nil
}

func (s *fakeTitleService) InstallApplicationRecord(_ context.Context, titleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installedApps = append(s.installedApps, titleID)
	return nil
}

// archiveEntrySpec describes one file entry for buildPackageArchive /
// buildPartitionArchive.
type archiveEntrySpec struct {
	name string
	data []byte
}

// buildPackageArchive encodes a flat package archive: a 16-byte fixed
// header, a 24-byte entry per file, then a NUL-separated string table, then
// the concatenated file bytes.
func buildPackageArchive(magic uint32, entries []archiveEntrySpec) []byte {
	var stringTable []byte
	nameOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		nameOffsets[i] = uint32(len(stringTable))
		stringTable = append(stringTable, []byte(e.name)...)
		stringTable = append(stringTable, 0)
	}

	entryTableSize := len(entries) * fileEntrySize
	headerSize := fixedHeaderSize + entryTableSize + len(stringTable)

	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(entries)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(stringTable)))

	dataOffset := uint64(0)
	for i, e := range entries {
		off := fixedHeaderSize + i*fileEntrySize
		binary.LittleEndian.PutUint64(buf[off:off+8], dataOffset)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(len(e.data)))
		binary.LittleEndian.PutUint32(buf[off+16:off+20], nameOffsets[i])
		dataOffset += uint64(len(e.data))
	}
	copy(buf[fixedHeaderSize+entryTableSize:], stringTable)

	for _, e := range entries {
		buf = append(buf, e.data...)
	}
	return buf
}

// headerEntrySpec is a file-table entry with an explicit data_offset,
// letting the caller choose whether offsets are relative (package, root
// partition) or absolute within the whole archive (secure partition).
type headerEntrySpec struct {
	name       string
	dataOffset uint64
	size       uint64
}

// encodeHeaderBlock encodes just the fixed header, entry table, and string
// table of an archive header — no data bytes.
func encodeHeaderBlock(magic uint32, entries []headerEntrySpec) []byte {
	var stringTable []byte
	nameOffsets := make([]uint32, len(entries))
	for i, e := range entries {
		nameOffsets[i] = uint32(len(stringTable))
		stringTable = append(stringTable, []byte(e.name)...)
		stringTable = append(stringTable, 0)
	}

	entryTableSize := len(entries) * fileEntrySize
	headerSize := fixedHeaderSize + entryTableSize + len(stringTable)

	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(entries)))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(stringTable)))

	for i, e := range entries {
		off := fixedHeaderSize + i*fileEntrySize
		binary.LittleEndian.PutUint64(buf[off:off+8], e.dataOffset)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.size)
		binary.LittleEndian.PutUint32(buf[off+16:off+20], nameOffsets[i])
	}
	copy(buf[fixedHeaderSize+entryTableSize:], stringTable)
	return buf
}

// buildDiskImageArchive encodes a two-level disk-image archive: a root partition at rootOffset whose sole child
// "secure" immediately follows the root header, and a secure partition
// whose own entries carry offsets absolute within the whole archive.
func buildDiskImageArchive(rootOffset int64, entries []archiveEntrySpec) []byte {
	secureEntries := make([]headerEntrySpec, len(entries))
	secureHeaderSkeleton := encodeHeaderBlock(magicPartition, headerEntrySpecsFrom(entries, 0))
	secureHeaderSize := int64(len(secureHeaderSkeleton))

	rootHeader := encodeHeaderBlock(magicPartition, []headerEntrySpec{
		{name: "secure", dataOffset: 0, size: uint64(secureHeaderSize)},
	})
	rootHeaderSize := int64(len(rootHeader))
	secureOffset := rootOffset + rootHeaderSize

	dataOffset := uint64(secureOffset + secureHeaderSize)
	for i, e := range entries {
		secureEntries[i] = headerEntrySpec{name: e.name, dataOffset: dataOffset, size: uint64(len(e.data))}
		dataOffset += uint64(len(e.data))
	}
	secureHeader := encodeHeaderBlock(magicPartition, secureEntries)

	total := int64(dataOffset)
	buf := make([]byte, total)
	copy(buf[rootOffset:], rootHeader)
	copy(buf[secureOffset:], secureHeader)
	for i, e := range entries {
		copy(buf[secureEntries[i].dataOffset:], e.data)
	}
	return buf
}

func headerEntrySpecsFrom(entries []archiveEntrySpec, base uint64) []headerEntrySpec {
	out := make([]headerEntrySpec, len(entries))
	offset := base
	for i, e := range entries {
		out[i] = headerEntrySpec{name: e.name, dataOffset: offset, size: uint64(len(e.data))}
		offset += uint64(len(e.data))
	}
	return out
}

// splitChunks splits data into pieces of the given sizes, cycling through
// sizes if data is longer than their sum.
func splitChunks(data []byte, sizes []int) [][]byte {
	var chunks [][]byte
	i := 0
	for pos := 0; pos < len(data); i++ {
		size := sizes[i%len(sizes)]
		end := pos + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[pos:end])
		pos = end
	}
	return chunks
}
