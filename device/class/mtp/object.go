package mtp

import (
	"strconv"
	"strings"

	"github.com/luketanti/cyberfoil/pkg"
)

// entry is one object database record: a handle, its parent, the
// storage it lives under, and an offset into the path heap.
//
// The object database and heap are owned exclusively by the responder
// goroutine -- there is deliberately no
// mutex here.
type entry struct {
	handle       uint32
	parentHandle uint32
	storageID    uint32
	nameOffset   int
}

// Database is the object heap and database: an append-only arena of
// NUL-terminated object paths plus a map from handles to entries.
type Database struct {
	heap       []byte
	entries    map[uint32]*entry
	byPath     map[string]uint32
	nextHandle uint32
}

// NewDatabase returns an empty object database.
func NewDatabase() *Database {
	return &Database{
		entries:    make(map[uint32]*entry),
		byPath:     make(map[string]uint32),
		nextHandle: 1,
	}
}

// Reset drops every entry and the heap, restoring the database to its
// initial empty state, as happens across an OpenSession/CloseSession pair.
func (db *Database) Reset() {
	db.heap = db.heap[:0]
	db.entries = make(map[uint32]*entry)
	db.byPath = make(map[string]uint32)
	db.nextHandle = 1
}

// pathAt reads the NUL-terminated path string starting at offset.
func (db *Database) pathAt(offset int) string {
	end := offset
	for end < len(db.heap) && db.heap[end] != 0 {
		end++
	}
	return string(db.heap[offset:end])
}

// appendPath appends path plus a terminating NUL to the heap and returns its
// offset.
func (db *Database) appendPath(path string) int {
	offset := len(db.heap)
	db.heap = append(db.heap, path...)
	db.heap = append(db.heap, 0)
	return offset
}

// SeedRoot registers a storage's root folder entry, handle equal to the
// storage id, parent RootParent.
func (db *Database) SeedRoot(storageID uint32) {
	offset := db.appendPath("")
	db.entries[storageID] = &entry{
		handle:       storageID,
		parentHandle: RootParent,
		storageID:    storageID,
		nameOffset:   offset,
	}
	db.byPath[key(storageID, "")] = storageID
	if storageID >= db.nextHandle {
		db.nextHandle = storageID + 1
	}
}

// Find returns the entry for handle.
func (db *Database) Find(handle uint32) (parentHandle, storageID uint32, path string, ok bool) {
	e, found := db.entries[handle]
	if !found {
		return 0, 0, "", false
	}
	return e.parentHandle, e.storageID, db.pathAt(e.nameOffset), true
}

// IsRoot reports whether handle is a storage root handle.
func (db *Database) IsRoot(handle uint32) bool {
	e, ok := db.entries[handle]
	return ok && e.parentHandle == RootParent
}

// Path returns the full path recorded for handle.
func (db *Database) Path(handle uint32) (string, bool) {
	e, ok := db.entries[handle]
	if !ok {
		return "", false
	}
	return db.pathAt(e.nameOffset), true
}

// key builds the lookup key used by byPath: storage id scopes the
// namespace, since two storages may contain identically-named children.
func key(storageID uint32, path string) string {
	return strconv.FormatUint(uint64(storageID), 16) + ":" + path
}

// CreateOrFind returns the handle for parentPath+"/"+name under storageID,
// minting a new handle and heap entry if one does not already exist.
// created reports whether a new entry was minted.
func (db *Database) CreateOrFind(parentPath, name string, parentHandle, storageID uint32) (handle uint32, created bool) {
	full := joinPath(parentPath, name)
	k := key(storageID, full)
	if h, ok := db.byPath[k]; ok {
		return h, false
	}
	offset := db.appendPath(full)
	h := db.nextHandle
	db.nextHandle++
	db.entries[h] = &entry{
		handle:       h,
		parentHandle: parentHandle,
		storageID:    storageID,
		nameOffset:   offset,
	}
	db.byPath[k] = h
	return h, true
}

// Delete removes handle from the database. The heap slot it occupied is not
// reclaimed; the handle arena only ever grows.
func (db *Database) Delete(handle uint32) {
	e, ok := db.entries[handle]
	if !ok {
		return
	}
	full := db.pathAt(e.nameOffset)
	delete(db.byPath, key(e.storageID, full))
	delete(db.entries, handle)
}

// Rename moves handle to newParentPath/newName under newParentHandle,
// invoking backendRename to perform the underlying filesystem/content-store
// operation. On failure, only a newly-minted provisional entry is dropped;
// the live entry at handle is left untouched. On success, the live entry is
// deleted and a new entry occupying the SAME handle takes over the new path.
func (db *Database) Rename(handle uint32, newParentPath, newName string, newParentHandle, storageID uint32, backendRename func(oldPath, newPath string) error) error {
	oldEntry, ok := db.entries[handle]
	if !ok {
		return pkg.ErrInvalidObjectId
	}
	oldPath := db.pathAt(oldEntry.nameOffset)
	newPath := joinPath(newParentPath, newName)

	provisionalHandle, provisionalCreated := db.CreateOrFind(newParentPath, newName, newParentHandle, storageID)

	if err := backendRename(oldPath, newPath); err != nil {
		if provisionalCreated {
			db.Delete(provisionalHandle)
		}
		return err
	}

	prov := db.entries[provisionalHandle]
	delete(db.entries, provisionalHandle)
	delete(db.byPath, key(storageID, newPath))
	delete(db.entries, handle)
	delete(db.byPath, key(oldEntry.storageID, oldPath))

	prov.handle = handle
	db.entries[handle] = prov
	db.byPath[key(storageID, newPath)] = handle
	return nil
}

// joinPath concatenates a parent path and a child name with '/', eliding
// the separator for root children.
func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}
