package mtp

import "strings"

// EntryType classifies a path resolved through the Filesystem Proxy.
type EntryType int

// Entry types returned by Filesystem.EntryType.
const (
	EntryMissing EntryType = iota
	EntryFile
	EntryDir
)

// FileMode selects how OpenFile opens a path.
type FileMode int

// File open modes.
const (
	ModeRead FileMode = iota
	ModeWrite
	ModeWriteAppend
)

// DirEntry is one entry produced by ReadDir.
type DirEntry struct {
	Name string
	Type EntryType
}

// Filesystem is the polymorphic backend trait the responder invokes for all
// path and file operations. Every operation is blocking and
// returns a typed error on failure. Implementations receive paths already
// stripped of the leading '/' and of the backend's own name prefix by
// Proxy, so they operate on backend-relative paths only.
//
// The responder issues at most one call per session at a time,
// so implementations need not be internally thread-safe unless they also
// serve other callers.
type Filesystem interface {
	// Name is the prefix used in the virtual path; empty means "mounted at
	// root".
	Name() string
	// DisplayName is reported to the host in GetStorageInfo.
	DisplayName() string

	TotalSpace(path string) (uint64, error)
	FreeSpace(path string) (uint64, error)
	EntryType(path string) (EntryType, error)

	CreateFile(path string, size int64, flags uint32) error
	DeleteFile(path string) error
	RenameFile(oldPath, newPath string) error
	OpenFile(path string, mode FileMode) (any, error)
	FileSize(handle any) (int64, error)
	SetFileSize(handle any, size int64) error
	ReadFile(handle any, offset int64, buf []byte) (int, error)
	WriteFile(handle any, offset int64, data []byte) error
	CloseFile(handle any) error

	CreateDir(path string) error
	DeleteDirRecursive(path string) error
	RenameDir(oldPath, newPath string) error
	OpenDir(path string) (any, error)
	ReadDir(handle any, maxEntries int) ([]DirEntry, error)
	DirEntryCount(handle any) (int, error)
	CloseDir(handle any) error

	// PrefersSingleThreaded hints the Threaded Transfer Engine to run
	// inline for this backend regardless of size.
	PrefersSingleThreaded(size int64, isRead bool) bool
}

// Proxy dispatches path and file operations to the Filesystem backend
// mounted at a given storage id, stripping the storage's mount prefix from
// the object path before forwarding.
type Proxy struct {
	backends map[uint32]Filesystem
	order    []uint32
}

// NewProxy returns an empty Proxy.
func NewProxy() *Proxy {
	return &Proxy{backends: make(map[uint32]Filesystem)}
}

// Mount registers fs as the backend for storageID.
func (p *Proxy) Mount(storageID uint32, fs Filesystem) {
	if _, exists := p.backends[storageID]; !exists {
		p.order = append(p.order, storageID)
	}
	p.backends[storageID] = fs
}

// StorageIDs returns configured storage ids in mount order.
func (p *Proxy) StorageIDs() []uint32 {
	out := make([]uint32, len(p.order))
	copy(out, p.order)
	return out
}

// Backend returns the Filesystem mounted at storageID.
func (p *Proxy) Backend(storageID uint32) (Filesystem, bool) {
	fs, ok := p.backends[storageID]
	return fs, ok
}

// relativePath strips the leading '/' and, if present, the backend's own
// name prefix, so the backend only ever sees backend-relative paths.
func relativePath(fs Filesystem, path string) string {
	path = strings.TrimPrefix(path, "/")
	name := fs.Name()
	if name == "" {
		return path
	}
	if path == name {
		return ""
	}
	return strings.TrimPrefix(path, name+"/")
}
