package fsbackend

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/luketanti/cyberfoil/device/class/mtp"
)

// LocalBackend is an mtp.Filesystem backed by a directory on the host's own
// filesystem, standing in for the SD-card and built-in user storages.
type LocalBackend struct {
	name, displayName string
	root              string
}

// NewLocalBackend returns a LocalBackend rooted at root. name is the prefix
// used in the virtual path (empty mounts at the proxy's root); displayName
// is reported to the host in GetStorageInfo.
func NewLocalBackend(name, displayName, root string) *LocalBackend {
	return &LocalBackend{name: name, displayName: displayName, root: root}
}

func (b *LocalBackend) Name() string        { return b.name }
func (b *LocalBackend) DisplayName() string { return b.displayName }

func (b *LocalBackend) full(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

func (b *LocalBackend) TotalSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(b.full(path), &stat); err != nil {
		return 0, err
	}
	return stat.Blocks * uint64(stat.Bsize), nil
}

func (b *LocalBackend) FreeSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(b.full(path), &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

func (b *LocalBackend) EntryType(path string) (mtp.EntryType, error) {
	info, err := os.Stat(b.full(path))
	if os.IsNotExist(err) {
		return mtp.EntryMissing, nil
	}
	if err != nil {
		return mtp.EntryMissing, err
	}
	if info.IsDir() {
		return mtp.EntryDir, nil
	}
	return mtp.EntryFile, nil
}

func (b *LocalBackend) CreateFile(path string, size int64, flags uint32) error {
	f, err := os.Create(b.full(path))
	if err != nil {
		return err
	}
	defer f.Close()
	if size > 0 {
		return f.Truncate(size)
	}
	return nil
}

func (b *LocalBackend) DeleteFile(path string) error {
	return os.Remove(b.full(path))
}

func (b *LocalBackend) RenameFile(oldPath, newPath string) error {
	return os.Rename(b.full(oldPath), b.full(newPath))
}

func (b *LocalBackend) OpenFile(path string, mode mtp.FileMode) (any, error) {
	var flags int
	switch mode {
	case mtp.ModeRead:
		flags = os.O_RDONLY
	case mtp.ModeWrite:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case mtp.ModeWriteAppend:
		flags = os.O_RDWR | os.O_CREATE | os.O_APPEND
	}
	return os.OpenFile(b.full(path), flags, 0o644)
}

func (b *LocalBackend) FileSize(handle any) (int64, error) {
	info, err := handle.(*os.File).Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (b *LocalBackend) SetFileSize(handle any, size int64) error {
	return handle.(*os.File).Truncate(size)
}

func (b *LocalBackend) ReadFile(handle any, offset int64, buf []byte) (int, error) {
	return handle.(*os.File).ReadAt(buf, offset)
}

func (b *LocalBackend) WriteFile(handle any, offset int64, data []byte) error {
	_, err := handle.(*os.File).WriteAt(data, offset)
	return err
}

func (b *LocalBackend) CloseFile(handle any) error {
	return handle.(*os.File).Close()
}

func (b *LocalBackend) CreateDir(path string) error {
	return os.Mkdir(b.full(path), 0o755)
}

func (b *LocalBackend) DeleteDirRecursive(path string) error {
	return os.RemoveAll(b.full(path))
}

func (b *LocalBackend) RenameDir(oldPath, newPath string) error {
	return os.Rename(b.full(oldPath), b.full(newPath))
}

// dirHandle holds the entries read eagerly by OpenDir, walked by subsequent
// ReadDir calls.
type dirHandle struct {
	entries []mtp.DirEntry
	pos     int
}

func (b *LocalBackend) OpenDir(path string) (any, error) {
	raw, err := os.ReadDir(b.full(path))
	if err != nil {
		return nil, err
	}
	entries := make([]mtp.DirEntry, len(raw))
	for i, e := range raw {
		typ := mtp.EntryFile
		if e.IsDir() {
			typ = mtp.EntryDir
		}
		entries[i] = mtp.DirEntry{Name: e.Name(), Type: typ}
	}
	return &dirHandle{entries: entries}, nil
}

func (b *LocalBackend) ReadDir(handle any, maxEntries int) ([]mtp.DirEntry, error) {
	h := handle.(*dirHandle)
	end := h.pos + maxEntries
	if end > len(h.entries) {
		end = len(h.entries)
	}
	out := h.entries[h.pos:end]
	h.pos = end
	return out, nil
}

func (b *LocalBackend) DirEntryCount(handle any) (int, error) {
	h := handle.(*dirHandle)
	return len(h.entries), nil
}

func (b *LocalBackend) CloseDir(handle any) error { return nil }

// PrefersSingleThreaded always reports false: local disk I/O has no
// pending-USB-transfer latency to hide behind read-ahead, but also no
// reason to forgo it.
func (b *LocalBackend) PrefersSingleThreaded(size int64, isRead bool) bool { return false }

var _ mtp.Filesystem = (*LocalBackend)(nil)
