package fsbackend

import (
	"context"
	"sync"

	"github.com/luketanti/cyberfoil/device/class/mtp"
	"github.com/luketanti/cyberfoil/install"
	"github.com/luketanti/cyberfoil/pkg"
)

// InstallSink is the install destination's mtp.Filesystem implementation
//: CreateFile starts
// a stream install on the controller, WriteFile tees bytes to it rather than
// persisting them anywhere itself, and CloseFile finalizes it. Every other
// operation is explicitly write-mostly and returns pkg.ErrOperationNotSupported,
// matching the original's NotImplemented directory/read surface.
type InstallSink struct {
	name, displayName string
	controller        *install.Controller
	storageChoice     install.StorageChoice

	mu   sync.Mutex
	size int64
}

// NewInstallSink returns an InstallSink that drives controller, using
// storageChoice for every install started through it.
func NewInstallSink(name, displayName string, controller *install.Controller, storageChoice install.StorageChoice) *InstallSink {
	return &InstallSink{name: name, displayName: displayName, controller: controller, storageChoice: storageChoice}
}

func (s *InstallSink) Name() string        { return s.name }
func (s *InstallSink) DisplayName() string { return s.displayName }

func (s *InstallSink) TotalSpace(string) (uint64, error) { return 0, nil }
func (s *InstallSink) FreeSpace(string) (uint64, error)  { return 0, nil }

func (s *InstallSink) EntryType(string) (mtp.EntryType, error) {
	return mtp.EntryMissing, nil
}

// CreateFile starts a stream install for path. It fails if the controller rejects the extension or an install is
// already active.
func (s *InstallSink) CreateFile(path string, size int64, flags uint32) error {
	if !s.controller.Start(context.Background(), path, size, s.storageChoice) {
		return pkg.ErrInstallUnknownExtension
	}
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()
	return nil
}

func (s *InstallSink) DeleteFile(string) error         { return pkg.ErrOperationNotSupported }
func (s *InstallSink) RenameFile(string, string) error { return pkg.ErrOperationNotSupported }

// installHandle is an opaque token; InstallSink has only ever one logical
// open file at a time (the install stream CreateFile just started).
type installHandle struct{}

func (s *InstallSink) OpenFile(path string, mode mtp.FileMode) (any, error) {
	if mode == mtp.ModeRead {
		return nil, pkg.ErrOperationNotSupported
	}
	return installHandle{}, nil
}

func (s *InstallSink) FileSize(any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, nil
}

func (s *InstallSink) SetFileSize(_ any, size int64) error {
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()
	return nil
}

func (s *InstallSink) ReadFile(any, int64, []byte) (int, error) {
	return 0, pkg.ErrOperationNotSupported
}

// WriteFile feeds the chunk to the controller instead of persisting it.
func (s *InstallSink) WriteFile(_ any, offset int64, data []byte) error {
	if !s.controller.Feed(data, offset) {
		return pkg.ErrContentStoreIO
	}
	return nil
}

// CloseFile finalizes the stream install.
func (s *InstallSink) CloseFile(any) error {
	return s.controller.Close()
}

func (s *InstallSink) CreateDir(string) error          { return pkg.ErrOperationNotSupported }
func (s *InstallSink) DeleteDirRecursive(string) error { return pkg.ErrOperationNotSupported }
func (s *InstallSink) RenameDir(string, string) error  { return pkg.ErrOperationNotSupported }
func (s *InstallSink) OpenDir(string) (any, error)     { return nil, pkg.ErrOperationNotSupported }
func (s *InstallSink) ReadDir(any, int) ([]mtp.DirEntry, error) {
	return nil, pkg.ErrOperationNotSupported
}
func (s *InstallSink) DirEntryCount(any) (int, error) { return 0, pkg.ErrOperationNotSupported }
func (s *InstallSink) CloseDir(any) error             { return pkg.ErrOperationNotSupported }

// PrefersSingleThreaded always reports false: the Threaded Transfer Engine
// already delivers writes to WriteFile in consecutive, non-overlapping
// order, which is all the install controller and its
// demultiplexer require.
func (s *InstallSink) PrefersSingleThreaded(int64, bool) bool { return false }

var _ mtp.Filesystem = (*InstallSink)(nil)
