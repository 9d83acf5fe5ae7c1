package fsbackend

import (
	"context"
	"errors"
	"testing"

	"github.com/luketanti/cyberfoil/device/class/mtp"
	"github.com/luketanti/cyberfoil/install"
	"github.com/luketanti/cyberfoil/pkg"
)

// noopContentStore is the minimal install.ContentStore fake needed to build
// an install.Config for these tests; the scenarios below never complete an
// archive's header, so its methods are never actually invoked.
type noopContentStore struct{}

func (noopContentStore) CreatePlaceholder(context.Context, install.ContentID) error        { return nil }
func (noopContentStore) DeletePlaceholder(context.Context, install.ContentID) error        { return nil }
func (noopContentStore) WritePlaceholder(context.Context, install.ContentID, int64, []byte) error {
	return nil
}
func (noopContentStore) Register(context.Context, install.ContentID, install.ContentID) error {
	return nil
}
func (noopContentStore) PathOf(context.Context, install.ContentID) (string, error) { return "", nil }

func newTestSink(t *testing.T) *InstallSink {
	t.Helper()
	cfg := install.NewConfig(install.WithContentStore(noopContentStore{}))
	controller := install.NewController(cfg)
	return NewInstallSink("install", "Install", controller, install.StorageSDCard)
}

func TestInstallSinkRejectsUnrecognizedExtension(t *testing.T) {
	sink := newTestSink(t)
	err := sink.CreateFile("firmware.bin", 1024, 0)
	if !errors.Is(err, pkg.ErrInstallUnknownExtension) {
		t.Errorf("CreateFile err = %v, want %v", err, pkg.ErrInstallUnknownExtension)
	}
}

func TestInstallSinkWriteFileForwardsToController(t *testing.T) {
	sink := newTestSink(t)
	if err := sink.CreateFile("game.nsp", 1024, 0); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	fh, err := sink.OpenFile("game.nsp", mtp.ModeWrite)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	// A valid in-order header chunk at offset 0 is accepted and forwarded.
	if err := sink.WriteFile(fh, 0, make([]byte, 8)); err != nil {
		t.Errorf("WriteFile at offset 0: %v", err)
	}

	// A chunk that skips ahead during header accumulation is rejected by the
	// package parser and must surface as an error here.
	if err := sink.WriteFile(fh, 64, make([]byte, 8)); !errors.Is(err, pkg.ErrContentStoreIO) {
		t.Errorf("WriteFile at a skipped-ahead offset = %v, want %v", err, pkg.ErrContentStoreIO)
	}
}

func TestInstallSinkOpenFileRejectsRead(t *testing.T) {
	sink := newTestSink(t)
	if _, err := sink.OpenFile("game.nsp", mtp.ModeRead); !errors.Is(err, pkg.ErrOperationNotSupported) {
		t.Errorf("OpenFile(ModeRead) err = %v, want %v", err, pkg.ErrOperationNotSupported)
	}
}

func TestInstallSinkFileSizeTracksCreateAndSetFileSize(t *testing.T) {
	sink := newTestSink(t)
	if err := sink.CreateFile("game.nsp", 4096, 0); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	fh, _ := sink.OpenFile("game.nsp", mtp.ModeWrite)

	size, err := sink.FileSize(fh)
	if err != nil {
		t.Fatalf("FileSize: %v", err)
	}
	if size != 4096 {
		t.Errorf("FileSize = %d, want 4096", size)
	}

	if err := sink.SetFileSize(fh, 8192); err != nil {
		t.Fatalf("SetFileSize: %v", err)
	}
	if size, _ = sink.FileSize(fh); size != 8192 {
		t.Errorf("FileSize after SetFileSize = %d, want 8192", size)
	}
}

func TestInstallSinkDirectoryOperationsAreNotSupported(t *testing.T) {
	sink := newTestSink(t)
	if _, err := sink.OpenDir(""); !errors.Is(err, pkg.ErrOperationNotSupported) {
		t.Errorf("OpenDir err = %v, want %v", err, pkg.ErrOperationNotSupported)
	}
	if err := sink.CreateDir("x"); !errors.Is(err, pkg.ErrOperationNotSupported) {
		t.Errorf("CreateDir err = %v, want %v", err, pkg.ErrOperationNotSupported)
	}
}

func TestInstallSinkImplementsFilesystem(t *testing.T) {
	var _ mtp.Filesystem = newTestSink(t)
}
