package install

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/luketanti/cyberfoil/pkg"
)

// Snapshot is a read-only copy of the controller's progress state, safe to
// poll from outside the responder goroutine.
type Snapshot struct {
	Active        bool
	Complete      bool
	TotalSize     int64
	BytesReceived int64
	BaseTitleID   string
	CurrentFile   string
}

// extensionKind classifies a filename by its recognized install-archive
// extension.
type extensionKind int

const (
	extensionUnknown extensionKind = iota
	extensionPackage
	extensionDiskImage
)

func classifyExtension(name string) extensionKind {
	switch {
	case strings.HasSuffix(name, ".nsp"), strings.HasSuffix(name, ".nsz"):
		return extensionPackage
	case strings.HasSuffix(name, ".xci"), strings.HasSuffix(name, ".xcz"):
		return extensionDiskImage
	default:
		return extensionUnknown
	}
}

// Controller is the Stream Install Controller: top-level
// start/feed/close state, progress counters, and the derived base title id.
// Mutation is serialized by a mutex; byte counters are additionally exposed
// through relaxed atomics for lock-free polling.
type Controller struct {
	cfg Config

	mu            sync.Mutex
	active        bool
	complete      bool
	name          string
	totalSize     int64
	currentFile   string
	demux         Demultiplexer
	ctx           context.Context
	cancel        context.CancelFunc

	bytesReceived atomic.Int64
}

// NewController returns a Controller configured with cfg.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Start begins a new install. It
// returns false for an unrecognized extension, matching the original's
// start(name, total_size, storage_choice) → bool contract; storageChoice is
// accepted for parity with that signature but this controller does not itself route bytes to a
// filesystem backend — that is the install sink's responsibility.
func (c *Controller) Start(ctx context.Context, name string, totalSize int64, storageChoice StorageChoice) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kind := classifyExtension(name)
	if kind == extensionUnknown {
		pkg.LogWarn(pkg.ComponentInstall, "unrecognized install archive extension", "name", name)
		return false
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	switch kind {
	case extensionPackage:
		c.demux = NewPackageParser(c.cfg)
	case extensionDiskImage:
		if c.cfg.OrderedDiskImageMap {
			c.demux = NewDiskImageParser(c.cfg)
		} else {
			c.demux = NewPullModeParser(c.ctx, c.cfg)
		}
	}

	c.active = true
	c.complete = false
	c.name = name
	c.totalSize = totalSize
	c.currentFile = name
	c.bytesReceived.Store(0)

	pkg.LogInfo(pkg.ComponentInstall, "stream install started", "name", name, "totalSize", totalSize, "storageChoice", storageChoice)
	return true
}

// Feed forwards bytes to the active demultiplexer and advances the received
// counter, which never decreases.
func (c *Controller) Feed(data []byte, offset int64) bool {
	c.mu.Lock()
	demux := c.demux
	active := c.active
	ctx := c.ctx
	c.mu.Unlock()

	if !active || demux == nil {
		return false
	}
	if !demux.Feed(ctx, data, offset) {
		return false
	}

	end := offset + int64(len(data))
	for {
		cur := c.bytesReceived.Load()
		if end <= cur {
			break
		}
		if c.bytesReceived.CompareAndSwap(cur, end) {
			break
		}
	}
	return true
}

// Close runs Finalize on the active demultiplexer and transitions Active →
// Idle, setting complete.
func (c *Controller) Close() error {
	c.mu.Lock()
	demux := c.demux
	ctx := c.ctx
	cancel := c.cancel
	c.mu.Unlock()

	var err error
	if demux != nil {
		err = demux.Finalize(ctx)
	}

	c.mu.Lock()
	c.active = false
	c.complete = true
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()

	if err != nil {
		pkg.LogError(pkg.ComponentInstall, "stream install finalize failed", "error", err)
	} else {
		pkg.LogInfo(pkg.ComponentInstall, "stream install closed")
	}
	return err
}

// Active reports whether an install is currently in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Complete reports whether the most recent install has finished.
func (c *Controller) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete
}

// Progress returns the bytes received so far and the declared total size.
func (c *Controller) Progress() (received, total int64) {
	c.mu.Lock()
	total = c.totalSize
	c.mu.Unlock()
	return c.bytesReceived.Load(), total
}

// Name returns the archive's filename.
func (c *Controller) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// TitleID returns the base title id published by the active or most
// recently finished install's demultiplexer.
func (c *Controller) TitleID() string {
	c.mu.Lock()
	demux := c.demux
	c.mu.Unlock()
	if demux == nil {
		return ""
	}
	return demux.TitleID()
}

// Snapshot returns a read-only copy of the controller's progress state,
// safe for a goroutine other than the one driving Start/Feed/Close to poll.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	received, total := c.bytesReceived.Load(), c.totalSize
	titleID := ""
	if c.demux != nil {
		titleID = c.demux.TitleID()
	}
	return Snapshot{
		Active:        c.active,
		Complete:      c.complete,
		TotalSize:     total,
		BytesReceived: received,
		BaseTitleID:   titleID,
		CurrentFile:   c.currentFile,
	}
}
