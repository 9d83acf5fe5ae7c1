package install

import (
	"context"
	"encoding/binary"

	"github.com/luketanti/cyberfoil/pkg"
)

// Card header offsets probed for the root partition header. Whichever first presents magicPartition wins.
const (
	cardHeaderOffsetLow  = 0xF000
	cardHeaderOffsetHigh = 0x10000
)

// DiskImageParser demultiplexes a layered disk-image archive. Unlike PackageParser, it reassembles out-of-order
// chunks: incoming chunks are buffered in an offset-keyed map and drained
// contiguously from a next-offset cursor.
type DiskImageParser struct {
	cfg   Config
	state *packageLikeState

	nextOffset int64
	pending    map[int64][]byte

	headerBuf []byte

	rootOffset   int64 // -1 until resolved
	rootHeader   *archiveHeader
	secureOffset int64 // absolute offset of the secure partition's header
	secureHeader *archiveHeader
	resolved     bool

	entries []*routedEntry
}

// NewDiskImageParser returns a DiskImageParser configured with cfg.
func NewDiskImageParser(cfg Config) *DiskImageParser {
	return &DiskImageParser{
		cfg:        cfg,
		state:      newPackageLikeState(),
		pending:    make(map[int64][]byte),
		rootOffset: -1,
	}
}

// Feed implements Demultiplexer. It inserts the chunk into the reassembly
// map and drains every contiguous run now available at the cursor.
func (p *DiskImageParser) Feed(ctx context.Context, data []byte, offset int64) bool {
	if offset < p.nextOffset {
		// Already consumed; duplicate or stale retransmission, ignore.
		return true
	}
	p.pending[offset] = data

	for {
		chunk, ok := p.pending[p.nextOffset]
		if !ok {
			break
		}
		delete(p.pending, p.nextOffset)
		start := p.nextOffset
		p.nextOffset += int64(len(chunk))
		if !p.consume(ctx, chunk, start) {
			return false
		}
	}
	return true
}

func (p *DiskImageParser) consume(ctx context.Context, data []byte, offset int64) bool {
	if p.resolved {
		return routeEntries(ctx, p.entries, data, offset)
	}

	if int64(len(p.headerBuf))+int64(len(data)) > p.cfg.BufferSize {
		pkg.LogError(pkg.ComponentDemux, "disk-image header exceeds accumulation cap", "cap", p.cfg.BufferSize)
		return false
	}
	p.headerBuf = append(p.headerBuf, data...)

	if p.rootHeader == nil {
		switch p.resolveRootHeader() {
		case stagePending:
			return true
		case stageFailed:
			return false
		}
	}
	if p.rootHeader != nil && p.secureHeader == nil {
		switch p.resolveSecureHeader(ctx) {
		case stagePending:
			return true
		case stageFailed:
			return false
		}
	}
	return true
}

// stageResult is the outcome of trying to resolve one level of the
// disk-image header hierarchy from whatever has accumulated so far.
type stageResult int

const (
	stagePending stageResult = iota // not enough bytes yet; keep accumulating
	stageOK                         // resolved
	stageFailed                     // malformed input; reject the feed
)

func (p *DiskImageParser) resolveRootHeader() stageResult {
	if p.rootOffset < 0 {
		for _, probe := range [...]int64{cardHeaderOffsetLow, cardHeaderOffsetHigh} {
			if int64(len(p.headerBuf)) < probe+4 {
				continue
			}
			if binary.LittleEndian.Uint32(p.headerBuf[probe:probe+4]) == magicPartition {
				p.rootOffset = probe
				break
			}
		}
		if p.rootOffset < 0 {
			if int64(len(p.headerBuf)) < cardHeaderOffsetHigh+4 {
				return stagePending
			}
			pkg.LogError(pkg.ComponentDemux, "disk-image root header not found at either probed offset")
			return stageFailed
		}
	}

	hdr, complete, err := parseArchiveHeader(p.headerBuf[p.rootOffset:], magicPartition)
	if err != nil {
		pkg.LogError(pkg.ComponentDemux, "disk-image root header parse failed", "error", err)
		return stageFailed
	}
	if !complete {
		return stagePending
	}
	p.rootHeader = hdr

	secureEntry, ok := findEntry(p.rootHeader.entries, "secure")
	if !ok {
		pkg.LogError(pkg.ComponentDemux, "disk-image root partition has no secure child")
		return stageFailed
	}
	p.secureOffset = p.rootOffset + p.rootHeader.size + int64(secureEntry.dataOffset)
	return stageOK
}

func (p *DiskImageParser) resolveSecureHeader(ctx context.Context) stageResult {
	if int64(len(p.headerBuf)) < p.secureOffset+fixedHeaderSize {
		return stagePending
	}
	hdr, complete, err := parseArchiveHeader(p.headerBuf[p.secureOffset:], magicPartition)
	if err != nil {
		pkg.LogError(pkg.ComponentDemux, "disk-image secure header parse failed", "error", err)
		return stageFailed
	}
	if !complete {
		return stagePending
	}
	p.secureHeader = hdr
	p.resolved = true

	// Secure-partition entry offsets are absolute within the archive, unlike the package and root-partition formats.
	for _, fe := range hdr.entries {
		writer, err := makeWriter(p.cfg, p.state, fe.name, int64(fe.size))
		if err != nil {
			pkg.LogError(pkg.ComponentDemux, "disk-image entry setup failed", "entry", fe.name, "error", err)
			continue
		}
		if err := writer.Create(ctx); err != nil {
			pkg.LogError(pkg.ComponentDemux, "disk-image entry create failed", "entry", fe.name, "error", err)
			continue
		}
		p.entries = append(p.entries, &routedEntry{fileEntry: fe, dataStart: int64(fe.dataOffset), writer: writer})
	}

	headerEnd := p.secureOffset + hdr.size
	leftover := p.headerBuf[headerEnd:]
	p.headerBuf = nil
	if len(leftover) == 0 {
		return stageOK
	}
	if !routeEntries(ctx, p.entries, leftover, headerEnd) {
		return stageFailed
	}
	return stageOK
}

// Finalize implements Demultiplexer.
func (p *DiskImageParser) Finalize(ctx context.Context) error {
	return p.state.finalize(ctx, p.cfg)
}

// TitleID implements Demultiplexer.
func (p *DiskImageParser) TitleID() string { return p.state.TitleID() }

var _ Demultiplexer = (*DiskImageParser)(nil)
