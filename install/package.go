package install

import (
	"context"

	"github.com/luketanti/cyberfoil/pkg"
)

// PackageParser demultiplexes a flat package archive. It assumes bytes arrive in non-decreasing offset order; an
// out-of-order chunk is rejected rather than reassembled.
type PackageParser struct {
	cfg   Config
	state *packageLikeState

	headerBuf []byte
	header    *archiveHeader
	entries   []*routedEntry
}

// NewPackageParser returns a PackageParser configured with cfg.
func NewPackageParser(cfg Config) *PackageParser {
	return &PackageParser{cfg: cfg, state: newPackageLikeState()}
}

// Feed implements Demultiplexer.
func (p *PackageParser) Feed(ctx context.Context, data []byte, offset int64) bool {
	if p.header == nil {
		return p.feedHeader(ctx, data, offset)
	}
	return p.routeChunk(ctx, data, offset)
}

func (p *PackageParser) feedHeader(ctx context.Context, data []byte, offset int64) bool {
	if offset != int64(len(p.headerBuf)) {
		pkg.LogWarn(pkg.ComponentDemux, "out-of-order chunk during header accumulation", "offset", offset, "expected", len(p.headerBuf))
		return false
	}
	if int64(len(p.headerBuf))+int64(len(data)) > p.cfg.BufferSize {
		pkg.LogError(pkg.ComponentDemux, "package header exceeds accumulation cap", "cap", p.cfg.BufferSize)
		return false
	}
	p.headerBuf = append(p.headerBuf, data...)

	hdr, complete, err := parseArchiveHeader(p.headerBuf, magicPackage)
	if err != nil {
		pkg.LogError(pkg.ComponentDemux, "package header parse failed", "error", err)
		return false
	}
	if !complete {
		return true
	}
	p.header = hdr
	if err := p.buildEntries(ctx); err != nil {
		pkg.LogError(pkg.ComponentDemux, "package entry setup failed", "error", err)
		return false
	}

	leftover := p.headerBuf[hdr.size:]
	leftoverOffset := hdr.size
	p.headerBuf = nil
	if len(leftover) == 0 {
		return true
	}
	return p.routeChunk(ctx, leftover, leftoverOffset)
}

func (p *PackageParser) buildEntries(ctx context.Context) error {
	for _, fe := range p.header.entries {
		dataStart := p.header.size + int64(fe.dataOffset)
		writer, err := makeWriter(p.cfg, p.state, fe.name, int64(fe.size))
		if err != nil {
			return err
		}
		if err := writer.Create(ctx); err != nil {
			return err
		}
		p.entries = append(p.entries, &routedEntry{fileEntry: fe, dataStart: dataStart, writer: writer})
	}
	return nil
}

func (p *PackageParser) routeChunk(ctx context.Context, data []byte, offset int64) bool {
	return routeEntries(ctx, p.entries, data, offset)
}

// Finalize implements Demultiplexer.
func (p *PackageParser) Finalize(ctx context.Context) error {
	return p.state.finalize(ctx, p.cfg)
}

// TitleID implements Demultiplexer.
func (p *PackageParser) TitleID() string { return p.state.TitleID() }

var _ Demultiplexer = (*PackageParser)(nil)
