package install

import (
	"context"
	"strings"
	"sync"

	"github.com/luketanti/cyberfoil/pkg"
)

// Demultiplexer is the common contract both archive parsers satisfy, and
// what StreamInstallController holds for the lifetime of one install.
type Demultiplexer interface {
	// Feed routes the chunk [offset, offset+len(data)) into the archive's
	// entries. It returns false on any rejection (header parse failure,
	// out-of-order chunk the parser cannot reassemble, entry-writer
	// failure); the caller propagates that failure up to the transport.
	Feed(ctx context.Context, data []byte, offset int64) bool
	// Finalize runs the end-of-stream commit sequence.
	Finalize(ctx context.Context) error
	// TitleID returns the base title id published by the first registered
	// meta blob, or "" if none has been registered yet.
	TitleID() string
}

// routedEntry tracks one archive entry's progress through its EntryWriter.
type routedEntry struct {
	fileEntry
	dataStart    int64
	writer       EntryWriter
	bytesWritten int64
	closed       bool
}

// packageLikeState is the mutable state shared by both archive parsers:
// the published base title id, the pending-commit meta list, and the
// buffered ticket/certificate blobs.
type packageLikeState struct {
	mu           sync.Mutex
	titleID      string
	pendingMetas []pendingMeta
	tickets      []namedBlob
	certs        []namedBlob
}

func newPackageLikeState() *packageLikeState {
	return &packageLikeState{}
}

func (s *packageLikeState) publishTitleID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.titleID == "" {
		s.titleID = id
	}
}

func (s *packageLikeState) addPendingMeta(m pendingMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingMetas = append(s.pendingMetas, m)
}

func (s *packageLikeState) TitleID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titleID
}

// finalize imports matched ticket/certificate pairs, then commits every
// pending meta's content-meta-record and application-record, in that order.
func (s *packageLikeState) finalize(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	tickets := s.tickets
	certs := s.certs
	metas := s.pendingMetas
	s.mu.Unlock()

	if cfg.TitleService == nil {
		return nil
	}

	for _, cert := range certs {
		base := strings.TrimSuffix(cert.name, ".cert")
		ticket, ok := findTicket(tickets, base)
		if !ok {
			pkg.LogWarn(pkg.ComponentInstall, "certificate without matching ticket", "name", cert.name)
			continue
		}
		pkg.LogDebug(pkg.ComponentDemux, "importing ticket/cert pair", "ticketID", ticket.id, "certID", cert.id)
		if err := cfg.TitleService.ImportTicket(ctx, ticket.data, cert.data); err != nil {
			return err
		}
	}

	for _, m := range metas {
		if err := cfg.TitleService.InstallContentMeta(ctx, m.key); err != nil {
			return err
		}
		if err := cfg.TitleService.InstallApplicationRecord(ctx, m.key.TitleID); err != nil {
			return err
		}
	}
	return nil
}

func findTicket(tickets []namedBlob, base string) (namedBlob, bool) {
	for _, t := range tickets {
		if strings.TrimSuffix(t.name, ".tik") == base {
			return t, true
		}
	}
	return namedBlob{}, false
}

// makeWriter routes a newly-discovered archive entry to its EntryWriter by
// filename suffix.
func makeWriter(cfg Config, state *packageLikeState, name string, size int64) (EntryWriter, error) {
	switch classifyEntry(name) {
	case routeMeta:
		return newMetaEntryWriter(cfg.ContentStore, cfg.ContentMetaDB, state, name, size)
	case routeContent:
		return newContentEntryWriter(cfg.ContentStore, name, size)
	case routeTicket:
		return newBufferEntryWriter(name, &state.tickets), nil
	case routeCertificate:
		return newBufferEntryWriter(name, &state.certs), nil
	default:
		return newDiscardEntryWriter(), nil
	}
}

// routeEntries intersects the chunk [offset, offset+len(data)) against every
// open entry's byte range and writes the overlap through its EntryWriter,
// closing the entry once its declared size is reached.
func routeEntries(ctx context.Context, entries []*routedEntry, data []byte, offset int64) bool {
	chunkStart := offset
	chunkEnd := offset + int64(len(data))
	for _, e := range entries {
		if e.closed {
			continue
		}
		entryStart := e.dataStart
		entryEnd := e.dataStart + int64(e.size)
		lo, hi := maxI64(chunkStart, entryStart), minI64(chunkEnd, entryEnd)
		if lo >= hi {
			continue
		}
		relOffset := lo - entryStart
		if relOffset != e.bytesWritten {
			pkg.LogWarn(pkg.ComponentDemux, "out-of-order entry write", "entry", e.name, "relOffset", relOffset, "expected", e.bytesWritten)
			return false
		}
		sub := data[lo-chunkStart : hi-chunkStart]
		if err := e.writer.Write(ctx, relOffset, sub); err != nil {
			pkg.LogError(pkg.ComponentDemux, "entry write failed", "entry", e.name, "error", err)
			return false
		}
		e.bytesWritten += int64(len(sub))
		if e.bytesWritten == int64(e.size) {
			if err := e.writer.Close(ctx); err != nil {
				pkg.LogError(pkg.ComponentDemux, "entry close failed", "entry", e.name, "error", err)
				return false
			}
			e.closed = true
		}
	}
	return true
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// discardEntryWriter ignores an entry's bytes. Recognized archive entries
// cover four extensions; unrecognized entries (e.g. a loose README in a
// test fixture) are silently skipped rather than rejecting the whole feed.
type discardEntryWriter struct{}

func newDiscardEntryWriter() EntryWriter { return discardEntryWriter{} }

func (discardEntryWriter) Create(context.Context) error                      { return nil }
func (discardEntryWriter) Write(context.Context, int64, []byte) error        { return nil }
func (discardEntryWriter) Close(context.Context) error                       { return nil }
