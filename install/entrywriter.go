package install

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/luketanti/cyberfoil/pkg"
)

// EntryWriter is the per-entry streaming sink a Demultiplexer routes a
// subrange of incoming bytes to.
type EntryWriter interface {
	Create(ctx context.Context) error
	Write(ctx context.Context, offset int64, data []byte) error
	Close(ctx context.Context) error
}

// entryRoute classifies an archive entry by its filename suffix.
type entryRoute int

const (
	routeContent entryRoute = iota
	routeMeta
	routeTicket
	routeCertificate
	routeUnknown
)

func classifyEntry(name string) entryRoute {
	switch {
	case strings.HasSuffix(name, ".cnmt.nca"), strings.HasSuffix(name, ".cnmt.ncz"):
		return routeMeta
	case strings.HasSuffix(name, ".nca"), strings.HasSuffix(name, ".ncz"):
		return routeContent
	case strings.HasSuffix(name, ".tik"):
		return routeTicket
	case strings.HasSuffix(name, ".cert"):
		return routeCertificate
	default:
		return routeUnknown
	}
}

// pendingMeta is one meta blob awaiting commit at Finalize, after ticket
// import. Tickets must be imported before their metas are committed, so
// metas queue here until Finalize runs the commit in the right order.
type pendingMeta struct {
	contentID ContentID
	key       ContentMetaKey
}

// contentEntryWriter streams a content blob into a content-store
// placeholder, registering it as final content once every declared byte has
// arrived.
type contentEntryWriter struct {
	store   ContentStore
	id      ContentID
	size    int64
	written int64
}

func newContentEntryWriter(store ContentStore, name string, size int64) (*contentEntryWriter, error) {
	id, err := ParseContentID(name)
	if err != nil {
		return nil, err
	}
	return &contentEntryWriter{store: store, id: id, size: size}, nil
}

func (w *contentEntryWriter) Create(ctx context.Context) error {
	return w.store.CreatePlaceholder(ctx, w.id)
}

func (w *contentEntryWriter) Write(ctx context.Context, offset int64, data []byte) error {
	if err := w.store.WritePlaceholder(ctx, w.id, offset, data); err != nil {
		return err
	}
	w.written += int64(len(data))
	return nil
}

func (w *contentEntryWriter) Close(ctx context.Context) error {
	if w.written != w.size {
		return nil
	}
	return w.store.Register(ctx, w.id, w.id)
}

// metaEntryWriter wraps a contentEntryWriter; on successful registration it
// additionally derives and publishes the base title id and appends to the
// demultiplexer's pending-commit list.
//
// The original's meta-key extraction reads the freshly-registered content
// back from the store and decodes its CNMT header in place; the content
// store and content-meta database are opaque collaborators here, so that decode step is represented as a single call to
// ContentMetaDatabase.LatestKey keyed by the meta's own content id, rather
// than re-implementing the CNMT binary layout.
type metaEntryWriter struct {
	*contentEntryWriter
	metaDB  ContentMetaDatabase
	demux   *packageLikeState
}

func newMetaEntryWriter(store ContentStore, metaDB ContentMetaDatabase, demux *packageLikeState, name string, size int64) (*metaEntryWriter, error) {
	base, err := newContentEntryWriter(store, name, size)
	if err != nil {
		return nil, err
	}
	return &metaEntryWriter{contentEntryWriter: base, metaDB: metaDB, demux: demux}, nil
}

func (w *metaEntryWriter) Close(ctx context.Context) error {
	if w.written != w.size {
		return nil
	}
	if err := w.store.Register(ctx, w.id, w.id); err != nil {
		return err
	}
	if w.metaDB == nil {
		return nil
	}
	key, err := w.metaDB.LatestKey(ctx, w.id.String())
	if err != nil {
		return err
	}
	baseTitleID, err := BaseTitleID(key.TitleID, key.Type)
	if err != nil {
		return err
	}
	w.demux.publishTitleID(baseTitleID)
	w.demux.addPendingMeta(pendingMeta{contentID: w.id, key: key})
	pkg.LogDebug(pkg.ComponentDemux, "meta registered", "contentID", w.id, "baseTitleID", baseTitleID)
	return nil
}

// bufferEntryWriter accumulates an entry's bytes entirely in memory, used
// for tickets and certificates.
type bufferEntryWriter struct {
	name string
	id   string
	buf  []byte
	sink *[]namedBlob
}

// namedBlob is one buffered ticket or certificate awaiting its matching
// counterpart at Finalize. Pairing itself is still by base filename
//, but an archive can carry tickets for more than one
// title in flight; id is a generation-time correlation tag a caller's log
// line can use to tie a buffered blob back to the ImportTicket call it
// eventually feeds, since no id is supplied by the archive itself.
type namedBlob struct {
	name string
	id   string
	data []byte
}

func newBufferEntryWriter(name string, sink *[]namedBlob) *bufferEntryWriter {
	return &bufferEntryWriter{name: name, id: uuid.NewString(), sink: sink}
}

func (w *bufferEntryWriter) Create(context.Context) error { return nil }

func (w *bufferEntryWriter) Write(_ context.Context, _ int64, data []byte) error {
	w.buf = append(w.buf, data...)
	return nil
}

func (w *bufferEntryWriter) Close(context.Context) error {
	pkg.LogDebug(pkg.ComponentDemux, "ticket/cert blob buffered", "name", w.name, "correlationID", w.id)
	*w.sink = append(*w.sink, namedBlob{name: w.name, id: w.id, data: w.buf})
	return nil
}
