package install

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/luketanti/cyberfoil/pkg"
)

// pullQueue is the bounded byte queue between the MTP write callback
// (producer) and the disk-image consumer task. It differs from the Threaded Transfer Engine's two-slot ring
// (transfer.Transfer): that ring hands off fixed-size buffers between
// exactly one reader and one writer, while this queue must support
// random-access reads at arbitrary offsets into everything pushed so far,
// which a fixed-slot channel handoff cannot express. A mutex plus a
// condition variable, the same primitive pairing the transfer engine's
// ring buffer uses, fits this shape directly.
type pullQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	ring        []byte // fixed-size ring, len(ring) == cap
	writeOffset int64
	highWater   int64
	cap         int64
	closed      bool
	closeErr    error
}

func newPullQueue(capacity int64) *pullQueue {
	q := &pullQueue{cap: capacity, ring: make([]byte, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends data at offset, which must equal the queue's current write
// offset, writing into the ring at each byte's position modulo cap. It
// blocks in slices no larger than the queue's capacity while the unconsumed
// depth would otherwise exceed it, so the ring never needs to hold more than
// cap bytes regardless of how large data is.
func (q *pullQueue) Push(ctx context.Context, data []byte, offset int64) error {
	done := q.watchCancellation(ctx)
	defer done()

	q.mu.Lock()
	defer q.mu.Unlock()

	if offset != q.writeOffset {
		return fmt.Errorf("%w: pull queue received offset %d, expected %d", pkg.ErrOutOfOrderChunk, offset, q.writeOffset)
	}
	for len(data) > 0 {
		for q.writeOffset-q.highWater >= q.cap && !q.closed {
			if err := ctx.Err(); err != nil {
				return err
			}
			q.cond.Wait()
		}
		if q.closed {
			return pkg.ErrInstallNotActive
		}
		room := q.cap - (q.writeOffset - q.highWater)
		n := int64(len(data))
		if n > room {
			n = room
		}
		q.writeRing(q.writeOffset, data[:n])
		q.writeOffset += n
		data = data[n:]
		q.cond.Broadcast()
	}
	return nil
}

// Read blocks until offset+len(buf) bytes have been pushed, or the queue is
// closed, then copies from the ring at each byte's position modulo cap.
// Callers must read in non-decreasing offset order: once Read has advanced
// the queue's high-water mark past a position, Push may reuse that slot of
// the ring for new data.
func (q *pullQueue) Read(ctx context.Context, buf []byte, offset int64) (int, error) {
	done := q.watchCancellation(ctx)
	defer done()

	q.mu.Lock()
	defer q.mu.Unlock()

	need := offset + int64(len(buf))
	for q.writeOffset < need && !q.closed {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		q.cond.Wait()
	}
	available := q.writeOffset - offset
	if available <= 0 {
		if q.closeErr != nil {
			return 0, q.closeErr
		}
		return 0, pkg.ErrUnexpectedEndOfStream
	}
	n := int64(len(buf))
	if available < n {
		n = available
	}
	q.readRing(offset, buf[:n])
	if offset+n > q.highWater {
		q.highWater = offset + n
	}
	q.cond.Broadcast()
	return int(n), nil
}

// writeRing copies data into the ring starting at offset mod cap, wrapping
// once if the write crosses the end of the backing slice.
func (q *pullQueue) writeRing(offset int64, data []byte) {
	start := offset % q.cap
	n := copy(q.ring[start:], data)
	if n < len(data) {
		copy(q.ring, data[n:])
	}
}

// readRing copies from the ring starting at offset mod cap into dst,
// wrapping once if the read crosses the end of the backing slice.
func (q *pullQueue) readRing(offset int64, dst []byte) {
	start := offset % q.cap
	n := copy(dst, q.ring[start:])
	if n < len(dst) {
		copy(dst[n:], q.ring[:len(dst)-n])
	}
}

// Close marks the queue as having no more bytes to push (or, if err is
// non-nil, as failed) and wakes every blocked reader and writer.
func (q *pullQueue) Close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.closeErr = err
	q.cond.Broadcast()
}

func (q *pullQueue) watchCancellation(ctx context.Context) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

// readExact calls q.Read repeatedly until buf is full or an error occurs.
func readExact(ctx context.Context, q *pullQueue, buf []byte, offset int64) error {
	for filled := 0; filled < len(buf); {
		n, err := q.Read(ctx, buf[filled:], offset+int64(filled))
		if err != nil {
			return err
		}
		if n == 0 {
			return pkg.ErrUnexpectedEndOfStream
		}
		filled += n
	}
	return nil
}

// PullModeParser is the pull-mode disk-image demultiplexer: the MTP write callback only pushes bytes into a
// bounded queue, and a dedicated consumer task walks the partition
// structure with random-access reads against that queue.
type PullModeParser struct {
	cfg   Config
	state *packageLikeState
	queue *pullQueue
	group *errgroup.Group

	pushOffset int64
}

// NewPullModeParser returns a PullModeParser and starts its consumer task
// under ctx.
func NewPullModeParser(ctx context.Context, cfg Config) *PullModeParser {
	p := &PullModeParser{
		cfg:   cfg,
		state: newPackageLikeState(),
		queue: newPullQueue(cfg.PullQueueSize),
	}
	group, groupCtx := errgroup.WithContext(ctx)
	p.group = group
	group.Go(func() error { return p.consume(groupCtx) })
	return p
}

// Feed implements Demultiplexer. In pull mode the producer only pushes
// bytes; out-of-order offsets are rejected outright.
func (p *PullModeParser) Feed(ctx context.Context, data []byte, offset int64) bool {
	if err := p.queue.Push(ctx, data, offset); err != nil {
		pkg.LogError(pkg.ComponentDemux, "pull-mode push failed", "error", err)
		return false
	}
	return true
}

// Finalize implements Demultiplexer: it closes the queue (signaling
// end-of-stream to the consumer), waits for the consumer to finish walking
// the archive, then runs the shared commit sequence.
func (p *PullModeParser) Finalize(ctx context.Context) error {
	p.queue.Close(nil)
	if err := p.group.Wait(); err != nil {
		return err
	}
	return p.state.finalize(ctx, p.cfg)
}

// TitleID implements Demultiplexer.
func (p *PullModeParser) TitleID() string { return p.state.TitleID() }

func (p *PullModeParser) consume(ctx context.Context) error {
	rootOffset, rootHeader, err := p.readHeaderAt(ctx, -1)
	if err != nil {
		return err
	}
	secureEntry, ok := findEntry(rootHeader.entries, "secure")
	if !ok {
		return pkg.ErrInstallHeaderInvalid
	}
	secureOffset := rootOffset + rootHeader.size + int64(secureEntry.dataOffset)

	_, secureHeader, err := p.readHeaderAt(ctx, secureOffset)
	if err != nil {
		return err
	}

	// 4 MiB read requests against a 1 MiB-capacity queue: safe only because readExact loops internally rather than
	// requiring the whole request to be resident in the queue at once.
	chunk := make([]byte, 0x400000)
	for _, fe := range secureHeader.entries {
		writer, err := makeWriter(p.cfg, p.state, fe.name, int64(fe.size))
		if err != nil {
			return err
		}
		if err := writer.Create(ctx); err != nil {
			return err
		}
		pos := int64(fe.dataOffset)
		remaining := int64(fe.size)
		for remaining > 0 {
			n := int64(len(chunk))
			if n > remaining {
				n = remaining
			}
			if err := readExact(ctx, p.queue, chunk[:n], pos); err != nil {
				return err
			}
			if err := writer.Write(ctx, pos-int64(fe.dataOffset), chunk[:n]); err != nil {
				return err
			}
			pos += n
			remaining -= n
		}
		if err := writer.Close(ctx); err != nil {
			return err
		}
	}
	return nil
}

// readHeaderAt reads and parses a full archiveHeader at a known absolute
// offset, or, when offset is negative, probes both card-header candidate
// offsets in ascending order.
func (p *PullModeParser) readHeaderAt(ctx context.Context, offset int64) (int64, *archiveHeader, error) {
	probes := []int64{offset}
	if offset < 0 {
		probes = []int64{cardHeaderOffsetLow, cardHeaderOffsetHigh}
	}

	var lastErr error
	for _, probe := range probes {
		fixed := make([]byte, fixedHeaderSize)
		if err := readExact(ctx, p.queue, fixed, probe); err != nil {
			lastErr = err
			continue
		}
		if binary.LittleEndian.Uint32(fixed[0:4]) != magicPartition {
			lastErr = pkg.ErrInstallHeaderInvalid
			continue
		}
		numFiles := binary.LittleEndian.Uint32(fixed[4:8])
		stringTableSize := binary.LittleEndian.Uint32(fixed[8:12])
		full := make([]byte, fixedHeaderSize+int64(numFiles)*fileEntrySize+int64(stringTableSize))
		if err := readExact(ctx, p.queue, full, probe); err != nil {
			return 0, nil, err
		}
		hdr, complete, err := parseArchiveHeader(full, magicPartition)
		if err != nil {
			return 0, nil, err
		}
		if !complete {
			return 0, nil, pkg.ErrInstallHeaderIncomplete
		}
		return probe, hdr, nil
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return 0, nil, pkg.ErrInstallHeaderInvalid
}

var _ Demultiplexer = (*PullModeParser)(nil)
