// Package transfer implements the Threaded Transfer Engine: a
// bounded two-buffer pipeline between a read task and a write task, used by
// the mtp responder to stream an object's bytes without holding the whole
// object in memory.
//
// The original engine expresses the pipeline as a two-slot ring guarded by
// one mutex and two condition variables. Go's channels are the idiomatic
// equivalent of a bounded SPSC queue with blocking backpressure, so Transfer
// uses a pair of buffered channels (a "free" pool and a "filled" queue, both
// capacity 2) instead of hand-rolling the ring; the resulting schedule is the
// same: the reader blocks when both slots are in flight, the writer blocks
// when none are filled, and either side's first error stops both.
package transfer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Mode selects how Transfer moves bytes between read and write.
type Mode int

// Transfer modes.
const (
	// MultiThreaded always runs the reader and writer as separate tasks.
	MultiThreaded Mode = iota
	// SingleThreaded always runs read and write inline, one chunk at a time.
	SingleThreaded
	// SingleThreadedIfSmaller runs inline when size <= BufferSize, otherwise
	// behaves like MultiThreaded.
	SingleThreadedIfSmaller
)

// BufferSize is the chunk size used by both the inline and threaded paths.
const BufferSize = 1 << 20 // 1 MiB

// ReadFunc fills buf (sized to at most BufferSize) starting at offset and
// returns the number of bytes read. A short read (n < len(buf)) is only
// valid on the final chunk.
type ReadFunc func(buf []byte, offset int64) (n int, err error)

// WriteFunc consumes data, which was read at offset.
type WriteFunc func(data []byte, offset int64) error

// Transfer moves size bytes from read to write in BufferSize chunks,
// honoring mode. It returns ctx.Err() if ctx is cancelled before
// completion, or the first error recorded by either side. read is always
// called before write for a given chunk. When both tasks fail, whichever
// stores its error first wins; since a write failure cancels the reader and
// a read failure starves the writer, only one side typically fails in
// practice.
func Transfer(ctx context.Context, size int64, read ReadFunc, write WriteFunc, mode Mode) error {
	if size <= 0 {
		return nil
	}
	if mode == SingleThreaded || (mode == SingleThreadedIfSmaller && size <= BufferSize) {
		return transferInline(ctx, size, read, write)
	}
	return transferThreaded(ctx, size, read, write)
}

func transferInline(ctx context.Context, size int64, read ReadFunc, write WriteFunc) error {
	buf := make([]byte, BufferSize)
	var offset int64
	for offset < size {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := size - offset
		if want > BufferSize {
			want = BufferSize
		}
		n, err := read(buf[:want], offset)
		if err != nil {
			return err
		}
		if err := write(buf[:n], offset); err != nil {
			return err
		}
		offset += int64(n)
	}
	return nil
}

type chunk struct {
	buf    []byte
	offset int64
}

// transferThreaded runs the reader and writer as separate goroutines
// connected by a 2-slot ring (free + filled channels), matching the
// original's fixed two-buffer capacity.
func transferThreaded(ctx context.Context, size int64, read ReadFunc, write WriteFunc) error {
	const slots = 2

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	free := make(chan []byte, slots)
	filled := make(chan chunk, slots)
	for i := 0; i < slots; i++ {
		free <- make([]byte, BufferSize)
	}

	var readErr, writeErr atomic.Value
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(filled)
		var offset int64
		for offset < size {
			var buf []byte
			select {
			case buf = <-free:
			case <-ctx.Done():
				return
			}
			want := size - offset
			if want > BufferSize {
				want = BufferSize
			}
			n, err := read(buf[:want], offset)
			if err != nil {
				readErr.Store(err)
				cancel()
				return
			}
			select {
			case filled <- chunk{buf: buf[:n], offset: offset}:
			case <-ctx.Done():
				return
			}
			offset += int64(n)
		}
	}()

	go func() {
		defer wg.Done()
		for {
			var c chunk
			var ok bool
			select {
			case c, ok = <-filled:
			case <-ctx.Done():
			}
			if !ok {
				return
			}
			if err := write(c.buf, c.offset); err != nil {
				writeErr.Store(err)
				cancel()
				return
			}
			select {
			case free <- c.buf[:cap(c.buf)]:
			case <-ctx.Done():
			}
		}
	}()

	wg.Wait()

	if err, ok := readErr.Load().(error); ok {
		return err
	}
	if err, ok := writeErr.Load().(error); ok {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}
