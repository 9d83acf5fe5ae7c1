package transfer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
)

func sourceReader(data []byte) ReadFunc {
	return func(buf []byte, offset int64) (int, error) {
		n := copy(buf, data[offset:])
		return n, nil
	}
}

func collectingWriter(dst *[]byte, mu *sync.Mutex) WriteFunc {
	return func(data []byte, offset int64) error {
		mu.Lock()
		defer mu.Unlock()
		need := int(offset) + len(data)
		if len(*dst) < need {
			grown := make([]byte, need)
			copy(grown, *dst)
			*dst = grown
		}
		copy((*dst)[offset:], data)
		return nil
	}
}

func TestTransferInlineRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("abcd"), 10)
	var out []byte
	var mu sync.Mutex

	err := Transfer(context.Background(), int64(len(data)), sourceReader(data), collectingWriter(&out, &mu), SingleThreaded)
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("got %q, want %q", out, data)
	}
}

func TestTransferThreadedRoundTrip(t *testing.T) {
	data := make([]byte, BufferSize*3+123)
	for i := range data {
		data[i] = byte(i)
	}
	var out []byte
	var mu sync.Mutex

	err := Transfer(context.Background(), int64(len(data)), sourceReader(data), collectingWriter(&out, &mu), MultiThreaded)
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("threaded round trip produced mismatched bytes")
	}
}

func TestTransferSingleThreadedIfSmallerPicksInlineBelowThreshold(t *testing.T) {
	data := make([]byte, BufferSize/2)
	var calls int
	var mu sync.Mutex
	read := func(buf []byte, offset int64) (int, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return copy(buf, data[offset:]), nil
	}
	var out []byte
	var outMu sync.Mutex

	err := Transfer(context.Background(), int64(len(data)), read, collectingWriter(&out, &outMu), SingleThreadedIfSmaller)
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("read calls = %d, want 1 (single chunk)", calls)
	}
}

func TestTransferRecordsConsecutiveNonOverlappingChunks(t *testing.T) {
	// the writer sees exactly ceil(N/BufferSize) consecutive,
	// non-overlapping ranges.
	size := int64(BufferSize*2 + 1)
	data := make([]byte, size)

	var mu sync.Mutex
	var ranges [][2]int64
	write := func(d []byte, offset int64) error {
		mu.Lock()
		ranges = append(ranges, [2]int64{offset, offset + int64(len(d))})
		mu.Unlock()
		return nil
	}

	err := Transfer(context.Background(), size, sourceReader(data), write, MultiThreaded)
	if err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}

	wantChunks := 3
	if len(ranges) != wantChunks {
		t.Fatalf("got %d chunks, want %d", len(ranges), wantChunks)
	}
	var prevEnd int64
	for _, r := range ranges {
		if r[0] != prevEnd {
			t.Errorf("chunk starts at %d, want %d (no gap/overlap)", r[0], prevEnd)
		}
		prevEnd = r[1]
	}
	if prevEnd != size {
		t.Errorf("final offset = %d, want %d", prevEnd, size)
	}
}

func TestTransferReadFailureStopsWriter(t *testing.T) {
	wantErr := errors.New("read failed")
	var writeCalls int
	var mu sync.Mutex

	read := func(buf []byte, offset int64) (int, error) {
		if offset > 0 {
			return 0, wantErr
		}
		return len(buf), nil
	}
	write := func(data []byte, offset int64) error {
		mu.Lock()
		writeCalls++
		mu.Unlock()
		return nil
	}

	err := Transfer(context.Background(), int64(BufferSize*3), read, write, MultiThreaded)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Transfer() error = %v, want %v", err, wantErr)
	}
}

func TestTransferWriteFailurePropagates(t *testing.T) {
	wantErr := errors.New("disk full")
	data := make([]byte, BufferSize*2)

	write := func([]byte, int64) error { return wantErr }

	err := Transfer(context.Background(), int64(len(data)), sourceReader(data), write, MultiThreaded)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Transfer() error = %v, want %v", err, wantErr)
	}
}

func TestTransferContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := make([]byte, BufferSize*4)
	err := Transfer(ctx, int64(len(data)), sourceReader(data), func([]byte, int64) error { return nil }, MultiThreaded)
	if err == nil {
		t.Fatal("Transfer() error = nil, want context error")
	}
}

func TestTransferZeroSizeNoop(t *testing.T) {
	calls := 0
	read := func([]byte, int64) (int, error) { calls++; return 0, nil }
	if err := Transfer(context.Background(), 0, read, func([]byte, int64) error { return nil }, MultiThreaded); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("read called %d times for zero-size transfer, want 0", calls)
	}
}
