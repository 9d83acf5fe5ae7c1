package install

import (
	"context"
	"errors"
	"testing"

	"github.com/luketanti/cyberfoil/pkg"
)

func TestPullQueuePushAndReadInOrder(t *testing.T) {
	q := newPullQueue(1024)
	ctx := context.Background()

	if err := q.Push(ctx, []byte("hello "), 0); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := q.Push(ctx, []byte("world"), 6); err != nil {
		t.Fatalf("Push: %v", err)
	}

	buf := make([]byte, 11)
	if err := readExact(ctx, q, buf, 0); err != nil {
		t.Fatalf("readExact: %v", err)
	}
	if string(buf) != "hello world" {
		t.Errorf("got %q, want %q", buf, "hello world")
	}
}

func TestPullQueueRejectsOutOfOrderPush(t *testing.T) {
	q := newPullQueue(1024)
	err := q.Push(context.Background(), []byte("late"), 5)
	if !errors.Is(err, pkg.ErrOutOfOrderChunk) {
		t.Errorf("Push err = %v, want %v", err, pkg.ErrOutOfOrderChunk)
	}
}

// TestPullQueueBacksPressureUntilConsumerCatchesUp exercises the blocking
// contract described in pullQueue's doc comment: a push that would exceed
// capacity blocks until a read advances the high-water mark far enough.
func TestPullQueueBacksPressureUntilConsumerCatchesUp(t *testing.T) {
	q := newPullQueue(4)
	ctx := context.Background()

	if err := q.Push(ctx, []byte("abcd"), 0); err != nil {
		t.Fatalf("first Push: %v", err)
	}

	secondPushDone := make(chan error, 1)
	go func() {
		secondPushDone <- q.Push(ctx, []byte("e"), 4)
	}()

	select {
	case <-secondPushDone:
		t.Fatal("second Push returned before the consumer read anything, want it blocked on backpressure")
	default:
	}

	buf := make([]byte, 4)
	if _, err := q.Read(ctx, buf, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}

	if err := <-secondPushDone; err != nil {
		t.Fatalf("second Push: %v", err)
	}
}

func TestPullQueueReadAfterCloseWithoutEnoughBytesFails(t *testing.T) {
	q := newPullQueue(1024)
	ctx := context.Background()

	if err := q.Push(ctx, []byte("ab"), 0); err != nil {
		t.Fatalf("Push: %v", err)
	}
	q.Close(nil)

	buf := make([]byte, 4)
	if err := readExact(ctx, q, buf, 0); err == nil {
		t.Error("expected readExact past the closed queue's available bytes to fail")
	}
}
