package rcache

import (
	"context"
	"testing"
	"time"
)

func TestWorkerSlotPoolNilIsNoOp(t *testing.T) {
	var p *WorkerSlotPool
	ctx := context.Background()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("nil pool Acquire: %v", err)
	}
	p.Release()
	ran := false
	if err := p.Yield(ctx, func() { ran = true }); err != nil {
		t.Fatalf("nil pool Yield: %v", err)
	}
	if !ran {
		t.Fatal("nil pool Yield did not run fn")
	}
}

func TestWorkerSlotPoolBounds(t *testing.T) {
	p := NewWorkerSlotPool(1)
	ctx := context.Background()

	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := p.Acquire(ctx2); err == nil {
		t.Fatal("second Acquire on a 1-slot pool should block until context deadline")
	}

	p.Release()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire after Release: %v", err)
	}
}

func TestWorkerSlotPoolYieldRunsFnWhileReleased(t *testing.T) {
	p := NewWorkerSlotPool(1)
	ctx := context.Background()
	if err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		err := p.Yield(ctx, func() {
			close(entered)
			<-done
		})
		if err != nil {
			t.Errorf("Yield: %v", err)
		}
	}()

	<-entered
	// The slot was released for fn's duration, so another Acquire should
	// succeed immediately without waiting on the goroutine above.
	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := p.Acquire(acquireCtx); err != nil {
		t.Fatalf("Acquire while peer is yielded: %v", err)
	}
	p.Release()
	close(done)
}
