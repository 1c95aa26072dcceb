package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireBurstThenExceeded(t *testing.T) {
	l := New(map[string]Config{
		"character": {Capacity: 5, RefillPerSec: 1},
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, "character", 0); err != nil {
			t.Fatalf("Acquire %d: %v", i+1, err)
		}
	}

	// Bucket drained — a sixth immediate acquire must fail.
	if err := l.Acquire(ctx, "character", 0); !errors.Is(err, ErrExceeded) {
		t.Fatalf("Acquire after drain = %v, want ErrExceeded", err)
	}
}

func TestAcquireWaitsForRefill(t *testing.T) {
	l := New(map[string]Config{
		"filter": {Capacity: 1, RefillPerSec: 10}, // refill every 100ms
	})

	ctx := context.Background()
	if err := l.Acquire(ctx, "filter", 0); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(ctx, "filter", time.Second); err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Errorf("second Acquire returned after %v, expected to wait for refill", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("second Acquire waited %v, expected ~100ms", elapsed)
	}
}

func TestTokensNeverExceedCapacity(t *testing.T) {
	l := New(map[string]Config{
		"character": {Capacity: 3, RefillPerSec: 1000},
	})

	// Prime the bucket, then let the fast refill run well past capacity.
	l.Acquire(context.Background(), "character", 0)
	time.Sleep(20 * time.Millisecond)

	if tokens := l.Tokens("character"); tokens > 3 {
		t.Errorf("Tokens = %v, must not exceed capacity 3", tokens)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l := New(map[string]Config{
		"filter": {Capacity: 1, RefillPerSec: 0.1}, // 10s per token
	})

	if err := l.Acquire(context.Background(), "filter", 0); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := l.Acquire(ctx, "filter", time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestUnconfiguredKeyUnthrottled(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := l.Acquire(ctx, "anything", 0); err != nil {
			t.Fatalf("Acquire %d on unconfigured key: %v", i, err)
		}
	}
}
