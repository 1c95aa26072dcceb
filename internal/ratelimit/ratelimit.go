// Package ratelimit throttles outbound calls to remote backends.
//
// Every API key gets its own token bucket (capacity + refill rate). Buckets
// refill lazily; a caller either takes a token immediately, waits a bounded
// time for the next refill instant, or fails with ErrExceeded.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrExceeded is returned when no token became available within the wait
// budget the caller allowed.
var ErrExceeded = errors.New("rate limit exceeded")

// Config describes one bucket.
type Config struct {
	// Capacity is the burst size — the maximum number of tokens the
	// bucket can hold.
	Capacity int

	// RefillPerSec is the steady-state refill rate in tokens per second.
	RefillPerSec float64
}

// Limiter manages one token bucket per key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	configs map[string]Config
}

// New creates a limiter with per-key bucket configs. Keys without a config
// are not throttled.
func New(configs map[string]Config) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*rate.Limiter),
		configs: make(map[string]Config, len(configs)),
	}
	for k, c := range configs {
		l.configs[k] = c
	}
	return l
}

// Configure sets or replaces the bucket config for a key. An existing bucket
// for the key is reset so the new capacity/rate take effect.
func (l *Limiter) Configure(key string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.configs[key] = cfg
	delete(l.buckets, key)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}
	cfg, ok := l.configs[key]
	if !ok || cfg.Capacity <= 0 || cfg.RefillPerSec <= 0 {
		// Unconfigured key: no throttling.
		b := rate.NewLimiter(rate.Inf, 1)
		l.buckets[key] = b
		return b
	}
	b := rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity)
	l.buckets[key] = b
	return b
}

// Acquire takes one token from the key's bucket. If the bucket is empty it
// waits up to maxWait for the next refill instant, then fails with
// ErrExceeded. A cancelled ctx aborts the wait and returns ctx.Err().
func (l *Limiter) Acquire(ctx context.Context, key string, maxWait time.Duration) error {
	b := l.bucket(key)

	r := b.Reserve()
	if !r.OK() {
		return ErrExceeded
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > maxWait {
		r.Cancel()
		return ErrExceeded
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Tokens reports the number of tokens currently available for a key.
// Never exceeds the configured capacity. Intended for introspection and tests.
func (l *Limiter) Tokens(key string) float64 {
	return l.bucket(key).Tokens()
}
