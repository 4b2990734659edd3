package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/voice-interview/vint/interview/ports"
)

// ErrRateLimitExceeded matches every *RateLimitError with errors.Is.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// RateLimitError reports a rejected client and when it may retry.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return ErrRateLimitExceeded.Error() }

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// TokenBucket limits chat requests per client key. Each key starts with a full
// bucket of capacity tokens and regains one token per refill interval.
type TokenBucket struct {
	capacity int
	refill   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	tokens int
	since  time.Time // start of the current refill interval
}

func NewTokenBucket(capacity int, refill time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refill <= 0 {
		refill = time.Second
	}
	return &TokenBucket{
		capacity: capacity,
		refill:   refill,
		now:      time.Now,
		clients:  make(map[string]*clientBucket),
	}
}

// Acquire takes one token for key. Tokens only come back with time, so the
// release func does nothing.
func (tb *TokenBucket) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.sweepLocked(now)

	b, ok := tb.clients[key]
	if !ok {
		b = &clientBucket{tokens: tb.capacity, since: now}
		tb.clients[key] = b
	}
	tb.refillLocked(b, now)

	if b.tokens == 0 {
		return nil, &RateLimitError{Key: key, RetryAfter: b.since.Add(tb.refill).Sub(now)}
	}
	b.tokens--
	return func() {}, nil
}

func (tb *TokenBucket) refillLocked(b *clientBucket, now time.Time) {
	n := int(now.Sub(b.since) / tb.refill)
	if n <= 0 {
		return
	}
	b.tokens = min(b.tokens+n, tb.capacity)
	b.since = b.since.Add(time.Duration(n) * tb.refill)
}

// sweepLocked forgets clients whose bucket has refilled completely, at most
// once per full-refill window.
func (tb *TokenBucket) sweepLocked(now time.Time) {
	window := time.Duration(tb.capacity) * tb.refill
	if now.Sub(tb.lastSweep) < window {
		return
	}
	tb.lastSweep = now
	for key, b := range tb.clients {
		if now.Sub(b.since) >= window {
			delete(tb.clients, key)
		}
	}
}

// Clients is the number of keys currently tracked.
func (tb *TokenBucket) Clients() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.clients)
}

// NoopRateLimiter admits everything.
type NoopRateLimiter struct{}

func (NoopRateLimiter) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

var (
	_ ports.RateLimiter = (*TokenBucket)(nil)
	_ ports.RateLimiter = NoopRateLimiter{}
)
