// Package ratelimit provides the token buckets guarding inbound traffic:
// per-connection message limits, connection admission, and the HTTP
// middleware for classic and stream calls.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// ErrLimited is returned when no token becomes available within the wait budget.
var ErrLimited = errors.New("rate limit exceeded")

const (
	defaultIdleTimeout = 10 * time.Minute
	sweepEvery         = 512
)

// ConnLimiter keeps one token bucket per connection id.
type ConnLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	hits    int

	limit       rate.Limit
	burst       int
	maxWait     time.Duration
	idleTimeout time.Duration
	clock       clockwork.Clock
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Option func(*ConnLimiter)

func WithClock(clock clockwork.Clock) Option {
	return func(l *ConnLimiter) { l.clock = clock }
}

// WithIdleTimeout sets how long an untouched bucket survives the sweep.
func WithIdleTimeout(d time.Duration) Option {
	return func(l *ConnLimiter) { l.idleTimeout = d }
}

// NewConnLimiter creates a limiter refilling perSecond tokens up to burst.
// Acquire waits at most maxWait for a token.
func NewConnLimiter(perSecond float64, burst int, maxWait time.Duration, opts ...Option) *ConnLimiter {
	l := &ConnLimiter{
		buckets:     make(map[string]*bucket),
		limit:       rate.Limit(perSecond),
		burst:       burst,
		maxWait:     maxWait,
		idleTimeout: defaultIdleTimeout,
		clock:       clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *ConnLimiter) bucket(id string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hits++
	if l.hits%sweepEvery == 0 {
		l.sweep(now)
	}

	b, ok := l.buckets[id]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[id] = b
	}
	b.lastSeen = now
	return b.limiter
}

// sweep drops buckets of connections that vanished without Release.
// Must be called with mu held.
func (l *ConnLimiter) sweep(now time.Time) {
	cutoff := now.Add(-l.idleTimeout)
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}

// Allow takes a token without waiting.
func (l *ConnLimiter) Allow(id string) bool {
	now := l.clock.Now()
	return l.bucket(id, now).AllowN(now, 1)
}

// Acquire takes a token, waiting briefly when the bucket is empty.
// It returns ErrLimited when the wait would exceed maxWait, or the context
// error when ctx ends first.
func (l *ConnLimiter) Acquire(ctx context.Context, id string) error {
	now := l.clock.Now()
	r := l.bucket(id, now).ReserveN(now, 1)
	if !r.OK() {
		return ErrLimited
	}

	delay := r.DelayFrom(now)
	if delay == 0 {
		return nil
	}
	if delay > l.maxWait {
		r.CancelAt(now)
		return ErrLimited
	}

	timer := l.clock.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		return ctx.Err()
	}
}

// Release discards the bucket of a closed connection.
func (l *ConnLimiter) Release(id string) {
	l.mu.Lock()
	delete(l.buckets, id)
	l.mu.Unlock()
}

// Len returns the number of live buckets.
func (l *ConnLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
