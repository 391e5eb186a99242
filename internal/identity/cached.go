package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/opwire/internal/adapter/metrics"
	"github.com/pscheid92/opwire/internal/domain"
	"golang.org/x/sync/singleflight"
)

// Lookup resolves a token against a backing store.
type Lookup interface {
	LookupPrincipal(ctx context.Context, token string) (principalID string, ok bool, err error)
}

// lookupTimeout bounds one shared store round trip. The round trip is
// detached from any single caller, since others may be waiting on it.
const lookupTimeout = 5 * time.Second

type lookupResult struct {
	id string
	ok bool
}

// Cached validates tokens through a Lookup. Concurrent lookups of the same
// token share one store round trip and positive results are kept for ttl.
// Unknown tokens are never cached, so a freshly issued token works at once.
type Cached struct {
	lookup  Lookup
	group   singleflight.Group
	mem     *memoryCache
	metrics *metrics.IdentityMetrics
}

func NewCached(lookup Lookup, ttl time.Duration, clock clockwork.Clock, m *metrics.IdentityMetrics) *Cached {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cached{
		lookup:  lookup,
		mem:     newMemoryCache(ttl, clock),
		metrics: m,
	}
}

func (c *Cached) Validate(ctx context.Context, token string) (domain.Principal, bool, error) {
	if token == "" {
		c.record("rejected")
		return domain.Principal{}, false, nil
	}

	if id, ok := c.mem.get(token); ok {
		if c.metrics != nil {
			c.metrics.CacheHits.Inc()
		}
		c.record("accepted")
		return domain.Principal{ID: id}, true, nil
	}
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(token, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(shared, lookupTimeout)
		defer cancel()

		id, ok, err := c.lookup.LookupPrincipal(lookupCtx, token)
		if err != nil {
			return nil, err
		}
		if ok {
			c.mem.set(token, id)
		}
		return lookupResult{id: id, ok: ok}, nil
	})

	var out singleflight.Result
	select {
	case out = <-ch:
	case <-ctx.Done():
		c.record("error")
		return domain.Principal{}, false, fmt.Errorf("token lookup abandoned: %w", ctx.Err())
	}
	if out.Err != nil {
		c.record("error")
		return domain.Principal{}, false, fmt.Errorf("token lookup failed: %w", out.Err)
	}

	res := out.Val.(lookupResult)
	if !res.ok {
		c.record("rejected")
		return domain.Principal{}, false, nil
	}
	c.record("accepted")
	return domain.Principal{ID: res.id}, true, nil
}

// Forget drops a cached token, e.g. after revocation.
func (c *Cached) Forget(token string) {
	c.mem.invalidate(token)
}

// EvictExpired removes stale cache entries and returns how many were dropped.
func (c *Cached) EvictExpired() int {
	return c.mem.evictExpired()
}

func (c *Cached) record(result string) {
	if c.metrics != nil {
		c.metrics.Validations.WithLabelValues(result).Inc()
	}
}

// memoryCache is an in-memory token cache with TTL-based expiry.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	ttl     time.Duration
	clock   clockwork.Clock
}

type memoryCacheEntry struct {
	principalID string
	expiresAt   time.Time
}

func newMemoryCache(ttl time.Duration, clock clockwork.Clock) *memoryCache {
	return &memoryCache{
		entries: make(map[string]memoryCacheEntry),
		ttl:     ttl,
		clock:   clock,
	}
}

func (c *memoryCache) get(token string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[token]
	if !ok || !c.clock.Now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.principalID, true
}

func (c *memoryCache) set(token, principalID string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[token] = memoryCacheEntry{principalID: principalID, expiresAt: c.clock.Now().Add(c.ttl)}
}

func (c *memoryCache) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

func (c *memoryCache) evictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for token, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, token)
			evicted++
		}
	}
	return evicted
}
