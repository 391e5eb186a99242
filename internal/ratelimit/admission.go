package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// GlobalLimiter limits total concurrent connections per instance.
// Uses atomic operations for lock-free counting.
type GlobalLimiter struct {
	current atomic.Int64
	max     int64
}

func NewGlobalLimiter(max int64) *GlobalLimiter {
	return &GlobalLimiter{max: max}
}

// Acquire attempts to acquire a connection slot.
// Returns true if successful, false if at capacity.
func (l *GlobalLimiter) Acquire() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *GlobalLimiter) Release() {
	l.current.Add(-1)
}

func (l *GlobalLimiter) Current() int64 {
	return l.current.Load()
}

func (l *GlobalLimiter) Max() int64 {
	return l.max
}

// CapacityPct returns the current capacity utilization as a percentage.
func (l *GlobalLimiter) CapacityPct() float64 {
	if l.max == 0 {
		return 0
	}
	return float64(l.Current()) / float64(l.max) * 100
}

// IPLimiter limits concurrent connections per IP address.
type IPLimiter struct {
	mu     sync.RWMutex
	ips    map[string]int
	maxPer int
}

func NewIPLimiter(maxPer int) *IPLimiter {
	return &IPLimiter{
		ips:    make(map[string]int),
		maxPer: maxPer,
	}
}

func (l *IPLimiter) Acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ips[ip] >= l.maxPer {
		return false
	}
	l.ips[ip]++
	return true
}

func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if count := l.ips[ip]; count > 0 {
		l.ips[ip] = count - 1
		if l.ips[ip] == 0 {
			delete(l.ips, ip)
		}
	}
}

func (l *IPLimiter) Count(ip string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ips[ip]
}

// UniqueIPs returns the number of unique IPs with active connections.
func (l *IPLimiter) UniqueIPs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ips)
}

// ConnectRateLimiter limits the rate of new connections per IP.
type ConnectRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*bucket
	rate      rate.Limit
	burst     int
	clock     clockwork.Clock
	cleanupAt time.Time
}

func NewConnectRateLimiter(connectionsPerSecond float64, burst int, clock clockwork.Clock) *ConnectRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectRateLimiter{
		limiters:  make(map[string]*bucket),
		rate:      rate.Limit(connectionsPerSecond),
		burst:     burst,
		clock:     clock,
		cleanupAt: clock.Now().Add(5 * time.Minute),
	}
}

// Allow checks if a new connection from the given IP should be allowed.
func (l *ConnectRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(5 * time.Minute)
	}

	entry, exists := l.limiters[ip]
	if !exists {
		entry = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}

	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// cleanup removes limiters that haven't been used in 10 minutes.
// Must be called with mu held.
func (l *ConnectRateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-defaultIdleTimeout)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

func (l *ConnectRateLimiter) ActiveLimiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Admission combines the global, per-IP and connect-rate limits applied
// before a persistent connection is upgraded.
type Admission struct {
	global *GlobalLimiter
	perIP  *IPLimiter
	rate   *ConnectRateLimiter
}

func NewAdmission(globalMax int64, perIPMax int, connectionsPerSecond float64, burst int, clock clockwork.Clock) *Admission {
	return &Admission{
		global: NewGlobalLimiter(globalMax),
		perIP:  NewIPLimiter(perIPMax),
		rate:   NewConnectRateLimiter(connectionsPerSecond, burst, clock),
	}
}

// Reason describes why a connection was rejected.
type Reason string

const (
	ReasonGlobal Reason = "global_limit"
	ReasonPerIP  Reason = "per_ip_limit"
	ReasonRate   Reason = "rate_limit"
)

// Acquire attempts to acquire all three limits for the given IP.
func (a *Admission) Acquire(ip string) (bool, Reason) {
	if !a.rate.Allow(ip) {
		return false, ReasonRate
	}

	if !a.global.Acquire() {
		return false, ReasonGlobal
	}

	if !a.perIP.Acquire(ip) {
		a.global.Release()
		return false, ReasonPerIP
	}

	return true, ""
}

// Release releases all limits for the given IP.
func (a *Admission) Release(ip string) {
	a.perIP.Release(ip)
	a.global.Release()
}

func (a *Admission) Global() *GlobalLimiter {
	return a.global
}

func (a *Admission) PerIP() *IPLimiter {
	return a.perIP
}

func (a *Admission) Rate() *ConnectRateLimiter {
	return a.rate
}
