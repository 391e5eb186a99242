package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestGlobalLimiter_AcquireRelease(t *testing.T) {
	limiter := NewGlobalLimiter(3)

	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.True(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	assert.False(t, limiter.Acquire())
	assert.Equal(t, int64(3), limiter.Current())

	limiter.Release()
	assert.Equal(t, int64(2), limiter.Current())
	assert.True(t, limiter.Acquire())
}

func TestGlobalLimiter_Concurrent(t *testing.T) {
	limiter := NewGlobalLimiter(100)
	var successCount, failCount atomic.Int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if limiter.Acquire() {
				successCount.Add(1)
			} else {
				failCount.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(100), successCount.Load())
	assert.Equal(t, int64(100), failCount.Load())
	assert.Equal(t, 100.0, limiter.CapacityPct())
}

func TestGlobalLimiter_ZeroMax(t *testing.T) {
	limiter := NewGlobalLimiter(0)
	assert.False(t, limiter.Acquire())
	assert.Equal(t, 0.0, limiter.CapacityPct())
}

func TestIPLimiter_AcquireRelease(t *testing.T) {
	limiter := NewIPLimiter(2)

	assert.True(t, limiter.Acquire("192.168.1.1"))
	assert.True(t, limiter.Acquire("192.168.1.1"))
	assert.False(t, limiter.Acquire("192.168.1.1"))

	assert.True(t, limiter.Acquire("192.168.1.2"))
	assert.Equal(t, 2, limiter.UniqueIPs())

	limiter.Release("192.168.1.1")
	assert.Equal(t, 1, limiter.Count("192.168.1.1"))

	limiter.Release("192.168.1.1")
	limiter.Release("192.168.1.1")
	assert.Equal(t, 0, limiter.Count("192.168.1.1"))
	assert.Equal(t, 1, limiter.UniqueIPs())
}

func TestConnectRateLimiter_Refill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectRateLimiter(10, 5, clock)

	for range 5 {
		assert.True(t, limiter.Allow("192.168.1.1"))
	}
	assert.False(t, limiter.Allow("192.168.1.1"))
	assert.True(t, limiter.Allow("192.168.1.2"))

	clock.Advance(100 * time.Millisecond)
	assert.True(t, limiter.Allow("192.168.1.1"))
}

func TestConnectRateLimiter_Cleanup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewConnectRateLimiter(10, 5, clock)

	limiter.Allow("192.168.1.1")
	limiter.Allow("192.168.1.2")
	assert.Equal(t, 2, limiter.ActiveLimiters())

	clock.Advance(11 * time.Minute)
	limiter.Allow("192.168.1.3")

	assert.Equal(t, 1, limiter.ActiveLimiters())
}

func TestAdmission_Reasons(t *testing.T) {
	t.Run("global", func(t *testing.T) {
		a := NewAdmission(2, 100, 100, 100, nil)
		ok1, _ := a.Acquire("192.168.1.1")
		ok2, _ := a.Acquire("192.168.1.2")
		ok3, reason := a.Acquire("192.168.1.3")
		assert.True(t, ok1)
		assert.True(t, ok2)
		assert.False(t, ok3)
		assert.Equal(t, ReasonGlobal, reason)
	})

	t.Run("per ip", func(t *testing.T) {
		a := NewAdmission(100, 1, 100, 100, nil)
		ok1, _ := a.Acquire("192.168.1.1")
		ok2, reason := a.Acquire("192.168.1.1")
		assert.True(t, ok1)
		assert.False(t, ok2)
		assert.Equal(t, ReasonPerIP, reason)
		assert.Equal(t, int64(1), a.Global().Current(), "global slot rolled back")
	})

	t.Run("rate", func(t *testing.T) {
		a := NewAdmission(100, 100, 2, 2, clockwork.NewFakeClock())
		a.Acquire("192.168.1.1")
		a.Acquire("192.168.1.1")
		ok, reason := a.Acquire("192.168.1.1")
		assert.False(t, ok)
		assert.Equal(t, ReasonRate, reason)
	})
}

func TestAdmission_Concurrent(t *testing.T) {
	a := NewAdmission(50, 5, 1000, 1000, nil)

	var wg sync.WaitGroup
	var held atomic.Int64
	release := make(chan struct{})
	for ip := 1; ip <= 20; ip++ {
		for range 10 {
			wg.Add(1)
			go func(ip string) {
				defer wg.Done()
				if ok, _ := a.Acquire(ip); ok {
					held.Add(1)
					<-release
					a.Release(ip)
				}
			}(fmt.Sprintf("10.0.0.%d", ip))
		}
	}

	assert.Eventually(t, func() bool { return a.Global().Current() == 50 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(50), held.Load())
	assert.Equal(t, int64(0), a.Global().Current())
	assert.Equal(t, 0, a.PerIP().UniqueIPs())
}
