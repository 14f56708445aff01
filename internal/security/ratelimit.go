package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Connect-rate buckets are kept per remote IP. Idle buckets are swept so
// a churning client population cannot grow the map without bound.
const (
	bucketIdleTTL = 10 * time.Minute
	bucketSweep   = time.Minute
	maxBuckets    = 10000
)

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles connection attempts with a token bucket per
// remote IP.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	max     int
	done    chan struct{}
}

// NewRateLimiter creates a limiter admitting r events per second with the
// given burst per IP and starts the background sweep.
func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*bucket),
		r:       r,
		burst:   burst,
		max:     maxBuckets,
		done:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether ip may connect now. A previously unseen IP is
// refused outright once the bucket cap is reached.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.max {
			rl.mu.Unlock()
			return false
		}
		b = &bucket{lim: rate.NewLimiter(rl.r, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	rl.mu.Unlock()

	return b.lim.Allow()
}

// Tracked returns the number of IPs currently holding a bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// UpdateRate applies new limits. Existing buckets are dropped so every IP
// starts over on the new rate.
func (rl *RateLimiter) UpdateRate(r rate.Limit, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.r = r
	rl.burst = burst
	rl.buckets = make(map[string]*bucket)
}

// Stop ends the sweep goroutine.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(bucketSweep)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-bucketIdleTTL)
			rl.mu.Lock()
			for ip, b := range rl.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
