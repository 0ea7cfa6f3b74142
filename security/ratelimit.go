package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// defaultMaxTrackedKeys bounds the number of distinct identifiers a
	// limiter tracks before LRU eviction kicks in.
	defaultMaxTrackedKeys = 10000

	sweepInterval  = 5 * time.Minute
	defaultMaxIdle = 30 * time.Minute
)

// bucket pairs a token bucket with its recency bookkeeping.
type bucket struct {
	key      string
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token-bucket limit per identifier (client IP or
// subject). Tracked identifiers are capped; once the cap is reached the least
// recently seen bucket is evicted, so a flood of distinct identifiers cannot
// grow memory without bound.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*list.Element
	recency *list.List // front = most recently seen

	rps     int
	burst   int
	maxKeys int
	logger  *slog.Logger
	done    chan struct{}

	evictions int64
	sweeps    int64
}

// NewRateLimiter creates a limiter with the default identifier cap and starts
// its background sweeper. Call Stop to release it.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, defaultMaxTrackedKeys, logger)
}

// NewRateLimiterWithConfig creates a limiter with an explicit identifier cap.
// A cap of 0 disables eviction entirely; negative values fall back to the
// default.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxKeys int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxKeys < 0 {
		logger.Warn("Negative rate limiter key cap, using default", "default", defaultMaxTrackedKeys)
		maxKeys = defaultMaxTrackedKeys
	}

	rl := &RateLimiter{
		buckets: make(map[string]*list.Element),
		recency: list.New(),
		rps:     requestsPerSecond,
		burst:   burst,
		maxKeys: maxKeys,
		logger:  logger,
		done:    make(chan struct{}),
	}

	go rl.sweeper()

	return rl
}

// Allow reports whether a request from the identifier fits its budget.
func (rl *RateLimiter) Allow(identifier string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, ok := rl.buckets[identifier]; ok {
		rl.recency.MoveToFront(elem)
		b := elem.Value.(*bucket)
		b.lastSeen = now
		return b.lim.Allow()
	}

	if rl.maxKeys > 0 && len(rl.buckets) >= rl.maxKeys {
		rl.evictOldest()
	}

	b := &bucket{
		key:      identifier,
		lim:      rate.NewLimiter(rate.Limit(rl.rps), rl.burst),
		lastSeen: now,
	}
	rl.buckets[identifier] = rl.recency.PushFront(b)

	return b.lim.Allow()
}

// evictOldest drops the least recently seen bucket. Caller holds the mutex.
func (rl *RateLimiter) evictOldest() {
	elem := rl.recency.Back()
	if elem == nil {
		return
	}

	b := elem.Value.(*bucket)
	delete(rl.buckets, b.key)
	rl.recency.Remove(elem)
	rl.evictions++

	rl.logger.Debug("Rate limiter evicted least recently seen identifier",
		"tracked", len(rl.buckets),
		"evictions", rl.evictions)
}

func (rl *RateLimiter) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Sweep(defaultMaxIdle)
		case <-rl.done:
			return
		}
	}
}

// Sweep drops buckets that have been idle longer than maxIdle.
func (rl *RateLimiter) Sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	dropped := 0

	var next *list.Element
	for elem := rl.recency.Front(); elem != nil; elem = next {
		next = elem.Next()
		b := elem.Value.(*bucket)
		if now.Sub(b.lastSeen) > maxIdle {
			delete(rl.buckets, b.key)
			rl.recency.Remove(elem)
			dropped++
		}
	}

	if dropped > 0 {
		rl.sweeps++
		rl.logger.Debug("Rate limiter sweep",
			"dropped", dropped,
			"remaining", len(rl.buckets))
	}
}

// Stop terminates the background sweeper.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// Stats is a snapshot of limiter occupancy for monitoring.
type Stats struct {
	TrackedKeys int
	MaxKeys     int // 0 means uncapped
	Evictions   int64
	Sweeps      int64
	Occupancy   float64 // fraction of the cap in use, 0 when uncapped
}

// GetStats returns current occupancy. Useful for alerting on a limiter that
// runs permanently at its cap, which means eviction is eating real state.
func (rl *RateLimiter) GetStats() Stats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	s := Stats{
		TrackedKeys: len(rl.buckets),
		MaxKeys:     rl.maxKeys,
		Evictions:   rl.evictions,
		Sweeps:      rl.sweeps,
	}
	if rl.maxKeys > 0 {
		s.Occupancy = float64(s.TrackedKeys) / float64(rl.maxKeys)
	}
	return s
}
