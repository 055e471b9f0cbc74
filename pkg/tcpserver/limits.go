package tcpserver

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// LimitReason describes why a connection was rejected.
type LimitReason string

const (
	LimitReasonGlobal LimitReason = "global_limit"
	LimitReasonRate   LimitReason = "rate_limit"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterCleanupPeriod = 5 * time.Minute
)

// Limits bounds concurrent connections per instance and the rate of new
// connections per remote IP. A zero max or rate disables that check.
type Limits struct {
	current atomic.Int64
	max     int64

	mu        sync.Mutex
	limiters  map[string]*rateLimiterEntry
	rate      rate.Limit
	burst     int
	now       func() time.Time
	cleanupAt time.Time
}

type rateLimiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimits creates admission limits. connectionsPerSecond is the sustained
// per-IP rate; burst is how many connections an IP may open at once.
func NewLimits(maxConnections int64, connectionsPerSecond float64, burst int) *Limits {
	if burst <= 0 {
		burst = 1
	}
	l := &Limits{
		max:      maxConnections,
		limiters: make(map[string]*rateLimiterEntry),
		rate:     rate.Limit(connectionsPerSecond),
		burst:    burst,
		now:      time.Now,
	}
	l.cleanupAt = l.now().Add(limiterCleanupPeriod)
	return l
}

// Acquire reserves a slot for a connection from ip. The global slot is taken
// first so a connection refused for capacity does not spend a rate token.
func (l *Limits) Acquire(ip string) (bool, LimitReason) {
	if !l.acquireGlobal() {
		return false, LimitReasonGlobal
	}
	if !l.allow(ip) {
		l.Release()
		return false, LimitReasonRate
	}
	return true, ""
}

// Release frees the slot taken by a successful Acquire.
func (l *Limits) Release() {
	l.current.Add(-1)
}

// Current returns the number of admitted connections still open.
func (l *Limits) Current() int64 {
	return l.current.Load()
}

func (l *Limits) acquireGlobal() bool {
	if l.max <= 0 {
		l.current.Add(1)
		return true
	}
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

func (l *Limits) allow(ip string) bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.cleanupAt) {
		l.cleanup(now)
		l.cleanupAt = now.Add(limiterCleanupPeriod)
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &rateLimiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// cleanup drops limiters idle longer than limiterIdleTTL. Must be called with mu held.
func (l *Limits) cleanup(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}
