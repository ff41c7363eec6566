// Package ratelimit implements per-key sliding-window request and token
// limits over a 60 second window.
package ratelimit

import (
	"math"
	"sync"
	"time"

	gateway "github.com/gonka-ai/gateway/internal"
)

const window = 60 * time.Second

// tokenEntry records one metered token count inside the window.
type tokenEntry struct {
	at    time.Time
	count int
}

// counter tracks one key's activity. Entries older than the window are pruned
// lazily on every check, never by a background pass over live counters.
type counter struct {
	mu       sync.Mutex
	requests []time.Time
	tokens   []tokenEntry
	lastSeen time.Time
}

func (c *counter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(c.requests) && !c.requests[i].After(cutoff) {
		i++
	}
	c.requests = c.requests[i:]

	j := 0
	for j < len(c.tokens) && !c.tokens[j].at.After(cutoff) {
		j++
	}
	c.tokens = c.tokens[j:]
}

// Limiter holds the per-key counters.
type Limiter struct {
	mu       sync.RWMutex
	counters map[string]*counter

	now func() time.Time // test hook
}

// New returns an empty Limiter.
func New() *Limiter {
	return &Limiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

func (l *Limiter) counterFor(key string) *counter {
	l.mu.RLock()
	c, ok := l.counters[key]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.counters[key]; ok {
		return c
	}
	c = &counter{}
	l.counters[key] = c
	return c
}

// CheckRequest admits or rejects one request under an RPM limit. On admission
// the request is counted immediately. On rejection retryAfter reports whole
// seconds until the oldest in-window request expires, at least 1. A limit of
// zero or below disables the check.
func (l *Limiter) CheckRequest(key string, limit int) (retryAfter int, err error) {
	if limit <= 0 {
		return 0, nil
	}
	now := l.now()
	c := l.counterFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
	c.prune(now)

	if len(c.requests) >= limit {
		wait := window - now.Sub(c.requests[0])
		retry := int(math.Ceil(wait.Seconds())) + 1
		if retry < 1 {
			retry = 1
		}
		return retry, gateway.ErrRateLimited
	}
	c.requests = append(c.requests, now)
	return 0, nil
}

// CheckTokens rejects when the key's in-window token total has already
// reached the TPM limit. Tokens for the current request are unknown until the
// upstream responds, so the check is over past usage only.
func (l *Limiter) CheckTokens(key string, limit int) error {
	if limit <= 0 {
		return nil
	}
	now := l.now()
	c := l.counterFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
	c.prune(now)

	total := 0
	for _, e := range c.tokens {
		total += e.count
	}
	if total >= limit {
		return gateway.ErrTokenRateLimited
	}
	return nil
}

// RecordTokens charges metered tokens against the key's window.
func (l *Limiter) RecordTokens(key string, count int) {
	if count <= 0 {
		return
	}
	now := l.now()
	c := l.counterFor(key)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
	c.prune(now)
	c.tokens = append(c.tokens, tokenEntry{at: now, count: count})
}

// Usage reports a key's current in-window request and token totals.
func (l *Limiter) Usage(key string) (requests, tokens int) {
	l.mu.RLock()
	c, ok := l.counters[key]
	l.mu.RUnlock()
	if !ok {
		return 0, 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(l.now())
	for _, e := range c.tokens {
		tokens += e.count
	}
	return len(c.requests), tokens
}

// EvictStale drops counters idle longer than maxIdle, bounding memory for
// keys that stopped sending traffic. Returns the number evicted.
func (l *Limiter) EvictStale(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, c := range l.counters {
		c.mu.Lock()
		stale := c.lastSeen.Before(cutoff)
		c.mu.Unlock()
		if stale {
			delete(l.counters, key)
			evicted++
		}
	}
	return evicted
}
