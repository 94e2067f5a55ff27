// ABOUTME: Thread-safe TTL and size bounded cache of per-key token buckets
// ABOUTME: Used to throttle requests per client and to suppress repeated operator alerts

package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry stores a key's limiter, its last use and its list element.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	element  *list.Element
}

// Limiter hands out one token bucket per key. Buckets idle for longer than
// the TTL are dropped, and the least recently used bucket is evicted once
// maxKeys is reached. Uses a doubly-linked list ordered by last use for O(1)
// eviction.
type Limiter struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List // keys by last use (oldest at front)
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	maxKeys int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a limiter allowing limit events per second with the given
// burst for each key. A background goroutine periodically drops idle keys.
func New(limit rate.Limit, burst int, ttl time.Duration, maxKeys int) *Limiter {
	l := newLimiter(limit, burst, ttl, maxKeys, time.Now)
	go l.cleanup()
	return l
}

func newLimiter(limit rate.Limit, burst int, ttl time.Duration, maxKeys int, now func() time.Time) *Limiter {
	return &Limiter{
		keys:    make(map[string]*entry),
		order:   list.New(),
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Allow reports whether an event for key may happen now, consuming a token
// if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	return l.touchLocked(key, now).AllowN(now, 1)
}

// Reserve reports whether an event for key may happen now and, if not, how
// long until it could.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r := l.touchLocked(key, now).ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// touchLocked returns the key's bucket, creating it if needed. Must be
// called with mu held.
func (l *Limiter) touchLocked(key string, now time.Time) *rate.Limiter {
	if e, ok := l.keys[key]; ok && now.Sub(e.lastSeen) <= l.ttl {
		e.lastSeen = now
		l.order.MoveToBack(e.element)
		return e.limiter
	} else if ok {
		// Idle past the TTL: start over with a full bucket
		l.order.Remove(e.element)
		delete(l.keys, key)
	}

	if l.maxKeys > 0 && len(l.keys) >= l.maxKeys {
		l.evictOldest()
	}

	e := &entry{
		limiter:  rate.NewLimiter(l.limit, l.burst),
		lastSeen: now,
	}
	e.element = l.order.PushBack(key)
	l.keys[key] = e
	return e.limiter
}

// evictOldest removes the least recently used key.
// Must be called with mu held. O(1) operation using linked list.
func (l *Limiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.keys, key)
}

// cleanup runs in a background goroutine, periodically removing idle keys.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCleanup()
		case <-l.done:
			return
		}
	}
}

// runCleanup removes all idle keys.
func (l *Limiter) runCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, e := range l.keys {
		if now.Sub(e.lastSeen) > l.ttl {
			l.order.Remove(e.element)
			delete(l.keys, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
