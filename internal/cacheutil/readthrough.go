package cacheutil

import (
	"sync"
	"time"
)

// CachedValue pairs a cached value with the time it was fetched. The zero
// value is always treated as expired.
type CachedValue[T any] struct {
	Value     T
	FetchedAt time.Time
}

// ReadThrough implements a thread-safe read-through cache with double-checked
// locking. checkCache runs under the read lock on the fast path and again
// under the write lock after a miss, so a value populated by a concurrent
// goroutine between the unlock and the lock is reused instead of re-fetched.
// fetchAndCache runs under the write lock, which also collapses concurrent
// misses into a single upstream fetch.
//
// Usage:
//
//	func (c *Client) RecentValue(ctx context.Context) (Value, error) {
//	    return cacheutil.ReadThrough(
//	        &c.mu,
//	        func(now time.Time) (Value, bool) {
//	            if now.Sub(c.cached.FetchedAt) < ttl {
//	                return c.cached.Value, true
//	            }
//	            return Value{}, false
//	        },
//	        func(now time.Time) (Value, error) {
//	            value, err := c.fetch(ctx)
//	            if err != nil {
//	                return Value{}, err
//	            }
//	            c.cached = cacheutil.CachedValue[Value]{Value: value, FetchedAt: now}
//	            return value, nil
//	        },
//	    )
//	}
func ReadThrough[T any](
	mu *sync.RWMutex,
	checkCache func(now time.Time) (T, bool),
	fetchAndCache func(now time.Time) (T, error),
) (T, error) {
	now := time.Now()
	mu.RLock()
	if value, ok := checkCache(now); ok {
		mu.RUnlock()
		return value, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	// Re-check with a fresh timestamp so a value cached by another goroutine
	// while we waited for the lock is not treated as expired.
	nowAfterLock := time.Now()
	if value, ok := checkCache(nowAfterLock); ok {
		return value, nil
	}

	return fetchAndCache(nowAfterLock)
}
