// Package lock provides named mutual exclusion keyed by QuickBooks realm id.
// Per-realm operations (first connection, token fan-out, refresh, disconnect)
// are totally ordered through it; distinct realms never contend.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Coordinator hands out per-key mutexes with bounded wait. Entries are
// created on demand and dropped once the last holder or waiter is gone, so
// the table does not grow with the number of realms ever seen.
type Coordinator struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxWait time.Duration
}

// NewCoordinator creates a coordinator. maxWait bounds how long Acquire
// blocks behind another holder; zero means wait as long as ctx allows.
func NewCoordinator(maxWait time.Duration) *Coordinator {
	return &Coordinator{
		entries: make(map[string]*entry),
		maxWait: maxWait,
	}
}

// Acquire takes the mutex for key, blocking until it is free, ctx is done,
// or maxWait elapses. The returned release function is idempotent and must
// be called on every exit path; defer it immediately.
func (c *Coordinator) Acquire(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		c.entries[key] = e
	}
	e.refs++
	c.mu.Unlock()

	acquireCtx := ctx
	if c.maxWait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, c.maxWait)
		defer cancel()
	}

	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		c.unref(key, e)
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			e.sem.Release(1)
			c.unref(key, e)
		})
	}
	return release, nil
}

func (c *Coordinator) unref(key string, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(c.entries, key)
	}
}
