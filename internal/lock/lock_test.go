package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoordinator_MutualExclusion(t *testing.T) {
	c := NewCoordinator(0)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		holders int
		max     int
	)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Acquire(ctx, "realm-1")
			require.NoError(t, err)
			mu.Lock()
			holders++
			if holders > max {
				max = holders
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, max)
}

func TestCoordinator_IndependentKeys(t *testing.T) {
	c := NewCoordinator(time.Second)
	ctx := context.Background()

	release1, err := c.Acquire(ctx, "realm-1")
	require.NoError(t, err)
	defer release1()

	// A different key must not block behind realm-1.
	release2, err := c.Acquire(ctx, "realm-2")
	require.NoError(t, err)
	release2()
}

func TestCoordinator_BoundedWait(t *testing.T) {
	c := NewCoordinator(50 * time.Millisecond)
	ctx := context.Background()

	release, err := c.Acquire(ctx, "realm-1")
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = c.Acquire(ctx, "realm-1")
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

func TestCoordinator_ReleaseIsIdempotent(t *testing.T) {
	c := NewCoordinator(time.Second)
	ctx := context.Background()

	release, err := c.Acquire(ctx, "realm-1")
	require.NoError(t, err)
	release()
	release()

	// Double release must not corrupt the semaphore: the next acquire
	// succeeds and the one after it still blocks.
	release2, err := c.Acquire(ctx, "realm-1")
	require.NoError(t, err)
	defer release2()

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(shortCtx, "realm-1")
	require.Error(t, err)
}

func TestCoordinator_CancelledContext(t *testing.T) {
	c := NewCoordinator(0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release, err := c.Acquire(context.Background(), "realm-1")
	require.NoError(t, err)
	defer release()

	_, err = c.Acquire(ctx, "realm-1")
	require.Error(t, err)
}
