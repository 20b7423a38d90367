package coord

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/kapetan-io/tackle/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestSemaphore(t *testing.T, limit int) *Semaphore {
	t.Helper()
	s, err := NewSemaphore(SemaphoreConfig{
		Dir:          filepath.Join(t.TempDir(), "http"),
		Limit:        limit,
		PollInterval: 5 * clock.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func TestSemaphoreAcquireRelease(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestSemaphore(t, 2)
	ctx := context.Background()

	first, err := s.Acquire(ctx, 1)
	require.NoError(t, err)
	second, err := s.Acquire(ctx, 1)
	require.NoError(t, err)

	active, err := s.Active()
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	// Both slots taken; the next acquire exhausts its patience
	_, err = s.Acquire(ctx, 2)
	require.ErrorIs(t, err, ErrAdmissionTimeout)

	require.NoError(t, first.Release())
	third, err := s.Acquire(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, second.Release())
	require.NoError(t, third.Release())
	// Releasing twice is fine
	require.NoError(t, third.Release())

	active, err = s.Active()
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestSemaphoreAdmissionBound(t *testing.T) {
	defer goleak.VerifyNone(t)
	const limit = 3
	s := newTestSemaphore(t, limit)

	var inflight, highWater atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 3*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slot, err := s.Acquire(context.Background(), 1000)
			assert.NoError(t, err)

			n := inflight.Add(1)
			for {
				max := highWater.Load()
				if n <= max || highWater.CompareAndSwap(max, n) {
					break
				}
			}
			active, err := s.Active()
			assert.NoError(t, err)
			assert.LessOrEqual(t, active, limit)

			inflight.Add(-1)
			assert.NoError(t, slot.Release())
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, highWater.Load(), int64(limit))
	active, err := s.Active()
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestSemaphoreReapsDeadHolders(t *testing.T) {
	defer goleak.VerifyNone(t)
	deadPID := 999_999
	dir := filepath.Join(t.TempDir(), "http")
	s, err := NewSemaphore(SemaphoreConfig{
		Dir:          dir,
		Limit:        1,
		PollInterval: 5 * clock.Millisecond,
		Probe:        fakeProbe{dead: map[int]bool{deadPID: true}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	// A worker took the only slot and died holding it
	ok, err := TryCreate(filepath.Join(dir, "locks", fmt.Sprintf("%d.1", deadPID)), deadPID, clock.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	// The pre admission prune reclaims the slot on the first attempt
	slot, err := s.Acquire(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, slot.Release())
}

func TestSemaphoreUnordered(t *testing.T) {
	defer goleak.VerifyNone(t)
	s := newTestSemaphore(t, 1)
	ctx := context.Background()

	// Two goroutines racing for one slot; whichever observes the free
	// slot first wins, there is no queue
	slot, err := s.Acquire(ctx, 1)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		later, err := s.Acquire(ctx, 1000)
		assert.NoError(t, err)
		assert.NoError(t, later.Release())
	}()

	require.NoError(t, slot.Release())
	<-done
}
