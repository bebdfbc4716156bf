package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-tasker/hub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPoolBoundedAdmission is scenario 6 from spec.md section 8.
func TestPoolBoundedAdmission(t *testing.T) {
	h := hub.New()
	defer h.Close()

	p := NewPool(h, 2)
	var running atomic.Int32
	var maxRunning atomic.Int32

	spawnBlocker := func() {
		_, err := p.Spawn(withTimeout(t), func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			n := running.Add(1)
			for {
				old := maxRunning.Load()
				if n <= old || maxRunning.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(100 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		go spawnBlocker()
	}

	require.Eventually(t, func() bool { return p.FreeCount() == 0 }, time.Second, time.Millisecond)
	require.NoError(t, p.Join(withTimeout(t), false))
	assert.Equal(t, 2, p.FreeCount())
	assert.LessOrEqual(t, int(maxRunning.Load()), 2)
}

func TestPoolZeroCapacity(t *testing.T) {
	h := hub.New()
	defer h.Close()

	p := NewPool(h, 0)
	assert.True(t, p.Full())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.WaitAvailable(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolUnbounded(t *testing.T) {
	h := hub.New()
	defer h.Close()

	p := NewPool(h, -1)
	assert.Equal(t, 1, p.FreeCount())
	assert.False(t, p.Full())

	for i := 0; i < 10; i++ {
		_, err := p.Spawn(withTimeout(t), func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			return nil, nil
		})
		require.NoError(t, err)
	}
	require.NoError(t, p.Join(withTimeout(t), false))
}

func TestPoolApplyAsyncWhenFull(t *testing.T) {
	h := hub.New()
	defer h.Close()

	p := NewPool(h, 1)
	blocking := make(chan struct{})
	p.Spawn(withTimeout(t), func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		<-blocking
		return nil, nil
	})
	require.Eventually(t, func() bool { return p.Full() }, time.Second, time.Millisecond)

	ranSecond := make(chan struct{})
	second := p.ApplyAsync(func(ctx context.Context) (any, error) {
		close(ranSecond)
		return nil, nil
	})
	require.NotNil(t, second)

	select {
	case <-ranSecond:
		t.Fatal("second apply_async must not run while pool is full")
	case <-time.After(20 * time.Millisecond):
	}

	close(blocking)
	select {
	case <-ranSecond:
	case <-time.After(time.Second):
		t.Fatal("second apply_async never ran once a slot freed")
	}
}
