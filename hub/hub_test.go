package hub

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveEventFIFO(t *testing.T) {
	h := New()
	defer h.Close()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		h.ActiveEvent(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	wg.Wait()
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestActiveEventCancel(t *testing.T) {
	h := New()
	defer h.Close()

	var ran atomic.Bool
	handle := h.ActiveEvent(func() { ran.Store(true) })
	handle.Cancel()

	// give the loop a chance to process the (cancelled) job
	done := make(chan struct{})
	h.ActiveEvent(func() { close(done) })
	<-done

	assert.False(t, ran.Load())
}

func TestTimerFires(t *testing.T) {
	h := New()
	defer h.Close()

	fired := make(chan time.Time, 1)
	start := time.Now()
	h.Timer(20*time.Millisecond, func() { fired <- time.Now() })

	select {
	case at := <-fired:
		require.WithinDuration(t, start.Add(20*time.Millisecond), at, 100*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerCancel(t *testing.T) {
	h := New()
	defer h.Close()

	var ran atomic.Bool
	handle := h.Timer(10*time.Millisecond, func() { ran.Store(true) })
	handle.Cancel()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCloseStopsLoop(t *testing.T) {
	h := New()
	h.Close()
	h.Close() // idempotent
}
