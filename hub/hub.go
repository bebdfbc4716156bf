package hub

import (
	"container/heap"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// job is a single scheduled callback. Handle.Cancel marks it cancelled;
// the hub skips cancelled jobs instead of removing them from whichever
// queue holds them, matching the "best effort, fire at most once" contract
// of the callbacks it wraps.
type job struct {
	fn        func()
	cancelled atomic.Bool
}

func (j *job) run(onPanic func(any)) {
	if j.cancelled.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			onPanic(r)
		}
	}()
	j.fn()
}

// Option configures a Hub at construction, following the WithXxx pattern
// used throughout the retrieved corpus for optional dependencies.
type Option func(*Hub)

// WithPanicHandler overrides how the hub reports a panic recovered from a
// scheduled callback. The default writes a one-line message to stderr.
func WithPanicHandler(fn func(recovered any)) Option {
	return func(h *Hub) {
		if fn != nil {
			h.onPanic = fn
		}
	}
}

// Handle references a pending ActiveEvent or Timer registration.
// Cancel is idempotent and a no-op once the callback has already run.
type Handle struct {
	j *job
}

// Cancel prevents the callback from running, if it hasn't already.
func (h *Handle) Cancel() {
	if h == nil || h.j == nil {
		return
	}
	h.j.cancelled.Store(true)
}

// timerEntry is one entry in the Hub's timer min-heap.
type timerEntry struct {
	at  time.Time
	seq uint64 // tie-breaker, preserves FIFO among equal deadlines
	job *job
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

var hubIDCounter atomic.Uint64

// Hub is a single-goroutine scheduler: it runs ActiveEvent callbacks in
// FIFO order at its next iteration, and Timer callbacks once their delay
// elapses. It never touches file descriptors.
type Hub struct {
	id uint64

	mu        sync.Mutex
	jobs      []*job
	jobsSpare []*job

	timersMu sync.Mutex
	timers   timerHeap
	timerSeq atomic.Uint64

	wake chan struct{}

	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	onPanic func(any)
}

// New starts a Hub's loop goroutine and returns it, ready for use.
func New(opts ...Option) *Hub {
	h := &Hub{
		id:      hubIDCounter.Add(1),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		onPanic: func(r any) {
			fmt.Fprintf(os.Stderr, "hub: recovered panic in scheduled callback: %v\n", r)
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.run()
	return h
}

// ID identifies the hub, e.g. for log correlation.
func (h *Hub) ID() uint64 { return h.id }

// ActiveEvent schedules fn to run at the hub's next loop iteration, in
// FIFO order relative to other ActiveEvent registrations made so far.
func (h *Hub) ActiveEvent(fn func()) *Handle {
	j := &job{fn: fn}
	h.mu.Lock()
	h.jobs = append(h.jobs, j)
	h.mu.Unlock()
	h.signal()
	return &Handle{j: j}
}

// Timer schedules fn to run after d elapses.
func (h *Hub) Timer(d time.Duration, fn func()) *Handle {
	j := &job{fn: fn}
	e := &timerEntry{at: time.Now().Add(d), seq: h.timerSeq.Add(1), job: j}
	h.timersMu.Lock()
	heap.Push(&h.timers, e)
	h.timersMu.Unlock()
	h.signal()
	return &Handle{j: j}
}

// Close stops the hub's loop goroutine. Pending jobs are dropped.
// Close is idempotent and safe to call from any goroutine.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.stop)
	})
	<-h.stopped
}

func (h *Hub) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Hub) run() {
	defer close(h.stopped)
	for {
		h.drainJobs()

		d, hasTimer := h.nextTimerDelay()
		if hasTimer && d <= 0 {
			h.fireDueTimers()
			continue
		}

		if !hasTimer {
			select {
			case <-h.wake:
			case <-h.stop:
				return
			}
			continue
		}

		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-h.wake:
			timer.Stop()
		case <-h.stop:
			timer.Stop()
			return
		}
	}
}

// drainJobs swaps in the spare slice (the goja-eventloop "auxJobs"/
// "auxJobsSpare" double-buffer pattern) so producers never block on a
// queue the loop goroutine is actively iterating.
func (h *Hub) drainJobs() {
	h.mu.Lock()
	h.jobs, h.jobsSpare = h.jobsSpare, h.jobs
	pending := h.jobsSpare
	h.mu.Unlock()

	for _, j := range pending {
		j.run(h.onPanic)
	}
	clear(pending)
	h.jobsSpare = pending[:0]
}

// nextTimerDelay reports the delay until the next live timer fires,
// lazily discarding cancelled entries from the top of the heap.
func (h *Hub) nextTimerDelay() (time.Duration, bool) {
	h.timersMu.Lock()
	defer h.timersMu.Unlock()
	for len(h.timers) > 0 {
		top := h.timers[0]
		if top.job.cancelled.Load() {
			heap.Pop(&h.timers)
			continue
		}
		return time.Until(top.at), true
	}
	return 0, false
}

func (h *Hub) fireDueTimers() {
	now := time.Now()
	var due []*job
	h.timersMu.Lock()
	for len(h.timers) > 0 && !h.timers[0].at.After(now) {
		e := heap.Pop(&h.timers).(*timerEntry)
		if !e.job.cancelled.Load() {
			due = append(due, e.job)
		}
	}
	h.timersMu.Unlock()

	for _, j := range due {
		j.run(h.onPanic)
	}
}
