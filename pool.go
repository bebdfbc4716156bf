package task

import (
	"context"
	"sync"

	"github.com/joeycumines/go-tasker/hub"
	"golang.org/x/sync/semaphore"
)

// unboundedWeight is large enough that an "unbounded" Pool's semaphore
// never actually blocks admission, matching spec.md section 4.5's
// DummySemaphore: a real semaphore.Weighted with no acquirable capacity
// constraint is simpler than carrying a second no-op implementation
// behind an interface.
const unboundedWeight = 1 << 32

// Pool is a TaskSet gated by bounded admission: every Start/Spawn first
// acquires a permit from a counting semaphore, released when the task
// terminates. Matches spec.md section 4.5.
type Pool struct {
	*TaskSet

	sem         *semaphore.Weighted
	size        int // capacity when bounded; 0 when unbounded (see bounded)
	bounded     bool
	countMu     sync.Mutex
	admitted    int
	discardHook func(*Task)
}

// PoolOption configures a Pool at construction, following the same
// functional-option idiom as hub.Option.
type PoolOption func(*Pool)

// WithDiscardHook registers fn to run whenever a member task terminates,
// right after its permit has been released. It runs on the hub goroutine,
// except for a task that ApplyAsync admitted after waiting for a permit,
// where it runs on that task's own goroutine.
// Useful for metrics/logging without needing to wrap every Spawn call.
func WithDiscardHook(fn func(*Task)) PoolOption {
	return func(p *Pool) {
		if fn != nil {
			p.discardHook = fn
		}
	}
}

// NewPool constructs a Pool. size < 0 means unbounded (an unlimited
// number of concurrently-running members); size == 0 admits
// zero tasks at once, matching spec.md's boundary behavior for
// Pool(size=0) (Full always true, WaitAvailable blocks forever).
func NewPool(h *hub.Hub, size int, opts ...PoolOption) *Pool {
	p := &Pool{TaskSet: NewTaskSet(h)}
	if size < 0 {
		p.sem = semaphore.NewWeighted(unboundedWeight)
		p.bounded = false
		p.size = 0
	} else {
		p.sem = semaphore.NewWeighted(int64(size))
		p.bounded = true
		p.size = size
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FreeCount reports the number of additional tasks the pool could admit
// right now: size - len(members) for a bounded pool (floored at 0), or 1
// for an unbounded one, per spec.md section 4.5.
func (p *Pool) FreeCount() int {
	if !p.bounded {
		return 1
	}
	p.countMu.Lock()
	defer p.countMu.Unlock()
	free := p.size - p.admitted
	if free < 0 {
		return 0
	}
	return free
}

// Full reports whether FreeCount is 0.
func (p *Pool) Full() bool { return p.FreeCount() == 0 }

// WaitAvailable blocks until a permit is free, without consuming it. For
// an unbounded pool it returns immediately. For a zero-capacity pool it
// blocks until ctx is done, never succeeding, matching the spec's
// "Pool(size=0) ... wait_available() blocks forever".
func (p *Pool) WaitAvailable(ctx context.Context) error {
	if !p.bounded {
		return nil
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.sem.Release(1)
	return nil
}

// admit acquires one permit, blocking on ctx. The caller must call
// release (directly, or by letting the task's completion link run) to
// return it.
func (p *Pool) admit(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.countMu.Lock()
	p.admitted++
	p.countMu.Unlock()
	return nil
}

func (p *Pool) release(t *Task) {
	p.countMu.Lock()
	p.admitted--
	p.countMu.Unlock()
	p.sem.Release(1)
	if p.discardHook != nil {
		p.discardHook(t)
	}
}

// Start acquires a permit, then constructs, adds, and starts the task; the
// permit is released once the task terminates. If acquiring the permit
// fails (ctx is done first), no task is created and that error is
// returned. Matches spec.md section 4.5's "acquire before construction".
func (p *Pool) Start(ctx context.Context, run RunFunc, args []any, kwargs map[string]any) (*Task, error) {
	if err := p.admit(ctx); err != nil {
		return nil, err
	}
	t := NewTask(p.h, run, args, kwargs)
	p.Add(t)
	t.RawLink(func(done *Task) { p.release(done) })
	t.Start()
	return t, nil
}

// Spawn is the argument-list convenience form of Start.
func (p *Pool) Spawn(ctx context.Context, run RunFunc, args ...any) (*Task, error) {
	return p.Start(ctx, run, args, nil)
}

// ApplyAsync spawns fn as a pool member. If a permit is immediately
// available it is admitted right away; otherwise, rather than blocking
// the caller synchronously, it wraps the call in a task that waits for
// admission on its own goroutine, matching spec.md section 4.5's
// apply_async.
func (p *Pool) ApplyAsync(fn func(context.Context) (any, error)) *Task {
	if p.sem.TryAcquire(1) {
		p.countMu.Lock()
		p.admitted++
		p.countMu.Unlock()

		t := NewTask(p.h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			return fn(ctx)
		}, nil, nil)
		p.Add(t)
		t.RawLink(func(done *Task) { p.release(done) })
		t.Start()
		return t
	}

	// Full: wrap the call in its own tracked member, per original_source's
	// pool.py "add" path for a full pool (SPEC_FULL.md item D.6) — the wrapping
	// task is itself added to the set so its completion still drives
	// Join/the empty signal, even though it starts by waiting for a permit
	// rather than holding one already.
	var self *Task
	t := NewTask(p.h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		if err := p.admit(ctx); err != nil {
			return nil, err
		}
		defer p.release(self)
		return fn(ctx)
	}, nil, nil)
	self = t
	p.Add(t)
	t.Start()
	return t
}
