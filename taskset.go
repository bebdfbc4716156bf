package task

import (
	"context"
	"sync"

	"github.com/joeycumines/go-tasker/hub"
)

// TaskSet tracks a group of running tasks and exposes level-triggered
// "all done" signaling plus collective join/kill, matching spec.md
// section 4.4. The zero value is not usable; construct with NewTaskSet.
type TaskSet struct {
	h *hub.Hub

	mu       sync.Mutex
	members  map[*Task]struct{}
	dying    map[*Task]struct{}
	emptyGen chan struct{} // closed and replaced whenever members becomes empty
}

// NewTaskSet returns an empty TaskSet whose spawned tasks run on h.
func NewTaskSet(h *hub.Hub) *TaskSet {
	s := &TaskSet{
		h:        h,
		members:  make(map[*Task]struct{}),
		dying:    make(map[*Task]struct{}),
		emptyGen: make(chan struct{}),
	}
	close(s.emptyGen) // starts empty
	return s
}

// Len reports the current membership count.
func (s *TaskSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

// Contains reports whether t is a member.
func (s *TaskSet) Contains(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.members[t]
	return ok
}

// Snapshot returns the current members as a slice, safe to range over
// even while the set is concurrently mutated (spec.md section 5's
// "iterate over list(greenlets) rather than the live set").
func (s *TaskSet) Snapshot() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.members))
	for t := range s.members {
		out = append(out, t)
	}
	return out
}

// Add registers t as a member; t is automatically discarded once it
// terminates.
func (s *TaskSet) Add(t *Task) {
	s.mu.Lock()
	_, already := s.members[t]
	if !already {
		s.members[t] = struct{}{}
		if len(s.members) == 1 {
			s.emptyGen = make(chan struct{})
		}
	}
	s.mu.Unlock()
	if !already {
		t.RawLink(s.discard)
	}
}

// Discard removes t from the set. It does not release a Pool's admission
// permit: a Pool returns that permit only when the member task terminates.
func (s *TaskSet) Discard(t *Task) { s.discard(t) }

func (s *TaskSet) discard(t *Task) {
	s.mu.Lock()
	delete(s.members, t)
	delete(s.dying, t)
	empty := len(s.members) == 0
	var gen chan struct{}
	if empty {
		gen = s.emptyGen
	}
	s.mu.Unlock()
	if empty {
		select {
		case <-gen:
		default:
			close(gen)
		}
	}
}

// Start constructs a task from run/args/kwargs, starts it, and adds it to
// the set.
func (s *TaskSet) Start(run RunFunc, args []any, kwargs map[string]any) *Task {
	t := NewTask(s.h, run, args, kwargs)
	s.Add(t)
	t.Start()
	return t
}

// Spawn is the argument-list convenience form of Start.
func (s *TaskSet) Spawn(run RunFunc, args ...any) *Task {
	return s.Start(run, args, nil)
}

// SpawnLink constructs a task, links receiver to it, adds it to the set,
// then starts it.
func (s *TaskSet) SpawnLink(ctx context.Context, run RunFunc, receiver any, args ...any) *Task {
	t := NewTask(s.h, run, args, nil)
	_ = t.Link(ctx, receiver)
	s.Add(t)
	t.Start()
	return t
}

// SpawnLinkValue is SpawnLink using LinkValue.
func (s *TaskSet) SpawnLinkValue(ctx context.Context, run RunFunc, receiver any, args ...any) *Task {
	t := NewTask(s.h, run, args, nil)
	_ = t.LinkValue(ctx, receiver)
	s.Add(t)
	t.Start()
	return t
}

// SpawnLinkException is SpawnLink using LinkException.
func (s *TaskSet) SpawnLinkException(ctx context.Context, run RunFunc, receiver any, args ...any) *Task {
	t := NewTask(s.h, run, args, nil)
	_ = t.LinkException(ctx, receiver)
	s.Add(t)
	t.Start()
	return t
}

// Join blocks until the set is empty, or ctx is done. If raiseError is
// true and any task that left the set (since before this call, or during
// it) failed, Join returns that task's exception; spec.md's
// "re-raise the first failed task's exception from the snapshot" is
// approximated here by checking the pre-call snapshot after the wait,
// since membership (and thus which tasks "belonged" to this Join) has
// already changed by the time waiters observe emptiness.
func (s *TaskSet) Join(ctx context.Context, raiseError bool) error {
	snapshot := s.Snapshot()
	for {
		empty, gen := s.emptySnapshot()
		if empty {
			break
		}
		select {
		case <-gen:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if raiseError {
		for _, t := range snapshot {
			if !t.Successful() {
				return t.Exception()
			}
		}
	}
	return nil
}

// emptySnapshot atomically reports whether the set is currently empty and
// the generation channel to wait on if it isn't, mirroring spec.md
// section 4.4's level-triggered empty_event.
func (s *TaskSet) emptySnapshot() (bool, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members) == 0, s.emptyGen
}

// Kill throws cause into every member not already being killed, looping
// until the set is empty to pick up tasks spawned mid-kill, per spec.md
// section 4.4. If block is false, it fires one such pass and returns
// without waiting for termination.
func (s *TaskSet) Kill(ctx context.Context, cause error, block bool) error {
	for {
		snapshot := s.pendingKillSnapshot()
		if len(snapshot) == 0 {
			if !block {
				return nil
			}
			// every remaining member is already dying; wait for them to be
			// discarded, then re-check for members added meanwhile.
			empty, gen := s.emptySnapshot()
			if empty {
				return nil
			}
			select {
			case <-gen:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, t := range snapshot {
			_ = t.Kill(ctx, cause, false)
		}
		if !block {
			return nil
		}
		if err := JoinAll(ctx, snapshot, false); err != nil {
			return err
		}
	}
}

func (s *TaskSet) pendingKillSnapshot() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.members))
	for t := range s.members {
		if _, dying := s.dying[t]; dying {
			continue
		}
		s.dying[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// KillOne kills a single member, guarded by membership and the dying set.
func (s *TaskSet) KillOne(ctx context.Context, t *Task, cause error, block bool) error {
	s.mu.Lock()
	if _, member := s.members[t]; !member {
		s.mu.Unlock()
		return nil
	}
	if _, dying := s.dying[t]; dying {
		s.mu.Unlock()
		if block {
			t.Join(ctx)
		}
		return nil
	}
	s.dying[t] = struct{}{}
	s.mu.Unlock()

	return t.Kill(ctx, cause, block)
}

// Full always reports false: TaskSet has no capacity limit (spec.md
// section 4.4).
func (s *TaskSet) Full() bool { return false }

// WaitAvailable is a no-op for an unbounded TaskSet.
func (s *TaskSet) WaitAvailable(context.Context) error { return nil }

// Apply runs fn synchronously: directly, if the calling task (per ctx)
// is already a member; otherwise it spawns fn as a new member and blocks
// on its result. Matches spec.md section 4.4's apply.
func (s *TaskSet) Apply(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if current := CurrentTask(ctx); current != nil && s.Contains(current) {
		return fn(ctx)
	}
	t := s.Spawn(func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		return fn(ctx)
	})
	return t.Get(ctx)
}

// ApplyAsync spawns fn as a member and returns immediately without
// waiting for it.
func (s *TaskSet) ApplyAsync(fn func(context.Context) (any, error)) *Task {
	return s.Spawn(func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		return fn(ctx)
	})
}

// ApplyCb is like Apply, but invokes cb with the result once fn
// completes, instead of blocking the caller.
func (s *TaskSet) ApplyCb(fn func(context.Context) (any, error), cb func(any, error)) *Task {
	t := s.ApplyAsync(fn)
	t.RawLink(func(done *Task) {
		v, err := done.outcome()
		cb(v, err)
	})
	return t
}

// Map applies fn to every element of items, each as its own member task,
// and returns the results in input order once all complete.
func (s *TaskSet) Map(ctx context.Context, items []any, fn func(context.Context, any) (any, error)) ([]any, error) {
	tasks := make([]*Task, len(items))
	for i, item := range items {
		item := item
		tasks[i] = s.Spawn(func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			return fn(ctx, item)
		})
	}
	results := make([]any, len(items))
	for i, t := range tasks {
		v, err := t.Get(ctx)
		if err != nil {
			return nil, err
		}
		results[i] = v
	}
	return results, nil
}

// MapAsync is like Map, but returns the spawned tasks immediately without
// waiting for any of them.
func (s *TaskSet) MapAsync(items []any, fn func(context.Context, any) (any, error)) []*Task {
	tasks := make([]*Task, len(items))
	for i, item := range items {
		item := item
		tasks[i] = s.Spawn(func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			return fn(ctx, item)
		})
	}
	return tasks
}

// MapCb is like Map, but invokes cb with the full ordered result slice
// once every element has completed, instead of blocking the caller.
func (s *TaskSet) MapCb(ctx context.Context, items []any, fn func(context.Context, any) (any, error), cb func([]any, error)) {
	go func() {
		results, err := s.Map(ctx, items, fn)
		cb(results, err)
	}()
}

// IMap streams (value, error) pairs in input order as each element
// completes. Unlike the source design's FIXME'd imap (which simply
// delegated to map, collecting everything before returning anything),
// this pushes results onto the returned channel incrementally; the
// channel is closed after the last element.
func (s *TaskSet) IMap(ctx context.Context, items []any, fn func(context.Context, any) (any, error)) <-chan Result {
	tasks := make([]*Task, len(items))
	for i, item := range items {
		item := item
		tasks[i] = s.Spawn(func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			return fn(ctx, item)
		})
	}
	out := make(chan Result, len(items))
	go func() {
		defer close(out)
		for _, t := range tasks {
			v, err := t.Get(ctx)
			select {
			case out <- Result{Value: v, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// IMapUnordered is like IMap, but results are streamed in completion
// order rather than input order.
func (s *TaskSet) IMapUnordered(ctx context.Context, items []any, fn func(context.Context, any) (any, error)) <-chan Result {
	tasks := make([]*Task, len(items))
	for i, item := range items {
		item := item
		tasks[i] = s.Spawn(func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
			return fn(ctx, item)
		})
	}
	out := make(chan Result, len(items))
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, t := range tasks {
		t := t
		t.RawLink(func(done *Task) {
			defer wg.Done()
			v, err := done.outcome()
			select {
			case out <- Result{Value: v, Err: err}:
			case <-ctx.Done():
			}
		})
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Result is one element of an IMap/IMapUnordered stream.
type Result struct {
	Value any
	Err   error
}
