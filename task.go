package task

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-tasker/hub"
	"github.com/rs/zerolog"
)

// reflectFuncKey approximates identity for a func(*Task) value, matching
// linkSet's dedup-by-target semantics (see link.key).
func reflectFuncKey(fn func(*Task)) any {
	return reflect.ValueOf(fn).Pointer()
}

// RunFunc is a task's body. args/kwargs are released (set to nil) once the
// task terminates, per spec.md section 3.1's "discarded after run".
type RunFunc func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// taskState tracks the lifecycle from spec.md section 3.1. States only
// move forward; once terminal (Completed, Failed or Killed) a task never
// runs again.
type taskState int32

const (
	stateCreated taskState = iota
	stateScheduled
	stateRunning
	stateCompleted
	stateFailed
	stateKilled
)

var taskIDCounter atomic.Uint64

// Task is a hub-scheduled unit of work with result/error capture and a
// completion-linkage registry. The zero value is not usable; construct
// with NewTask or Spawn.
type Task struct {
	id  uint64
	h   *hub.Hub
	log zerolog.Logger

	// consumed at first run, then released.
	mu     sync.Mutex
	runFn  RunFunc
	args   []any
	kwargs map[string]any

	state atomic.Int32

	// guarded by mu; value/err are meaningful only once state is terminal.
	value any
	err   error

	links        linkSet
	notifyHandle *hub.Handle
	startHandle  *hub.Handle

	done     chan struct{}
	doneOnce sync.Once

	cancel context.CancelCauseFunc
	dead   atomic.Bool
}

// NewTask constructs a task wrapping run, which will be invoked with args
// and kwargs once the task is started. The task is not scheduled; call
// Start, StartLater, or use Spawn/SpawnLater.
func NewTask(h *hub.Hub, run RunFunc, args []any, kwargs map[string]any) *Task {
	if h == nil {
		panic("task: nil hub")
	}
	t := &Task{
		id:     taskIDCounter.Add(1),
		h:      h,
		log:    defaultLogger(),
		runFn:  run,
		args:   args,
		kwargs: kwargs,
		links:  make(linkSet),
		done:   make(chan struct{}),
	}
	return t
}

// Spawn constructs a task and immediately schedules it to start at the
// hub's next iteration, per spec.md section 4.1's "spawn" convenience.
func Spawn(h *hub.Hub, run RunFunc, args ...any) *Task {
	t := NewTask(h, run, args, nil)
	t.Start()
	return t
}

// SpawnFunc is a convenience for the common case of a task with no
// meaningful arguments: it wraps fn as a RunFunc ignoring args/kwargs.
func SpawnFunc(h *hub.Hub, fn func(ctx context.Context) (any, error)) *Task {
	return Spawn(h, func(ctx context.Context, _ []any, _ map[string]any) (any, error) {
		return fn(ctx)
	})
}

// SpawnLater constructs a task and schedules it to start after d elapses,
// per spec.md section 4.1/6's spawn_later.
func SpawnLater(h *hub.Hub, d time.Duration, run RunFunc, args ...any) *Task {
	t := NewTask(h, run, args, nil)
	t.StartLater(d)
	return t
}

// SpawnLink constructs a task, links receiver to it (per Link's rules),
// then starts it, per spec.md section 4.1/6's spawn_link.
func SpawnLink(ctx context.Context, h *hub.Hub, run RunFunc, receiver any, args ...any) *Task {
	t := NewTask(h, run, args, nil)
	_ = t.Link(ctx, receiver)
	t.Start()
	return t
}

// SpawnLinkValue is SpawnLink using LinkValue.
func SpawnLinkValue(ctx context.Context, h *hub.Hub, run RunFunc, receiver any, args ...any) *Task {
	t := NewTask(h, run, args, nil)
	_ = t.LinkValue(ctx, receiver)
	t.Start()
	return t
}

// SpawnLinkException is SpawnLink using LinkException.
func SpawnLinkException(ctx context.Context, h *hub.Hub, run RunFunc, receiver any, args ...any) *Task {
	t := NewTask(h, run, args, nil)
	_ = t.LinkException(ctx, receiver)
	t.Start()
	return t
}

// ID is a monotonically increasing identifier, unique per process, used
// for log correlation and Stringer output.
func (t *Task) ID() uint64 { return t.id }

func (t *Task) String() string {
	switch taskState(t.state.Load()) {
	case stateCompleted, stateKilled:
		return fmt.Sprintf("<Task %d %s: returned %#v>", t.id, t.funcName(), t.Value())
	case stateFailed:
		return fmt.Sprintf("<Task %d %s: failed with %v>", t.id, t.funcName(), t.Exception())
	default:
		return fmt.Sprintf("<Task %d %s>", t.id, t.funcName())
	}
}

// funcName names the task's run function for diagnostics, mirroring the
// original source's Greenlet.__repr__ (which shows "fn(args)"); returns
// "<released>" once the closure has been discarded on termination.
func (t *Task) funcName() string {
	t.mu.Lock()
	fn := t.runFn
	t.mu.Unlock()
	if fn == nil {
		return "<released>"
	}
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	return name
}

// Ready reports whether the task has finished (successfully, with an
// error, or killed before it ran).
func (t *Task) Ready() bool {
	switch taskState(t.state.Load()) {
	case stateCompleted, stateFailed, stateKilled:
		return true
	default:
		return false
	}
}

// Successful reports whether the task finished without an unhandled
// error. A task killed with the cooperative TaskExit signal (or a run
// function that returns one) counts as successful, per spec.md section 7.
func (t *Task) Successful() bool {
	switch taskState(t.state.Load()) {
	case stateCompleted, stateKilled:
		return true
	default:
		return false
	}
}

// Dead mirrors the underlying coroutine's dead flag from spec.md section
// 3.1: true once the task's body has returned, propagated out, or was
// killed before it ran.
func (t *Task) Dead() bool { return t.dead.Load() }

// Value returns the task's result. Only meaningful once Successful.
func (t *Task) Value() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Exception returns the task's error. Only meaningful once Ready and not
// Successful.
func (t *Task) Exception() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done returns a channel closed once the task is Ready.
func (t *Task) Done() <-chan struct{} { return t.done }

// Start schedules the task to run at the hub's next iteration. Calling
// Start (or StartLater) twice on the same task is a programmer error and
// panics, matching spec.md section 4.1's "double-start is a programmer
// error" (the source asserts; Go code panics for the same class of bug).
func (t *Task) Start() {
	t.mu.Lock()
	if t.startHandle != nil || taskState(t.state.Load()) != stateCreated {
		t.mu.Unlock()
		panic(ErrTaskAlreadyStarted)
	}
	t.state.Store(int32(stateScheduled))
	t.startHandle = t.h.ActiveEvent(t.dispatch)
	t.mu.Unlock()
}

// StartLater is like Start, but the task begins running only after d
// elapses.
func (t *Task) StartLater(d time.Duration) {
	t.mu.Lock()
	if t.startHandle != nil || taskState(t.state.Load()) != stateCreated {
		t.mu.Unlock()
		panic(ErrTaskAlreadyStarted)
	}
	t.state.Store(int32(stateScheduled))
	t.startHandle = t.h.Timer(d, t.dispatch)
	t.mu.Unlock()
}

// dispatch is the hub callback that actually launches the task's
// goroutine; it runs on the hub goroutine, matching "the hub eventually
// switches into it" from spec.md's data-flow description.
func (t *Task) dispatch() {
	t.mu.Lock()
	t.startHandle = nil
	if taskState(t.state.Load()) != stateScheduled {
		// raced with an early Throw/Kill that already terminated the task.
		t.mu.Unlock()
		return
	}
	t.state.Store(int32(stateRunning))
	runFn, args, kwargs := t.runFn, t.args, t.kwargs
	ctx, cancel := context.WithCancelCause(context.Background())
	t.cancel = cancel
	t.mu.Unlock()

	go t.run(withCurrentTask(ctx, t), runFn, args, kwargs)
}

// run is the task's body, executed on its own goroutine.
func (t *Task) run(ctx context.Context, runFn RunFunc, args []any, kwargs map[string]any) {
	defer t.dead.Store(true)
	defer t.releaseClosure()

	value, err := runFn(ctx, args, kwargs)
	if err != nil {
		if te, ok := AsTaskExit(err); ok {
			t.reportResult(te)
			return
		}
		t.reportError(err)
		return
	}
	t.reportResult(value)
}

// releaseClosure drops references to the run function and its arguments,
// per spec.md section 3.1's "discarded after run" invariant.
func (t *Task) releaseClosure() {
	t.mu.Lock()
	t.runFn = nil
	t.args = nil
	t.kwargs = nil
	t.mu.Unlock()
}

// reportResult records a successful outcome and schedules link
// notification.
func (t *Task) reportResult(value any) {
	t.mu.Lock()
	t.value = value
	t.err = nil
	if _, alreadyKilled := value.(*TaskExit); alreadyKilled {
		t.state.Store(int32(stateKilled))
	} else {
		t.state.Store(int32(stateCompleted))
	}
	t.scheduleNotifyLocked()
	t.mu.Unlock()
	t.closeDone()
}

// reportError records a failed outcome: prints a traceback to stderr
// (spec.md section 4.1), logs a one-line structured summary, and
// schedules link notification.
func (t *Task) reportError(err error) {
	fmt.Fprintf(os.Stderr, "task %d: panic/error in run function: %v\n%s\n", t.id, err, debug.Stack())
	t.log.Error().Uint64("task_id", t.id).Err(err).Msg("task failed")

	t.mu.Lock()
	t.value = nil
	t.err = err
	t.state.Store(int32(stateFailed))
	t.scheduleNotifyLocked()
	t.mu.Unlock()
	t.closeDone()
}

func (t *Task) closeDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// scheduleNotifyLocked registers notifyLinks with the hub if there are
// links to fire and none is already pending. Caller must hold t.mu.
func (t *Task) scheduleNotifyLocked() {
	if len(t.links) > 0 && t.notifyHandle == nil {
		t.notifyHandle = t.h.ActiveEvent(t.notifyLinks)
	}
}

// notifyLinks drains the link set, invoking each entry exactly once. It
// always runs on the hub goroutine (see link.invoke's contract). New
// links added mid-drain (e.g. by a link's own callback) are included in
// the same pass, matching spec.md's "while links" semantics.
func (t *Task) notifyLinks() {
	for {
		t.mu.Lock()
		var (
			l  link
			k  any
			ok bool
		)
		for k, l = range t.links {
			ok = true
			break
		}
		if ok {
			delete(t.links, k)
		} else {
			t.notifyHandle = nil
		}
		t.mu.Unlock()

		if !ok {
			return
		}
		t.invokeLinkSafely(l)
	}
}

func (t *Task) invokeLinkSafely(l link) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "task %d: panic notifying link: %v\n%s\n", t.id, r, debug.Stack())
			t.log.Error().Uint64("task_id", t.id).Interface("panic", r).Msg("link notification panicked")
		}
	}()
	l.invoke(t)
}

// Throw immediately terminates the task with cause. Its caller contract
// (spec.md section 4.1) is the same as the source design: safe only from
// the hub goroutine for a task that is already running, since it mutates
// state without going through the hub's serialization for the
// already-started case. Use Kill from any other goroutine.
//
// If the task has not yet started running, Throw classifies cause (a
// *TaskExit is a clean exit; anything else is a failure) and terminates
// the task immediately without ever invoking its run function, matching
// the "Killed-before-start" state from spec.md section 3.1. If the task is
// already running, Throw cancels its context with cause as the cancel
// cause; a well-behaved run function observes ctx.Done() at its next
// suspension point and returns context.Cause(ctx), which is classified the
// same way once the goroutine actually exits. If the task is already
// terminal, Throw is a no-op (transitions are strictly forward).
func (t *Task) Throw(cause error) {
	if cause == nil {
		cause = ErrTaskExit
	}

	t.mu.Lock()
	switch taskState(t.state.Load()) {
	case stateCompleted, stateFailed, stateKilled:
		t.mu.Unlock()
		return
	case stateRunning:
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel(cause)
		}
		return
	default: // Created or Scheduled: never actually ran.
		if t.startHandle != nil {
			t.startHandle.Cancel()
			t.startHandle = nil
		}
		// Reserve the terminal transition so a concurrent Throw can't race
		// us into reporting twice; reportResult/reportError below overwrite
		// this with the real classification. Reserve with stateFailed so a
		// reader racing the reservation never observes a transient
		// Successful()==true for what turns out to be a failure.
		t.state.Store(int32(stateFailed))
		t.mu.Unlock()
	}

	t.dead.Store(true)
	if te, ok := AsTaskExit(cause); ok {
		t.reportResult(te)
	} else {
		t.reportError(cause)
	}
}

// Kill asynchronously throws cause into the task via the hub, which is
// safe to call from any goroutine (spec.md section 4.1's safety contract
// for throw vs. kill). If block is true, Kill waits for the throw to be
// delivered and then Joins the task, subject to ctx.
func (t *Task) Kill(ctx context.Context, cause error, block bool) error {
	delivered := make(chan struct{})
	t.h.ActiveEvent(func() {
		t.Throw(cause)
		close(delivered)
	})
	if !block {
		return nil
	}
	select {
	case <-delivered:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.Join(ctx)
	return nil
}

// Get blocks until the task is ready (or ctx is done), then returns its
// value, or its error if it failed.
func (t *Task) Get(ctx context.Context) (any, error) {
	if t.Ready() {
		return t.outcome()
	}
	select {
	case <-t.done:
		return t.outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) outcome() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	return t.value, nil
}

// Join blocks until the task is ready or ctx is done, never returning the
// task's own error (spec.md section 4.1). The returned bool reports
// whether the task actually finished (false means ctx expired first).
func (t *Task) Join(ctx context.Context) bool {
	select {
	case <-t.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// RawLink registers cb to be invoked (on the hub goroutine) once the task
// terminates, with no success/failure filtering. A nil cb panics, as in
// the source design's "Expected callable" TypeError.
func (t *Task) RawLink(cb func(*Task)) {
	if cb == nil {
		panic("task: RawLink requires a non-nil callback")
	}
	t.mu.Lock()
	t.links.add(link{callback: cb, hub: t.h})
	if t.Ready() {
		t.scheduleNotifyLocked()
	}
	t.mu.Unlock()
}

// receiver is anything Link/LinkValue/LinkException accept: nil (meaning
// "the calling task", resolved via ctx), a *Task, or a func(*Task).
func (t *Task) resolveLink(ctx context.Context, receiver any, policy linkPolicy) link {
	switch r := receiver.(type) {
	case nil:
		current := CurrentTask(ctx)
		if current == nil {
			panic(ErrNoCurrentTask)
		}
		return link{target: current, policy: policy, hub: t.h}
	case *Task:
		return link{target: r, policy: policy, hub: t.h}
	case func(*Task):
		return link{callback: r, spawned: true, policy: policy, hub: t.h}
	default:
		panic(fmt.Sprintf("task: Link: unsupported receiver type %T", receiver))
	}
}

// Link subscribes receiver to this task's completion, dispatched
// regardless of outcome. receiver may be nil (link to the calling task,
// resolved from ctx via CurrentTask), a *Task, or a func(*Task) (run in a
// freshly spawned task).
//
// If the link resolves to the calling task itself and this task is
// already ready, Link fires synchronously and returns the resulting
// LinkedExitedError immediately instead of registering a subscription,
// mirroring the source design's "raise LinkedExited immediately" special
// case. Otherwise it always returns nil.
func (t *Task) Link(ctx context.Context, receiver any) error {
	return t.link(ctx, receiver, policyAny)
}

// LinkValue is like Link but only fires when the task completed
// successfully.
func (t *Task) LinkValue(ctx context.Context, receiver any) error {
	return t.link(ctx, receiver, policySuccess)
}

// LinkException is like Link but only fires when the task failed.
func (t *Task) LinkException(ctx context.Context, receiver any) error {
	return t.link(ctx, receiver, policyFailure)
}

func (t *Task) link(ctx context.Context, receiver any, policy linkPolicy) error {
	l := t.resolveLink(ctx, receiver, policy)

	if l.target != nil && l.target == CurrentTask(ctx) && t.Ready() {
		if !policy.fires(t) {
			return nil
		}
		return classifyLinkedExit(t)
	}

	t.mu.Lock()
	t.links.add(l)
	if t.Ready() {
		t.scheduleNotifyLocked()
	}
	t.mu.Unlock()
	return nil
}

// Unlink removes a subscription previously registered by RawLink, Link,
// LinkValue, or LinkException, identified by the same receiver value (a
// *Task or func(*Task)) used to register it.
func (t *Task) Unlink(receiver any) {
	var key any
	switch r := receiver.(type) {
	case *Task:
		key = r
	case func(*Task):
		key = reflectFuncKey(r)
	default:
		return
	}
	t.mu.Lock()
	t.links.remove(key)
	t.mu.Unlock()
}
