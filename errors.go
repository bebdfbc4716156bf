package task

import (
	"errors"
	"fmt"
)

// TaskExit is the sentinel "cooperative death" signal. A task that returns
// a *TaskExit error from its run function (or is killed with one, via
// Kill/Throw) is considered to have terminated successfully: Task.Value
// returns the *TaskExit instance itself, and Task.Exception is nil.
//
// This mirrors gevent's GreenletExit: raising/returning it is not treated
// as a failure.
type TaskExit struct {
	// Reason is an optional, caller-supplied explanation for the exit.
	Reason any
}

// NewTaskExit constructs a TaskExit carrying reason, e.g. for Kill(ctx,
// task.NewTaskExit("shutting down"), false).
func NewTaskExit(reason any) *TaskExit { return &TaskExit{Reason: reason} }

func (e *TaskExit) Error() string {
	if e == nil || e.Reason == nil {
		return "task: cooperative exit"
	}
	return fmt.Sprintf("task: cooperative exit: %v", e.Reason)
}

// ErrTaskExit is the default cause used by Kill when none is supplied.
var ErrTaskExit = &TaskExit{}

// AsTaskExit reports whether err is (or wraps) a *TaskExit, returning it.
func AsTaskExit(err error) (*TaskExit, bool) {
	var te *TaskExit
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// LinkedExitedError is implemented by every linked-exit error: the
// exception injected into a linked task when the task it observes
// terminates. It plays the role of the base LinkedExited exception class
// from the source design, expressed as a Go interface rather than struct
// embedding, since the three concrete outcomes (LinkedCompleted,
// LinkedKilled, LinkedFailed) don't share any field besides the source.
type LinkedExitedError interface {
	error
	// LinkedSource is the task whose termination produced this error.
	LinkedSource() *Task
}

// LinkedCompleted is injected into a linked task when the observed task
// finished cleanly (a non-TaskExit successful return).
type LinkedCompleted struct {
	Source *Task
}

func (e *LinkedCompleted) LinkedSource() *Task { return e.Source }
func (e *LinkedCompleted) Error() string {
	return fmt.Sprintf("task %d: linked task completed successfully", e.Source.ID())
}

// LinkedKilled is injected into a linked task when the observed task
// returned (or was killed with) a *TaskExit instance.
type LinkedKilled struct {
	Source *Task
	Exit   *TaskExit
}

func (e *LinkedKilled) LinkedSource() *Task { return e.Source }
func (e *LinkedKilled) Error() string {
	return fmt.Sprintf("task %d: linked task exited via %v", e.Source.ID(), e.Exit)
}

// LinkedFailed is injected into a linked task when the observed task died
// from an unhandled error.
type LinkedFailed struct {
	Source *Task
	Cause  error
}

func (e *LinkedFailed) LinkedSource() *Task { return e.Source }
func (e *LinkedFailed) Unwrap() error       { return e.Cause }
func (e *LinkedFailed) Error() string {
	return fmt.Sprintf("task %d: linked task failed: %v", e.Source.ID(), e.Cause)
}

// classifyLinkedExit builds the LinkedExitedError to inject into a linked
// task, given the task whose termination triggered it. src must be ready.
func classifyLinkedExit(src *Task) LinkedExitedError {
	if src.Successful() {
		if ev, isErr := src.Value().(error); isErr {
			if te, ok := AsTaskExit(ev); ok {
				return &LinkedKilled{Source: src, Exit: te}
			}
		}
		return &LinkedCompleted{Source: src}
	}
	return &LinkedFailed{Source: src, Cause: src.Exception()}
}

// ErrTaskAlreadyStarted is the panic value used when Start (or
// StartLater) is called more than once on the same task; spec.md treats
// double-start as a programmer error (an assertion failure), not a
// recoverable runtime condition.
var ErrTaskAlreadyStarted = errors.New("task: already started")

// ErrNoCurrentTask is the panic value used when Link/LinkValue/
// LinkException is called with a nil receiver from a context that carries
// no current task (see CurrentTask).
var ErrNoCurrentTask = errors.New("task: Link(ctx, nil) called outside of any task body")
