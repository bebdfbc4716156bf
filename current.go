package task

import "context"

type currentTaskKey struct{}

// withCurrentTask returns a context identifying t as the task executing
// within it. Task bodies are always run with such a context; it is what
// lets Link resolve "the caller" without a global goroutine registry.
func withCurrentTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, currentTaskKey{}, t)
}

// CurrentTask returns the task whose body is executing in ctx, or nil if
// ctx was not derived from one (e.g. it originates outside any task, such
// as an application's main goroutine).
func CurrentTask(ctx context.Context) *Task {
	t, _ := ctx.Value(currentTaskKey{}).(*Task)
	return t
}
