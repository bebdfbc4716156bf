package task

import "context"

// KillAll throws cause (ErrTaskExit if nil) into every non-ready task in
// tasks. Per-task delivery errors are not possible in this port (Throw
// never itself returns an error), matching spec.md section 7's "per-task
// errors during throw are caught and logged" intent: there is simply
// nothing here that can fail except the collective wait.
//
// If block is false, KillAll only schedules the throws and returns nil
// once they are enqueued (not necessarily delivered). If block is true,
// KillAll waits for every task to actually become ready, subject to ctx.
func KillAll(ctx context.Context, tasks []*Task, cause error, block bool) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		// Non-blocking Kill only schedules delivery via the hub; it never
		// itself fails, so the error return is always nil here.
		_ = t.Kill(ctx, cause, false)
	}
	if !block {
		return nil
	}
	return JoinAll(ctx, tasks, false)
}

// Diehards returns the subset of tasks whose goroutine is still running
// (Dead() is false) despite having had cause thrown into them. Grounded
// on original_source/pygevent's greenlet.py killall, whose blocking path
// rechecks each target's dead flag rather than its ready/successful
// state: a task can observe and swallow the injected cause and keep
// running, in which case it is "ready" in neither sense yet but is not
// dead either — it has simply chosen to ignore the kill signal.
func Diehards(tasks []*Task) []*Task {
	var out []*Task
	for _, t := range tasks {
		if !t.Dead() {
			out = append(out, t)
		}
	}
	return out
}
