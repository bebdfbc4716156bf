package task

import "context"

// JoinAll blocks until every task in tasks is ready, or ctx is done.
//
// If raiseError is true and any task failed, JoinAll returns that task's
// exception as soon as it is observed; the remaining tasks' completions
// are not waited on. Matches spec.md section 4.3's joinall: the original
// registers a raw link on every task and drains a FIFO queue of exactly
// len(tasks) completions, short-circuiting on the first failure.
func JoinAll(ctx context.Context, tasks []*Task, raiseError bool) error {
	if len(tasks) == 0 {
		return nil
	}

	// Tasks already ready never need a link registered; fast-path them so
	// a call made after everything finished doesn't pay any setup cost.
	pending := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Ready() {
			if raiseError && !t.Successful() {
				return t.Exception()
			}
			continue
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return nil
	}

	arrived := make(chan *Task, len(pending))
	onDone := func(t *Task) { arrived <- t }

	for _, t := range pending {
		t.RawLink(onDone)
	}
	defer func() {
		for _, t := range pending {
			t.Unlink(onDone)
		}
	}()

	remaining := len(pending)
	for remaining > 0 {
		select {
		case t := <-arrived:
			remaining--
			if raiseError && !t.Successful() {
				return t.Exception()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
