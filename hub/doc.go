// Package hub implements the minimal event-loop contract the task runtime
// depends on: a single goroutine that serializes "run at the next tick"
// callbacks and fires delay-scheduled callbacks from a timer heap, each
// scheduling call returning a cancellable handle.
//
// It intentionally does not poll file descriptors or otherwise integrate
// with async I/O; that responsibility belongs outside this package (see
// SPEC_FULL.md section E). The design borrows the shape of a production
// event loop (a dedicated goroutine, a mutex-guarded double-buffered ingress
// queue, a min-heap of timers, and a single wakeup channel) while dropping
// the I/O-polling and micro-optimized fast paths that aren't needed here.
package hub
