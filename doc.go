// Package task implements a cooperative task runtime: lightweight,
// hub-scheduled units of work ("tasks") with result/error capture, a
// completion-linkage model that lets tasks observe each other's
// termination, and a bounded pool built on top.
//
// Tasks run on real goroutines rather than simulating single-threaded
// cooperative stack switching; the [github.com/joeycumines/go-tasker/hub]
// package plays the role of the external "hub" the design is built
// around, serializing start scheduling and completion-link dispatch so the
// ordering guarantees described in SPEC_FULL.md continue to hold even
// though task bodies themselves execute concurrently. See SPEC_FULL.md and
// DESIGN.md for the full design rationale.
package task
