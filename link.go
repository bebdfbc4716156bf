package task

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"runtime/debug"

	"github.com/joeycumines/go-tasker/hub"
)

// linkPolicy selects which outcomes a link fires for.
type linkPolicy uint8

const (
	policyAny linkPolicy = iota
	policySuccess
	policyFailure
)

func (p linkPolicy) fires(src *Task) bool {
	switch p {
	case policySuccess:
		return src.Successful()
	case policyFailure:
		return !src.Successful()
	default:
		return true
	}
}

// link is the unified representation of the six link variants from
// SPEC_FULL.md section 4.2 (SpawnedLink/TaskLink crossed with
// any/success/failure), plus the policy-free raw callback used internally
// by TaskSet.Add and Pool's admission bookkeeping.
type link struct {
	policy linkPolicy

	// exactly one of callback/target is set.
	callback func(*Task)
	target   *Task

	// spawned selects SpawnedLink-style dispatch (run in a fresh task) over
	// TaskLink-style dispatch (inject a LinkedExitedError).
	spawned bool

	hub *hub.Hub
}

// key identifies a link for the set's dedup-by-target semantics: two
// registrations for the same callback or the same target task coalesce
// into one, regardless of policy, matching "membership keyed by equals on
// the link's underlying target" (SPEC_FULL.md / spec.md section 3.1).
//
// Plain Go function values aren't comparable, so callback identity is
// approximated with its code pointer via reflection; two distinct closures
// over the same function literal will collide. This is a documented
// limitation (see DESIGN.md), not a correctness requirement of the spec.
func (l link) key() any {
	if l.target != nil {
		return l.target
	}
	return reflect.ValueOf(l.callback).Pointer()
}

// invoke runs the link's effect for the terminated source task src. It
// always executes on the hub goroutine (notifyLinks is only ever scheduled
// via hub.ActiveEvent), matching the "Can be called only from main loop"
// contract of every link variant in the source design.
func (l link) invoke(src *Task) {
	if !l.policy.fires(src) {
		return
	}
	if l.target != nil {
		l.invokeTaskLink(src)
		return
	}
	if l.spawned {
		l.invokeSpawnedLink(src)
		return
	}
	l.callback(src)
}

// invokeSpawnedLink runs the callback in a fresh, hub-parented task,
// started immediately.
func (l link) invokeSpawnedLink(src *Task) {
	Spawn(l.hub, func(context.Context, []any, map[string]any) (any, error) {
		l.callback(src)
		return nil, nil
	})
}

// invokeTaskLink injects the classified LinkedExitedError into the target
// task. Dispatch always happens from the hub goroutine (see invoke's
// comment above), so the "current is the hub" branch of the source design
// is the only reachable one here; the "schedule an asynchronous kill"
// branch is unreachable by construction and is not reproduced (see
// DESIGN.md).
func (l link) invokeTaskLink(src *Task) {
	err := classifyLinkedExit(src)
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "task: panic notifying linked task %d: %v\n%s\n", l.target.ID(), r, debug.Stack())
		}
	}()
	l.target.Throw(err)
}

// linkSet is the "unordered set of link objects" from spec.md section 3.1.
// It is guarded by the owning Task's mutex; see Task.links.
type linkSet map[any]link

func (s linkSet) add(l link) {
	s[l.key()] = l
}

func (s linkSet) remove(key any) {
	delete(s, key)
}
