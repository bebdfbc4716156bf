package task

import (
	"sync"

	"github.com/joeycumines/go-tasker/hub"
)

var (
	defaultHubOnce sync.Once
	defaultHubRef  *hub.Hub
)

// DefaultHub returns a lazily-initialized package-level hub, started on
// first use. It exists purely for ergonomic top-level spawning (mirroring
// gevent's own get_hub() singleton, spec.md's glossary); tests and
// applications that care about isolation should construct their own
// hub.Hub and use Spawn/NewTask with it explicitly instead.
func DefaultHub() *hub.Hub {
	defaultHubOnce.Do(func() { defaultHubRef = hub.New() })
	return defaultHubRef
}

// SpawnDefault is Spawn against DefaultHub().
func SpawnDefault(run RunFunc, args ...any) *Task {
	return Spawn(DefaultHub(), run, args...)
}
