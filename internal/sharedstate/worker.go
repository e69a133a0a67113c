package sharedstate

import (
	"fmt"
	"time"
)

// WorkerKind identifies which role a WorkerSlot's child process plays,
// per the roster enumerated in spec.md §4.4.
type WorkerKind int

const (
	QueryWorker WorkerKind = iota
	PCPWorker
	GenericWorker
	LogCollector
	WatchdogChild
	WatchdogLifecheck
	HealthCheckWorker
	FollowPrimaryChild
)

func (k WorkerKind) String() string {
	switch k {
	case QueryWorker:
		return "query_worker"
	case PCPWorker:
		return "pcp_worker"
	case GenericWorker:
		return "generic_worker"
	case LogCollector:
		return "log_collector"
	case WatchdogChild:
		return "watchdog"
	case WatchdogLifecheck:
		return "watchdog_lifecheck"
	case HealthCheckWorker:
		return "health_check"
	case FollowPrimaryChild:
		return "follow_primary"
	default:
		return "unknown"
	}
}

// ParseWorkerKind is String's inverse, used by the re-exec'd worker
// subcommand to recover which role it should run from its argv.
func ParseWorkerKind(s string) (WorkerKind, error) {
	for _, k := range []WorkerKind{QueryWorker, PCPWorker, GenericWorker, LogCollector, WatchdogChild, WatchdogLifecheck, HealthCheckWorker, FollowPrimaryChild} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown worker kind %q", s)
}

// ConnectionInfo is one pooled connection slot held by a query worker,
// per spec.md §3's per_pool_connection_info entries.
type ConnectionInfo struct {
	Connected         bool
	LoadBalancingNode int
	BackendPID        int32
}

// WorkerSlot tracks one child process managed by the Worker Registry.
type WorkerSlot struct {
	Kind        WorkerKind
	Index       int // 0-based index within its kind's roster (e.g. which query worker)
	PID         int
	StartedAt   time.Time
	NeedRestart bool

	// ConnectionInfo is P x N: pool depth by backend count. Only
	// meaningful for QueryWorker slots.
	ConnectionInfo [][]ConnectionInfo
}

// HasConnectionTo reports whether any pool slot of this worker holds a
// live connection load-balanced to the given backend id, the test used
// by the Failover Engine's selective-restart decision (spec.md §4.5
// step 6).
func (w *WorkerSlot) HasConnectionTo(backendID int) bool {
	for _, pool := range w.ConnectionInfo {
		for _, ci := range pool {
			if ci.Connected && ci.LoadBalancingNode == backendID {
				return true
			}
		}
	}
	return false
}
