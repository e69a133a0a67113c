package sharedstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/offsoc/pgpool2/internal/queue"
)

// FollowPrimaryState is the process-wide follow-primary lock state
// described in spec.md §4.7. It is guarded by Region's
// followPrimaryMu (the Go stand-in for FOLLOW_PRIMARY_SEM).
type FollowPrimaryState struct {
	Ongoing      bool
	Count        int // 0 (free) or 1 (held)
	HeldRemotely bool
	LockPending  bool
}

// Region is the Go stand-in for spec.md §4.1's Shared State Region: a
// single allocation, fixed at startup, holding everything the
// supervisor and its workers need to agree on. Field groups are
// guarded by distinct named mutexes mirroring the source's semaphores:
//
//   - requestInfoMu ("REQUEST_INFO_SEM"): mainNodeID, primaryNodeID,
//     and (indirectly, via *queue.RequestQueue's own mutex) the queue
//     and switching flag.
//   - mainExitMu ("MAIN_EXIT_HANDLER_SEM"): at-most-once shutdown.
//   - followPrimaryMu ("FOLLOW_PRIMARY_SEM"): FollowPrimaryState.
//
// Backend status writes are supervisor-only (Failover Engine or
// Watchdog Sync) and are guarded by backendMu purely to make
// concurrent reads from the HTTP status endpoint and tests race-free;
// spec.md does not require a distinct semaphore for this because the
// source's supervisor is single-threaded.
type Region struct {
	Backends []BackendDescriptor
	backendMu sync.RWMutex

	Workers  []WorkerSlot
	workerMu sync.Mutex

	Signals SignalSlot

	Queue *queue.RequestQueue

	requestInfoMu sync.Mutex
	mainNodeID    int
	primaryNodeID int

	followPrimaryMu sync.Mutex
	followPrimary   FollowPrimaryState

	mainExitMu sync.Mutex
	exiting    bool
}

// Config carries the fixed-size parameters used to allocate a Region,
// mirroring spec.md §4.1 ("size is fixed at startup; no runtime growth").
type Config struct {
	NumBackends  int
	QueueCap     int
	NumQueryWorkers int
	PoolDepth    int // P, per-worker connection pool depth
}

// NewRegion allocates a Region sized per cfg. All backends start
// UNUSED with no role; callers populate BackendDescriptor fields (host,
// port, flags) before starting the supervisor loop.
func NewRegion(cfg Config) *Region {
	r := &Region{
		Backends: make([]BackendDescriptor, cfg.NumBackends),
		Workers:  make([]WorkerSlot, cfg.NumQueryWorkers),
		Queue:    queue.NewRequestQueue(cfg.QueueCap),
		mainNodeID:    -1,
		primaryNodeID: -1,
	}
	for i := range r.Backends {
		r.Backends[i].ID = i
		r.Backends[i].Status = Unused
	}
	for i := range r.Workers {
		r.Workers[i] = WorkerSlot{
			Kind:           QueryWorker,
			Index:          i,
			ConnectionInfo: make([][]ConnectionInfo, cfg.PoolDepth),
		}
		for p := range r.Workers[i].ConnectionInfo {
			r.Workers[i].ConnectionInfo[p] = make([]ConnectionInfo, cfg.NumBackends)
		}
	}
	return r
}

// WithBackend runs fn with exclusive access to the backend at id.
// Returns an error if id is out of range, satisfying spec.md §4.5
// step 1's "reject with a warning if node_id is out of range."
func (r *Region) WithBackend(id int, fn func(b *BackendDescriptor)) error {
	r.backendMu.Lock()
	defer r.backendMu.Unlock()
	if id < 0 || id >= len(r.Backends) {
		return fmt.Errorf("backend id %d out of range [0,%d)", id, len(r.Backends))
	}
	fn(&r.Backends[id])
	return nil
}

// Backend returns a copy of the backend descriptor at id.
func (r *Region) Backend(id int) (BackendDescriptor, error) {
	r.backendMu.RLock()
	defer r.backendMu.RUnlock()
	if id < 0 || id >= len(r.Backends) {
		return BackendDescriptor{}, fmt.Errorf("backend id %d out of range [0,%d)", id, len(r.Backends))
	}
	return r.Backends[id], nil
}

// AllBackends returns a snapshot copy of every backend descriptor.
func (r *Region) AllBackends() []BackendDescriptor {
	r.backendMu.RLock()
	defer r.backendMu.RUnlock()
	out := make([]BackendDescriptor, len(r.Backends))
	copy(out, r.Backends)
	return out
}

// SetBackendStatus updates status and unconditionally stamps
// StatusChangedAt, satisfying spec.md §3's monotonic-update invariant.
func (r *Region) SetBackendStatus(id int, status BackendStatus, now time.Time) error {
	return r.WithBackend(id, func(b *BackendDescriptor) {
		b.Status = status
		b.StatusChangedAt = now
	})
}

// MainNodeID returns the current main node id under requestInfoMu.
func (r *Region) MainNodeID() int {
	r.requestInfoMu.Lock()
	defer r.requestInfoMu.Unlock()
	return r.mainNodeID
}

// SetMainNodeID sets the main node id under requestInfoMu.
func (r *Region) SetMainNodeID(id int) {
	r.requestInfoMu.Lock()
	r.mainNodeID = id
	r.requestInfoMu.Unlock()
}

// PrimaryNodeID returns the current primary node id under requestInfoMu.
func (r *Region) PrimaryNodeID() int {
	r.requestInfoMu.Lock()
	defer r.requestInfoMu.Unlock()
	return r.primaryNodeID
}

// SetPrimaryNodeID sets the primary node id under requestInfoMu.
func (r *Region) SetPrimaryNodeID(id int) {
	r.requestInfoMu.Lock()
	r.primaryNodeID = id
	r.requestInfoMu.Unlock()
}

// FollowPrimary returns a copy of the follow-primary lock state.
func (r *Region) FollowPrimary() FollowPrimaryState {
	r.followPrimaryMu.Lock()
	defer r.followPrimaryMu.Unlock()
	return r.followPrimary
}

// WithFollowPrimary runs fn with exclusive access to the follow-primary
// lock state, the Go stand-in for holding FOLLOW_PRIMARY_SEM.
func (r *Region) WithFollowPrimary(fn func(*FollowPrimaryState)) {
	r.followPrimaryMu.Lock()
	defer r.followPrimaryMu.Unlock()
	fn(&r.followPrimary)
}

// TryBeginExit atomically transitions the region into "exiting" state,
// returning false if some other caller already began shutdown. This is
// the Go stand-in for MAIN_EXIT_HANDLER_SEM's at-most-once guarantee.
func (r *Region) TryBeginExit() bool {
	r.mainExitMu.Lock()
	defer r.mainExitMu.Unlock()
	if r.exiting {
		return false
	}
	r.exiting = true
	return true
}

// Exiting reports whether shutdown has begun.
func (r *Region) Exiting() bool {
	r.mainExitMu.Lock()
	defer r.mainExitMu.Unlock()
	return r.exiting
}

// WithWorkers runs fn with exclusive access to the worker slot table.
func (r *Region) WithWorkers(fn func([]WorkerSlot)) {
	r.workerMu.Lock()
	defer r.workerMu.Unlock()
	fn(r.Workers)
}

// Worker returns a copy of the worker slot at index i.
func (r *Region) Worker(i int) (WorkerSlot, error) {
	r.workerMu.Lock()
	defer r.workerMu.Unlock()
	if i < 0 || i >= len(r.Workers) {
		return WorkerSlot{}, fmt.Errorf("worker slot %d out of range [0,%d)", i, len(r.Workers))
	}
	return r.Workers[i], nil
}
