// Package registry implements the Worker Registry & Lifecycle
// component of SPEC_FULL.md §4.4/§2: it owns every child process the
// supervisor forks, reaps them on SIGCHLD, and decides whether an
// exited child gets respawned.
package registry

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// Exit codes a worker's own main() may use to signal an unusual exit,
// grounded on original_source/src/main/pgpool_main.c's POOL_EXIT_FATAL
// / POOL_EXIT_NO_RESTART.
const (
	ExitFatal     = 1
	ExitNoRestart = 2
)

// Spawner launches one child process of kind at index and returns its
// PID. Registered per WorkerKind so tests can substitute fakes instead
// of real os/exec forks.
type Spawner func(ctx context.Context, kind sharedstate.WorkerKind, index int) (pid int, wait <-chan WaitResult, err error)

// ControlSocketPusher lets the registry push a restart/wake frame down
// a worker's control-socket connection alongside the OS signal that
// remains authoritative; a worker with no live control-socket
// connection simply never sees the frame.
type ControlSocketPusher interface {
	PushRestart(kind sharedstate.WorkerKind, index int) error
	PushWake(kind sharedstate.WorkerKind, index int) error
}

// WaitResult is delivered on a Spawner's wait channel when the child
// process exits.
type WaitResult struct {
	ExitCode int
	Signal   syscall.Signal
	Signaled bool
	Err      error
}

// Registry owns the process table backing every sharedstate.WorkerSlot
// plus the singleton PCP worker, generic worker, log collector, and
// watchdog children (tracked outside the slot array because they have
// no per-kind roster position beyond one).
type Registry struct {
	Region *sharedstate.Region
	Spawn  Spawner

	// Signal delivers sig to pid. Defaults to syscall.Kill; overridden
	// in tests so process-lifecycle unit tests never touch real PIDs.
	Signal func(pid int, sig syscall.Signal) error

	mu sync.Mutex

	pcpPID       int
	genericPID   int
	loggerPID    int
	watchdogPID  int
	lifecheckPID int
	followPID    int

	waiters map[int]<-chan WaitResult

	// UseWatchdog gates whether watchdog/lifecheck children are part of
	// the roster at all, per spec.md §4.4 ("optional").
	UseWatchdog bool

	// ControlSocket is optional; when set, killAndRefork and
	// SendSIGUSR1ToQueryWorkers also push a restart/wake frame down the
	// worker's control-socket connection.
	ControlSocket ControlSocketPusher

	needsWatchdogCleanup bool
}

// New builds a Registry bound to region. spawn is called for every
// process this registry starts, including the initial fleet.
func New(region *sharedstate.Region, spawn Spawner, useWatchdog bool) *Registry {
	return &Registry{
		Region:      region,
		Spawn:       spawn,
		Signal:      syscall.Kill,
		UseWatchdog: useWatchdog,
		waiters:     make(map[int]<-chan WaitResult),
		pcpPID:      -1, genericPID: -1, loggerPID: -1, watchdogPID: -1, lifecheckPID: -1, followPID: -1,
	}
}

// StartFleet forks the initial roster: every query worker slot, the
// PCP worker, the generic worker, the log collector, and (if enabled)
// the watchdog and lifecheck children. Health-check workers are
// started separately by StartHealthCheckWorkers once the backend set
// is known, and the follow-primary child is only ever forked by the
// Failover Engine via SpawnFollowPrimary.
func (reg *Registry) StartFleet(ctx context.Context) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for i := range reg.Region.Workers {
		pid, wait, err := reg.fork(ctx, sharedstate.QueryWorker, i)
		if err != nil {
			return fmt.Errorf("fork query worker %d: %w", i, err)
		}
		reg.Region.Workers[i].PID = pid
		reg.Region.Workers[i].StartedAt = time.Now()
		reg.waiters[pid] = wait
	}

	var err error
	if reg.pcpPID, err = reg.forkSingleton(ctx, sharedstate.PCPWorker, &reg.pcpPID); err != nil {
		return err
	}
	if reg.genericPID, err = reg.forkSingleton(ctx, sharedstate.GenericWorker, &reg.genericPID); err != nil {
		return err
	}
	if reg.loggerPID, err = reg.forkSingleton(ctx, sharedstate.LogCollector, &reg.loggerPID); err != nil {
		return err
	}
	if reg.UseWatchdog {
		if reg.watchdogPID, err = reg.forkSingleton(ctx, sharedstate.WatchdogChild, &reg.watchdogPID); err != nil {
			return err
		}
		if reg.lifecheckPID, err = reg.forkSingleton(ctx, sharedstate.WatchdogLifecheck, &reg.lifecheckPID); err != nil {
			return err
		}
	}
	return nil
}

// StartHealthCheckWorkers forks one health-check worker per currently
// valid backend, per spec.md §4.4's "up to N" roster entry.
func (reg *Registry) StartHealthCheckWorkers(ctx context.Context, backends []sharedstate.BackendDescriptor) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, b := range backends {
		if !b.IsAddressable() {
			continue
		}
		pid, wait, err := reg.fork(ctx, sharedstate.HealthCheckWorker, b.ID)
		if err != nil {
			return fmt.Errorf("fork health check worker for backend %d: %w", b.ID, err)
		}
		reg.waiters[pid] = wait
	}
	return nil
}

// SpawnFollowPrimary forks the short-lived follow-primary child, per
// spec.md §4.5 step 8. It refuses a second concurrent child, matching
// "at most one follow-primary child at a time."
func (reg *Registry) SpawnFollowPrimary(ctx context.Context) (int, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.followPID > 0 {
		return 0, fmt.Errorf("follow-primary child already running (pid %d)", reg.followPID)
	}
	pid, wait, err := reg.fork(ctx, sharedstate.FollowPrimaryChild, 0)
	if err != nil {
		return 0, fmt.Errorf("fork follow-primary child: %w", err)
	}
	reg.followPID = pid
	reg.waiters[pid] = wait
	return pid, nil
}

func (reg *Registry) forkSingleton(ctx context.Context, kind sharedstate.WorkerKind, slot *int) (int, error) {
	pid, wait, err := reg.fork(ctx, kind, 0)
	if err != nil {
		return *slot, fmt.Errorf("fork %s: %w", kind.String(), err)
	}
	reg.waiters[pid] = wait
	return pid, nil
}

// fork applies the fork policy from spec.md §4.4: starting the child
// is Spawn's job (the real one, internal/execspawn, re-execs the
// binary in its own process group via syscall.SysProcAttr{Setpgid:
// true}); this method's job is bookkeeping only. A spawn failure is fatal, per the
// same section.
func (reg *Registry) fork(ctx context.Context, kind sharedstate.WorkerKind, index int) (int, <-chan WaitResult, error) {
	pid, wait, err := reg.Spawn(ctx, kind, index)
	if err != nil {
		return 0, nil, err
	}
	klog.InfoS("registry: forked child", "kind", kind.String(), "index", index, "pid", pid)
	return pid, wait, nil
}

// RestartAll implements the Failover Engine's full-restart scope
// decision (spec.md §4.5 step 6): every query worker is killed and
// immediately re-forked, matching the source's kill(SIGQUIT)+
// fork_a_child sequence rather than a lazy self-exit, since a full
// restart means the entire backend view changed under every worker.
func (reg *Registry) RestartAll() {
	ctx := context.Background()
	reg.Region.WithWorkers(func(workers []sharedstate.WorkerSlot) {
		for i := range workers {
			reg.killAndRefork(ctx, &workers[i])
		}
	})
}

// RestartSelective implements spec.md §4.5 step 6's selective-restart
// rule: query-worker slots holding a live connection load-balanced to
// targetNodeID are killed and re-forked immediately; every other slot
// is left running with need_restart set so it self-exits later.
func (reg *Registry) RestartSelective(targetNodeID int) {
	ctx := context.Background()
	reg.Region.WithWorkers(func(workers []sharedstate.WorkerSlot) {
		for i := range workers {
			if workers[i].HasConnectionTo(targetNodeID) {
				reg.killAndRefork(ctx, &workers[i])
			} else {
				workers[i].NeedRestart = true
			}
		}
	})
}

// UpdateConnectionInfo records a query worker's self-reported pool
// slot state, arriving over the control socket's connection_info
// frame (SPEC_FULL.md §6). It is the live populator behind
// WorkerSlot.HasConnectionTo, which RestartSelective otherwise has no
// way to answer outside of tests.
func (reg *Registry) UpdateConnectionInfo(kind sharedstate.WorkerKind, index, pool, backend int, connected bool) {
	if kind != sharedstate.QueryWorker {
		return
	}
	reg.Region.WithWorkers(func(workers []sharedstate.WorkerSlot) {
		if index < 0 || index >= len(workers) {
			return
		}
		w := &workers[index]
		if pool < 0 || pool >= len(w.ConnectionInfo) || backend < 0 || backend >= len(w.ConnectionInfo[pool]) {
			return
		}
		w.ConnectionInfo[pool][backend].Connected = connected
		w.ConnectionInfo[pool][backend].LoadBalancingNode = backend
	})
}

func (reg *Registry) killAndRefork(ctx context.Context, w *sharedstate.WorkerSlot) {
	if reg.ControlSocket != nil {
		_ = reg.ControlSocket.PushRestart(sharedstate.QueryWorker, w.Index)
	}
	if w.PID > 0 {
		if err := reg.signalPID(w.PID, syscall.SIGQUIT); err != nil {
			klog.ErrorS(err, "registry: failed to signal query worker for restart", "pid", w.PID)
		}
	}
	pid, wait, err := reg.fork(ctx, sharedstate.QueryWorker, w.Index)
	if err != nil {
		klog.ErrorS(err, "registry: failed to re-fork query worker", "index", w.Index)
		w.NeedRestart = true
		return
	}
	reg.mu.Lock()
	reg.waiters[pid] = wait
	reg.mu.Unlock()
	w.PID = pid
	w.StartedAt = time.Now()
	w.NeedRestart = false
}

// SendSIGUSR1ToQueryWorkers implements CLOSE_IDLE (spec.md §4.5 step
// 3): every query worker gets SIGUSR1 so it drops idle-in-transaction
// backend connections at its own discretion, without any state change
// or restart.
func (reg *Registry) SendSIGUSR1ToQueryWorkers() {
	for _, w := range reg.Region.Workers {
		if reg.ControlSocket != nil {
			_ = reg.ControlSocket.PushWake(sharedstate.QueryWorker, w.Index)
		}
		if w.PID <= 0 {
			continue
		}
		if err := reg.signalPID(w.PID, syscall.SIGUSR1); err != nil {
			klog.ErrorS(err, "registry: failed to signal query worker", "pid", w.PID)
		}
	}
}

// RestartPCPWorker implements step 9: signal the old PCP worker, wait
// for it, fork a fresh one. The wait is delegated to the reaper: this
// just sends the termination signal and lets the ordinary reap path
// respawn it, since pgpool's own PCP restart is itself reaper-driven.
func (reg *Registry) RestartPCPWorker() {
	reg.mu.Lock()
	pid := reg.pcpPID
	reg.mu.Unlock()
	if pid <= 0 {
		return
	}
	if err := reg.signalPID(pid, syscall.SIGTERM); err != nil {
		klog.ErrorS(err, "registry: failed to signal PCP worker for restart", "pid", pid)
	}
}

func (reg *Registry) signalPID(pid int, sig syscall.Signal) error {
	return reg.Signal(pid, sig)
}

// MarkAllNeedRestart implements the "no immediate restart" case of
// step 6: every slot gets need_restart without any signal being sent,
// so each worker exits on its own at its next convenient point.
func (reg *Registry) MarkAllNeedRestart() {
	reg.Region.WithWorkers(func(workers []sharedstate.WorkerSlot) {
		for i := range workers {
			workers[i].NeedRestart = true
		}
	})
}

// exitClass is the reaper's classification of one child's exit, per
// spec.md §4.4's reaper algorithm.
type exitClass int

const (
	exitNormal exitClass = iota
	exitFatalPropagate
	exitNoRestart
	exitBySignal
)

func classify(w WaitResult) exitClass {
	if w.Signaled {
		return exitBySignal
	}
	switch w.ExitCode {
	case ExitFatal:
		return exitFatalPropagate
	case ExitNoRestart:
		return exitNoRestart
	default:
		return exitNormal
	}
}

// Reap implements spec.md §4.4's reaper: given one exited child's pid
// and wait status, classify the exit, log signal-caused exits at
// WARNING for SIGSEGV/SIGKILL, match the pid against every known
// singleton and roster slot, and respawn unless respawn is currently
// suppressed by switching/exiting (in which case the slot is marked
// need_restart instead) or the exit was FATAL/NO_RESTART.
//
// shutdownRequested is returned true when a FATAL exit means the
// supervisor itself must now terminate.
func (reg *Registry) Reap(ctx context.Context, pid int, result WaitResult) (shutdownRequested bool) {
	class := classify(result)

	switch class {
	case exitFatalPropagate:
		klog.ErrorS(result.Err, "registry: child exited FATAL, supervisor will shut down", "pid", pid)
		return true
	case exitBySignal:
		if result.Signal == syscall.SIGSEGV || result.Signal == syscall.SIGKILL {
			klog.Warning("registry: child terminated abnormally", "pid", pid, "signal", result.Signal.String())
		} else {
			klog.InfoS("registry: child terminated by signal", "pid", pid, "signal", result.Signal.String())
		}
	case exitNoRestart:
		klog.InfoS("registry: child exited without requesting restart", "pid", pid)
	default:
		klog.InfoS("registry: child exited", "pid", pid, "code", result.ExitCode)
	}

	restart := class != exitNoRestart && class != exitFatalPropagate
	suppressed := reg.Region.Queue.Switching() || reg.Region.Exiting()

	reg.mu.Lock()
	switch pid {
	case reg.pcpPID:
		reg.reapSingleton(ctx, &reg.pcpPID, sharedstate.PCPWorker, restart, suppressed)
		reg.mu.Unlock()
		return false
	case reg.genericPID:
		reg.reapSingleton(ctx, &reg.genericPID, sharedstate.GenericWorker, restart, suppressed)
		reg.mu.Unlock()
		return false
	case reg.loggerPID:
		reg.reapSingleton(ctx, &reg.loggerPID, sharedstate.LogCollector, restart, suppressed)
		reg.mu.Unlock()
		return false
	case reg.watchdogPID:
		if class == exitBySignal {
			reg.needsWatchdogCleanup = true
		}
		reg.reapSingleton(ctx, &reg.watchdogPID, sharedstate.WatchdogChild, restart, suppressed)
		reg.mu.Unlock()
		return false
	case reg.lifecheckPID:
		reg.reapSingleton(ctx, &reg.lifecheckPID, sharedstate.WatchdogLifecheck, restart, suppressed)
		reg.mu.Unlock()
		return false
	case reg.followPID:
		reg.followPID = 0
		reg.mu.Unlock()
		return false
	}
	reg.mu.Unlock()

	reg.reapWorkerSlot(ctx, pid, restart, suppressed)
	return false
}

func (reg *Registry) reapSingleton(ctx context.Context, slot *int, kind sharedstate.WorkerKind, restart, suppressed bool) {
	if !restart {
		*slot = 0
		return
	}
	if suppressed {
		// singletons have no NeedRestart bit of their own; a zeroed pid
		// means StartFleet's caller must notice and respawn once
		// switching/exiting clears, mirroring the worker-slot behavior.
		*slot = 0
		return
	}
	pid, wait, err := reg.fork(ctx, kind, 0)
	if err != nil {
		klog.ErrorS(err, "registry: failed to respawn singleton", "kind", kind.String())
		*slot = 0
		return
	}
	reg.waiters[pid] = wait
	*slot = pid
}

func (reg *Registry) reapWorkerSlot(ctx context.Context, pid int, restart, suppressed bool) {
	found := false
	reg.Region.WithWorkers(func(workers []sharedstate.WorkerSlot) {
		for i := range workers {
			if workers[i].PID != pid {
				continue
			}
			found = true
			if !restart || suppressed {
				workers[i].PID = 0
				if restart {
					workers[i].NeedRestart = true
				}
				return
			}
			newPID, wait, err := reg.fork(ctx, workers[i].Kind, workers[i].Index)
			if err != nil {
				klog.ErrorS(err, "registry: failed to respawn worker", "kind", workers[i].Kind.String(), "index", workers[i].Index)
				workers[i].PID = 0
				workers[i].NeedRestart = true
				return
			}
			reg.mu.Lock()
			reg.waiters[newPID] = wait
			reg.mu.Unlock()
			workers[i].PID = newPID
			workers[i].StartedAt = time.Now()
			workers[i].NeedRestart = false
			return
		}
	})
	if !found {
		klog.InfoS("registry: reaped pid did not match any known slot", "pid", pid)
	}
}

// Shutdown implements spec.md §5's shutdown fan-out: every tracked
// child except the log collector is sent sig, with the follow-primary
// child (and, on the real fork/exec Spawner, its process group)
// signaled last so a mid-flight follow-primary run is not cut off
// before its peers.
func (reg *Registry) Shutdown(sig syscall.Signal) {
	reg.mu.Lock()
	pids := make([]int, 0, len(reg.Region.Workers)+5)
	for _, pid := range []int{reg.pcpPID, reg.genericPID, reg.watchdogPID, reg.lifecheckPID} {
		if pid > 0 {
			pids = append(pids, pid)
		}
	}
	followPID := reg.followPID
	reg.mu.Unlock()

	reg.Region.WithWorkers(func(workers []sharedstate.WorkerSlot) {
		for i := range workers {
			if workers[i].PID > 0 {
				pids = append(pids, workers[i].PID)
			}
		}
	})

	for _, pid := range pids {
		if err := reg.signalPID(pid, sig); err != nil {
			klog.ErrorS(err, "registry: failed to signal child during shutdown", "pid", pid)
		}
	}

	if followPID > 0 {
		if err := reg.signalPID(followPID, sig); err != nil {
			klog.ErrorS(err, "registry: failed to signal follow-primary child during shutdown", "pid", followPID)
		}
	}
}

// DrainExits reaps every child whose wait channel already holds a
// result, without blocking on children still running. The main loop
// calls this once per sigchld_request, since Go's os/exec already
// performs the actual wait4 inside each Spawner's own goroutine; this
// only fans those results into Reap.
func (reg *Registry) DrainExits(ctx context.Context) (shutdownRequested bool) {
	reg.mu.Lock()
	ready := make(map[int]WaitResult)
	for pid, wait := range reg.waiters {
		select {
		case res := <-wait:
			ready[pid] = res
			delete(reg.waiters, pid)
		default:
		}
	}
	reg.mu.Unlock()

	for pid, res := range ready {
		if reg.Reap(ctx, pid, res) {
			shutdownRequested = true
		}
	}
	return shutdownRequested
}

// AllReaped reports whether every spawned child this registry knows
// about has already been reaped, used by the shutdown loop to stop
// polling once the tree is empty rather than waiting out the full
// grace period.
func (reg *Registry) AllReaped() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.waiters) == 0
}

// NeedsWatchdogCleanup reports whether the last watchdog child exit
// was signal-caused, so the freshly respawned watchdog knows to
// recover state, per spec.md §4.4 step 2's cleanup flag.
func (reg *Registry) NeedsWatchdogCleanup() bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	v := reg.needsWatchdogCleanup
	reg.needsWatchdogCleanup = false
	return v
}
