// Package workerproc implements the per-role loop bodies the worker
// processes cmd/pgpool2 forks into run once they've re-exec'd off the
// supervisor path. Actual client/backend query proxying is out of
// scope (see spec.md §1 Non-goals): these loops give each roster
// entry from spec.md §4.4 a real, testable process identity without
// re-implementing the Postgres wire protocol.
package workerproc

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/config"
	"github.com/offsoc/pgpool2/internal/pgprobe"
	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/sharedstate"
	"github.com/offsoc/pgpool2/internal/workersock"
)

// HealthCheckInterval is how often the health-check worker reprobes
// every backend, matching spec.md §4.4's health_check_period default.
const HealthCheckInterval = 10 * time.Second

// Run blocks until ctx is cancelled or a terminal signal arrives,
// running kind's loop body. index identifies which roster slot this
// process fills (meaningful for QueryWorker/HealthCheckWorker, which
// have one process per backend or per pool child). controlSocketPath,
// when non-empty, is dialed so the worker can exchange frames with the
// supervisor over SPEC_FULL.md §6's control socket; a dial failure is
// logged and the worker falls back to its previous logged-only
// behavior rather than failing to start.
func Run(ctx context.Context, kind sharedstate.WorkerKind, index int, backends []config.Backend, controlSocketPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	klog.InfoS("workerproc: starting", "kind", kind.String(), "index", index, "pid", os.Getpid())
	defer klog.InfoS("workerproc: exiting", "kind", kind.String(), "index", index)

	var client *workersock.Client
	if controlSocketPath != "" {
		var err error
		client, err = workersock.Dial(controlSocketPath, kind, index)
		if err != nil {
			klog.ErrorS(err, "workerproc: failed to dial control socket, continuing without it", "kind", kind.String(), "index", index)
		} else {
			defer client.Close()
		}
	}

	switch kind {
	case sharedstate.HealthCheckWorker:
		return runHealthCheck(ctx, backends, client)
	case sharedstate.QueryWorker:
		return runQueryWorker(ctx, client)
	default:
		return runIdle(ctx)
	}
}

// runIdle is the loop body for every roster entry whose real work
// (PCP command handling, watchdog heartbeats, log collection) is
// delegated to the out-of-scope collaborators spec.md §1 excludes; it
// exists to give the process something to block on besides returning
// immediately, and to honor SIGTERM/SIGINT the way every other child
// in the roster must.
func runIdle(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// runQueryWorker blocks like runIdle (real query proxying is out of
// scope), but also listens for restart/wake frames pushed down the
// control socket: a restart frame makes the worker exit cleanly so the
// registry's normal reaper respawns it, the same outcome
// RestartSelective otherwise reaches via SIGQUIT.
func runQueryWorker(ctx context.Context, client *workersock.Client) error {
	if client == nil {
		<-ctx.Done()
		return nil
	}
	frames := client.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				<-ctx.Done()
				return nil
			}
			switch f.Type {
			case workersock.FrameRestart:
				klog.InfoS("workerproc: restart frame received, exiting for respawn")
				return nil
			case workersock.FrameWake:
				klog.V(2).InfoS("workerproc: wake frame received")
			}
		}
	}
}

// runHealthCheck probes every backend on HealthCheckInterval, tracking
// each backend's last known reachability so a transition can be
// reported over the control socket as a node_state frame (the live
// counterpart to what used to be a logged-only classification), per
// SPEC_FULL.md §6.
func runHealthCheck(ctx context.Context, backends []config.Backend, client *workersock.Client) error {
	ticker := time.NewTicker(HealthCheckInterval)
	defer ticker.Stop()

	lastUp := make(map[int]bool, len(backends))
	probeOnce(ctx, backends, client, lastUp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			probeOnce(ctx, backends, client, lastUp)
		}
	}
}

func probeOnce(ctx context.Context, backends []config.Backend, client *workersock.Client, lastUp map[int]bool) {
	for i, b := range backends {
		result, err := pgprobe.Probe(ctx, b.Host, b.Port, "template1", "", "")
		up := err == nil
		if err != nil {
			klog.V(2).InfoS("workerproc: health check probe failed", "host", b.Host, "port", b.Port, "error", err)
		} else {
			role := sharedstate.RolePrimary
			if result.InRecovery {
				role = sharedstate.RoleStandby
			}
			klog.V(2).InfoS("workerproc: health check probe ok", "host", b.Host, "port", b.Port, "role", role.String())
		}

		wasUp, known := lastUp[i]
		lastUp[i] = up
		if !known || wasUp == up || client == nil {
			continue
		}
		kind := queue.NodeDown
		if up {
			kind = queue.NodeUp
		}
		if err := client.RequestNodeState(kind, []int{i}); err != nil {
			klog.ErrorS(err, "workerproc: failed to report node state transition over control socket", "backend", i, "up", up)
		}
	}
}
