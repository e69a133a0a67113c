// Package supervisor implements the Supervisor Main Loop described in
// SPEC_FULL.md §4.1/§4.3: startup sequencing, the self-pipe signal
// loop, and coordinated shutdown. It is the composition root that
// wires the Shared State Region, Signal Router, Worker Registry,
// Failover Engine, and Watchdog Sync together.
package supervisor

import (
	"context"
	"os"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/failover"
	"github.com/offsoc/pgpool2/internal/followprimary"
	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/registry"
	"github.com/offsoc/pgpool2/internal/sharedstate"
	"github.com/offsoc/pgpool2/internal/signalrouter"
	"github.com/offsoc/pgpool2/internal/statusfile"
	"github.com/offsoc/pgpool2/internal/watchdog"
)

// Supervisor owns every long-lived component the main loop drives.
type Supervisor struct {
	Region        *sharedstate.Region
	Router        *signalrouter.Router
	Registry      *registry.Registry
	Engine        *failover.Engine
	Sync          *watchdog.Sync
	FollowPrimary *followprimary.Lock
	StatusFile    *statusfile.Store

	shutdownGrace time.Duration
}

// New assembles a Supervisor from its already-constructed parts. It
// does not start anything; call Run to enter the main loop.
func New(region *sharedstate.Region, router *signalrouter.Router, reg *registry.Registry, engine *failover.Engine, sync *watchdog.Sync, followPrimary *followprimary.Lock, statusFile *statusfile.Store) *Supervisor {
	return &Supervisor{
		Region: region, Router: router, Registry: reg,
		Engine: engine, Sync: sync, FollowPrimary: followPrimary,
		StatusFile: statusFile, shutdownGrace: 10 * time.Second,
	}
}

// Startup persists the loaded status vector into the region, starts
// the worker fleet and health-check workers, per spec.md §4.1's
// startup sequencing.
func (s *Supervisor) Startup(ctx context.Context, discardStatus bool) error {
	if discardStatus {
		if err := s.StatusFile.Discard(); err != nil {
			return err
		}
	}
	statuses, err := s.StatusFile.Load(len(s.Region.Backends))
	if err != nil {
		return err
	}
	for id, st := range statuses {
		s.Region.SetBackendStatus(id, st, time.Now())
	}

	if err := s.Registry.StartFleet(ctx); err != nil {
		return err
	}
	return s.Registry.StartHealthCheckWorkers(ctx, s.Region.AllBackends())
}

// Run is the main loop: it blocks on the self-pipe, drains request
// flags in the fixed order spec.md §4.3 mandates, and returns once a
// terminal signal has been observed and shutdown completes.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		s.Router.Wait()

		if sig := s.Router.ShutdownRequested(); sig != nil {
			s.shutdown(ctx, sig)
			return
		}

		order := s.Router.Drain()

		if order.Wakeup {
			// wakeup_request has no payload of its own; it exists only to
			// break out of the select promptly when another process pokes
			// the pipe directly (e.g. an enqueue that must drain locally).
			klog.V(2).InfoS("supervisor: wakeup_request observed")
		}

		if order.SigUSR1 {
			s.Router.DrainSignalSlot(s.handleSignalSlot(ctx))
		}

		if order.SigCHLD {
			if s.Registry.DrainExits(ctx) {
				klog.ErrorS(nil, "supervisor: a child exited FATAL, shutting down")
				s.shutdown(ctx, nil)
				return
			}
		}

		if order.ReloadConfig {
			klog.InfoS("supervisor: reload_config_request observed, caller must re-apply bootstrap config")
		}

		s.saveStatus()
	}
}

// handleSignalSlot returns the callback DrainSignalSlot invokes once
// per set flag, in the fixed QUORUM_CHANGED -> INFORM_QUARANTINE_NODES
// -> BACKEND_SYNC_REQUIRED -> WATCHDOG_STATE_CHANGED ->
// FAILOVER_INTERRUPT order.
func (s *Supervisor) handleSignalSlot(ctx context.Context) func(sharedstate.SignalFlag) {
	return func(flag sharedstate.SignalFlag) {
		switch flag {
		case sharedstate.WatchdogQuorumChanged:
			if s.Sync == nil {
				return
			}
			status, err := s.Sync.Client.ClusterStatus(ctx)
			if err != nil {
				klog.ErrorS(err, "supervisor: failed to fetch cluster status for quorum change")
				return
			}
			s.Sync.HandleQuorumChanged(status.QuorumHeld)

		case sharedstate.InformQuarantineNodes:
			if s.Sync == nil {
				return
			}
			s.Sync.HandleInformQuarantineNodes()

		case sharedstate.BackendSyncRequired, sharedstate.WatchdogStateChanged:
			if s.Sync == nil {
				return
			}
			if err := s.Sync.HandleStateChange(ctx); err != nil {
				klog.ErrorS(err, "supervisor: watchdog sync failed")
			}

		case sharedstate.FailoverInterrupt:
			s.Engine.Drain(ctx)
		}
	}
}

// saveStatus persists the current status vector after every pass
// through the loop that might have changed it, matching spec.md
// §4.9's "after every state-changing transition."
func (s *Supervisor) saveStatus() {
	backends := s.Region.AllBackends()
	statuses := make([]sharedstate.BackendStatus, len(backends))
	for i, b := range backends {
		statuses[i] = b.Status
	}
	if err := s.StatusFile.Save(statuses); err != nil {
		klog.ErrorS(err, "supervisor: failed to persist status file")
	}
}

// shutdown implements spec.md §5's coordinated shutdown: it is
// idempotent via Region.TryBeginExit, signals every tracked child
// except the log collector with sig (defaulting to SIGTERM for a
// fatal-exit-triggered shutdown with no originating OS signal), then
// gives them shutdownGrace to exit before returning. The follow-primary
// child receives its signal last, per Registry.Shutdown.
func (s *Supervisor) shutdown(ctx context.Context, sig os.Signal) {
	if !s.Region.TryBeginExit() {
		return
	}

	termSig := syscall.SIGTERM
	if unixSig, ok := sig.(syscall.Signal); ok {
		termSig = unixSig
		klog.InfoS("supervisor: shutting down", "signal", unixSig.String())
	} else {
		klog.InfoS("supervisor: shutting down after fatal child exit")
	}

	s.Registry.Shutdown(termSig)

	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownGrace)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-shutdownCtx.Done():
			return
		case <-ticker.C:
			s.Registry.DrainExits(ctx)
			if s.Registry.AllReaped() {
				return
			}
		}
	}
}

// EnqueueAndMaybeDrain implements enqueue()'s contract from spec.md
// §4.2: append the request, and if the queue was not already
// switching, drain it immediately rather than waiting for a signal
// round-trip.
func (s *Supervisor) EnqueueAndMaybeDrain(ctx context.Context, req queue.NodeStateRequest) queue.EnqueueResult {
	res := s.Region.Queue.Enqueue(req, true)
	if res.ShouldDrainLocally {
		s.Engine.Drain(ctx)
	}
	return res
}
