// Command pgpool2 is the connection pooling and automated failover
// supervisor described in SPEC_FULL.md: it owns the Shared State
// Region, forks the worker fleet, and runs the Supervisor Main Loop.
//
// The same binary doubles as its own worker process. execspawn re-execs
// this binary with a hidden "__worker <kind> <index>" argv when the
// registry forks a roster slot; runWorker below is what that re-exec
// lands in.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/afero"
	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/config"
	"github.com/offsoc/pgpool2/internal/execspawn"
	"github.com/offsoc/pgpool2/internal/failover"
	"github.com/offsoc/pgpool2/internal/followprimary"
	"github.com/offsoc/pgpool2/internal/listeners"
	"github.com/offsoc/pgpool2/internal/pgprobe"
	"github.com/offsoc/pgpool2/internal/primary"
	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/registry"
	"github.com/offsoc/pgpool2/internal/sharedstate"
	"github.com/offsoc/pgpool2/internal/signalrouter"
	"github.com/offsoc/pgpool2/internal/statusfile"
	"github.com/offsoc/pgpool2/internal/supervisor"
	"github.com/offsoc/pgpool2/internal/watchdog"
	"github.com/offsoc/pgpool2/internal/watchdog/auth"
	"github.com/offsoc/pgpool2/internal/workerproc"
	"github.com/offsoc/pgpool2/internal/workersock"
)

func main() {
	cmd := config.Load(run)
	if err := cmd.Execute(); err != nil {
		klog.Fatal(err)
	}
}

// run dispatches between the two things this binary can be: the
// supervisor itself, or one of its own re-exec'd workers.
func run(cfg config.Config, args []string) error {
	if len(args) > 0 && args[0] == execspawn.WorkerSubcommand {
		return runWorker(cfg, args[1:])
	}
	return runSupervisor(cfg)
}

func runWorker(cfg config.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%s requires <kind> <index>", execspawn.WorkerSubcommand)
	}
	kind, err := sharedstate.ParseWorkerKind(args[0])
	if err != nil {
		return err
	}
	index, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid worker index %q: %w", args[1], err)
	}

	if err := workerproc.Run(context.Background(), kind, index, cfg.Backends, cfg.WorkerControlSocketPath()); err != nil {
		klog.ErrorS(err, "worker exited with error", "kind", kind.String(), "index", index)
		os.Exit(registry.ExitFatal)
	}
	return nil
}

// runSupervisor is the composition root: it builds every long-lived
// component from cfg and hands them to supervisor.Supervisor, per
// SPEC_FULL.md §4.1's startup sequencing.
func runSupervisor(cfg config.Config) error {
	klog.InfoS("pgpool2: starting",
		"backends", len(cfg.Backends),
		"num_init_children", cfg.NumInitChildren,
		"streaming_replication_mode", cfg.StreamingReplicationMode,
		"use_watchdog", cfg.UseWatchdog)

	region := sharedstate.NewRegion(sharedstate.Config{
		NumBackends:     len(cfg.Backends),
		QueueCap:        64,
		NumQueryWorkers: cfg.NumInitChildren,
		PoolDepth:       cfg.MaxPool,
	})
	for i, b := range cfg.Backends {
		id := i
		host, port := b.Host, b.Port
		region.WithBackend(id, func(bd *sharedstate.BackendDescriptor) {
			bd.Host = host
			bd.Port = port
		})
	}
	region.SetMainNodeID(0)

	binaryPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}
	extraArgs := make([]string, 0, len(cfg.Backends)*2)
	for _, b := range cfg.Backends {
		extraArgs = append(extraArgs, "--backend", fmt.Sprintf("%s:%d", b.Host, b.Port))
	}
	spawner := execspawn.New(binaryPath, extraArgs, nil, nil)

	reg := registry.New(region, spawner.Spawn, cfg.UseWatchdog)

	probe := func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		return pgprobe.Probe(ctx, host, port, "template1", "", "")
	}
	finder := primary.New(probe, cfg.DetachFalsePrimary, cfg.SearchPrimaryTimeout)

	fpLock := followprimary.New()
	fpRunner := &followprimary.Runner{
		Lock: fpLock,
		Spawn: func(ctx context.Context) (int, error) {
			return reg.SpawnFollowPrimary(ctx)
		},
		RenderCommand: func(nodeID int) string {
			return failover.RenderFollowPrimaryCommand(cfg.FollowPrimaryCommand, region.AllBackends(), nodeID, region.MainNodeID())
		},
		RunShell: failover.RunShell,
		SetOngoing: func(ongoing bool) {
			region.WithFollowPrimary(func(s *sharedstate.FollowPrimaryState) { s.Ongoing = ongoing })
		},
	}

	var wdSync *watchdog.Sync
	var wdNotifier failover.WatchdogNotifier
	if cfg.UseWatchdog {
		authenticator := auth.New(cfg.SharedSecret)
		client := watchdog.NewClient(cfg.LeaderAddr, authenticator)
		wdNotifier = client
		// This binary never runs its own leader election (spec.md §1
		// non-goal: no peer consensus); it always treats cfg.LeaderAddr
		// as authoritative and pulls from it, so it is always the
		// "standby" half of Watchdog Sync's trigger condition.
		wdSync = watchdog.NewSync(client, region, reg, finder, cfg.StreamingReplicationMode, func() bool { return true })
	}

	engine := failover.New(region, finder, reg, wdNotifier, fpRunner, nil, failover.Config{
		StreamingReplicationMode: cfg.StreamingReplicationMode,
		DetachFalsePrimary:       cfg.DetachFalsePrimary,
		FailoverCommand:          cfg.FailoverCommand,
		FailbackCommand:          cfg.FailbackCommand,
		FollowPrimaryCommand:     cfg.FollowPrimaryCommand,
		SearchPrimaryTimeout:     cfg.SearchPrimaryTimeout,
	})

	store := statusfile.New(afero.NewOsFs(), cfg.StatusFilePath)

	router, err := signalrouter.New(&region.Signals)
	if err != nil {
		return fmt.Errorf("install signal router: %w", err)
	}

	sup := supervisor.New(region, router, reg, engine, wdSync, fpLock, store)

	ctx := context.Background()

	sockets, err := listeners.Open(listeners.Config{
		SocketDir:       cfg.SocketDir,
		PCPSocketDir:    cfg.PCPSocketDir,
		Port:            cfg.Port,
		PCPPort:         cfg.PCPPort,
		ListenAddresses: cfg.ListenAddresses,
		Backlog:         cfg.ListenBacklog(),
	})
	if err != nil {
		return fmt.Errorf("open listeners: %w", err)
	}
	defer sockets.Close()

	workerSock := workersock.New(cfg.WorkerControlSocketPath())
	workerSock.OnConnectionInfo = reg.UpdateConnectionInfo
	workerSock.OnNodeStateRequest = func(req queue.NodeStateRequest) {
		sup.EnqueueAndMaybeDrain(ctx, req)
	}
	if err := workerSock.Listen(); err != nil {
		return fmt.Errorf("open worker control socket: %w", err)
	}
	defer workerSock.Close()
	reg.ControlSocket = workerSock

	sockets.Serve(ctx)
	go workerSock.Serve(ctx)

	if err := sup.Startup(ctx, cfg.DiscardStatus); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	sup.Run(ctx)
	klog.Info("pgpool2: shutdown complete")
	return nil
}
