package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsoc/pgpool2/internal/failover"
	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/registry"
	"github.com/offsoc/pgpool2/internal/sharedstate"
	"github.com/offsoc/pgpool2/internal/signalrouter"
	"github.com/offsoc/pgpool2/internal/statusfile"
	"github.com/offsoc/pgpool2/internal/watchdog"
)

type fakeWorkers struct {
	mu           sync.Mutex
	restartAll   int
	restarted    []int
	needRestart  int
	sigusr1Sent  int
	pcpRestarted int
}

func (f *fakeWorkers) RestartAll()      { f.mu.Lock(); f.restartAll++; f.mu.Unlock() }
func (f *fakeWorkers) RestartSelective(id int) {
	f.mu.Lock()
	f.restarted = append(f.restarted, id)
	f.mu.Unlock()
}
func (f *fakeWorkers) MarkAllNeedRestart()        { f.mu.Lock(); f.needRestart++; f.mu.Unlock() }
func (f *fakeWorkers) SendSIGUSR1ToQueryWorkers() { f.mu.Lock(); f.sigusr1Sent++; f.mu.Unlock() }
func (f *fakeWorkers) RestartPCPWorker()          { f.mu.Lock(); f.pcpRestarted++; f.mu.Unlock() }

func newTestSupervisor(t *testing.T) (*Supervisor, *sharedstate.Region, *fakeWorkers) {
	t.Helper()
	region := sharedstate.NewRegion(sharedstate.Config{NumBackends: 2, QueueCap: 4, NumQueryWorkers: 2, PoolDepth: 1})

	spawnerCalls := 0
	spawn := func(ctx context.Context, kind sharedstate.WorkerKind, index int) (int, <-chan registry.WaitResult, error) {
		spawnerCalls++
		return spawnerCalls, make(chan registry.WaitResult), nil
	}
	reg := registry.New(region, spawn, false)
	reg.Signal = func(pid int, sig syscall.Signal) error { return nil }

	workers := &fakeWorkers{}
	engine := failover.New(region, nil, workers, nil, nil, func(ctx context.Context, command string) (int, error) {
		return 0, nil
	}, failover.Config{})

	var signals sharedstate.SignalSlot
	router, err := signalrouter.New(&signals)
	require.NoError(t, err)
	t.Cleanup(func() { router.Close() })

	fs := afero.NewMemMapFs()
	store := statusfile.New(fs, "/status")

	sup := New(region, router, reg, engine, nil, nil, store)
	return sup, region, workers
}

func TestStartupLoadsStatusAndStartsFleet(t *testing.T) {
	sup, region, _ := newTestSupervisor(t)

	require.NoError(t, sup.Startup(context.Background(), false))

	for _, w := range region.Workers {
		assert.Greater(t, w.PID, 0)
	}
}

func TestStartupDiscardsStatusFileWhenRequested(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	require.NoError(t, sup.StatusFile.Save([]sharedstate.BackendStatus{sharedstate.Up, sharedstate.Up}))

	require.NoError(t, sup.Startup(context.Background(), true))

	statuses, err := sup.StatusFile.Load(2)
	require.NoError(t, err)
	for _, s := range statuses {
		assert.Equal(t, sharedstate.ConnectWait, s)
	}
}

func TestHandleSignalSlotDrainsQueueOnFailoverInterrupt(t *testing.T) {
	sup, region, _ := newTestSupervisor(t)
	require.NoError(t, sup.Registry.StartFleet(context.Background()))

	region.Queue.Enqueue(queue.NodeStateRequest{Kind: queue.CloseIdle}, false)
	require.False(t, region.Queue.Empty())

	handler := sup.handleSignalSlot(context.Background())
	handler(sharedstate.FailoverInterrupt)

	assert.True(t, region.Queue.Empty(), "FailoverInterrupt must drain the queue")
	assert.False(t, region.Queue.Switching(), "Drain must clear switching once it returns")
}

func TestHandleSignalSlotSkipsWatchdogFlagsWhenSyncNil(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	handler := sup.handleSignalSlot(context.Background())

	assert.NotPanics(t, func() {
		handler(sharedstate.WatchdogQuorumChanged)
		handler(sharedstate.InformQuarantineNodes)
		handler(sharedstate.BackendSyncRequired)
	})
}

func TestHandleSignalSlotDispatchesQuorumChangedThroughSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(watchdog.ClusterStatusResponse{QuorumHeld: true})
	}))
	defer srv.Close()

	region := sharedstate.NewRegion(sharedstate.Config{NumBackends: 1, QueueCap: 4, NumQueryWorkers: 1, PoolDepth: 1})
	require.NoError(t, region.WithBackend(0, func(b *sharedstate.BackendDescriptor) { b.Quarantined = true }))
	client := watchdog.NewClient(srv.URL, nil)
	workers := &fakeWorkers{}
	sync := watchdog.NewSync(client, region, workers, nil, false, func() bool { return true })

	var signals sharedstate.SignalSlot
	router, err := signalrouter.New(&signals)
	require.NoError(t, err)
	defer router.Close()

	sup := &Supervisor{Region: region, Router: router, Sync: sync, shutdownGrace: time.Second}

	handler := sup.handleSignalSlot(context.Background())
	handler(sharedstate.WatchdogQuorumChanged)
	req, ok := region.Queue.Dequeue()
	require.True(t, ok, "quorum held again must reissue failback for the quarantined backend through sync")
	assert.Equal(t, queue.NodeUp, req.Kind)
}

func TestShutdownIsIdempotent(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	require.NoError(t, sup.Registry.StartFleet(context.Background()))

	sup.shutdownGrace = 200 * time.Millisecond
	sup.shutdown(context.Background(), syscall.SIGTERM)
	assert.True(t, sup.Region.Exiting())

	// Second call must return immediately without panicking or
	// re-signaling anything, since TryBeginExit only ever succeeds once.
	sup.shutdown(context.Background(), syscall.SIGTERM)
}

func TestShutdownFallsBackToSIGTERMWithNoOriginatingSignal(t *testing.T) {
	sup, _, _ := newTestSupervisor(t)
	require.NoError(t, sup.Registry.StartFleet(context.Background()))
	sup.shutdownGrace = 200 * time.Millisecond

	assert.NotPanics(t, func() {
		sup.shutdown(context.Background(), nil)
	})
	assert.True(t, sup.Region.Exiting())
}

func TestEnqueueAndMaybeDrainDrainsLocallyWhenNotSwitching(t *testing.T) {
	sup, region, _ := newTestSupervisor(t)
	require.NoError(t, sup.Registry.StartFleet(context.Background()))

	res := sup.EnqueueAndMaybeDrain(context.Background(), queue.NodeStateRequest{Kind: queue.CloseIdle})

	assert.True(t, res.ShouldDrainLocally)
	assert.True(t, region.Queue.Empty(), "the request must have been drained, not left queued")
}

func TestEnqueueAndMaybeDrainDoesNotDrainWhileAlreadySwitching(t *testing.T) {
	sup, region, _ := newTestSupervisor(t)
	require.NoError(t, sup.Registry.StartFleet(context.Background()))
	region.Queue.SetSwitching(true)

	res := sup.EnqueueAndMaybeDrain(context.Background(), queue.NodeStateRequest{Kind: queue.CloseIdle})

	assert.False(t, res.ShouldDrainLocally)
	assert.Equal(t, 1, region.Queue.Len())
}
