package failover

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsoc/pgpool2/internal/pgprobe"
	"github.com/offsoc/pgpool2/internal/primary"
	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

type fakeWorkers struct {
	restartedAll       bool
	restartedSelective []int
	markedAllNeedRestart bool
	sigusr1Sent        bool
	pcpRestarted       bool
}

func (f *fakeWorkers) RestartAll()                        { f.restartedAll = true }
func (f *fakeWorkers) RestartSelective(targetNodeID int)   { f.restartedSelective = append(f.restartedSelective, targetNodeID) }
func (f *fakeWorkers) MarkAllNeedRestart()                 { f.markedAllNeedRestart = true }
func (f *fakeWorkers) SendSIGUSR1ToQueryWorkers()          { f.sigusr1Sent = true }
func (f *fakeWorkers) RestartPCPWorker()                   { f.pcpRestarted = true }

type fakeCommand struct {
	invocations []string
}

func (f *fakeCommand) run(ctx context.Context, cmd string) (int, error) {
	f.invocations = append(f.invocations, cmd)
	return 0, nil
}

func newTestEngine(t *testing.T, cfg Config, primaryID int) (*Engine, *sharedstate.Region, *fakeWorkers, *fakeCommand) {
	t.Helper()
	region := sharedstate.NewRegion(sharedstate.Config{NumBackends: 2, QueueCap: 8, NumQueryWorkers: 2, PoolDepth: 1})
	region.WithBackend(0, func(b *sharedstate.BackendDescriptor) {
		b.Host, b.Port, b.Status, b.Role = "host0", 5432, sharedstate.Up, sharedstate.RolePrimary
	})
	region.WithBackend(1, func(b *sharedstate.BackendDescriptor) {
		b.Host, b.Port, b.Status, b.Role = "host1", 5433, sharedstate.Up, sharedstate.RoleStandby
	})
	region.SetPrimaryNodeID(primaryID)
	region.SetMainNodeID(0)

	workers := &fakeWorkers{}
	cmd := &fakeCommand{}
	finder := primary.New(nil, cfg.DetachFalsePrimary, 0)
	finder.RetryInterval = 0

	engine := New(region, finder, workers, nil, nil, cmd.run, cfg)
	return engine, region, workers, cmd
}

func TestScenarioStandbyFailureInStreamingReplication(t *testing.T) {
	cfg := Config{StreamingReplicationMode: true, FailoverCommand: "notify %d %P %H"}
	engine, region, workers, cmd := newTestEngine(t, cfg, 0)

	region.WithWorkers(func(ws []sharedstate.WorkerSlot) {
		ws[0].ConnectionInfo[0][1].Connected = true
		ws[0].ConnectionInfo[0][1].LoadBalancingNode = 1
	})

	region.Queue.Enqueue(queue.NodeStateRequest{Kind: queue.NodeDown, NodeIDs: []int{1}, Flags: queue.Switchover}, true)
	engine.Drain(context.Background())

	b1, _ := region.Backend(1)
	assert.Equal(t, sharedstate.Down, b1.Status)
	assert.Equal(t, 0, region.PrimaryNodeID(), "primary must not change on a standby's failure")
	require.Len(t, workers.restartedSelective, 1)
	assert.Equal(t, 1, workers.restartedSelective[0])
	assert.False(t, workers.restartedAll)
	require.Len(t, cmd.invocations, 1)
	assert.Equal(t, "notify 1 0 host0", cmd.invocations[0])
	assert.True(t, workers.pcpRestarted)
}

func TestScenarioPrimaryFailureWithPromotion(t *testing.T) {
	cfg := Config{StreamingReplicationMode: true, FailoverCommand: "%P->%m"}
	engine, region, workers, cmd := newTestEngine(t, cfg, 0)

	// node 0 is now down and won't respond; node 1 answers as the sole primary
	engine.Finder = primary.New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		if port == 5432 {
			return pgprobe.Result{}, assertProbeErr{}
		}
		return pgprobe.Result{InRecovery: false}, nil
	}, false, 0)
	engine.Finder.RetryInterval = 0

	region.Queue.Enqueue(queue.NodeStateRequest{Kind: queue.NodeDown, NodeIDs: []int{0}}, true)
	engine.Drain(context.Background())

	b0, _ := region.Backend(0)
	assert.Equal(t, sharedstate.Down, b0.Status)
	assert.Equal(t, 1, region.PrimaryNodeID())
	assert.True(t, workers.restartedAll, "primary change must trigger a full restart")
	require.Len(t, cmd.invocations, 1)
	assert.Equal(t, "0->1", cmd.invocations[0])
}

func TestScenarioFailbackOfPreviouslyQuarantinedPrimary(t *testing.T) {
	cfg := Config{StreamingReplicationMode: true, FailbackCommand: "should-not-run"}
	engine, region, workers, cmd := newTestEngine(t, cfg, -1)

	region.WithBackend(0, func(b *sharedstate.BackendDescriptor) {
		b.Quarantined = true
		b.Status = sharedstate.Down
		b.Role = sharedstate.RolePrimary
	})

	region.Queue.Enqueue(queue.NodeStateRequest{Kind: queue.NodeUp, NodeIDs: []int{0}, Flags: queue.Update}, true)
	engine.Drain(context.Background())

	b0, _ := region.Backend(0)
	assert.False(t, b0.Quarantined)
	assert.Equal(t, sharedstate.ConnectWait, b0.Status)
	assert.Equal(t, 0, region.PrimaryNodeID())
	assert.Empty(t, cmd.invocations, "UPDATE flag must suppress the failback command")
	assert.True(t, workers.restartedAll)
}

func TestValidateRejectsOutOfRangeNode(t *testing.T) {
	engine, region, _, _ := newTestEngine(t, Config{}, 0)
	region.Queue.Enqueue(queue.NodeStateRequest{Kind: queue.NodeDown, NodeIDs: []int{99}}, true)
	engine.Drain(context.Background())
	// no panic, request silently dropped
	assert.Equal(t, 0, region.PrimaryNodeID())
}

func TestValidateRejectsNodeUpOnAlreadyUpNode(t *testing.T) {
	engine, region, workers, _ := newTestEngine(t, Config{}, 0)
	region.Queue.Enqueue(queue.NodeStateRequest{Kind: queue.NodeUp, NodeIDs: []int{0}}, true)
	engine.Drain(context.Background())
	assert.False(t, workers.restartedAll)
	assert.False(t, workers.markedAllNeedRestart)
}

func TestCloseIdleSendsSigusr1WithoutStateChange(t *testing.T) {
	engine, region, workers, _ := newTestEngine(t, Config{}, 0)
	region.Queue.Enqueue(queue.NodeStateRequest{Kind: queue.CloseIdle}, true)
	engine.Drain(context.Background())
	assert.True(t, workers.sigusr1Sent)
	assert.False(t, workers.restartedAll)
	assert.False(t, workers.pcpRestarted, "a drain of only CLOSE_IDLE requests must not bounce the PCP worker")
}

func TestRenderTemplateSubstitutesAndEscapes(t *testing.T) {
	out := renderTemplate("fail %d at %h:%p (%%done) %z", map[byte]string{'d': "1", 'h': "host", 'p': "5432"})
	assert.Equal(t, "fail 1 at host:5432 (%done) %z", out)
}

type assertProbeErr struct{}

func (assertProbeErr) Error() string { return "connection refused" }
