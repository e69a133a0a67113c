package workersock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control.sock")
	s := New(path)
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	go s.Serve(ctx)
	return s, path
}

func TestClientIdentifyThenConnectionInfoReachesServer(t *testing.T) {
	server, path := newTestServer(t)
	infos := make(chan struct {
		pool, backend int
		connected     bool
	}, 1)
	server.OnConnectionInfo = func(kind sharedstate.WorkerKind, index, pool, backend int, connected bool) {
		infos <- struct {
			pool, backend int
			connected     bool
		}{pool, backend, connected}
	}

	client, err := Dial(path, sharedstate.QueryWorker, 3)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.ReportConnectionInfo(1, 2, true))

	select {
	case got := <-infos:
		assert.Equal(t, 1, got.pool)
		assert.Equal(t, 2, got.backend)
		assert.True(t, got.connected)
	case <-time.After(2 * time.Second):
		t.Fatal("connection_info frame never reached the server")
	}
}

func TestClientNodeStateRequestReachesServer(t *testing.T) {
	server, path := newTestServer(t)
	requests := make(chan queue.NodeStateRequest, 1)
	server.OnNodeStateRequest = func(req queue.NodeStateRequest) { requests <- req }

	client, err := Dial(path, sharedstate.HealthCheckWorker, 0)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.RequestNodeState(queue.NodeDown, []int{2}))

	select {
	case req := <-requests:
		assert.Equal(t, queue.NodeDown, req.Kind)
		assert.Equal(t, []int{2}, req.NodeIDs)
		assert.True(t, req.Flags.Has(queue.Confirmed))
	case <-time.After(2 * time.Second):
		t.Fatal("node_state frame never reached the server")
	}
}

func TestServerPushRestartReachesClient(t *testing.T) {
	server, path := newTestServer(t)

	client, err := Dial(path, sharedstate.QueryWorker, 5)
	require.NoError(t, err)
	defer client.Close()

	// give the server's accept goroutine time to register the identify frame
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, server.PushRestart(sharedstate.QueryWorker, 5))

	select {
	case f := <-client.Frames():
		assert.Equal(t, FrameRestart, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("restart frame never reached the client")
	}
}

func TestServerPushFailsWithoutLiveConnection(t *testing.T) {
	server, _ := newTestServer(t)
	err := server.PushWake(sharedstate.QueryWorker, 99)
	assert.Error(t, err)
}

func TestDialWithoutServerFails(t *testing.T) {
	_, err := Dial(filepath.Join(t.TempDir(), "nope.sock"), sharedstate.QueryWorker, 0)
	assert.Error(t, err)
}
