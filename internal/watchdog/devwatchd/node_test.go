package devwatchd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeaderForTest(t *testing.T) *Node {
	t.Helper()
	node, _, err := newInmemForTest("node-1")
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })

	require.Eventually(t, node.IsLeader, time.Second, 5*time.Millisecond, "single-node cluster must self-elect")
	return node
}

func TestProposeBackendStatusReplicatesIntoSnapshot(t *testing.T) {
	node := newLeaderForTest(t)

	require.NoError(t, node.ProposeBackendStatus(3, "up"))

	status := node.Status()
	require.Len(t, status.Backends, 1)
	assert.Equal(t, 3, status.Backends[0].ID)
	assert.Equal(t, "up", status.Backends[0].Status)
}

func TestProposePrimaryAndQuorumUpdateSnapshot(t *testing.T) {
	node := newLeaderForTest(t)

	require.NoError(t, node.ProposePrimary(2))
	require.NoError(t, node.ProposeQuorum(true))

	status := node.Status()
	assert.Equal(t, 2, status.PrimaryNodeID)
	assert.True(t, status.QuorumHeld)
	assert.True(t, status.LocalIsLeader)
}

func TestHandleClusterStatusServesJSON(t *testing.T) {
	node := newLeaderForTest(t)
	require.NoError(t, node.ProposeBackendStatus(1, "up"))

	srv := httptest.NewServer(node.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cluster/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var status clusterStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.LocalIsLeader)
	require.Len(t, status.Backends, 1)
}

func TestHandleClusterFailoverStartAppliesNodeIDs(t *testing.T) {
	node := newLeaderForTest(t)
	srv := httptest.NewServer(node.Mux())
	defer srv.Close()

	body := `{"kind":"NODE_DOWN","node_ids":[5,6]}`
	resp, err := http.Post(srv.URL+"/cluster/failover-start", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status := node.Status()
	require.Len(t, status.Backends, 2)
}

func TestHandleClusterFailoverStartRejectsWhenNotLeader(t *testing.T) {
	node := newLeaderForTest(t)
	// Force the node into a state where it briefly reports a leader
	// address that isn't itself by shutting raft down; the handler must
	// then reject rather than silently accept a stale leadership view.
	require.NoError(t, node.Shutdown())

	srv := httptest.NewServer(node.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/cluster/failover-start", "application/json", strings.NewReader(`{"kind":"NODE_DOWN","node_ids":[1]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleAddVoterRejectsOnNonLeader(t *testing.T) {
	// Shut a formerly-leader node down: AddVoter's leader check must
	// reject once raft.State() no longer reports Leader.
	node, _, err := newInmemForTest("node-shutdown")
	require.NoError(t, err)
	t.Cleanup(func() { node.Shutdown() })
	require.Eventually(t, node.IsLeader, time.Second, 5*time.Millisecond)
	require.NoError(t, node.Shutdown())

	srv := httptest.NewServer(node.Mux())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/raft/add-voter", "application/json", strings.NewReader(`{"id":"x","address":"y"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleRaftPeersListsBootstrappedServer(t *testing.T) {
	node := newLeaderForTest(t)
	srv := httptest.NewServer(node.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/raft/peers")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
}

func TestDiscoverLeaderFindsPeerReportingItself(t *testing.T) {
	leader := newLeaderForTest(t)
	srv := httptest.NewServer(leader.Mux())
	defer srv.Close()

	follower := &Node{cfg: Config{}, fsm: newClusterFSM()}
	addr, err := follower.DiscoverLeader(context.Background(), []string{strings.TrimPrefix(srv.URL, "http://")})
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
}
