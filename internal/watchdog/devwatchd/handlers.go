package devwatchd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/raft"
	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/watchdog"
)

// clusterStatus is the body GET /cluster/status serves, extending
// watchdog.ClusterStatusResponse with the raft-level fields discovery
// needs (LeaderAddr/LeaderID/State), mirroring RaftClusterInfo's shape
// from the pod-leader-election system this package is adapted from.
type clusterStatus struct {
	Backends      []watchdog.BackendStatus `json:"backends"`
	PrimaryNodeID int                      `json:"primary_node_id"`
	QuorumHeld    bool                     `json:"quorum_held"`
	LocalIsLeader bool                     `json:"local_is_leader"`
	LeaderAddr    string                   `json:"leader_addr"`
	LeaderID      string                   `json:"leader_id"`
	State         string                   `json:"state"`
}

// HandleClusterStatus serves GET /cluster/status, the endpoint
// internal/watchdog.Client.ClusterStatus polls.
func (n *Node) HandleClusterStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(n.Status())
}

// failoverStartRequest mirrors internal/watchdog.Client's
// NotifyFailoverStart wire body.
type failoverStartRequest struct {
	Kind    string `json:"kind"`
	NodeIDs []int  `json:"node_ids"`
}

// HandleClusterFailoverStart serves POST /cluster/failover-start: only
// the leader accepts it, replicating the affected node IDs' pending
// state so every peer's next GET /cluster/status reflects the
// in-flight transition before the initiating supervisor's failover
// commands even finish running.
func (n *Node) HandleClusterFailoverStart(w http.ResponseWriter, r *http.Request) {
	if !n.IsLeader() {
		leaderAddr, _ := n.raft.LeaderWithID()
		http.Error(w, fmt.Sprintf("not the leader, leader is: %s", leaderAddr), http.StatusBadRequest)
		return
	}

	var req failoverStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	status := "down"
	if req.Kind == queue.Promote.String() || req.Kind == queue.NodeUp.String() {
		status = "up"
	}
	for _, id := range req.NodeIDs {
		if err := n.ProposeBackendStatus(id, status); err != nil {
			http.Error(w, fmt.Sprintf("propose failed: %v", err), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// HandleRaftStatus serves GET /raft/status, used by peer discovery to
// find a live cluster before joining it.
func (n *Node) HandleRaftStatus(w http.ResponseWriter, r *http.Request) {
	leaderAddr, leaderID := n.raft.LeaderWithID()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"leader_addr": string(leaderAddr),
		"leader_id":   string(leaderID),
		"state":       n.raft.State().String(),
		"node_id":     n.cfg.NodeID,
	})
}

// addVoterRequest is the body POST /raft/add-voter expects.
type addVoterRequest struct {
	ID      string `json:"id"`
	Address string `json:"address"`
}

// HandleAddVoter serves POST /raft/add-voter: only the leader may add
// a new voting member.
func (n *Node) HandleAddVoter(w http.ResponseWriter, r *http.Request) {
	if !n.IsLeader() {
		leaderAddr, _ := n.raft.LeaderWithID()
		http.Error(w, fmt.Sprintf("not the leader, leader is: %s", leaderAddr), http.StatusBadRequest)
		return
	}

	var req addVoterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.ID == "" || req.Address == "" {
		http.Error(w, "id and address are required", http.StatusBadRequest)
		return
	}

	future := n.raft.AddVoter(raft.ServerID(req.ID), raft.ServerAddress(req.Address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		klog.ErrorS(err, "devwatchd: add voter failed", "id", req.ID, "address", req.Address)
		http.Error(w, fmt.Sprintf("add voter failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "added"})
}

// HandleRaftPeers serves GET /raft/peers, the current server set.
func (n *Node) HandleRaftPeers(w http.ResponseWriter, r *http.Request) {
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		http.Error(w, fmt.Sprintf("failed to get configuration: %v", err), http.StatusInternalServerError)
		return
	}

	servers := make([]map[string]string, 0)
	for _, s := range future.Configuration().Servers {
		servers = append(servers, map[string]string{
			"id":       string(s.ID),
			"address":  string(s.Address),
			"suffrage": s.Suffrage.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"servers": servers, "count": len(servers)})
}
