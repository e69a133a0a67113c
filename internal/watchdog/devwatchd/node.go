// Package devwatchd implements a standalone, Raft-backed reference
// watchdog server used only in development and integration tests. It
// is never linked into cmd/pgpool2: the production supervisor talks to
// whatever cluster-membership service SPEC_FULL.md §4.11 names through
// internal/watchdog's HTTP client, and this package is one concrete
// implementation of that service's wire contract, exercising the same
// consensus shape the teacher's pod-leader-election system used.
package devwatchd

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/watchdog/auth"
)

// Config carries one node's bootstrap parameters.
type Config struct {
	NodeID        string
	BindAddr      string
	AdvertiseAddr string
	Peers         []string
	DataDir       string
	Bootstrap     bool
	Authenticator *auth.Authenticator
}

// Node is one voting member of the watchdog cluster: a raft.Raft
// instance replicating a clusterFSM, plus enough bookkeeping to answer
// the HTTP surface internal/watchdog.Client expects.
type Node struct {
	cfg  Config
	fsm  *clusterFSM
	raft *raft.Raft
}

// New starts a Node's raft subsystem: a bolt-backed log/stable store,
// a file snapshot store, and a TCP transport bound to cfg.BindAddr but
// advertising cfg.AdvertiseAddr, matching the teacher's Start's
// bind-vs-advertise split for pods reachable only by a stable pod IP.
func New(cfg Config) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create raft data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	advertise := cfg.AdvertiseAddr
	if advertise == "" {
		advertise = cfg.BindAddr
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return nil, fmt.Errorf("resolve advertise address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, tcpAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	fsm := newClusterFSM()
	ra, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	node := &Node{cfg: cfg, fsm: fsm, raft: ra}

	if cfg.Bootstrap && ra.LastIndex() == 0 && len(cfg.Peers) == 0 {
		future := ra.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: raft.ServerAddress(advertise), Suffrage: raft.Voter}},
		})
		if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
			klog.ErrorS(err, "devwatchd: bootstrap failed")
		}
	}

	return node, nil
}

// newInmemForTest builds a single-node cluster over in-memory stores,
// used by tests that need a real *raft.Raft without touching disk or
// the network.
func newInmemForTest(nodeID string) (*Node, *raft.InmemTransport, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(nodeID)
	raftCfg.HeartbeatTimeout = 50 * time.Millisecond
	raftCfg.ElectionTimeout = 50 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 50 * time.Millisecond
	raftCfg.CommitTimeout = 5 * time.Millisecond

	addr, transport := raft.NewInmemTransport("")
	fsm := newClusterFSM()
	ra, err := raft.NewRaft(raftCfg, fsm, raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		return nil, nil, err
	}
	future := ra.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(nodeID), Address: addr, Suffrage: raft.Voter}},
	})
	if err := future.Error(); err != nil {
		return nil, nil, err
	}
	return &Node{cfg: Config{NodeID: nodeID}, fsm: fsm, raft: ra}, transport, nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// Status returns the current cluster status vector plus this node's
// own leadership view, matching internal/watchdog.ClusterStatusResponse.
func (n *Node) Status() clusterStatus {
	resp := n.fsm.snapshot()
	leaderAddr, leaderID := n.raft.LeaderWithID()
	return clusterStatus{
		Backends:      resp.Backends,
		PrimaryNodeID: resp.PrimaryNodeID,
		QuorumHeld:    resp.QuorumHeld,
		LocalIsLeader: n.IsLeader(),
		LeaderAddr:    string(leaderAddr),
		LeaderID:      string(leaderID),
		State:         n.raft.State().String(),
	}
}

// ProposeBackendStatus replicates a backend status update. Only the
// leader may call raft.Apply successfully; followers get
// raft.ErrNotLeader and callers should redirect the caller to the
// leader, per HandleClusterFailoverStart.
func (n *Node) ProposeBackendStatus(id int, status string) error {
	cmd := command{Kind: setBackendStatus}
	cmd.Backend.ID = id
	cmd.Backend.Status = status
	return n.applyCommand(cmd)
}

// ProposePrimary replicates a new primary_node_id.
func (n *Node) ProposePrimary(nodeID int) error {
	return n.applyCommand(command{Kind: setPrimary, PrimaryNodeID: nodeID})
}

// ProposeQuorum replicates a quorum_held flag flip.
func (n *Node) ProposeQuorum(held bool) error {
	return n.applyCommand(command{Kind: setQuorum, QuorumHeld: held})
}

func (n *Node) applyCommand(cmd command) error {
	if n.raft.State() != raft.Leader {
		return raft.ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return n.raft.Apply(data, 10*time.Second).Error()
}

// Shutdown stops the raft subsystem.
func (n *Node) Shutdown() error {
	return n.raft.Shutdown().Error()
}
