package devwatchd

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/offsoc/pgpool2/internal/watchdog"
)

// commandKind identifies the payload of one raft log entry.
type commandKind string

const (
	setBackendStatus commandKind = "set_backend_status"
	setPrimary       commandKind = "set_primary"
	setQuorum        commandKind = "set_quorum"
)

// command is the JSON-encoded payload every raft.Apply carries. Only
// one of its fields is meaningful, selected by Kind.
type command struct {
	Kind          commandKind             `json:"kind"`
	Backend       watchdog.BackendStatus  `json:"backend,omitempty"`
	PrimaryNodeID int                     `json:"primary_node_id,omitempty"`
	QuorumHeld    bool                    `json:"quorum_held,omitempty"`
}

// clusterFSM is the raft finite state machine backing the cluster's
// authoritative status vector: the same fields watchdog.Client fetches
// from GET /cluster/status, replicated by consensus instead of held by
// a single process.
type clusterFSM struct {
	mu            sync.RWMutex
	backends      map[int]watchdog.BackendStatus
	primaryNodeID int
	quorumHeld    bool
}

func newClusterFSM() *clusterFSM {
	return &clusterFSM{backends: make(map[int]watchdog.BackendStatus), primaryNodeID: -1}
}

// snapshot returns the response GET /cluster/status serves, filled in
// with isLeader by the caller since the FSM itself has no raft handle.
func (f *clusterFSM) snapshot() watchdog.ClusterStatusResponse {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := watchdog.ClusterStatusResponse{
		PrimaryNodeID: f.primaryNodeID,
		QuorumHeld:    f.quorumHeld,
	}
	for _, b := range f.backends {
		out.Backends = append(out.Backends, b)
	}
	return out
}

// Apply implements raft.FSM. It is only ever invoked on committed log
// entries, so every node's clusterFSM converges to the same state
// regardless of which node proposed the command.
func (f *clusterFSM) Apply(log *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd.Kind {
	case setBackendStatus:
		f.backends[cmd.Backend.ID] = cmd.Backend
	case setPrimary:
		f.primaryNodeID = cmd.PrimaryNodeID
	case setQuorum:
		f.quorumHeld = cmd.QuorumHeld
	}
	return nil
}

func (f *clusterFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	backends := make(map[int]watchdog.BackendStatus, len(f.backends))
	for k, v := range f.backends {
		backends[k] = v
	}
	return &clusterFSMSnapshot{backends: backends, primaryNodeID: f.primaryNodeID, quorumHeld: f.quorumHeld}, nil
}

func (f *clusterFSM) Restore(snap io.ReadCloser) error {
	defer snap.Close()
	var persisted clusterFSMSnapshot
	if err := json.NewDecoder(snap).Decode(&persisted); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backends = persisted.Backends()
	f.primaryNodeID = persisted.primaryNodeID
	f.quorumHeld = persisted.quorumHeld
	return nil
}

type clusterFSMSnapshot struct {
	backends      map[int]watchdog.BackendStatus
	primaryNodeID int
	quorumHeld    bool
}

func (s *clusterFSMSnapshot) Backends() map[int]watchdog.BackendStatus { return s.backends }

func (s *clusterFSMSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Backends      map[int]watchdog.BackendStatus `json:"backends"`
		PrimaryNodeID int                             `json:"primary_node_id"`
		QuorumHeld    bool                            `json:"quorum_held"`
	}{s.backends, s.primaryNodeID, s.quorumHeld})
}

func (s *clusterFSMSnapshot) UnmarshalJSON(data []byte) error {
	var wire struct {
		Backends      map[int]watchdog.BackendStatus `json:"backends"`
		PrimaryNodeID int                             `json:"primary_node_id"`
		QuorumHeld    bool                            `json:"quorum_held"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	s.backends, s.primaryNodeID, s.quorumHeld = wire.Backends, wire.PrimaryNodeID, wire.QuorumHeld
	return nil
}

func (s *clusterFSMSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := s.MarshalJSON()
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *clusterFSMSnapshot) Release() {}
