package devwatchd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

// peerStatus is the subset of HandleRaftStatus's response discovery cares about.
type peerStatus struct {
	LeaderAddr string `json:"leader_addr"`
	LeaderID   string `json:"leader_id"`
	State      string `json:"state"`
}

// DiscoverLeader queries each of peerAddrs' /raft/status until one
// reports a live leader, matching the teacher's DiscoverCluster.
func (n *Node) DiscoverLeader(ctx context.Context, peerAddrs []string) (string, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	for _, peerAddr := range peerAddrs {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fmt.Sprintf("http://%s/raft/status", peerAddr), nil)
		if err != nil {
			cancel()
			continue
		}
		if n.cfg.Authenticator != nil {
			if err := n.cfg.Authenticator.SignRequest(req); err != nil {
				cancel()
				continue
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			klog.V(2).InfoS("devwatchd: discovery query failed", "peer", peerAddr, "error", err)
			cancel()
			continue
		}

		var status peerStatus
		decodeErr := json.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		cancel()
		if decodeErr != nil {
			continue
		}

		if status.LeaderAddr != "" {
			return status.LeaderAddr, nil
		}
		if status.State == "Leader" {
			return peerAddr, nil
		}
	}
	return "", fmt.Errorf("no existing watchdog cluster found among %d peers", len(peerAddrs))
}

// JoinLeader asks leaderAddr to add this node as a voter, matching the
// teacher's JoinCluster.
func (n *Node) JoinLeader(ctx context.Context, leaderAddr string) error {
	body, err := json.Marshal(addVoterRequest{ID: n.cfg.NodeID, Address: n.advertiseAddr()})
	if err != nil {
		return err
	}

	host := strings.Split(leaderAddr, ":")[0]
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s:8080/raft/add-voter", host), strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.cfg.Authenticator != nil {
		if err := n.cfg.Authenticator.SignRequest(req); err != nil {
			return err
		}
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return fmt.Errorf("contact leader: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("join request failed with status %d", resp.StatusCode)
	}
	return nil
}

// AutoJoin retries discovery and join against cfg.Peers until this
// node has a leader or ctx is cancelled, for at most 18 attempts
// 5 seconds apart, after which it logs a warning and returns, matching
// the teacher's autoJoinCluster. It is meant to run in its own goroutine right after
// New for a node started with Bootstrap false and a non-empty peer
// list.
func (n *Node) AutoJoin(ctx context.Context) {
	if len(n.cfg.Peers) == 0 {
		return
	}
	backoff := 5 * time.Second
	for attempt := 0; attempt < 18; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if leaderAddr, _ := n.raft.LeaderWithID(); leaderAddr != "" {
			return
		}

		leaderAddr, err := n.DiscoverLeader(ctx, n.cfg.Peers)
		if err != nil {
			time.Sleep(backoff)
			continue
		}
		if err := n.JoinLeader(ctx, leaderAddr); err != nil {
			klog.ErrorS(err, "devwatchd: join failed", "leader", leaderAddr, "attempt", attempt+1)
			time.Sleep(backoff)
			continue
		}
		klog.InfoS("devwatchd: joined cluster", "leader", leaderAddr, "attempt", attempt+1)
		return
	}
	klog.Warning("devwatchd: failed to auto-join cluster after all attempts, continuing standalone")
}

func (n *Node) advertiseAddr() string {
	if n.cfg.AdvertiseAddr != "" {
		return n.cfg.AdvertiseAddr
	}
	return n.cfg.BindAddr
}
