// Package watchdog implements the supervisor-side half of Watchdog
// Sync (SPEC_FULL.md §4.8, §4.11): an authenticated HTTP client that
// talks to an external cluster-membership service, plus the
// reconciliation logic that folds the leader's view into local state.
// It never implements peer consensus itself — see internal/watchdog/devwatchd
// for a standalone reference server used only in development and tests.
package watchdog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/watchdog/auth"
)

// BackendStatus is one entry of the leader's authoritative status
// vector, matching SPEC_FULL.md §6's wire format.
type BackendStatus struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

// ClusterStatusResponse is the body of GET /cluster/status.
type ClusterStatusResponse struct {
	Backends      []BackendStatus `json:"backends"`
	PrimaryNodeID int             `json:"primary_node_id"`
	QuorumHeld    bool            `json:"quorum_held"`
	LocalIsLeader bool            `json:"local_is_leader"`
}

// Client is a thin HTTP client for the watchdog leader's API.
type Client struct {
	LeaderAddr string
	HTTPClient *http.Client
	Auth       *auth.Authenticator
}

// NewClient builds a Client. auth may be nil to disable signing.
func NewClient(leaderAddr string, authenticator *auth.Authenticator) *Client {
	return &Client{
		LeaderAddr: leaderAddr,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Auth:       authenticator,
	}
}

// ClusterStatus fetches the authoritative backend status vector from
// the current watchdog leader.
func (c *Client) ClusterStatus(ctx context.Context) (ClusterStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.LeaderAddr+"/cluster/status", nil)
	if err != nil {
		return ClusterStatusResponse{}, err
	}
	if c.Auth != nil {
		if err := c.Auth.SignRequest(req); err != nil {
			return ClusterStatusResponse{}, err
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return ClusterStatusResponse{}, fmt.Errorf("cluster status request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ClusterStatusResponse{}, fmt.Errorf("cluster status: unexpected status %d", resp.StatusCode)
	}

	var out ClusterStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ClusterStatusResponse{}, fmt.Errorf("decode cluster status: %w", err)
	}
	return out, nil
}

// failoverStartRequest is the body of POST /cluster/failover-start.
type failoverStartRequest struct {
	Kind    string `json:"kind"`
	NodeIDs []int  `json:"node_ids"`
}

// NotifyFailoverStart implements wd_failover_start: it tells peer
// supervisors to quiesce conflicting operations before this node
// applies a transition, satisfying failover.WatchdogNotifier.
func (c *Client) NotifyFailoverStart(ctx context.Context, nodeReq queue.NodeStateRequest) error {
	if c.LeaderAddr == "" {
		return nil
	}

	body, err := json.Marshal(failoverStartRequest{Kind: nodeReq.Kind.String(), NodeIDs: nodeReq.NodeIDs})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.LeaderAddr+"/cluster/failover-start", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Auth != nil {
		if err := c.Auth.SignRequest(req); err != nil {
			return err
		}
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failover-start request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("failover-start: unexpected status %d", resp.StatusCode)
	}
	return nil
}
