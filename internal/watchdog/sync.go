package watchdog

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/primary"
	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// WorkerController mirrors failover.WorkerController's method set
// structurally (Go interfaces are satisfied by shape, not by
// declaration) so the same *registry.Registry implementation serves
// both the Failover Engine and Watchdog Sync without either package
// importing the other.
type WorkerController interface {
	RestartAll()
	RestartSelective(targetNodeID int)
}

// Sync implements the Watchdog Sync component described in
// SPEC_FULL.md §4.8: it pulls the authoritative backend status vector
// from the cluster leader and reconciles it into local state.
type Sync struct {
	Client                   *Client
	Region                   *sharedstate.Region
	Workers                  WorkerController
	Finder                   *primary.Finder
	StreamingReplicationMode bool

	// IsLocalStandby reports whether this node is currently a
	// non-leader watchdog replica; sync only pulls from the leader
	// when true, per SPEC_FULL.md §4.8's trigger condition.
	IsLocalStandby func() bool

	lastKnownLocalRole bool // whether the previous HandleStateChange observed STANDBY
	now                func() time.Time
}

// NewSync builds a Sync. finder may be nil if the caller never wires
// the wd_escalation supplemented feature.
func NewSync(client *Client, region *sharedstate.Region, workers WorkerController, finder *primary.Finder, streamingReplicationMode bool, isLocalStandby func() bool) *Sync {
	return &Sync{
		Client: client, Region: region, Workers: workers, Finder: finder,
		StreamingReplicationMode: streamingReplicationMode,
		IsLocalStandby:           isLocalStandby,
		now:                      time.Now,
	}
}

// HandleStateChange runs the reconciliation triggered by
// WATCHDOG_STATE_CHANGED or BACKEND_SYNC_REQUIRED, per SPEC_FULL.md §4.8.
func (s *Sync) HandleStateChange(ctx context.Context) error {
	wasStandby := s.lastKnownLocalRole
	isStandby := s.IsLocalStandby != nil && s.IsLocalStandby()
	s.lastKnownLocalRole = isStandby

	if !isStandby {
		if wasStandby {
			s.onEscalation(ctx)
		}
		return nil
	}
	if s.Client == nil || s.Client.LeaderAddr == "" {
		// no leader configured: nothing to pull, as in NotifyFailoverStart
		return nil
	}

	leaderStatus, err := s.Client.ClusterStatus(ctx)
	if err != nil {
		return err
	}
	s.reconcile(leaderStatus)
	return nil
}

// onEscalation is the wd_escalation supplemented feature (SPEC_FULL.md
// §10): when this node transitions from STANDBY to MASTER in the
// watchdog's view, primary discovery is unconditionally re-run,
// regardless of what the last-known local primary_node_id was.
func (s *Sync) onEscalation(ctx context.Context) {
	if s.Finder == nil {
		return
	}
	klog.InfoS("watchdog escalation: local node became watchdog master, re-running primary discovery")
	res := s.Finder.Find(ctx, s.Region.AllBackends, s.Region.PrimaryNodeID(), func() bool {
		return s.Region.FollowPrimary().Ongoing
	})
	if res.PrimaryID >= 0 {
		s.Region.SetPrimaryNodeID(res.PrimaryID)
	}
}

// reconcile folds leader into local state per SPEC_FULL.md §4.8's
// reconciliation rules.
func (s *Sync) reconcile(leader ClusterStatusResponse) {
	primaryChanged := false
	touchedNodes := map[int]bool{}

	for _, lb := range leader.Backends {
		local, err := s.Region.Backend(lb.ID)
		if err != nil {
			continue
		}
		switch {
		case lb.Status == "down" && local.Status != sharedstate.Down:
			s.Region.SetBackendStatus(lb.ID, sharedstate.Down, s.timeNow())
			touchedNodes[lb.ID] = true
		case (lb.Status == "up" || lb.Status == "connect_wait") && local.Status == sharedstate.Down:
			s.Region.SetBackendStatus(lb.ID, sharedstate.ConnectWait, s.timeNow())
			touchedNodes[lb.ID] = true
		}
		if local.Quarantined {
			s.Region.WithBackend(lb.ID, func(b *sharedstate.BackendDescriptor) { b.Quarantined = false })
		}
	}

	if s.StreamingReplicationMode {
		localPrimary := s.Region.PrimaryNodeID()
		newPrimary := leader.PrimaryNodeID
		if newPrimary < 0 && localPrimary >= 0 {
			if b, err := s.Region.Backend(localPrimary); err == nil && b.IsAddressable() {
				// leader's primary is likely merely quarantined there; keep ours.
				newPrimary = localPrimary
			}
		}
		if newPrimary != localPrimary {
			primaryChanged = true
			s.Region.SetPrimaryNodeID(newPrimary)
			if newPrimary >= 0 {
				s.Region.WithBackend(newPrimary, func(b *sharedstate.BackendDescriptor) { b.Role = sharedstate.RolePrimary })
			}
		}
	}

	fullRestart := !s.StreamingReplicationMode || primaryChanged
	if fullRestart {
		s.Workers.RestartAll()
		return
	}
	for id := range touchedNodes {
		s.Workers.RestartSelective(id)
	}
}

// HandleQuorumChanged implements WATCHDOG_QUORUM_CHANGED: when quorum
// is held again, reissue failback requests for every quarantined
// backend.
func (s *Sync) HandleQuorumChanged(quorumHeld bool) {
	if !quorumHeld {
		return
	}
	for _, b := range s.Region.AllBackends() {
		if !b.Quarantined {
			continue
		}
		s.Region.Queue.Enqueue(queue.NodeStateRequest{
			Kind:    queue.NodeUp,
			NodeIDs: []int{b.ID},
			Flags:   queue.Watchdog | queue.Update,
		}, true)
	}
}

// HandleInformQuarantineNodes implements INFORM_QUARANTINE_NODES:
// degenerate every quarantined backend to DOWN.
func (s *Sync) HandleInformQuarantineNodes() {
	for _, b := range s.Region.AllBackends() {
		if b.Quarantined {
			s.Region.SetBackendStatus(b.ID, sharedstate.Down, s.timeNow())
		}
	}
}

func (s *Sync) timeNow() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
