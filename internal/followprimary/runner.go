package followprimary

import (
	"context"

	"k8s.io/klog/v2"
)

// Runner implements failover.FollowPrimaryRunner: it acquires the
// follow-primary lock, forks the short-lived child via Spawn, invokes
// RenderCommand once per DOWN backend and runs the rendered shell
// command, then releases the lock, per spec.md §4.5 step 8 and §4.7.
type Runner struct {
	Lock *Lock

	// Spawn forks the follow-primary child, per spec.md §4.4's roster
	// entry. May be nil in tests that only need the lock/command
	// behavior exercised.
	Spawn func(ctx context.Context) (pid int, err error)

	// RenderCommand renders follow_primary_command for one DOWN node
	// id; the production wiring uses failover.RenderFollowPrimaryCommand,
	// which substitutes the DOWN-node and new-main-node verbs only.
	RenderCommand func(nodeID int) string

	// RunShell executes a rendered command and reports its exit code.
	RunShell func(ctx context.Context, command string) (exitCode int, err error)

	// SetOngoing mirrors run state into the shared state region's
	// follow_primary_ongoing field, which the Primary Finder's retry
	// loop polls to short-circuit while a follow-primary run is in
	// flight (spec.md §4.6). May be nil in tests that don't need it.
	SetOngoing func(ongoing bool)
}

// Run implements failover.FollowPrimaryRunner.
func (r *Runner) Run(ctx context.Context, downNodeIDs []int) {
	if r.RenderCommand == nil || r.RunShell == nil {
		return
	}
	if !r.Lock.Acquire(true, false) {
		klog.Warning("follow-primary: could not acquire lock, skipping run")
		return
	}
	defer r.Lock.Release(false)

	if r.SetOngoing != nil {
		r.SetOngoing(true)
		defer r.SetOngoing(false)
	}

	if r.Spawn != nil {
		if _, err := r.Spawn(ctx); err != nil {
			klog.ErrorS(err, "follow-primary: failed to fork child")
			return
		}
	}

	for _, id := range downNodeIDs {
		command := r.RenderCommand(id)
		if command == "" {
			continue
		}
		code, err := r.RunShell(ctx, command)
		if err != nil {
			klog.ErrorS(err, "follow-primary: command failed to start", "node", id)
			continue
		}
		klog.InfoS("follow-primary: command finished", "node", id, "exit_code", code)
	}
}
