// Package followprimary implements the process-wide follow-primary
// mutual exclusion described in spec.md §4.7: it arbitrates between
// local follow-primary execution and remote (watchdog-originated)
// false-primary detach requests.
package followprimary

import (
	"sync"

	"k8s.io/klog/v2"
)

// Lock is the follow-primary lock: local/remote acquisition and the
// blocking-until-free behavior spec.md §4.7 requires. It is a
// standalone mutex/condvar pair, not a view over sharedstate.Region;
// Runner.SetOngoing is what keeps Region's FollowPrimaryState mirror
// in sync for callers (like the primary finder) that only have access
// to the region.
type Lock struct {
	mu   sync.Mutex
	cond *sync.Cond

	held         bool
	heldRemotely bool
	pending      bool
}

// New creates a free follow-primary lock.
func New() *Lock {
	l := &Lock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// count returns 0 (free) or 1 (held), matching spec.md's
// follow_primary_count field.
func (l *Lock) count() int {
	if l.held {
		return 1
	}
	return 0
}

// Acquire attempts to take the lock. Local callers (remote=false) may
// block until it frees if block is true. Remote requests never block:
// if the lock is already held, a remote acquisition marks
// LockPending and returns false immediately, per spec.md §4.7.
//
// A second remote acquisition attempt while the lock is already held
// remotely is a no-op that logs a warning and returns false, matching
// "exactly one remote-held lock is supported."
func (l *Lock) Acquire(block, remote bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if remote && l.held && l.heldRemotely {
		klog.Warning("follow-primary lock already held remotely; ignoring duplicate remote acquisition")
		return false
	}

	if !l.held {
		l.held = true
		l.heldRemotely = remote
		return true
	}

	if remote {
		l.pending = true
		return false
	}

	if !block {
		return false
	}

	for l.held {
		l.cond.Wait()
	}
	l.held = true
	l.heldRemotely = false
	return true
}

// Release releases the lock. A local release transfers the lock to
// the remote node if a remote request is pending (count stays 1,
// heldRemotely becomes true, pending clears); otherwise the lock goes
// free. A remote release only clears a remotely-held lock; releasing
// an idle lock remotely is a no-op. In both cases the pending flag is
// always cleared, matching spec.md §4.7.
func (l *Lock) Release(remote bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	defer func() { l.pending = false }()

	if remote {
		if l.held && l.heldRemotely {
			l.held = false
			l.heldRemotely = false
			l.cond.Broadcast()
		}
		return
	}

	if !l.held {
		return
	}

	if l.pending {
		l.heldRemotely = true
		return
	}

	l.held = false
	l.heldRemotely = false
	l.cond.Broadcast()
}

// State is a read-only snapshot of the lock, for status reporting and
// tests.
type State struct {
	Held         bool
	Count        int
	HeldRemotely bool
	LockPending  bool
}

// Snapshot returns the current lock state.
func (l *Lock) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		Held:         l.held,
		Count:        l.count(),
		HeldRemotely: l.heldRemotely,
		LockPending:  l.pending,
	}
}
