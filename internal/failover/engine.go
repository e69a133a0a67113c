// Package failover implements the Failover Engine described in
// SPEC_FULL.md §4.5: it drains the request queue, applies node-state
// transitions, decides worker restart scope, and runs the operator's
// configured shell commands.
package failover

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/primary"
	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// WorkerController is the subset of the Worker Registry the engine
// needs to decide and execute a restart scope.
type WorkerController interface {
	RestartAll()
	RestartSelective(targetNodeID int)
	MarkAllNeedRestart()
	SendSIGUSR1ToQueryWorkers()
	RestartPCPWorker()
}

// WatchdogNotifier lets peer supervisors quiesce conflicting
// operations before a transition is applied.
type WatchdogNotifier interface {
	NotifyFailoverStart(ctx context.Context, req queue.NodeStateRequest) error
}

// FollowPrimaryRunner forks the short-lived follow-primary child and
// runs follow_primary_command against every backend passed to it,
// under the follow-primary lock.
type FollowPrimaryRunner interface {
	Run(ctx context.Context, downNodeIDs []int)
}

// CommandRunner executes a rendered shell command and reports its
// exit code. The default implementation shells out via "sh -c".
type CommandRunner func(ctx context.Context, command string) (exitCode int, err error)

// RunShell is the default CommandRunner: it never returns an error for
// a nonzero exit, only for failure to start the shell itself, matching
// SPEC_FULL.md §4.5 step 7 ("exit code is logged, never aborts").
func RunShell(ctx context.Context, command string) (int, error) {
	if command == "" {
		return 0, nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Config carries the operator-facing knobs from SPEC_FULL.md §6.
type Config struct {
	StreamingReplicationMode bool
	DetachFalsePrimary       bool
	FailoverCommand          string
	FailbackCommand          string
	FollowPrimaryCommand     string
	SearchPrimaryTimeout     time.Duration
}

// Engine is the Failover Engine. It runs only inside the supervisor
// process.
type Engine struct {
	Region        *sharedstate.Region
	Finder        *primary.Finder
	Workers       WorkerController
	Watchdog      WatchdogNotifier
	FollowPrimary FollowPrimaryRunner
	Run           CommandRunner
	Config        Config

	now func() time.Time
}

// New builds an Engine. run may be nil to use RunShell.
func New(region *sharedstate.Region, finder *primary.Finder, workers WorkerController, wd WatchdogNotifier, fp FollowPrimaryRunner, run CommandRunner, cfg Config) *Engine {
	if run == nil {
		run = RunShell
	}
	return &Engine{
		Region: region, Finder: finder, Workers: workers,
		Watchdog: wd, FollowPrimary: fp, Run: run, Config: cfg,
		now: time.Now,
	}
}

// Drain processes every request currently in the queue, holding
// switching true for the whole pass, per SPEC_FULL.md §4.5 and the
// ordering guarantee in §5 that new requests enqueued mid-drain are
// folded into the same drain.
func (e *Engine) Drain(ctx context.Context) {
	e.Region.Queue.SetSwitching(true)
	defer e.Region.Queue.SetSwitching(false)

	needsPCPRestart := false
	for {
		req, ok := e.Region.Queue.Dequeue()
		if !ok {
			break
		}
		e.process(ctx, req)
		if req.Kind != queue.CloseIdle {
			needsPCPRestart = true
		}
	}

	if needsPCPRestart {
		e.Workers.RestartPCPWorker()
	}
}

// transitionContext threads the bookkeeping needed for restart-scope
// decisions and command substitution across the steps of one request.
type transitionContext struct {
	req              queue.NodeStateRequest
	validNodeIDs     []int
	oldPrimaryID     int
	oldMainID        int
	primaryChanged   bool
	allBackendsDown  bool
	touchedPrimary   bool
	newPrimaryID     int
	hadPrimaryRoleID int
}

func (e *Engine) process(ctx context.Context, req queue.NodeStateRequest) {
	tc := &transitionContext{req: req, hadPrimaryRoleID: -1}
	tc.oldPrimaryID = e.Region.PrimaryNodeID()
	tc.oldMainID = e.Region.MainNodeID()

	backends := e.Region.AllBackends()
	tc.allBackendsDown = allDown(backends)

	tc.validNodeIDs = e.validate(req, backends)
	if len(tc.validNodeIDs) == 0 && req.Kind != queue.CloseIdle {
		klog.Warning("failover: request had no valid targets", "kind", req.Kind.String())
		return
	}

	if e.Watchdog != nil {
		if err := e.Watchdog.NotifyFailoverStart(ctx, req); err != nil {
			klog.ErrorS(err, "failover: peer notification failed, proceeding locally")
		}
	}

	for _, id := range tc.validNodeIDs {
		if id == tc.oldPrimaryID {
			tc.touchedPrimary = true
		}
	}
	for _, b := range backends {
		if contains(tc.validNodeIDs, b.ID) && b.Role == sharedstate.RolePrimary {
			tc.hadPrimaryRoleID = b.ID
			break
		}
	}

	e.applyTransition(tc)

	newMain := e.getNextMainNode()
	e.Region.SetMainNodeID(newMain)

	tc.newPrimaryID = e.determineNewPrimary(ctx, tc)
	tc.primaryChanged = tc.newPrimaryID != tc.oldPrimaryID
	e.Region.SetPrimaryNodeID(tc.newPrimaryID)
	if tc.newPrimaryID >= 0 {
		e.Region.WithBackend(tc.newPrimaryID, func(b *sharedstate.BackendDescriptor) {
			b.Role = sharedstate.RolePrimary
		})
	}

	e.decideRestartScope(tc)
	e.executeCommands(ctx, tc)
	e.runFollowPrimaryIfNeeded(ctx, tc)
}

// validate implements step 1: reject NODE_UP on an already-UP node,
// NODE_DOWN on a node that isn't currently valid, and any out-of-range
// id, per SPEC_FULL.md §4.5.
func (e *Engine) validate(req queue.NodeStateRequest, backends []sharedstate.BackendDescriptor) []int {
	var valid []int
	for _, id := range req.NodeIDs {
		if id < 0 || id >= len(backends) {
			klog.Warning("failover: node_id out of range", "id", id)
			continue
		}
		b := backends[id]
		switch req.Kind {
		case queue.NodeUp:
			if b.Status == sharedstate.Up && !req.Flags.Has(queue.Update) {
				klog.Warning("failover: rejecting NODE_UP for already-UP node", "id", id)
				continue
			}
		case queue.NodeDown:
			if !b.IsAddressable() {
				klog.Warning("failover: rejecting NODE_DOWN for invalid node", "id", id)
				continue
			}
		}
		valid = append(valid, id)
	}
	if req.Kind == queue.CloseIdle {
		return req.NodeIDs
	}
	return valid
}

// applyTransition implements step 3.
func (e *Engine) applyTransition(tc *transitionContext) {
	now := e.timeNow()

	switch tc.req.Kind {
	case queue.NodeUp:
		for _, id := range tc.validNodeIDs {
			wasPrimary := false
			e.Region.WithBackend(id, func(b *sharedstate.BackendDescriptor) {
				wasPrimary = b.Role == sharedstate.RolePrimary
				b.Status = sharedstate.ConnectWait
				b.Quarantined = false
				b.StatusChangedAt = now
			})
			if tc.req.Flags.Has(queue.Update) && wasPrimary {
				e.Region.SetPrimaryNodeID(id)
			}
		}

	case queue.NodeDown, queue.Quarantine:
		for _, id := range tc.validNodeIDs {
			e.Region.WithBackend(id, func(b *sharedstate.BackendDescriptor) {
				b.Status = sharedstate.Down
				b.StatusChangedAt = now
				if tc.req.Kind == queue.Quarantine {
					b.Quarantined = true
				}
			})
		}

	case queue.Promote:
		if len(tc.validNodeIDs) > 0 {
			candidate := tc.validNodeIDs[0]
			e.Region.WithBackend(candidate, func(b *sharedstate.BackendDescriptor) {
				b.Role = sharedstate.RolePrimary
			})
		}

	case queue.CloseIdle:
		e.Workers.SendSIGUSR1ToQueryWorkers()
	}
}

// getNextMainNode returns the lowest-indexed valid backend, or -1,
// implementing SPEC_FULL.md §4.5 step 4.
func (e *Engine) getNextMainNode() int {
	for _, b := range e.Region.AllBackends() {
		if b.IsAddressable() {
			return b.ID
		}
	}
	return -1
}

// determineNewPrimary implements step 5.
func (e *Engine) determineNewPrimary(ctx context.Context, tc *transitionContext) int {
	backends := e.Region.AllBackends()

	for _, b := range backends {
		if b.Flags.Has(sharedstate.AlwaysPrimary) && b.IsAddressable() {
			return b.ID
		}
	}

	if tc.req.Kind == queue.CloseIdle {
		// CLOSE_IDLE changes no backend state, so the primary on record
		// stands and no discovery is run.
		return tc.oldPrimaryID
	}

	if tc.req.Kind == queue.NodeUp && tc.req.Flags.Has(queue.Update) {
		// UPDATE (quarantine clearing) never rediscovers the primary;
		// applyTransition already restored primary_node_id if this
		// node held it before being quarantined.
		return e.Region.PrimaryNodeID()
	}

	if (tc.req.Kind == queue.NodeDown || tc.req.Kind == queue.Quarantine) &&
		tc.oldPrimaryID < 0 && tc.hadPrimaryRoleID >= 0 {
		// The node being degenerated/quarantined held the primary role
		// before it was quarantined and no primary is currently on
		// record; restore it directly rather than re-running discovery,
		// so failover_command sees the correct old primary.
		return tc.hadPrimaryRoleID
	}

	if e.Config.StreamingReplicationMode && tc.req.Kind == queue.NodeDown && !tc.touchedPrimary {
		return tc.oldPrimaryID
	}

	needsFinderSearch := tc.touchedPrimary || tc.req.Kind == queue.Promote || tc.oldPrimaryID < 0
	if !needsFinderSearch {
		return tc.oldPrimaryID
	}

	res := e.Finder.Find(ctx, e.Region.AllBackends, tc.oldPrimaryID, func() bool {
		return e.Region.FollowPrimary().Ongoing
	})

	for _, invalidID := range res.Invalidated {
		e.Region.Queue.Enqueue(queue.NodeStateRequest{
			Kind:    queue.NodeDown,
			NodeIDs: []int{invalidID},
			Flags:   queue.Switchover | queue.Confirmed,
		}, true)
	}

	return res.PrimaryID
}

// decideRestartScope implements step 6.
func (e *Engine) decideRestartScope(tc *transitionContext) {
	if tc.req.Kind == queue.CloseIdle {
		return
	}

	fullRestart := !e.Config.StreamingReplicationMode ||
		tc.primaryChanged ||
		tc.allBackendsDown ||
		tc.touchedPrimary

	if fullRestart {
		e.Workers.RestartAll()
		return
	}

	isSwitchoverOfNonPrimary := tc.req.Flags.Has(queue.Switchover) && !tc.touchedPrimary
	isFailbackWhileOthersUp := tc.req.Kind == queue.NodeUp && !tc.allBackendsDown

	if isSwitchoverOfNonPrimary || isFailbackWhileOthersUp {
		for _, id := range tc.validNodeIDs {
			e.Workers.RestartSelective(id)
		}
		return
	}

	e.Workers.MarkAllNeedRestart()
}

// executeCommands implements step 7's printf-style substitution.
func (e *Engine) executeCommands(ctx context.Context, tc *transitionContext) {
	backends := e.Region.AllBackends()
	byID := func(id int) (sharedstate.BackendDescriptor, bool) {
		if id < 0 || id >= len(backends) {
			return sharedstate.BackendDescriptor{}, false
		}
		return backends[id], true
	}

	newMain, hasMain := byID(e.Region.MainNodeID())
	oldPrimary, hasOldPrimary := byID(tc.oldPrimaryID)

	switch tc.req.Kind {
	case queue.NodeDown, queue.Quarantine:
		for _, id := range tc.validNodeIDs {
			if e.Config.FailoverCommand == "" {
				continue
			}
			failed, _ := byID(id)
			subs := map[byte]string{
				'd': itoa(failed.ID), 'h': failed.Host, 'p': itoa(failed.Port), 'D': failed.DataDirectory,
				'm': orEmpty(hasMain, itoa(newMain.ID)), 'H': orEmpty(hasMain, newMain.Host), 'r': orEmpty(hasMain, itoa(newMain.Port)), 'R': orEmpty(hasMain, newMain.DataDirectory),
				'M': itoa(tc.oldMainID),
				'P': orEmpty(hasOldPrimary, itoa(oldPrimary.ID)), 'N': orEmpty(hasOldPrimary, oldPrimary.Host), 'S': orEmpty(hasOldPrimary, itoa(oldPrimary.Port)),
			}
			code, err := e.Run(ctx, renderTemplate(e.Config.FailoverCommand, subs))
			if err != nil {
				klog.ErrorS(err, "failover_command failed to start")
			} else {
				klog.InfoS("failover_command executed", "node", id, "exit_code", code)
			}
		}

	case queue.NodeUp:
		if tc.req.Flags.Has(queue.Update) || e.Config.FailbackCommand == "" {
			return
		}
		for _, id := range tc.validNodeIDs {
			backend, _ := byID(id)
			subs := map[byte]string{
				'd': itoa(backend.ID), 'h': backend.Host, 'p': itoa(backend.Port), 'D': backend.DataDirectory,
				'm': orEmpty(hasMain, itoa(newMain.ID)), 'H': orEmpty(hasMain, newMain.Host), 'r': orEmpty(hasMain, itoa(newMain.Port)), 'R': orEmpty(hasMain, newMain.DataDirectory),
				'M': itoa(tc.oldMainID),
				'P': orEmpty(hasOldPrimary, itoa(oldPrimary.ID)), 'N': orEmpty(hasOldPrimary, oldPrimary.Host), 'S': orEmpty(hasOldPrimary, itoa(oldPrimary.Port)),
			}
			code, err := e.Run(ctx, renderTemplate(e.Config.FailbackCommand, subs))
			if err != nil {
				klog.ErrorS(err, "failback_command failed to start")
			} else {
				klog.InfoS("failback_command executed", "node", id, "exit_code", code)
			}
		}
	}
}

// runFollowPrimaryIfNeeded implements step 8.
func (e *Engine) runFollowPrimaryIfNeeded(ctx context.Context, tc *transitionContext) {
	if !e.Config.StreamingReplicationMode || e.Config.FollowPrimaryCommand == "" || e.FollowPrimary == nil {
		return
	}
	primaryWentDown := tc.req.Kind == queue.NodeDown && tc.touchedPrimary
	if !primaryWentDown && tc.req.Kind != queue.Promote {
		return
	}

	var downIDs []int
	for _, b := range e.Region.AllBackends() {
		if b.ID == tc.newPrimaryID {
			continue
		}
		e.Region.WithBackend(b.ID, func(bd *sharedstate.BackendDescriptor) {
			bd.Status = sharedstate.Down
			bd.StatusChangedAt = e.timeNow()
		})
		downIDs = append(downIDs, b.ID)
	}
	if len(downIDs) == 0 {
		return
	}
	go e.FollowPrimary.Run(ctx, downIDs)
}

func (e *Engine) timeNow() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func contains(ids []int, id int) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func allDown(backends []sharedstate.BackendDescriptor) bool {
	for _, b := range backends {
		if b.IsAddressable() {
			return false
		}
	}
	return true
}

// RenderFollowPrimaryCommand renders follow_primary_command for a single
// DOWN node id with the %d %h %p %D (DOWN node) and %m %H %r %R (new
// main node) verbs of the table executeCommands applies to
// failover_command/failback_command (spec.md §4.5 step 7, §4.5 step 8);
// %M %P %N %S are not substituted here and stay as written.
// newMainID is the region's current main node id.
func RenderFollowPrimaryCommand(tmpl string, backends []sharedstate.BackendDescriptor, nodeID, newMainID int) string {
	byID := func(id int) (sharedstate.BackendDescriptor, bool) {
		if id < 0 || id >= len(backends) {
			return sharedstate.BackendDescriptor{}, false
		}
		return backends[id], true
	}
	down, _ := byID(nodeID)
	newMain, hasMain := byID(newMainID)
	subs := map[byte]string{
		'd': itoa(down.ID), 'h': down.Host, 'p': itoa(down.Port), 'D': down.DataDirectory,
		'm': orEmpty(hasMain, itoa(newMain.ID)), 'H': orEmpty(hasMain, newMain.Host), 'r': orEmpty(hasMain, itoa(newMain.Port)), 'R': orEmpty(hasMain, newMain.DataDirectory),
	}
	return renderTemplate(tmpl, subs)
}

func itoa(n int) string { return strconv.Itoa(n) }

// orEmpty implements "missing nodes yield ''" for a substitution verb
// whose backend context (new main, old primary) doesn't exist.
func orEmpty(has bool, v string) string {
	if !has {
		return ""
	}
	return v
}

// renderTemplate applies the %-substitutions from SPEC_FULL.md §4.5
// step 7. "%%" yields "%"; a verb with no entry in subs is written out
// unchanged ("%z" stays "%z"). Verbs whose node is missing in this
// context are given "" by the caller through orEmpty.
func renderTemplate(tmpl string, subs map[byte]string) string {
	var out bytes.Buffer
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		if c != '%' || i == len(tmpl)-1 {
			out.WriteByte(c)
			continue
		}
		verb := tmpl[i+1]
		i++
		if verb == '%' {
			out.WriteByte('%')
			continue
		}
		if v, ok := subs[verb]; ok {
			out.WriteString(v)
			continue
		}
		out.WriteByte('%')
		out.WriteByte(verb)
	}
	return out.String()
}
