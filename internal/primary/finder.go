// Package primary implements the Primary Finder described in
// SPEC_FULL.md §4.6: it probes every addressable backend, classifies
// each as PRIMARY/STANDBY/UNUSED, and resolves multi-primary
// split-brain according to the fixed rule set.
package primary

import (
	"context"
	"errors"
	"sort"
	"time"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/pgprobe"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// Classification is the per-backend result of one probe pass.
type Classification struct {
	ID      int
	Role    sharedstate.BackendRole
	Invalid bool
}

// Prober is the subset of pgprobe.Probe's behavior the finder needs;
// an interface so tests can substitute canned backends instead of
// dialing real Postgres servers.
type Prober func(ctx context.Context, host string, port int) (pgprobe.Result, error)

// Finder locates the true primary among a backend set on demand.
type Finder struct {
	Probe              Prober
	DetachFalsePrimary bool
	SearchTimeout      time.Duration // 0 = infinite
	RetryInterval      time.Duration
}

// New builds a Finder. searchTimeout of 0 means retry forever, per
// SPEC_FULL.md §4.6.
func New(probe Prober, detachFalsePrimary bool, searchTimeout time.Duration) *Finder {
	retry := time.Second
	return &Finder{
		Probe:              probe,
		DetachFalsePrimary: detachFalsePrimary,
		SearchTimeout:      searchTimeout,
		RetryInterval:      retry,
	}
}

// Result is the outcome of a full resolution pass.
type Result struct {
	PrimaryID       int // -1 if none found
	Invalidated     []int
	Classifications []Classification
}

// FindOnce runs a single probe-and-classify pass without retrying,
// implementing find_primary_node's resolution rules.
func (f *Finder) FindOnce(ctx context.Context, backends []sharedstate.BackendDescriptor) Result {
	classes := make([]Classification, 0, len(backends))
	var primaries []probed
	var standbys []probed

	for _, b := range backends {
		if !b.IsAddressable() {
			continue
		}
		res, err := f.Probe(ctx, b.Host, b.Port)
		if err != nil {
			var pe *pgprobe.ProbeError
			if errors.As(err, &pe) && pe.Class == pgprobe.ClassProtocol {
				klog.Warning("primary finder: backend answered with a protocol error", "node", b.ID, "err", err)
			} else {
				klog.InfoS("primary finder: backend not respondent", "node", b.ID, "err", err)
			}
			classes = append(classes, Classification{ID: b.ID, Role: sharedstate.RoleUnknown})
			continue
		}
		if res.InRecovery {
			standbys = append(standbys, probed{b, res})
			classes = append(classes, Classification{ID: b.ID, Role: sharedstate.RoleStandby})
		} else {
			primaries = append(primaries, probed{b, res})
			classes = append(classes, Classification{ID: b.ID, Role: sharedstate.RolePrimary})
		}
	}

	sort.Slice(primaries, func(i, j int) bool { return primaries[i].desc.ID < primaries[j].desc.ID })

	switch len(primaries) {
	case 0:
		return Result{PrimaryID: -1, Classifications: classes}

	case 1:
		trusted := primaries[0]
		if len(standbys) == 0 {
			return Result{PrimaryID: trusted.desc.ID, Classifications: classes}
		}
		if trusted.res.PGVersion.AtLeast(9, 6) || anyAtLeast96(standbys) {
			owned := f.ownedStandbys(trusted.desc, standbys)
			if f.DetachFalsePrimary && owned < len(standbys) {
				klog.Warning("split brain suspected: primary does not own all standbys", "primary", trusted.desc.ID, "owned", owned, "standbys", len(standbys))
				return Result{PrimaryID: -1, Invalidated: []int{trusted.desc.ID}, Classifications: markInvalid(classes, trusted.desc.ID)}
			}
		}
		return Result{PrimaryID: trusted.desc.ID, Classifications: classes}

	default:
		trusted := primaries[0]
		var invalidated []int
		for _, p := range primaries[1:] {
			if f.DetachFalsePrimary {
				invalidated = append(invalidated, p.desc.ID)
				classes = markInvalid(classes, p.desc.ID)
			} else {
				classes = markUnused(classes, p.desc.ID)
			}
		}
		klog.Warning("split brain detected", "trusted", trusted.desc.ID, "invalidated", invalidated)
		return Result{PrimaryID: trusted.desc.ID, Invalidated: invalidated, Classifications: classes}
	}
}

// probed pairs a backend descriptor with its probe result.
type probed struct {
	desc sharedstate.BackendDescriptor
	res  pgprobe.Result
}

// ownedStandbys counts standbys whose pg_stat_wal_receiver reports
// status=streaming against primary's host:port, treating localhost as
// equivalent to a Unix-socket connection per SPEC_FULL.md §4.6.
func (f *Finder) ownedStandbys(primary sharedstate.BackendDescriptor, standbys []probed) int {
	owned := 0
	for _, s := range standbys {
		wal := s.res.WALReceiver
		if wal == nil || wal.Status != "streaming" {
			continue
		}
		if hostsEquivalent(wal.SenderHost, primary.Host) && wal.SenderPort == primary.Port {
			owned++
		}
	}
	return owned
}

// anyAtLeast96 reports whether any standby's own reported server
// version is >= 9.6, per SPEC_FULL.md §4.6 ("if server version >= 9.6.0
// on any node"): a primary running an older release alongside a
// standby that has already been upgraded still has its WAL-receiver
// ownership checked.
func anyAtLeast96(standbys []probed) bool {
	for _, s := range standbys {
		if s.res.PGVersion.AtLeast(9, 6) {
			return true
		}
	}
	return false
}

func hostsEquivalent(a, b string) bool {
	norm := func(h string) string {
		if h == "localhost" || h == "" {
			return "local"
		}
		return h
	}
	return norm(a) == norm(b) || a == b
}

func markInvalid(classes []Classification, id int) []Classification {
	for i := range classes {
		if classes[i].ID == id {
			classes[i].Invalid = true
		}
	}
	return classes
}

func markUnused(classes []Classification, id int) []Classification {
	for i := range classes {
		if classes[i].ID == id {
			classes[i].Role = sharedstate.RoleUnknown
		}
	}
	return classes
}

// FollowPrimaryOngoing reports whether the caller should short-circuit
// the retry loop and return the current primary as-is, per
// SPEC_FULL.md §4.6's early exit rule.
type FollowPrimaryOngoing func() bool

// Find retries FindOnce at RetryInterval until it locates a primary,
// SearchTimeout elapses, all backends are down, or follow-primary
// activity is already in progress.
func (f *Finder) Find(ctx context.Context, backends func() []sharedstate.BackendDescriptor, currentPrimary int, followPrimaryOngoing FollowPrimaryOngoing) Result {
	var deadline <-chan time.Time
	if f.SearchTimeout > 0 {
		timer := time.NewTimer(f.SearchTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if followPrimaryOngoing != nil && followPrimaryOngoing() {
			return Result{PrimaryID: currentPrimary}
		}

		snapshot := backends()
		if allDown(snapshot) {
			return Result{PrimaryID: -1}
		}

		res := f.FindOnce(ctx, snapshot)
		if res.PrimaryID >= 0 {
			return res
		}

		select {
		case <-ctx.Done():
			return Result{PrimaryID: -1}
		case <-deadline:
			klog.Warning("primary finder: search_primary_node_timeout expired with no primary found")
			return Result{PrimaryID: -1}
		case <-time.After(f.RetryInterval):
		}
	}
}

func allDown(backends []sharedstate.BackendDescriptor) bool {
	for _, b := range backends {
		if b.IsAddressable() {
			return false
		}
	}
	return true
}
