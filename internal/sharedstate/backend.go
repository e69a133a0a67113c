// Package sharedstate implements the process-wide state that spec.md
// §4.1 describes as a shared memory region: backend descriptors,
// worker slots, connection-info, signal slots, and the global request
// info block, along with the named mutexes that guard them.
//
// In this rewrite the region lives in the supervisor process only;
// workers are separate OS processes that observe it through
// socket-framed snapshots rather than mapped pages (see SPEC_FULL.md
// §5). The locking discipline described in spec.md is preserved.
package sharedstate

import "time"

// BackendStatus is the lifecycle status of one backend.
type BackendStatus int

const (
	Unused BackendStatus = iota
	ConnectWait
	Up
	Down
)

func (s BackendStatus) String() string {
	switch s {
	case Unused:
		return "unused"
	case ConnectWait:
		return "connect_wait"
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// BackendRole is a backend's replication role.
type BackendRole int

const (
	RoleUnknown BackendRole = iota
	RolePrimary
	RoleStandby
)

func (r BackendRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleStandby:
		return "standby"
	default:
		return "unknown"
	}
}

// BackendFlag is a bitmask of static per-backend configuration flags.
type BackendFlag uint8

const (
	AlwaysPrimary BackendFlag = 1 << iota
	DisallowToFailover
)

func (f BackendFlag) Has(flag BackendFlag) bool { return f&flag != 0 }

// PGVersion is a parsed PostgreSQL server_version_num-style version.
type PGVersion struct {
	Major int
	Minor int
	Patch int
}

// AtLeast reports whether v is >= (major, minor, 0).
func (v PGVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

// BackendDescriptor describes one downstream database backend.
// Fields are mutated only under Region.backendMu, except for
// StatusChangedAt which is always paired with a Status write and
// Quarantined which the Failover Engine and Watchdog Sync update in
// the same critical section as Status.
type BackendDescriptor struct {
	ID            int
	Host          string
	Port          int
	DataDirectory string
	Flags         BackendFlag
	// Weight is a load-balancing weight, carried through from
	// configuration but not consulted by the failover algorithm
	// itself (see SPEC_FULL.md §3).
	Weight float64

	Status          BackendStatus
	Role            BackendRole
	Quarantined     bool
	StatusChangedAt time.Time
	PGVersion       PGVersion
}

// IsAddressable reports the invariant from spec.md §3: a backend is
// usable only when Status is CONNECT_WAIT or UP and it is not
// quarantined.
func (b *BackendDescriptor) IsAddressable() bool {
	return (b.Status == ConnectWait || b.Status == Up) && !b.Quarantined
}
