package primary

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsoc/pgpool2/internal/pgprobe"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

func backendsAt(statuses ...sharedstate.BackendStatus) []sharedstate.BackendDescriptor {
	out := make([]sharedstate.BackendDescriptor, len(statuses))
	for i, s := range statuses {
		out[i] = sharedstate.BackendDescriptor{ID: i, Host: "10.0.0.1", Port: 5432 + i, Status: s}
	}
	return out
}

func TestFindOnceNoPrimaryReturnsUnknown(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		return pgprobe.Result{InRecovery: true}, nil
	}, false, 0)

	res := f.FindOnce(context.Background(), backendsAt(sharedstate.Up, sharedstate.Up))
	assert.Equal(t, -1, res.PrimaryID)
}

func TestFindOnceSinglePrimaryNoStandbys(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		return pgprobe.Result{InRecovery: false}, nil
	}, false, 0)

	res := f.FindOnce(context.Background(), backendsAt(sharedstate.Up))
	assert.Equal(t, 0, res.PrimaryID)
}

func TestFindOnceSkipsUnreachableBackends(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		if port == 5432 {
			return pgprobe.Result{}, errors.New("connection refused")
		}
		return pgprobe.Result{InRecovery: false}, nil
	}, false, 0)

	res := f.FindOnce(context.Background(), backendsAt(sharedstate.Up, sharedstate.Up))
	assert.Equal(t, 1, res.PrimaryID)
}

func TestFindOnceMultiplePrimariesDetachFalsePrimary(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		return pgprobe.Result{InRecovery: false}, nil
	}, true, 0)

	res := f.FindOnce(context.Background(), backendsAt(sharedstate.Up, sharedstate.Up))
	require.Equal(t, 0, res.PrimaryID, "lowest-indexed primary must be trusted")
	assert.Equal(t, []int{1}, res.Invalidated)
}

func TestFindOnceMultiplePrimariesWithoutDetach(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		return pgprobe.Result{InRecovery: false}, nil
	}, false, 0)

	res := f.FindOnce(context.Background(), backendsAt(sharedstate.Up, sharedstate.Up))
	assert.Equal(t, 0, res.PrimaryID)
	assert.Empty(t, res.Invalidated, "without detach_false_primary, extra primaries are marked UNUSED, not INVALID")
}

func TestFindOnceStandbyOwnershipConfirmsPrimary(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		if port == 5432 {
			return pgprobe.Result{InRecovery: false, PGVersion: sharedstate.PGVersion{Major: 15}}, nil
		}
		return pgprobe.Result{
			InRecovery: true,
			PGVersion:  sharedstate.PGVersion{Major: 15},
			WALReceiver: &pgprobe.WALReceiverStatus{
				Status: "streaming", SenderHost: "10.0.0.1", SenderPort: 5432,
			},
		}, nil
	}, true, 0)

	res := f.FindOnce(context.Background(), backendsAt(sharedstate.Up, sharedstate.Up))
	assert.Equal(t, 0, res.PrimaryID)
	assert.Empty(t, res.Invalidated)
}

func TestFindOnceUnownedStandbyInvalidatesPrimaryWhenDetachEnabled(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		if port == 5432 {
			return pgprobe.Result{InRecovery: false, PGVersion: sharedstate.PGVersion{Major: 15}}, nil
		}
		return pgprobe.Result{
			InRecovery: true,
			PGVersion:  sharedstate.PGVersion{Major: 15},
			WALReceiver: &pgprobe.WALReceiverStatus{
				Status: "streaming", SenderHost: "10.0.0.99", SenderPort: 9999,
			},
		}, nil
	}, true, 0)

	res := f.FindOnce(context.Background(), backendsAt(sharedstate.Up, sharedstate.Up))
	assert.Equal(t, -1, res.PrimaryID)
	assert.Equal(t, []int{0}, res.Invalidated)
}

func TestFindOnceGatesOwnershipCheckOnAnyNodesVersionNotJustPrimarys(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		if port == 5432 {
			// primary itself reports a pre-9.6 version
			return pgprobe.Result{InRecovery: false, PGVersion: sharedstate.PGVersion{Major: 9, Minor: 5}}, nil
		}
		// standby has already been upgraded and does not stream from this primary
		return pgprobe.Result{
			InRecovery: true,
			PGVersion:  sharedstate.PGVersion{Major: 9, Minor: 6},
			WALReceiver: &pgprobe.WALReceiverStatus{
				Status: "streaming", SenderHost: "10.0.0.99", SenderPort: 9999,
			},
		}, nil
	}, true, 0)

	res := f.FindOnce(context.Background(), backendsAt(sharedstate.Up, sharedstate.Up))
	assert.Equal(t, -1, res.PrimaryID, "an unowned standby must invalidate the primary even when only the standby is >= 9.6")
	assert.Equal(t, []int{0}, res.Invalidated)
}

func TestFindEarlyExitsWhenAllBackendsDown(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		t.Fatal("probe must not be called when all backends are down")
		return pgprobe.Result{}, nil
	}, false, 0)

	res := f.Find(context.Background(), func() []sharedstate.BackendDescriptor {
		return backendsAt(sharedstate.Down, sharedstate.Down)
	}, -1, nil)
	assert.Equal(t, -1, res.PrimaryID)
}

func TestFindEarlyExitsWhenFollowPrimaryOngoing(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		t.Fatal("probe must not be called while follow-primary is ongoing")
		return pgprobe.Result{}, nil
	}, false, 0)

	res := f.Find(context.Background(), func() []sharedstate.BackendDescriptor {
		return backendsAt(sharedstate.Up)
	}, 3, func() bool { return true })
	assert.Equal(t, 3, res.PrimaryID)
}

func TestFindRetriesUntilPrimaryAppears(t *testing.T) {
	attempts := 0
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		attempts++
		return pgprobe.Result{InRecovery: attempts < 2}, nil
	}, false, 0)
	f.RetryInterval = 5 * time.Millisecond

	res := f.Find(context.Background(), func() []sharedstate.BackendDescriptor {
		return backendsAt(sharedstate.Up)
	}, -1, nil)
	assert.Equal(t, 0, res.PrimaryID)
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestFindRespectsSearchTimeout(t *testing.T) {
	f := New(func(ctx context.Context, host string, port int) (pgprobe.Result, error) {
		return pgprobe.Result{InRecovery: true}, nil
	}, false, 20*time.Millisecond)
	f.RetryInterval = 5 * time.Millisecond

	start := time.Now()
	res := f.Find(context.Background(), func() []sharedstate.BackendDescriptor {
		return backendsAt(sharedstate.Up)
	}, -1, nil)
	assert.Equal(t, -1, res.PrimaryID)
	assert.Less(t, time.Since(start), time.Second)
}
