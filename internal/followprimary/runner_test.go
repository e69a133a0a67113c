package followprimary

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerRunsCommandPerDownNodeUnderLock(t *testing.T) {
	lock := New()
	var spawned bool
	var ran []string

	r := &Runner{
		Lock: lock,
		Spawn: func(ctx context.Context) (int, error) {
			spawned = true
			return 1234, nil
		},
		RenderCommand: func(nodeID int) string {
			return "notify-" + string(rune('0'+nodeID))
		},
		RunShell: func(ctx context.Context, command string) (int, error) {
			ran = append(ran, command)
			return 0, nil
		},
	}

	r.Run(context.Background(), []int{1, 2})

	assert.True(t, spawned)
	assert.Equal(t, []string{"notify-1", "notify-2"}, ran)
	assert.False(t, lock.Snapshot().Held, "lock must be released after the run completes")
}

func TestRunnerTogglesSetOngoingAroundRun(t *testing.T) {
	lock := New()
	var states []bool

	r := &Runner{
		Lock:          lock,
		RenderCommand: func(int) string { return "cmd" },
		RunShell: func(ctx context.Context, command string) (int, error) {
			return 0, nil
		},
		SetOngoing: func(ongoing bool) { states = append(states, ongoing) },
	}

	r.Run(context.Background(), []int{1})
	assert.Equal(t, []bool{true, false}, states)
}

func TestRunnerBlocksUntilLockFreesThenRuns(t *testing.T) {
	lock := New()
	require.True(t, lock.Acquire(false, true)) // held remotely

	ran := make(chan string, 1)
	r := &Runner{
		Lock:          lock,
		RenderCommand: func(int) string { return "cmd" },
		RunShell: func(ctx context.Context, command string) (int, error) {
			ran <- command
			return 0, nil
		},
	}

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), []int{1})
		close(done)
	}()

	select {
	case <-ran:
		t.Fatal("runner must not proceed while the lock is held remotely")
	case <-time.After(50 * time.Millisecond):
	}

	lock.Release(true)

	select {
	case cmd := <-ran:
		assert.Equal(t, "cmd", cmd)
	case <-time.After(time.Second):
		t.Fatal("runner never proceeded after the remote lock released")
	}
	<-done
}

func TestRunnerSkipsEmptyRenderedCommand(t *testing.T) {
	lock := New()
	var ran bool
	r := &Runner{
		Lock:          lock,
		RenderCommand: func(int) string { return "" },
		RunShell: func(ctx context.Context, command string) (int, error) {
			ran = true
			return 0, nil
		},
	}

	r.Run(context.Background(), []int{1})
	assert.False(t, ran)
}
