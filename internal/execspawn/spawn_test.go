package execspawn

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offsoc/pgpool2/internal/registry"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

func TestSpawnStartsAndReapsRealProcess(t *testing.T) {
	binary, err := exec.LookPath("true")
	require.NoError(t, err)

	s := New(binary, nil, nil, nil)
	pid, wait, err := s.Spawn(context.Background(), sharedstate.HealthCheckWorker, 0)
	require.NoError(t, err)
	assert.Positive(t, pid)

	select {
	case result := <-wait:
		assert.Equal(t, registry.WaitResult{ExitCode: 0}, result)
	case <-time.After(2 * time.Second):
		t.Fatal("spawned process never reported exit")
	}
}

func TestToWaitResultNilIsCleanExit(t *testing.T) {
	assert.Equal(t, registry.WaitResult{ExitCode: 0}, toWaitResult(nil))
}

func TestToWaitResultNonExitErrorIsReportedAsErr(t *testing.T) {
	err := errors.New("boom")
	got := toWaitResult(err)
	assert.Equal(t, err, got.Err)
	assert.False(t, got.Signaled)
}

func TestToWaitResultClassifiesRealExitCode(t *testing.T) {
	cmd := exec.Command("sh", "-c", "exit 7")
	err := cmd.Run()
	got := toWaitResult(err)
	assert.False(t, got.Signaled)
	assert.Equal(t, 7, got.ExitCode)
}

func TestToWaitResultClassifiesRealSignal(t *testing.T) {
	cmd := exec.Command("sh", "-c", "kill -TERM $$")
	err := cmd.Run()
	got := toWaitResult(err)
	assert.True(t, got.Signaled)
	assert.Equal(t, syscall.SIGTERM, got.Signal)
}
