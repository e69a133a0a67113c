// Package execspawn implements registry.Spawner over real os/exec
// child processes: the supervisor re-execs its own binary with a
// hidden worker subcommand identifying the role and slot index,
// grounded on cuemby-warren's ContainerdManager.Start/Stop process
// lifecycle (exec.CommandContext, a background goroutine blocked on
// cmd.Wait, SIGTERM-then-timeout-then-Kill on stop).
package execspawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/registry"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// WorkerSubcommand is the hidden argv[1] cmd/pgpool2 recognizes to run
// a single worker's loop instead of the supervisor.
const WorkerSubcommand = "__worker"

// Spawner forks worker processes by re-executing the running binary
// with WorkerSubcommand plus the kind/index/config the child needs to
// find its own way, per spec.md §4.4's roster.
type Spawner struct {
	// BinaryPath is the executable to re-exec, normally os.Args[0].
	BinaryPath string
	// ExtraArgs is appended after the worker/kind/index triple, used to
	// forward bootstrap flags (backend list, sockets) to the child.
	ExtraArgs []string
	Stdout    *os.File
	Stderr    *os.File

	mu   sync.Mutex
	cmds map[int]*exec.Cmd
}

// New builds a Spawner. If stdout/stderr are nil, children inherit the
// supervisor's own descriptors.
func New(binaryPath string, extraArgs []string, stdout, stderr *os.File) *Spawner {
	return &Spawner{BinaryPath: binaryPath, ExtraArgs: extraArgs, Stdout: stdout, Stderr: stderr, cmds: make(map[int]*exec.Cmd)}
}

// Spawn implements registry.Spawner.
func (s *Spawner) Spawn(ctx context.Context, kind sharedstate.WorkerKind, index int) (int, <-chan registry.WaitResult, error) {
	args := append([]string{WorkerSubcommand, kind.String(), fmt.Sprintf("%d", index)}, s.ExtraArgs...)
	cmd := exec.Command(s.BinaryPath, args...)
	cmd.Stdout = s.stdoutOrInherit()
	cmd.Stderr = s.stderrOrInherit()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("spawn %s[%d]: %w", kind, index, err)
	}

	pid := cmd.Process.Pid
	s.mu.Lock()
	s.cmds[pid] = cmd
	s.mu.Unlock()

	wait := make(chan registry.WaitResult, 1)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		delete(s.cmds, pid)
		s.mu.Unlock()
		wait <- toWaitResult(err)
	}()

	klog.V(2).InfoS("execspawn: forked worker", "kind", kind.String(), "index", index, "pid", pid)
	return pid, wait, nil
}

func (s *Spawner) stdoutOrInherit() *os.File {
	if s.Stdout != nil {
		return s.Stdout
	}
	return os.Stdout
}

func (s *Spawner) stderrOrInherit() *os.File {
	if s.Stderr != nil {
		return s.Stderr
	}
	return os.Stderr
}

// toWaitResult translates exec.Cmd.Wait's error into a
// registry.WaitResult, mirroring pgpool_main.c's wait(2)/WIFEXITED /
// WIFSIGNALED classification.
func toWaitResult(err error) registry.WaitResult {
	if err == nil {
		return registry.WaitResult{ExitCode: 0}
	}
	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		return registry.WaitResult{Err: err}
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if status.Signaled() {
			return registry.WaitResult{Signaled: true, Signal: status.Signal()}
		}
		return registry.WaitResult{ExitCode: status.ExitStatus()}
	}
	return registry.WaitResult{ExitCode: exitErr.ExitCode()}
}
