// Package signalrouter translates asynchronous OS signals into
// deferred work items processed at known points, per spec.md §4.3.
// Signal handlers only set a flag and write one byte to a self-pipe;
// all real work happens on the main loop goroutine after the wake
// select returns.
package signalrouter

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// WakeTimeout is the fixed poll interval the main loop falls back to
// when no signal arrives, matching spec.md §4.3's "select on the
// self-pipe with a 3-second timeout."
const WakeTimeout = 3 * time.Second

// Router owns the self-pipe and the volatile request flags that OS
// signal handlers are allowed to touch.
type Router struct {
	sigCh chan os.Signal

	wakeupRequest       int32
	sigusr1Request      int32
	sigchldRequest      int32
	reloadConfigRequest int32

	pipeR *os.File
	pipeW *os.File

	signals *sharedstate.SignalSlot

	shutdownMu sync.Mutex
	shutdown   os.Signal
}

// New creates a Router backed by signals SignalSlot and installs
// handlers for the signals spec.md §6 lists as consumed: SIGCHLD,
// SIGUSR1, SIGUSR2 (wakeup), SIGHUP, SIGTERM/SIGINT/SIGQUIT, and
// SIGPIPE (ignored).
func New(signals *sharedstate.SignalSlot) (*Router, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	router := &Router{
		sigCh:   make(chan os.Signal, 64),
		pipeR:   r,
		pipeW:   w,
		signals: signals,
	}

	signal.Notify(router.sigCh,
		syscall.SIGCHLD,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGPIPE,
	)

	go router.dispatch()

	return router, nil
}

// dispatch is the async "handler" side: it only sets flags and pokes
// the self-pipe, deliberately avoiding anything not async-signal-safe
// in spirit (in Go this runs on an ordinary goroutine, but the
// discipline is kept so the design stays portable to a cgo signal
// handler if ever needed).
func (r *Router) dispatch() {
	for sig := range r.sigCh {
		switch sig {
		case syscall.SIGCHLD:
			atomic.StoreInt32(&r.sigchldRequest, 1)
		case syscall.SIGUSR1:
			atomic.StoreInt32(&r.sigusr1Request, 1)
		case syscall.SIGUSR2:
			atomic.StoreInt32(&r.wakeupRequest, 1)
		case syscall.SIGHUP:
			atomic.StoreInt32(&r.reloadConfigRequest, 1)
		case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
			r.shutdownMu.Lock()
			r.shutdown = sig
			r.shutdownMu.Unlock()
		case syscall.SIGPIPE:
			// ignored, matching spec.md §6.
			continue
		default:
			continue
		}
		r.poke()
	}
}

// ShutdownRequested returns the terminal signal that requested
// shutdown, or nil if none has arrived yet.
func (r *Router) ShutdownRequested() os.Signal {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	return r.shutdown
}

func (r *Router) poke() {
	_, err := r.pipeW.Write([]byte{0})
	_ = err // a full pipe buffer means a wake is already pending
}

// Wait blocks until either the self-pipe is poked or WakeTimeout
// elapses, matching spec.md §4.3/§5's suspension point.
func (r *Router) Wait() {
	deadline := time.Now().Add(WakeTimeout)
	buf := make([]byte, 64)
	r.pipeR.SetReadDeadline(deadline)
	r.pipeR.Read(buf) //nolint:errcheck // timeout is expected and not an error condition here
}

// DrainOrder is the fixed order in which the main loop checks request
// flags, per spec.md §4.3.
type DrainOrder struct {
	Wakeup       bool
	SigUSR1      bool
	SigCHLD      bool
	ReloadConfig bool
}

// Drain atomically reads and clears the four top-level request flags
// in the fixed priority order the loop must check them in.
func (r *Router) Drain() DrainOrder {
	return DrainOrder{
		Wakeup:       atomic.CompareAndSwapInt32(&r.wakeupRequest, 1, 0),
		SigUSR1:      atomic.CompareAndSwapInt32(&r.sigusr1Request, 1, 0),
		SigCHLD:      atomic.CompareAndSwapInt32(&r.sigchldRequest, 1, 0),
		ReloadConfig: atomic.CompareAndSwapInt32(&r.reloadConfigRequest, 1, 0),
	}
}

// SigUSR1Pending reports whether another SIGUSR1 arrived while the
// loop was processing SignalSlot, used to implement "loop until
// sigusr1_request stays 0 for one full pass" (spec.md §4.3).
func (r *Router) SigUSR1Pending() bool {
	return atomic.LoadInt32(&r.sigusr1Request) == 1
}

// DrainSignalSlot processes SignalSlot bits in the fixed priority
// order spec.md §4.3 mandates, invoking handler once per set flag and
// clearing it first. It loops until a full pass finds nothing left to
// do and no SIGUSR1 re-arms during processing.
func (r *Router) DrainSignalSlot(handler func(sharedstate.SignalFlag)) {
	order := []sharedstate.SignalFlag{
		sharedstate.WatchdogQuorumChanged,
		sharedstate.InformQuarantineNodes,
		sharedstate.BackendSyncRequired,
		sharedstate.WatchdogStateChanged,
		sharedstate.FailoverInterrupt,
	}

	for {
		acted := false
		for _, flag := range order {
			if r.signals.TestAndClear(flag) {
				acted = true
				handler(flag)
			}
		}
		if !acted && !r.SigUSR1Pending() {
			return
		}
		// Consume any re-arm so a fresh burst gets a fresh pass.
		atomic.CompareAndSwapInt32(&r.sigusr1Request, 1, 0)
	}
}

// Close releases the self-pipe file descriptors.
func (r *Router) Close() error {
	signal.Stop(r.sigCh)
	close(r.sigCh)
	r.pipeR.Close()
	return r.pipeW.Close()
}
