// Package workersock implements the per-worker control socket
// described in SPEC_FULL.md §6: a Unix-domain listener the supervisor
// opens and every forked worker dials back into, exchanging
// newline-delimited JSON frames. It is the concrete mechanism behind
// WorkerSlot's per_pool_connection_info (spec.md §3) and gives worker
// processes a real path to enqueue node-state requests instead of
// only logging what they observe.
package workersock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/offsoc/pgpool2/internal/queue"
	"github.com/offsoc/pgpool2/internal/sharedstate"
)

// FrameType tags one line of the newline-delimited JSON protocol.
type FrameType string

const (
	// FrameIdentify is the first frame a worker sends after dialing,
	// telling the supervisor which roster slot it fills.
	FrameIdentify FrameType = "identify"
	// FrameConnectionInfo reports one pool slot's connection state.
	FrameConnectionInfo FrameType = "connection_info"
	// FrameNodeState asks the supervisor to enqueue a backend state
	// transition, the concrete replacement for HealthCheckWorker's
	// previous logged-only probe pass.
	FrameNodeState FrameType = "node_state"
	// FrameRestart is pushed supervisor->worker to request an
	// immediate, targeted restart (spec.md §4.5 step 6's selective
	// restart, applied without waiting for the next SIGCHLD cycle).
	FrameRestart FrameType = "restart"
	// FrameWake is pushed supervisor->worker as CLOSE_IDLE's
	// socket-framed counterpart to the SIGUSR1 broadcast.
	FrameWake FrameType = "wake"
)

// Frame is the wire shape of every line exchanged over the socket.
// Not every field is meaningful for every Type.
type Frame struct {
	Type      FrameType `json:"type"`
	Kind      string    `json:"kind,omitempty"`
	Index     int       `json:"index,omitempty"`
	Pool      int       `json:"pool,omitempty"`
	Backend   int       `json:"backend,omitempty"`
	Connected bool      `json:"connected,omitempty"`
	NodeIDs   []int     `json:"node_ids,omitempty"`
}

type workerKey struct {
	kind  sharedstate.WorkerKind
	index int
}

// Server is the supervisor side of the control socket: it accepts one
// connection per worker, tracks it by (kind, index), and dispatches
// incoming frames to the registered callbacks.
type Server struct {
	// OnConnectionInfo is invoked for every connection_info frame.
	OnConnectionInfo func(kind sharedstate.WorkerKind, workerIndex, pool, backend int, connected bool)
	// OnNodeStateRequest is invoked for every node_state frame; it is
	// the live bridge from a worker's observation to the request queue.
	OnNodeStateRequest func(req queue.NodeStateRequest)

	path string

	mu    sync.Mutex
	conns map[workerKey]net.Conn
	ln    net.Listener
}

// New builds a Server bound to the Unix-domain socket at path. Listen
// must be called before Serve.
func New(path string) *Server {
	return &Server{path: path, conns: make(map[workerKey]net.Conn)}
}

// Listen opens the control socket. Mode 0777, removed on exit,
// matching spec.md §6's Unix-domain socket conventions.
func (s *Server) Listen() error {
	_ = os.Remove(s.path)
	addr, err := net.ResolveUnixAddr("unix", s.path)
	if err != nil {
		return fmt.Errorf("resolve control socket addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("listen on control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0777); err != nil {
		ln.Close()
		return fmt.Errorf("chmod control socket: %w", err)
	}
	s.ln = ln
	return nil
}

// Serve accepts worker connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// Close shuts down the listener and every open worker connection.
func (s *Server) Close() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	var ident Frame
	if err := json.Unmarshal(scanner.Bytes(), &ident); err != nil || ident.Type != FrameIdentify {
		klog.Warning("workersock: connection did not identify itself, dropping")
		return
	}
	kind, err := sharedstate.ParseWorkerKind(ident.Kind)
	if err != nil {
		klog.ErrorS(err, "workersock: unknown worker kind in identify frame")
		return
	}
	key := workerKey{kind: kind, index: ident.Index}

	s.mu.Lock()
	s.conns[key] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, key)
		s.mu.Unlock()
	}()

	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			klog.ErrorS(err, "workersock: malformed frame", "kind", kind.String(), "index", ident.Index)
			continue
		}
		s.dispatch(kind, ident.Index, f)
	}
}

func (s *Server) dispatch(kind sharedstate.WorkerKind, index int, f Frame) {
	switch f.Type {
	case FrameConnectionInfo:
		if s.OnConnectionInfo != nil {
			s.OnConnectionInfo(kind, index, f.Pool, f.Backend, f.Connected)
		}
	case FrameNodeState:
		reqKind, err := parseRequestKind(f.Kind)
		if err != nil {
			klog.ErrorS(err, "workersock: bad node_state frame", "kind", kind.String(), "index", index)
			return
		}
		if s.OnNodeStateRequest != nil {
			s.OnNodeStateRequest(queue.NodeStateRequest{Kind: reqKind, NodeIDs: f.NodeIDs, Flags: queue.Confirmed})
		}
	default:
		klog.Warning("workersock: unexpected frame from worker", "type", f.Type, "kind", kind.String(), "index", index)
	}
}

// PushRestart sends a restart frame to the identified worker, if it is
// currently connected.
func (s *Server) PushRestart(kind sharedstate.WorkerKind, index int) error {
	return s.push(kind, index, Frame{Type: FrameRestart})
}

// PushWake sends a wake frame to the identified worker, if it is
// currently connected.
func (s *Server) PushWake(kind sharedstate.WorkerKind, index int) error {
	return s.push(kind, index, Frame{Type: FrameWake})
}

func (s *Server) push(kind sharedstate.WorkerKind, index int, f Frame) error {
	s.mu.Lock()
	conn, ok := s.conns[workerKey{kind: kind, index: index}]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no live connection for %s[%d]", kind.String(), index)
	}
	return json.NewEncoder(conn).Encode(f)
}

func parseRequestKind(s string) (queue.RequestKind, error) {
	for _, k := range []queue.RequestKind{queue.NodeUp, queue.NodeDown, queue.Promote, queue.Quarantine, queue.CloseIdle} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown request kind %q", s)
}

// Client is the worker side: it dials the control socket, identifies
// itself, can report connection state or ask the supervisor to enqueue
// a node-state request, and receives restart/wake frames the
// supervisor pushes back.
type Client struct {
	kind  sharedstate.WorkerKind
	index int

	mu     sync.Mutex
	conn   net.Conn
	enc    *json.Encoder
	frames chan Frame
}

// Dial connects to the control socket at path, sends the identify
// frame, and starts reading pushed frames in the background.
func Dial(path string, kind sharedstate.WorkerKind, index int) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	c := &Client{kind: kind, index: index, conn: conn, enc: json.NewEncoder(conn), frames: make(chan Frame, 4)}
	if err := c.send(Frame{Type: FrameIdentify, Kind: kind.String(), Index: index}); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// Frames returns the channel of frames pushed by the supervisor
// (restart, wake). It is closed when the connection is lost.
func (c *Client) Frames() <-chan Frame {
	return c.frames
}

func (c *Client) readLoop() {
	defer close(c.frames)
	scanner := bufio.NewScanner(c.conn)
	for scanner.Scan() {
		var f Frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			klog.ErrorS(err, "workersock: malformed frame from supervisor")
			continue
		}
		c.frames <- f
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ReportConnectionInfo sends a connection_info frame for one pool
// slot.
func (c *Client) ReportConnectionInfo(pool, backend int, connected bool) error {
	return c.send(Frame{Type: FrameConnectionInfo, Pool: pool, Backend: backend, Connected: connected})
}

// RequestNodeState asks the supervisor to enqueue kind for nodeIDs,
// the live counterpart to what used to be a logged-only probe result.
func (c *Client) RequestNodeState(kind queue.RequestKind, nodeIDs []int) error {
	return c.send(Frame{Type: FrameNodeState, Kind: kind.String(), NodeIDs: nodeIDs})
}

func (c *Client) send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Encode(f)
}
