// Package listeners opens the sockets described in SPEC_FULL.md §6:
// the client-facing Unix-domain socket, the PCP Unix-domain socket,
// and one INET listener per configured listen address. Query proxying
// and PCP command handling are out of scope (spec.md §1 Non-goals),
// so accepted connections are simply closed; what matters here is
// that the sockets exist, honor the same backlog/permission/cleanup
// rules the original process does, and can be probed by anything that
// dials them.
package listeners

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Config is the socket-shaped subset of the operator config needed to
// open every listener.
type Config struct {
	SocketDir       string
	PCPSocketDir    string
	Port            int
	PCPPort         int
	ListenAddresses []string
	Backlog         int
}

// Sockets holds every listener opened at startup.
type Sockets struct {
	Client net.Listener
	PCP    net.Listener
	INET   []net.Listener
}

// ClientSocketPath returns the path pgpool's own client socket
// convention would use: <dir>/.s.PGSQL.<port>.
func ClientSocketPath(dir string, port int) string {
	return filepath.Join(dir, fmt.Sprintf(".s.PGSQL.%d", port))
}

// Open opens the client socket, the PCP socket, and every INET
// listener cfg.ListenAddresses names. INET binding failures are
// logged and skipped per-address (an unavailable address family is
// not fatal); failure to open either Unix-domain socket is fatal,
// since nothing else in the roster can serve without one.
func Open(cfg Config) (*Sockets, error) {
	s := &Sockets{}

	client, err := listenUnix(ClientSocketPath(cfg.SocketDir, cfg.Port), cfg.Backlog)
	if err != nil {
		return nil, fmt.Errorf("open client socket: %w", err)
	}
	s.Client = client

	pcp, err := listenUnix(ClientSocketPath(cfg.PCPSocketDir, cfg.PCPPort), cfg.Backlog)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open pcp socket: %w", err)
	}
	s.PCP = pcp

	for _, addr := range cfg.ListenAddresses {
		ips, err := resolveListenAddr(addr)
		if err != nil {
			klog.ErrorS(err, "listeners: could not resolve listen address, skipping", "addr", addr)
			continue
		}
		for _, ip := range ips {
			l, err := listenTCP(ip, cfg.Port, cfg.Backlog)
			if err != nil {
				klog.ErrorS(err, "listeners: could not open INET listener, skipping", "addr", ip.String())
				continue
			}
			s.INET = append(s.INET, l)
		}
	}

	return s, nil
}

// Serve accepts connections on every listener until ctx is cancelled.
// Each accepted connection is closed immediately.
func (s *Sockets) Serve(ctx context.Context) {
	for _, l := range s.all() {
		go acceptAndDrain(ctx, l)
	}
}

// Close closes every listener. The Unix-domain sockets remove their
// own socket file on close, matching spec.md §6's "removed on exit."
func (s *Sockets) Close() {
	for _, l := range s.all() {
		if l != nil {
			l.Close()
		}
	}
}

func (s *Sockets) all() []net.Listener {
	all := make([]net.Listener, 0, 2+len(s.INET))
	if s.Client != nil {
		all = append(all, s.Client)
	}
	if s.PCP != nil {
		all = append(all, s.PCP)
	}
	return append(all, s.INET...)
}

func acceptAndDrain(ctx context.Context, l net.Listener) {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func resolveListenAddr(addr string) ([]net.IP, error) {
	switch addr {
	case "*", "":
		return []net.IP{net.IPv4zero, net.IPv6unspecified}, nil
	}
	if ip := net.ParseIP(addr); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.LookupIP(addr)
}

// unlinkOnCloseListener removes its Unix-domain socket path when
// closed, since the fd was opened via a raw socket()/bind()/listen()
// sequence (to control the listen backlog) rather than net.ListenUnix,
// which would otherwise do this for us.
type unlinkOnCloseListener struct {
	net.Listener
	path string
}

func (l *unlinkOnCloseListener) Close() error {
	err := l.Listener.Close()
	os.Remove(l.path)
	return err
}

// listenUnix opens a Unix-domain stream socket at path with the given
// listen backlog, mode 0777, matching spec.md §6. net.ListenUnix does
// not expose backlog control, so this goes through the raw
// socket/bind/listen sequence and wraps the resulting fd with
// net.FileListener.
func listenUnix(path string, backlog int) (net.Listener, error) {
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0777); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}

	l, err := fileListenerFromFD(fd, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return &unlinkOnCloseListener{Listener: l, path: path}, nil
}

// listenTCP opens a TCP listener bound to ip:port with SO_REUSEADDR
// set, IPV6_V6ONLY set for IPv6 sockets, and the given listen backlog.
func listenTCP(ip net.IP, port, backlog int) (net.Listener, error) {
	domain := unix.AF_INET
	if ip.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if domain == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
		}
	}

	if err := unix.Bind(fd, sockaddrFor(ip, port)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s:%d: %w", ip, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s:%d: %w", ip, port, err)
	}

	return fileListenerFromFD(fd, fmt.Sprintf("%s:%d", ip, port))
}

func sockaddrFor(ip net.IP, port int) unix.Sockaddr {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa
}

// fileListenerFromFD wraps a raw, already-listening socket fd as a
// net.Listener. net.FileListener dups the fd internally, so the
// os.File wrapper is closed once the dup succeeds.
func fileListenerFromFD(fd int, name string) (net.Listener, error) {
	f := os.NewFile(uintptr(fd), name)
	l, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("wrap listener fd for %s: %w", name, err)
	}
	return l, nil
}
