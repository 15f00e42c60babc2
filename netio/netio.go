//go:build linux

// Package netio is a thin buffered socket layer over the runtime's
// event sinks: a TCP listener served by a regular-input sink and
// connections served by one-shot sinks with fiber-driven reads and
// writes. A connection's fiber blocks on readiness; the event loop
// resumes it through the sink's fiber binding.
package netio

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/mainmemory"
)

// Handler serves one accepted connection. It runs on a fiber of the
// listener's context and owns conn; close it before returning.
type Handler func(c *mainmemory.Context, conn *Conn)

// eventErrorFlags marks a connection unusable in either direction.
const eventErrorFlags = mainmemory.FlagInputError | mainmemory.FlagOutputError

// Listener accepts TCP connections through a regular-input sink.
type Listener struct {
	d       *mainmemory.Dispatch
	sink    mainmemory.Sink
	fd      int
	handler Handler
	attr    mainmemory.FiberAttr
}

// Listen binds addr (e.g. "0.0.0.0:7777"), registers the accept sink on
// the calling context and serves each connection on its own fiber. Must
// run on context c.
func Listen(c *mainmemory.Context, addr string, handler Handler) (*Listener, error) {
	sa, err := parseSockaddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	l := &Listener{
		d:       c.Dispatch(),
		fd:      fd,
		handler: handler,
	}
	tasks := l.d.PrepareIO(l.accept, nil)
	mainmemory.PrepareFD(&l.sink, fd, mainmemory.FlagRegularInput, tasks, func(*mainmemory.Sink) {
		_ = unix.Close(fd)
	})
	if err := c.RegisterSink(&l.sink); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return l, nil
}

// Port returns the bound local port.
func (l *Listener) Port() (int, error) {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return 0, err
	}
	in, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("netio: unexpected sockaddr %T", sa)
	}
	return in.Port, nil
}

// Close shuts the listener down. Existing connections stay up.
func (l *Listener) Close(c *mainmemory.Context) {
	c.CloseFD(&l.sink)
}

// accept is the listener sink's input task: take everything the backlog
// has, one fiber per connection.
func (l *Listener) accept(c *mainmemory.Context, s *mainmemory.Sink) mainmemory.IOStatus {
	for {
		nfd, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EAGAIN {
			return mainmemory.StatusDone
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return mainmemory.StatusError
		}

		conn, err := newConn(c, nfd)
		if err != nil {
			_ = unix.Close(nfd)
			continue
		}
		f := c.SpawnFiber(l.attr, func(any) any {
			l.handler(c, conn)
			return nil
		}, nil)
		c.RunFiber(f)
	}
}

// Conn is a non-blocking TCP connection backed by a one-shot sink. Read
// and Write may only be called from fibers of the owning context.
type Conn struct {
	sink mainmemory.Sink
	fd   int
}

func newConn(c *mainmemory.Context, fd int) (*Conn, error) {
	conn := &Conn{fd: fd}
	mainmemory.PrepareFD(&conn.sink, fd, 0, nil, func(*mainmemory.Sink) {
		_ = unix.Close(fd)
	})
	if err := c.RegisterSink(&conn.sink); err != nil {
		return nil, err
	}
	return conn, nil
}

// Read fills p with at least one byte, blocking the calling fiber until
// the socket is readable. Returns io.EOF once the peer is done.
func (conn *Conn) Read(c *mainmemory.Context, p []byte) (int, error) {
	s := &conn.sink
	for {
		n, err := unix.Read(conn.fd, p)
		if err == nil && n > 0 {
			return n, nil
		}
		if err == nil && n == 0 {
			return 0, io.EOF
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return 0, err
		}
		if s.HasAny(eventErrorFlags) {
			return 0, io.EOF
		}

		s.InputFiber = c.Current()
		c.TriggerInput(s)
		c.Block()
		s.InputFiber = nil
		if s.Closed() {
			return 0, io.EOF
		}
	}
}

// Write sends all of p, blocking the calling fiber while the socket is
// congested.
func (conn *Conn) Write(c *mainmemory.Context, p []byte) (int, error) {
	s := &conn.sink
	total := 0
	for total < len(p) {
		n, err := unix.Write(conn.fd, p[total:])
		if n > 0 {
			total += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return total, err
		}
		if s.HasAny(eventErrorFlags) {
			return total, unix.EPIPE
		}

		s.OutputFiber = c.Current()
		c.TriggerOutput(s)
		c.Block()
		s.OutputFiber = nil
		if s.Closed() {
			return total, unix.EPIPE
		}
	}
	return total, nil
}

// Close closes the connection's sink; the fd is released once
// reclamation frees the sink.
func (conn *Conn) Close(c *mainmemory.Context) {
	c.CloseFD(&conn.sink)
}

func parseSockaddr(addr string) (*unix.SockaddrInet4, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: port}
	if host != "" && host != "0.0.0.0" {
		var ip [4]byte
		if _, err := fmt.Sscanf(host, "%d.%d.%d.%d", &ip[0], &ip[1], &ip[2], &ip[3]); err != nil {
			return nil, fmt.Errorf("netio: bad address %q", addr)
		}
		sa.Addr = ip
	}
	return sa, nil
}

func splitHostPort(addr string) (string, int, error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			var port int
			if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil || port < 0 || port > 65535 {
				return "", 0, fmt.Errorf("netio: bad port in %q", addr)
			}
			return addr[:i], port, nil
		}
	}
	return "", 0, fmt.Errorf("netio: missing port in %q", addr)
}
