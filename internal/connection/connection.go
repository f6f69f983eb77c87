//go:build unix

package connection

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// Handle is a pollable file descriptor owned by the caller.
type Handle interface {
	Fd() int
	Close() error
}

// Conn is a non-blocking stream socket.
//
// Read and Write never block: when the socket is not ready they return
// (0, nil) and the caller waits for the next readiness event.
type Conn struct {
	fd         int
	remote     string
	connecting bool
	closed     atomic.Bool
}

// Dial starts a non-blocking connect to addr. The returned Conn may still be
// connecting; call FinishConnect once the socket becomes writable.
func Dial(addr *net.TCPAddr, bufferSize int) (*Conn, error) {
	sa, family := toSockaddr(addr)

	fd, err := newSocket(family, bufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket for %s: %w", addr, err)
	}

	c := &Conn{fd: fd, remote: addr.String()}

	err = unix.Connect(fd, sa)
	switch err {
	case nil:
	case unix.EINPROGRESS, unix.EINTR, unix.EALREADY:
		c.connecting = true
	default:
		unix.Close(fd)
		return nil, fmt.Errorf("failed to connect %s: %w", addr, err)
	}

	return c, nil
}

func newSocket(family, bufferSize int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}

	if err := setBufferSize(fd, bufferSize); err != nil {
		unix.Close(fd)
		return -1, err
	}

	return fd, nil
}

func setBufferSize(fd, bufferSize int) error {
	if bufferSize <= 0 {
		return nil
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bufferSize); err != nil {
		return fmt.Errorf("failed to set receive buffer: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, bufferSize); err != nil {
		return fmt.Errorf("failed to set send buffer: %w", err)
	}
	return nil
}

func newConn(fd int, remote string) *Conn {
	return &Conn{fd: fd, remote: remote}
}

func (c *Conn) Fd() int {
	return c.fd
}

// RemoteAddr returns the peer address the Conn was dialed to or accepted from.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

// IsConnecting reports whether a non-blocking connect is still pending.
func (c *Conn) IsConnecting() bool {
	return c.connecting
}

// FinishConnect completes a pending connect, returning the socket error if it failed.
func (c *Conn) FinishConnect() error {
	if !c.connecting {
		return nil
	}

	errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("failed to connect %s: %w", c.remote, err)
	}
	if errno != 0 {
		return fmt.Errorf("failed to connect %s: %w", c.remote, syscall.Errno(errno))
	}

	c.connecting = false
	return nil
}

// Read returns io.EOF once the peer has closed its side.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("read from %s: %w", c.remote, err)
		case n == 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write may write fewer than len(p) bytes.
func (c *Conn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("write to %s: %w", c.remote, err)
		default:
			return n, nil
		}
	}
}

// Close is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(c.fd)
}

// Pair returns two connected non-blocking sockets.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create socket pair: %w", err)
	}

	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, fmt.Errorf("failed to create socket pair: %w", err)
		}
	}

	return newConn(fds[0], "pair:0"), newConn(fds[1], "pair:1"), nil
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := addr.IP.To4(); ip4 != nil || len(addr.IP) == 0 {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	default:
		return &net.TCPAddr{}
	}
}
