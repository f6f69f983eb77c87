//go:build unix

package connection

import (
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Listener is a non-blocking listening TCP socket.
type Listener struct {
	fd     int
	addr   *net.TCPAddr
	closed atomic.Bool
}

const backlog = 128

// Listen binds addr. Port 0 picks a free port, see Addr.
// Accepted connections inherit bufferSize.
func Listen(addr *net.TCPAddr, bufferSize int) (*Listener, error) {
	sa, family := toSockaddr(addr)

	fd, err := newSocket(family, bufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create listening socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to get listening address: %w", err)
	}

	return &Listener{fd: fd, addr: fromSockaddr(local)}, nil
}

func (l *Listener) Fd() int {
	return l.fd
}

// Addr returns the bound local address.
func (l *Listener) Addr() *net.TCPAddr {
	return l.addr
}

// Accept returns (nil, nil) when no connection is pending.
func (l *Listener) Accept() (*Conn, error) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("accept on %s: %w", l.addr, err)
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			return nil, fmt.Errorf("accept on %s: %w", l.addr, err)
		}

		return newConn(nfd, fromSockaddr(sa).String()), nil
	}
}

func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(l.fd)
}
