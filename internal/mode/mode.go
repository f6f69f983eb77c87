//go:build unix

package mode

import (
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/NamanBalaji/gridmover/internal/bufpool"
	"github.com/NamanBalaji/gridmover/internal/connection"
	"github.com/NamanBalaji/gridmover/internal/errors"
	"github.com/NamanBalaji/gridmover/internal/logger"
	"github.com/NamanBalaji/gridmover/internal/reactor"
)

// Role is the direction of the file data.
type Role int

const (
	Sender Role = iota
	Receiver
)

func (r Role) String() string {
	if r == Sender {
		return "sender"
	}
	return "receiver"
}

// Channel is random access storage for the file being moved.
type Channel interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
}

// Monitor is told about every chunk moved over a data connection. An error
// returned by a Monitor fails the connection that reported the chunk.
type Monitor interface {
	ReceivedBlock(position, size int64) error
	SentBlock(position, size int64) error
	// Preallocate makes sure the file can grow to position bytes.
	Preallocate(position int64) error
}

// Mode moves one file over one or more data connections.
// It is implemented by *StreamMode, *EBlockMode and *XBlockMode.
type Mode interface {
	Name() string
	Role() Role
	SetActive(address string) error
	SetPassive(l *connection.Listener) error
	SetPartialRetrieveParameters(position, size int64) error
	Range() (position, size int64)
	SetBufferSize(n int) error
	SetParallelism(n int) error
	// Register opens or accepts the data connections on r.
	Register(r *reactor.Reactor) error
	HasCompletedSuccessfully() bool
	LastError() error
	Stats() Stats
	RemoteAddresses() []string
	Close() error

	newConnection(r *reactor.Reactor, c *connection.Conn, index int) error
}

// Stats is a snapshot of the connection accounting of a Mode.
type Stats struct {
	Requested int64 `json:"requested"`
	Opened    int64 `json:"opened"`
	Closed    int64 `json:"closed"`
	Failed    int64 `json:"failed"`
	Errored   int64 `json:"errored"`
}

// Active returns the number of open connections.
func (s Stats) Active() int64 {
	return s.Opened - s.Closed
}

func (s Stats) String() string {
	return fmt.Sprintf("requested=%d opened=%d closed=%d failed=%d errored=%d",
		s.Requested, s.Opened, s.Closed, s.Failed, s.Errored)
}

type base struct {
	name      string
	role      Role
	channel   Channel
	monitor   Monitor
	blockSize int

	bufferSize  int
	parallelism int

	active  *net.TCPAddr
	passive *connection.Listener

	fileSize int64
	position int64
	size     int64

	// sender range not yet handed to a connection
	next      int64
	remaining int64

	latch *reactor.Latch
	self  Mode
	buf   []byte
	pool  *bufpool.Pool

	started   atomic.Bool
	requested atomic.Int64
	opened    atomic.Int64
	closed    atomic.Int64
	failed    atomic.Int64
	errored   atomic.Int64

	mu      sync.Mutex
	remotes map[string]struct{}
	lastErr error
}

func newBase(name string, role Role, channel Channel, monitor Monitor, blockSize int) (*base, error) {
	if blockSize <= 0 {
		return nil, errors.NewConfigurationError(
			fmt.Errorf("%w: block size %d", errors.ErrInvalidArgument, blockSize), "blockSize")
	}

	fileSize, err := channel.Size()
	if err != nil {
		return nil, errors.NewStorageError(err, "size")
	}

	return &base{
		name:        name,
		role:        role,
		channel:     channel,
		monitor:     monitor,
		blockSize:   blockSize,
		parallelism: 1,
		fileSize:    fileSize,
		size:        fileSize,
		remaining:   fileSize,
		latch:       reactor.NewLatch(0),
		remotes:     make(map[string]struct{}),
	}, nil
}

func (m *base) Name() string {
	return m.name
}

func (m *base) Role() Role {
	return m.role
}

// SetActive makes Register connect to address.
func (m *base) SetActive(address string) error {
	if m.active != nil || m.passive != nil {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: connection direction already set", errors.ErrInvalidConfiguration), address)
	}

	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return errors.NewConfigurationError(fmt.Errorf("%w: %w", errors.ErrInvalidConfiguration, err), address)
	}

	m.active = addr
	return nil
}

// SetPassive makes Register accept connections on l.
func (m *base) SetPassive(l *connection.Listener) error {
	if m.active != nil || m.passive != nil {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: connection direction already set", errors.ErrInvalidConfiguration), "passive")
	}
	m.passive = l
	return nil
}

// SetPartialRetrieveParameters restricts a sender to [position, position+size).
func (m *base) SetPartialRetrieveParameters(position, size int64) error {
	if m.role != Sender {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: partial retrieve is only valid for senders", errors.ErrInvalidArgument), "range")
	}
	if position < 0 || size < 0 || position+size > m.fileSize {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: range %d+%d exceeds file size %d", errors.ErrInvalidArgument, position, size, m.fileSize), "range")
	}

	m.position = position
	m.size = size
	m.next = position
	m.remaining = size
	return nil
}

// Range returns the part of the file being sent. For a receiver it is the
// size of the file when the mode was created.
func (m *base) Range() (position, size int64) {
	return m.position, m.size
}

func (m *base) SetBufferSize(n int) error {
	if n <= 0 {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: buffer size %d", errors.ErrInvalidArgument, n), "bufferSize")
	}
	m.bufferSize = n
	return nil
}

func (m *base) SetParallelism(n int) error {
	if n <= 0 {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: parallelism %d", errors.ErrInvalidArgument, n), "parallelism")
	}
	m.parallelism = n
	return nil
}

// Register either listens for incoming connections or starts the outbound
// connects. It fails only if every outbound connect fails immediately.
func (m *base) Register(r *reactor.Reactor) error {
	if m.passive == nil && m.active == nil {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: neither active nor passive", errors.ErrInvalidConfiguration), m.name)
	}

	m.pool = bufpool.Shared(m.blockSize)
	m.buf = m.pool.Get()
	m.started.Store(true)

	if m.passive != nil {
		logger.Debugf("Mode %s %s accepting on %s", m.name, m.role, m.passive.Addr())
		r.Register(m.passive, reactor.OpAccept, &acceptor{m: m})
		return nil
	}

	logger.Debugf("Mode %s %s opening %d connections to %s", m.name, m.role, m.parallelism, m.active)

	m.latch = reactor.NewLatch(0)
	var lastErr error
	for i := 0; i < m.parallelism; i++ {
		m.requested.Add(1)
		m.latch.Add(1)
		c, err := connection.Dial(m.active, m.bufferSize)
		if err != nil {
			lastErr = err
			m.connectFailed(err)
			continue
		}
		r.Register(c, reactor.OpConnect, &connector{m: m})
	}

	if m.failed.Load() == int64(m.parallelism) {
		return errors.NewConnectionError(lastErr, m.active.String())
	}

	return nil
}

func (m *base) connectFailed(err error) {
	m.failed.Add(1)
	m.latch.Done()
	m.setLastError(errors.NewConnectionError(err, m.active.String()))
	logger.Warnf("Mode %s: connection to %s failed: %v", m.name, m.active, err)
}

// connected accounts for an established connection and hands it to the mode.
func (m *base) connected(r *reactor.Reactor, c *connection.Conn) error {
	index := int(m.opened.Add(1) - 1)
	m.addRemote(c.RemoteAddr())
	logger.Debugf("Mode %s %s: connection %d established with %s", m.name, m.role, index, c.RemoteAddr())
	return m.self.newConnection(r, c, index)
}

type connector struct {
	reactor.NopListener
	m *base
}

func (l *connector) Connect(r *reactor.Reactor, h reactor.Handle) error {
	m := l.m
	c := h.(*connection.Conn)

	if err := c.FinishConnect(); err != nil {
		r.CloseHandle(c)
		m.connectFailed(err)
		if m.failed.Load() == m.requested.Load() {
			return errors.NewConnectionError(err, m.active.String())
		}
		if m.latch.Open() && m.activeConnections() == 0 {
			r.Shutdown()
		}
		return nil
	}

	m.latch.Done()
	return m.connected(r, c)
}

type acceptor struct {
	reactor.NopListener
	m *base
}

func (l *acceptor) Accept(r *reactor.Reactor, h reactor.Handle) error {
	m := l.m
	for {
		c, err := m.passive.Accept()
		if err != nil {
			return errors.NewConnectionError(err, m.passive.Addr().String())
		}
		if c == nil {
			return nil
		}

		m.requested.Add(1)
		if err := m.connected(r, c); err != nil {
			return err
		}
	}
}

// WaitForConnectionCompletion reports whether every outbound connect has
// resolved. If not, h is suspended until they have and false is returned.
func (m *base) WaitForConnectionCompletion(r *reactor.Reactor, h reactor.Handle) bool {
	if m.latch.Open() {
		return true
	}
	logger.Debugf("Mode %s: suspending %s interest on fd %d until %d connects resolve",
		m.name, r.Interest(h), h.Fd(), m.latch.Pending())
	if err := r.Suspend(h, m.latch); err != nil {
		logger.Errorf("Mode %s: failed to suspend handle: %v", m.name, err)
	}
	return false
}

// transferTo writes up to count bytes of the file at position to c and
// returns how many the socket accepted.
func (m *base) transferTo(position, count int64, c *connection.Conn) (int, error) {
	n := int64(len(m.buf))
	if count < n {
		n = count
	}

	rn, err := m.channel.ReadAt(m.buf[:n], position)
	if rn == 0 && err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, errors.NewStorageError(err, fmt.Sprintf("read at %d", position))
	}

	wn, err := c.Write(m.buf[:rn])
	if err != nil {
		return wn, errors.NewConnectionError(err, c.RemoteAddr())
	}
	return wn, nil
}

// transferFrom reads up to count bytes from c into the file at position. It
// returns io.EOF once the peer has closed the connection.
func (m *base) transferFrom(c *connection.Conn, position, count int64) (int, error) {
	n := int64(len(m.buf))
	if count < n {
		n = count
	}

	rn, err := c.Read(m.buf[:n])
	if err == io.EOF {
		return 0, io.EOF
	}
	if err != nil {
		return 0, errors.NewConnectionError(err, c.RemoteAddr())
	}
	if rn == 0 {
		return 0, nil
	}

	if _, err := m.channel.WriteAt(m.buf[:rn], position); err != nil {
		return 0, errors.NewStorageError(err, fmt.Sprintf("write at %d", position))
	}
	return rn, nil
}

// bite takes up to limit bytes off the front of the remaining sender range.
func (m *base) bite(limit int64) (position, count int64) {
	count = m.remaining
	if count > limit {
		count = limit
	}
	position = m.next
	m.next += count
	m.remaining -= count
	return position, count
}

// closeConnection closes a connection that finished normally.
func (m *base) closeConnection(r *reactor.Reactor, c *connection.Conn) {
	r.CloseHandle(c)
	m.closed.Add(1)
	logger.Debugf("Mode %s %s: closed connection to %s", m.name, m.role, c.RemoteAddr())
}

// abandon fails a single connection. Storage and context errors abort the
// transfer and are returned; anything else is recorded and the transfer
// continues on the remaining connections.
func (m *base) abandon(r *reactor.Reactor, c *connection.Conn, err error) error {
	if errors.IsFatal(err) {
		return err
	}

	r.CloseHandle(c)
	m.closed.Add(1)
	m.errored.Add(1)
	m.setLastError(err)
	logger.Errorf("Mode %s %s: problem while connected to %s: %v", m.name, m.role, c.RemoteAddr(), err)

	if m.activeConnections() == 0 && m.latch.Open() {
		r.Shutdown()
	}
	return nil
}

func (m *base) protocolError(c *connection.Conn, err error) error {
	return errors.NewProtocolError(err, c.RemoteAddr())
}

func (m *base) activeConnections() int64 {
	return m.opened.Load() - m.closed.Load()
}

func (m *base) addRemote(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remotes[addr] = struct{}{}
}

// RemoteAddresses returns the peers that connections were established with.
func (m *base) RemoteAddresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.remotes))
	for addr := range m.remotes {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (m *base) setLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

func (m *base) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *base) Stats() Stats {
	return Stats{
		Requested: m.requested.Load(),
		Opened:    m.opened.Load(),
		Closed:    m.closed.Load(),
		Failed:    m.failed.Load(),
		Errored:   m.errored.Load(),
	}
}

// Close releases the transfer buffer. Connections are owned by the reactor.
func (m *base) Close() error {
	if m.buf != nil {
		m.pool.Put(m.buf)
		m.buf = nil
	}
	return nil
}

func (m *base) String() string {
	return fmt.Sprintf("%s %s [%s]", m.name, m.role, m.Stats())
}
