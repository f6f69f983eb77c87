//go:build unix

package mode

import (
	"fmt"
	"io"

	"github.com/NamanBalaji/gridmover/internal/connection"
	"github.com/NamanBalaji/gridmover/internal/errors"
	"github.com/NamanBalaji/gridmover/internal/logger"
	"github.com/NamanBalaji/gridmover/internal/reactor"
)

const DefaultStreamBlockSize = 512 * 1024

// StreamMode sends the file as raw bytes over a single connection. The
// receiver treats a clean close as the end of the file.
type StreamMode struct {
	*base

	inUse     bool
	completed bool
	aborted   bool
}

func NewStreamMode(role Role, channel Channel, monitor Monitor, blockSize int) (*StreamMode, error) {
	b, err := newBase("S", role, channel, monitor, blockSize)
	if err != nil {
		return nil, err
	}
	m := &StreamMode{base: b}
	b.self = m
	return m, nil
}

// SetParallelism only accepts 1.
func (m *StreamMode) SetParallelism(n int) error {
	if n > 1 {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: stream mode supports a single connection, got %d", errors.ErrInvalidConfiguration, n), "parallelism")
	}
	return m.base.SetParallelism(n)
}

func (m *StreamMode) HasCompletedSuccessfully() bool {
	return m.started.Load() && m.completed && !m.aborted
}

func (m *StreamMode) newConnection(r *reactor.Reactor, c *connection.Conn, index int) error {
	if m.inUse {
		logger.Warnf("Mode S: closing redundant connection from %s", c.RemoteAddr())
		r.CloseHandle(c)
		m.closed.Add(1)
		m.failed.Add(1)
		return nil
	}
	m.inUse = true

	if m.role == Sender {
		r.Register(c, reactor.OpWrite, &streamSender{m: m, position: m.position, count: m.size})
		return nil
	}
	r.Register(c, reactor.OpRead, &streamReceiver{m: m})
	return nil
}

func (m *StreamMode) fail(r *reactor.Reactor, c *connection.Conn, err error) error {
	m.aborted = true
	if err := m.abandon(r, c, err); err != nil {
		return err
	}
	r.Shutdown()
	return nil
}

func (m *StreamMode) finish(r *reactor.Reactor, c *connection.Conn) {
	m.completed = true
	m.closeConnection(r, c)
	r.Shutdown()
}

type streamSender struct {
	reactor.NopListener
	m        *StreamMode
	position int64
	count    int64
}

func (s *streamSender) Write(r *reactor.Reactor, h reactor.Handle) error {
	m, c := s.m, h.(*connection.Conn)

	for s.count > 0 {
		n, err := m.transferTo(s.position, s.count, c)
		if err != nil {
			return m.fail(r, c, err)
		}
		if n == 0 {
			return nil
		}
		if err := m.monitor.SentBlock(s.position, int64(n)); err != nil {
			return m.fail(r, c, m.protocolError(c, err))
		}
		s.position += int64(n)
		s.count -= int64(n)
	}

	m.finish(r, c)
	return nil
}

type streamReceiver struct {
	reactor.NopListener
	m           *StreamMode
	position    int64
	allocatedTo int64
}

func (s *streamReceiver) Read(r *reactor.Reactor, h reactor.Handle) error {
	m, c := s.m, h.(*connection.Conn)

	for {
		if s.position >= s.allocatedTo {
			s.allocatedTo = s.position + int64(m.blockSize)
			if err := m.monitor.Preallocate(s.allocatedTo); err != nil {
				return m.fail(r, c, err)
			}
		}

		n, err := m.transferFrom(c, s.position, s.allocatedTo-s.position)
		if err == io.EOF {
			m.finish(r, c)
			return nil
		}
		if err != nil {
			return m.fail(r, c, err)
		}
		if n == 0 {
			return nil
		}
		if err := m.monitor.ReceivedBlock(s.position, int64(n)); err != nil {
			return m.fail(r, c, m.protocolError(c, err))
		}
		s.position += int64(n)
	}
}
