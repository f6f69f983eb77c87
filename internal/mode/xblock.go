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

const DefaultXBlockBlockSize = 128 * 1024

// XBlockMode is the flow controlled block mode. The receiver announces READY
// on each connection before the sender may send blocks, may ask for a
// connection to be dropped with CLOSE, and acknowledges each EOD with BYE.
type XBlockMode struct {
	*base

	maxStreams int

	// sender side
	eodSent int64
	eofSent bool

	// receiver side
	eofReceived bool
	eodExpected int64
	eodReceived int64
}

func NewXBlockMode(role Role, channel Channel, monitor Monitor, blockSize int) (*XBlockMode, error) {
	b, err := newBase("X", role, channel, monitor, blockSize)
	if err != nil {
		return nil, err
	}
	m := &XBlockMode{base: b}
	b.self = m
	return m, nil
}

// SetMaxStreams makes a receiver send CLOSE on every connection beyond the first n.
func (m *XBlockMode) SetMaxStreams(n int) error {
	if m.role != Receiver {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: max streams is only valid for receivers", errors.ErrInvalidArgument), "maxStreams")
	}
	if n <= 0 {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: max streams %d", errors.ErrInvalidArgument, n), "maxStreams")
	}
	m.maxStreams = n
	return nil
}

func (m *XBlockMode) HasCompletedSuccessfully() bool {
	if !m.started.Load() || m.errored.Load() != 0 {
		return false
	}
	// every data connection delivered its EOD; spare connections may still be open
	if m.role == Receiver {
		return m.eofReceived && m.eodReceived >= m.eodExpected
	}
	return m.remaining == 0 && m.activeConnections() == 0
}

func (m *XBlockMode) newConnection(r *reactor.Reactor, c *connection.Conn, index int) error {
	if m.role == Sender {
		r.Register(c, reactor.OpRead, &xblockSender{m: m})
		return nil
	}

	s := &xblockReceiver{m: m, out: CommandReady.bytes()}
	if m.maxStreams > 0 && index >= m.maxStreams {
		logger.Debugf("Mode X: asking %s to close connection %d", c.RemoteAddr(), index)
		s.out = append(s.out, CommandClose.bytes()...)
	}
	r.Register(c, reactor.OpRead|reactor.OpWrite, s)
	return nil
}

// unfinished counts the sender connections that still owe an EOD.
func (m *XBlockMode) unfinished() int64 {
	return m.opened.Load() - m.eodSent - m.errored.Load()
}

func (m *XBlockMode) senderDone(r *reactor.Reactor) {
	if m.remaining == 0 && m.latch.Open() && m.activeConnections() == 0 {
		r.Shutdown()
	}
}

func (m *XBlockMode) receivedEOF(eodc int64) error {
	if m.eofReceived {
		return errors.ErrDuplicateEOF
	}
	if eodc <= 0 {
		return fmt.Errorf("%w: %d", errors.ErrInvalidEODCount, eodc)
	}
	m.eofReceived = true
	m.eodExpected = eodc
	logger.Debugf("Mode X: EOF received, expecting %d EODs", eodc)
	return nil
}

func (m *XBlockMode) receiverDone(r *reactor.Reactor) {
	if m.eofReceived && m.eodReceived >= m.eodExpected {
		r.Shutdown()
		return
	}
	// a failed connection never delivers its EOD
	if m.errored.Load() > 0 && m.activeConnections() == 0 {
		r.Shutdown()
	}
}

type xSenderState int

const (
	stateAwaitReady xSenderState = iota
	stateXPrepareBlock
	stateXSendHeader
	stateXSendData
	stateAwaitBye
)

type xblockSender struct {
	reactor.NopListener
	m *XBlockMode

	state          xSenderState
	cmds           commandReader
	rbuf           [maxCommandLen]byte
	closeRequested bool

	header    []byte
	written   int
	position  int64
	count     int64
	lastBlock bool
}

func (s *xblockSender) Read(r *reactor.Reactor, h reactor.Handle) error {
	m, c := s.m, h.(*connection.Conn)

	for {
		n, err := c.Read(s.rbuf[:])
		if err != nil {
			if s.state == stateAwaitBye {
				// no BYE after our EOD is fine
				m.closeConnection(r, c)
				m.senderDone(r)
				return nil
			}
			if err == io.EOF {
				return m.abandon(r, c, m.protocolError(c, errors.ErrPrematureClose))
			}
			return m.abandon(r, c, errors.NewConnectionError(err, c.RemoteAddr()))
		}
		if n == 0 {
			return nil
		}

		cmds, err := s.cmds.feed(s.rbuf[:n])
		if err != nil {
			return m.abandon(r, c, m.protocolError(c, err))
		}

		for _, cmd := range cmds {
			switch cmd {
			case CommandReady:
				if s.state != stateAwaitReady {
					return m.abandon(r, c, m.protocolError(c, fmt.Errorf("%w: unexpected READY", errors.ErrUnknownCommand)))
				}
				s.state = stateXPrepareBlock
				r.SetInterest(c, reactor.OpRead|reactor.OpWrite)
			case CommandClose:
				if !s.lastBlock {
					s.closeRequested = true
				}
			case CommandBye:
				if s.state != stateAwaitBye {
					return m.abandon(r, c, m.protocolError(c, fmt.Errorf("%w: unexpected BYE", errors.ErrUnknownCommand)))
				}
				m.closeConnection(r, c)
				m.senderDone(r)
				return nil
			}
		}
	}
}

func (s *xblockSender) Write(r *reactor.Reactor, h reactor.Handle) error {
	m, c := s.m, h.(*connection.Conn)

	for {
		switch s.state {
		case stateAwaitReady, stateAwaitBye:
			return nil

		case stateXPrepareBlock:
			switch {
			case s.closeRequested && m.unfinished() > 1:
				logger.Debugf("Mode X: closing connection to %s on request", c.RemoteAddr())
				s.header = Header{Flags: FlagEOD | FlagSenderCloses}.AppendXBlock(s.header[:0])
				s.lastBlock = true
			case m.remaining > 0:
				s.position, s.count = m.bite(int64(m.blockSize))
				s.header = Header{Count: s.count, Offset: s.position}.AppendXBlock(s.header[:0])
			default:
				if !m.WaitForConnectionCompletion(r, c) {
					return nil
				}
				if m.unfinished() == 1 && !m.eofSent {
					m.eofSent = true
					eodc := m.opened.Load() - m.errored.Load()
					s.header = Header{Flags: FlagEOF | FlagEOD | FlagSenderCloses, Offset: eodc}.AppendXBlock(s.header[:0])
				} else {
					s.header = Header{Flags: FlagEOD | FlagSenderCloses}.AppendXBlock(s.header[:0])
				}
				s.lastBlock = true
			}
			if s.lastBlock {
				m.eodSent++
			}
			s.written = 0
			s.state = stateXSendHeader

		case stateXSendHeader:
			n, err := c.Write(s.header[s.written:])
			if err != nil {
				if s.lastBlock {
					m.eodSent--
				}
				return m.abandon(r, c, errors.NewConnectionError(err, c.RemoteAddr()))
			}
			s.written += n
			if s.written < len(s.header) {
				return nil
			}
			if s.lastBlock {
				s.state = stateAwaitBye
				r.SetInterest(c, reactor.OpRead)
				return nil
			}
			s.state = stateXSendData

		case stateXSendData:
			if s.count == 0 {
				s.state = stateXPrepareBlock
				continue
			}
			n, err := m.transferTo(s.position, s.count, c)
			if err != nil {
				return m.abandon(r, c, err)
			}
			if n == 0 {
				return nil
			}
			if err := m.monitor.SentBlock(s.position, int64(n)); err != nil {
				return m.abandon(r, c, m.protocolError(c, err))
			}
			s.position += int64(n)
			s.count -= int64(n)
		}
	}
}

type xblockReceiver struct {
	reactor.NopListener
	m *XBlockMode

	out []byte
	eod bool

	state    blockReceiverState
	header   [XBlockHeaderLen]byte
	read     int
	current  Header
	position int64
	count    int64
	carried  bool
}

func (s *xblockReceiver) Write(r *reactor.Reactor, h reactor.Handle) error {
	m, c := s.m, h.(*connection.Conn)

	for len(s.out) > 0 {
		n, err := c.Write(s.out)
		if err != nil {
			if s.eod {
				// the sender may close right after its EOD
				return s.finish(r, c)
			}
			if s.read == 0 && !s.carried {
				logger.Debugf("Mode X: idle connection from %s failed: %v", c.RemoteAddr(), err)
				return s.closed(r, c)
			}
			return m.abandon(r, c, errors.NewConnectionError(err, c.RemoteAddr()))
		}
		if n == 0 {
			return nil
		}
		s.out = s.out[n:]
	}

	if s.eod {
		return s.finish(r, c)
	}
	return r.SetInterest(c, reactor.OpRead)
}

func (s *xblockReceiver) Read(r *reactor.Reactor, h reactor.Handle) error {
	m, c := s.m, h.(*connection.Conn)

	for !s.eod {
		switch s.state {
		case stateReadHeader:
			n, err := c.Read(s.header[s.read:])
			if err == io.EOF {
				return s.closed(r, c)
			}
			if err != nil {
				if s.read == 0 && !s.carried {
					logger.Debugf("Mode %s: idle connection from %s failed: %v", m.name, c.RemoteAddr(), err)
					return s.closed(r, c)
				}
				return m.abandon(r, c, errors.NewConnectionError(err, c.RemoteAddr()))
			}
			if n == 0 {
				return nil
			}
			s.read += n
			if s.read < len(s.header) {
				continue
			}
			s.read = 0

			hdr, err := ParseXBlockHeader(s.header[:])
			if err != nil {
				return m.abandon(r, c, m.protocolError(c, err))
			}
			s.current = hdr

			if hdr.Has(FlagEOF) {
				if hdr.Count != 0 {
					return m.abandon(r, c, m.protocolError(c,
						fmt.Errorf("%w: EOF block carries %d bytes", errors.ErrInvalidArgument, hdr.Count)))
				}
				if err := m.receivedEOF(hdr.Offset); err != nil {
					return m.abandon(r, c, m.protocolError(c, err))
				}
				m.receiverDone(r)
			}

			if hdr.Count > 0 {
				s.carried = true
				if err := m.monitor.Preallocate(hdr.Offset + hdr.Count); err != nil {
					return m.abandon(r, c, err)
				}
				s.position, s.count = hdr.Offset, hdr.Count
				s.state = stateReadData
				continue
			}

			if hdr.Has(FlagEOD) {
				s.endOfData(r, c)
			}

		case stateReadData:
			n, err := m.transferFrom(c, s.position, s.count)
			if err == io.EOF {
				return m.abandon(r, c, m.protocolError(c,
					fmt.Errorf("%w: %d bytes of block missing", errors.ErrPrematureClose, s.count)))
			}
			if err != nil {
				return m.abandon(r, c, err)
			}
			if n == 0 {
				return nil
			}
			if err := m.monitor.ReceivedBlock(s.position, int64(n)); err != nil {
				return m.abandon(r, c, m.protocolError(c, err))
			}
			s.position += int64(n)
			s.count -= int64(n)

			if s.count == 0 {
				s.state = stateReadHeader
				if s.current.Has(FlagEOD) {
					s.endOfData(r, c)
				}
			}
		}
	}
	return nil
}

// endOfData queues BYE. The connection is closed once it has been written.
func (s *xblockReceiver) endOfData(r *reactor.Reactor, c *connection.Conn) {
	s.eod = true
	s.out = append(s.out, CommandBye.bytes()...)
	r.SetInterest(c, reactor.OpWrite)
}

func (s *xblockReceiver) finish(r *reactor.Reactor, c *connection.Conn) error {
	m := s.m
	m.eodReceived++
	m.closeConnection(r, c)
	m.receiverDone(r)
	return nil
}

func (s *xblockReceiver) closed(r *reactor.Reactor, c *connection.Conn) error {
	m := s.m
	if s.read > 0 || s.carried {
		return m.abandon(r, c, m.protocolError(c, errors.ErrPrematureClose))
	}

	m.closeConnection(r, c)
	if m.activeConnections() == 0 && m.latch.Open() && m.passive == nil {
		r.Shutdown()
	}
	return nil
}
