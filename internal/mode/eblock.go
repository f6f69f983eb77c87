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

const DefaultEBlockBlockSize = 128 * 1024

// EBlockMode frames the file into blocks with a 17 byte header so that any
// number of connections can carry blocks in any order.
type EBlockMode struct {
	*base

	// receiver side
	eofReceived bool
	eodExpected int64
	eodReceived int64
}

func NewEBlockMode(role Role, channel Channel, monitor Monitor, blockSize int) (*EBlockMode, error) {
	b, err := newBase("E", role, channel, monitor, blockSize)
	if err != nil {
		return nil, err
	}
	m := &EBlockMode{base: b}
	b.self = m
	return m, nil
}

func (m *EBlockMode) HasCompletedSuccessfully() bool {
	if !m.started.Load() || m.errored.Load() != 0 {
		return false
	}
	// every data connection delivered its EOD; spare connections may still be open
	if m.role == Receiver {
		return m.eofReceived && m.eodReceived >= m.eodExpected
	}
	return m.remaining == 0 && m.activeConnections() == 0
}

func (m *EBlockMode) newConnection(r *reactor.Reactor, c *connection.Conn, index int) error {
	if m.role == Sender {
		r.Register(c, reactor.OpWrite, &eblockSender{m: m, index: index})
		return nil
	}
	r.Register(c, reactor.OpRead, &eblockReceiver{m: m})
	return nil
}

// senderDone shuts the reactor down once every connection has delivered its EOD.
func (m *EBlockMode) senderDone(r *reactor.Reactor) {
	if m.remaining == 0 && m.latch.Open() && m.activeConnections() == 0 {
		r.Shutdown()
	}
}

func (m *EBlockMode) receivedEOF(eodc int64) error {
	if m.eofReceived {
		return errors.ErrDuplicateEOF
	}
	if eodc <= 0 {
		return fmt.Errorf("%w: %d", errors.ErrInvalidEODCount, eodc)
	}
	m.eofReceived = true
	m.eodExpected = eodc
	logger.Debugf("Mode E: EOF received, expecting %d EODs", eodc)
	return nil
}

func (m *EBlockMode) receiverDone(r *reactor.Reactor) {
	if m.eofReceived && m.eodReceived >= m.eodExpected {
		r.Shutdown()
		return
	}
	// a failed connection never delivers its EOD
	if m.errored.Load() > 0 && m.activeConnections() == 0 {
		r.Shutdown()
	}
}

type blockSenderState int

const (
	statePrepareBlock blockSenderState = iota
	stateSendHeader
	stateSendData
)

type eblockSender struct {
	reactor.NopListener
	m     *EBlockMode
	index int

	state     blockSenderState
	header    []byte
	written   int
	position  int64
	count     int64
	lastBlock bool
}

func (s *eblockSender) Write(r *reactor.Reactor, h reactor.Handle) error {
	m, c := s.m, h.(*connection.Conn)

	for {
		switch s.state {
		case statePrepareBlock:
			if m.remaining > 0 {
				s.position, s.count = m.bite(int64(m.blockSize))
				s.header = Header{Count: s.count, Offset: s.position}.AppendEBlock(s.header[:0])
			} else if s.index == 0 {
				if !m.WaitForConnectionCompletion(r, c) {
					return nil
				}
				eodc := m.opened.Load()
				s.header = Header{Flags: FlagEOF | FlagEOD | FlagSenderCloses, Offset: eodc}.AppendEBlock(s.header[:0])
				s.lastBlock = true
			} else {
				s.header = Header{Flags: FlagEOD | FlagSenderCloses}.AppendEBlock(s.header[:0])
				s.lastBlock = true
			}
			s.written = 0
			s.state = stateSendHeader

		case stateSendHeader:
			n, err := c.Write(s.header[s.written:])
			if err != nil {
				return m.abandon(r, c, errors.NewConnectionError(err, c.RemoteAddr()))
			}
			s.written += n
			if s.written < len(s.header) {
				return nil
			}
			if s.lastBlock {
				m.closeConnection(r, c)
				m.senderDone(r)
				return nil
			}
			s.state = stateSendData

		case stateSendData:
			if s.count == 0 {
				s.state = statePrepareBlock
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

type blockReceiverState int

const (
	stateReadHeader blockReceiverState = iota
	stateReadData
)

type eblockReceiver struct {
	reactor.NopListener
	m *EBlockMode

	state    blockReceiverState
	header   [EBlockHeaderLen]byte
	read     int
	current  Header
	position int64
	count    int64
	carried  bool
}

func (s *eblockReceiver) Read(r *reactor.Reactor, h reactor.Handle) error {
	m, c := s.m, h.(*connection.Conn)

	for {
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

			hdr, err := ParseEBlockHeader(s.header[:])
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
				if !hdr.Has(FlagEOD) {
					m.receiverDone(r)
					continue
				}
				// the offset of an EOF block is the EOD count, not a file position
				return s.endOfData(r, c)
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
				return s.endOfData(r, c)
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
					return s.endOfData(r, c)
				}
			}
		}
	}
}

func (s *eblockReceiver) endOfData(r *reactor.Reactor, c *connection.Conn) error {
	m := s.m
	m.eodReceived++
	m.closeConnection(r, c)
	m.receiverDone(r)
	return nil
}

// closed handles the peer closing before sending an EOD.
func (s *eblockReceiver) closed(r *reactor.Reactor, c *connection.Conn) error {
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
