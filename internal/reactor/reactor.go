//go:build unix

package reactor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/NamanBalaji/gridmover/internal/connection"
	"github.com/NamanBalaji/gridmover/internal/errors"
	"github.com/NamanBalaji/gridmover/internal/logger"
)

// Op is a set of readiness kinds a listener is interested in.
type Op uint8

const (
	OpConnect Op = 1 << iota
	OpAccept
	OpRead
	OpWrite
)

// dispatch order within one pass
var ops = [...]Op{OpConnect, OpAccept, OpRead, OpWrite}

func (o Op) String() string {
	if o == 0 {
		return "none"
	}
	var parts []string
	for _, op := range ops {
		if o&op == 0 {
			continue
		}
		switch op {
		case OpConnect:
			parts = append(parts, "connect")
		case OpAccept:
			parts = append(parts, "accept")
		case OpRead:
			parts = append(parts, "read")
		case OpWrite:
			parts = append(parts, "write")
		}
	}
	return strings.Join(parts, "|")
}

// Handle is anything with a pollable descriptor.
type Handle = connection.Handle

// Listener receives readiness events for a registered handle. A returned
// error stops the loop and is returned from Loop.
type Listener interface {
	Connect(r *Reactor, h Handle) error
	Accept(r *Reactor, h Handle) error
	Read(r *Reactor, h Handle) error
	Write(r *Reactor, h Handle) error
}

// NopListener ignores every event. Embed it to implement only some of Listener.
type NopListener struct{}

func (NopListener) Connect(*Reactor, Handle) error { return nil }
func (NopListener) Accept(*Reactor, Handle) error  { return nil }
func (NopListener) Read(*Reactor, Handle) error    { return nil }
func (NopListener) Write(*Reactor, Handle) error   { return nil }

type registration struct {
	used     bool
	gen      uint64
	handle   Handle
	listener Listener
	interest Op
	gate     *Latch
}

type readyEntry struct {
	slot    int
	gen     uint64
	revents int16
}

// Reactor is a single-threaded readiness loop over poll(2).
//
// Register, SetInterest, Suspend and CloseHandle must be called from the
// goroutine running Loop (or before Loop starts). Shutdown may be called from
// anywhere.
type Reactor struct {
	slots []registration
	free  []int
	byFd  map[int]int
	gen   uint64

	wakeR, wakeW int

	shutdown atomic.Bool
	closed   bool

	pollFds []unix.PollFd
	polled  []readyEntry
	ready   []readyEntry
}

func New() (*Reactor, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("failed to create wakeup pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("failed to create wakeup pipe: %w", err)
		}
	}

	return &Reactor{
		byFd:  make(map[int]int),
		wakeR: p[0],
		wakeW: p[1],
	}, nil
}

// Register associates h with listener and interest, replacing any previous
// registration of h.
func (r *Reactor) Register(h Handle, interest Op, listener Listener) {
	if idx, ok := r.byFd[h.Fd()]; ok {
		reg := &r.slots[idx]
		reg.handle = h
		reg.listener = listener
		reg.interest = interest
		reg.gate = nil
		return
	}

	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, registration{})
		idx = len(r.slots) - 1
	}

	r.gen++
	r.slots[idx] = registration{
		used:     true,
		gen:      r.gen,
		handle:   h,
		listener: listener,
		interest: interest,
	}
	r.byFd[h.Fd()] = idx
}

func (r *Reactor) lookup(h Handle) (*registration, bool) {
	idx, ok := r.byFd[h.Fd()]
	if !ok || r.slots[idx].handle != h {
		return nil, false
	}
	return &r.slots[idx], true
}

// SetInterest replaces the interest set of a registered handle.
func (r *Reactor) SetInterest(h Handle, interest Op) error {
	reg, ok := r.lookup(h)
	if !ok {
		return fmt.Errorf("%w: handle %d not registered", errors.ErrInvalidArgument, h.Fd())
	}
	reg.interest = interest
	return nil
}

// Interest returns the interest set of h, or 0 if it is not registered.
func (r *Reactor) Interest(h Handle) Op {
	reg, ok := r.lookup(h)
	if !ok {
		return 0
	}
	return reg.interest
}

// Suspend stops polling h until latch opens. The interest set is kept and
// takes effect again once the latch is open.
func (r *Reactor) Suspend(h Handle, latch *Latch) error {
	reg, ok := r.lookup(h)
	if !ok {
		return fmt.Errorf("%w: handle %d not registered", errors.ErrInvalidArgument, h.Fd())
	}
	if latch.Open() {
		return nil
	}
	reg.gate = latch
	return nil
}

// Deregister forgets h without closing it.
func (r *Reactor) Deregister(h Handle) {
	idx, ok := r.byFd[h.Fd()]
	if !ok || r.slots[idx].handle != h {
		return
	}
	delete(r.byFd, h.Fd())
	r.slots[idx] = registration{gen: r.slots[idx].gen}
	r.free = append(r.free, idx)
}

// CloseHandle deregisters and closes h. Pending events for h in the current
// pass are dropped.
func (r *Reactor) CloseHandle(h Handle) error {
	r.Deregister(h)
	return h.Close()
}

// Shutdown makes Loop return after the current pass. It is idempotent and safe
// to call from a listener or from another goroutine.
func (r *Reactor) Shutdown() {
	if r.shutdown.CompareAndSwap(false, true) {
		r.wakeup()
	}
}

func (r *Reactor) IsShutdown() bool {
	return r.shutdown.Load()
}

func (r *Reactor) wakeup() {
	_, _ = unix.Write(r.wakeW, []byte{1})
}

// Loop dispatches readiness events until Shutdown is called, no handles remain,
// a listener fails, or ctx is cancelled.
func (r *Reactor) Loop(ctx context.Context) error {
	stop := context.AfterFunc(ctx, r.wakeup)
	defer stop()

	for !r.shutdown.Load() {
		if err := ctx.Err(); err != nil {
			return errors.NewContextError(fmt.Errorf("%w: %w", errors.ErrInterrupted, err), "reactor")
		}

		if len(r.byFd) == 0 {
			logger.Debugf("Reactor has no registered handles, leaving loop")
			return nil
		}

		if err := r.poll(); err != nil {
			return err
		}

		if err := r.dispatch(); err != nil {
			return err
		}
	}

	return nil
}

func (r *Reactor) poll() error {
	r.pollFds = append(r.pollFds[:0], unix.PollFd{Fd: int32(r.wakeR), Events: unix.POLLIN})
	r.polled = r.polled[:0]

	for idx := range r.slots {
		reg := &r.slots[idx]
		if !reg.used {
			continue
		}
		if reg.gate != nil {
			if !reg.gate.Open() {
				continue
			}
			reg.gate = nil
		}
		events := pollEvents(reg.interest)
		if events == 0 {
			continue
		}
		r.pollFds = append(r.pollFds, unix.PollFd{Fd: int32(reg.handle.Fd()), Events: events})
		r.polled = append(r.polled, readyEntry{slot: idx, gen: reg.gen})
	}

	n, err := unix.Poll(r.pollFds, -1)
	if err == unix.EINTR {
		r.ready = r.ready[:0]
		return nil
	}
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	r.ready = r.ready[:0]
	if n == 0 {
		return nil
	}

	if r.pollFds[0].Revents != 0 {
		r.drainWakeup()
	}

	for i, pfd := range r.pollFds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		e := r.polled[i]
		e.revents = pfd.Revents
		r.ready = append(r.ready, e)
	}

	return nil
}

func (r *Reactor) drainWakeup() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) dispatch() error {
	for _, e := range r.ready {
		for _, op := range ops {
			reg := &r.slots[e.slot]
			if !reg.used || reg.gen != e.gen {
				break
			}
			if reg.gate != nil && !reg.gate.Open() {
				break
			}
			if reg.interest&op == 0 || !readyFor(op, e.revents) {
				continue
			}

			var err error
			switch op {
			case OpConnect:
				err = reg.listener.Connect(r, reg.handle)
			case OpAccept:
				err = reg.listener.Accept(r, reg.handle)
			case OpRead:
				err = reg.listener.Read(r, reg.handle)
			case OpWrite:
				err = reg.listener.Write(r, reg.handle)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

const errorEvents = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

func pollEvents(interest Op) int16 {
	var events int16
	if interest&(OpAccept|OpRead) != 0 {
		events |= unix.POLLIN
	}
	if interest&(OpConnect|OpWrite) != 0 {
		events |= unix.POLLOUT
	}
	return events
}

func readyFor(op Op, revents int16) bool {
	switch op {
	case OpAccept, OpRead:
		return revents&(unix.POLLIN|errorEvents) != 0
	default:
		return revents&(unix.POLLOUT|errorEvents) != 0
	}
}

// Close closes every registered handle and the reactor itself.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	for idx := range r.slots {
		reg := &r.slots[idx]
		if !reg.used {
			continue
		}
		if err := reg.handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		*reg = registration{}
	}
	r.byFd = make(map[int]int)
	r.free = nil
	r.slots = nil

	unix.Close(r.wakeR)
	unix.Close(r.wakeW)

	return firstErr
}
