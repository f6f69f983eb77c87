//go:build unix

package mover

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NamanBalaji/gridmover/internal/blocklog"
	"github.com/NamanBalaji/gridmover/internal/digest"
	"github.com/NamanBalaji/gridmover/internal/errors"
	"github.com/NamanBalaji/gridmover/internal/filesystem"
	"github.com/NamanBalaji/gridmover/internal/logger"
	"github.com/NamanBalaji/gridmover/internal/mode"
	"github.com/NamanBalaji/gridmover/internal/progress"
	"github.com/NamanBalaji/gridmover/internal/reactor"
	"github.com/NamanBalaji/gridmover/internal/repository"
	"github.com/NamanBalaji/gridmover/internal/status"
)

const defaultDigestBlockSize = 1024 * 1024

// Options tune a Mover. The zero value is usable.
type Options struct {
	// File is recorded in the transfer history.
	File string
	// ExpectedSize is the size of the incoming file, if known. Only used for progress.
	ExpectedSize int64
	// SpaceIncrement is the minimum amount of space reserved at a time.
	SpaceIncrement  int64
	DigestBlockSize int
	// ReadAhead bounds how far the transfer may run ahead of the digest. 0 is unbounded.
	ReadAhead int64
	History   repository.Repository
}

// Mover drives one transfer of a file over a Mode. It is also the Monitor
// the Mode reports every transferred chunk to.
type Mover struct {
	id   uuid.UUID
	opts Options

	role      mode.Role
	log       *blocklog.BlockLog
	allocator filesystem.Allocator

	status      atomic.Int32
	waitingFor  atomic.Int64
	reserved    atomic.Int64
	spaceUsed   atomic.Int64
	transferred atomic.Int64
	totalSize   atomic.Int64
	startTime   atomic.Int64
	endTime     atomic.Int64
	lastBlock   atomic.Int64

	traceLimiter *rate.Limiter

	mu            sync.Mutex
	checksumTypes []string
	checksums     []digest.Checksum
}

func New(opts Options) *Mover {
	m := &Mover{
		id:           uuid.New(),
		opts:         opts,
		traceLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
	m.status.Store(status.Pending)
	return m
}

func (m *Mover) ID() uuid.UUID {
	return m.id
}

// EnableTransferChecksum computes a digest of type t while receiving.
func (m *Mover) EnableTransferChecksum(t string) error {
	name, err := digest.Canonical(t)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checksumTypes = append(m.checksumTypes, name)
	return nil
}

// ActualChecksums returns the digests computed by the last successful transfer.
func (m *Mover) ActualChecksums() []digest.Checksum {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]digest.Checksum(nil), m.checksums...)
}

// Transfer moves the file through md until it completes, fails or ctx is
// cancelled. md must already be configured as active or passive.
func (m *Mover) Transfer(ctx context.Context, channel mode.Channel, role mode.Role, md mode.Mode, allocator filesystem.Allocator) error {
	if md.Role() != role {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: %s mode used for a %s transfer", errors.ErrInvalidConfiguration, md.Role(), role), md.Name())
	}
	if allocator == nil {
		allocator = filesystem.NopAllocator{}
	}

	m.mu.Lock()
	types := append([]string(nil), m.checksumTypes...)
	m.checksums = nil
	m.mu.Unlock()

	if len(types) > 0 && role != mode.Receiver {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: checksums are only computed while receiving", errors.ErrInvalidConfiguration), md.Name())
	}

	m.reset(role, allocator, md)
	start := time.Now()
	m.startTime.Store(start.UnixNano())
	m.status.Store(status.Connecting)

	digestCtx, cancelDigest := context.WithCancel(ctx)
	defer cancelDigest()

	var coordinator *digest.Coordinator
	if len(types) > 0 {
		blockSize := m.opts.DigestBlockSize
		if blockSize <= 0 {
			blockSize = defaultDigestBlockSize
		}
		c, err := digest.NewCoordinator(channel, m.log, blockSize, m.opts.ReadAhead, types...)
		if err != nil {
			return m.finish(md, start, err)
		}
		coordinator = c
		coordinator.Start(digestCtx)
	}

	loopErr := m.run(ctx, md)

	m.log.SetEof()

	stopped := loopErr != nil || !md.HasCompletedSuccessfully()
	var digestErr error
	if coordinator != nil {
		if stopped {
			cancelDigest()
		}
		digestErr = coordinator.Wait()
	}

	m.logThroughput(start)

	err := m.outcome(md, loopErr, digestErr, stopped)
	if err == nil && coordinator != nil {
		m.mu.Lock()
		m.checksums = coordinator.Checksums()
		m.mu.Unlock()
	}

	m.releaseUnusedSpace()
	return m.finish(md, start, err)
}

func (m *Mover) reset(role mode.Role, allocator filesystem.Allocator, md mode.Mode) {
	m.role = role
	m.allocator = allocator
	m.log = blocklog.New()

	m.waitingFor.Store(0)
	m.reserved.Store(0)
	m.spaceUsed.Store(0)
	m.transferred.Store(0)
	m.endTime.Store(0)
	m.lastBlock.Store(0)

	total := m.opts.ExpectedSize
	if role == mode.Sender {
		_, total = md.Range()
	}
	m.totalSize.Store(total)
}

func (m *Mover) run(ctx context.Context, md mode.Mode) error {
	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	if err := md.Register(r); err != nil {
		return err
	}
	m.status.Store(status.Active)

	logger.Debugf("Transfer %s: %s %s started", m.id, md.Name(), md.Role())
	return r.Loop(ctx)
}

// outcome picks the error that best explains why the transfer failed.
func (m *Mover) outcome(md mode.Mode, loopErr, digestErr error, digestCancelled bool) error {
	if loopErr != nil {
		return loopErr
	}
	if digestErr != nil && !digestCancelled {
		return digestErr
	}
	if !md.HasCompletedSuccessfully() {
		if last := md.LastError(); last != nil {
			return fmt.Errorf("transfer failed (%s): %w", md.Stats(), last)
		}
		return errors.NewConnectionError(
			fmt.Errorf("transfer did not complete (%s)", md.Stats()), md.Name())
	}
	if m.role == mode.Receiver && !m.log.IsComplete() {
		return errors.WithDetails(
			errors.NewStorageError(fmt.Errorf("%w: %s", errors.ErrIncompleteFile, m.log), m.opts.File),
			map[string]interface{}{
				"completed": m.log.Completed(),
				"fragments": m.log.Fragments(),
			})
	}
	return nil
}

func (m *Mover) finish(md mode.Mode, start time.Time, err error) error {
	end := time.Now()
	m.endTime.Store(end.UnixNano())

	switch {
	case err == nil:
		m.status.Store(status.Completed)
	case errors.Is(err, errors.ErrInterrupted):
		m.status.Store(status.Cancelled)
	default:
		m.status.Store(status.Failed)
	}

	if m.opts.History != nil {
		m.saveHistory(md, start, end, err)
	}
	return err
}

func (m *Mover) saveHistory(md mode.Mode, start, end time.Time, err error) {
	offset, size := md.Range()
	record := &repository.TransferRecord{
		ID:        m.id,
		Role:      m.role.String(),
		Mode:      md.Name(),
		File:      m.opts.File,
		Remotes:   md.RemoteAddresses(),
		Offset:    offset,
		Size:      size,
		Bytes:     m.transferred.Load(),
		StartTime: start,
		Duration:  end.Sub(start),
		Status:    status.String(m.status.Load()),
		Checksums: m.ActualChecksums(),
		Fragments: m.log.Ranges(),
	}
	if err != nil {
		record.Error = err.Error()
	}

	if saveErr := m.opts.History.Save(record); saveErr != nil {
		logger.Warnf("Transfer %s: failed to save history: %v", m.id, saveErr)
	}
}

func (m *Mover) logThroughput(start time.Time) {
	elapsed := time.Since(start).Seconds()
	bytes := m.transferred.Load()
	var mibps float64
	if elapsed > 0 {
		mibps = float64(bytes) / elapsed / (1024 * 1024)
	}
	logger.Infof("%d bytes transferred in %.3f seconds = %.3f MiB/s", bytes, elapsed, mibps)
}

func (m *Mover) releaseUnusedSpace() {
	unused := m.reserved.Load() - m.spaceUsed.Load()
	if unused > 0 {
		m.allocator.Free(unused)
		m.reserved.Add(-unused)
	}
}

// ReceivedBlock records a chunk written to the file. The chunk must lie
// within space reserved by Preallocate.
func (m *Mover) ReceivedBlock(position, size int64) error {
	if m.role != mode.Receiver {
		return fmt.Errorf("%w: received data on a sending transfer", errors.ErrInvalidArgument)
	}
	if end := position + size; end > m.reserved.Load() {
		return fmt.Errorf("%w: [%d,%d) exceeds reserved space %d", errors.ErrInvalidArgument, position, end, m.reserved.Load())
	}
	if err := m.record(position, size); err != nil {
		return err
	}

	end := position + size
	for {
		used := m.spaceUsed.Load()
		if end <= used || m.spaceUsed.CompareAndSwap(used, end) {
			break
		}
	}
	return nil
}

func (m *Mover) SentBlock(position, size int64) error {
	if m.role != mode.Sender {
		return fmt.Errorf("%w: sent data on a receiving transfer", errors.ErrInvalidArgument)
	}
	return m.record(position, size)
}

func (m *Mover) record(position, size int64) error {
	if err := m.log.AddBlock(position, size); err != nil {
		return err
	}

	m.transferred.Add(size)
	m.lastBlock.Store(time.Now().UnixNano())

	if logger.TraceEnabled && m.traceLimiter.Allow() {
		logger.Tracef("Transfer %s: %s after block [%d,%d)", m.id, m.log, position, position+size)
	}
	return nil
}

// Preallocate reserves space up to position, at least SpaceIncrement bytes at a time.
func (m *Mover) Preallocate(position int64) error {
	if m.role != mode.Receiver {
		return errors.NewConfigurationError(
			fmt.Errorf("%w: preallocate on a sending transfer", errors.ErrInvalidArgument), "allocator")
	}

	reserved := m.reserved.Load()
	if position <= reserved {
		return nil
	}

	n := max(position-reserved, m.opts.SpaceIncrement)
	m.waitingFor.Store(n)
	prev := m.status.Swap(status.WaitingForSpace)

	err := m.allocator.Allocate(n)

	m.status.Store(prev)
	m.waitingFor.Store(0)

	if err != nil {
		if errors.CategoryOf(err) == errors.CategoryUnknown {
			err = errors.NewStorageError(err, "allocator")
		}
		return err
	}
	m.reserved.Add(n)
	return nil
}

func (m *Mover) Status() status.Status {
	return m.status.Load()
}

// StatusString reports space used, space allocated and the transfer status.
func (m *Mover) StatusString() string {
	s := m.status.Load()
	name := status.String(s)
	if s == status.WaitingForSpace {
		name = fmt.Sprintf("%s(%d)", name, m.waitingFor.Load())
	}
	return fmt.Sprintf("SU=%d;SA=%d;S=%s", m.spaceUsed.Load(), m.reserved.Load(), name)
}

func (m *Mover) BytesTransferred() int64 {
	return m.transferred.Load()
}

// TransferTime is the time since the transfer started, or its total duration once it finished.
func (m *Mover) TransferTime() time.Duration {
	start := m.startTime.Load()
	if start == 0 {
		return 0
	}
	end := m.endTime.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - start)
}

// LastTransferred returns when the last chunk was transferred, or the zero time.
func (m *Mover) LastTransferred() time.Time {
	t := m.lastBlock.Load()
	if t == 0 {
		return time.Time{}
	}
	return time.Unix(0, t)
}

func (m *Mover) Progress() progress.Progress {
	elapsed := m.TransferTime()
	transferred := m.transferred.Load()

	var speed int64
	if secs := elapsed.Seconds(); secs > 0 {
		speed = int64(float64(transferred) / secs)
	}

	return progress.Snapshot{
		TotalSize:   m.totalSize.Load(),
		Transferred: transferred,
		SpeedBPS:    speed,
		Elapsed:     elapsed,
	}
}
