package digest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NamanBalaji/gridmover/internal/blocklog"
	"github.com/NamanBalaji/gridmover/internal/bufpool"
	"github.com/NamanBalaji/gridmover/internal/errors"
	"github.com/NamanBalaji/gridmover/internal/logger"
)

// NoReadAhead leaves the transfer free to run arbitrarily far ahead of the digest.
const NoReadAhead int64 = 0

// Coordinator computes digests of a file while it is being transferred.
//
// It reads the file sequentially from offset 0 and only reads a chunk once the
// BlockLog reports it as completed. With a read-ahead window the BlockLog
// limit is kept at most readAhead bytes past the digest position, which holds
// back writers until the digest catches up.
type Coordinator struct {
	channel   io.ReaderAt
	log       *blocklog.BlockLog
	blockSize int
	readAhead int64
	accs      []*accumulator

	mu      sync.Mutex
	done    chan struct{}
	err     error
	digests int64
}

// NewCoordinator validates the digest names. It does not start reading.
func NewCoordinator(channel io.ReaderAt, log *blocklog.BlockLog, blockSize int, readAhead int64, types ...string) (*Coordinator, error) {
	if blockSize <= 0 {
		return nil, errors.NewConfigurationError(
			fmt.Errorf("%w: digest block size %d", errors.ErrInvalidArgument, blockSize), "digest")
	}
	if readAhead < 0 {
		return nil, errors.NewConfigurationError(
			fmt.Errorf("%w: read-ahead %d", errors.ErrInvalidArgument, readAhead), "digest")
	}
	if len(types) == 0 {
		return nil, errors.NewConfigurationError(
			fmt.Errorf("%w: no digest requested", errors.ErrInvalidArgument), "digest")
	}

	c := &Coordinator{
		channel:   channel,
		log:       log,
		blockSize: blockSize,
		readAhead: readAhead,
	}
	seen := make(map[string]bool, len(types))
	for _, t := range types {
		acc, err := newAccumulator(t)
		if err != nil {
			return nil, err
		}
		if seen[acc.name] {
			continue
		}
		seen[acc.name] = true
		c.accs = append(c.accs, acc)
	}
	return c, nil
}

// Start runs the coordinator on its own goroutine. Cancelling ctx stops it
// between chunks.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		// Never leave a writer stuck behind a limit nobody will raise.
		defer c.log.SetLimit(blocklog.Unbounded)

		if err := c.run(ctx); err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			logger.Errorf("Digest stopped at %d: %v", c.Position(), err)
		}
	}()
}

// Wait blocks until the coordinator has stopped and returns its error.
func (c *Coordinator) Wait() error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	return c.LastError()
}

func (c *Coordinator) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Position returns the number of bytes digested so far.
func (c *Coordinator) Position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digests
}

// Checksums returns the digests of everything read so far. Call it after Wait.
func (c *Coordinator) Checksums() []Checksum {
	sums := make([]Checksum, 0, len(c.accs))
	for _, acc := range c.accs {
		sums = append(sums, acc.checksum())
	}
	return sums
}

func (c *Coordinator) run(ctx context.Context) error {
	pool := bufpool.Shared(c.blockSize)
	buf := pool.Get()
	defer pool.Put(buf)

	var position int64
	for {
		if err := ctx.Err(); err != nil {
			return errors.NewContextError(fmt.Errorf("%w: %w", errors.ErrInterrupted, err), "digest")
		}

		if c.readAhead != NoReadAhead {
			c.log.SetLimit(position + c.readAhead)
		}
		c.log.WaitCompleted(position + int64(c.blockSize))

		n, err := c.channel.ReadAt(buf, position)
		if n > 0 {
			if err := c.update(buf[:n]); err != nil {
				return err
			}
			position += int64(n)
			c.mu.Lock()
			c.digests = position
			c.mu.Unlock()
		}

		switch {
		case err == io.EOF:
			logger.Debugf("Digest reached end of file at %d", position)
			return nil
		case err != nil:
			return errors.NewStorageError(fmt.Errorf("digest read at %d: %w", position, err), "digest")
		case n == 0:
			// A reader that returns nothing without an error is at its end.
			return nil
		}
	}
}

func (c *Coordinator) update(chunk []byte) error {
	if len(c.accs) == 1 {
		_, err := c.accs[0].hash.Write(chunk)
		return err
	}

	var g errgroup.Group
	for _, acc := range c.accs {
		acc := acc
		g.Go(func() error {
			_, err := acc.hash.Write(chunk)
			return err
		})
	}
	return g.Wait()
}
