package blocklog

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/NamanBalaji/gridmover/internal/errors"
)

// Unbounded is the default limit. AddBlock never throttles while it is in effect.
const Unbounded int64 = math.MaxInt64

// Range is the half-open byte interval [Begin, End).
type Range struct {
	Begin int64 `json:"begin"`
	End   int64 `json:"end"`
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Begin, r.End)
}

// OverlapError reports an AddBlock call whose range overlaps one already recorded.
type OverlapError struct {
	New      Range
	Existing Range
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("overlapping block: %s overlaps %s", e.New, e.Existing)
}

// BlockLog records which byte ranges of a file have been transferred.
// Stored ranges are sorted, disjoint and never adjacent.
type BlockLog struct {
	mu     sync.Mutex
	cond   *sync.Cond
	ranges []Range
	eof    bool
	limit  int64
}

func New() *BlockLog {
	b := &BlockLog{limit: Unbounded}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// AddBlock records [offset, offset+size). Touching ranges are merged. An overlap
// returns *OverlapError and leaves the log unchanged.
//
// If the limit is at or below the completed watermark afterwards, AddBlock
// blocks until the limit is raised or SetEof is called.
func (b *BlockLog) AddBlock(offset, size int64) error {
	if size == 0 {
		return nil
	}
	if offset < 0 || size < 0 || offset > math.MaxInt64-size {
		return fmt.Errorf("%w: block offset=%d size=%d", errors.ErrInvalidArgument, offset, size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	nr := Range{Begin: offset, End: offset + size}

	// first range starting after offset
	i := sort.Search(len(b.ranges), func(i int) bool { return b.ranges[i].Begin > offset })

	if i > 0 && b.ranges[i-1].End > nr.Begin {
		return &OverlapError{New: nr, Existing: b.ranges[i-1]}
	}
	if i < len(b.ranges) && b.ranges[i].Begin < nr.End {
		return &OverlapError{New: nr, Existing: b.ranges[i]}
	}

	touchPrev := i > 0 && b.ranges[i-1].End == nr.Begin
	touchNext := i < len(b.ranges) && b.ranges[i].Begin == nr.End

	switch {
	case touchPrev && touchNext:
		b.ranges[i-1].End = b.ranges[i].End
		b.ranges = append(b.ranges[:i], b.ranges[i+1:]...)
	case touchPrev:
		b.ranges[i-1].End = nr.End
	case touchNext:
		b.ranges[i].Begin = nr.Begin
	default:
		b.ranges = append(b.ranges, Range{})
		copy(b.ranges[i+1:], b.ranges[i:])
		b.ranges[i] = nr
	}

	b.cond.Broadcast()

	for b.limit <= b.completedLocked() && !b.eof {
		b.cond.Wait()
	}

	return nil
}

// SetEof marks the end of input and releases every waiter.
func (b *BlockLog) SetEof() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.eof = true
	b.cond.Broadcast()
}

// SetLimit sets the throttle watermark for AddBlock. Use Unbounded to disable it.
func (b *BlockLog) SetLimit(limit int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.limit = limit
	b.cond.Broadcast()
}

func (b *BlockLog) Limit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.limit
}

// WaitCompleted raises the limit to at least position, then blocks until the
// completed watermark reaches position or SetEof is called.
func (b *BlockLog) WaitCompleted(position int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit < position {
		b.limit = position
		b.cond.Broadcast()
	}

	for b.completedLocked() < position && !b.eof {
		b.cond.Wait()
	}
}

// Completed returns the end of the range starting at 0, or 0 if there is none.
func (b *BlockLog) Completed() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.completedLocked()
}

func (b *BlockLog) completedLocked() int64 {
	if len(b.ranges) == 0 || b.ranges[0].Begin != 0 {
		return 0
	}
	return b.ranges[0].End
}

func (b *BlockLog) Fragments() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.ranges)
}

// IsComplete reports whether input has ended and at most one range was recorded.
func (b *BlockLog) IsComplete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.eof && len(b.ranges) <= 1
}

// Ranges returns a copy of the recorded ranges in ascending order.
func (b *BlockLog) Ranges() []Range {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Range, len(b.ranges))
	copy(out, b.ranges)
	return out
}

func (b *BlockLog) String() string {
	ranges := b.Ranges()
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, " ")
}
