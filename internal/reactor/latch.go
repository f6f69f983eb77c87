package reactor

import "sync/atomic"

// Latch is a one-shot barrier over a number of pending events, typically the
// outbound connections still being established. Handles suspended on a latch
// are not polled until it opens.
type Latch struct {
	pending atomic.Int32
}

func NewLatch(pending int) *Latch {
	l := &Latch{}
	l.pending.Store(int32(pending))
	return l
}

// Add registers n more pending events.
func (l *Latch) Add(n int) {
	l.pending.Add(int32(n))
}

// Done resolves one pending event.
func (l *Latch) Done() {
	l.pending.Add(-1)
}

func (l *Latch) Pending() int {
	return int(l.pending.Load())
}

// Open reports whether every pending event has resolved.
func (l *Latch) Open() bool {
	return l.pending.Load() <= 0
}
