//go:build unix

package mode_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/NamanBalaji/gridmover/internal/blocklog"
	"github.com/NamanBalaji/gridmover/internal/connection"
	"github.com/NamanBalaji/gridmover/internal/mode"
	"github.com/NamanBalaji/gridmover/internal/reactor"
)

// memChannel is an in-memory storage channel.
type memChannel struct {
	mu   sync.Mutex
	data []byte
}

func newMemChannel(data []byte) *memChannel {
	return &memChannel{data: append([]byte(nil), data...)}
}

func (c *memChannel) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if off >= int64(len(c.data)) {
		return 0, io.EOF
	}
	n := copy(p, c.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (c *memChannel) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(c.data)) {
		grown := make([]byte, end)
		copy(grown, c.data)
		c.data = grown
	}
	return copy(c.data[off:], p), nil
}

func (c *memChannel) Size() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.data)), nil
}

func (c *memChannel) Bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.data...)
}

// recorder is a Monitor that feeds a BlockLog.
type recorder struct {
	mu        sync.Mutex
	log       *blocklog.BlockLog
	received  int64
	sent      int64
	allocated int64
}

func newRecorder() *recorder {
	return &recorder{log: blocklog.New()}
}

func (r *recorder) ReceivedBlock(position, size int64) error {
	r.mu.Lock()
	r.received += size
	r.mu.Unlock()
	return r.log.AddBlock(position, size)
}

func (r *recorder) SentBlock(position, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent += size
	return nil
}

func (r *recorder) Preallocate(position int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if position > r.allocated {
		r.allocated = position
	}
	return nil
}

func (r *recorder) Received() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

func (r *recorder) Allocated() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocated
}

func (r *recorder) Sent() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

func testData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func listen(t *testing.T) *connection.Listener {
	t.Helper()
	l, err := connection.Listen(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, 0)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

// loop registers m on a fresh reactor and runs it in the background.
func loop(t *testing.T, m mode.Mode) <-chan error {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	if err := m.Register(r); err != nil {
		r.Close()
		t.Fatalf("Register: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := r.Loop(ctx)
		r.Close()
		m.Close()
		done <- err
	}()
	return done
}

func wait(t *testing.T, name string, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("%s loop: %v", name, err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("%s loop did not finish", name)
	}
}

// pair wires sender and receiver over loopback, one side passive.
func pair(t *testing.T, sender, receiver mode.Mode, senderPassive bool) {
	t.Helper()
	l := listen(t)
	passive, active := receiver, sender
	if senderPassive {
		passive, active = sender, receiver
	}
	if err := passive.SetPassive(l); err != nil {
		t.Fatalf("SetPassive: %v", err)
	}
	if err := active.SetActive(l.Addr().String()); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
}

type transferCase struct {
	letter        string
	size          int
	blockSize     int
	parallelism   int
	senderPassive bool
	maxStreams    int
}

type transferResult struct {
	sender, receiver       mode.Mode
	src, dst               *memChannel
	sendMonitor, recvMonit *recorder
}

func runTransfer(t *testing.T, tc transferCase) transferResult {
	t.Helper()

	data := testData(tc.size)
	res := transferResult{
		src:         newMemChannel(data),
		dst:         newMemChannel(nil),
		sendMonitor: newRecorder(),
		recvMonit:   newRecorder(),
	}

	var err error
	res.sender, err = mode.New(tc.letter, mode.Sender, res.src, res.sendMonitor, tc.blockSize)
	if err != nil {
		t.Fatalf("sender: %v", err)
	}
	res.receiver, err = mode.New(tc.letter, mode.Receiver, res.dst, res.recvMonit, tc.blockSize)
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}

	active := res.sender
	if tc.senderPassive {
		active = res.receiver
	}
	if tc.parallelism > 0 {
		if err := active.SetParallelism(tc.parallelism); err != nil {
			t.Fatalf("SetParallelism: %v", err)
		}
	}
	if tc.maxStreams > 0 {
		if err := res.receiver.(*mode.XBlockMode).SetMaxStreams(tc.maxStreams); err != nil {
			t.Fatalf("SetMaxStreams: %v", err)
		}
	}

	pair(t, res.sender, res.receiver, tc.senderPassive)

	// passive side first so its listener is polled
	var recvDone, sendDone <-chan error
	if tc.senderPassive {
		sendDone = loop(t, res.sender)
		recvDone = loop(t, res.receiver)
	} else {
		recvDone = loop(t, res.receiver)
		sendDone = loop(t, res.sender)
	}

	wait(t, "receiver", recvDone)
	wait(t, "sender", sendDone)
	res.recvMonit.log.SetEof()
	return res
}

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func runTestLoop(r *reactor.Reactor) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Loop(ctx)
}
