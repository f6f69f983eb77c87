//go:build unix

package mode_test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"net"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/NamanBalaji/gridmover/internal/blocklog"
	"github.com/NamanBalaji/gridmover/internal/errors"
	"github.com/NamanBalaji/gridmover/internal/mode"
)

// passiveMode starts m listening on loopback and returns a raw client
// connected to it together with the loop result channel.
func passiveMode(t *testing.T, m mode.Mode) (net.Conn, <-chan error) {
	t.Helper()
	l := listen(t)
	if err := m.SetPassive(l); err != nil {
		t.Fatal(err)
	}
	done := loop(t, m)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, done
}

func readHeader(t *testing.T, r io.Reader, size int) mode.Header {
	t.Helper()
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	var h mode.Header
	var err error
	if size == mode.XBlockHeaderLen {
		h, err = mode.ParseXBlockHeader(b)
	} else {
		h, err = mode.ParseEBlockHeader(b)
	}
	if err != nil {
		t.Fatalf("parsing header: %v", err)
	}
	return h
}

func TestXBlockSender_WaitsForReady(t *testing.T) {
	data := testData(2000)
	sender, _ := mode.New("X", mode.Sender, newMemChannel(data), newRecorder(), 500)
	conn, done := passiveMode(t, sender)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	n, err := conn.Read(make([]byte, 1))
	if n != 0 || !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("received data before READY: n=%d err=%v", n, err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte("READY\n")); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	got := make([]byte, len(data))
	for {
		h := readHeader(t, br, mode.XBlockHeaderLen)
		if h.Count > 0 {
			if _, err := io.ReadFull(br, got[h.Offset:h.Offset+h.Count]); err != nil {
				t.Fatal(err)
			}
		}
		if h.Has(mode.FlagEOD) {
			if !h.Has(mode.FlagEOF) || h.Offset != 1 {
				t.Fatalf("last header = %v, want EOF with EOD count 1", h)
			}
			break
		}
	}
	if !bytes.Equal(got, data) {
		t.Fatal("data differs")
	}

	if _, err := conn.Write([]byte("BYE\n")); err != nil {
		t.Fatal(err)
	}
	wait(t, "sender", done)
	if !sender.HasCompletedSuccessfully() {
		t.Errorf("sender failed: %v", sender.LastError())
	}
}

func TestXBlockSender_IgnoresCloseOnLastConnection(t *testing.T) {
	data := testData(3000)
	sender, _ := mode.New("X", mode.Sender, newMemChannel(data), newRecorder(), 100)
	conn, done := passiveMode(t, sender)
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte("READY\nCLOSE\n")); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(conn)
	var total int64
	var last mode.Header
	for {
		h := readHeader(t, br, mode.XBlockHeaderLen)
		if h.Count > 0 {
			if _, err := io.CopyN(io.Discard, br, h.Count); err != nil {
				t.Fatal(err)
			}
			total += h.Count
		}
		if h.Has(mode.FlagEOD) {
			last = h
			break
		}
	}

	if total != int64(len(data)) {
		t.Errorf("received %d bytes, want %d", total, len(data))
	}
	if !last.Has(mode.FlagEOF) {
		t.Errorf("final header %v lacks EOF", last)
	}

	// closing without BYE is tolerated
	conn.Close()
	wait(t, "sender", done)
	if !sender.HasCompletedSuccessfully() {
		t.Errorf("sender failed: %v", sender.LastError())
	}
}

func TestXBlockSender_UnknownCommand(t *testing.T) {
	sender, _ := mode.New("X", mode.Sender, newMemChannel(testData(10)), newRecorder(), 100)
	conn, done := passiveMode(t, sender)

	if _, err := conn.Write([]byte("HELLO\n")); err != nil {
		t.Fatal(err)
	}
	wait(t, "sender", done)

	if !errors.Is(sender.LastError(), errors.ErrUnknownCommand) {
		t.Errorf("LastError = %v", sender.LastError())
	}
	if sender.HasCompletedSuccessfully() {
		t.Error("sender reported success")
	}
}

func TestReceiver_RejectsUnknownFlags(t *testing.T) {
	tests := []struct {
		letter string
		flags  byte
		encode func(mode.Header) []byte
	}{
		{"E", 0x02, func(h mode.Header) []byte { return h.AppendEBlock(nil) }},
		{"X", mode.FlagEOR, func(h mode.Header) []byte { return h.AppendXBlock(nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.letter, func(t *testing.T) {
			mon := newRecorder()
			receiver, _ := mode.New(tt.letter, mode.Receiver, newMemChannel(nil), mon, 100)
			conn, done := passiveMode(t, receiver)

			msg := tt.encode(mode.Header{Flags: tt.flags, Count: 10, Offset: 0})
			msg = append(msg, testData(10)...)
			if _, err := conn.Write(msg); err != nil {
				t.Fatal(err)
			}
			wait(t, "receiver", done)

			err := receiver.LastError()
			if !errors.IsProtocolError(err) || !errors.Is(err, errors.ErrUnknownFlags) {
				t.Fatalf("expected unknown flags protocol error, got %v", err)
			}
			if mon.Received() != 0 || mon.log.Fragments() != 0 {
				t.Errorf("payload consumed: %d bytes", mon.Received())
			}
			if receiver.HasCompletedSuccessfully() {
				t.Error("receiver reported success")
			}
		})
	}
}

func eblock(flags byte, count, offset int64) []byte {
	b := make([]byte, mode.EBlockHeaderLen)
	b[0] = flags
	binary.BigEndian.PutUint64(b[1:9], uint64(count))
	binary.BigEndian.PutUint64(b[9:17], uint64(offset))
	return b
}

func TestEBlockReceiver_DuplicateEOF(t *testing.T) {
	receiver, _ := mode.New("E", mode.Receiver, newMemChannel(nil), newRecorder(), 100)
	conn, done := passiveMode(t, receiver)

	msg := append(eblock(mode.FlagEOF, 0, 2), eblock(mode.FlagEOF, 0, 2)...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	wait(t, "receiver", done)

	if !errors.Is(receiver.LastError(), errors.ErrDuplicateEOF) {
		t.Errorf("LastError = %v", receiver.LastError())
	}
}

func TestEBlockReceiver_InvalidEODCount(t *testing.T) {
	receiver, _ := mode.New("E", mode.Receiver, newMemChannel(nil), newRecorder(), 100)
	conn, done := passiveMode(t, receiver)

	if _, err := conn.Write(eblock(mode.FlagEOF|mode.FlagEOD, 0, 0)); err != nil {
		t.Fatal(err)
	}
	wait(t, "receiver", done)

	if !errors.Is(receiver.LastError(), errors.ErrInvalidEODCount) {
		t.Errorf("LastError = %v", receiver.LastError())
	}
}

func TestEBlockReceiver_CloseBeforeEOD(t *testing.T) {
	receiver, _ := mode.New("E", mode.Receiver, newMemChannel(nil), newRecorder(), 100)
	conn, done := passiveMode(t, receiver)

	msg := append(eblock(0, 10, 0), testData(10)...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	conn.Close()
	wait(t, "receiver", done)

	err := receiver.LastError()
	if !errors.IsProtocolError(err) || !errors.Is(err, errors.ErrPrematureClose) {
		t.Errorf("LastError = %v", err)
	}
}

func TestEBlockReceiver_CloseMidBlock(t *testing.T) {
	receiver, _ := mode.New("E", mode.Receiver, newMemChannel(nil), newRecorder(), 100)
	conn, done := passiveMode(t, receiver)

	msg := append(eblock(0, 10, 0), testData(4)...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	conn.Close()
	wait(t, "receiver", done)

	if !errors.Is(receiver.LastError(), errors.ErrPrematureClose) {
		t.Errorf("LastError = %v", receiver.LastError())
	}
}

func TestEBlockReceiver_SingleConnection(t *testing.T) {
	mon := newRecorder()
	dst := newMemChannel(nil)
	receiver, _ := mode.New("E", mode.Receiver, dst, mon, 100)
	conn, done := passiveMode(t, receiver)

	// out of order blocks, then EOF on the same connection
	var msg []byte
	msg = append(msg, eblock(0, 5, 5)...)
	msg = append(msg, []byte("world")...)
	msg = append(msg, eblock(0, 5, 0)...)
	msg = append(msg, []byte("hello")...)
	msg = append(msg, eblock(mode.FlagEOF|mode.FlagEOD|mode.FlagSenderCloses, 0, 1)...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	wait(t, "receiver", done)

	if !receiver.HasCompletedSuccessfully() {
		t.Fatalf("receiver failed: %v", receiver.LastError())
	}
	if string(dst.Bytes()) != "helloworld" {
		t.Errorf("got %q", dst.Bytes())
	}
	mon.log.SetEof()
	if !mon.log.IsComplete() {
		t.Errorf("block log %s", mon.log)
	}
}

func TestXBlockReceiver_SendsReadyAndBye(t *testing.T) {
	dst := newMemChannel(nil)
	receiver, _ := mode.New("X", mode.Receiver, dst, newRecorder(), 100)
	conn, done := passiveMode(t, receiver)
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil || line != "READY\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}

	var msg []byte
	msg = mode.Header{Count: 3, Offset: 0}.AppendXBlock(msg)
	msg = append(msg, []byte("abc")...)
	msg = mode.Header{Flags: mode.FlagEOF | mode.FlagEOD | mode.FlagSenderCloses, Offset: 1}.AppendXBlock(msg)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}

	line, err = br.ReadString('\n')
	if err != nil || line != "BYE\n" {
		t.Fatalf("expected BYE, got %q, %v", line, err)
	}
	wait(t, "receiver", done)

	if !receiver.HasCompletedSuccessfully() {
		t.Fatalf("receiver failed: %v", receiver.LastError())
	}
	if string(dst.Bytes()) != "abc" {
		t.Errorf("got %q", dst.Bytes())
	}
}

func TestEBlockReceiver_EOFWithPayload(t *testing.T) {
	mon := newRecorder()
	receiver, _ := mode.New("E", mode.Receiver, newMemChannel(nil), mon, 100)
	conn, done := passiveMode(t, receiver)

	// the payload of the EOF block looks like an EOD header
	msg := append(eblock(mode.FlagEOF, mode.EBlockHeaderLen, 1), eblock(mode.FlagEOD, 0, 0)...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	wait(t, "receiver", done)

	err := receiver.LastError()
	if !errors.IsProtocolError(err) || !errors.Is(err, errors.ErrInvalidArgument) {
		t.Fatalf("LastError = %v", err)
	}
	if receiver.HasCompletedSuccessfully() {
		t.Error("receiver reported success")
	}
	if st := receiver.Stats(); st.Errored != 1 {
		t.Errorf("stats = %s", st)
	}
}

func TestEBlockReceiver_RejectsOverflowingBlock(t *testing.T) {
	mon := newRecorder()
	receiver, _ := mode.New("E", mode.Receiver, newMemChannel(nil), mon, 100)
	conn, done := passiveMode(t, receiver)

	msg := append(eblock(0, 10, math.MaxInt64-5), testData(10)...)
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	wait(t, "receiver", done)

	if err := receiver.LastError(); !errors.IsProtocolError(err) || !errors.Is(err, errors.ErrInvalidArgument) {
		t.Fatalf("LastError = %v", err)
	}
	if mon.Received() != 0 || mon.Allocated() != 0 {
		t.Errorf("received %d bytes, allocated %d", mon.Received(), mon.Allocated())
	}
}

// eventually polls cond until it holds or a few seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialRaw(t *testing.T, addr string) *net.TCPConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.TCPConn)
}

func TestEBlockReceiver_ConnectionResetMidTransfer(t *testing.T) {
	mon := newRecorder()
	receiver, _ := mode.New("E", mode.Receiver, newMemChannel(nil), mon, 100)
	l := listen(t)
	if err := receiver.SetPassive(l); err != nil {
		t.Fatal(err)
	}
	done := loop(t, receiver)

	first := dialRaw(t, l.Addr().String())
	second := dialRaw(t, l.Addr().String())

	if _, err := first.Write(append(eblock(0, 10, 0), testData(10)...)); err != nil {
		t.Fatal(err)
	}
	if _, err := second.Write(append(eblock(0, 10, 10), testData(10)...)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "both blocks", func() bool { return mon.Received() == 20 })

	// reset the first connection before it sends its EOD
	first.SetLinger(0)
	first.Close()

	if _, err := second.Write(eblock(mode.FlagEOF|mode.FlagEOD|mode.FlagSenderCloses, 0, 2)); err != nil {
		t.Fatal(err)
	}
	wait(t, "receiver", done)

	st := receiver.Stats()
	if st.Opened != 2 || st.Closed != 2 || st.Errored != 1 {
		t.Errorf("stats = %s", st)
	}
	if receiver.LastError() == nil {
		t.Error("failed connection left no error")
	}
	if receiver.HasCompletedSuccessfully() {
		t.Error("receiver reported success after losing a connection")
	}

	// the surviving connection was closed by the receiver after its EOD
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected the receiver to close the second connection, got %v", err)
	}
}

func TestEBlockReceiver_MonitorErrorFailsOnlyThatConnection(t *testing.T) {
	mon := newRecorder()
	receiver, _ := mode.New("E", mode.Receiver, newMemChannel(nil), mon, 100)
	l := listen(t)
	if err := receiver.SetPassive(l); err != nil {
		t.Fatal(err)
	}
	done := loop(t, receiver)

	first := dialRaw(t, l.Addr().String())
	second := dialRaw(t, l.Addr().String())

	if _, err := second.Write(append(eblock(0, 10, 20), testData(10)...)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "second connection's block", func() bool { return mon.Received() == 10 })

	// the second block overlaps the first, so the monitor rejects it
	var msg []byte
	msg = append(msg, eblock(0, 10, 0)...)
	msg = append(msg, testData(10)...)
	msg = append(msg, eblock(0, 10, 5)...)
	msg = append(msg, testData(10)...)
	if _, err := first.Write(msg); err != nil {
		t.Fatal(err)
	}
	eventually(t, "first connection to fail", func() bool { return receiver.Stats().Errored == 1 })

	if _, err := second.Write(eblock(mode.FlagEOF|mode.FlagEOD|mode.FlagSenderCloses, 0, 2)); err != nil {
		t.Fatal(err)
	}
	wait(t, "receiver", done)

	err := receiver.LastError()
	var overlap *blocklog.OverlapError
	if !errors.IsProtocolError(err) || !errors.As(err, &overlap) {
		t.Fatalf("LastError = %v", err)
	}
	if st := receiver.Stats(); st.Closed != 2 || st.Errored != 1 {
		t.Errorf("stats = %s", st)
	}
	want := []blocklog.Range{{Begin: 0, End: 10}, {Begin: 20, End: 30}}
	if got := mon.log.Ranges(); !reflect.DeepEqual(got, want) {
		t.Errorf("ranges = %v, want %v", got, want)
	}
}
