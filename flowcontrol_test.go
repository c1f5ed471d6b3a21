package http2

import (
	"sync/atomic"
	"testing"
)

// newTestServerConn builds a bare serverConn sufficient to exercise
// sendDataChunks/stallStream/trySend without a real net.Conn or handshake.
func newTestServerConn() *serverConn {
	return &serverConn{
		writer:  make(chan *FrameHeader, 16),
		closer:  make(chan struct{}),
		metrics: &Metrics{},
	}
}

func drainFrame(t *testing.T, sc *serverConn) *Data {
	t.Helper()
	select {
	case fr := <-sc.writer:
		data, ok := fr.Body().(*Data)
		if !ok {
			t.Fatalf("unexpected frame body type %T", fr.Body())
		}
		return data
	default:
		t.Fatal("expected a frame on sc.writer, found none")
		return nil
	}
}

func TestSendDataChunksStallsOnStreamWindow(t *testing.T) {
	sc := newTestServerConn()
	atomic.StoreInt64(&sc.clientWindow, 1<<20)

	strm := NewStream(1, 10)
	body := []byte("0123456789abcdefghij") // 20 bytes, window only allows 10

	done := sc.sendDataChunks(strm, body, true)
	if done {
		t.Fatal("expected sendDataChunks to report not-done when stalled")
	}
	if !strm.stalled {
		t.Fatal("expected stream to be marked stalled")
	}

	data := drainFrame(t, sc)
	if string(data.Data()) != "0123456789" {
		t.Fatalf("unexpected first chunk: %q", data.Data())
	}
	if data.EndStream() {
		t.Fatal("did not expect END_STREAM on the stalled chunk")
	}

	if got := atomic.LoadInt64(&strm.window); got != 0 {
		t.Fatalf("expected stream window to be drained to 0, got %d", got)
	}
	if got := sc.metrics.Snapshot().StreamStalls; got != 1 {
		t.Fatalf("expected one recorded stall, got %d", got)
	}

	// widen both windows and resume.
	atomic.AddInt64(&strm.window, 10)
	atomic.AddInt64(&sc.clientWindow, 10)

	done = sc.trySend(strm)
	if !done {
		t.Fatal("expected trySend to finish the response once the window reopened")
	}
	if strm.stalled {
		t.Fatal("expected stream to be un-stalled after trySend finished")
	}

	data = drainFrame(t, sc)
	if string(data.Data()) != "abcdefghij" {
		t.Fatalf("unexpected resumed chunk: %q", data.Data())
	}
	if !data.EndStream() {
		t.Fatal("expected END_STREAM on the final chunk")
	}
}

func TestSendDataChunksStallsOnConnectionWindow(t *testing.T) {
	sc := newTestServerConn()
	atomic.StoreInt64(&sc.clientWindow, 5)

	strm := NewStream(3, 1<<20)
	body := []byte("hello world")

	done := sc.sendDataChunks(strm, body, false)
	if done {
		t.Fatal("expected sendDataChunks to stall on the connection window")
	}
	if !strm.stalled {
		t.Fatal("expected stream to be marked stalled")
	}

	data := drainFrame(t, sc)
	if string(data.Data()) != "hello" {
		t.Fatalf("unexpected first chunk: %q", data.Data())
	}
	if got := atomic.LoadInt64(&sc.clientWindow); got != 0 {
		t.Fatalf("expected connection window to be drained to 0, got %d", got)
	}

	atomic.AddInt64(&sc.clientWindow, 100)

	done = sc.trySend(strm)
	if !done {
		t.Fatal("expected trySend to finish once the connection window reopened")
	}

	data = drainFrame(t, sc)
	if string(data.Data()) != " world" {
		t.Fatalf("unexpected resumed chunk: %q", data.Data())
	}
	if data.EndStream() {
		t.Fatal("did not expect END_STREAM: caller passed endStream=false")
	}
}

func TestSendDataChunksNoStallWhenWindowSufficient(t *testing.T) {
	sc := newTestServerConn()
	atomic.StoreInt64(&sc.clientWindow, 1<<20)

	strm := NewStream(5, 1<<20)
	body := []byte("short body")

	done := sc.sendDataChunks(strm, body, true)
	if !done {
		t.Fatal("expected sendDataChunks to finish immediately")
	}
	if strm.stalled {
		t.Fatal("did not expect stream to be stalled")
	}

	data := drainFrame(t, sc)
	if string(data.Data()) != "short body" {
		t.Fatalf("unexpected chunk: %q", data.Data())
	}
	if !data.EndStream() {
		t.Fatal("expected END_STREAM on the only chunk")
	}
}
