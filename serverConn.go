package http2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

type connState int32

const (
	connStateOpen connState = iota
	connStateClosed
)

// closedStreamGracePeriod is spec.md §4.4's 2-second window after a
// stream closes during which a stray DATA/HEADERS frame for it is
// assumed to be in-flight from before the peer learned of the closure,
// not a protocol violation.
const closedStreamGracePeriod = 2 * time.Second

type serverConn struct {
	c net.Conn
	h fasthttp.RequestHandler

	br *bufio.Reader
	bw *bufio.Writer

	enc HPACK
	dec HPACK

	// last valid ID used as a reference for new IDs
	lastID uint32

	// clientWindow is the connection-level send window, RFC 9113 §6.9.1:
	// how much DATA this connection may still send the client before a
	// connection-scope (stream 0) WINDOW_UPDATE replenishes it. It is
	// never touched by SETTINGS_INITIAL_WINDOW_SIZE — RFC 9113 §6.9.2:
	// "values in the SETTINGS frame... do not affect the connection
	// flow-control window". int64 because a DATA send can transiently
	// drive it, and a SETTINGS-triggered delta, negative.
	clientWindow int64

	// newStreamWindow is the per-stream send window a freshly created
	// stream starts with: the client's current SETTINGS_INITIAL_WINDOW_
	// SIZE value (RFC 9113 §6.9.2), kept separate from clientWindow so a
	// SETTINGS exchange can't reset connection-level accounting and so
	// DATA sent on one stream doesn't shrink the window a sibling stream
	// is about to be created with.
	newStreamWindow int64

	// our values
	maxWindow     int32
	currentWindow int32

	// flowStrategy governs how eagerly connRecv and each Stream's recv
	// replenish the receive window they advertise to the client.
	flowStrategy FlowControlStrategy
	// connRecv tracks the connection-level receive window the same way
	// each Stream's recv field tracks its own.
	connRecv recvAccounting

	writer chan *FrameHeader
	reader chan *FrameHeader

	// windowDeltas carries SETTINGS_INITIAL_WINDOW_SIZE changes from
	// readLoop, which decodes SETTINGS, to handleStreams, which owns
	// the stream map those changes must retroactively apply to
	// (RFC 9113 §6.9.2).
	windowDeltas chan int32

	state connState
	// closeRef stores the last stream that was valid before sending a GOAWAY.
	// Thus, the number stored in closeRef is used to complete all the requests that were sent before
	// to gracefully close the connection with a GOAWAY.
	closeRef uint32

	// maxRequestTime is the max time of a request over one single stream
	maxRequestTime time.Duration
	pingInterval   time.Duration
	// settingsAckTimeout bounds how long we wait for the client to ACK
	// our initial SETTINGS frame, RFC 9113 §6.5.3: a client that never
	// ACKs is a connection error of type SETTINGS_TIMEOUT.
	settingsAckTimeout time.Duration
	// maxIdleTime is the max time a client can be connected without sending any REQUEST.
	// As highlighted, PING/PONG frames are completely excluded.
	//
	// Therefore, a client that didn't send a request for more than `maxIdleTime` will see it's connection closed.
	maxIdleTime time.Duration

	st      Settings
	clientS Settings

	// pingTimer
	pingTimer        *time.Timer
	maxRequestTimer  *time.Timer
	maxIdleTimer     *time.Timer
	settingsAckTimer *time.Timer

	closer chan struct{}

	// limits rate-limits the frame types that cost the server more to
	// process than they cost a peer to send (PING, SETTINGS, RST_STREAM,
	// PRIORITY) and tracks Rapid Reset (CVE-2023-44487) streaks. Nil
	// limiters inside it (the default) mean the corresponding check is
	// disabled.
	limits *rateLimits

	// bufPool backs the scratch buffers streamWrite.ReadFrom copies
	// response bodies through.
	bufPool *BufferPool

	debug  bool
	logger fasthttp.Logger

	// metrics accumulates connection-engine/flow-controller counters
	// (GOAWAYs, rate-limit trips, rapid resets, stalls). Nil is valid and
	// makes every recordX call a no-op; Server wires a shared instance by
	// default so Server.Metrics always has something to report.
	metrics *Metrics
}

func (sc *serverConn) closeIdleConn() {
	sc.writeGoAway(0, NoError, "connection has been idle for a long time")
	if sc.debug {
		sc.logger.Printf("Connection is idle. Closing\n")
	}
	close(sc.closer)
}

// closeSettingsTimeout tears the connection down when the client never
// ACKs our initial SETTINGS frame within settingsAckTimeout, RFC 9113
// §6.5.3.
func (sc *serverConn) closeSettingsTimeout() {
	sc.writeGoAway(0, SettingsTimeoutError, "settings ack not received in time")
	if sc.debug {
		sc.logger.Printf("Client didn't ACK our settings in time. Closing\n")
	}
	close(sc.closer)
}

func (sc *serverConn) Handshake() error {
	return Handshake(false, sc.bw, &sc.st, sc.maxWindow)
}

func (sc *serverConn) Serve() error {
	sc.closer = make(chan struct{}, 1)
	sc.maxRequestTimer = time.NewTimer(0)
	sc.clientWindow = int64(sc.clientS.MaxWindowSize())
	sc.newStreamWindow = int64(sc.clientS.MaxWindowSize())

	// sc.dec enforces OUR advertised MAX_HEADER_LIST_SIZE against what
	// the client actually sends, RFC 7541 §4.3's HPACK bomb defense;
	// unlike the dynamic table size this never changes after the
	// handshake, so it's set once here rather than on every SETTINGS.
	sc.dec.SetMaxHeaderListSize(int(sc.st.MaxHeaderListSize()))

	if sc.maxIdleTime > 0 {
		sc.maxIdleTimer = time.AfterFunc(sc.maxIdleTime, sc.closeIdleConn)
	}

	sc.settingsAckTimer = time.AfterFunc(sc.settingsAckTimeout, sc.closeSettingsTimeout)

	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("Serve panicked: %s:\n%s\n", err, debug.Stack())
		}
	}()

	go func() {
		// defer closing the connection in the writeLoop in case the writeLoop panics
		defer func() {
			_ = sc.c.Close()
		}()

		sc.writeLoop()
	}()

	go func() {
		sc.handleStreams()
		// Fix #55: The pingTimer fired while we were closing the connection.
		sc.pingTimer.Stop()
		// close the writer here to ensure that no pending requests
		// are writing to a closed channel
		close(sc.writer)
	}()

	defer func() {
		// close the reader here so we can stop handling stream updates
		close(sc.reader)
	}()

	var err error

	// unset any deadline
	if err = sc.c.SetWriteDeadline(time.Time{}); err == nil {
		err = sc.c.SetReadDeadline(time.Time{})
	}
	if err != nil {
		return err
	}

	err = sc.readLoop()
	if errors.Is(err, io.EOF) {
		err = nil
	}

	sc.close()

	return err
}

func (sc *serverConn) close() {
	if sc.pingTimer != nil {
		sc.pingTimer.Stop()
	}

	if sc.maxIdleTimer != nil {
		sc.maxIdleTimer.Stop()
	}

	if sc.settingsAckTimer != nil {
		sc.settingsAckTimer.Stop()
	}

	sc.maxRequestTimer.Stop()
}

func (sc *serverConn) handlePing(ping *Ping) {
	fr := AcquireFrameHeader()
	ping.SetAck(true)
	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) writePing() {
	fr := AcquireFrameHeader()

	ping := AcquireFrame(FramePing).(*Ping)
	ping.SetCurrentTime()

	fr.SetBody(ping)

	sc.writer <- fr
}

func (sc *serverConn) checkFrameWithStream(fr *FrameHeader) error {
	if fr.Stream()&1 == 0 {
		return NewGoAwayError(ProtocolError, "invalid stream id")
	}

	switch fr.Type() {
	case FramePing:
		return NewGoAwayError(ProtocolError, "ping is carrying a stream id")
	case FramePushPromise:
		return NewGoAwayError(ProtocolError, "clients can't send push_promise frames")
	}

	return nil
}

func (sc *serverConn) readLoop() (err error) {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("readLoop panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	var fr *FrameHeader

	for err == nil {
		fr, err = ReadFrameFromWithSize(sc.br, sc.st.frameSize)
		if err != nil {
			if errors.Is(err, ErrUnknownFrameType) {
				// RFC 9113 §4.1: implementations MUST ignore and discard
				// frames of unknown type.
				err = nil
				continue
			}

			// a decode-time frame violation (oversized frame, bad PADDED
			// length) surfaces as a connection Error rather than a bare
			// I/O error; RFC 9113 §7 requires a GOAWAY before the
			// connection closes for those, unlike a plain read error or
			// EOF from the peer going away.
			var connErr Error
			if errors.As(err, &connErr) && connErr.IsConnectionError() {
				sc.writeGoAway(0, connErr.Code(), connErr.Error())
			}

			break
		}

		if fr.Stream() != 0 {
			err := sc.checkFrameWithStream(fr)
			if err != nil {
				sc.writeError(nil, err)
			} else {
				sc.reader <- fr
			}

			continue
		}

		// handle 'anonymous' frames (frames without stream_id)
		switch fr.Type() {
		case FrameSettings:
			st := fr.Body().(*Settings)
			if st.IsAck() {
				sc.settingsAckTimer.Stop()
				sc.metrics.recordSettingsAcked()
			} else {
				if !sc.limits.settings.allow() {
					sc.metrics.recordRateLimited()
					sc.writeGoAway(0, EnhanceYourCalm, "too many SETTINGS frames")
					continue
				}
				sc.handleSettings(st)
			}
		case FrameWindowUpdate:
			win := int64(fr.Body().(*WindowUpdate).Increment())
			if win == 0 {
				sc.writeGoAway(0, ProtocolError, "window increment of 0")
				// return
				continue
			}

			if atomic.AddInt64(&sc.clientWindow, win) >= 1<<31-1 {
				sc.writeGoAway(0, FlowControlError, "window is above limits")
				continue
			}

			// a connection-level send window just grew; wake any stream
			// parked in handleStreams waiting on the flow controller. The
			// delta is 0 because no stream's own window changed here.
			select {
			case sc.windowDeltas <- 0:
			case <-sc.closer:
			}
		case FramePing:
			ping := fr.Body().(*Ping)
			if !ping.IsAck() {
				if !sc.limits.ping.allow() {
					sc.metrics.recordRateLimited()
					sc.writeGoAway(0, EnhanceYourCalm, "too many PING frames")
					continue
				}
				sc.handlePing(ping)
			}
		case FrameGoAway:
			ga := fr.Body().(*GoAway)
			if ga.Code() == NoError {
				err = io.EOF
			} else {
				err = fmt.Errorf("goaway: %s: %s", ga.Code(), ga.Data())
			}
		default:
			sc.writeGoAway(0, ProtocolError, "invalid frame")
		}

		ReleaseFrameHeader(fr)
	}

	return
}

// handleStreams handles everything related to the streams
// and the HPACK table is accessed synchronously.
func (sc *serverConn) handleStreams() {
	defer func() {
		if err := recover(); err != nil {
			sc.logger.Printf("handleStreams panicked: %s\n%s\n", err, debug.Stack())
		}
	}()

	strms := make(Streams)
	var openHeaderStream *Stream
	var reqTimerArmed bool
	var openStreams int

	// closedStrms remembers when each stream was closed, spec.md §4.4's
	// 2-second grace window: a client's frames in flight at the moment
	// we close a stream are a routine race, not a violation, so recently
	// closed stream ids get tolerance that a truly forgotten id (never
	// in this map, or long past the grace period) does not.
	closedStrms := make(map[uint32]time.Time)

	closeStream := func(strm *Stream) {
		if strm.origType == FrameHeaders {
			openStreams--
		}

		strmID := strm.ID()

		strm.closedAt = time.Now()
		closedStrms[strm.ID()] = strm.closedAt
		strms.Del(strm.ID())

		if openHeaderStream == strm {
			openHeaderStream = nil
		}

		ctxPool.Put(strm.ctx)
		streamPool.Put(strm)

		if sc.debug {
			sc.logger.Printf("Stream destroyed %d. Open streams: %d\n", strmID, openStreams)
		}
	}

loop:
	for {
		select {
		case <-sc.closer:
			break loop
		case delta := <-sc.windowDeltas:
			if bad := applyWindowDelta(strms, int64(delta)); bad != 0 {
				sc.writeGoAway(bad, FlowControlError, "window update made stream window exceed the maximum size")
				break loop
			}

			// a connection-level WINDOW_UPDATE (delta == 0, see
			// readLoop) or a retroactive SETTINGS_INITIAL_WINDOW_SIZE
			// change may have unblocked streams parked in sendDataChunks.
			for _, strm := range strms {
				if strm.stalled && sc.trySend(strm) {
					closeStream(strm)
				}
			}
		case <-sc.maxRequestTimer.C:
			reqTimerArmed = false

			var due []*Stream
			for _, strm := range strms {
				// the request is due if the startedAt time + maxRequestTime is in the past
				if time.Now().After(strm.startedAt.Add(sc.maxRequestTime)) {
					due = append(due, strm)
				}
			}

			for _, strm := range due {
				if sc.debug {
					sc.logger.Printf("Stream timed out: %d\n", strm.ID())
				}
				sc.writeReset(strm.ID(), StreamCanceled)

				// set the state to closed in case it comes back to life later
				strm.SetState(StreamStateClosed)
				closeStream(strm)
			}

			if len(strms) != 0 && sc.maxRequestTime > 0 {
				// the first in the stream list might have started with a PushPromise
				strm := strms.GetFirstOf(FrameHeaders)
				if strm != nil {
					reqTimerArmed = true
					// try to arm the timer
					when := strm.startedAt.Add(sc.maxRequestTime).Sub(time.Now())
					// if the time is negative or zero it triggers imm
					sc.maxRequestTimer.Reset(when)

					if sc.debug {
						sc.logger.Printf("Next request will timeout in %f seconds\n", when.Seconds())
					}
				}
			}
		case fr, ok := <-sc.reader:
			if !ok {
				return
			}

			isClosing := atomic.LoadInt32((*int32)(&sc.state)) == int32(connStateClosed)

			var strm *Stream
			if fr.Stream() <= sc.lastID {
				strm = strms.Search(fr.Stream())
			}

			if strm == nil {
				// if the stream doesn't exist, create it

				if fr.Type() == FrameResetStream {
					// only send go away on idle stream not on an already-closed stream
					if _, ok := closedStrms[fr.Stream()]; !ok {
						sc.writeGoAway(fr.Stream(), ProtocolError, "RST_STREAM on idle stream")
					}

					continue
				}

				if closedAt, ok := closedStrms[fr.Stream()]; ok {
					// spec.md §4.4: PRIORITY and WINDOW_UPDATE for a stream
					// we remember closing are always a harmless race with
					// our own closure, never worth tearing anything down
					// over. DATA/HEADERS are only tolerated within the
					// grace window; past it, a peer still sending either
					// for a stream this stale is a protocol violation
					// worth resetting (not GOAWAY: the connection itself
					// is fine, only that stream id is bad), RFC 9113 §5.1.
					switch fr.Type() {
					case FramePriority, FrameWindowUpdate:
					default:
						if time.Since(closedAt) > closedStreamGracePeriod {
							sc.writeReset(fr.Stream(), StreamClosedError)
						}
					}

					continue
				}

				// if the client has more open streams than the maximum allowed OR
				//   the connection is closing, then refuse the stream
				if openStreams >= int(sc.st.maxStreams) || isClosing {
					if sc.debug {
						if isClosing {
							sc.logger.Printf("Closing the connection. Rejecting stream %d\n", fr.Stream())
						} else {
							sc.logger.Printf("Max open streams reached: %d >= %d\n",
								openStreams, sc.st.maxStreams)
						}
					}

					sc.writeReset(fr.Stream(), RefusedStreamError)

					continue
				}

				if fr.Stream() < sc.lastID {
					sc.writeGoAway(fr.Stream(), ProtocolError, "stream ID is lower than the latest")
					continue
				}

				strm = NewStream(fr.Stream(), int32(atomic.LoadInt64(&sc.newStreamWindow)))
				strms[strm.ID()] = strm

				// RFC(5.1.1):
				//
				// The identifier of a newly established stream MUST be numerically
				// greater than all streams that the initiating endpoint has opened
				// or reserved. This governs streams that are opened using a
				// HEADERS frame and streams that are reserved using PUSH_PROMISE,
				// and PRIORITY frames referencing a previously-unknown stream id
				// count too (5.1.1.2) even though they don't open the stream.
				if fr.Type() == FrameHeaders {
					openStreams++
				}
				if fr.Type() == FrameHeaders || fr.Type() == FramePriority {
					sc.lastID = fr.Stream()
				}

				sc.createStream(sc.c, fr.Type(), strm)

				if sc.debug {
					sc.logger.Printf("Stream %d created. Open streams: %d\n", strm.ID(), openStreams)
				}

				if !reqTimerArmed && sc.maxRequestTime > 0 {
					reqTimerArmed = true
					sc.maxRequestTimer.Reset(sc.maxRequestTime)

					if sc.debug {
						sc.logger.Printf("Next request will timeout in %f seconds\n", sc.maxRequestTime.Seconds())
					}
				}
			}

			// RFC(8.1): header blocks from different streams must not be
			// interleaved; only one may be in flight (started, END_HEADERS
			// not yet seen) on the connection at a time.
			if fr.Type() == FrameHeaders {
				if openHeaderStream != nil && openHeaderStream.ID() != strm.ID() && !openHeaderStream.headersFinished {
					sc.writeError(openHeaderStream, NewGoAwayError(ProtocolError, "previous stream headers not ended"))
					continue
				}
				openHeaderStream = strm

				// RFC(5.1.1):
				//
				// The first use of a new stream identifier implicitly
				// closes all streams in the "idle" state that might
				// have been initiated by that peer with a lower-valued stream identifier
				for _, nstrm := range strms {
					if nstrm.ID() < strm.ID() &&
						nstrm.State() == StreamStateIdle &&
						nstrm.origType == FrameHeaders {

						nstrm.SetState(StreamStateClosed)
						closeStream(nstrm)

						if sc.debug {
							sc.logger.Printf("Cancelling stream in idle state: %d\n", nstrm.ID())
						}

						sc.writeReset(nstrm.ID(), StreamCanceled)
					}
				}

				if sc.maxIdleTimer != nil {
					sc.maxIdleTimer.Reset(sc.maxIdleTime)
				}
			}

			if err := sc.handleFrame(strm, fr); err != nil {
				sc.writeError(strm, err)
				strm.SetState(StreamStateClosed)
			}

			if strm.headersFinished && openHeaderStream == strm {
				openHeaderStream = nil
			}

			handleState(fr, strm)

			switch strm.State() {
			case StreamStateHalfClosedRemote:
				// strm.stalled means handleEndRequest already ran for
				// this stream and is waiting on its send window: this
				// branch is being re-entered by a WINDOW_UPDATE for the
				// same stream, so resume the pending response instead
				// of invoking the handler again.
				done := strm.stalled
				if done {
					done = sc.trySend(strm)
				} else {
					done = sc.handleEndRequest(strm)
				}
				if done {
					closeStream(strm)
				}
			case StreamStateClosed:
				closeStream(strm)
			}

			if isClosing {
				ref := atomic.LoadUint32(&sc.closeRef)
				// if there's no reference, then just close the connection
				if ref == 0 {
					break
				}

				// if we have a ref, then check that all streams previous to that ref are closed
				for _, strm := range strms {
					// if the stream is here, then it's not closed yet
					if strm.origType == FrameHeaders && strm.ID() <= ref {
						continue loop
					}
				}

				break loop
			}
		}
	}
}

// ackReceived replenishes the receive window for n bytes of DATA just
// consumed from strm, at both the stream and connection scope (RFC
// 9113 §6.9 tracks the two independently), batching the WINDOW_UPDATE
// according to sc.flowStrategy so a trickle of small DATA frames
// doesn't pay for a WINDOW_UPDATE on every single one.
func (sc *serverConn) ackReceived(strm *Stream, n int32) {
	if n <= 0 {
		return
	}

	if inc := strm.recv.consume(n, sc.maxWindow, sc.flowStrategy); inc > 0 {
		sc.writeWindowUpdate(strm.ID(), inc)
	}

	if inc := sc.connRecv.consume(n, sc.maxWindow, sc.flowStrategy); inc > 0 {
		sc.writeWindowUpdate(0, inc)
	}
}

func (sc *serverConn) writeWindowUpdate(strm uint32, increment int32) {
	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(int(increment))

	fr := AcquireFrameHeader()
	fr.SetStream(strm)
	fr.SetBody(wu)

	sc.writer <- fr

	if sc.debug {
		sc.logger.Printf(
			"%s: WindowUpdate(stream=%d, increment=%d)\n",
			sc.c.RemoteAddr(), strm, increment,
		)
	}
}

func (sc *serverConn) writeReset(strm uint32, code ErrorCode) {
	r := AcquireFrame(FrameResetStream).(*RstStream)

	fr := AcquireFrameHeader()
	fr.SetStream(strm)
	fr.SetBody(r)

	r.SetCode(code)

	sc.writer <- fr

	if sc.debug {
		sc.logger.Printf(
			"%s: Reset(stream=%d, code=%s)\n",
			sc.c.RemoteAddr(), strm, code,
		)
	}
}

func (sc *serverConn) writeGoAway(strm uint32, code ErrorCode, message string) {
	sc.metrics.recordGoAway()

	ga := AcquireFrame(FrameGoAway).(*GoAway)

	fr := AcquireFrameHeader()

	ga.SetStream(strm)
	ga.SetCode(code)
	ga.SetData([]byte(message))

	fr.SetBody(ga)

	sc.writer <- fr

	if strm != 0 {
		atomic.StoreUint32(&sc.closeRef, sc.lastID)
	}

	atomic.StoreInt32((*int32)(&sc.state), int32(connStateClosed))

	if sc.debug {
		sc.logger.Printf(
			"%s: GoAway(stream=%d, code=%s): %s\n",
			sc.c.RemoteAddr(), strm, code, message,
		)
	}
}

func (sc *serverConn) writeError(strm *Stream, err error) {
	streamErr := Error{}
	if !errors.As(err, &streamErr) {
		sc.writeReset(strm.ID(), InternalError)
		strm.SetState(StreamStateClosed)
		return
	}

	switch streamErr.frameType {
	case FrameGoAway:
		if strm == nil {
			sc.writeGoAway(0, streamErr.Code(), streamErr.Error())
		} else {
			sc.writeGoAway(strm.ID(), streamErr.Code(), streamErr.Error())
		}
	case FrameResetStream:
		sc.writeReset(strm.ID(), streamErr.Code())
	}

	if strm != nil {
		strm.SetState(StreamStateClosed)
	}
}

func handleState(fr *FrameHeader, strm *Stream) {
	if fr.Type() == FrameResetStream {
		strm.SetState(StreamStateClosed)
	}

	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() == FrameHeaders {
			strm.SetState(StreamStateOpen)
			if fr.Flags().Has(FlagEndStream) {
				strm.SetState(StreamStateHalfClosedRemote)
			}
		} // TODO: else push promise ...
	case StreamStateReservedRemote:
		// TODO: ...
	case StreamStateOpen:
		if fr.Flags().Has(FlagEndStream) {
			strm.SetState(StreamStateHalfClosedRemote)
		} else if fr.Type() == FrameResetStream {
			strm.SetState(StreamStateClosed)
		}
	case StreamStateHalfClosedRemote:
		// a stream can only go from HalfClosed to Closed if the client
		// sends a ResetStream frame.
		if fr.Type() == FrameResetStream {
			strm.SetState(StreamStateClosed)
		}
	case StreamStateClosed:
	}
}

var logger = log.New(os.Stdout, "[HTTP/2] ", log.LstdFlags)

var ctxPool = sync.Pool{
	New: func() interface{} {
		return &fasthttp.RequestCtx{}
	},
}

func (sc *serverConn) createStream(c net.Conn, frameType FrameType, strm *Stream) {
	ctx := ctxPool.Get().(*fasthttp.RequestCtx)
	ctx.Request.Reset()
	ctx.Response.Reset()

	ctx.Init2(c, sc.logger, false)

	strm.origType = frameType
	strm.startedAt = time.Now()
	strm.SetData(ctx)
}

func (sc *serverConn) handleFrame(strm *Stream, fr *FrameHeader) error {
	err := sc.verifyState(strm, fr)
	if err != nil {
		return err
	}

	switch fr.Type() {
	case FrameHeaders, FrameContinuation:
		if strm.State() >= StreamStateHalfClosedRemote {
			return NewGoAwayError(ProtocolError, "received headers on a finished stream")
		}

		err = sc.handleHeaderFrame(strm, fr)
		if err != nil {
			return err
		}

		if fr.Flags().Has(FlagEndHeaders) {
			// headers are only finished if there's no previousHeaderBytes
			strm.headersFinished = len(strm.previousHeaderBytes) == 0
			if !strm.headersFinished {
				return NewGoAwayError(ProtocolError, "END_HEADERS received on an incomplete stream")
			}

			if err := strm.hv.finish(); err != nil {
				return err
			}

			if strm.hv.contentLengthSet {
				n, err := strconv.ParseUint(string(strm.hv.contentLength), 10, 64)
				if err != nil {
					return NewStreamError(ProtocolError, "invalid content-length")
				}
				strm.contentLengthDeclared = true
				strm.contentLength = n
			}

			// calling req.URI() triggers a URL parsing, so because of that we need to delay the URL parsing.
			strm.ctx.Request.URI().SetSchemeBytes(strm.scheme)
		}
	case FrameData:
		if !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "stream didn't end the headers")
		}

		if strm.State() >= StreamStateHalfClosedRemote {
			// RFC 9113 §5.1: a frame on a closed stream is a stream
			// error, not a connection error; only this stream resets.
			return NewStreamError(StreamClosedError, "stream closed")
		}

		data := fr.Body().(*Data).Data()
		strm.ctx.Request.AppendBody(data)
		sc.ackReceived(strm, int32(len(data)))

		if strm.contentLengthDeclared {
			strm.bodyBytesSeen += uint64(len(data))

			// spec.md §3: declared content-length and the bytes actually
			// received via DATA must agree; checked both as the body
			// grows (too much, before END_STREAM even arrives) and once
			// END_STREAM confirms no more is coming (too little).
			if strm.bodyBytesSeen > strm.contentLength {
				return NewStreamError(ProtocolError, "body exceeds declared content-length")
			}
			if fr.Flags().Has(FlagEndStream) && strm.bodyBytesSeen != strm.contentLength {
				return NewStreamError(ProtocolError, "body size disagrees with declared content-length")
			}
		}
	case FrameResetStream:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "RST_STREAM on idle stream")
		}

		if !sc.limits.rst.allow() {
			sc.metrics.recordRateLimited()
			return NewGoAwayError(EnhanceYourCalm, "too many RST_STREAM frames")
		}

		// CVE-2023-44487: a stream opened and reset again within the
		// rapid reset threshold is free for the client and costly for
		// the server, since a handler slot was already reserved for it.
		if sc.limits.rapidReset.observe(time.Since(strm.startedAt)) {
			sc.metrics.recordRapidReset()
			return NewGoAwayError(EnhanceYourCalm, "rapid reset streak exceeded")
		}
	case FramePriority:
		if !sc.limits.priority.allow() {
			sc.metrics.recordRateLimited()
			return NewGoAwayError(EnhanceYourCalm, "too many PRIORITY frames")
		}

		if strm.State() != StreamStateIdle && !strm.headersFinished {
			return NewGoAwayError(ProtocolError, "frame priority on an open stream")
		}

		if priorityFrame, ok := fr.Body().(*Priority); ok && priorityFrame.Stream() == strm.ID() {
			return NewGoAwayError(ProtocolError, "stream that depends on itself")
		}
	case FrameWindowUpdate:
		if strm.State() == StreamStateIdle {
			return NewGoAwayError(ProtocolError, "window update on idle stream")
		}

		win := int64(fr.Body().(*WindowUpdate).Increment())
		if win == 0 {
			return NewGoAwayError(ProtocolError, "window increment of 0")
		}

		if atomic.AddInt64(&strm.window, win) >= 1<<31-1 {
			return NewResetStreamError(FlowControlError, "window is above limits")
		}
	default:
		return NewGoAwayError(ProtocolError, "invalid frame")
	}

	return err
}

func (sc *serverConn) handleHeaderFrame(strm *Stream, fr *FrameHeader) error {
	if strm.headersFinished && !fr.Flags().Has(FlagEndStream|FlagEndHeaders) {
		// TODO handle trailers
		return NewGoAwayError(ProtocolError, "stream not open")
	}

	if headerFrame, ok := fr.Body().(*Headers); ok && headerFrame.Stream() == strm.ID() {
		return NewGoAwayError(ProtocolError, "stream that depends on itself")
	}

	fragment := fr.Body().(FrameWithHeaders).Headers()
	if err := checkContinuationBudget(strm, len(fragment)); err != nil {
		return err
	}

	if fr.Type() == FrameHeaders {
		// a fresh header block starts here; MAX_HEADER_LIST_SIZE bounds
		// one request's decompressed header list, not the connection's
		// running total across every request it has carried.
		sc.dec.ResetHeaderListSize()
	}

	b := append(strm.previousHeaderBytes, fragment...)
	hf := AcquireHeaderField()
	req := &strm.ctx.Request

	var err error

	strm.previousHeaderBytes = strm.previousHeaderBytes[:0]
	fieldsProcessed := 0

	for len(b) > 0 {
		pb := b

		b, err = sc.dec.nextField(hf, strm.headerBlockNum, fieldsProcessed, b)
		if err != nil {
			if errors.Is(err, ErrUnexpectedSize) && len(pb) > 0 {
				err = nil
				strm.previousHeaderBytes = append(strm.previousHeaderBytes, pb...)
			} else {
				err = NewGoAwayError(CompressionError, err.Error())
			}

			break
		}

		k, v := hf.KeyBytes(), hf.ValueBytes()
		isPseudo := hf.IsPseudo()

		if err := validateHeaderName(k); err != nil {
			return err
		}
		if err := strm.hv.observe(k, v, isPseudo); err != nil {
			return err
		}

		if !isPseudo &&
			!bytes.Equal(k, StringUserAgent) &&
			!bytes.Equal(k, StringContentType) {

			req.Header.AddBytesKV(k, v)
			continue
		}

		if isPseudo {
			k = k[1:]
		}

		switch k[0] {
		case 'm': // method
			req.Header.SetMethodBytes(v)
		case 'p': // path, or :protocol (RFC 8441 extended CONNECT)
			// :protocol carries no fasthttp setter; hv already recorded it.
			if bytes.Equal(k, StringPath[1:]) {
				req.Header.SetRequestURIBytes(v)
			}
		case 's': // scheme
			if !bytes.Equal(k, StringScheme[1:]) {
				return NewStreamError(ProtocolError, "invalid pseudoheader")
			}

			strm.scheme = append(strm.scheme[:0], v...)
		case 'a': // authority
			req.Header.SetHostBytes(v)
			req.Header.AddBytesV("Host", v)
		case 'u': // user-agent
			req.Header.SetUserAgentBytes(v)
		case 'c': // content-type
			req.Header.SetContentTypeBytes(v)
		default:
			return NewStreamError(ProtocolError, fmt.Sprintf("unknown header field %s", k))
		}

		fieldsProcessed++
	}

	strm.headerBlockNum++

	return err
}

func (sc *serverConn) verifyState(strm *Stream, fr *FrameHeader) error {
	switch strm.State() {
	case StreamStateIdle:
		if fr.Type() != FrameHeaders && fr.Type() != FramePriority {
			return NewGoAwayError(ProtocolError, "wrong frame on idle stream")
		}
	case StreamStateHalfClosedRemote:
		if fr.Type() != FrameWindowUpdate && fr.Type() != FramePriority && fr.Type() != FrameResetStream {
			// RFC 9113 §5.1: only the offending stream resets.
			return NewStreamError(StreamClosedError, "wrong frame on half-closed stream")
		}
	default:
	}

	return nil
}

// handleEndRequest dispatches the finished request to the handler and
// starts writing its response. It reports whether the response is fully
// written: a buffered body may stall against the stream's or
// connection's send window (RFC 9113 §6.9), in which case the caller
// must keep the stream open and retry via trySend once a WINDOW_UPDATE
// arrives instead of closing it here.
func (sc *serverConn) handleEndRequest(strm *Stream) bool {
	ctx := strm.ctx
	ctx.Request.Header.SetProtocolBytes(StringHTTP2)

	sc.h(ctx)

	hasBody := ctx.Response.IsBodyStream() || len(ctx.Response.Body()) > 0

	fr := AcquireFrameHeader()
	fr.SetStream(strm.ID())

	h := AcquireFrame(FrameHeaders).(*Headers)
	h.SetEndHeaders(true)
	h.SetEndStream(!hasBody)

	fr.SetBody(h)

	fasthttpResponseHeaders(h, &sc.enc, &ctx.Response)

	sc.writer <- fr

	if !hasBody {
		return true
	}

	if ctx.Response.IsBodyStream() {
		// A streamed response is read incrementally from the handler's
		// io.Reader on this same goroutine (handleStreams owns stream
		// dispatch), so it can't stall and resume the way a buffered
		// body can without blocking every other stream on the
		// connection; it still caps each DATA frame at MAX_FRAME_SIZE
		// but does not gate on the send window the way sendDataChunks
		// does below.
		streamWriter := acquireStreamWrite()
		streamWriter.strm = strm
		streamWriter.writer = sc.writer
		streamWriter.bufPool = sc.bufPool
		streamWriter.size = int64(ctx.Response.Header.ContentLength())
		_ = ctx.Response.BodyWriteTo(streamWriter)
		releaseStreamWrite(streamWriter)
		return true
	}

	return sc.sendDataChunks(strm, ctx.Response.Body(), true)
}

var streamWritePool = sync.Pool{
	New: func() interface{} {
		return &streamWrite{}
	},
}

type streamWrite struct {
	size    int64
	written int64
	strm    *Stream
	writer  chan<- *FrameHeader
	bufPool *BufferPool
}

func acquireStreamWrite() *streamWrite {
	v := streamWritePool.Get()
	if v == nil {
		return &streamWrite{}
	}
	return v.(*streamWrite)
}

func releaseStreamWrite(streamWrite *streamWrite) {
	streamWrite.Reset()
	streamWritePool.Put(streamWrite)
}

func (s *streamWrite) Reset() {
	s.size = 0
	s.written = 0
	s.strm = nil
	s.writer = nil
	s.bufPool = nil
}

func (s *streamWrite) Write(body []byte) (n int, err error) {
	if (s.size <= 0 && s.written > 0) || (s.size > 0 && s.written >= s.size) {
		return 0, errors.New("writer closed")
	}

	step := 1 << 14 // max frame size 16384

	n = len(body)
	s.written += int64(n)

	end := s.size < 0 || s.written >= s.size
	for i := 0; i < n; i += step {
		if i+step >= n {
			step = n - i
		}

		fr := AcquireFrameHeader()
		fr.SetStream(s.strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(end && i+step == n)
		data.SetPadding(false)
		data.SetData(body[i : step+i])

		fr.SetBody(data)

		s.writer <- fr
	}

	return len(body), nil
}

func (s *streamWrite) ReadFrom(r io.Reader) (num int64, err error) {
	bb := s.bufPool.Acquire(1 << 14) // max frame size 16384
	buf := bb.B

	if s.size < 0 {
		lrSize := limitedReaderSize(r)
		if lrSize >= 0 {
			s.size = lrSize
		}
	}

	var n int
	for {
		n, err = r.Read(buf[0:])
		if n <= 0 && err == nil {
			err = errors.New("BUG: io.Reader returned 0, nil")
		}

		if err != nil {
			break
		}

		fr := AcquireFrameHeader()
		fr.SetStream(s.strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetEndStream(err != nil || (s.size >= 0 && num+int64(n) >= s.size))
		data.SetPadding(false)
		data.SetData(buf[:n])
		fr.SetBody(data)

		s.writer <- fr

		num += int64(n)
		if s.size >= 0 && num >= s.size {
			break
		}
	}

	s.bufPool.Release(bb)
	if errors.Is(err, io.EOF) {
		return num, nil
	}

	return num, err
}

// sendDataChunks writes body as a sequence of DATA frames, each capped
// to MAX_FRAME_SIZE and to the smaller of the stream's and the
// connection's current send window (RFC 9113 §6.9: "a sender MUST NOT
// send a flow-controlled frame with a length that exceeds the space
// available"). Both windows are decremented as frames go out. If the
// window is exhausted before body is fully written, the remainder is
// parked on strm via stallStream and false is returned; trySend resumes
// from there once a WINDOW_UPDATE widens the window again.
func (sc *serverConn) sendDataChunks(strm *Stream, body []byte, endStream bool) bool {
	for len(body) > 0 {
		connWin := atomic.LoadInt64(&sc.clientWindow)
		strmWin := atomic.LoadInt64(&strm.window)

		avail := connWin
		if strmWin < avail {
			avail = strmWin
		}
		if avail <= 0 {
			sc.stallStream(strm, body, endStream)
			return false
		}

		n := len(body)
		if int64(n) > avail {
			n = int(avail)
		}
		if n > defaultMaxFrameSize {
			n = defaultMaxFrameSize
		}

		atomic.AddInt64(&sc.clientWindow, -int64(n))
		atomic.AddInt64(&strm.window, -int64(n))

		fr := AcquireFrameHeader()
		fr.SetStream(strm.ID())

		data := AcquireFrame(FrameData).(*Data)
		data.SetPadding(false)
		data.SetData(body[:n])
		data.SetEndStream(n == len(body) && endStream)

		fr.SetBody(data)

		sc.writer <- fr

		body = body[n:]
	}

	strm.stalled = false
	return true
}

// stallStream records strm as flow-control stalled, RFC 9113 §6.9.1,
// and copies the unsent remainder of its response body so the caller's
// slice (often backed by a fasthttp.Response that may be recycled
// before the window reopens) can't be mutated out from under it.
func (sc *serverConn) stallStream(strm *Stream, remaining []byte, endStream bool) {
	if !strm.stalled {
		sc.metrics.recordStall()
	}
	strm.stalled = true
	strm.pendingEndStream = endStream
	strm.pendingBody = append([]byte(nil), remaining...)
}

// trySend resumes a stalled stream's response, RFC 9113 §6.9: "when a
// stream... becomes unblocked ... implementations SHOULD resume
// sending". It reports whether the response is now fully written.
func (sc *serverConn) trySend(strm *Stream) bool {
	body := strm.pendingBody
	strm.pendingBody = nil
	return sc.sendDataChunks(strm, body, strm.pendingEndStream)
}

func (sc *serverConn) sendPingAndSchedule() {
	sc.writePing()

	sc.pingTimer.Reset(jitteredInterval(sc.pingInterval))
}

func (sc *serverConn) writeLoop() {
	if sc.pingInterval > 0 {
		sc.pingTimer = time.AfterFunc(jitteredInterval(sc.pingInterval), sc.sendPingAndSchedule)
	}

	buffered := 0

	for fr := range sc.writer {
		_, err := fr.WriteTo(sc.bw)
		if err == nil && (len(sc.writer) == 0 || buffered > 10) {
			err = sc.bw.Flush()
			buffered = 0
		} else if err == nil {
			buffered++
		}

		ReleaseFrameHeader(fr)

		if err != nil {
			sc.logger.Printf("ERROR: writeLoop: %s\n", err)
			// TODO: sc.writer.err <- err
			return
		}
	}
}

func (sc *serverConn) handleSettings(st *Settings) {
	oldWindow := sc.clientS.MaxWindowSize()

	st.CopyTo(&sc.clientS)
	sc.enc.SetMaxTableSize(sc.clientS.HeaderTableSize())

	// SETTINGS_INITIAL_WINDOW_SIZE only governs the window newly
	// created streams start with; the connection-level clientWindow is
	// untouched (RFC 9113 §6.9.2).
	atomic.StoreInt64(&sc.newStreamWindow, int64(sc.clientS.MaxWindowSize()))

	if delta := int32(sc.clientS.MaxWindowSize()) - int32(oldWindow); delta != 0 {
		// RFC 9113 §6.9.2: this shift applies to every stream already
		// open, not just streams created after the change; handleStreams
		// owns the stream map, so hand the delta off to it.
		sc.windowDeltas <- delta
	}

	fr := AcquireFrameHeader()

	stRes := AcquireFrame(FrameSettings).(*Settings)
	stRes.SetAck(true)

	fr.SetBody(stRes)

	sc.writer <- fr
}

func fasthttpResponseHeaders(dst *Headers, hp *HPACK, res *fasthttp.Response) {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	hf.SetKeyBytes(StringStatus)
	hf.SetValue(
		strconv.FormatInt(
			int64(res.Header.StatusCode()), 10,
		),
	)

	dst.AppendHeaderField(hp, hf, true)

	if !res.IsBodyStream() {
		res.Header.SetContentLength(len(res.Body()))
	}
	// Remove the Connection field
	res.Header.Del("Connection")
	// Remove the Transfer-Encoding field
	res.Header.Del("Transfer-Encoding")

	res.Header.VisitAll(func(k, v []byte) {
		hf.SetBytes(ToLower(k), v)
		dst.AppendHeaderField(hp, hf, false)
	})
}

func limitedReaderSize(r io.Reader) int64 {
	lr, ok := r.(*io.LimitedReader)
	if !ok {
		return -1
	}
	return lr.N
}
