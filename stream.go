package http2

import (
	"sync"
	"time"

	"github.com/valyala/fasthttp"
)

// StreamState is the state of a stream in the RFC 9113 §5.1 state machine.
//
// HalfClosedRemote is reached when the peer that opened the stream sends
// END_STREAM; since this engine never initiates push, that's the only
// half-closed direction the server transitions through on the hot path.
// HalfClosedLocal and the reserved states round out the enum for
// completeness and for a future push-enabled build.
type StreamState int8

const (
	StreamStateIdle StreamState = iota
	StreamStateReservedLocal
	StreamStateReservedRemote
	StreamStateOpen
	StreamStateHalfClosedLocal
	StreamStateHalfClosedRemote
	StreamStateClosed
)

func (ss StreamState) String() string {
	switch ss {
	case StreamStateIdle:
		return "Idle"
	case StreamStateReservedLocal:
		return "ReservedLocal"
	case StreamStateReservedRemote:
		return "ReservedRemote"
	case StreamStateOpen:
		return "Open"
	case StreamStateHalfClosedLocal:
		return "HalfClosedLocal"
	case StreamStateHalfClosedRemote:
		return "HalfClosedRemote"
	case StreamStateClosed:
		return "Closed"
	}

	return "IDK"
}

// Stream tracks the per-stream state RFC 9113 requires a server to keep:
// the RFC 9113 §5.1 state, the RFC 9113 §6.9 flow-control window, and the
// bookkeeping handleHeaderFrame needs to decode a header block that spans
// more than one HEADERS/CONTINUATION frame.
type Stream struct {
	id    uint32
	state StreamState

	// window is the stream's send window, RFC 9113 §6.9. It's signed so
	// that a SETTINGS_INITIAL_WINDOW_SIZE decrease (§6.9.2) can legally
	// drive it negative; writers must stop until WINDOW_UPDATE frames
	// bring it back above zero.
	window int64

	// recv tracks how much of this stream's advertised receive window
	// has been consumed by inbound DATA but not yet acknowledged with
	// a WINDOW_UPDATE (RFC 9113 §6.9, spec.md's adaptive controller).
	recv recvAccounting

	ctx *fasthttp.RequestCtx

	// origType is the frame type that created the stream: FrameHeaders for
	// a client request, FramePriority for a stream opened purely to carry
	// priority metadata (RFC 9113 §5.1.1's "first use of a new stream
	// identifier" clause). Only FrameHeaders-created streams count against
	// the concurrent-stream limit.
	origType FrameType

	startedAt time.Time

	// scheme buffers the decoded :scheme pseudo-header; URI parsing is
	// deferred until END_HEADERS so scheme/authority/path are all
	// available at once.
	scheme []byte

	// previousHeaderBytes buffers a header block fragment that ended
	// mid-representation, to be prefixed onto the next CONTINUATION
	// frame's payload.
	previousHeaderBytes []byte
	headerBlockNum      int
	headersFinished     bool

	// continuationFrames counts the HEADERS/CONTINUATION frames seen for
	// the header block currently being assembled, to cap the 2024
	// CONTINUATION flood (a stream of CONTINUATION frames that never set
	// END_HEADERS, each cheap to send but forcing the server to keep
	// decoding and buffering indefinitely).
	continuationFrames int

	// hv accumulates the request-semantics checks of RFC 9113 §8.1-8.3
	// across the header block currently being assembled.
	hv headerValidation

	// pendingBody holds response bytes still waiting on this stream's
	// send window, RFC 9113 §6.9: "a sender MUST NOT send a flow-
	// controlled frame with a length that exceeds the space available".
	// sendDataChunks queues the unsent remainder here and marks stalled
	// when the window runs out mid-response; trySend drains it once
	// a WINDOW_UPDATE arrives.
	pendingBody      []byte
	pendingEndStream bool
	stalled          bool

	// closedAt records when this stream entered StreamStateClosed,
	// spec.md §4.4's 2-second grace window for stray frames that were
	// already in flight when the close happened. Zero while the stream
	// is still open.
	closedAt time.Time

	// contentLengthDeclared/contentLength hold the parsed content-length
	// header once the request's headers finish, so DATA frames can be
	// checked against it (spec.md §3: declared vs. actually-received
	// body size). bodyBytesSeen is the running total of DATA payload
	// bytes received so far.
	contentLengthDeclared bool
	contentLength         uint64
	bodyBytesSeen         uint64
}

var streamPool = sync.Pool{
	New: func() interface{} {
		return &Stream{}
	},
}

// NewStream allocates a stream with the given id and initial send window.
func NewStream(id uint32, win int32) *Stream {
	strm, _ := streamPool.Get().(*Stream)
	if strm == nil {
		strm = &Stream{}
	}

	strm.id = id
	strm.window = int64(win)
	strm.state = StreamStateIdle
	strm.ctx = nil
	strm.origType = 0
	strm.startedAt = time.Time{}
	strm.scheme = strm.scheme[:0]
	strm.previousHeaderBytes = strm.previousHeaderBytes[:0]
	strm.headerBlockNum = 0
	strm.headersFinished = false
	strm.continuationFrames = 0
	strm.hv.reset()
	strm.recv = recvAccounting{}
	strm.pendingBody = strm.pendingBody[:0]
	strm.pendingEndStream = false
	strm.stalled = false
	strm.closedAt = time.Time{}
	strm.contentLengthDeclared = false
	strm.contentLength = 0
	strm.bodyBytesSeen = 0

	return strm
}

func (s *Stream) ID() uint32 {
	return s.id
}

func (s *Stream) SetID(id uint32) {
	s.id = id
}

func (s *Stream) State() StreamState {
	return s.state
}

func (s *Stream) SetState(state StreamState) {
	s.state = state
}

func (s *Stream) Window() int64 {
	return s.window
}

func (s *Stream) SetWindow(win int64) {
	s.window = win
}

func (s *Stream) IncrWindow(win int64) {
	s.window += win
}

func (s *Stream) SetData(ctx *fasthttp.RequestCtx) {
	s.ctx = ctx
}

func (s *Stream) Data() *fasthttp.RequestCtx {
	return s.ctx
}
