package http2

import "sync"

// FrameType identifies the kind of payload an HTTP/2 frame carries, per
// RFC 9113 §6. The concrete FrameXxx constants are declared next to each
// frame's own type (data.go, headers.go, ...).
type FrameType uint8

// FrameFlags are the flag bits carried in a frame header. Which bits are
// meaningful, and what they mean, depends on the frame type; see the
// FlagXxx constants in frameHeader.go.
type FrameFlags uint8

// Has reports whether f has all the bits set in flag.
func (f FrameFlags) Has(flag FrameFlags) bool {
	return f&flag == flag
}

// Add returns f with the bits in flag set.
func (f FrameFlags) Add(flag FrameFlags) FrameFlags {
	return f | flag
}

// Frame is the payload of an HTTP/2 frame. Every concrete frame type
// (Data, Headers, Priority, RstStream, Settings, PushPromise, Ping,
// GoAway, WindowUpdate, Continuation) implements it. A Frame instance is
// always owned by exactly one FrameHeader at a time and is pooled:
// acquire it with AcquireFrame and let ReleaseFrame (via
// ReleaseFrameHeader) return it to its pool.
type Frame interface {
	// Type returns the frame type this value decodes/encodes.
	Type() FrameType

	// Reset clears the frame back to its zero value so it can be reused.
	Reset()

	// Deserialize fills the frame from the header's raw payload. The
	// header's flags and stream id have already been parsed; Deserialize
	// only needs to interpret fr.payload.
	Deserialize(fr *FrameHeader) error

	// Serialize writes the frame's fields into the header's payload
	// buffer and sets any flags the payload encoding requires.
	Serialize(fr *FrameHeader)
}

type framePool struct {
	pool sync.Pool
}

func newFramePool(new func() Frame) *framePool {
	return &framePool{pool: sync.Pool{New: func() interface{} { return new() }}}
}

func (p *framePool) acquire() Frame {
	fr := p.pool.Get().(Frame)
	fr.Reset()
	return fr
}

func (p *framePool) release(fr Frame) {
	p.pool.Put(fr)
}

// framePools maps every known FrameType to its pool. It is populated by
// each frame file's init() so that adding a new frame type never
// requires touching this file.
var framePools = map[FrameType]*framePool{}

func registerFrame(kind FrameType, new func() Frame) {
	framePools[kind] = newFramePool(new)
}

// AcquireFrame returns a pooled, reset Frame value for kind. Unknown
// frame types never reach here: frameHeader.go's read loop discards
// their payload before calling AcquireFrame, per RFC 9113 §4.1.
func AcquireFrame(kind FrameType) Frame {
	p, ok := framePools[kind]
	if !ok {
		// Only reachable if a caller constructs a frame header by hand
		// with a type nothing registered; fail loudly rather than decode
		// garbage into the wrong struct.
		panic("http2: AcquireFrame called with unregistered frame type")
	}
	return p.acquire()
}

// ReleaseFrame returns fr to its type's pool. It is a no-op for nil,
// which happens when a FrameHeader is released before ever being given
// a body (e.g. a read that failed before AcquireFrame was reached).
func ReleaseFrame(fr Frame) {
	if fr == nil {
		return
	}
	if p, ok := framePools[fr.Type()]; ok {
		p.release(fr)
	}
}
