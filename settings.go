package http2

import (
	"github.com/nomadlabsinc/ht2/http2utils"
)

const FrameSettings FrameType = 0x4

var _ Frame = &Settings{}

func init() {
	registerFrame(FrameSettings, func() Frame { return &Settings{} })
}

// Settings identifiers, RFC 9113 §6.5.2.
const (
	settingsHeaderTableSize      uint16 = 0x1
	settingsEnablePush           uint16 = 0x2
	settingsMaxConcurrentStreams uint16 = 0x3
	settingsInitialWindowSize    uint16 = 0x4
	settingsMaxFrameSize         uint16 = 0x5
	settingsMaxHeaderListSize    uint16 = 0x6
)

// Defaults per RFC 9113 §6.5.2, pinned to this engine's stated local
// settings rather than the RFC's own (permissive, implementation-
// defined) ones.
const (
	defaultHeaderTableSize      = 4096
	defaultMaxWindowSize        = (1 << 16) - 1 // 65535
	defaultMaxConcurrentStreams uint32 = 100
	defaultMaxFrameSize         = 1 << 14 // 16384
	defaultMaxHeaderListSize    = 8192    // enforced by HPACK.accountHeaderListSize
)

// Settings represents a SETTINGS frame: a connection's own set of
// negotiated parameters, or the ACK of the peer's.
//
// https://tools.ietf.org/html/rfc7540#section-6.5
type Settings struct {
	ack bool

	headerTableSize   uint32
	push              bool
	maxStreams        uint32
	windowSize        uint32
	frameSize         uint32
	maxHeaderListSize uint32
}

func (st *Settings) Type() FrameType {
	return FrameSettings
}

// Reset resets the Settings to the protocol defaults.
func (st *Settings) Reset() {
	st.ack = false
	st.headerTableSize = defaultHeaderTableSize
	st.push = true
	st.maxStreams = defaultMaxConcurrentStreams
	st.windowSize = defaultMaxWindowSize
	st.frameSize = defaultMaxFrameSize
	st.maxHeaderListSize = defaultMaxHeaderListSize
}

// CopyTo copies st's fields into st2.
func (st *Settings) CopyTo(st2 *Settings) {
	st2.ack = st.ack
	st2.headerTableSize = st.headerTableSize
	st2.push = st.push
	st2.maxStreams = st.maxStreams
	st2.windowSize = st.windowSize
	st2.frameSize = st.frameSize
	st2.maxHeaderListSize = st.maxHeaderListSize
}

// IsAck reports whether this SETTINGS frame acknowledges the peer's.
func (st *Settings) IsAck() bool {
	return st.ack
}

// SetAck marks this SETTINGS frame as an acknowledgement; an ack
// SETTINGS frame carries no parameters.
func (st *Settings) SetAck(ack bool) {
	st.ack = ack
}

// HeaderTableSize returns the negotiated HPACK dynamic table size cap.
func (st *Settings) HeaderTableSize() uint32 {
	return st.headerTableSize
}

// SetHeaderTableSize sets SETTINGS_HEADER_TABLE_SIZE.
func (st *Settings) SetHeaderTableSize(size uint32) {
	st.headerTableSize = size
}

// Push reports whether server push is enabled (SETTINGS_ENABLE_PUSH).
// Server push itself is out of scope for this engine: the value is
// tracked only so SETTINGS frames round-trip correctly, and is always
// advertised as disabled by NewDefaultSettings.
func (st *Settings) Push() bool {
	return st.push
}

// SetPush sets SETTINGS_ENABLE_PUSH.
func (st *Settings) SetPush(push bool) {
	st.push = push
}

// MaxConcurrentStreams returns SETTINGS_MAX_CONCURRENT_STREAMS.
func (st *Settings) MaxConcurrentStreams() uint32 {
	return st.maxStreams
}

// SetMaxConcurrentStreams sets SETTINGS_MAX_CONCURRENT_STREAMS.
func (st *Settings) SetMaxConcurrentStreams(n uint32) {
	st.maxStreams = n
}

// MaxWindowSize returns SETTINGS_INITIAL_WINDOW_SIZE.
func (st *Settings) MaxWindowSize() uint32 {
	return st.windowSize
}

// SetMaxWindowSize sets SETTINGS_INITIAL_WINDOW_SIZE. Per RFC 9113
// §6.9.2, changing this value after the connection is established
// requires retroactively adjusting every open stream's send window;
// that adjustment is the flow controller's job (flowcontrol.go), not
// this setter's.
func (st *Settings) SetMaxWindowSize(size uint32) {
	st.windowSize = size
}

// MaxFrameSize returns SETTINGS_MAX_FRAME_SIZE.
func (st *Settings) MaxFrameSize() uint32 {
	return st.frameSize
}

// SetMaxFrameSize sets SETTINGS_MAX_FRAME_SIZE.
func (st *Settings) SetMaxFrameSize(size uint32) {
	st.frameSize = size
}

// MaxHeaderListSize returns SETTINGS_MAX_HEADER_LIST_SIZE.
func (st *Settings) MaxHeaderListSize() uint32 {
	return st.maxHeaderListSize
}

// SetMaxHeaderListSize sets SETTINGS_MAX_HEADER_LIST_SIZE.
func (st *Settings) SetMaxHeaderListSize(size uint32) {
	st.maxHeaderListSize = size
}

// NewDefaultSettings returns a Settings populated with this engine's
// defaults, with push disabled (server push is out of scope).
func NewDefaultSettings() *Settings {
	st := &Settings{}
	st.Reset()
	st.push = false
	return st
}

func (st *Settings) Deserialize(fr *FrameHeader) error {
	st.ack = fr.Flags().Has(FlagAck)
	if st.ack {
		return nil
	}

	payload := fr.payload
	if len(payload)%6 != 0 {
		return NewConnectionError(FrameSizeError, "settings frame payload not a multiple of 6")
	}

	for len(payload) > 0 {
		id := uint16(payload[0])<<8 | uint16(payload[1])
		value := http2utils.BytesToUint32(payload[2:6])
		payload = payload[6:]

		switch id {
		case settingsHeaderTableSize:
			st.headerTableSize = value
		case settingsEnablePush:
			if value > 1 {
				return NewConnectionError(ProtocolError, "invalid enable_push value")
			}
			st.push = value == 1
		case settingsMaxConcurrentStreams:
			st.maxStreams = value
		case settingsInitialWindowSize:
			if value > 1<<31-1 {
				return NewConnectionError(FlowControlError, "initial window size exceeds the maximum")
			}
			st.windowSize = value
		case settingsMaxFrameSize:
			if value < defaultMaxFrameSize || value > 1<<24-1 {
				return NewConnectionError(ProtocolError, "invalid max frame size")
			}
			st.frameSize = value
		case settingsMaxHeaderListSize:
			st.maxHeaderListSize = value
		default:
			// unknown settings identifiers are ignored, RFC 9113 §6.5.2
		}
	}

	return nil
}

func (st *Settings) Serialize(fr *FrameHeader) {
	if st.ack {
		fr.SetFlags(fr.Flags().Add(FlagAck))
		fr.payload = fr.payload[:0]
		return
	}

	payload := fr.payload[:0]
	payload = appendSetting(payload, settingsHeaderTableSize, st.headerTableSize)
	payload = appendSetting(payload, settingsEnablePush, boolToUint32(st.push))
	payload = appendSetting(payload, settingsMaxConcurrentStreams, st.maxStreams)
	payload = appendSetting(payload, settingsInitialWindowSize, st.windowSize)
	payload = appendSetting(payload, settingsMaxFrameSize, st.frameSize)
	payload = appendSetting(payload, settingsMaxHeaderListSize, st.maxHeaderListSize)

	fr.payload = payload
}

func appendSetting(dst []byte, id uint16, value uint32) []byte {
	dst = append(dst, byte(id>>8), byte(id))
	dst = http2utils.AppendUint32Bytes(dst, value)
	return dst
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
