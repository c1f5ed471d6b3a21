package http2

import (
	"errors"
	"fmt"
)

// ErrorCode is an HTTP/2 error code as defined by RFC 9113 §7.
type ErrorCode uint32

const (
	NoError ErrorCode = iota
	ProtocolError
	InternalError
	FlowControlError
	SettingsTimeoutError
	StreamClosedError
	FrameSizeError
	RefusedStreamError
	StreamCanceled
	CompressionError
	ConnectError
	EnhanceYourCalm
	InadequateSecurity
	HTTP11Required
)

func (e ErrorCode) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case SettingsTimeoutError:
		return "SETTINGS_TIMEOUT"
	case StreamClosedError:
		return "STREAM_CLOSED"
	case FrameSizeError:
		return "FRAME_SIZE_ERROR"
	case RefusedStreamError:
		return "REFUSED_STREAM"
	case StreamCanceled:
		return "CANCEL"
	case CompressionError:
		return "COMPRESSION_ERROR"
	case ConnectError:
		return "CONNECT_ERROR"
	case EnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case InadequateSecurity:
		return "INADEQUATE_SECURITY"
	case HTTP11Required:
		return "HTTP_1_1_REQUIRED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE(%d)", uint32(e))
	}
}

// Error is a protocol-level error produced while handling a frame. Its
// frameType decides how the connection reacts to it: FrameGoAway means
// the whole connection is torn down with a GOAWAY carrying code; any
// other value (in practice FrameResetStream) means only the offending
// stream is reset.
//
// Error is used, through errors.As, as the common shape behind three
// logical kinds: a connection error (GOAWAY), a stream error
// (RST_STREAM), and an HPACK decompression error, which is always
// connection-fatal per RFC 7541 §4.3 and is always constructed with
// code CompressionError and frameType FrameGoAway.
type Error struct {
	frameType FrameType
	code      ErrorCode
	reason    string
}

func (e Error) Error() string {
	if e.reason != "" {
		return fmt.Sprintf("%s: %s", e.code, e.reason)
	}
	return e.code.String()
}

// Code returns the HTTP/2 error code carried by e.
func (e Error) Code() ErrorCode {
	return e.code
}

// IsConnectionError reports whether e tears down the whole connection.
func (e Error) IsConnectionError() bool {
	return e.frameType == FrameGoAway
}

// NewError builds a bare Error not yet tied to GOAWAY or RST_STREAM
// delivery; used for errors surfaced directly to a caller (e.g.
// RstStream.Error()) rather than raised through writeError.
func NewError(code ErrorCode, reason string) Error {
	return Error{code: code, reason: reason}
}

// NewConnectionError builds an Error that terminates the connection
// with a GOAWAY carrying code.
func NewConnectionError(code ErrorCode, reason string) Error {
	return Error{frameType: FrameGoAway, code: code, reason: reason}
}

// NewGoAwayError is an alias of NewConnectionError kept for the frame
// handling code that names it after the frame it produces.
func NewGoAwayError(code ErrorCode, reason string) Error {
	return NewConnectionError(code, reason)
}

// NewStreamError builds an Error that resets a single stream with
// RST_STREAM carrying code.
func NewStreamError(code ErrorCode, reason string) Error {
	return Error{frameType: FrameResetStream, code: code, reason: reason}
}

// NewResetStreamError is an alias of NewStreamError kept for the frame
// handling code that names it after the frame it produces.
func NewResetStreamError(code ErrorCode, reason string) Error {
	return NewStreamError(code, reason)
}

// NewDecompressionError builds the connection-fatal error an HPACK
// decode failure always produces.
func NewDecompressionError(reason string) Error {
	return NewConnectionError(CompressionError, reason)
}

var (
	ErrMissingBytes     = errors.New("http2: missing bytes to build the frame")
	ErrPayloadExceeds   = errors.New("http2: payload exceeds the negotiated max frame size")
	ErrUnknownFrameType = errors.New("http2: unknown frame type")
	ErrUnexpectedSize   = errors.New("http2: header block fragment ended without a complete field")
	ErrBadPreface       = errors.New("http2: invalid connection preface")
)
