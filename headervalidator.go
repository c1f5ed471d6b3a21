package http2

import "bytes"

var connectionSpecificHeaders = [][]byte{
	[]byte("connection"),
	[]byte("keep-alive"),
	[]byte("proxy-connection"),
	[]byte("transfer-encoding"),
	[]byte("upgrade"),
}

// validateHeaderName enforces RFC 9113 §8.1.2's token rules on a
// single decoded header field name, which still carries its leading
// ':' if it's a pseudo-header. Violations reset only the offending
// stream, not the connection, mirroring every other header-semantics
// check in this file.
func validateHeaderName(k []byte) error {
	if len(k) == 0 {
		return NewStreamError(ProtocolError, "empty header field name")
	}

	name := k
	if name[0] == ':' {
		name = name[1:]
		if len(name) == 0 {
			return NewStreamError(ProtocolError, "empty pseudo-header name")
		}
	}

	for _, c := range name {
		switch {
		case c >= 'A' && c <= 'Z':
			return NewStreamError(ProtocolError, "uppercase header field name")
		case !isTokenByte(c):
			return NewStreamError(ProtocolError, "invalid header field name")
		}
	}

	return nil
}

func isTokenByte(c byte) bool {
	switch c {
	case '"', '(', ')', ',', '/', ':', ';', '<', '=', '>', '?', '@', '[', '\\', ']', '{', '}':
		return false
	}

	return c > 0x20 && c < 0x7f
}

// headerValidation accumulates the request-semantics checks of RFC
// 9113 §8.1-8.3 across every HEADERS/CONTINUATION frame of one header
// block, since several of them (pseudo-header ordering, duplicate
// pseudo-headers, content-length agreement) can only be judged once
// the whole block has been seen.
type headerValidation struct {
	sawRegular bool

	sawMethod, sawScheme, sawPath, sawAuthority, sawProtocol bool
	method                                                   []byte
	authority                                                []byte
	host                                                     []byte

	contentLengthSet      bool
	contentLengthMismatch bool
	contentLength         []byte
}

func (hv *headerValidation) reset() {
	hv.sawRegular = false
	hv.sawMethod, hv.sawScheme, hv.sawPath, hv.sawAuthority, hv.sawProtocol = false, false, false, false, false
	hv.method = hv.method[:0]
	hv.authority = hv.authority[:0]
	hv.host = hv.host[:0]
	hv.contentLengthSet = false
	hv.contentLengthMismatch = false
	hv.contentLength = hv.contentLength[:0]
}

// observe records one decoded header field. name is the raw key as
// decoded (pseudo-headers still carry their leading ':').
func (hv *headerValidation) observe(name, value []byte, isPseudo bool) error {
	if isPseudo {
		if hv.sawRegular {
			return NewStreamError(ProtocolError, "pseudo-header field after regular header field")
		}

		switch string(name[1:]) {
		case "method":
			if hv.sawMethod {
				return NewStreamError(ProtocolError, "duplicated :method")
			}
			hv.sawMethod = true
			hv.method = append(hv.method[:0], value...)
		case "scheme":
			if hv.sawScheme {
				return NewStreamError(ProtocolError, "duplicated :scheme")
			}
			hv.sawScheme = true
		case "path":
			if hv.sawPath {
				return NewStreamError(ProtocolError, "duplicated :path")
			}
			hv.sawPath = true
		case "authority":
			if hv.sawAuthority {
				return NewStreamError(ProtocolError, "duplicated :authority")
			}
			hv.sawAuthority = true
			hv.authority = append(hv.authority[:0], value...)
		case "protocol":
			hv.sawProtocol = true
		case "status":
			return NewStreamError(ProtocolError, "response pseudo-header in a request")
		}

		return nil
	}

	hv.sawRegular = true

	for _, bad := range connectionSpecificHeaders {
		if bytes.Equal(name, bad) {
			return NewStreamError(ProtocolError, "connection-specific header field")
		}
	}

	switch {
	case bytes.Equal(name, []byte("te")):
		if !equalsFold(value, []byte("trailers")) {
			return NewStreamError(ProtocolError, "te header field must be trailers")
		}
	case bytes.Equal(name, []byte("host")):
		hv.host = append(hv.host[:0], value...)
	case bytes.Equal(name, []byte("content-length")):
		if hv.contentLengthSet && !bytes.Equal(hv.contentLength, value) {
			hv.contentLengthMismatch = true
		}
		hv.contentLengthSet = true
		hv.contentLength = append(hv.contentLength[:0], value...)
	}

	return nil
}

// finish runs the checks that need the complete header list: required
// pseudo-headers present, :protocol only alongside CONNECT, and
// :authority/host agreement.
func (hv *headerValidation) finish() error {
	if hv.contentLengthMismatch {
		return NewStreamError(ProtocolError, "mismatched content-length values")
	}

	if !hv.sawMethod {
		return NewStreamError(ProtocolError, "missing :method")
	}

	isConnect := bytes.Equal(hv.method, StringConnect)

	if hv.sawProtocol && !isConnect {
		return NewStreamError(ProtocolError, ":protocol without CONNECT")
	}

	// A classic CONNECT request (RFC 9113 §8.5) carries only :method
	// and :authority; extended CONNECT (:protocol present) carries all
	// four, same as a normal request.
	if !isConnect || hv.sawProtocol {
		if !hv.sawScheme || !hv.sawPath {
			return NewStreamError(ProtocolError, "missing required pseudo-header")
		}
	}

	if !hv.sawAuthority && !isConnect {
		return NewStreamError(ProtocolError, "missing :authority")
	}

	if hv.sawAuthority && len(hv.host) > 0 && !bytes.Equal(hv.authority, hv.host) {
		return NewStreamError(ProtocolError, ":authority and host header field disagree")
	}

	return nil
}
