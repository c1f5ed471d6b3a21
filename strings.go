package http2

import "github.com/nomadlabsinc/ht2/http2utils"

var (
	StringPath          = []byte(":path")
	StringStatus        = []byte(":status")
	StringAuthority     = []byte(":authority")
	StringScheme        = []byte(":scheme")
	StringMethod        = []byte(":method")
	StringServer        = []byte("server")
	StringContentLength = []byte("content-length")
	StringContentType   = []byte("content-type")
	StringUserAgent     = []byte("user-agent")
	StringGzip          = []byte("gzip")
	StringGET           = []byte("GET")
	StringHEAD          = []byte("HEAD")
	StringPOST          = []byte("POST")
	StringConnect       = []byte("CONNECT")
	StringHTTP2         = []byte("HTTP/2")
)

// equalsFold reports whether a and b are equal ignoring ASCII case,
// used on header names which HPACK always lower-cases on the wire but
// which this engine still compares defensively.
func equalsFold(a, b []byte) bool {
	return http2utils.EqualsFold(a, b)
}

func ToLower(b []byte) []byte {
	for i := range b {
		b[i] |= 32
	}

	return b
}

const (
	// H2TLSProto is the string used in ALPN-TLS negotiation.
	H2TLSProto = "h2"
	// H2Clean is the string used in HTTP headers by the client to upgrade the connection.
	H2Clean = "h2c"
)
