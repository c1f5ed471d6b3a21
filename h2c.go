package http2

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"net"
	"time"

	"github.com/valyala/fasthttp"
)

// h2cPeekSize is how many bytes ServeH2C peeks off a freshly accepted
// connection to tell a prior-knowledge client (RFC 9113 §3.4: the
// connection preface arrives as the very first bytes) apart from a
// plain HTTP/1.1 request that may later ask to Upgrade.
var h2cPeekSize = len(ConnectionPreface)

// ServeH2C serves cleartext HTTP/2 ("h2c") connections accepted from
// ln. It supports both ways RFC 9113 §3.1 allows a client to start h2c:
// prior knowledge, where the connection preface is the first thing on
// the wire, and the HTTP/1.1 Upgrade mechanism (RFC 7540 §3.2), where
// a plain HTTP/1.1 request carries "Connection: Upgrade",
// "Upgrade: h2c" and an "HTTP2-Settings" header. Connections that do
// neither are served as ordinary HTTP/1.1 by the wrapped
// fasthttp.Server. ServeH2C blocks until ln stops accepting.
func (s *Server) ServeH2C(ln net.Listener) error {
	origHandler := s.s.Handler
	s.s.Handler = s.h2cUpgradeHandler(origHandler)
	defer func() { s.s.Handler = origHandler }()

	return s.s.Serve(&h2cListener{Listener: ln, srv: s})
}

// h2cListener intercepts prior-knowledge connections before they ever
// reach fasthttp's HTTP/1.1 parser: Accept peeks the first bytes, and
// a match on the connection preface hands the raw connection straight
// to this engine instead of returning it to the HTTP/1.1 caller.
type h2cListener struct {
	net.Listener
	srv *Server
}

func (l *h2cListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		// Bound how long a connection may sit silent before telling us
		// whether it's a prior-knowledge h2c client; a slow-loris peer
		// that never sends the preface (or anything else) would
		// otherwise pin this goroutine and its bufio.Reader forever.
		_ = c.SetReadDeadline(time.Now().Add(l.srv.cnf.H2CUpgradeTimeout))

		br := bufio.NewReaderSize(c, h2cPeekSize)
		peek, peekErr := br.Peek(h2cPeekSize)

		_ = c.SetReadDeadline(time.Time{})

		wrapped := &bufConn{Conn: c, br: br}

		if peekErr != nil || !bytes.Equal(peek, []byte(ConnectionPreface)) {
			return wrapped, nil
		}

		go func() {
			if err := l.srv.ServeConn(wrapped); err != nil && l.srv.cnf.Debug {
				l.srv.cnf.Logger.Printf("http2: h2c prior-knowledge connection: %s\n", err)
			}
		}()
	}
}

// bufConn replays a bufio.Reader's already-peeked bytes through the
// plain net.Conn interface both fasthttp and this engine expect to
// read from directly.
type bufConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

// h2cUpgradeHandler wraps next so that an HTTP/1.1 request asking to
// upgrade to h2c is answered with 101 Switching Protocols and handed
// off to serveH2CUpgrade instead of next. Anything else, including the
// case where EnableH2C is false, goes straight to next.
func (s *Server) h2cUpgradeHandler(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !s.cnf.EnableH2C || !isH2CUpgradeRequest(ctx) {
			next(ctx)
			return
		}

		settingsPayload, err := base64.RawURLEncoding.DecodeString(
			string(ctx.Request.Header.Peek("HTTP2-Settings")))
		if err != nil {
			next(ctx)
			return
		}

		req := captureUpgradeRequest(ctx)

		ctx.SetStatusCode(statusSwitchingProtocols)
		ctx.Response.Header.Set("Connection", "Upgrade")
		ctx.Response.Header.Set("Upgrade", H2Clean)

		ctx.Hijack(func(c net.Conn) {
			s.serveH2CUpgrade(c, settingsPayload, req)
		})
	}
}

// statusSwitchingProtocols is RFC 7540 §3.2's 101 response code; named
// locally rather than trusting a status-code constant name across
// fasthttp versions.
const statusSwitchingProtocols = 101

func isH2CUpgradeRequest(ctx *fasthttp.RequestCtx) bool {
	return equalsFold(ctx.Request.Header.Peek("Upgrade"), []byte(H2Clean)) &&
		bytes.Contains(bytes.ToLower(ctx.Request.Header.Peek("Connection")), []byte("upgrade")) &&
		len(ctx.Request.Header.Peek("HTTP2-Settings")) > 0
}

// upgradeRequest is a snapshot of the HTTP/1.1 request that asked to
// upgrade, taken before Hijack hands the connection off and ctx is
// recycled to fasthttp's pool.
type upgradeRequest struct {
	method, scheme, authority, path, body []byte
	headers                               [][2][]byte
}

func captureUpgradeRequest(ctx *fasthttp.RequestCtx) *upgradeRequest {
	uri := ctx.URI()
	path := append([]byte(nil), uri.PathOriginal()...)
	if qs := uri.QueryString(); len(qs) > 0 {
		path = append(path, '?')
		path = append(path, qs...)
	}

	req := &upgradeRequest{
		method:    append([]byte(nil), ctx.Method()...),
		scheme:    append([]byte(nil), uri.Scheme()...),
		authority: append([]byte(nil), ctx.Host()...),
		path:      path,
		body:      append([]byte(nil), ctx.PostBody()...),
	}

	ctx.Request.Header.VisitAll(func(k, v []byte) {
		switch string(bytes.ToLower(k)) {
		case "connection", "upgrade", "http2-settings", "host":
			return
		}
		req.headers = append(req.headers, [2][]byte{
			append([]byte(nil), k...), append([]byte(nil), v...),
		})
	})

	return req
}

// serveH2CUpgrade continues an h2c connection after the 101 response
// has been written and c has been hijacked away from fasthttp. req is
// the HTTP/1.1 request that triggered the upgrade; RFC 7540 §3.2
// assigns it stream identifier 1, so it's injected as the connection's
// first HEADERS (and, if it carried a body, DATA) frame before the
// normal engine loop starts reading the wire.
func (s *Server) serveH2CUpgrade(c net.Conn, settingsPayload []byte, req *upgradeRequest) {
	defer func() { _ = c.Close() }()

	sc := s.newServerConn(c)

	settingsFrame := AcquireFrameHeader()
	defer ReleaseFrameHeader(settingsFrame)
	settingsFrame.setPayload(settingsPayload)
	clientSettings := AcquireFrame(FrameSettings).(*Settings)
	clientSettings.Reset()
	if err := clientSettings.Deserialize(settingsFrame); err != nil {
		return
	}
	clientSettings.CopyTo(&sc.clientS)

	if err := s.completeHandshake(sc); err != nil {
		return
	}

	if err := sc.enqueueUpgradeStream(req); err != nil {
		return
	}

	_ = sc.Serve()
}

// enqueueUpgradeStream builds the HPACK-encoded HEADERS (and optional
// DATA) frame carrying req and queues them on sc.reader so handleFrame
// processes them exactly like any frame read off the wire, before
// Serve starts its own readLoop.
func (sc *serverConn) enqueueUpgradeStream(req *upgradeRequest) error {
	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)

	headers := AcquireFrame(FrameHeaders).(*Headers)
	headers.Reset()
	headers.SetEndHeaders(true)

	hf.SetKeyBytes(StringMethod)
	hf.SetValueBytes(req.method)
	headers.AppendHeaderField(&sc.enc, hf, true)

	hf.SetKeyBytes(StringScheme)
	hf.SetValueBytes(req.scheme)
	headers.AppendHeaderField(&sc.enc, hf, true)

	hf.SetKeyBytes(StringAuthority)
	hf.SetValueBytes(req.authority)
	headers.AppendHeaderField(&sc.enc, hf, true)

	hf.SetKeyBytes(StringPath)
	hf.SetValueBytes(req.path)
	headers.AppendHeaderField(&sc.enc, hf, true)

	for _, kv := range req.headers {
		hf.SetBytes(ToLower(kv[0]), kv[1])
		headers.AppendHeaderField(&sc.enc, hf, false)
	}

	headersFrame := AcquireFrameHeader()
	headersFrame.SetStream(1)
	flags := FlagEndHeaders
	if len(req.body) == 0 {
		flags |= FlagEndStream
		headers.SetEndStream(true)
	}
	headersFrame.SetFlags(flags)
	headersFrame.SetBody(headers)

	select {
	case sc.reader <- headersFrame:
	default:
		return errH2CQueueFull
	}

	if len(req.body) == 0 {
		return nil
	}

	data := AcquireFrame(FrameData).(*Data)
	data.Reset()
	data.SetData(req.body)
	data.SetEndStream(true)

	dataFrame := AcquireFrameHeader()
	dataFrame.SetStream(1)
	dataFrame.SetFlags(FlagEndStream)
	dataFrame.SetBody(data)

	select {
	case sc.reader <- dataFrame:
	default:
		return errH2CQueueFull
	}

	return nil
}

var errH2CQueueFull = NewGoAwayError(InternalError, "h2c upgrade stream could not be queued")
