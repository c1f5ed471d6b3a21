// Package ht2test is a raw HTTP/2 client harness used only by this
// module's own server tests (server_test.go). It is not a
// production client: it exposes the wire level directly (write one frame,
// read one frame) instead of queuing requests and parsing responses, which
// is exactly the shape adversarial and protocol tests need.
package ht2test

import (
	"bufio"
	"crypto/tls"
	"net"

	http2 "github.com/nomadlabsinc/ht2"
)

// Opts configures a Conn.
type Opts struct {
	// MaxWindowSize is the connection-level flow control window
	// advertised to the server. Zero selects a 1MiB default.
	MaxWindowSize int32
}

// Conn is a raw HTTP/2 connection driven frame by frame.
type Conn struct {
	c net.Conn

	Br *bufio.Reader
	Bw *bufio.Writer

	Enc *http2.HPACK
	Dec *http2.HPACK

	maxWindow int32
	current   http2.Settings
	serverS   http2.Settings
}

// NewConn wraps an established net.Conn (plaintext or TLS-with-h2 ALPN
// already negotiated) for use as an HTTP/2 client.
func NewConn(c net.Conn, opts Opts) *Conn {
	maxWindow := opts.MaxWindowSize
	if maxWindow == 0 {
		maxWindow = 1 << 20
	}

	return &Conn{
		c:         c,
		Br:        bufio.NewReaderSize(c, 4096),
		Bw:        bufio.NewWriterSize(c, http2.DefaultFrameSize+1<<14),
		Enc:       http2.AcquireHPack(),
		Dec:       http2.AcquireHPack(),
		maxWindow: maxWindow,
	}
}

// Dial opens a TCP connection to addr and wraps it. If tlsConfig is not
// nil, the connection is upgraded to TLS with "h2" negotiated via ALPN.
func Dial(addr string, tlsConfig *tls.Config, opts Opts) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		cfg := tlsConfig.Clone()
		cfg.NextProtos = append(cfg.NextProtos, "h2")

		tlsConn := tls.Client(c, cfg)
		if err := tlsConn.Handshake(); err != nil {
			_ = c.Close()
			return nil, err
		}

		c = tlsConn
	}

	return NewConn(c, opts), nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// DoHandshake sends the connection preface, an initial SETTINGS frame and
// a connection-level WINDOW_UPDATE, then waits for the server's SETTINGS.
func (c *Conn) DoHandshake() error {
	if err := http2.WritePreface(c.Bw); err != nil {
		return err
	}

	c.current.Reset()
	c.current.SetMaxWindowSize(uint32(c.maxWindow))
	c.current.SetPush(false)

	fr := http2.AcquireFrameHeader()
	st := http2.AcquireFrame(http2.FrameSettings).(*http2.Settings)
	c.current.CopyTo(st)
	fr.SetBody(st)

	if _, err := fr.WriteTo(c.Bw); err != nil {
		return err
	}

	if c.maxWindow > 65535 {
		wuFr := http2.AcquireFrameHeader()
		wu := http2.AcquireFrame(http2.FrameWindowUpdate).(*http2.WindowUpdate)
		wu.SetIncrement(int(c.maxWindow - 65535))
		wuFr.SetBody(wu)

		if _, err := wuFr.WriteTo(c.Bw); err != nil {
			return err
		}
	}

	if err := c.Bw.Flush(); err != nil {
		return err
	}

	got, err := http2.ReadFrameFrom(c.Br)
	if err != nil {
		return err
	}
	defer http2.ReleaseFrameHeader(got)

	st = got.Body().(*http2.Settings)
	st.CopyTo(&c.serverS)

	if st.HeaderTableSize() > 0 {
		c.Enc.SetMaxTableSize(int(st.HeaderTableSize()))
	}

	ackFr := http2.AcquireFrameHeader()
	ack := http2.AcquireFrame(http2.FrameSettings).(*http2.Settings)
	ack.SetAck(true)
	ackFr.SetBody(ack)

	if _, err := ackFr.WriteTo(c.Bw); err != nil {
		return err
	}

	return c.Bw.Flush()
}

// WriteFrame writes fr and flushes it immediately.
func (c *Conn) WriteFrame(fr *http2.FrameHeader) error {
	if _, err := fr.WriteTo(c.Bw); err != nil {
		return err
	}

	return c.Bw.Flush()
}

// ReadNext reads the next frame off the wire. The caller owns the
// returned frame and must release it with http2.ReleaseFrameHeader.
func (c *Conn) ReadNext() (*http2.FrameHeader, error) {
	return http2.ReadFrameFrom(c.Br)
}
