package http2

import (
	"bufio"
	"errors"
	"log"
	"net"
	"os"
	"time"

	"github.com/valyala/fasthttp"
)

// ServerConfig holds the tunables for a Server. The zero value is not
// ready to use; call defaults() (done automatically by NewServer) to
// fill in the operating limits this engine needs to defend against
// Rapid Reset, HPACK bombs and CONTINUATION floods.
type ServerConfig struct {
	// Debug turns on verbose per-frame logging through Logger.
	Debug bool

	// Logger receives debug output when Debug is set. Defaults to a
	// logger writing to os.Stdout.
	Logger fasthttp.Logger

	// MaxWindowSize is the connection-level flow control window this
	// server advertises. Zero selects defaultMaxWindowSize (65535).
	MaxWindowSize int32

	// MaxConcurrentStreams caps the number of streams a client may
	// have open at once on this connection. Zero selects
	// defaultMaxConcurrentStreams.
	MaxConcurrentStreams uint32

	// MaxRequestTime bounds how long a stream may stay open without
	// finishing its request. Zero disables the timeout entirely,
	// which is not recommended on an Internet-facing listener.
	MaxRequestTime time.Duration

	// MaxIdleTime closes a connection that hasn't started a new
	// request for this long. Zero disables idle closing.
	MaxIdleTime time.Duration

	// PingInterval is how often the server pings an idle connection
	// to detect dead peers. Zero selects DefaultPingInterval.
	PingInterval time.Duration

	// PingRate, SettingsRate, RstRate and PriorityRate cap how many
	// PING, SETTINGS, RST_STREAM and PRIORITY frames per second a
	// single connection may send, respectively, since each of these
	// frame types is cheap to send and comparatively expensive to
	// process. Zero or negative selects the default: 10/s for PING,
	// 5/s for SETTINGS, 100/s for RST_STREAM and PRIORITY. There is
	// no way to disable the check through this struct.
	PingRate     float64
	SettingsRate float64
	RstRate      float64
	PriorityRate float64

	// RapidResetThresholdMs and RapidResetMaxStreak implement the
	// CVE-2023-44487 defense: a stream reset within
	// RapidResetThresholdMs of being opened counts toward a streak, and
	// the connection is torn down once that streak reaches
	// RapidResetMaxStreak. Zero or negative selects the package
	// defaults (100ms, 50).
	RapidResetThresholdMs int64
	RapidResetMaxStreak   int

	// MaxBufferSize caps the size of a scratch buffer this connection
	// will return to its shared pool; anything larger is freed instead
	// of retained, so one outsized response body doesn't permanently
	// grow the pool's working set. Zero or negative selects
	// defaultMaxBufferSize.
	MaxBufferSize int

	// EnableH2C accepts cleartext HTTP/2 on connections accepted from
	// the listener passed to ServeH2C, both via prior knowledge (the connection preface as the
	// first bytes) and via the HTTP/1.1 Upgrade mechanism (RFC 7540
	// §3.2). It has no effect on ConfigureServer's TLS/ALPN path, which
	// never needs it: ALPN already tells the peer selected "h2".
	EnableH2C bool

	// H2CUpgradeTimeout bounds how long ServeH2C waits for a complete
	// HTTP/1.1 request line and headers before giving up on recognising
	// an Upgrade request. Zero selects DefaultH2CUpgradeTimeout.
	H2CUpgradeTimeout time.Duration

	// HeaderTableSize is the HPACK dynamic table size this server
	// advertises via SETTINGS_HEADER_TABLE_SIZE. Zero selects
	// defaultHeaderTableSize (4096, RFC 7541's own default).
	HeaderTableSize uint32

	// MaxFrameSize is the largest frame payload this server will
	// accept, advertised via SETTINGS_MAX_FRAME_SIZE. Zero selects
	// defaultMaxFrameSize (16384, the RFC 9113 floor).
	MaxFrameSize uint32

	// MaxHeaderListSize is the cap on the uncompressed size of a
	// request's header list, advertised via
	// SETTINGS_MAX_HEADER_LIST_SIZE and enforced by the HPACK decoder
	// against the cumulative name.len+value.len+32 cost of every field
	// it decodes (RFC 7541 §4.3's HPACK bomb defense). Zero selects
	// defaultMaxHeaderListSize (8192).
	MaxHeaderListSize uint32

	// FlowControlStrategy selects how eagerly this server replenishes
	// the receive window it advertises to a client as request body
	// data is consumed. Defaults to FlowControlModerate.
	FlowControlStrategy FlowControlStrategy

	// SettingsAckTimeout bounds how long the server waits for the
	// client to ACK its initial SETTINGS frame before closing the
	// connection with SETTINGS_TIMEOUT (RFC 9113 §6.5.3). Zero selects
	// DefaultSettingsAckTimeout.
	SettingsAckTimeout time.Duration

	// HandshakeTimeout bounds how long ServeConn waits for the 24-byte
	// connection preface to arrive before giving up on a connection
	// that never speaks. Zero selects DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// DefaultSettingsAckTimeout is used when ServerConfig.SettingsAckTimeout
// is zero.
const DefaultSettingsAckTimeout = 10 * time.Second

// DefaultHandshakeTimeout is used when ServerConfig.HandshakeTimeout is
// zero.
const DefaultHandshakeTimeout = 10 * time.Second

// DefaultH2CUpgradeTimeout is used when ServerConfig.H2CUpgradeTimeout
// is zero.
const DefaultH2CUpgradeTimeout = 5 * time.Second

// DefaultPingInterval is used when ServerConfig.PingInterval is zero.
const DefaultPingInterval = 2 * time.Minute

func (cnf *ServerConfig) defaults() {
	if cnf.Logger == nil {
		cnf.Logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	if cnf.MaxWindowSize <= 0 {
		cnf.MaxWindowSize = defaultMaxWindowSize
	}
	if cnf.MaxConcurrentStreams == 0 {
		cnf.MaxConcurrentStreams = defaultMaxConcurrentStreams
	}
	if cnf.PingInterval <= 0 {
		cnf.PingInterval = DefaultPingInterval
	}

	if cnf.PingRate <= 0 {
		cnf.PingRate = 10
	}
	if cnf.SettingsRate <= 0 {
		cnf.SettingsRate = 5
	}
	if cnf.RstRate <= 0 {
		cnf.RstRate = 100
	}
	if cnf.PriorityRate <= 0 {
		cnf.PriorityRate = 100
	}

	if cnf.RapidResetThresholdMs <= 0 {
		cnf.RapidResetThresholdMs = 100
	}
	if cnf.RapidResetMaxStreak <= 0 {
		cnf.RapidResetMaxStreak = 50
	}

	if cnf.H2CUpgradeTimeout <= 0 {
		cnf.H2CUpgradeTimeout = DefaultH2CUpgradeTimeout
	}

	if cnf.HeaderTableSize == 0 {
		cnf.HeaderTableSize = defaultHeaderTableSize
	}
	if cnf.MaxFrameSize < defaultMaxFrameSize {
		cnf.MaxFrameSize = defaultMaxFrameSize
	}
	if cnf.MaxHeaderListSize == 0 {
		cnf.MaxHeaderListSize = defaultMaxHeaderListSize
	}
	if cnf.FlowControlStrategy == flowControlUnset {
		cnf.FlowControlStrategy = FlowControlModerate
	}

	if cnf.SettingsAckTimeout <= 0 {
		cnf.SettingsAckTimeout = DefaultSettingsAckTimeout
	}

	if cnf.HandshakeTimeout <= 0 {
		cnf.HandshakeTimeout = DefaultHandshakeTimeout
	}
}

// Server serves HTTP/2 over already-accepted connections, handing
// requests to the wrapped fasthttp.Server's Handler.
type Server struct {
	s   *fasthttp.Server
	cnf ServerConfig

	// Metrics accumulates counters across every connection this Server
	// serves: GOAWAYs, rate-limiter trips, rapid resets, flow-control
	// stalls. Exported so a caller can poll Metrics.Snapshot() and forward
	// it to whatever reporting system it wires up.
	Metrics *Metrics
}

// NewServer wraps s to serve HTTP/2 traffic with the given config.
func NewServer(s *fasthttp.Server, cnf ServerConfig) *Server {
	cnf.defaults()

	return &Server{s: s, cnf: cnf, Metrics: &Metrics{}}
}

// ConfigureServer registers HTTP/2 as a protocol fasthttp's TLS
// listener can negotiate via ALPN. s must be served over TLS
// (ServeTLS/ServeTLSEmbed) for a client to ever select "h2"; plaintext
// listeners never reach ServeConn through this path.
func ConfigureServer(s *fasthttp.Server, cnf ServerConfig) *Server {
	srv := NewServer(s, cnf)
	s.NextProto(H2TLSProto, srv.ServeConn)

	return srv
}

// Handshake sends our half of the HTTP/2 connection preface: a
// SETTINGS frame followed by a connection-level WINDOW_UPDATE
// advertising maxWin. If preface is set, the 24-byte client preface
// string is written first (used by the client side of a connection;
// a server has already read it off the wire by the time this runs).
func Handshake(preface bool, bw *bufio.Writer, st *Settings, maxWin int32) error {
	if preface {
		if err := WritePreface(bw); err != nil {
			return err
		}
	}

	fr := AcquireFrameHeader()
	defer ReleaseFrameHeader(fr)

	st2 := AcquireFrame(FrameSettings).(*Settings)
	st.CopyTo(st2)
	fr.SetBody(st2)

	if _, err := fr.WriteTo(bw); err != nil {
		return err
	}

	if maxWin > defaultMaxWindowSize {
		fr = AcquireFrameHeader()
		wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
		wu.SetIncrement(int(maxWin - defaultMaxWindowSize))
		fr.SetBody(wu)

		if _, err := fr.WriteTo(bw); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// newServerConn builds and initialises a serverConn for c, applying
// s.cnf's limits but not yet reading or writing anything on the wire.
// Shared by ServeConn (TLS/ALPN) and ServeH2C (cleartext), which differ
// only in how they establish the connection before handing off to the
// shared serverConn engine.
func (s *Server) newServerConn(c net.Conn) *serverConn {
	br := bufio.NewReaderSize(c, 4096)
	bw := bufio.NewWriterSize(c, defaultMaxFrameSize+1<<14)

	sc := &serverConn{
		c:  c,
		h:  s.s.Handler,
		br: br,
		bw: bw,

		reader:       make(chan *FrameHeader, 128),
		writer:       make(chan *FrameHeader, 128),
		windowDeltas: make(chan int32, 8),

		maxWindow:          s.cnf.MaxWindowSize,
		currentWindow:      s.cnf.MaxWindowSize,
		maxRequestTime:     s.cnf.MaxRequestTime,
		maxIdleTime:        s.cnf.MaxIdleTime,
		pingInterval:       s.cnf.PingInterval,
		flowStrategy:       s.cnf.FlowControlStrategy,
		settingsAckTimeout: s.cnf.SettingsAckTimeout,

		limits:  newRateLimits(s.cnf),
		bufPool: NewBufferPool(s.cnf.MaxBufferSize),

		debug:   s.cnf.Debug,
		logger:  s.cnf.Logger,
		metrics: s.Metrics,
	}

	sc.enc.Reset()
	sc.dec.Reset()

	sc.st.Reset()
	sc.st.SetMaxWindowSize(uint32(sc.maxWindow))
	sc.st.SetMaxConcurrentStreams(s.cnf.MaxConcurrentStreams)
	sc.st.SetHeaderTableSize(s.cnf.HeaderTableSize)
	sc.st.SetMaxFrameSize(s.cnf.MaxFrameSize)
	sc.st.SetMaxHeaderListSize(s.cnf.MaxHeaderListSize)
	sc.st.SetPush(false)

	sc.clientS.Reset()

	return sc
}

// completeHandshake reads the connection preface and exchanges the
// initial SETTINGS frame on sc, bounded by HandshakeTimeout so a peer
// that never speaks (or stalls mid-handshake) can't hold the
// connection open indefinitely; Serve clears the read deadline this
// sets once it starts reading frames for real.
func (s *Server) completeHandshake(sc *serverConn) error {
	_ = sc.c.SetReadDeadline(time.Now().Add(s.cnf.HandshakeTimeout))

	if err := ReadPreface(sc.br); err != nil {
		return errors.New("http2: invalid preface")
	}

	return sc.Handshake()
}

// ServeConn runs the HTTP/2 protocol engine over c until the
// connection closes or a fatal protocol error occurs. c is closed
// before returning.
func (s *Server) ServeConn(c net.Conn) error {
	defer func() { _ = c.Close() }()

	sc := s.newServerConn(c)

	if err := s.completeHandshake(sc); err != nil {
		return err
	}

	return sc.Serve()
}
