package http2

import (
	"time"

	"github.com/valyala/fastrand"
)

// tokenBucket is a simple requests-per-second limiter: it holds up to
// `burst` tokens, refilled continuously at `rate` tokens/sec, and
// allow() reports whether a token is currently available. Used to cap
// the four floods of RFC 9113 frames that cost the server more to
// process than they cost an attacker to send: PING, SETTINGS,
// RST_STREAM and PRIORITY (the "Netflix flood" family).
type tokenBucket struct {
	rate  float64
	burst float64

	tokens float64
	last   time.Time
}

func newTokenBucket(ratePerSecond float64) *tokenBucket {
	if ratePerSecond <= 0 {
		return nil
	}

	burst := ratePerSecond
	if burst < 1 {
		burst = 1
	}

	return &tokenBucket{
		rate:   ratePerSecond,
		burst:  burst,
		tokens: burst,
		last:   time.Now(),
	}
}

// allow reports whether a single unit of work is allowed now, consuming
// a token if so. A nil bucket (rate limiting disabled for this frame
// type) always allows.
func (tb *tokenBucket) allow() bool {
	if tb == nil {
		return true
	}

	now := time.Now()
	elapsed := now.Sub(tb.last).Seconds()
	tb.last = now

	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}

	if tb.tokens < 1 {
		return false
	}

	tb.tokens--
	return true
}

// rapidResetTracker implements the CVE-2023-44487 defense: a client
// that opens a stream and cancels it (RST_STREAM) before the handler
// ever gets to run costs the server a full request-processing slot for
// the price of two small frames. A stream canceled within
// thresholdMs of being opened counts as a "rapid reset"; too many of
// those in a row trips the limiter.
type rapidResetTracker struct {
	thresholdMs int64
	maxStreak   int

	streak int
}

func newRapidResetTracker(thresholdMs int64, maxStreak int) *rapidResetTracker {
	if thresholdMs <= 0 || maxStreak <= 0 {
		return nil
	}

	return &rapidResetTracker{thresholdMs: thresholdMs, maxStreak: maxStreak}
}

// observe records a stream's cancellation, given how long it lived.
// It reports true once the streak of rapid resets reaches maxStreak,
// at which point the caller should tear the connection down.
func (rr *rapidResetTracker) observe(lived time.Duration) bool {
	if rr == nil {
		return false
	}

	if lived.Milliseconds() <= rr.thresholdMs {
		rr.streak++
	} else {
		rr.streak = 0
	}

	return rr.streak >= rr.maxStreak
}

// Operating limits for the CONTINUATION flood defense (unbounded-
// CONTINUATION-frames-without-END_HEADERS, the 2024 "CONTINUATION
// flood" disclosure). These cap a single header block regardless of
// what HEADER_TABLE_SIZE/MAX_HEADER_LIST_SIZE the connection
// negotiated, since the attack works by never finishing the block
// rather than by growing any one frame.
const (
	maxContinuationFrames = 64
	maxHeaderBlockBytes   = 1 << 20 // 1 MiB of compressed header block
)

var errContinuationFlood = NewGoAwayError(EnhanceYourCalm, "too many CONTINUATION frames without END_HEADERS")

// checkContinuationBudget is called once per HEADERS/CONTINUATION frame
// received for strm, before its fragment is appended to the
// accumulating header block. It enforces maxContinuationFrames and
// maxHeaderBlockBytes.
func checkContinuationBudget(strm *Stream, fragmentLen int) error {
	strm.continuationFrames++
	if strm.continuationFrames > maxContinuationFrames {
		return errContinuationFlood
	}

	if len(strm.previousHeaderBytes)+fragmentLen > maxHeaderBlockBytes {
		return errContinuationFlood
	}

	return nil
}

// rateLimits bundles the per-connection frame-rate limiters and the
// Rapid Reset tracker. A zero value (all fields nil) disables every
// check, same as a tokenBucket built with rate <= 0.
type rateLimits struct {
	ping       *tokenBucket
	settings   *tokenBucket
	rst        *tokenBucket
	priority   *tokenBucket
	rapidReset *rapidResetTracker
}

func newRateLimits(cnf ServerConfig) *rateLimits {
	return &rateLimits{
		ping:       newTokenBucket(cnf.PingRate),
		settings:   newTokenBucket(cnf.SettingsRate),
		rst:        newTokenBucket(cnf.RstRate),
		priority:   newTokenBucket(cnf.PriorityRate),
		rapidReset: newRapidResetTracker(cnf.RapidResetThresholdMs, cnf.RapidResetMaxStreak),
	}
}

// jitteredInterval jitters how often writeLoop's ping timer fires, so
// a fleet of connections opened back to back doesn't all send their
// keepalive PING in the same instant. Same fastrand-based jitter idiom
// as AddPadding's random pad length.
func jitteredInterval(base time.Duration) time.Duration {
	jitter := time.Duration(fastrand.Uint32n(uint32(base / 4)))
	return base - base/8 + jitter
}
