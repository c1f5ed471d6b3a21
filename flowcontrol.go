package http2

// maxFlowWindow is the largest value any flow-control window may hold,
// RFC 9113 §6.9.1: 2^31-1. A window may transiently go negative (a
// SETTINGS_INITIAL_WINDOW_SIZE decrease, RFC 9113 §6.9.2) but must
// never exceed this on the positive side.
const maxFlowWindow = 1<<31 - 1

// applyWindowDelta shifts every stream's send window by delta, RFC 9113
// §6.9.2: changing SETTINGS_INITIAL_WINDOW_SIZE retroactively moves the
// window of every stream already open on the connection, not just new
// ones. It returns the id of the first stream whose window would
// overflow past maxFlowWindow, or 0 if every stream applied cleanly;
// the caller is expected to tear the connection down with GOAWAY(
// FLOW_CONTROL_ERROR) in that case, since by then some streams have
// already been shifted and the update cannot be applied atomically
// across the whole map without a spare pass.
func applyWindowDelta(strms Streams, delta int64) uint32 {
	if delta == 0 {
		return 0
	}

	for id, strm := range strms {
		next := strm.Window() + delta
		if next > maxFlowWindow {
			return id
		}

		strm.SetWindow(next)
	}

	return 0
}

// FlowControlStrategy selects how eagerly the server acknowledges
// received DATA with WINDOW_UPDATE frames: how much of the advertised
// receive window a client may consume before this engine replenishes
// it. A tighter threshold means more WINDOW_UPDATE frames and less
// risk of a fast sender stalling on window; a looser one means fewer
// frames.
type FlowControlStrategy int

const (
	// flowControlUnset is the zero value of FlowControlStrategy, read
	// by ServerConfig.defaults() as "use FlowControlModerate" the same
	// way a zero Duration elsewhere in ServerConfig means "use the
	// package default".
	flowControlUnset FlowControlStrategy = iota
	// FlowControlConservative replenishes on every byte consumed: the
	// lowest possible latency for the peer's send window, at the cost
	// of a WINDOW_UPDATE for nearly every DATA frame.
	FlowControlConservative
	// FlowControlModerate replenishes once half of the advertised
	// window has been consumed. The default.
	FlowControlModerate
	// FlowControlAggressive replenishes once an eighth of the window
	// has been consumed, trading more frames for a lower chance of a
	// fast sender running out of window between updates.
	FlowControlAggressive
	// FlowControlDynamic picks between the Moderate and Aggressive
	// thresholds by the average size of past replenishments on the same
	// window: below a quarter of the window (including at the start,
	// when no replenishment has happened yet) it uses the Moderate
	// threshold, at or above a quarter the Aggressive one, so a burst of
	// DATA is acknowledged quickly without paying for a WINDOW_UPDATE on
	// every read of a slow trickle.
	FlowControlDynamic
)

func (s FlowControlStrategy) String() string {
	switch s {
	case FlowControlConservative:
		return "conservative"
	case FlowControlAggressive:
		return "aggressive"
	case FlowControlDynamic:
		return "dynamic"
	default:
		return "moderate"
	}
}

// replenishThreshold returns how many unacknowledged bytes a window of
// the given size may accumulate under strategy before a WINDOW_UPDATE
// must be sent. recent is an exponential moving average of bytes
// consumed between past replenishments on the same window, consulted
// only by FlowControlDynamic.
func replenishThreshold(strategy FlowControlStrategy, window int32, recent int64) int32 {
	if window <= 0 {
		window = defaultMaxWindowSize
	}

	switch strategy {
	case FlowControlConservative:
		return 1
	case FlowControlAggressive:
		return window / 8
	case FlowControlDynamic:
		if recent >= int64(window)/4 {
			return window / 8
		}
		return window / 2
	default:
		return window / 2
	}
}

// recvAccounting tracks how many bytes of a receive window (stream or
// connection scope) have been consumed but not yet acknowledged with a
// WINDOW_UPDATE, per spec.md's "optional adaptive controller": it
// chooses when and how much to WINDOW_UPDATE the peer based on the
// consumed/outstanding ratio, and its output is only ever an advisory
// increment equal to exactly what was consumed, never more than the
// window can safely regain.
type recvAccounting struct {
	unacked int32
	recent  int64
}

// consume records n newly-consumed bytes and returns the increment to
// send as a WINDOW_UPDATE, or 0 if strategy says to keep batching.
func (r *recvAccounting) consume(n int32, window int32, strategy FlowControlStrategy) int32 {
	r.unacked += n

	if r.unacked < replenishThreshold(strategy, window, r.recent) {
		return 0
	}

	sent := r.unacked
	r.recent = (r.recent + int64(sent)) / 2
	r.unacked = 0

	return sent
}
