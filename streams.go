package http2

// Streams is the set of live streams on a connection, keyed by stream id.
// A Stream holds no back-pointer to its connection or to this map (spec
// design note on breaking the Stream<->Connection cycle); handleStreams,
// the sole owner and sole goroutine that touches it, passes whatever
// connection context an operation needs explicitly.
type Streams map[uint32]*Stream

// Search returns the stream with the given id, or nil.
func (strms Streams) Search(id uint32) *Stream {
	return strms[id]
}

// Del removes and returns the stream with the given id, if present.
func (strms Streams) Del(id uint32) *Stream {
	strm := strms[id]
	delete(strms, id)
	return strm
}

// GetFirstOf returns the oldest (earliest started) live stream originated
// by the given frame type.
func (strms Streams) GetFirstOf(kind FrameType) *Stream {
	var oldest *Stream
	for _, strm := range strms {
		if strm.origType != kind {
			continue
		}
		if oldest == nil || strm.startedAt.Before(oldest.startedAt) {
			oldest = strm
		}
	}

	return oldest
}
