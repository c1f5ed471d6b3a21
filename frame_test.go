package http2

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFrameReturnsRegisteredType(t *testing.T) {
	fr := AcquireFrame(FrameWindowUpdate)
	defer ReleaseFrame(fr)

	wu, ok := fr.(*WindowUpdate)
	require.True(t, ok)
	assert.Equal(t, FrameWindowUpdate, wu.Type())
}

func TestAcquireFrameUnregisteredPanics(t *testing.T) {
	assert.Panics(t, func() {
		AcquireFrame(FrameType(0xff))
	})
}

func TestFrameFlagsHasAdd(t *testing.T) {
	var f FrameFlags
	assert.False(t, f.Has(FlagEndHeaders))

	f = f.Add(FlagEndHeaders)
	assert.True(t, f.Has(FlagEndHeaders))
	assert.False(t, f.Has(FlagPadded))

	f = f.Add(FlagPadded)
	assert.True(t, f.Has(FlagEndHeaders))
	assert.True(t, f.Has(FlagPadded))
}

func TestWindowUpdateFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	bw := bufio.NewWriter(buf)

	fr := AcquireFrameHeader()
	wu := AcquireFrame(FrameWindowUpdate).(*WindowUpdate)
	wu.SetIncrement(65535)
	fr.SetBody(wu)
	fr.SetStream(3)

	_, err := fr.WriteTo(bw)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	ReleaseFrameHeader(fr)

	br := bufio.NewReader(buf)
	got, err := ReadFrameFrom(br)
	require.NoError(t, err)
	defer ReleaseFrameHeader(got)

	require.Equal(t, FrameWindowUpdate, got.Type())
	assert.Equal(t, uint32(3), got.Stream())
	assert.Equal(t, 65535, got.Body().(*WindowUpdate).Increment())
}

func TestSettingsFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	bw := bufio.NewWriter(buf)

	fr := AcquireFrameHeader()
	st := AcquireFrame(FrameSettings).(*Settings)
	st.Reset()
	st.SetMaxConcurrentStreams(100)
	st.SetMaxWindowSize(1 << 20)
	fr.SetBody(st)

	_, err := fr.WriteTo(bw)
	require.NoError(t, err)
	require.NoError(t, bw.Flush())
	ReleaseFrameHeader(fr)

	br := bufio.NewReader(buf)
	got, err := ReadFrameFrom(br)
	require.NoError(t, err)
	defer ReleaseFrameHeader(got)

	gotSt := got.Body().(*Settings)
	assert.False(t, gotSt.IsAck())
	assert.Equal(t, uint32(100), gotSt.MaxConcurrentStreams())
	assert.Equal(t, uint32(1<<20), gotSt.MaxWindowSize())
}

func TestUnknownFrameTypeIsDiscardedNotFatal(t *testing.T) {
	buf := &bytes.Buffer{}
	var header [9]byte
	header[3] = 0xfe // an unassigned frame type
	buf.Write(header[:])

	br := bufio.NewReader(buf)
	_, err := ReadFrameFrom(br)
	assert.ErrorIs(t, err, ErrUnknownFrameType)
}
