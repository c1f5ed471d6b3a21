package http2utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCutPaddingRoundTrip(t *testing.T) {
	original := []byte("hello, http/2")

	padded := AddPadding(append([]byte(nil), original...))
	assert.Greater(t, len(padded), len(original))

	unpadded, err := CutPadding(padded, len(padded))
	require.NoError(t, err)
	assert.Equal(t, original, unpadded)
}

func TestCutPaddingRejectsOutOfRange(t *testing.T) {
	// pad length byte claims more padding than the frame actually has.
	payload := []byte{250, 'a', 'b', 'c'}
	_, err := CutPadding(payload, len(payload))
	assert.ErrorIs(t, err, ErrPaddingOutOfRange)
}

func TestCutPaddingRejectsEmptyPayload(t *testing.T) {
	_, err := CutPadding(nil, 0)
	assert.ErrorIs(t, err, ErrPaddingOutOfRange)
}

func TestBytesToUint32RoundTrip(t *testing.T) {
	b := make([]byte, 4)
	Uint32ToBytes(b, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), BytesToUint32(b))
}

func TestBytesToUint24RoundTrip(t *testing.T) {
	b := make([]byte, 3)
	Uint24ToBytes(b, 0x00abcdef&0xffffff)
	assert.Equal(t, uint32(0x00abcdef&0xffffff), BytesToUint24(b))
}

func TestEqualsFold(t *testing.T) {
	assert.True(t, EqualsFold([]byte("Content-Type"), []byte("content-type")))
	assert.False(t, EqualsFold([]byte("Content-Type"), []byte("content-length")))
}
