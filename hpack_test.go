package http2

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 7541 §C.1.1: 10 fits in a 5-bit prefix, so it's encoded as a
// single byte with no continuation.
func TestAppendIntSmallValue(t *testing.T) {
	dst := appendInt([]byte{0}, 5, 10)
	assert.Equal(t, []byte{10}, dst)
}

// RFC 7541 §C.1.2: 1337 needs two continuation bytes after a 5-bit
// prefix.
func TestAppendIntContinuation(t *testing.T) {
	dst := appendInt([]byte{0}, 5, 1337)
	assert.Equal(t, []byte{0x1f, 0x9a, 0x0a}, dst)
}

// RFC 7541 §C.1.3: 42 fits in a full 8-bit prefix.
func TestAppendIntOctetBoundary(t *testing.T) {
	dst := appendInt([]byte{0}, 8, 42)
	assert.Equal(t, []byte{42}, dst)
}

func TestIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 30, 31, 32, 127, 128, 1337, 16384, 1 << 20}
	prefixes := []int{4, 5, 6, 7, 8}

	for _, n := range prefixes {
		for _, v := range values {
			dst := appendInt([]byte{0}, n, v)
			rest, got, err := readInt(n, dst)
			require.NoError(t, err)
			assert.Equal(t, v, got)
			assert.Empty(t, rest)
		}
	}
}

func TestReadIntIncompleteYieldsUnexpectedSize(t *testing.T) {
	full := appendInt([]byte{0}, 5, 1337)
	_, _, err := readInt(5, full[:len(full)-1])
	assert.ErrorIs(t, err, ErrUnexpectedSize)
}

func TestHuffmanRoundTrip(t *testing.T) {
	samples := []string{
		"",
		"www.example.com",
		"no-cache",
		"custom-key",
		"custom-value",
		"Mon, 21 Oct 2013 20:13:21 GMT",
		"https://www.example.com",
		"a",
		"0123456789",
	}

	for _, s := range samples {
		encoded := appendHuffman(nil, []byte(s))
		decoded, err := appendHuffmanDecoded(nil, encoded)
		require.NoError(t, err)
		assert.Equal(t, s, string(decoded))
	}
}

func TestHuffmanRejectsEmbeddedEOS(t *testing.T) {
	// The EOS code is all ones and longer than any real symbol's code;
	// a buffer of nothing but 1 bits can never legally decode to a
	// symbol, since no valid codeword is a prefix of EOS: 30 one bits
	// in a row can only decode as EOS itself.
	_, err := appendHuffmanDecoded(nil, []byte{0xff, 0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestStringRoundTrip(t *testing.T) {
	for _, huff := range []bool{false, true} {
		dst := writeString(nil, []byte("private"), huff)
		value, rest, err := readString(nil, dst)
		require.NoError(t, err)
		assert.Equal(t, "private", string(value))
		assert.Empty(t, rest)
	}
}

func newHPACKPair() (*HPACK, *HPACK) {
	return AcquireHPack(), AcquireHPack()
}

func TestHPACKEncodeDecodeRoundTrip(t *testing.T) {
	enc, dec := newHPACKPair()
	defer ReleaseHPack(enc)
	defer ReleaseHPack(dec)

	enc.Add(":status", "302")
	enc.Add("cache-control", "private")
	enc.Add("date", "Mon, 21 Oct 2013 20:13:21 GMT")
	enc.Add("location", "https://www.example.com")

	block, err := enc.Write(nil)
	require.NoError(t, err)

	_, err = dec.Read(block)
	require.NoError(t, err)
	defer dec.releaseFields()

	require.Len(t, dec.fields, 4)
	assert.Equal(t, ":status", dec.fields[0].Key())
	assert.Equal(t, "302", dec.fields[0].Value())
	assert.Equal(t, "cache-control", dec.fields[1].Key())
	assert.Equal(t, "private", dec.fields[1].Value())
	assert.Equal(t, "date", dec.fields[2].Key())
	assert.Equal(t, "location", dec.fields[3].Key())
	assert.Equal(t, "https://www.example.com", dec.fields[3].Value())
}

// A second, near-identical response reuses the dynamic table entries
// the first block created, RFC 7541 §C.6.2: the encoder should emit
// shorter output and the decoder should still reconstruct the same
// fields from its mirrored dynamic table.
func TestHPACKDynamicTableReuse(t *testing.T) {
	enc, dec := newHPACKPair()
	defer ReleaseHPack(enc)
	defer ReleaseHPack(dec)

	enc.Add(":status", "302")
	enc.Add("cache-control", "private")
	enc.Add("date", "Mon, 21 Oct 2013 20:13:21 GMT")
	enc.Add("location", "https://www.example.com")
	first, err := enc.Write(nil)
	require.NoError(t, err)
	_, err = dec.Read(first)
	require.NoError(t, err)
	dec.releaseFields()

	require.Len(t, enc.dynamic, 4)
	require.Len(t, dec.dynamic, 4)
	assert.Equal(t, "location", enc.dynamic[0].Key())
	assert.Equal(t, ":status", enc.dynamic[3].Key())

	enc.Add(":status", "307")
	enc.Add("cache-control", "private")
	enc.Add("date", "Mon, 21 Oct 2013 20:13:21 GMT")
	enc.Add("location", "https://www.example.com")
	second, err := enc.Write(nil)
	require.NoError(t, err)

	// Reusing four already-indexed names should be far cheaper than
	// the first, fully literal block.
	assert.Less(t, len(second), len(first))

	_, err = dec.Read(second)
	require.NoError(t, err)
	defer dec.releaseFields()

	require.Len(t, dec.fields, 4)
	assert.Equal(t, "307", dec.fields[0].Value())
	assert.Equal(t, "https://www.example.com", dec.fields[3].Value())
}

func TestHPACKIndexedStaticField(t *testing.T) {
	enc, dec := newHPACKPair()
	defer ReleaseHPack(enc)
	defer ReleaseHPack(dec)

	enc.Add(":method", "GET")
	block, err := enc.Write(nil)
	require.NoError(t, err)
	// :method: GET is static table entry 2, a single fully-indexed byte.
	assert.Equal(t, []byte{0x82}, block)

	_, err = dec.Read(block)
	require.NoError(t, err)
	defer dec.releaseFields()
	require.Len(t, dec.fields, 1)
	assert.Equal(t, "GET", dec.fields[0].Value())
}

func TestHPACKSensitiveFieldNeverIndexed(t *testing.T) {
	enc := AcquireHPack()
	defer ReleaseHPack(enc)

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)
	hf.Set("cookie", "secret")
	hf.sensible = true

	dst := enc.AppendHeader(nil, hf, true)
	assert.Zero(t, len(enc.dynamic))
	assert.Equal(t, byte(0x10), dst[0]&0xf0)
}

func TestHPACKTableSizeUpdateEvicts(t *testing.T) {
	enc, dec := newHPACKPair()
	defer ReleaseHPack(enc)
	defer ReleaseHPack(dec)

	enc.Add("custom-key", "custom-value")
	block, err := enc.Write(nil)
	require.NoError(t, err)
	_, err = dec.Read(block)
	require.NoError(t, err)
	dec.releaseFields()
	require.Len(t, dec.dynamic, 1)

	dec.SetMaxTableSize(0)
	assert.Empty(t, dec.dynamic)
	assert.Zero(t, dec.tableSize)
}

func TestHPACKDisableCompressionSkipsHuffman(t *testing.T) {
	enc := AcquireHPack()
	defer ReleaseHPack(enc)
	enc.DisableCompression = true

	hf := AcquireHeaderField()
	defer ReleaseHeaderField(hf)
	hf.Set("x-test", "value")

	dst := enc.AppendHeader(nil, hf, false)
	// A literal without indexing, new name, encodes the H bit in the
	// high bit of the name-length byte; disabled compression means it
	// must be 0.
	nameLenByteIdx := 1 // byte 0 is the 0x00 representation flag
	assert.Zero(t, dst[nameLenByteIdx]&0x80)
}
