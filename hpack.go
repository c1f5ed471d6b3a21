package http2

import (
	"errors"
	"sync"

	"github.com/nomadlabsinc/ht2/http2utils"
)

// Limits enforced while decoding, independent of anything the peer
// advertises, so a malicious HPACK stream can't force unbounded
// allocation (the HPACK bomb family of attacks).
const (
	maxIntContinuationBytes = 6
	maxHPACKInteger         = 1 << 24
	maxFieldsPerHeaderBlock = 8192

	// maxDynamicTableEntries bounds the dynamic table's entry count
	// independently of its byte size: a table filled with many
	// minimum-size entries (empty name and value, 32 bytes of
	// accounting overhead each) would otherwise be free to grow to
	// maxTableSize/32 entries, which a large negotiated table size
	// could still turn into an expensive slice to scan and shift on
	// every insertion.
	maxDynamicTableEntries = 512
)

var (
	errHPACKIndex         = errors.New("http2: invalid HPACK table index")
	errIntegerOverflow    = errors.New("http2: HPACK integer too large")
	errTooManyFields      = errors.New("http2: too many header fields in one block")
	errTableSizeTooBig    = errors.New("http2: dynamic table size update exceeds the negotiated maximum")
	errHeaderListTooLarge = errors.New("http2: decoded header list exceeds MAX_HEADER_LIST_SIZE")
)

// HPACK implements the header compression scheme of RFC 7541. One
// instance decodes (or encodes) in a single direction only; a
// connection keeps one for each direction since the dynamic tables are
// independent.
//
// Use AcquireHPack to obtain an instance from the pool.
type HPACK struct {
	dynamic   []*HeaderField // newest entry first, RFC 7541 §2.3.2
	tableSize int            // current byte size of the dynamic table

	maxTableSize int // cap applied on insert/eviction and on Dynamic Table Size Update

	// headerListSize is the running total of name.len+value.len+32 for
	// every field decoded since the last ResetHeaderListSize, the HPACK
	// bomb defense of RFC 7541 §4.3/spec.md's decoder: a value that
	// claims to be enormous but is backed by few actual bytes still
	// costs nothing extra to reject here, but a long run of small
	// legitimate-looking fields that together decompress far past what
	// the peer declared it would send does. Checked against
	// maxHeaderListSize after every field nextField produces.
	headerListSize    int
	maxHeaderListSize int // 0 means unlimited; callers should set this from their own SETTINGS_MAX_HEADER_LIST_SIZE

	fields  []*HeaderField // fields decoded by the last Read call
	pending []*HeaderField // fields queued by Add, encoded by the next Write

	// DisableCompression turns off Huffman coding of literal strings.
	// Useful for inspecting wire bytes in tests; production traffic
	// always benefits from Huffman so this defaults to false.
	DisableCompression bool
}

var hpackPool = sync.Pool{
	New: func() interface{} {
		hp := &HPACK{}
		hp.maxTableSize = defaultHeaderTableSize
		hp.maxHeaderListSize = defaultMaxHeaderListSize
		return hp
	},
}

// AcquireHPack gets an HPACK instance from the pool.
func AcquireHPack() *HPACK {
	return hpackPool.Get().(*HPACK)
}

// ReleaseHPack resets hpack and returns it to the pool.
func ReleaseHPack(hpack *HPACK) {
	hpack.Reset()
	hpackPool.Put(hpack)
}

// Reset clears hpack back to a fresh connection's starting state.
func (hp *HPACK) Reset() {
	for _, e := range hp.dynamic {
		ReleaseHeaderField(e)
	}
	hp.dynamic = hp.dynamic[:0]
	hp.tableSize = 0
	hp.maxTableSize = defaultHeaderTableSize
	hp.headerListSize = 0
	hp.maxHeaderListSize = defaultMaxHeaderListSize
	hp.DisableCompression = false
	hp.releaseFields()
	for _, e := range hp.pending {
		ReleaseHeaderField(e)
	}
	hp.pending = hp.pending[:0]
}

// releaseFields returns every field decoded since the last call back to
// the HeaderField pool and empties hp.fields.
func (hp *HPACK) releaseFields() {
	for _, hf := range hp.fields {
		ReleaseHeaderField(hf)
	}
	hp.fields = hp.fields[:0]
}

// SetMaxTableSize sets the cap applied to the dynamic table, evicting
// entries immediately if the new cap is smaller than the current size.
// Called both when a SETTINGS_HEADER_TABLE_SIZE negotiation completes
// and, on the decode side, when the peer sends a Dynamic Table Size
// Update inside a header block.
func (hp *HPACK) SetMaxTableSize(n int) {
	if n < 0 {
		n = 0
	}
	hp.maxTableSize = n
	hp.evict()
}

// SetMaxHeaderListSize sets the cap checked against the cumulative
// name.len+value.len+32 cost of a decoded header list, RFC 7541 §4.3's
// HPACK bomb defense. n <= 0 disables the check.
func (hp *HPACK) SetMaxHeaderListSize(n int) {
	hp.maxHeaderListSize = n
}

// ResetHeaderListSize zeroes the running header-list byte total. Call
// at the start of each new header block (a HEADERS frame, not a
// CONTINUATION continuing one): MAX_HEADER_LIST_SIZE bounds a single
// request's decompressed header list, not the connection's lifetime
// total.
func (hp *HPACK) ResetHeaderListSize() {
	hp.headerListSize = 0
}

// accountHeaderListSize adds hf's decompressed cost to the running
// total and reports errHeaderListTooLarge once it exceeds
// maxHeaderListSize, before the field is handed back to the caller.
func (hp *HPACK) accountHeaderListSize(hf *HeaderField) error {
	if hp.maxHeaderListSize <= 0 {
		return nil
	}
	hp.headerListSize += len(hf.KeyBytes()) + len(hf.ValueBytes()) + 32
	if hp.headerListSize > hp.maxHeaderListSize {
		return errHeaderListTooLarge
	}
	return nil
}

func (hp *HPACK) evict() {
	for hp.tableSize > hp.maxTableSize && len(hp.dynamic) > 0 {
		last := hp.dynamic[len(hp.dynamic)-1]
		hp.tableSize -= last.Size()
		hp.dynamic = hp.dynamic[:len(hp.dynamic)-1]
		ReleaseHeaderField(last)
	}
}

// addDynamic inserts a standalone (non-pooled-by-caller) HeaderField at
// the front of the dynamic table, RFC 7541 §2.3.2, evicting from the
// back until the table fits within maxTableSize. An entry larger than
// maxTableSize empties the table instead of being inserted, RFC 7541
// §4.4.
func (hp *HPACK) addDynamic(hf *HeaderField) {
	sz := hf.Size()
	if sz > hp.maxTableSize {
		hp.evictAll()
		ReleaseHeaderField(hf)
		return
	}

	hp.dynamic = append(hp.dynamic, nil)
	copy(hp.dynamic[1:], hp.dynamic[:len(hp.dynamic)-1])
	hp.dynamic[0] = hf
	hp.tableSize += sz

	hp.evict()

	for len(hp.dynamic) > maxDynamicTableEntries {
		last := hp.dynamic[len(hp.dynamic)-1]
		hp.tableSize -= last.Size()
		hp.dynamic = hp.dynamic[:len(hp.dynamic)-1]
		ReleaseHeaderField(last)
	}
}

func (hp *HPACK) evictAll() {
	for _, e := range hp.dynamic {
		ReleaseHeaderField(e)
	}
	hp.dynamic = hp.dynamic[:0]
	hp.tableSize = 0
}

// at resolves a 1-based HPACK index (static table, then dynamic table)
// to its name/value pair.
func (hp *HPACK) at(index int) (name, value []byte, err error) {
	if index <= 0 {
		return nil, nil, errHPACKIndex
	}

	if index <= len(staticTable) {
		e := staticTable[index-1]
		return http2utils.FastStringToBytes(e.name), http2utils.FastStringToBytes(e.value), nil
	}

	di := index - len(staticTable) - 1
	if di < 0 || di >= len(hp.dynamic) {
		return nil, nil, errHPACKIndex
	}

	e := hp.dynamic[di]
	return e.KeyBytes(), e.ValueBytes(), nil
}

// Add queues a header field to be encoded by the next call to Write.
func (hp *HPACK) Add(k, v string) {
	hf := AcquireHeaderField()
	hf.Set(k, v)
	hp.pending = append(hp.pending, hf)
}

// Write encodes every field queued by Add, in order, appending the
// result to dst. Every field goes through AppendHeader with store set:
// a field already present as an exact name+value match in the static
// or dynamic table is emitted as an indexed field, anything else as a
// literal with incremental indexing, matching how a server response
// header block is normally built.
func (hp *HPACK) Write(dst []byte) ([]byte, error) {
	for _, hf := range hp.pending {
		dst = hp.AppendHeader(dst, hf, true)
		ReleaseHeaderField(hf)
	}
	hp.pending = hp.pending[:0]
	return dst, nil
}

// AppendHeader encodes hf and appends the representation to dst. store
// requests incremental indexing (the field is added to the dynamic
// table); it is ignored, and the field is always encoded as never
// indexed, when hf is marked sensitive (RFC 7541 §7.1).
func (hp *HPACK) AppendHeader(dst []byte, hf *HeaderField, store bool) []byte {
	name, value := hf.KeyBytes(), hf.ValueBytes()
	sensible := hf.IsSensible()

	full, nameIdx := staticTableLookupBytes(name, value)
	if full == 0 {
		full, nameIdx = hp.dynamicLookup(name, value, nameIdx)
	}

	if full != 0 && !sensible {
		dst = append(dst, 0x80)
		return appendInt(dst, 7, uint64(full))
	}

	switch {
	case sensible:
		dst = append(dst, 0x10)
		dst = hp.appendLiteral(dst, 4, nameIdx, name, value)
	case store:
		dst = append(dst, 0x40)
		dst = hp.appendLiteral(dst, 6, nameIdx, name, value)
		cp := AcquireHeaderField()
		cp.SetBytes(name, value)
		hp.addDynamic(cp)
	default:
		dst = append(dst, 0x00)
		dst = hp.appendLiteral(dst, 4, nameIdx, name, value)
	}

	return dst
}

func (hp *HPACK) appendLiteral(dst []byte, prefixBits, nameIdx int, name, value []byte) []byte {
	if nameIdx > 0 {
		dst = appendInt(dst, prefixBits, uint64(nameIdx))
	} else {
		dst = appendInt(dst, prefixBits, 0)
		dst = writeString(dst, name, !hp.DisableCompression)
	}
	return writeString(dst, value, !hp.DisableCompression)
}

// dynamicLookup searches the dynamic table for name(+value). staticName
// is the name-only index already found in the static table, if any;
// the dynamic table is only consulted for a name-only match when the
// static table didn't have one.
func (hp *HPACK) dynamicLookup(name, value []byte, staticName int) (full, nameOnly int) {
	nameOnly = staticName
	base := len(staticTable)

	for i, e := range hp.dynamic {
		if string(e.KeyBytes()) != string(name) {
			continue
		}
		if nameOnly == 0 {
			nameOnly = base + i + 1
		}
		if string(e.ValueBytes()) == string(value) {
			return base + i + 1, nameOnly
		}
	}

	return 0, nameOnly
}

func staticTableLookupBytes(name, value []byte) (full, nameOnly int) {
	return staticTableLookup(http2utils.FastBytesToString(name), http2utils.FastBytesToString(value))
}

// Read decodes every header representation in b, a complete header
// block with no CONTINUATION framing, appending the decoded fields to
// hp.fields. Call releaseFields between blocks to return them to the
// pool. Connection code that must cope with a header block split
// across CONTINUATION frames uses nextField directly instead.
func (hp *HPACK) Read(b []byte) ([]byte, error) {
	hp.ResetHeaderListSize()

	for len(b) > 0 {
		hf := AcquireHeaderField()

		rest, err := hp.nextField(hf, 0, len(hp.fields), b)
		if err != nil {
			ReleaseHeaderField(hf)
			return b, err
		}

		hp.fields = append(hp.fields, hf)
		b = rest
	}

	return b, nil
}

// nextField decodes one header representation from b into hf (reusing
// it rather than allocating), returning the remaining bytes. A Dynamic
// Table Size Update carries no field and is absorbed internally, so a
// single call can consume more than one representation.
//
// fieldsProcessed bounds how many fields this header block has already
// produced, defending against a block encoded entirely as a storm of
// 1-byte indexed representations (an HPACK-bomb variant); blockNum is
// accepted for callers that want to fold it into their own accounting
// but isn't otherwise interpreted here.
func (hp *HPACK) nextField(hf *HeaderField, blockNum, fieldsProcessed int, b []byte) ([]byte, error) {
	_ = blockNum

	if fieldsProcessed >= maxFieldsPerHeaderBlock {
		return b, errTooManyFields
	}

	hf.Reset()

	for {
		if len(b) == 0 {
			return b, ErrMissingBytes
		}

		first := b[0]

		switch {
		case first&0x80 != 0: // indexed header field
			rest, idx, err := readInt(7, b)
			if err != nil {
				return b, err
			}

			name, value, err := hp.at(int(idx))
			if err != nil {
				return b, err
			}

			hf.SetKeyBytes(name)
			hf.SetValueBytes(value)
			if err := hp.accountHeaderListSize(hf); err != nil {
				return rest, err
			}
			return rest, nil

		case first&0x40 != 0: // literal with incremental indexing
			return hp.decodeLiteral(hf, b, 6, true, false)

		case first&0x20 != 0: // dynamic table size update
			rest, sz, err := readInt(5, b)
			if err != nil {
				return b, err
			}
			if uint64(sz) > uint64(hp.maxTableSize) {
				return b, errTableSizeTooBig
			}
			hp.SetMaxTableSize(int(sz))
			b = rest
			continue

		default: // literal without indexing (0x00) or never indexed (0x10)
			never := first&0x10 != 0
			return hp.decodeLiteral(hf, b, 4, false, never)
		}
	}
}

func (hp *HPACK) decodeLiteral(hf *HeaderField, b []byte, prefixBits int, store, sensible bool) ([]byte, error) {
	rest, nameIdx, err := readInt(prefixBits, b)
	if err != nil {
		return b, err
	}
	b = rest

	var name []byte
	if nameIdx == 0 {
		var nameBuf []byte
		nameBuf, b, err = readString(nil, b)
		if err != nil {
			return b, err
		}
		name = nameBuf
	} else {
		n, _, e := hp.at(int(nameIdx))
		if e != nil {
			return b, e
		}
		name = n
	}

	value, rest2, err := readString(nil, b)
	if err != nil {
		return b, err
	}
	b = rest2

	hf.SetKeyBytes(name)
	hf.SetValueBytes(value)
	hf.sensible = sensible

	if store {
		cp := AcquireHeaderField()
		cp.SetBytes(name, value)
		hp.addDynamic(cp)
	}

	if err := hp.accountHeaderListSize(hf); err != nil {
		return b, err
	}

	return b, nil
}

// appendInt encodes i using n prefix bits, RFC 7541 §5.1. dst must
// already have its last byte appended with the representation's flag
// bits set and the low n bits zeroed; appendInt ORs the value's low
// bits into that byte and appends continuation bytes as needed.
func appendInt(dst []byte, n int, i uint64) []byte {
	k := uint64(1<<uint(n) - 1)

	if i < k {
		dst[len(dst)-1] |= byte(i)
		return dst
	}

	dst[len(dst)-1] |= byte(k)
	i -= k

	for i >= 128 {
		dst = append(dst, byte(i&0x7f)|0x80)
		i >>= 7
	}

	return append(dst, byte(i))
}

// readInt decodes an n-bit-prefixed integer from the front of b,
// returning the remaining bytes. It caps both the number of
// continuation bytes and the resulting value to defend against
// integer-overflow-flavored HPACK bombs; a buffer that ends mid
// integer yields ErrUnexpectedSize so the caller can wait for more
// bytes from a CONTINUATION frame instead of treating it as malformed.
func readInt(n int, b []byte) (rest []byte, value uint64, err error) {
	if len(b) == 0 {
		return b, 0, ErrMissingBytes
	}

	mask := byte(1<<uint(n) - 1)
	value = uint64(b[0] & mask)
	b = b[1:]

	if value < uint64(mask) {
		return b, value, nil
	}

	var shift uint
	for i := 0; ; i++ {
		if i >= maxIntContinuationBytes {
			return b, 0, errIntegerOverflow
		}
		if len(b) == 0 {
			return b, 0, ErrUnexpectedSize
		}

		c := b[0]
		b = b[1:]

		value += uint64(c&0x7f) << shift
		if value > maxHPACKInteger {
			return b, 0, errIntegerOverflow
		}

		shift += 7
		if c&0x80 == 0 {
			break
		}
	}

	return b, value, nil
}

// writeString encodes src as an HPACK string literal and appends it to
// dst, Huffman-coding it when huffman is true.
func writeString(dst, src []byte, huffman bool) []byte {
	if huffman {
		dst = append(dst, 0x80)
		dst = appendInt(dst, 7, uint64(huffmanEncodedLen(src)))
		return appendHuffman(dst, src)
	}

	dst = append(dst, 0x00)
	dst = appendInt(dst, 7, uint64(len(src)))
	return append(dst, src...)
}

// readString decodes an HPACK string literal from the front of src,
// appending the decoded value to dst, and returns the remaining bytes.
func readString(dst, src []byte) (value, rest []byte, err error) {
	if len(src) == 0 {
		return dst, src, ErrMissingBytes
	}

	huff := src[0]&0x80 != 0

	rest, n, err := readInt(7, src)
	if err != nil {
		return dst, src, err
	}

	if n > maxHPACKInteger {
		return dst, src, errIntegerOverflow
	}

	if uint64(len(rest)) < n {
		return dst, src, ErrUnexpectedSize
	}

	raw := rest[:n]
	rest = rest[n:]

	if huff {
		dst, err = appendHuffmanDecoded(dst, raw)
		if err != nil {
			return dst, src, err
		}
	} else {
		dst = append(dst, raw...)
	}

	return dst, rest, nil
}
