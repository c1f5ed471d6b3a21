// Package http2utils holds small byte-level helpers shared by the frame
// codec: big-endian integer packing, padding, and the zero-copy string
// conversions the rest of the engine relies on.
package http2utils

import (
	"crypto/rand"
	"errors"
	"reflect"
	"unsafe"

	"github.com/valyala/fastrand"
)

func Uint24ToBytes(b []byte, n uint32) {
	_ = b[2] // bound checking
	b[0] = byte(n >> 16)
	b[1] = byte(n >> 8)
	b[2] = byte(n)
}

func BytesToUint24(b []byte) uint32 {
	_ = b[2] // bound checking
	return uint32(b[0])<<16 |
		uint32(b[1])<<8 |
		uint32(b[2])
}

func AppendUint32Bytes(dst []byte, n uint32) []byte {
	dst = append(dst, byte(n>>24))
	dst = append(dst, byte(n>>16))
	dst = append(dst, byte(n>>8))
	dst = append(dst, byte(n))
	return dst
}

func Uint32ToBytes(b []byte, n uint32) {
	_ = b[3] // bound checking
	b[0] = byte(n >> 24)
	b[1] = byte(n >> 16)
	b[2] = byte(n >> 8)
	b[3] = byte(n)
}

func BytesToUint32(b []byte) uint32 {
	_ = b[3] // bound checking
	n := uint32(b[0])<<24 |
		uint32(b[1])<<16 |
		uint32(b[2])<<8 |
		uint32(b[3])
	return n
}

// EqualsFold reports whether a and b are equal ASCII byte slices,
// ignoring case. Used to match known header names without allocating.
func EqualsFold(a, b []byte) bool {
	n := len(a)
	if n != len(b) {
		return false
	}
	for i := 0; i < n; i++ {
		if a[i]|0x20 != b[i]|0x20 {
			return false
		}
	}
	return true
}

func Resize(b []byte, neededLen int) []byte {
	b = b[:cap(b)]

	if n := neededLen - len(b); n > 0 {
		b = append(b, make([]byte, n)...)
	}

	return b[:neededLen]
}

// ErrPaddingOutOfRange is returned when the PADDED flag's pad length byte
// claims more padding than the frame payload actually carries.
var ErrPaddingOutOfRange = errors.New("http2utils: pad length exceeds frame payload")

// CutPadding removes the PADDED-flag pad length byte and trailing padding
// bytes from payload, given the frame's declared payload length. Unlike
// an earlier draft of this helper, it never panics on malformed input:
// a frame with a bad pad length is an RFC 9113 §6.1 protocol violation
// reported to the caller as an error, not a process crash.
func CutPadding(payload []byte, length int) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrPaddingOutOfRange
	}

	pad := int(payload[0])
	if length-pad-1 < 0 || len(payload) < length-pad-1 {
		return nil, ErrPaddingOutOfRange
	}

	return payload[1 : length-pad], nil
}

// AddPadding prepends a pad-length byte and appends jittered random
// padding to b, returning the padded slice. The jitter comes from
// fastrand so that padding length doesn't leak a predictable pattern;
// the padding bytes themselves come from crypto/rand per RFC 9113 §6.1's
// recommendation that padding not be used as a covert channel.
func AddPadding(b []byte) []byte {
	n := int(fastrand.Uint32n(256-9)) + 9
	nn := len(b)

	b = Resize(b, nn+1+n)
	copy(b[1:nn+1], b[:nn])

	b[0] = uint8(n)

	rand.Read(b[nn+1 : nn+1+n])

	return b
}

// FastBytesToString converts a byte slice to a string without copying.
// The returned string must not outlive writes to b.
func FastBytesToString(b []byte) string {
	return *(*string)(unsafe.Pointer(&b))
}

// FastStringToBytes converts a string to a byte slice without copying.
// The returned slice must never be mutated.
func FastStringToBytes(s string) []byte {
	sh := (*reflect.StringHeader)(unsafe.Pointer(&s))
	bh := reflect.SliceHeader{
		Data: sh.Data,
		Len:  sh.Len,
		Cap:  sh.Len,
	}

	return *(*[]byte)(unsafe.Pointer(&bh))
}
