package http2

import (
	"bufio"
	"bytes"
)

// ConnectionPreface is the 24-octet magic clients send before the first
// frame, confirming they are speaking HTTP/2 and not some other
// protocol that happens to share the port. RFC 9113 §3.4.
const ConnectionPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// WritePreface writes the connection preface to bw. Only clients send
// it; a server-side connection never calls this.
func WritePreface(bw *bufio.Writer) error {
	_, err := bw.WriteString(ConnectionPreface)
	if err != nil {
		return err
	}
	return bw.Flush()
}

// ReadPreface reads and validates the connection preface from br. The
// server-side connection engine calls this before reading any frames;
// a mismatch is not a recoverable protocol error, it means the peer
// isn't speaking HTTP/2 at all, so the caller should simply close the
// connection rather than reply with GOAWAY.
func ReadPreface(br *bufio.Reader) error {
	buf := make([]byte, len(ConnectionPreface))
	if _, err := bufReadFull(br, buf); err != nil {
		return err
	}

	if !bytes.Equal(buf, []byte(ConnectionPreface)) {
		return ErrBadPreface
	}

	return nil
}

func bufReadFull(br *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := br.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
