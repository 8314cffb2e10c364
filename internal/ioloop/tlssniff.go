package ioloop

import (
	"bufio"
	"net"
)

// tlsHandshakeByte is the first byte of a TLS record (content type
// 22, "handshake"); seeing it on a freshly accepted connection
// before any protocol-specific bytes means the client is starting a
// TLS handshake rather than speaking plaintext HTTP/1, HTTP/2, or a
// raw L4 protocol.
const tlsHandshakeByte = 0x16

// SniffTLS peeks at the first byte of conn without consuming it from
// the caller's perspective: it returns a net.Conn that replays the
// peeked byte ahead of any further reads, plus whether that byte
// looked like a TLS ClientHello.
func SniffTLS(conn net.Conn) (sniffed net.Conn, isTLS bool, err error) {
	br := bufio.NewReader(conn)
	b, err := br.Peek(1)
	if err != nil {
		return conn, false, err
	}
	return &peekedConn{Conn: conn, r: br}, b[0] == tlsHandshakeByte, nil
}

// peekedConn lets a bufio.Reader's look-ahead be transparently
// replayed to downstream Read calls, so peeking doesn't lose bytes.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}
