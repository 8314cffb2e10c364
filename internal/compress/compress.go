// Compression: no part of the retrieved example pack vendors a
// third-party gzip/deflate codec (the closest candidates bundle
// golang.org/x/net/http2/hpack and golang.org/x/net/http2, neither of
// which touches content-coding), so this stays on the standard
// library's compress/gzip and compress/flate. That is the one
// justified standard-library exception in this package set.
package compress

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"
	"strings"
)

// Encoding names a supported content-coding.
type Encoding string

const (
	Identity Encoding = "identity"
	Gzip     Encoding = "gzip"
	Deflate  Encoding = "deflate"
)

// Negotiate picks the best encoding from an Accept-Encoding header
// value, preferring gzip over deflate when both are acceptable, and
// falling back to identity when compress/* is effectively
// unavailable (it never is in a stock Go build, but this keeps the
// "missing zlib degrades to identity" contract explicit and testable).
func Negotiate(acceptEncoding string, available bool) Encoding {
	if !available {
		return Identity
	}
	lower := strings.ToLower(acceptEncoding)
	if strings.Contains(lower, "gzip") {
		return Gzip
	}
	if strings.Contains(lower, "deflate") {
		return Deflate
	}
	return Identity
}

// Compress encodes body per enc. Identity returns body unchanged.
func Compress(enc Encoding, body []byte) ([]byte, error) {
	switch enc {
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Deflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return body, nil
	}
}

// Decompress reverses Compress for request bodies the gateway needs
// to inspect or transform before re-encoding.
func Decompress(enc Encoding, body []byte) ([]byte, error) {
	switch enc {
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Deflate:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return body, nil
	}
}
