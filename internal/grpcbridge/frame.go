// gRPC message framing and the protobuf field-1 string convention the
// HttpUnary bridge service relies on. Grounded on the h2 package's
// frame-header codec style (fixed-size binary headers built by hand)
// and on google.golang.org/protobuf/encoding/protowire for the wire
// format itself, since nothing in the retrieved pack's dependency set
// is closer to "decode one protobuf field" than the canonical
// low-level protowire package.
package grpcbridge

import (
	"encoding/binary"
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrShortFrame is returned when a buffer ends mid gRPC message frame.
var ErrShortFrame = errors.New("grpcbridge: incomplete frame")

// EncodeMessage wraps msg in the standard gRPC 5-byte frame: a
// 1-byte compressed flag (always 0, the gateway never compresses
// bridged messages) followed by a 4-byte big-endian length.
func EncodeMessage(msg []byte) []byte {
	out := make([]byte, 5+len(msg))
	out[0] = 0
	binary.BigEndian.PutUint32(out[1:5], uint32(len(msg)))
	copy(out[5:], msg)
	return out
}

// DecodeMessages parses every complete gRPC frame in buf, returning
// the decoded message payloads and the number of bytes consumed.
// A trailing partial frame is left unconsumed for the next read.
func DecodeMessages(buf []byte) (msgs [][]byte, consumed int, err error) {
	for {
		if len(buf)-consumed < 5 {
			return msgs, consumed, nil
		}
		header := buf[consumed : consumed+5]
		length := binary.BigEndian.Uint32(header[1:5])
		end := consumed + 5 + int(length)
		if end > len(buf) {
			return msgs, consumed, nil
		}
		msgs = append(msgs, buf[consumed+5:end])
		consumed = end
	}
}

// EncodeStringField1 encodes s as protobuf field #1, wire type 2
// (length-delimited) — the convention HttpUnary uses to carry the
// backend HTTP path inside a gRPC request/response body.
func EncodeStringField1(s string) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.BytesType)
	out = protowire.AppendString(out, s)
	return out
}

// DecodeStringField1 extracts field #1 as a string from a protobuf
// message, per the same convention.
func DecodeStringField1(msg []byte) (string, error) {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		msg = msg[n:]

		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return "", protowire.ParseError(n)
			}
			return string(v), nil
		}

		n = protowire.ConsumeFieldValue(num, typ, msg)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		msg = msg[n:]
	}
	return "", errors.New("grpcbridge: field 1 not present")
}
