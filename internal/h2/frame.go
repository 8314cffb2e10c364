// Hand-written HTTP/2 frame header parser and stream FSM: this state
// machine is the subject of the gateway's protocol handling, so it is
// not pulled from golang.org/x/net/http2 (whose own frame/connection
// types assume they own the full connection lifecycle). The HPACK
// codec itself is the one piece reused from the ecosystem — see
// hpack.go — since table maintenance and Huffman coding are pure
// wire-format mechanics, not gateway-specific behavior.
package h2

import (
	"encoding/binary"
	"errors"
)

// FrameType is the one-byte HTTP/2 frame type field.
type FrameType uint8

const (
	FrameData        FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

// Frame flags relevant to the subset of frame types this gateway
// handles.
const (
	FlagEndStream  uint8 = 0x1
	FlagEndHeaders uint8 = 0x4
	FlagPadded     uint8 = 0x8
	FlagPriority   uint8 = 0x20
	FlagAck        uint8 = 0x1
)

// Preface is the 24-byte client connection preface.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// FrameHeader is the 9-byte frame header every HTTP/2 frame starts with.
type FrameHeader struct {
	Length   uint32 // 24 bits
	Type     FrameType
	Flags    uint8
	StreamID uint32 // 31 bits
}

var errShortFrameHeader = errors.New("h2: frame header shorter than 9 bytes")

// ParseFrameHeader decodes the 9-byte header from buf.
func ParseFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < 9 {
		return FrameHeader{}, errShortFrameHeader
	}
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	typ := FrameType(buf[3])
	flags := buf[4]
	streamID := binary.BigEndian.Uint32(buf[5:9]) & 0x7fffffff
	return FrameHeader{Length: length, Type: typ, Flags: flags, StreamID: streamID}, nil
}

// AppendFrameHeader writes a 9-byte frame header to dst.
func AppendFrameHeader(dst []byte, length uint32, typ FrameType, flags uint8, streamID uint32) []byte {
	dst = append(dst,
		byte(length>>16), byte(length>>8), byte(length),
		byte(typ), flags,
		byte(streamID>>24), byte(streamID>>16), byte(streamID>>8), byte(streamID),
	)
	return dst
}

// stripPadding removes PADDED-frame padding, returning the
// unpadded payload. payload must already exclude the frame header.
func stripPadding(payload []byte, flags uint8) ([]byte, error) {
	if flags&FlagPadded == 0 {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, errors.New("h2: padded frame missing pad length")
	}
	padLen := int(payload[0])
	payload = payload[1:]
	if padLen > len(payload) {
		return nil, errors.New("h2: pad length exceeds frame payload")
	}
	return payload[:len(payload)-padLen], nil
}

// stripPriority removes the 5-byte PRIORITY block HEADERS frames
// carry when FlagPriority is set.
func stripPriority(payload []byte, flags uint8) ([]byte, error) {
	if flags&FlagPriority == 0 {
		return payload, nil
	}
	if len(payload) < 5 {
		return nil, errors.New("h2: priority flag set but payload too short")
	}
	return payload[5:], nil
}
