package h2

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Settings identifiers this gateway recognizes (the rest are ignored,
// per spec).
const settingHeaderTableSize = 0x1

// Request is one completed HTTP/2 request handed up to the session
// engine once a stream's HEADERS/CONTINUATION sequence ends with
// END_HEADERS and (eventually) END_STREAM.
type Request struct {
	StreamID     uint32
	PseudoMethod string
	PseudoPath   string
	PseudoScheme string
	PseudoAuth   string
	Headers      []HeaderField
	Body         []byte
}

type streamState struct {
	headerBlock []byte
	headers     []HeaderField
	body        []byte
	endStream   bool
	gotHeaders  bool
}

// Conn tracks one HTTP/2 connection's frame-level state: preface
// handshake, SETTINGS application, PING echo, and per-stream header
// block reassembly feeding into completed Requests.
type Conn struct {
	mu      sync.Mutex
	decoder *Decoder
	encoder *Encoder

	prefaceConsumed bool
	streams         map[uint32]*streamState

	// OnRequest is invoked (outside the lock) once a stream completes
	// with END_STREAM; the session engine supplies this.
	OnRequest func(Request)
	// OnNeedWrite is invoked with raw bytes the caller must write to
	// the underlying connection (SETTINGS ACK, PING ACK, etc).
	OnNeedWrite func([]byte)
}

// NewConn builds a connection-level FSM with its own HPACK codec.
func NewConn() *Conn {
	return &Conn{
		decoder: NewDecoder(4096),
		encoder: NewEncoder(),
		streams: make(map[uint32]*streamState),
	}
}

var errBadPreface = errors.New("h2: bad connection preface")

// ConsumePreface strips and validates the 24-byte client preface from
// the front of buf, returning the remainder.
func (c *Conn) ConsumePreface(buf []byte) ([]byte, error) {
	if len(buf) < len(Preface) {
		return buf, nil // wait for more bytes
	}
	if string(buf[:len(Preface)]) != Preface {
		return nil, errBadPreface
	}
	c.prefaceConsumed = true
	return buf[len(Preface):], nil
}

// HandleFrame processes one fully-buffered frame (header + payload).
func (c *Conn) HandleFrame(h FrameHeader, payload []byte) error {
	switch h.Type {
	case FrameSettings:
		return c.handleSettings(h, payload)
	case FramePing:
		return c.handlePing(h, payload)
	case FrameHeaders:
		return c.handleHeaders(h, payload)
	case FrameContinuation:
		return c.handleContinuation(h, payload)
	case FrameData:
		return c.handleData(h, payload)
	case FrameWindowUpdate, FrameRSTStream, FramePriority, FrameGoAway, FramePushPromise:
		return nil // intentionally ignored, see design notes on flow control
	default:
		return nil
	}
}

func (c *Conn) handleSettings(h FrameHeader, payload []byte) error {
	if h.Flags&FlagAck != 0 {
		return nil
	}
	if len(payload)%6 != 0 {
		return errors.New("h2: malformed SETTINGS frame")
	}
	for i := 0; i+6 <= len(payload); i += 6 {
		id := binary.BigEndian.Uint16(payload[i : i+2])
		val := binary.BigEndian.Uint32(payload[i+2 : i+6])
		if id == settingHeaderTableSize {
			c.decoder.SetMaxDynamicTableSize(val)
		}
	}
	if c.OnNeedWrite != nil {
		ack := AppendFrameHeader(nil, 0, FrameSettings, FlagAck, 0)
		c.OnNeedWrite(ack)
	}
	return nil
}

func (c *Conn) handlePing(h FrameHeader, payload []byte) error {
	if h.Flags&FlagAck != 0 {
		return nil
	}
	if len(payload) != 8 {
		return errors.New("h2: malformed PING frame")
	}
	if c.OnNeedWrite != nil {
		out := AppendFrameHeader(nil, 8, FramePing, FlagAck, 0)
		out = append(out, payload...)
		c.OnNeedWrite(out)
	}
	return nil
}

func (c *Conn) streamFor(id uint32) *streamState {
	st, ok := c.streams[id]
	if !ok {
		st = &streamState{}
		c.streams[id] = st
	}
	return st
}

func (c *Conn) handleHeaders(h FrameHeader, payload []byte) error {
	payload, err := stripPadding(payload, h.Flags)
	if err != nil {
		return err
	}
	payload, err = stripPriority(payload, h.Flags)
	if err != nil {
		return err
	}

	st := c.streamFor(h.StreamID)
	st.headerBlock = append(st.headerBlock, payload...)
	if h.Flags&FlagEndStream != 0 {
		st.endStream = true
	}
	if h.Flags&FlagEndHeaders != 0 {
		if err := c.completeHeaders(h.StreamID, st); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) handleContinuation(h FrameHeader, payload []byte) error {
	st := c.streamFor(h.StreamID)
	st.headerBlock = append(st.headerBlock, payload...)
	if h.Flags&FlagEndHeaders != 0 {
		if err := c.completeHeaders(h.StreamID, st); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) completeHeaders(streamID uint32, st *streamState) error {
	fields, err := c.decoder.DecodeFull(st.headerBlock)
	if err != nil {
		return err
	}
	st.headers = fields
	st.gotHeaders = true
	st.headerBlock = nil

	if st.endStream {
		c.emit(streamID, st)
	}
	return nil
}

func (c *Conn) handleData(h FrameHeader, payload []byte) error {
	payload, err := stripPadding(payload, h.Flags)
	if err != nil {
		return err
	}
	st := c.streamFor(h.StreamID)
	st.body = append(st.body, payload...)
	if h.Flags&FlagEndStream != 0 {
		st.endStream = true
		if st.gotHeaders {
			c.emit(h.StreamID, st)
		}
	}
	return nil
}

func (c *Conn) emit(streamID uint32, st *streamState) {
	req := Request{StreamID: streamID, Body: st.body}
	for _, f := range st.headers {
		switch f.Name {
		case ":method":
			req.PseudoMethod = f.Value
		case ":path":
			req.PseudoPath = f.Value
		case ":scheme":
			req.PseudoScheme = f.Value
		case ":authority":
			req.PseudoAuth = f.Value
		default:
			req.Headers = append(req.Headers, f)
		}
	}
	delete(c.streams, streamID)
	if c.OnRequest != nil {
		c.OnRequest(req)
	}
}
