package h2

import "strconv"

// SendResponse builds a single HEADERS frame (status, content-length,
// user headers) followed by one DATA frame, both with appropriate
// end flags — the non-streaming response path.
func (c *Conn) SendResponse(streamID uint32, status int, headers []HeaderField, body []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	fields := append([]HeaderField{
		{Name: ":status", Value: strconv.Itoa(status)},
		{Name: "content-length", Value: strconv.Itoa(len(body))},
	}, headers...)

	block := c.encoder.EncodeHeaders(fields)
	endStreamOnHeaders := len(body) == 0

	var out []byte
	hFlags := FlagEndHeaders
	if endStreamOnHeaders {
		hFlags |= FlagEndStream
	}
	out = AppendFrameHeader(out, uint32(len(block)), FrameHeaders, hFlags, streamID)
	out = append(out, block...)

	if !endStreamOnHeaders {
		out = AppendFrameHeader(out, uint32(len(body)), FrameData, FlagEndStream, streamID)
		out = append(out, body...)
	}
	return out
}

// SendHeaders writes a standalone HEADERS frame, for streaming
// responses (gRPC) that emit headers before any DATA.
func (c *Conn) SendHeaders(streamID uint32, headers []HeaderField, endStream bool) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := c.encoder.EncodeHeaders(headers)
	flags := FlagEndHeaders
	if endStream {
		flags |= FlagEndStream
	}
	var out []byte
	out = AppendFrameHeader(out, uint32(len(block)), FrameHeaders, flags, streamID)
	out = append(out, block...)
	return out
}

// SendData writes a DATA frame.
func (c *Conn) SendData(streamID uint32, payload []byte, endStream bool) []byte {
	var flags uint8
	if endStream {
		flags |= FlagEndStream
	}
	var out []byte
	out = AppendFrameHeader(out, uint32(len(payload)), FrameData, flags, streamID)
	out = append(out, payload...)
	return out
}

// SendTrailers writes a trailing HEADERS frame (END_STREAM, no body),
// used by gRPC to carry grpc-status/grpc-message after the message
// stream.
func (c *Conn) SendTrailers(streamID uint32, trailers []HeaderField) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	block := c.encoder.EncodeHeaders(trailers)
	var out []byte
	out = AppendFrameHeader(out, uint32(len(block)), FrameHeaders, FlagEndHeaders|FlagEndStream, streamID)
	out = append(out, block...)
	return out
}

// InitialSettingsFrame builds the SETTINGS frame the gateway sends
// immediately after receiving the client preface.
func InitialSettingsFrame() []byte {
	return AppendFrameHeader(nil, 0, FrameSettings, 0, 0)
}
