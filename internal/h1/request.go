// Hand-written HTTP/1 request parser: this state machine is the
// actual subject matter of the gateway's wire handling, not
// boilerplate to pull from net/http (whose server loop hides the very
// request-line/header/body states the gateway must expose and
// control directly, e.g. to keep header insertion order and to
// support a custom chunked-trailer policy).
package h1

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// State names one stage of the request parser's state machine.
type State int

const (
	ExpectRequestLine State = iota
	ExpectHeaders
	ExpectBody
	GotAll
)

// OrderedHeaders preserves insertion order for Set-Cookie/Via style
// multi-value headers while keeping O(1) lookup for everything else.
// Per the gateway's proxy semantics, a second Set() on the same name
// overwrites rather than appends — list-valued preservation only
// happens for headers the gateway explicitly treats as list-valued
// (see AddListValued).
type OrderedHeaders struct {
	names  []string // canonicalized, in first-seen order
	values map[string][]string
}

// NewOrderedHeaders builds an empty header set.
func NewOrderedHeaders() *OrderedHeaders {
	return &OrderedHeaders{values: make(map[string][]string)}
}

func canon(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Set stores name:value, overwriting any prior value(s) for name —
// "duplicate inserts overwrite to match proxy semantics."
func (h *OrderedHeaders) Set(name, value string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		h.names = append(h.names, key)
	}
	h.values[key] = []string{value}
}

// AddListValued appends value to name's value list instead of
// overwriting, for headers (Set-Cookie, Via) the gateway preserves as
// a list rather than folding.
func (h *OrderedHeaders) AddListValued(name, value string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		h.names = append(h.names, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Get returns the first value stored for name, and whether it exists.
func (h *OrderedHeaders) Get(name string) (string, bool) {
	vs, ok := h.values[canon(name)]
	if !ok || len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Values returns all values stored for name, in insertion order.
func (h *OrderedHeaders) Values(name string) []string {
	return h.values[canon(name)]
}

// Del removes name entirely.
func (h *OrderedHeaders) Del(name string) {
	key := canon(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, n := range h.names {
		if n == key {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

// Names returns header names in first-seen order.
func (h *OrderedHeaders) Names() []string { return h.names }

// listValuedHeaders are preserved as multi-value rather than folded,
// matching common proxy behaviour for headers that are legitimately
// repeated across a message.
var listValuedHeaders = map[string]bool{
	"set-cookie": true,
	"via":        true,
}

// Request is one fully parsed HTTP/1 message.
type Request struct {
	Method   string
	Path     string
	Query    string
	Version  string // "HTTP/1.0" or "HTTP/1.1"
	Headers  *OrderedHeaders
	Body     []byte
	Trailers *OrderedHeaders
}

// ParseError reports a malformed request; per spec the whole parse
// fails and the connection is closed with 400.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return e.Msg }

// Parser incrementally consumes bytes (as they arrive off the wire)
// and accumulates zero or more complete Requests — the server drains
// *all* complete requests from one read (pipelining).
type Parser struct {
	state   State
	buf     bytes.Buffer
	cur     *Request
	bodyLen int // remaining bytes for Content-Length mode
	chunked bool
	chunkDec *ChunkedReader
}

// NewParser builds an empty parser.
func NewParser() *Parser {
	return &Parser{state: ExpectRequestLine}
}

// Feed appends newly-read bytes and returns every Request that became
// complete as a result, plus an error if the parse failed (the caller
// must then close the connection with 400).
func (p *Parser) Feed(data []byte) ([]*Request, error) {
	p.buf.Write(data)
	var out []*Request

	for {
		switch p.state {
		case ExpectRequestLine:
			line, ok := p.readLine()
			if !ok {
				return out, nil
			}
			req, err := parseRequestLine(line)
			if err != nil {
				return out, err
			}
			p.cur = req
			p.state = ExpectHeaders

		case ExpectHeaders:
			for {
				line, ok := p.readLine()
				if !ok {
					return out, nil
				}
				if line == "" {
					break // blank line ends headers
				}
				name, value, err := parseHeaderLine(line)
				if err != nil {
					return out, err
				}
				if listValuedHeaders[canon(name)] {
					p.cur.Headers.AddListValued(name, value)
				} else {
					p.cur.Headers.Set(name, value)
				}
			}
			st, err := p.decideBodyState()
			if err != nil {
				return out, err
			}
			p.state = st

		case ExpectBody:
			done, err := p.consumeBody()
			if err != nil {
				return out, err
			}
			if !done {
				return out, nil
			}
			out = append(out, p.cur)
			p.cur = nil
			p.state = ExpectRequestLine

		case GotAll:
			out = append(out, p.cur)
			p.cur = nil
			p.state = ExpectRequestLine
		}
	}
}

// readLine extracts one CRLF-terminated line (without the CRLF) from
// the buffer if a full line is present; otherwise it leaves the
// buffer untouched and returns ok=false.
func (p *Parser) readLine() (string, bool) {
	return readLineBuf(&p.buf)
}

// readLineBuf is readLine's logic lifted to operate on any
// bytes.Buffer, so ChunkedReader can share it without depending on a
// Parser instance — it is used both for request bodies here and for
// backend response bodies in the session package.
func readLineBuf(buf *bytes.Buffer) (string, bool) {
	b := buf.Bytes()
	idx := bytes.Index(b, []byte("\r\n"))
	if idx < 0 {
		return "", false
	}
	line := string(b[:idx])
	buf.Next(idx + 2)
	return line, true
}

func parseRequestLine(line string) (*Request, error) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 {
		return nil, &ParseError{Msg: "malformed request line: " + line}
	}
	method, target, version := parts[0], parts[1], parts[2]
	if version != "HTTP/1.0" && version != "HTTP/1.1" {
		return nil, &ParseError{Msg: "unsupported version: " + version}
	}
	if method == "" || target == "" {
		return nil, &ParseError{Msg: "malformed request line: " + line}
	}

	path, query := target, ""
	if i := strings.IndexByte(target, '?'); i >= 0 {
		path, query = target[:i], target[i+1:]
	}

	return &Request{
		Method:   method,
		Path:     path,
		Query:    query,
		Version:  version,
		Headers:  NewOrderedHeaders(),
		Trailers: NewOrderedHeaders(),
	}, nil
}

func parseHeaderLine(line string) (name, value string, err error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", &ParseError{Msg: "malformed header line: " + line}
	}
	name = line[:idx]
	value = strings.TrimSpace(line[idx+1:])
	if name == "" {
		return "", "", &ParseError{Msg: "malformed header line: " + line}
	}
	return name, value, nil
}

func (p *Parser) decideBodyState() (State, error) {
	if te, ok := p.cur.Headers.Get("transfer-encoding"); ok && strings.Contains(strings.ToLower(te), "chunked") {
		p.chunked = true
		return ExpectBody, nil
	}
	p.chunked = false
	if cl, ok := p.cur.Headers.Get("content-length"); ok {
		n, err := strconv.Atoi(strings.TrimSpace(cl))
		if err != nil || n < 0 {
			return GotAll, &ParseError{Msg: "malformed content-length: " + cl}
		}
		p.bodyLen = n
		if n == 0 {
			return GotAll, nil
		}
		return ExpectBody, nil
	}
	return GotAll, nil
}

func (p *Parser) consumeBody() (bool, error) {
	if p.chunked {
		return p.consumeChunked()
	}
	return p.consumeContentLength()
}

func (p *Parser) consumeContentLength() (bool, error) {
	b := p.buf.Bytes()
	if len(b) < p.bodyLen {
		return false, nil
	}
	p.cur.Body = append(p.cur.Body, b[:p.bodyLen]...)
	p.buf.Next(p.bodyLen)
	p.bodyLen = 0
	return true, nil
}

func (p *Parser) consumeChunked() (bool, error) {
	if p.chunkDec == nil {
		p.chunkDec = NewChunkedReader()
	}
	done, err := p.chunkDec.Consume(&p.buf)
	if err != nil || !done {
		return false, err
	}
	p.cur.Body = p.chunkDec.Body()
	p.cur.Trailers = p.chunkDec.Trailers()
	p.chunkDec = nil
	return true, nil
}

// ChunkedReader incrementally decodes an RFC 7230 §4.1 chunked body
// (hex size line, chunk data, trailing CRLF, repeating until a
// zero-size chunk and optional trailers) off of an arbitrary
// bytes.Buffer. It is shared by the request parser above and by the
// session package's backend response reader, which needs the same
// framing logic to find a chunked response's end without maintaining
// a second, divergent implementation.
type ChunkedReader struct {
	body           []byte
	trailers       *OrderedHeaders
	chunkRemaining int
	inTrailers     bool
}

// NewChunkedReader builds an empty chunked-body decoder.
func NewChunkedReader() *ChunkedReader {
	return &ChunkedReader{trailers: NewOrderedHeaders()}
}

// Consume drains as much of buf as forms complete chunks/trailers,
// reporting whether the terminating zero-size chunk and its trailers
// have now been fully consumed. Bytes not yet forming a complete
// chunk-size line, full chunk, or trailer line are left in buf for a
// later call once more data has arrived.
func (c *ChunkedReader) Consume(buf *bytes.Buffer) (bool, error) {
	for {
		if c.inTrailers {
			line, ok := readLineBuf(buf)
			if !ok {
				return false, nil
			}
			if line == "" {
				c.inTrailers = false
				return true, nil
			}
			name, value, err := parseHeaderLine(line)
			if err != nil {
				return false, err
			}
			c.trailers.Set(name, value)
			continue
		}

		if c.chunkRemaining > 0 {
			b := buf.Bytes()
			if len(b) < c.chunkRemaining+2 { // +2 for trailing CRLF
				return false, nil
			}
			c.body = append(c.body, b[:c.chunkRemaining]...)
			buf.Next(c.chunkRemaining + 2)
			c.chunkRemaining = 0
			continue
		}

		line, ok := readLineBuf(buf)
		if !ok {
			return false, nil
		}
		sizeStr := line
		if i := strings.IndexByte(line, ';'); i >= 0 {
			sizeStr = line[:i]
		}
		sizeStr = strings.TrimSpace(sizeStr)
		size, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil || size < 0 {
			return false, &ParseError{Msg: fmt.Sprintf("malformed chunk size: %q", line)}
		}
		if size == 0 {
			c.inTrailers = true
			continue
		}
		c.chunkRemaining = int(size)
	}
}

// Body returns the chunk payloads decoded so far, concatenated.
func (c *ChunkedReader) Body() []byte { return c.body }

// Trailers returns any trailer headers that followed the terminating
// zero-size chunk.
func (c *ChunkedReader) Trailers() *OrderedHeaders { return c.trailers }
