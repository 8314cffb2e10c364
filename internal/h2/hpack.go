// HPACK codec built directly on golang.org/x/net/http2/hpack: table
// maintenance, integer/string coding, and Huffman are pure RFC 7541
// wire mechanics with no gateway-specific behavior, so the ecosystem
// implementation is used as-is rather than hand-rolled.
package h2

import (
	"bytes"

	"golang.org/x/net/http2/hpack"
)

// HeaderField is a decoded or to-be-encoded header.
type HeaderField struct {
	Name  string
	Value string
}

// Decoder wraps hpack.Decoder with the dynamic-table-size-update
// semantics the connection FSM needs: a fresh decoder per connection,
// fed one HEADERS/CONTINUATION block at a time.
type Decoder struct {
	inner *hpack.Decoder
	out   []HeaderField
}

// NewDecoder builds a per-connection HPACK decoder.
func NewDecoder(maxTableSize uint32) *Decoder {
	d := &Decoder{}
	d.inner = hpack.NewDecoder(maxTableSize, func(f hpack.HeaderField) {
		d.out = append(d.out, HeaderField{Name: f.Name, Value: f.Value})
	})
	return d
}

// DecodeFull decodes one complete header block (already assembled
// across any CONTINUATION frames) into an ordered header-field
// slice. The decoder's dynamic table persists across calls, as
// required for a connection that sent "Literal Header Field with
// Incremental Indexing" entries in an earlier block.
func (d *Decoder) DecodeFull(block []byte) ([]HeaderField, error) {
	d.out = d.out[:0]
	if _, err := d.inner.Write(block); err != nil {
		return nil, err
	}
	if err := d.inner.Close(); err != nil {
		return nil, err
	}
	out := make([]HeaderField, len(d.out))
	copy(out, d.out)
	return out, nil
}

// SetMaxDynamicTableSize applies a peer SETTINGS_HEADER_TABLE_SIZE update.
func (d *Decoder) SetMaxDynamicTableSize(size uint32) {
	d.inner.SetMaxDynamicTableSize(size)
}

// Encoder wraps hpack.Encoder with its dynamic table pinned to 0. A
// field whose name and value match a static-table entry is emitted as
// an indexed reference, every other field as a literal without
// indexing; name and value strings are Huffman-coded whenever that is
// shorter, so header text does not appear verbatim in the output.
type Encoder struct {
	buf   bytes.Buffer
	inner *hpack.Encoder
}

// NewEncoder builds a per-connection HPACK encoder. The dynamic
// table size is pinned to 0, so hpack.Encoder never chooses the
// incremental-indexing representation and nothing is ever added to
// either side's dynamic table.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.inner = hpack.NewEncoder(&e.buf)
	e.inner.SetMaxDynamicTableSize(0)
	return e
}

// EncodeHeaders encodes fields into the encoder's buffer as described
// on Encoder and returns (and clears) the accumulated bytes.
func (e *Encoder) EncodeHeaders(fields []HeaderField) []byte {
	e.buf.Reset()
	for _, f := range fields {
		e.inner.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value, Sensitive: false})
	}
	out := make([]byte, e.buf.Len())
	copy(out, e.buf.Bytes())
	return out
}
