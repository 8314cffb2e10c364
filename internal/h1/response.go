package h1

import (
	"bytes"
	"fmt"
	"net/http"
)

// WriteResponse serializes status/headers/body as an HTTP/1.1
// response. Headers preserves insertion order for any list-valued
// entries so Set-Cookie/Via aren't folded into one line. A
// Content-Length is only appended if headers doesn't already carry
// one, so callers that computed it themselves (e.g. after
// re-encoding a body) aren't duplicated.
func WriteResponse(status int, headers *OrderedHeaders, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for _, name := range headers.Names() {
		for _, v := range headers.Values(name) {
			fmt.Fprintf(&buf, "%s: %s\r\n", canonicalHeaderName(name), v)
		}
	}
	if _, ok := headers.Get("content-length"); !ok {
		fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// WriteRequest serializes method/path/query/headers/body as an
// HTTP/1.1 request line plus headers, the forwarding format the
// session engine sends to a selected backend.
func WriteRequest(method, path, query string, headers *OrderedHeaders, body []byte) []byte {
	var buf bytes.Buffer
	target := path
	if query != "" {
		target += "?" + query
	}
	fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", method, target)
	for _, name := range headers.Names() {
		for _, v := range headers.Values(name) {
			fmt.Fprintf(&buf, "%s: %s\r\n", canonicalHeaderName(name), v)
		}
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// canonicalHeaderName restores conventional capitalization for an
// internally-lowercased header name, for wire compatibility with
// picky HTTP/1 clients.
func canonicalHeaderName(name string) string {
	return http.CanonicalHeaderKey(name)
}
