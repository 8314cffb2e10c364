package adminapi

import (
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/relayforge/gatewaycore/internal/h1"
)

// adminPrefixes are the path prefixes this router owns; anything else
// is not this package's concern and Bridge reports handled=false so
// the caller's pipeline keeps going (normal proxy forwarding).
var adminPrefixes = []string{"/stats", "/history", "/metrics", "/admin/", "/.well-known/acme-challenge/"}

// Bridge adapts the hand-rolled h1.Request/OrderedHeaders pipeline to
// this package's net/http-based chi.Router, so the session engine's
// single-pass h1 pipeline can dispatch admin paths through the exact
// same handler this package's own server/tests exercise, instead of
// re-implementing routing twice. Returns handled=false for any path
// outside adminPrefixes.
func Bridge(handler http.Handler) func(req *h1.Request) (status int, headers *h1.OrderedHeaders, body []byte, handled bool) {
	return func(req *h1.Request) (int, *h1.OrderedHeaders, []byte, bool) {
		if !ownsPath(req.Path) {
			return 0, nil, nil, false
		}

		target := req.Path
		if req.Query != "" {
			target += "?" + req.Query
		}
		httpReq := httptest.NewRequest(req.Method, target, bytesReader(req.Body))
		for _, name := range req.Headers.Names() {
			for _, v := range req.Headers.Values(name) {
				httpReq.Header.Add(name, v)
			}
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httpReq)

		headers := h1.NewOrderedHeaders()
		for name, values := range rec.Header() {
			for _, v := range values {
				headers.AddListValued(name, v)
			}
		}
		return rec.Code, headers, rec.Body.Bytes(), true
	}
}

func ownsPath(path string) bool {
	for _, p := range adminPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func bytesReader(b []byte) *strings.Reader {
	return strings.NewReader(string(b))
}
