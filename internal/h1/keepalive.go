package h1

import "strings"

// KeepAlive decides whether the connection stays open after req,
// per the HTTP/1.0 vs HTTP/1.1 default-close policy: HTTP/1.0 closes
// unless Connection: Keep-Alive is present; HTTP/1.1 stays open
// unless Connection: close is present.
func KeepAlive(req *Request) bool {
	conn, _ := req.Headers.Get("connection")
	conn = strings.ToLower(conn)

	if req.Version == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return !strings.Contains(conn, "close")
}
