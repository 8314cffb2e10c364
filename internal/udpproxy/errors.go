package udpproxy

import "errors"

var errNoBackend = errors.New("udpproxy: no eligible backend for client")
