//go:build !linux

package udpproxy

import "net"

// enableRxqOverflow is a no-op outside Linux.
func enableRxqOverflow(conn *net.UDPConn) {}
