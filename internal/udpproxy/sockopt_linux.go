//go:build linux

package udpproxy

import (
	"net"

	"golang.org/x/sys/unix"
)

// enableRxqOverflow turns on SO_RXQ_OVFL on the listening socket, best
// effort: errors are ignored. The proxy does not read the resulting
// control messages, so Proxy.DroppedOverflow stays at zero.
func enableRxqOverflow(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RXQ_OVFL, 1)
	})
}
