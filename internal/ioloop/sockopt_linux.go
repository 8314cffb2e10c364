//go:build linux

// SO_REUSEADDR/SO_REUSEPORT via golang.org/x/sys/unix. Grounded on
// the teacher's indirect golang.org/x/sys dependency (pulled in
// transitively for the runtime it targets); this package is the
// first to use it directly, for the listener socket options the
// acceptor needs to support multiple processes/restarts binding the
// same port.
package ioloop

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); e != nil {
					sockErr = e
					return
				}
				if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); e != nil {
					sockErr = e
					return
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
}

// Listen opens a TCP listener on addr with SO_REUSEADDR/SO_REUSEPORT
// set, so a restarted acceptor or a second process can rebind the
// same port without waiting out TIME_WAIT.
func Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	lc := listenConfig()
	return lc.Listen(ctx, network, addr)
}
