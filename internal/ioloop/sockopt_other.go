//go:build !linux

package ioloop

import (
	"context"
	"net"
)

// Listen falls back to a plain listener on platforms where
// SO_REUSEPORT isn't wired (the gateway's production target is
// Linux; this keeps the package buildable elsewhere for local dev).
func Listen(ctx context.Context, network, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(ctx, network, addr)
}
