// Bidirectional L4 splice for WebSocket and explicit TCP-proxy
// ports: two Connections relay bytes symmetrically with
// high-water-mark back-pressure. Grounded on the reactor's
// Connection HWM contract (internal/ioloop) and on the simple
// two-goroutine io.Copy relay shape common to TCP proxy tools in the
// retrieved pack (the shape survives even though this version needs
// explicit start/stop control rather than io.Copy's fire-and-forget
// loop, since pausing reads on back-pressure requires per-direction
// control the stdlib copy loop doesn't expose).
package tunnel

import (
	"github.com/relayforge/gatewaycore/internal/ioloop"
)

// Splice wires two Connections together: bytes read from a are sent
// to b and vice versa, with each direction's OnHighWaterMark pausing
// reads on the *source* of that direction and OnWriteComplete
// resuming them, and either side closing triggering a symmetric
// shutdown of the other.
func Splice(a, b *ioloop.Connection) {
	wireDirection(a, b)
	wireDirection(b, a)
}

func wireDirection(src, dst *ioloop.Connection) {
	src.OnMessage = func(c *ioloop.Connection, data []byte) {
		dst.Send(data)
	}
	dst.OnHighWaterMark = func(c *ioloop.Connection, bufLen int) {
		src.StopRead()
	}
	dst.OnWriteComplete = func(c *ioloop.Connection) {
		src.StartRead()
	}
	src.OnClose = func(c *ioloop.Connection) {
		dst.Shutdown()
	}
}
