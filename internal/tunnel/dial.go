package tunnel

import (
	"context"
	"net"

	"github.com/relayforge/gatewaycore/internal/ioloop"
)

// DialAndSplice pauses reads on client until a TCP connection to
// addr succeeds (or fails), matching spec's "client reads are paused
// until the backend connection is established"; on success reqBytes
// (the original upgrade request, verbatim — may be nil) is written to
// the backend before the two Connections are spliced, so the backend
// actually has a request to answer instead of being spliced onto raw
// silence. On failure client is force-closed.
func DialAndSplice(ctx context.Context, client *ioloop.Connection, loop *ioloop.Loop, addr string, reqBytes []byte) error {
	client.StopRead()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		client.StartRead()
		client.ForceClose()
		return err
	}

	if len(reqBytes) > 0 {
		if _, err := conn.Write(reqBytes); err != nil {
			conn.Close()
			client.StartRead()
			client.ForceClose()
			return err
		}
	}

	backend := ioloop.NewConnection(loop, conn)
	backend.Start()
	Splice(client, backend)
	client.StartRead()
	return nil
}
