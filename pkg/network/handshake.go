package network

import (
	"fmt"
	"net"
	"time"

	"github.com/peercall/peercall/pkg/wire"
)

// allocateDataPort performs the control-channel side of the connection
// setup: it dials the peer's well-known control port, names the local node
// and gets back the ephemeral port of a freshly bound acceptor. The control
// connection is released before the data socket is opened.
func allocateDataPort(controlAddr, sender string, timeout time.Duration) (int, error) {
	conn, err := net.DialTimeout("tcp", controlAddr, timeout)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	if err := wire.WritePacket(conn, &wire.Hello{Sender: sender}); err != nil {
		return 0, fmt.Errorf("control send: %w", err)
	}
	pkt, err := wire.ReadPacket(conn)
	if err != nil {
		return 0, fmt.Errorf("control receive: %w", err)
	}
	grant, ok := pkt.(*wire.PortGrant)
	if !ok {
		return 0, fmt.Errorf("unexpected control response %T", pkt)
	}
	if grant.Port <= 0 || grant.Port > 65535 {
		return 0, fmt.Errorf("bad data port %d", grant.Port)
	}
	return grant.Port, nil
}
