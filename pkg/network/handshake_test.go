package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peercall/peercall/pkg/wire"
)

func TestAllocateDataPort(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		pkt, err := wire.ReadPacket(conn)
		if err != nil {
			return
		}
		if hello, ok := pkt.(*wire.Hello); !ok || hello.Sender != "nodeA" {
			return
		}
		_ = wire.WritePacket(conn, &wire.PortGrant{Port: 12345})
	}()

	port, err := allocateDataPort(lis.Addr().String(), "nodeA", time.Second)
	require.NoError(t, err)
	require.Equal(t, 12345, port)
}

func TestAllocateDataPortGarbage(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = wire.ReadPacket(conn)
		_, _ = conn.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01})
	}()

	_, err = allocateDataPort(lis.Addr().String(), "nodeA", time.Second)
	require.Error(t, err)
}

func TestAllocateDataPortConnectionRefused(t *testing.T) {
	// Bind and immediately close to get a port nobody listens on.
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	lis.Close()

	_, err = allocateDataPort(addr, "nodeA", 200*time.Millisecond)
	require.Error(t, err)
}

func TestAllocateDataPortBadPort(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = wire.ReadPacket(conn)
		_ = wire.WritePacket(conn, &wire.PortGrant{Port: -1})
	}()

	_, err = allocateDataPort(lis.Addr().String(), "nodeA", time.Second)
	require.Error(t, err)
}
