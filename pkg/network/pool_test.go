package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/peercall/peercall/pkg/wire"
)

func TestMergeTimeouts(t *testing.T) {
	cfg := testRPCConfig()
	cfg.ReceiveTimeout = 15 * time.Second
	cfg.SendTimeout = 5 * time.Second
	pool := NewPool(cfg, newTestResolver("nodeA"), zaptest.NewLogger(t))
	t.Cleanup(pool.Close)

	recv, send := pool.mergeTimeouts(nil)
	require.Equal(t, 15*time.Second, recv)
	require.Equal(t, 5*time.Second, send)

	recv, send = pool.mergeTimeouts([]CallOption{WithRecvTimeout(time.Second)})
	require.Equal(t, time.Second, recv)
	require.Equal(t, 5*time.Second, send)

	recv, send = pool.mergeTimeouts([]CallOption{WithSendTimeout(2 * time.Second)})
	require.Equal(t, 15*time.Second, recv)
	require.Equal(t, 2*time.Second, send)

	recv, send = pool.mergeTimeouts([]CallOption{
		WithRecvTimeout(time.Second),
		WithSendTimeout(2 * time.Second),
	})
	require.Equal(t, time.Second, recv)
	require.Equal(t, 2*time.Second, send)
}

func TestDispatcherSingleClientPerPeer(t *testing.T) {
	_, pool, _ := startTestCluster(t, testRPCConfig())

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			_, _ = pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	require.Equal(t, 1, pool.ClientCount())
}

func TestMultiCall(t *testing.T) {
	srvB := startTestServer(t, testServerConfig("peerB"), testRegistry(t))
	srvC := startTestServer(t, testServerConfig("peerC"), testRegistry(t))
	res := newTestResolver("nodeA")
	res.setAddr("peerB", srvB.Addr().String())
	res.setAddr("peerC", srvC.Addr().String())
	pool := NewPool(testRPCConfig(), res, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)

	results := pool.MultiCall([]string{"peerB", "peerC", "peerX"}, "math", "add", []any{int64(1), int64(2)})
	require.Len(t, results, 3)

	require.Equal(t, "peerB", results[0].Node)
	require.NoError(t, results[0].Err)
	require.Equal(t, int64(3), results[0].Value)

	require.Equal(t, "peerC", results[1].Node)
	require.NoError(t, results[1].Err)
	require.Equal(t, int64(3), results[1].Value)

	require.Error(t, results[2].Err)
}

func TestSBCast(t *testing.T) {
	srvB := startTestServer(t, testServerConfig("peerB"), testRegistry(t))
	res := newTestResolver("nodeA")
	res.setAddr("peerB", srvB.Addr().String())
	pool := NewPool(testRPCConfig(), res, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)

	good, bad := pool.SBCast([]string{"peerB", "peerX"}, "math", "add", []any{int64(1), int64(1)})
	require.Equal(t, []string{"peerB"}, good)
	require.Equal(t, []string{"peerX"}, bad)
}

func TestAsyncCall(t *testing.T) {
	_, pool, _ := startTestCluster(t, testRPCConfig())

	r := pool.AsyncCall("peerB", "slow", "sleep", []any{int64(200)})

	_, err := r.Await(20 * time.Millisecond)
	require.ErrorIs(t, err, &wire.RPCError{Kind: wire.ErrTimeout})

	v, err := r.Await(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte("done"), v)

	// The result is kept for repeated awaits.
	v, err = r.Await(time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []byte("done"), v)
}

func TestPoolClosed(t *testing.T) {
	pool := NewPool(testRPCConfig(), newTestResolver("nodeA"), zaptest.NewLogger(t))
	pool.Close()

	_, err := pool.Call("peerB", "math", "add", nil)
	require.ErrorIs(t, err, errPoolClosed)
}
