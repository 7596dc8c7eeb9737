package network

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/peercall/peercall/pkg/invoke"
	"github.com/peercall/peercall/pkg/wire"
)

func TestCallTimeoutKeepsConnection(t *testing.T) {
	_, pool, _ := startTestCluster(t, testRPCConfig())

	start := time.Now()
	_, err := pool.Call("peerB", "slow", "sleep", []any{int64(500)}, WithRecvTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, &wire.RPCError{Kind: wire.ErrTimeout})
	require.Less(t, time.Since(start), 400*time.Millisecond)

	// The connection is intact and the next call works.
	v, err := pool.Call("peerB", "math", "add", []any{int64(1), int64(2)})
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
	require.Equal(t, 1, pool.ClientCount())
}

func TestLateReplyIsReaped(t *testing.T) {
	_, pool, _ := startTestCluster(t, testRPCConfig())

	_, err := pool.Call("peerB", "slow", "sleep", []any{int64(200)}, WithRecvTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, &wire.RPCError{Kind: wire.ErrTimeout})

	pool.lock.RLock()
	c := pool.clients["peerB"]
	pool.lock.RUnlock()
	require.NotNil(t, c)

	// The abandoned ref stays pending until the late reply arrives and is
	// silently dropped.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTransportClosedOnPeerDeath(t *testing.T) {
	srv := startTestServer(t, testServerConfig("peerB"), testRegistry(t))
	res := newTestResolver("nodeA")
	res.setAddr("peerB", srv.Addr().String())
	pool := NewPool(testRPCConfig(), res, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Call("peerB", "slow", "sleep", []any{int64(2000)})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return srv.AcceptorCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	// Kill the peer: the in-flight call fails with a transport error.
	srv.Shutdown()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, &TransportError{Kind: ErrClosed})
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call did not fail")
	}

	// Restart the peer: a fresh call transparently reconnects.
	srv2 := startTestServer(t, testServerConfig("peerB"), testRegistry(t))
	res.setAddr("peerB", srv2.Addr().String())

	v, err := pool.Call("peerB", "math", "add", []any{int64(20), int64(22)})
	require.NoError(t, err)
	require.Equal(t, int64(42), v)
}

func TestCast(t *testing.T) {
	reg := testRegistry(t)
	var (
		mu   sync.Mutex
		seen [][]byte
	)
	reg.Register("logger", "info", func(args []any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, args[0].([]byte))
		return nil, nil
	})
	srv := startTestServer(t, testServerConfig("peerB"), reg)
	res := newTestResolver("nodeA")
	res.setAddr("peerB", srv.Addr().String())
	pool := NewPool(testRPCConfig(), res, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)

	require.NoError(t, pool.Cast("peerB", "logger", "info", []any{[]byte("hi")}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && string(seen[0]) == "hi"
	}, 2*time.Second, 10*time.Millisecond)

	// A cast to a missing function still returns ok to the caller.
	require.NoError(t, pool.Cast("peerB", "nosuch", "fn", nil))
}

func TestConcurrentCallsNoCrossTalk(t *testing.T) {
	_, pool, _ := startTestCluster(t, testRPCConfig())

	const calls = 200
	var wg sync.WaitGroup
	errs := make([]error, calls)
	values := make([]any, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = pool.Call("peerB", "echo", "echo", []any{int64(i)})
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, int64(i), values[i], "reply routed to the wrong caller")
	}
	require.Equal(t, 1, pool.ClientCount())
}

func TestClientInactivityReap(t *testing.T) {
	cfg := testRPCConfig()
	cfg.ClientInactivityTimeout = 100 * time.Millisecond
	_, pool, _ := startTestCluster(t, cfg)

	_, err := pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
	require.NoError(t, err)
	require.Equal(t, 1, pool.ClientCount())

	require.Eventually(t, func() bool {
		return pool.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)

	// The next call transparently recreates the actor.
	v, err := pool.Call("peerB", "math", "add", []any{int64(2), int64(3)})
	require.NoError(t, err)
	require.Equal(t, int64(5), v)
}

func TestStop(t *testing.T) {
	_, pool, _ := startTestCluster(t, testRPCConfig())

	_, err := pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
	require.NoError(t, err)

	pool.Stop("peerB")
	require.Eventually(t, func() bool {
		return pool.ClientCount() == 0
	}, 2*time.Second, 20*time.Millisecond)

	_, err = pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
	require.NoError(t, err)
}

func TestHandshakeFailedUnknownPeer(t *testing.T) {
	_, pool, _ := startTestCluster(t, testRPCConfig())

	_, err := pool.Call("nosuchpeer", "math", "add", nil)
	require.ErrorIs(t, err, &TransportError{Kind: ErrHandshakeFailed})
}

func TestNodeDownProbe(t *testing.T) {
	cfg := testRPCConfig()
	cfg.CheckPeerAlive = true
	_, pool, res := startTestCluster(t, cfg)

	v, err := pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	res.setDown("peerB", true)
	_, err = pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
	require.ErrorIs(t, err, &wire.RPCError{Kind: wire.ErrNodeDown})

	res.setDown("peerB", false)
	_, err = pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
	require.NoError(t, err)
}

func TestUnencodableArgumentDoesNotKillClient(t *testing.T) {
	_, pool, _ := startTestCluster(t, testRPCConfig())

	_, err := pool.Call("peerB", "math", "add", []any{3.14})
	require.Error(t, err)

	// The bad argument never reached the socket.
	v, err := pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
	require.Equal(t, 1, pool.ClientCount())
}

func TestUnencodableReturnValue(t *testing.T) {
	reg := testRegistry(t)
	reg.Register("bad", "float", func([]any) (any, error) {
		return 3.14, nil
	})
	srv := startTestServer(t, testServerConfig("peerB"), reg)
	res := newTestResolver("nodeA")
	res.setAddr("peerB", srv.Addr().String())
	pool := NewPool(testRPCConfig(), res, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)

	_, err := pool.Call("peerB", "bad", "float", nil)
	require.ErrorIs(t, err, &wire.RPCError{Kind: wire.ErrInvalidMessage})

	// The connection survives.
	v, err := pool.Call("peerB", "math", "add", []any{int64(1), int64(1)})
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}

func TestClientCrashedFunctionDoesNotKillOthers(t *testing.T) {
	reg := invoke.NewRegistry(zaptest.NewLogger(t))
	reg.Register("m", "boom", func([]any) (any, error) { panic("x") })
	reg.Register("m", "ok", func([]any) (any, error) { return int64(7), nil })
	srv := startTestServer(t, testServerConfig("peerB"), reg)
	res := newTestResolver("nodeA")
	res.setAddr("peerB", srv.Addr().String())
	pool := NewPool(testRPCConfig(), res, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = pool.Call("peerB", "m", "boom", nil)
		}()
	}
	wg.Wait()

	v, err := pool.Call("peerB", "m", "ok", nil)
	require.NoError(t, err)
	require.Equal(t, int64(7), v)
	require.Equal(t, 1, srv.AcceptorCount())
}
