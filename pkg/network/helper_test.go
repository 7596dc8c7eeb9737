package network

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/peercall/peercall/pkg/config"
	"github.com/peercall/peercall/pkg/invoke"
)

// testResolver is a mutable in-memory resolver so tests can point peers at
// ephemeral listener ports.
type testResolver struct {
	local string

	mu    sync.Mutex
	addrs map[string]string
	down  map[string]bool
}

func newTestResolver(local string) *testResolver {
	return &testResolver{
		local: local,
		addrs: make(map[string]string),
		down:  make(map[string]bool),
	}
}

func (r *testResolver) LocalNode() string {
	return r.local
}

func (r *testResolver) AddressOf(peer string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.addrs[peer]
	if !ok {
		return "", fmt.Errorf("unknown peer: %s", peer)
	}
	return addr, nil
}

func (r *testResolver) Ping(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.down[peer]
}

func (r *testResolver) setAddr(peer, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[peer] = addr
}

func (r *testResolver) setDown(peer string, down bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.down[peer] = down
}

func testRPCConfig() config.RPCConfiguration {
	cfg := config.DefaultRPCConfiguration()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.SendTimeout = 2 * time.Second
	cfg.ReceiveTimeout = 2 * time.Second
	cfg.SBCastReceiveTimeout = 2 * time.Second
	return cfg
}

// testRegistry registers the functions the scenarios exercise.
func testRegistry(t *testing.T) *invoke.Registry {
	reg := invoke.NewRegistry(zaptest.NewLogger(t))
	reg.Register("math", "add", func(args []any) (any, error) {
		return args[0].(int64) + args[1].(int64), nil
	})
	reg.Register("echo", "echo", func(args []any) (any, error) {
		return args[0], nil
	})
	reg.Register("slow", "sleep", func(args []any) (any, error) {
		time.Sleep(time.Duration(args[0].(int64)) * time.Millisecond)
		return []byte("done"), nil
	})
	reg.Register("unstable", "panic", func([]any) (any, error) {
		panic("kaboom")
	})
	return reg
}

func testServerConfig(node string) ServerConfig {
	return ServerConfig{
		NodeName:          node,
		Address:           "127.0.0.1",
		Port:              0,
		HandshakeTimeout:  2 * time.Second,
		AcceptTimeout:     2 * time.Second,
		SendTimeout:       2 * time.Second,
		InactivityTimeout: time.Minute,
	}
}

func startTestServer(t *testing.T, cfg ServerConfig, inv Invoker) *Server {
	s, err := NewServer(cfg, inv, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Shutdown)
	return s
}

// startTestCluster brings up a server named peer and a pool pointed at it.
func startTestCluster(t *testing.T, rpcCfg config.RPCConfiguration) (*Server, *Pool, *testResolver) {
	srv := startTestServer(t, testServerConfig("peerB"), testRegistry(t))
	res := newTestResolver("nodeA")
	res.setAddr("peerB", srv.Addr().String())
	pool := NewPool(rpcCfg, res, zaptest.NewLogger(t))
	t.Cleanup(pool.Close)
	return srv, pool, res
}
