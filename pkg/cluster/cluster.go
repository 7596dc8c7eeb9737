// Package cluster provides name resolution and liveness probing for cluster
// members. The transport core only depends on the Resolver interface, so a
// richer membership service can be plugged in without touching it.
package cluster

import (
	"errors"
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/peercall/peercall/pkg/config"
)

// ErrUnknownPeer is returned when a node name is not part of the cluster.
var ErrUnknownPeer = errors.New("unknown peer")

const defaultAddressCacheSize = 1024

// Resolver maps peer names to control-channel addresses and answers
// liveness probes.
type Resolver interface {
	// LocalNode returns the name of this node.
	LocalNode() string
	// AddressOf resolves a peer name to its control listener "host:port".
	AddressOf(peer string) (string, error)
	// Ping reports whether the peer looks reachable right now.
	Ping(peer string) bool
}

// StaticCluster resolves peers from a fixed member list taken from the
// configuration. The local node always resolves to loopback so the same API
// works for self-calls.
type StaticCluster struct {
	local       string
	members     map[string]string
	ports       config.RPCConfiguration
	pingTimeout time.Duration
	cache       *lru.Cache
	log         *zap.Logger
}

// NewStaticCluster creates a resolver from the application configuration.
func NewStaticCluster(cfg config.ApplicationConfiguration, log *zap.Logger) (*StaticCluster, error) {
	if log == nil {
		return nil, errors.New("logger is a required parameter")
	}
	size := cfg.Cluster.AddressCacheSize
	if size <= 0 {
		size = defaultAddressCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	members := make(map[string]string, len(cfg.Cluster.Members))
	for name, host := range cfg.Cluster.Members {
		members[name] = host
	}
	return &StaticCluster{
		local:       cfg.NodeName,
		members:     members,
		ports:       cfg.RPC,
		pingTimeout: cfg.RPC.ConnectTimeout,
		cache:       cache,
		log:         log,
	}, nil
}

// LocalNode implements Resolver.
func (c *StaticCluster) LocalNode() string {
	return c.local
}

// AddressOf implements Resolver.
func (c *StaticCluster) AddressOf(peer string) (string, error) {
	if addr, ok := c.cache.Get(peer); ok {
		return addr.(string), nil
	}
	port := c.ports.ControlPortOf(peer)
	var host string
	if peer == c.local {
		host = "127.0.0.1"
	} else {
		var ok bool
		host, ok = c.members[peer]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
		}
	}
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	c.cache.Add(peer, addr)
	return addr, nil
}

// Ping implements Resolver by dialing the peer's control port. It's a
// coarse reachability signal, not a health check of the peer's runtime.
func (c *StaticCluster) Ping(peer string) bool {
	addr, err := c.AddressOf(peer)
	if err != nil {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, c.pingTimeout)
	if err != nil {
		c.log.Debug("peer ping failed", zap.String("peer", peer), zap.Error(err))
		return false
	}
	conn.Close()
	return true
}
