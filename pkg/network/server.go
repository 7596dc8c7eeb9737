package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/peercall/peercall/pkg/config"
	"github.com/peercall/peercall/pkg/wire"
)

// Invoker runs locally registered functions for inbound requests.
type Invoker interface {
	Invoke(module, function string, args []any) (any, error)
}

type (
	// ServerConfig holds the server-side transport settings.
	ServerConfig struct {
		// NodeName is the local node's cluster-wide name.
		NodeName string
		// Address is the bind address of the control listener; empty means
		// all interfaces. Data listeners bind the same address.
		Address string
		// Port is the well-known control port. Zero picks an ephemeral one,
		// which is only useful in tests.
		Port uint16

		// HandshakeTimeout bounds one control-channel exchange.
		HandshakeTimeout time.Duration
		// AcceptTimeout bounds the wait for the peer's data connection after
		// the port grant.
		AcceptTimeout time.Duration
		// SendTimeout applies to each reply write.
		SendTimeout time.Duration
		// InactivityTimeout reaps acceptors with no traffic and no running
		// executors. Zero disables reaping.
		InactivityTimeout time.Duration

		ModuleControl string
		ModuleList    []string
	}

	// Server owns the control listener and the acceptors spawned for inbound
	// peers. Each acceptor gets its own data socket so bulk RPC traffic on
	// one peer never blocks another.
	Server struct {
		ServerConfig

		invoker Invoker
		policy  *ModulePolicy
		log     *zap.Logger

		listener net.Listener

		lock      sync.RWMutex
		acceptors map[*acceptor]bool

		register   chan *acceptor
		unregister chan acceptorDrop

		started      *atomic.Bool
		quit         chan struct{}
		shutdownOnce sync.Once
		wg           sync.WaitGroup
		// connWg tracks control handlers and acceptors so Shutdown returns
		// only after all of them have wound down.
		connWg sync.WaitGroup
	}

	acceptorDrop struct {
		acc    *acceptor
		reason error
	}
)

// NewServerConfig creates a server config from the loaded node config.
func NewServerConfig(cfg config.Config) ServerConfig {
	app := cfg.ApplicationConfiguration
	return ServerConfig{
		NodeName:          app.NodeName,
		Port:              app.RPC.TCPServerPort,
		HandshakeTimeout:  app.RPC.ConnectTimeout,
		AcceptTimeout:     app.RPC.ConnectTimeout,
		SendTimeout:       app.RPC.SendTimeout,
		InactivityTimeout: app.RPC.ServerInactivityTimeout,
		ModuleControl:     app.RPC.RPCModuleControl,
		ModuleList:        app.RPC.RPCModuleList,
	}
}

// NewServer returns a new Server, initialized with the given configuration.
func NewServer(config ServerConfig, invoker Invoker, log *zap.Logger) (*Server, error) {
	if log == nil {
		return nil, errors.New("logger is a required parameter")
	}
	if invoker == nil {
		return nil, errors.New("invoker is a required parameter")
	}
	policy, err := NewModulePolicy(config.ModuleControl, config.ModuleList)
	if err != nil {
		return nil, err
	}
	return &Server{
		ServerConfig: config,
		invoker:      invoker,
		policy:       policy,
		log:          log,
		acceptors:    make(map[*acceptor]bool),
		register:     make(chan *acceptor),
		unregister:   make(chan acceptorDrop),
		started:      atomic.NewBool(false),
		quit:         make(chan struct{}),
	}, nil
}

// Start binds the control listener and begins serving handshakes. It
// returns once the listener is up.
func (s *Server) Start() error {
	if !s.started.CAS(false, true) {
		return errors.New("server already started")
	}
	addr := net.JoinHostPort(s.Address, fmt.Sprintf("%d", s.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listener: %w", err)
	}
	s.listener = listener
	s.log.Info("server started", zap.Stringer("addr", listener.Addr()))
	s.wg.Add(2)
	go s.run()
	go s.acceptControl()
	return nil
}

// Addr returns the control listener address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Shutdown stops the control listener and tears down every acceptor. It
// waits for the server loops to finish.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutting down server", zap.Int("acceptors", s.AcceptorCount()))
		close(s.quit)
		if s.listener != nil {
			s.listener.Close()
		}
	})
	s.wg.Wait()
	s.connWg.Wait()
}

// AcceptorCount returns the number of live acceptors.
func (s *Server) AcceptorCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.acceptors)
}

// run manages acceptor registration and the shutdown broadcast.
func (s *Server) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			s.lock.RLock()
			for a := range s.acceptors {
				a.stop()
			}
			s.lock.RUnlock()
			return
		case a := <-s.register:
			s.lock.Lock()
			s.acceptors[a] = true
			s.lock.Unlock()
			s.log.Info("peer connected",
				zap.String("peer", a.peer),
				zap.Int("acceptorCount", s.AcceptorCount()))
			updateAcceptorsConnectedMetric(s.AcceptorCount())
		case drop := <-s.unregister:
			s.lock.Lock()
			if s.acceptors[drop.acc] {
				delete(s.acceptors, drop.acc)
				s.lock.Unlock()
				s.log.Info("peer disconnected",
					zap.String("peer", drop.acc.peer),
					zap.NamedError("reason", drop.reason),
					zap.Int("acceptorCount", s.AcceptorCount()))
				updateAcceptorsConnectedMetric(s.AcceptorCount())
			} else {
				s.lock.Unlock()
			}
		}
	}
}

// acceptControl serves the well-known port. Every inbound connection is one
// short-lived handshake.
func (s *Server) acceptControl() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				s.log.Error("control accept failed", zap.Error(err))
			}
			return
		}
		s.connWg.Add(1)
		go func() {
			defer s.connWg.Done()
			s.handleControl(conn)
		}()
	}
}

// handleControl performs the acceptor-allocation protocol: read the client's
// hello, bind a fresh data listener on an ephemeral port, grant the port and
// release the control connection.
func (s *Server) handleControl(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.HandshakeTimeout))

	pkt, err := wire.ReadPacket(conn)
	if err != nil {
		s.log.Warn("bad control request", zap.Error(err))
		return
	}
	hello, ok := pkt.(*wire.Hello)
	if !ok {
		s.log.Warn("unexpected control packet", zap.String("type", fmt.Sprintf("%T", pkt)))
		return
	}

	dataListener, err := net.Listen("tcp", net.JoinHostPort(s.Address, "0"))
	if err != nil {
		s.log.Error("can't bind data listener", zap.Error(err))
		return
	}
	a := newAcceptor(s, dataListener, hello.Sender)
	select {
	case s.register <- a:
	case <-s.quit:
		dataListener.Close()
		return
	}
	port := dataListener.Addr().(*net.TCPAddr).Port
	if err := wire.WritePacket(conn, &wire.PortGrant{Port: port}); err != nil {
		s.log.Warn("can't send port grant", zap.String("peer", hello.Sender), zap.Error(err))
		a.stop()
		select {
		case s.unregister <- acceptorDrop{acc: a, reason: err}:
		case <-s.quit:
		}
		return
	}
	s.log.Debug("data port allocated",
		zap.String("peer", hello.Sender),
		zap.Int("port", port))
	s.connWg.Add(1)
	go func() {
		defer s.connWg.Done()
		a.serve()
	}()
}
