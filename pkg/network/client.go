package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peercall/peercall/pkg/cluster"
	"github.com/peercall/peercall/pkg/config"
	"github.com/peercall/peercall/pkg/wire"
)

// Client is the per-peer actor owning the data socket to that peer. Local
// callers enqueue requests on it; frames go out in enqueue order and replies
// are routed back to the right caller by ref. It is created on demand by the
// pool and dies on idle timeout, socket failure or explicit stop; the next
// request to the peer transparently recreates it.
type Client struct {
	peer      string
	localNode string
	cfg       config.RPCConfiguration
	res       cluster.Resolver
	log       *zap.Logger
	conn      net.Conn

	reqCh   chan outRequest
	readCh  chan *wire.Reply
	readErr chan error
	stopCh  chan struct{}
	quit    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	dead    bool
	pending map[wire.Ref]*waiter

	stopOnce sync.Once
	onClose  func(*Client)
}

type outRequest struct {
	// frame is the fully marshaled wire form: encoding problems belong to
	// the caller and never reach the socket or kill the actor.
	frame       []byte
	sendTimeout time.Duration
	// errCh reports the write outcome when the enqueuer needs it (casts).
	errCh chan error
}

// newClient resolves the peer, runs the port-allocation handshake, opens the
// data socket and starts the actor. onClose is called exactly once after the
// actor has fully terminated.
func newClient(peer string, res cluster.Resolver, cfg config.RPCConfiguration, log *zap.Logger, onClose func(*Client)) (*Client, error) {
	controlAddr, err := res.AddressOf(peer)
	if err != nil {
		return nil, &TransportError{Kind: ErrHandshakeFailed, Err: err}
	}
	port, err := allocateDataPort(controlAddr, res.LocalNode(), cfg.ConnectTimeout)
	if err != nil {
		return nil, &TransportError{Kind: ErrHandshakeFailed, Err: err}
	}
	host, _, err := net.SplitHostPort(controlAddr)
	if err != nil {
		return nil, &TransportError{Kind: ErrHandshakeFailed, Err: err}
	}
	dataAddr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.DialTimeout("tcp", dataAddr, cfg.ConnectTimeout)
	if err != nil {
		return nil, &TransportError{Kind: ErrConnectFailed, Err: err}
	}

	c := &Client{
		peer:      peer,
		localNode: res.LocalNode(),
		cfg:       cfg,
		res:       res,
		log:       log.With(zap.String("peer", peer)),
		conn:      conn,
		reqCh:     make(chan outRequest),
		readCh:    make(chan *wire.Reply),
		readErr:   make(chan error, 1),
		stopCh:    make(chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		pending:   make(map[wire.Ref]*waiter),
		onClose:   onClose,
	}
	c.log.Info("connected to peer", zap.String("dataAddr", dataAddr))
	go c.run()
	go c.readLoop()
	return c, nil
}

// Peer returns the peer this client is connected to.
func (c *Client) Peer() string {
	return c.peer
}

// Call invokes module:function(args) on the peer and waits for the reply up
// to recvTimeout. RPC errors are per-call; transport errors mean this client
// is gone and the caller should retry through the pool.
func (c *Client) Call(module, function string, args []any, recvTimeout, sendTimeout time.Duration) (any, error) {
	if c.cfg.CheckPeerAlive && !c.res.Ping(c.peer) {
		return nil, &wire.RPCError{Kind: wire.ErrNodeDown}
	}
	ref := wire.NewRef()
	w := newWaiter(ref)
	frame, err := wire.MarshalPacket(&wire.CallRequest{
		Sender:   c.localNode,
		Waiter:   w.id,
		Ref:      ref,
		Module:   module,
		Function: function,
		Args:     args,
	})
	if err != nil {
		return nil, err
	}
	if err := c.addPending(w); err != nil {
		return nil, err
	}
	req := outRequest{frame: frame, sendTimeout: sendTimeout}
	select {
	case c.reqCh <- req:
	case <-c.quit:
		c.takePending(ref)
		return nil, &TransportError{Kind: ErrClosed}
	}
	callsSent.Inc()

	timer := time.NewTimer(recvTimeout)
	defer timer.Stop()
	select {
	case res := <-w.ch:
		return res.value, res.err
	case <-timer.C:
		// The ref stays pending: the eventual late reply is absorbed by the
		// waiter's slot and reaped then.
		return nil, &wire.RPCError{Kind: wire.ErrTimeout}
	}
}

// Cast sends a fire-and-forget invocation. It returns once the frame has
// been written to the socket.
func (c *Client) Cast(module, function string, args []any, sendTimeout time.Duration) error {
	if c.cfg.CheckPeerAlive && !c.res.Ping(c.peer) {
		return &wire.RPCError{Kind: wire.ErrNodeDown}
	}
	frame, err := wire.MarshalPacket(&wire.CastRequest{
		Sender:   c.localNode,
		Module:   module,
		Function: function,
		Args:     args,
	})
	if err != nil {
		return err
	}
	req := outRequest{
		frame:       frame,
		sendTimeout: sendTimeout,
		errCh:       make(chan error, 1),
	}
	select {
	case c.reqCh <- req:
	case <-c.quit:
		return &TransportError{Kind: ErrClosed}
	}
	select {
	case err := <-req.errCh:
		if err != nil {
			return &TransportError{Kind: ErrSendFailed, Err: err}
		}
		castsSent.Inc()
		return nil
	case <-c.quit:
		// The write outcome wins if it raced with termination.
		select {
		case err := <-req.errCh:
			if err != nil {
				return &TransportError{Kind: ErrSendFailed, Err: err}
			}
			castsSent.Inc()
			return nil
		default:
			return &TransportError{Kind: ErrClosed}
		}
	}
}

// Stop shuts the client down gracefully. In-flight calls complete with
// {transport_error, closed}.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// run is the actor loop: it owns all socket writes, routes replies to
// waiters and reaps the connection on inactivity.
func (c *Client) run() {
	var (
		idle  *time.Timer
		idleC <-chan time.Time
	)
	if d := c.cfg.ClientInactivityTimeout; d > 0 {
		idle = time.NewTimer(d)
		idleC = idle.C
		defer idle.Stop()
	}
	for {
		select {
		case req := <-c.reqCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(req.sendTimeout))
			_, err := c.conn.Write(req.frame)
			if req.errCh != nil {
				req.errCh <- err
			}
			if err != nil {
				c.shutdown(&TransportError{Kind: ErrSendFailed, Err: err})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
			c.resetIdle(idle)
		case rep := <-c.readCh:
			if w := c.takePending(rep.Ref); w != nil {
				w.deliver(rep.Value, replyError(rep))
			} else {
				c.log.Debug("discarding reply with no waiter", zap.Stringer("ref", rep.Ref))
			}
			c.resetIdle(idle)
		case err := <-c.readErr:
			c.log.Warn("connection lost", zap.Error(err))
			c.shutdown(&TransportError{Kind: ErrClosed, Err: err})
			return
		case <-idleC:
			c.log.Info("closing idle connection")
			c.shutdown(nil)
			return
		case <-c.stopCh:
			c.shutdown(nil)
			return
		}
	}
}

func (c *Client) resetIdle(idle *time.Timer) {
	if idle == nil {
		return
	}
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	idle.Reset(c.cfg.ClientInactivityTimeout)
}

// readLoop pulls reply frames off the socket. Any decode failure is fatal:
// after a corrupt frame the stream length can't be trusted anymore.
func (c *Client) readLoop() {
	for {
		pkt, err := wire.ReadPacket(c.conn)
		if err == nil {
			rep, ok := pkt.(*wire.Reply)
			if ok {
				select {
				case c.readCh <- rep:
					continue
				case <-c.quit:
					return
				}
			}
			err = fmt.Errorf("unexpected packet %T", pkt)
		}
		select {
		case c.readErr <- err:
		case <-c.quit:
		}
		return
	}
}

// shutdown tears the actor down: socket closed, every pending waiter
// notified, the pool told to forget this client. err is what waiters see;
// nil means a graceful stop, which still surfaces as closed to anyone with
// a call in flight.
func (c *Client) shutdown(err error) {
	close(c.quit)
	c.conn.Close()

	c.mu.Lock()
	c.dead = true
	ws := c.pending
	c.pending = nil
	c.mu.Unlock()

	if err == nil {
		err = &TransportError{Kind: ErrClosed}
	}
	for _, w := range ws {
		w.deliver(nil, err)
	}
	if c.onClose != nil {
		c.onClose(c)
	}
	c.log.Info("client terminated")
	close(c.done)
}

func (c *Client) addPending(w *waiter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return &TransportError{Kind: ErrClosed}
	}
	c.pending[w.ref] = w
	return nil
}

func (c *Client) takePending(ref wire.Ref) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.pending[ref]
	delete(c.pending, ref)
	return w
}

func replyError(rep *wire.Reply) error {
	if rep.Err != nil {
		return rep.Err
	}
	return nil
}
