package network

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peercall/peercall/pkg/cluster"
	"github.com/peercall/peercall/pkg/config"
)

// Pool is the client-side entry point: a registry of per-peer client actors
// plus the dispatcher that creates them on demand. Lookups of established
// peers take the read lock only; creation requests are serialized through a
// single dispatcher goroutine so two concurrent callers can never both spawn
// an actor for the same peer.
type Pool struct {
	cfg config.RPCConfiguration
	res cluster.Resolver
	log *zap.Logger

	lock    sync.RWMutex
	clients map[string]*Client

	dispatchCh chan dispatchRequest
	quit       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

type dispatchRequest struct {
	peer    string
	replyCh chan dispatchReply
}

type dispatchReply struct {
	client *Client
	err    error
}

// NewPool creates the client registry and starts its dispatcher.
func NewPool(cfg config.RPCConfiguration, res cluster.Resolver, log *zap.Logger) *Pool {
	p := &Pool{
		cfg:        cfg,
		res:        res,
		log:        log,
		clients:    make(map[string]*Client),
		dispatchCh: make(chan dispatchRequest),
		quit:       make(chan struct{}),
	}
	p.wg.Add(1)
	go p.dispatch()
	return p
}

// CallOption overrides a per-call setting.
type CallOption func(*callOptions)

type callOptions struct {
	recvTimeout time.Duration
	sendTimeout time.Duration
}

// WithRecvTimeout overrides the configured receive timeout for one call.
func WithRecvTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.recvTimeout = d
	}
}

// WithSendTimeout overrides the configured send timeout for one call or cast.
func WithSendTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.sendTimeout = d
	}
}

// mergeTimeouts applies the override-or-default rule independently per
// dimension.
func (p *Pool) mergeTimeouts(opts []CallOption) (recv, send time.Duration) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	recv = p.cfg.ReceiveTimeout
	if o.recvTimeout > 0 {
		recv = o.recvTimeout
	}
	send = p.cfg.SendTimeout
	if o.sendTimeout > 0 {
		send = o.sendTimeout
	}
	return recv, send
}

// Call invokes module:function(args) on the peer, creating the client actor
// on first use.
func (p *Pool) Call(peer, module, function string, args []any, opts ...CallOption) (any, error) {
	recv, send := p.mergeTimeouts(opts)
	c, err := p.client(peer)
	if err != nil {
		return nil, err
	}
	return c.Call(module, function, args, recv, send)
}

// Cast sends a fire-and-forget invocation to the peer.
func (p *Pool) Cast(peer, module, function string, args []any, opts ...CallOption) error {
	_, send := p.mergeTimeouts(opts)
	c, err := p.client(peer)
	if err != nil {
		return err
	}
	return c.Cast(module, function, args, send)
}

// Stop gracefully shuts down the client actor for the peer, if any. The
// next request to that peer creates a fresh one.
func (p *Pool) Stop(peer string) {
	p.lock.RLock()
	c := p.clients[peer]
	p.lock.RUnlock()
	if c != nil {
		c.Stop()
	}
}

// Close stops the dispatcher and every client actor.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()

	p.lock.RLock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.lock.RUnlock()
	for _, c := range clients {
		c.Stop()
	}
	for _, c := range clients {
		<-c.done
	}
}

// ClientCount returns the number of live client actors.
func (p *Pool) ClientCount() int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.clients)
}

// client returns the actor for the peer, going through the dispatcher only
// on a miss.
func (p *Pool) client(peer string) (*Client, error) {
	p.lock.RLock()
	c := p.clients[peer]
	p.lock.RUnlock()
	if c != nil {
		return c, nil
	}
	req := dispatchRequest{peer: peer, replyCh: make(chan dispatchReply, 1)}
	select {
	case p.dispatchCh <- req:
	case <-p.quit:
		return nil, errPoolClosed
	}
	select {
	case rep := <-req.replyCh:
		return rep.client, rep.err
	case <-p.quit:
		return nil, errPoolClosed
	}
}

// dispatch serializes lookup-or-create decisions.
func (p *Pool) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case req := <-p.dispatchCh:
			p.lock.RLock()
			c := p.clients[req.peer]
			p.lock.RUnlock()
			if c == nil {
				var err error
				c, err = newClient(req.peer, p.res, p.cfg, p.log, p.remove)
				if err != nil {
					req.replyCh <- dispatchReply{err: err}
					continue
				}
				p.lock.Lock()
				p.clients[req.peer] = c
				p.lock.Unlock()
				updateClientsConnectedMetric(p.ClientCount())
			}
			req.replyCh <- dispatchReply{client: c}
		}
	}
}

// remove forgets a terminated client. Identity is compared so a freshly
// created replacement is never dropped by its predecessor's shutdown.
func (p *Pool) remove(c *Client) {
	p.lock.Lock()
	if p.clients[c.peer] == c {
		delete(p.clients, c.peer)
	}
	p.lock.Unlock()
	updateClientsConnectedMetric(p.ClientCount())
}
