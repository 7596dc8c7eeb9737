package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peercall/peercall/pkg/invoke"
	"github.com/peercall/peercall/pkg/wire"
)

var (
	errAcceptorStopped = errors.New("acceptor stopped")
	errAcceptorIdle    = errors.New("inactivity timeout")
	errPeerGone        = errors.New("peer closed connection")
)

// acceptor serves one inbound peer. It owns the per-connection data listener
// until the peer dials in, then the data socket for the connection's whole
// life. Requests are executed in separate goroutines so a slow or crashing
// function never stalls the read loop, but every reply write happens here.
type acceptor struct {
	srv  *Server
	peer string
	lis  net.Listener
	conn net.Conn
	log  *zap.Logger

	frames  chan wire.Packet
	readErr chan error
	results chan execResult

	stopOnce sync.Once
	stopCh   chan struct{}
	quit     chan struct{}

	// inflight counts call and cast executors that still owe a result. Only
	// the serve loop touches it.
	inflight int
}

type execResult struct {
	cast   bool
	waiter wire.Ref
	ref    wire.Ref
	value  any
	rpcErr *wire.RPCError
}

func newAcceptor(s *Server, lis net.Listener, peer string) *acceptor {
	return &acceptor{
		srv:     s,
		peer:    peer,
		lis:     lis,
		log:     s.log.With(zap.String("peer", peer)),
		frames:  make(chan wire.Packet),
		readErr: make(chan error, 1),
		results: make(chan execResult),
		stopCh:  make(chan struct{}),
		quit:    make(chan struct{}),
	}
}

// stop asks the acceptor to terminate. Safe to call at any point of its
// lifecycle, including before the data connection arrived.
func (a *acceptor) stop() {
	a.stopOnce.Do(func() {
		close(a.stopCh)
		a.lis.Close()
	})
}

// serve waits for the peer's single data connection, then processes frames
// until a fatal event or inactivity.
func (a *acceptor) serve() {
	reason := a.serveConn()
	close(a.quit)
	if a.conn != nil {
		a.conn.Close()
	}
	select {
	case a.srv.unregister <- acceptorDrop{acc: a, reason: reason}:
	case <-a.srv.quit:
	}
}

func (a *acceptor) serveConn() error {
	if d := a.srv.AcceptTimeout; d > 0 {
		if tcp, ok := a.lis.(*net.TCPListener); ok {
			_ = tcp.SetDeadline(time.Now().Add(d))
		}
	}
	conn, err := a.lis.Accept()
	a.lis.Close()
	if err != nil {
		select {
		case <-a.stopCh:
			return errAcceptorStopped
		default:
		}
		return fmt.Errorf("data accept: %w", err)
	}
	a.conn = conn
	a.log.Debug("data connection established", zap.Stringer("addr", conn.RemoteAddr()))
	go a.readPump()

	var (
		idle  *time.Timer
		idleC <-chan time.Time
	)
	if d := a.srv.InactivityTimeout; d > 0 {
		idle = time.NewTimer(d)
		idleC = idle.C
		defer idle.Stop()
	}
	for {
		select {
		case pkt := <-a.frames:
			if err := a.handleRequest(pkt); err != nil {
				return err
			}
			a.resetIdle(idle)
		case res := <-a.results:
			a.inflight--
			if res.cast {
				if res.rpcErr != nil {
					a.log.Error("cast execution failed",
						zap.String("error", res.rpcErr.Error()))
				}
				continue
			}
			if err := a.writeReply(res); err != nil {
				return fmt.Errorf("reply write: %w", err)
			}
			a.resetIdle(idle)
		case err := <-a.readErr:
			if errors.Is(err, io.EOF) {
				return errPeerGone
			}
			return err
		case <-idleC:
			if a.inflight == 0 {
				a.log.Info("closing idle connection")
				return errAcceptorIdle
			}
			idle.Reset(a.srv.InactivityTimeout)
		case <-a.stopCh:
			return errAcceptorStopped
		}
	}
}

func (a *acceptor) resetIdle(idle *time.Timer) {
	if idle == nil {
		return
	}
	if !idle.Stop() {
		select {
		case <-idle.C:
		default:
		}
	}
	idle.Reset(a.srv.InactivityTimeout)
}

// readPump feeds decoded frames to the serve loop. A decode failure ends the
// connection: frames are not individually recoverable once the stream length
// is off.
func (a *acceptor) readPump() {
	for {
		pkt, err := wire.ReadPacket(a.conn)
		if err != nil {
			select {
			case a.readErr <- err:
			case <-a.quit:
			}
			return
		}
		select {
		case a.frames <- pkt:
		case <-a.quit:
			return
		}
	}
}

func (a *acceptor) handleRequest(pkt wire.Packet) error {
	switch req := pkt.(type) {
	case *wire.CallRequest:
		requestsServed.Inc()
		if !a.srv.policy.Allowed(req.Module) {
			a.log.Warn("call blocked by policy",
				zap.String("module", req.Module),
				zap.String("function", req.Function))
			return a.writeReply(execResult{
				waiter: req.Waiter,
				ref:    req.Ref,
				rpcErr: &wire.RPCError{Kind: wire.ErrNotAllowed},
			})
		}
		a.inflight++
		go a.execute(req.Module, req.Function, req.Args, false, req.Waiter, req.Ref)
	case *wire.CastRequest:
		requestsServed.Inc()
		if !a.srv.policy.Allowed(req.Module) {
			a.log.Warn("cast blocked by policy",
				zap.String("module", req.Module),
				zap.String("function", req.Function))
			return nil
		}
		a.inflight++
		go a.execute(req.Module, req.Function, req.Args, true, wire.Ref{}, wire.Ref{})
	default:
		return fmt.Errorf("%w: unexpected packet %T", wire.ErrCorruptFrame, pkt)
	}
	return nil
}

// execute performs one invocation in isolation. A crash inside the function
// becomes a tagged error reply for calls and a log entry for casts; the
// connection is unaffected either way.
func (a *acceptor) execute(module, function string, args []any, cast bool, waiter, ref wire.Ref) {
	value, err := a.srv.invoker.Invoke(module, function, args)
	res := execResult{cast: cast, waiter: waiter, ref: ref, value: value}
	if err != nil {
		res.value = nil
		res.rpcErr = toRPCError(err)
	}
	select {
	case a.results <- res:
	case <-a.quit:
		// The acceptor died while we were running, nobody wants the result.
	}
}

func (a *acceptor) writeReply(res execResult) error {
	frame, err := wire.MarshalPacket(&wire.Reply{
		Waiter: res.waiter,
		Ref:    res.ref,
		Value:  res.value,
		Err:    res.rpcErr,
	})
	if err != nil {
		// The function returned something the codec can't carry. That's the
		// executor's problem, not the connection's.
		a.log.Warn("reply value is not serializable", zap.Error(err))
		frame, err = wire.MarshalPacket(&wire.Reply{
			Waiter: res.waiter,
			Ref:    res.ref,
			Err:    &wire.RPCError{Kind: wire.ErrInvalidMessage},
		})
		if err != nil {
			return err
		}
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.srv.SendTimeout))
	if _, err := a.conn.Write(frame); err != nil {
		return err
	}
	_ = a.conn.SetWriteDeadline(time.Time{})
	return nil
}

// toRPCError maps executor failures into the wire taxonomy. Anything that
// isn't already tagged counts as a crash of the invoked function.
func toRPCError(err error) *wire.RPCError {
	var crash *invoke.CrashError
	if errors.As(err, &crash) {
		return &wire.RPCError{Kind: wire.ErrCrash, Reason: crash.Reason}
	}
	var rpcErr *wire.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &wire.RPCError{Kind: wire.ErrCrash, Reason: err.Error()}
}
