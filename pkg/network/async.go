package network

import (
	"sync"
	"time"

	"github.com/peercall/peercall/pkg/wire"
)

// AsyncResult is the handle of a call running in the background. Once the
// call completes its outcome is kept on the handle; a reply that doesn't
// arrive within the async inactivity timeout completes it with
// {rpc_error, timeout}.
type AsyncResult struct {
	ch chan waiterResult

	mu   sync.Mutex
	done bool
	res  waiterResult
}

// AsyncCall starts the call and returns immediately. The receive window of
// the underlying call is the async inactivity timeout: a handle nobody
// awaits doesn't hold its waiter forever.
func (p *Pool) AsyncCall(peer, module, function string, args []any, opts ...CallOption) *AsyncResult {
	r := &AsyncResult{ch: make(chan waiterResult, 1)}
	window := p.cfg.AsyncCallInactivityTimeout
	if window > 0 {
		opts = append([]CallOption{WithRecvTimeout(window)}, opts...)
	} else {
		opts = append([]CallOption{WithRecvTimeout(time.Duration(1<<62 - 1))}, opts...)
	}
	go func() {
		value, err := p.Call(peer, module, function, args, opts...)
		r.ch <- waiterResult{value: value, err: err}
	}()
	return r
}

// Await blocks until the call completes or timeout elapses. On timeout it
// returns {rpc_error, timeout} and may be called again: the result is kept.
func (r *AsyncResult) Await(timeout time.Duration) (any, error) {
	r.mu.Lock()
	if r.done {
		defer r.mu.Unlock()
		return r.res.value, r.res.err
	}
	r.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-r.ch:
		r.mu.Lock()
		r.done = true
		r.res = res
		r.mu.Unlock()
		return res.value, res.err
	case <-timer.C:
		return nil, &wire.RPCError{Kind: wire.ErrTimeout}
	}
}
