package network

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// NodeResult is one peer's outcome of a fanned-out operation.
type NodeResult struct {
	Node  string
	Value any
	Err   error
}

// MultiCall performs the same call on every listed peer concurrently and
// returns the per-peer outcomes in input order.
func (p *Pool) MultiCall(peers []string, module, function string, args []any, opts ...CallOption) []NodeResult {
	results := make([]NodeResult, len(peers))
	var wg sync.WaitGroup
	for i, peer := range peers {
		wg.Add(1)
		go func(i int, peer string) {
			defer wg.Done()
			value, err := p.Call(peer, module, function, args, opts...)
			results[i] = NodeResult{Node: peer, Value: value, Err: err}
		}(i, peer)
	}
	wg.Wait()
	return results
}

// Abcast sends the cast to every listed peer. Failures are logged, not
// surfaced: it's fire-and-forget all the way.
func (p *Pool) Abcast(peers []string, module, function string, args []any, opts ...CallOption) {
	for _, peer := range peers {
		go func(peer string) {
			if err := p.Cast(peer, module, function, args, opts...); err != nil {
				p.log.Warn("broadcast cast failed",
					zap.String("peer", peer),
					zap.String("module", module),
					zap.String("function", function),
					zap.Error(err))
			}
		}(peer)
	}
}

// SBCast is the safe variant of Abcast: it reports which peers accepted the
// cast onto their socket and which did not answer within the configured
// window. Acceptance still isn't a delivery guarantee, it only means the
// frame was written.
func (p *Pool) SBCast(peers []string, module, function string, args []any, opts ...CallOption) (good, bad []string) {
	type outcome struct {
		peer string
		err  error
	}
	outcomes := make(chan outcome, len(peers))
	for _, peer := range peers {
		go func(peer string) {
			outcomes <- outcome{peer: peer, err: p.Cast(peer, module, function, args, opts...)}
		}(peer)
	}

	window := p.cfg.SBCastReceiveTimeout
	if window <= 0 {
		window = time.Duration(1<<62 - 1)
	}
	timer := time.NewTimer(window)
	defer timer.Stop()

	seen := make(map[string]bool, len(peers))
	for range peers {
		select {
		case o := <-outcomes:
			seen[o.peer] = true
			if o.err == nil {
				good = append(good, o.peer)
			} else {
				bad = append(bad, o.peer)
			}
		case <-timer.C:
			for _, peer := range peers {
				if !seen[peer] {
					bad = append(bad, peer)
				}
			}
			return good, bad
		}
	}
	return good, bad
}
