package network

import (
	"github.com/peercall/peercall/pkg/wire"
)

// waiter holds one in-flight call's reply slot. The client actor posts the
// outcome here and the original caller picks it up with its own receive
// timeout. The slot is buffered so a late reply to a caller that already
// gave up is absorbed and dropped instead of blocking the actor.
type waiter struct {
	id  wire.Ref
	ref wire.Ref
	ch  chan waiterResult
}

type waiterResult struct {
	value any
	err   error
}

func newWaiter(ref wire.Ref) *waiter {
	return &waiter{
		id:  wire.NewRef(),
		ref: ref,
		ch:  make(chan waiterResult, 1),
	}
}

// deliver posts the outcome without ever blocking. Only the first delivery
// matters, anything after that has nobody to read it.
func (w *waiter) deliver(value any, err error) {
	select {
	case w.ch <- waiterResult{value: value, err: err}:
	default:
	}
}
