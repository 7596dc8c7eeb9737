package wire

import (
	"bytes"
	"fmt"
	"io"
)

// Atoms tagging the packet shapes.
const (
	atomCall  = Atom("call")
	atomCast  = Atom("cast")
	atomHello = Atom("hello")
	atomPort  = Atom("port")
	atomOK    = Atom("ok")
	atomError = Atom("error")
)

type (
	// Packet is one framed message of the protocol.
	Packet interface {
		packetTerm() any
	}

	// Hello opens the control-channel handshake, naming the connecting node.
	Hello struct {
		Sender string
	}

	// PortGrant answers a Hello with the ephemeral data port the server has
	// bound for this peer.
	PortGrant struct {
		Port int
	}

	// CallRequest asks the peer to invoke a function and reply.
	CallRequest struct {
		Sender   string
		Waiter   Ref
		Ref      Ref
		Module   string
		Function string
		Args     []any
	}

	// CastRequest asks the peer to invoke a function, fire-and-forget.
	CastRequest struct {
		Sender   string
		Module   string
		Function string
		Args     []any
	}

	// Reply carries one call's result back. Exactly one of Value and Err is
	// meaningful: Err is nil for successful invocations.
	Reply struct {
		Waiter Ref
		Ref    Ref
		Value  any
		Err    *RPCError
	}
)

func (h *Hello) packetTerm() any {
	return Tuple{atomHello, Atom(h.Sender)}
}

func (p *PortGrant) packetTerm() any {
	return Tuple{atomPort, int64(p.Port)}
}

func (c *CallRequest) packetTerm() any {
	return Tuple{
		Atom(c.Sender),
		c.Waiter.Bytes(),
		c.Ref.Bytes(),
		Tuple{atomCall, Atom(c.Module), Atom(c.Function), List(c.Args)},
	}
}

func (c *CastRequest) packetTerm() any {
	return Tuple{
		Atom(c.Sender),
		Tuple{atomCast, Atom(c.Module), Atom(c.Function), List(c.Args)},
	}
}

func (r *Reply) packetTerm() any {
	var value any
	if r.Err != nil {
		var reason any = Atom(r.Err.Kind)
		if r.Err.Reason != "" {
			reason = Tuple{Atom(r.Err.Kind), []byte(r.Err.Reason)}
		}
		value = Tuple{atomError, reason}
	} else {
		v := r.Value
		if v == nil {
			// Functions with nothing to return still need a well-formed
			// reply value.
			v = List{}
		}
		value = Tuple{atomOK, v}
	}
	return Tuple{r.Waiter.Bytes(), r.Ref.Bytes(), value}
}

// MarshalPacket returns the framed wire form of p. Encoding failures (an
// unsupported value inside the packet) surface here, before anything touches
// a socket.
func MarshalPacket(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, p.packetTerm()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WritePacket frames and writes p to w.
func WritePacket(w io.Writer, p Packet) error {
	return WriteFrame(w, p.packetTerm())
}

// ReadPacket reads one frame from r and parses it into a typed packet. Any
// shape violation is reported as ErrCorruptFrame.
func ReadPacket(r io.Reader) (Packet, error) {
	term, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return parsePacket(term)
}

func parsePacket(term any) (Packet, error) {
	top, ok := term.(Tuple)
	if !ok {
		return nil, fmt.Errorf("%w: packet is not a tuple", ErrCorruptFrame)
	}
	switch len(top) {
	case 2:
		switch first := top[0].(type) {
		case Atom:
			if first == atomHello {
				if sender, ok := top[1].(Atom); ok {
					return &Hello{Sender: string(sender)}, nil
				}
			}
			if first == atomPort {
				if port, ok := top[1].(int64); ok {
					return &PortGrant{Port: int(port)}, nil
				}
			}
			return parseCast(first, top[1])
		}
	case 3:
		return parseReply(top)
	case 4:
		return parseCall(top)
	}
	return nil, fmt.Errorf("%w: unknown packet shape", ErrCorruptFrame)
}

func parseCast(sender Atom, body any) (Packet, error) {
	req, ok := body.(Tuple)
	if !ok || len(req) != 4 {
		return nil, fmt.Errorf("%w: bad cast body", ErrCorruptFrame)
	}
	kind, _ := req[0].(Atom)
	module, mok := req[1].(Atom)
	function, fok := req[2].(Atom)
	args, aok := req[3].(List)
	if kind != atomCast || !mok || !fok || !aok {
		return nil, fmt.Errorf("%w: bad cast body", ErrCorruptFrame)
	}
	return &CastRequest{
		Sender:   string(sender),
		Module:   string(module),
		Function: string(function),
		Args:     args,
	}, nil
}

func parseCall(top Tuple) (Packet, error) {
	sender, sok := top[0].(Atom)
	waiter, werr := refField(top[1])
	ref, rerr := refField(top[2])
	req, qok := top[3].(Tuple)
	if !sok || werr != nil || rerr != nil || !qok || len(req) != 4 {
		return nil, fmt.Errorf("%w: bad call packet", ErrCorruptFrame)
	}
	kind, _ := req[0].(Atom)
	module, mok := req[1].(Atom)
	function, fok := req[2].(Atom)
	args, aok := req[3].(List)
	if kind != atomCall || !mok || !fok || !aok {
		return nil, fmt.Errorf("%w: bad call body", ErrCorruptFrame)
	}
	return &CallRequest{
		Sender:   string(sender),
		Waiter:   waiter,
		Ref:      ref,
		Module:   string(module),
		Function: string(function),
		Args:     args,
	}, nil
}

func parseReply(top Tuple) (Packet, error) {
	waiter, werr := refField(top[0])
	ref, rerr := refField(top[1])
	if werr != nil || rerr != nil {
		return nil, fmt.Errorf("%w: bad reply routing fields", ErrCorruptFrame)
	}
	value, ok := top[2].(Tuple)
	if !ok || len(value) != 2 {
		return nil, fmt.Errorf("%w: bad reply value", ErrCorruptFrame)
	}
	rep := &Reply{Waiter: waiter, Ref: ref}
	switch value[0] {
	case atomOK:
		rep.Value = value[1]
	case atomError:
		rpcErr, err := parseRPCError(value[1])
		if err != nil {
			return nil, err
		}
		rep.Err = rpcErr
	default:
		return nil, fmt.Errorf("%w: bad reply value tag", ErrCorruptFrame)
	}
	return rep, nil
}

func parseRPCError(term any) (*RPCError, error) {
	switch t := term.(type) {
	case Atom:
		return &RPCError{Kind: RPCErrorKind(t)}, nil
	case Tuple:
		if len(t) == 2 {
			kind, kok := t[0].(Atom)
			reason, rok := t[1].([]byte)
			if kok && rok {
				return &RPCError{Kind: RPCErrorKind(kind), Reason: string(reason)}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: bad error value", ErrCorruptFrame)
}

func refField(term any) (Ref, error) {
	b, ok := term.([]byte)
	if !ok {
		return Ref{}, fmt.Errorf("not a binary")
	}
	return RefFromBytes(b)
}
