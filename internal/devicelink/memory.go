package devicelink

import (
	"sync"

	"github.com/dmihaylov4/WRKT-sub002/internal/protocol"
)

const recvWindow = 256

// Pair is an in-memory duplex link used by the simulator and tests.
// Reachability applies to the link as a whole.
type Pair struct {
	A *Endpoint
	B *Endpoint

	mu        sync.Mutex
	reachable bool
}

func NewPair() *Pair {
	p := &Pair{reachable: true}
	p.A = &Endpoint{pair: p, recv: make(chan protocol.Message, recvWindow), reach: make(chan bool, 8)}
	p.B = &Endpoint{pair: p, recv: make(chan protocol.Message, recvWindow), reach: make(chan bool, 8)}
	p.A.peer = p.B
	p.B.peer = p.A
	return p
}

// SetReachable flips link reachability; turning it on drains both endpoints'
// guaranteed backlogs.
func (p *Pair) SetReachable(v bool) {
	p.mu.Lock()
	changed := p.reachable != v
	p.reachable = v
	p.mu.Unlock()
	if !changed {
		return
	}

	p.A.notifyReachability(v)
	p.B.notifyReachability(v)
	if v {
		p.A.flushPending()
		p.B.flushPending()
	}
}

func (p *Pair) isReachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

// Endpoint is one side of a Pair.
type Endpoint struct {
	pair *Pair
	peer *Endpoint

	mu      sync.Mutex
	pending []protocol.Message
	closed  bool

	recv  chan protocol.Message
	reach chan bool
}

func (e *Endpoint) SendInstant(msg protocol.Message) error {
	if !e.pair.isReachable() {
		return ErrUnreachable
	}
	if !e.peer.deliver(msg) {
		return ErrUnreachable
	}
	return nil
}

func (e *Endpoint) SendGuaranteed(msg protocol.Message) {
	e.mu.Lock()
	e.pending = append(e.pending, msg)
	e.mu.Unlock()
	if e.pair.isReachable() {
		e.flushPending()
	}
}

func (e *Endpoint) Receive() <-chan protocol.Message {
	return e.recv
}

func (e *Endpoint) Reachable() bool {
	return e.pair.isReachable()
}

func (e *Endpoint) ReachabilityChanges() <-chan bool {
	return e.reach
}

func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.recv)
}

// deliver performs a non-blocking handoff into the receive window. The lock
// is held through the send so Close cannot slip in between.
func (e *Endpoint) deliver(msg protocol.Message) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.recv <- msg:
		return true
	default:
		return false
	}
}

// flushPending drains the guaranteed backlog in order. Messages the peer
// cannot take yet stay queued for the next flush.
func (e *Endpoint) flushPending() {
	e.mu.Lock()
	backlog := e.pending
	e.pending = nil
	e.mu.Unlock()

	for i, msg := range backlog {
		if !e.peer.deliver(msg) {
			e.mu.Lock()
			e.pending = append(backlog[i:], e.pending...)
			e.mu.Unlock()
			return
		}
	}
}

func (e *Endpoint) notifyReachability(v bool) {
	select {
	case e.reach <- v:
	default:
	}
}
