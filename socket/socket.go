// Package socket implements the socket/endpoint lifecycle described in
// spec.md §3 ("Socket / endpoint") and §4.7: a socket owns a set of
// dialers and listeners, admits pipes once their negotiation header
// exchange succeeds, and aggregates their statistics. The peer's protocol
// identity is recorded on the pipe (Pipe.Peer) but is not checked
// against the socket's own; a pipe to a peer of any protocol is admitted.
//
// Grounded on socket515-gaio's top-level Watcher (the object a caller
// registers connections against) generalized into the spec's explicit
// dialer/listener/pipe bookkeeping, and on xtaci-kcptun's client/server
// split for how a single process-level object owns many independent
// connections.
package socket

import (
	"sync"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/message"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/pipe"
	"github.com/nanoscale/nanoscale/stream"
	"github.com/nanoscale/nanoscale/sysctx"
	"github.com/nanoscale/nanoscale/transport"
)

// Socket owns a set of dialers and listeners under one protocol identity
// and the set of pipes those endpoints have admitted.
type Socket struct {
	sys  *sysctx.System
	proto uint16
	tcfg *transport.Config

	mu        sync.Mutex
	closed    bool
	endpoints []*Endpoint
	pipes     map[uint32]*pipe.Pipe
	recvMax   uint32
}

// New constructs a Socket bound to sys and proto (the 16-bit protocol
// identity exchanged during negotiation, spec.md §6).
func New(sys *sysctx.System, proto uint16) *Socket {
	if sys == nil {
		sys = sysctx.Default()
	}
	return &Socket{
		sys:   sys,
		proto: proto,
		tcfg:  transport.DefaultConfig(),
		pipes: make(map[uint32]*pipe.Pipe),
	}
}

// SetRecvMax caps the size of a single inbound message; zero means
// unlimited (spec.md §6 Endpoint "recvmax").
func (s *Socket) SetRecvMax(n uint32) {
	s.mu.Lock()
	s.recvMax = n
	cfg := *s.tcfg
	cfg.RecvMax = n
	s.tcfg = &cfg
	s.mu.Unlock()
}

// Dial creates a dialer endpoint over d and attaches it to the socket.
func (s *Socket) Dial(d stream.Dialer) (*Endpoint, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nserr.ErrClosed
	}
	tcfg := s.tcfg
	s.mu.Unlock()

	e := newDialEndpoint(s.sys, s, d, tcfg)
	s.mu.Lock()
	s.endpoints = append(s.endpoints, e)
	s.mu.Unlock()
	return e, nil
}

// Listen creates a listener endpoint over ln and attaches it to the
// socket.
func (s *Socket) Listen(ln stream.Listener) (*Endpoint, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nserr.ErrClosed
	}
	tcfg := s.tcfg
	s.mu.Unlock()

	e := newListenEndpoint(s.sys, s, ln, tcfg)
	s.mu.Lock()
	s.endpoints = append(s.endpoints, e)
	s.mu.Unlock()
	return e, nil
}

// pipeAdmitted registers p as live on the socket. Called by an endpoint
// immediately after a successful negotiation.
func (s *Socket) pipeAdmitted(p *pipe.Pipe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		p.Close()
		p.Rele()
		return
	}
	s.pipes[p.ID()] = p
}

// pipeFailed is the framer's onError callback: the transport observed a
// terminal error, so the pipe is closed and dropped.
func (s *Socket) pipeFailed(p *pipe.Pipe, err error) {
	p.Close()
	s.mu.Lock()
	delete(s.pipes, p.ID())
	s.mu.Unlock()
}

// PipeClosed implements pipe.Owner: called by the reaper once p's
// refcount reaches zero.
func (s *Socket) PipeClosed(p *pipe.Pipe) {
	s.mu.Lock()
	delete(s.pipes, p.ID())
	s.mu.Unlock()
}

// Recipients returns the pipe IDs currently admitted to the socket
// (SPEC_FULL.md §4 supplemented bus fan-out fixture).
func (s *Socket) Recipients() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, 0, len(s.pipes))
	for id := range s.pipes {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast fans msg out to every pipe admitted to the socket except
// excludePipeID (0 excludes none), firing one send AIO per recipient and
// discarding the per-pipe result. Supplements spec.md §8 scenario 4 (bus
// fan-out) without implementing a full bus0 pattern module.
func (s *Socket) Broadcast(msg *message.Msg, excludePipeID uint32) {
	s.mu.Lock()
	targets := make([]*pipe.Pipe, 0, len(s.pipes))
	for id, p := range s.pipes {
		if id == excludePipeID {
			continue
		}
		if p.Hold() {
			targets = append(targets, p)
		}
	}
	s.mu.Unlock()

	for _, p := range targets {
		p := p
		m := msg.Clone()
		a := aio.New(s.sys, func(a *aio.AIO) { p.Rele() })
		a.SetMsg(m)
		p.Send(a)
	}
}

// Stats aggregates rx/tx byte and message counters across every pipe
// currently admitted to the socket (SPEC_FULL.md §4 supplemented
// feature).
func (s *Socket) Stats() (rxBytes, txBytes, rxMsgs, txMsgs uint64) {
	s.mu.Lock()
	pipes := make([]*pipe.Pipe, 0, len(s.pipes))
	for _, p := range s.pipes {
		pipes = append(pipes, p)
	}
	s.mu.Unlock()

	for _, p := range pipes {
		rb, tb, rm, tm := p.Stats()
		rxBytes += rb
		txBytes += tb
		rxMsgs += rm
		txMsgs += tm
	}
	return
}

// Close closes every endpoint and pipe owned by the socket. Idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	endpoints := s.endpoints
	s.endpoints = nil
	pipes := make([]*pipe.Pipe, 0, len(s.pipes))
	for _, p := range s.pipes {
		pipes = append(pipes, p)
	}
	s.pipes = make(map[uint32]*pipe.Pipe)
	s.mu.Unlock()

	var firstErr error
	for _, e := range endpoints {
		if err := e.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range pipes {
		p.Close()
		p.Rele()
	}
	return firstErr
}
