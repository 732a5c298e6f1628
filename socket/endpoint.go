package socket

import (
	"errors"
	"sync"
	"time"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/pipe"
	"github.com/nanoscale/nanoscale/stream"
	"github.com/nanoscale/nanoscale/sysctx"
	"github.com/nanoscale/nanoscale/transport"
)

// acceptBackoff is the sleep duration used to soft-throttle a listener's
// accept loop after ENOMEM/ENOFILES, per spec.md §4.7.
const acceptBackoff = 50 * time.Millisecond

// Endpoint is a dialer or a listener attached to a socket and a
// transport scheme (spec.md §3 Socket/endpoint, §4.7). Exactly one of
// dialer/ln is non-nil.
//
// Grounded on socket515-gaio's single-event-loop accept/connect dispatch,
// generalized into the spec's explicit negotiating/waiting pipe lists and
// EBUSY-on-second-outstanding-op contract.
type Endpoint struct {
	sys    *sysctx.System
	sock   *Socket
	tcfg   *transport.Config
	dialer stream.Dialer
	ln     stream.Listener

	mu      sync.Mutex
	closed  bool
	userAIO *aio.AIO // at most one outstanding connect/accept
	waiting []*pipe.Pipe

	connAIO  *aio.AIO // dialer: drives Dial; listener: drives Accept
	retryAIO *aio.AIO // listener: backoff sleep between accepts
}

func newDialEndpoint(sys *sysctx.System, sock *Socket, d stream.Dialer, tcfg *transport.Config) *Endpoint {
	e := &Endpoint{sys: sys, sock: sock, tcfg: tcfg, dialer: d}
	e.connAIO = aio.New(sys, e.onDialDone)
	return e
}

func newListenEndpoint(sys *sysctx.System, sock *Socket, ln stream.Listener, tcfg *transport.Config) *Endpoint {
	e := &Endpoint{sys: sys, sock: sock, tcfg: tcfg, ln: ln}
	e.connAIO = aio.New(sys, e.onAcceptDone)
	e.retryAIO = aio.New(sys, e.onBackoffDone)
	e.armAccept()
	return e
}

// Connect services a user connect(aio): stash it if idle, kick the
// dialer. A second connect while one is outstanding fails with EBUSY.
// Start must run first, exactly as every other provider in this tree
// does: it preps a's task (wiring its callback) and arms its
// caller-set timeout/expiration, and installs the cancel hook that
// unlinks a from e.userAIO if it is aborted/timed out/stopped while
// still pending.
func (e *Endpoint) Connect(a *aio.AIO) {
	if !a.Start(func(result error) {
		e.mu.Lock()
		matched := e.userAIO == a
		if matched {
			e.userAIO = nil
		}
		e.mu.Unlock()
		if matched {
			a.Finish(result, 0)
		}
	}) {
		return
	}

	e.mu.Lock()
	if e.dialer == nil {
		e.mu.Unlock()
		a.FinishError(nserr.ErrInvalid)
		return
	}
	if e.closed {
		e.mu.Unlock()
		a.FinishError(nserr.ErrClosed)
		return
	}
	if e.userAIO != nil {
		e.mu.Unlock()
		a.FinishError(nserr.ErrBusy)
		return
	}
	e.userAIO = a
	e.mu.Unlock()

	e.connAIO.Reset()
	e.connAIO.SetTimeout(aio.TimeoutInfinite)
	e.dialer.Dial(e.connAIO)
}

func (e *Endpoint) onDialDone(a *aio.AIO) {
	if result := a.Result(); result != nil {
		e.finishUser(nil, result)
		return
	}
	s, _ := a.GetOutput(0).(stream.Stream)
	p, err := e.negotiate(s)
	if err != nil {
		e.finishUser(nil, err)
		return
	}
	e.finishUser(p, nil)
}

// Accept services a user accept(aio): if a negotiated pipe is already
// waiting, match it immediately; otherwise stash the AIO until the
// background accept loop produces one. A second accept while one is
// outstanding fails with EBUSY. Start must run first, for the same
// reason as Connect above.
func (e *Endpoint) Accept(a *aio.AIO) {
	if !a.Start(func(result error) {
		e.mu.Lock()
		matched := e.userAIO == a
		if matched {
			e.userAIO = nil
		}
		e.mu.Unlock()
		if matched {
			a.Finish(result, 0)
		}
	}) {
		return
	}

	e.mu.Lock()
	if e.ln == nil {
		e.mu.Unlock()
		a.FinishError(nserr.ErrInvalid)
		return
	}
	if e.closed {
		e.mu.Unlock()
		a.FinishError(nserr.ErrClosed)
		return
	}
	if e.userAIO != nil {
		e.mu.Unlock()
		a.FinishError(nserr.ErrBusy)
		return
	}
	if len(e.waiting) > 0 {
		p := e.waiting[0]
		e.waiting = e.waiting[1:]
		e.mu.Unlock()
		finishWithPipe(a, p)
		return
	}
	e.userAIO = a
	e.mu.Unlock()
}

// finishWithPipe completes a with p recorded in output slot 0, the
// accept/connect contract shared by both endpoint kinds.
func finishWithPipe(a *aio.AIO, p *pipe.Pipe) {
	a.SetOutput(0, p)
	a.Finish(nil, 0)
}

func (e *Endpoint) armAccept() {
	e.connAIO.Reset()
	e.connAIO.SetTimeout(aio.TimeoutInfinite)
	e.ln.Accept(e.connAIO)
}

func (e *Endpoint) onAcceptDone(a *aio.AIO) {
	result := a.Result()
	if result != nil {
		switch {
		case errors.Is(result, nserr.ErrClosed), errors.Is(result, nserr.ErrStopped):
			return
		case errors.Is(result, nserr.ErrNoMem):
			e.scheduleBackoff()
			return
		default:
			e.armAccept()
			return
		}
	}

	s, _ := a.GetOutput(0).(stream.Stream)
	go e.handleAccepted(s)

	e.armAccept()
}

func (e *Endpoint) handleAccepted(s stream.Stream) {
	p, err := e.negotiate(s)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		if p != nil {
			p.Close()
			p.Rele()
		}
		return
	}
	if err != nil {
		e.mu.Unlock()
		e.sys.Logger.Warn("endpoint negotiation failed", "err", err)
		return
	}
	if e.userAIO != nil {
		u := e.userAIO
		e.userAIO = nil
		e.mu.Unlock()
		finishWithPipe(u, p)
		return
	}
	e.waiting = append(e.waiting, p)
	e.mu.Unlock()
}

func (e *Endpoint) scheduleBackoff() {
	e.retryAIO.Reset()
	e.retryAIO.SetTimeout(acceptBackoff)
	e.retryAIO.SetExpireOK(true)
	e.retryAIO.SetSleep(true)
	e.retryAIO.Start(nil)
}

func (e *Endpoint) onBackoffDone(a *aio.AIO) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.armAccept()
}

// negotiate runs the framed-message negotiation over s and, on success,
// constructs and registers a pipe admitted to the owning socket.
func (e *Endpoint) negotiate(s stream.Stream) (*pipe.Pipe, error) {
	span := sysctx.NewSpanID()
	f := transport.NewFramer(e.sys, s, e.tcfg, e.sock.proto)
	if err := f.Negotiate(); err != nil {
		s.Close()
		e.sys.Logger.Warn("pipe negotiation failed", "span", span, "err", err)
		return nil, err
	}
	p := pipe.New(e.sys, f, e.sock.proto, e.sock)
	e.sys.Logger.Info("pipe negotiated", "span", span, "pipe", p.ID())
	f.Start(func(err error) {
		e.sock.pipeFailed(p, err)
	})
	e.sock.pipeAdmitted(p)
	return p, nil
}

func (e *Endpoint) finishUser(p *pipe.Pipe, err error) {
	e.mu.Lock()
	u := e.userAIO
	e.userAIO = nil
	e.mu.Unlock()
	if u == nil {
		if p != nil {
			p.Close()
			p.Rele()
		}
		return
	}
	if err != nil {
		u.FinishError(err)
		return
	}
	finishWithPipe(u, p)
}

// Close tears the endpoint down: closes the underlying dialer/listener
// and fails the outstanding user AIO, if any, with ErrClosed.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	u := e.userAIO
	e.userAIO = nil
	waiting := e.waiting
	e.waiting = nil
	e.mu.Unlock()

	if u != nil {
		u.FinishError(nserr.ErrClosed)
	}
	for _, p := range waiting {
		p.Close()
		p.Rele()
	}

	if e.dialer != nil {
		return e.dialer.Close()
	}
	return e.ln.Close()
}
