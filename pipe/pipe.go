// Package pipe implements the reference-counted per-connection object
// that turns a negotiated transport into the unit protocols and sockets
// operate on (spec.md §3 Pipe, §4.7).
//
// Grounded on socket515-gaio's per-connection bookkeeping (a small struct
// carrying the net.Conn plus its pending-op queues) generalized to the
// spec's wider shape: a randomized 32-bit identity from a global id map,
// an owner back-reference, and a reap-on-zero-refcount lifecycle instead
// of gaio's "GC decides" approach, since the spec requires deterministic,
// lock-free-at-the-edges teardown (§9).
package pipe

import (
	"sync"
	"sync/atomic"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/internal/idmap"
	"github.com/nanoscale/nanoscale/internal/reaper"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/sysctx"
	"github.com/nanoscale/nanoscale/transport"
)

// Owner is the back-reference a Pipe holds to whatever admitted it (a
// socket). Kept as a narrow interface rather than a concrete *socket.Socket
// to avoid an import cycle between pipe and socket.
type Owner interface {
	// PipeClosed is called exactly once, from the reaper, after a pipe's
	// refcount has dropped to zero and it has been removed from the
	// global id map. The owner should drop the pipe from its own
	// membership lists.
	PipeClosed(p *Pipe)
}

var registry = idmap.New[*Pipe](nil)

// Pipe is a reference-counted, bidirectional connection between two
// peers, bound to a socket and a transport (spec.md §3 Pipe).
type Pipe struct {
	id    uint32
	sys   *sysctx.System
	f     *transport.Framer
	owner Owner

	ownerProto uint16

	refcount  int32
	closed    atomic.Bool
	closeOnce sync.Once
}

// New allocates a Pipe over an already-negotiated framer, assigns it a
// randomized non-zero identity, and registers it in the global id map
// with a refcount of one (the caller's reference).
func New(sys *sysctx.System, f *transport.Framer, ownerProto uint16, owner Owner) *Pipe {
	p := &Pipe{
		sys:        sys,
		f:          f,
		owner:      owner,
		ownerProto: ownerProto,
		refcount:   1,
	}
	p.id = registry.Insert(p)
	return p
}

// ID returns the pipe's randomized 32-bit identity.
func (p *Pipe) ID() uint32 { return p.id }

// Peer returns the 16-bit peer protocol identity captured during
// negotiation.
func (p *Pipe) Peer() uint16 { return p.f.Peer() }

// Find acquires a reference to the pipe registered under id, if any and
// still alive. Mirrors spec.md §4.7's find/hold pairing: a successful
// Find already holds a reference on the caller's behalf.
func Find(id uint32) (*Pipe, bool) {
	p, ok := registry.Find(id)
	if !ok {
		return nil, false
	}
	if !p.Hold() {
		return nil, false
	}
	return p, true
}

// Hold increments the reference count. Returns false if the pipe has
// already reaped (refcount already at zero) — callers racing Find
// against a concurrent final Rele must check this.
func (p *Pipe) Hold() bool {
	for {
		cur := atomic.LoadInt32(&p.refcount)
		if cur <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&p.refcount, cur, cur+1) {
			return true
		}
	}
}

// Rele drops a reference. The last Rele schedules the pipe's final
// teardown on the task pool (spec.md §9: "reference counts are atomic;
// drops to zero schedule a reaper entry... so callers may safely
// decrement while holding other locks").
func (p *Pipe) Rele() {
	if atomic.AddInt32(&p.refcount, -1) != 0 {
		return
	}
	reaper.Schedule(p.sys.Tasks, p.reap)
}

func (p *Pipe) reap() {
	registry.Delete(p.id)
	p.closeLocal()
	if p.owner != nil {
		p.owner.PipeClosed(p)
	}
}

func (p *Pipe) closeLocal() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.f.Close()
	})
}

// Close marks the pipe unusable and closes its transport. Idempotent;
// the first caller's close is what actually tears down the framer, but
// Close does not itself drop the caller's reference — call Rele
// separately (or rely on the owner's own Rele once it notices the
// pipe has closed).
func (p *Pipe) Close() {
	p.closeLocal()
}

// Closed reports whether Close has run.
func (p *Pipe) Closed() bool { return p.closed.Load() }

// Send forwards a to the transport, failing it immediately with
// ErrClosed if the pipe has already closed.
func (p *Pipe) Send(a *aio.AIO) {
	if p.closed.Load() {
		if a.Start(nil) {
			a.FinishError(nserr.ErrClosed)
		}
		return
	}
	p.f.Send(a)
}

// Recv forwards a to the transport, failing it immediately with
// ErrClosed if the pipe has already closed.
func (p *Pipe) Recv(a *aio.AIO) {
	if p.closed.Load() {
		if a.Start(nil) {
			a.FinishError(nserr.ErrClosed)
		}
		return
	}
	p.f.Recv(a)
}

// Stats returns the rx/tx byte and message counters accumulated over the
// pipe's lifetime (SPEC_FULL.md §4 supplemented feature).
func (p *Pipe) Stats() (rxBytes, txBytes, rxMsgs, txMsgs uint64) {
	return p.f.Stats()
}
