package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/message"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/stream"
	"github.com/nanoscale/nanoscale/sysctx"
)

// Config holds the per-transport framing knobs (spec.md §6 "Endpoint:
// recvmax").
type Config struct {
	// NegotiationTimeout bounds the 8-byte header exchange. Defaults to
	// 10s, the value original_source hard-codes (spec.md §4.4).
	NegotiationTimeout time.Duration

	// RecvMax caps a single inbound message's length; zero means
	// unlimited.
	RecvMax uint32
}

// DefaultConfig returns the framing defaults used when a transport is
// constructed without an explicit Config.
func DefaultConfig() *Config {
	return &Config{NegotiationTimeout: 10 * time.Second}
}

// outReq is one queued outgoing message, grounded on smux's
// writeRequest.
type outReq struct {
	segments [][]byte
	userAIO  *aio.AIO
	byteLen  int
}

// Framer drives the negotiation and length-prefixed framing of one
// stream-based pipe: a dedicated writer goroutine drains an ordered
// queue of outgoing messages (spec.md §5 "sends complete in submission
// order") and a dedicated reader goroutine decodes one message per
// pending user Recv AIO, providing natural back-pressure — the next
// frame isn't read until a consumer is waiting for it.
type Framer struct {
	sys *sysctx.System
	s   stream.Stream
	cfg Config

	proto uint16
	peer  uint16

	sendQ *blockingQueue[*outReq]
	recvQ *blockingQueue[*aio.AIO]

	txaio  *aio.AIO
	txNote chan struct{}
	rxaio  *aio.AIO
	rxNote chan struct{}

	onError   func(error)
	failOnce  sync.Once
	failErr   error
	closeOnce sync.Once
	wg        sync.WaitGroup

	rxBytes, txBytes uint64
	rxMsgs, txMsgs   uint64
}

// Stats returns the rx/tx byte and message counters accumulated over
// the lifetime of the framer (spec.md §3 Pipe statistics counters).
func (f *Framer) Stats() (rxBytes, txBytes, rxMsgs, txMsgs uint64) {
	return atomic.LoadUint64(&f.rxBytes), atomic.LoadUint64(&f.txBytes),
		atomic.LoadUint64(&f.rxMsgs), atomic.LoadUint64(&f.txMsgs)
}

// NewFramer constructs a Framer over s for protocol proto. Call
// Negotiate, then Start, before Send/Recv.
func NewFramer(sys *sysctx.System, s stream.Stream, cfg *Config, proto uint16) *Framer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	f := &Framer{
		sys:   sys,
		s:     s,
		cfg:   *cfg,
		proto: proto,
		sendQ: newBlockingQueue[*outReq](),
		recvQ: newBlockingQueue[*aio.AIO](),
	}
	f.txNote = make(chan struct{}, 1)
	f.rxNote = make(chan struct{}, 1)
	f.txaio = aio.New(sys, func(a *aio.AIO) { notify(f.txNote) })
	f.rxaio = aio.New(sys, func(a *aio.AIO) { notify(f.rxNote) })
	return f
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Peer returns the negotiated peer protocol identity, valid after
// Negotiate returns successfully.
func (f *Framer) Peer() uint16 { return f.peer }

// Negotiate exchanges the 8-byte negotiation header with the peer and
// records its protocol identity. Synchronous: blocks the caller's
// goroutine (normally the pipe's setup goroutine) for up to
// cfg.NegotiationTimeout.
func (f *Framer) Negotiate() error {
	timeout := f.cfg.NegotiationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := f.sys.Now().Add(timeout)

	var wg sync.WaitGroup
	wg.Add(2)

	var sendErr, recvErr error
	go func() {
		defer wg.Done()
		sendErr = f.writeAll(f.txaio, f.txNote, [][]byte{EncodeHeader(f.proto)}, deadline)
	}()

	var hdr [HeaderLen]byte
	go func() {
		defer wg.Done()
		recvErr = f.readExact(f.rxaio, f.rxNote, hdr[:], deadline)
	}()

	wg.Wait()
	if sendErr != nil {
		return upgradeNegotiationErr(sendErr)
	}
	if recvErr != nil {
		return upgradeNegotiationErr(recvErr)
	}
	peer, err := DecodeHeader(hdr[:])
	if err != nil {
		return err
	}
	f.peer = peer
	return nil
}

// upgradeNegotiationErr distinguishes "listener socket closed" from
// "accepted connection was closed by peer" per spec.md §7's
// negotiation-specific ECLOSED -> ECONNSHUT upgrade.
func upgradeNegotiationErr(err error) error {
	if err == nserr.ErrClosed {
		return nserr.ErrConnShut
	}
	return err
}

// Start launches the writer and reader goroutines. onError is invoked
// exactly once, the first time the transport observes the pipe has
// become unusable (framing violation or stream error).
func (f *Framer) Start(onError func(error)) {
	f.onError = onError
	f.wg.Add(2)
	go f.writerLoop()
	go f.readerLoop()
}

// Send enqueues userAIO's attached message for transmission. Completion
// of userAIO happens asynchronously once the frame is fully written.
// Like every other provider in this tree (stream.Stream, tlsstream,
// wsstream), Send must call userAIO.Start before doing any work: Start
// is what preps userAIO's task (wiring its callback) and arms its
// caller-set timeout/expiration against the expiration engine — skip
// it and the caller's callback never fires and SetTimeout/Abort/Cancel
// are inert.
func (f *Framer) Send(userAIO *aio.AIO) {
	msg := userAIO.GetMsg()

	var req *outReq
	if msg != nil {
		total := msg.Len()
		segments := make([][]byte, 0, 3)
		segments = append(segments, EncodeLength(uint64(total)))
		if len(msg.Header) > 0 {
			segments = append(segments, msg.Header)
		}
		if len(msg.Body) > 0 {
			segments = append(segments, msg.Body)
		}
		req = &outReq{segments: segments, userAIO: userAIO, byteLen: total}
	}

	if !userAIO.Start(func(result error) {
		if req != nil && f.sendQ.Remove(func(r *outReq) bool { return r == req }) {
			userAIO.Finish(result, 0)
		}
	}) {
		return
	}

	if req == nil {
		userAIO.FinishError(nserr.ErrInvalid)
		return
	}
	f.sendQ.Push(req)
}

// Recv enqueues userAIO to receive the next complete message. See Send
// above for why Start must run first.
func (f *Framer) Recv(userAIO *aio.AIO) {
	if !userAIO.Start(func(result error) {
		if f.recvQ.Remove(func(a *aio.AIO) bool { return a == userAIO }) {
			userAIO.Finish(result, 0)
		}
	}) {
		return
	}
	f.recvQ.Push(userAIO)
}

// Close tears down the framer: stops accepting new sends/recvs, fails
// everything queued, and closes the underlying stream so any Send/Recv
// blocked on the peer (who may have stopped reading, e.g. after
// rejecting an oversized frame) unblocks rather than hanging forever.
func (f *Framer) Close() {
	f.closeOnce.Do(func() {
		f.sendQ.Close()
		f.recvQ.Close()
		f.s.Stop()
	})
}

// Wait blocks until the writer and reader goroutines have exited.
func (f *Framer) Wait() { f.wg.Wait() }

func (f *Framer) fail(err error) {
	f.failOnce.Do(func() {
		f.failErr = err
		f.Close()
		if f.onError != nil {
			f.onError(err)
		}
	})
}

func (f *Framer) writerLoop() {
	defer f.wg.Done()
	for {
		req, ok := f.sendQ.PopBlocking()
		if !ok {
			// Drain anything raced in after Close with the failure
			// error so no caller hangs waiting on its AIO.
			for _, r := range f.sendQ.Drain() {
				r.userAIO.FinishError(f.currentErr())
			}
			return
		}
		err := f.writeAll(f.txaio, f.txNote, req.segments, time.Time{})
		if err != nil {
			req.userAIO.FinishError(err)
			f.fail(err)
			continue
		}
		atomic.AddUint64(&f.txBytes, uint64(req.byteLen))
		atomic.AddUint64(&f.txMsgs, 1)
		req.userAIO.Finish(nil, req.byteLen)
	}
}

func (f *Framer) readerLoop() {
	defer f.wg.Done()
	defer func() {
		// Fail every Recv still queued once the reader stops, so none is
		// left waiting on its AIO.
		for _, a := range f.recvQ.Drain() {
			a.FinishError(f.currentErr())
		}
	}()
	for {
		userAIO, ok := f.recvQ.PopBlocking()
		if !ok {
			return
		}

		var lenBuf [LengthPrefixLen]byte
		if err := f.readExact(f.rxaio, f.rxNote, lenBuf[:], time.Time{}); err != nil {
			userAIO.FinishError(upgradeNegotiationErr(err))
			f.fail(err)
			return
		}
		n := DecodeLength(lenBuf[:])
		if f.cfg.RecvMax != 0 && n > uint64(f.cfg.RecvMax) {
			userAIO.FinishError(nserr.ErrMsgSize)
			f.fail(nserr.ErrMsgSize)
			return
		}

		msg := message.New(int(n))
		if n > 0 {
			if err := f.readExact(f.rxaio, f.rxNote, msg.Body, time.Time{}); err != nil {
				userAIO.FinishError(err)
				f.fail(err)
				return
			}
		}
		atomic.AddUint64(&f.rxBytes, n)
		atomic.AddUint64(&f.rxMsgs, 1)
		userAIO.FinishMsg(msg)
	}
}

func (f *Framer) currentErr() error {
	if f.failErr != nil {
		return f.failErr
	}
	return nserr.ErrClosed
}

// writeAll drives a.Send repeatedly over segments until every byte is
// written, consuming a fresh slot on the reusable aio each pass
// (spec.md §4.4 "a partial send advances the vector and continues until
// complete").
func (f *Framer) writeAll(a *aio.AIO, note chan struct{}, segments [][]byte, deadline time.Time) error {
	remaining := segments
	for len(remaining) > 0 {
		a.Reset()
		if !deadline.IsZero() {
			a.SetExpire(deadline)
		} else {
			a.SetTimeout(aio.TimeoutInfinite)
		}
		a.SetIOV(remaining)
		f.s.Send(a)
		<-note
		if err := a.Result(); err != nil {
			return err
		}
		n := a.Count()
		if n == 0 {
			return nserr.ErrProto
		}
		remaining = advance(remaining, n)
	}
	return nil
}

// readExact drives a.Recv repeatedly until buf is fully populated.
func (f *Framer) readExact(a *aio.AIO, note chan struct{}, buf []byte, deadline time.Time) error {
	remaining := [][]byte{buf}
	for len(remaining) > 0 && len(remaining[0]) > 0 {
		a.Reset()
		if !deadline.IsZero() {
			a.SetExpire(deadline)
		} else {
			a.SetTimeout(aio.TimeoutInfinite)
		}
		a.SetIOV(remaining)
		f.s.Recv(a)
		<-note
		if err := a.Result(); err != nil {
			return err
		}
		n := a.Count()
		if n == 0 {
			return nserr.ErrConnShut
		}
		remaining = advance(remaining, n)
	}
	return nil
}

// advance drops n bytes off the front of segments, collapsing any
// segment that becomes empty.
func advance(segments [][]byte, n int) [][]byte {
	for n > 0 && len(segments) > 0 {
		seg := segments[0]
		if n < len(seg) {
			segments[0] = seg[n:]
			return segments
		}
		n -= len(seg)
		segments = segments[1:]
	}
	return segments
}
