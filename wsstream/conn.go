package wsstream

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/stream"
)

// wsConn adapts one negotiated WebSocket connection into a stream.Stream.
// In ModeStream each Send call writes exactly one frame (spec.md §4.6
// "stream mode... each user send produces exactly one frame with FIN"),
// and each Recv call drains bytes from the most recently decoded frame;
// in ModeMessage each Send writes one whole message (possibly several
// frames) and each Recv returns one whole reassembled message. Either way
// PINGs are answered and PONGs absorbed transparently, while the peer's
// CLOSE ends the Recv with ErrConnShut and closes the connection.
// Grounded on stream.connStream's Send/Recv/cancelState shape,
// generalized from "one syscall per call" to "one frame decode per call,
// with any leftover payload carried to the next Recv".
type wsConn struct {
	conn     net.Conn
	br       *bufio.Reader
	cfg      *Config
	isServer bool
	protocol string

	mu         sync.Mutex
	closed     bool
	closeErr   error
	sentClose  bool
	peerClosed bool
	inflight   sync.WaitGroup

	writeMu sync.Mutex

	leftover []byte
}

func newConn(conn net.Conn, br *bufio.Reader, cfg *Config, isServer bool) stream.Stream {
	return newConnWithProtocol(conn, br, cfg, isServer, "")
}

func newConnWithProtocol(conn net.Conn, br *bufio.Reader, cfg *Config, isServer bool, protocol string) stream.Stream {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	return &wsConn{conn: conn, br: br, cfg: cfg, isServer: isServer, protocol: protocol}
}

var aLongTimeAgo = time.Unix(1, 0)

type cancelState struct {
	mu     sync.Mutex
	result error
	set    bool
}

func (c *cancelState) store(result error) {
	c.mu.Lock()
	c.result = result
	c.set = true
	c.mu.Unlock()
}

func (c *cancelState) load() (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.set
}

func (w *wsConn) Send(a *aio.AIO) {
	state := &cancelState{}
	if !a.Start(func(result error) {
		state.store(result)
		w.conn.SetWriteDeadline(aLongTimeAgo)
	}) {
		return
	}
	w.inflight.Add(1)
	go w.doSend(a, state)
}

func (w *wsConn) doSend(a *aio.AIO, state *cancelState) {
	defer w.inflight.Done()
	if w.cfg.Mode == ModeMessage {
		w.doSendMessage(a, state)
		return
	}
	w.doSendStream(a, state)
}

// doSendStream writes a single frame carrying at most fragSize bytes of
// the iovec's first non-empty segment, reporting the written count as a
// partial completion (spec.md §4.6 "stream mode... each user send
// produces exactly one frame with FIN"); the caller resubmits whatever
// doesn't fit.
func (w *wsConn) doSendStream(a *aio.AIO, state *cancelState) {
	iov := a.GetIOV()
	var seg []byte
	for _, s := range iov {
		if len(s) > 0 {
			seg = s
			break
		}
	}

	op := opBinary
	if w.cfg.SendText {
		op = opText
	}
	n := len(seg)
	if max := w.cfg.fragSize(); n > max {
		n = max
	}
	payload := seg[:n]

	if err := w.writeDataFrame(op, true, payload); err != nil {
		if r, ok := state.load(); ok {
			a.Finish(r, 0)
			return
		}
		a.Finish(classifyWSErr(err), 0)
		return
	}
	w.conn.SetWriteDeadline(time.Time{})
	a.Finish(nil, n)
}

// doSendMessage writes the iovec's full concatenation (spec.md §4.6
// "message mode preserves header+body concatenation") as one logical
// message, split across as many fragSize-bounded frames as needed (FIN
// only on the last one, CONT on every frame after the first). Unlike
// stream mode this never reports a partial completion: either the whole
// message goes out, or Send fails.
func (w *wsConn) doSendMessage(a *aio.AIO, state *cancelState) {
	iov := a.GetIOV()
	var full []byte
	for _, seg := range iov {
		full = append(full, seg...)
	}

	op := opBinary
	if w.cfg.SendText {
		op = opText
	}
	frag := w.cfg.fragSize()
	if frag <= 0 || frag > len(full) {
		frag = len(full)
	}
	if len(full) == 0 {
		if err := w.writeDataFrame(op, true, nil); err != nil {
			if r, ok := state.load(); ok {
				a.Finish(r, 0)
				return
			}
			a.Finish(classifyWSErr(err), 0)
			return
		}
		w.conn.SetWriteDeadline(time.Time{})
		a.Finish(nil, 0)
		return
	}

	for off := 0; off < len(full); off += frag {
		end := off + frag
		if end > len(full) {
			end = len(full)
		}
		curOp := op
		if off > 0 {
			curOp = opCont
		}
		if err := w.writeDataFrame(curOp, end == len(full), full[off:end]); err != nil {
			if r, ok := state.load(); ok {
				a.Finish(r, 0)
				return
			}
			a.Finish(classifyWSErr(err), 0)
			return
		}
	}
	w.conn.SetWriteDeadline(time.Time{})
	a.Finish(nil, len(full))
}

func (w *wsConn) writeDataFrame(op opcode, fin bool, payload []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	masked := !w.isServer
	var key [4]byte
	if masked {
		key = newMaskKey()
	}
	if err := writeFrameHeader(w.conn, fin, op, masked, len(payload), key); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if masked {
		tmp := append([]byte(nil), payload...)
		maskBytes(key, tmp)
		_, err := w.conn.Write(tmp)
		return err
	}
	_, err := w.conn.Write(payload)
	return err
}

func (w *wsConn) writeControlFrame(op opcode, payload []byte) error {
	return w.writeDataFrame(op, true, payload)
}

func (w *wsConn) Recv(a *aio.AIO) {
	state := &cancelState{}
	if !a.Start(func(result error) {
		state.store(result)
		w.conn.SetReadDeadline(aLongTimeAgo)
	}) {
		return
	}
	w.inflight.Add(1)
	go w.doRecv(a, state)
}

func (w *wsConn) doRecv(a *aio.AIO, state *cancelState) {
	defer w.inflight.Done()
	if w.cfg.Mode == ModeMessage {
		w.doRecvMessage(a, state)
		return
	}
	w.doRecvStream(a, state)
}

// doRecvStream drains w.leftover, decoding one more frame from the wire
// whenever it runs dry, and returns whatever's available — frame
// boundaries are not message boundaries in stream mode (spec.md §4.6
// "stream mode... no message framing guarantees").
func (w *wsConn) doRecvStream(a *aio.AIO, state *cancelState) {
	iov := a.GetIOV()
	var buf []byte
	for _, s := range iov {
		if len(s) > 0 {
			buf = s
			break
		}
	}
	if buf == nil {
		a.Finish(nil, 0)
		return
	}

	for len(w.leftover) == 0 {
		ev, err := w.readFrame(state, false)
		if err != nil {
			if r, ok := state.load(); ok {
				a.Finish(r, 0)
				return
			}
			a.Finish(err, 0)
			return
		}
		if !ev.control {
			w.leftover = ev.payload
		}
	}

	n := copy(buf, w.leftover)
	w.leftover = w.leftover[n:]
	w.conn.SetReadDeadline(time.Time{})
	a.Finish(nil, n)
}

// doRecvMessage assembles one complete message — the first data frame
// plus every CONT frame up to and including the FIN — and scatters it
// into the caller's iovec in one shot (spec.md §4.6 "message mode... an
// entire assembled message per receive").
func (w *wsConn) doRecvMessage(a *aio.AIO, state *cancelState) {
	msg, err := w.readWholeMessage(state)
	if err != nil {
		if r, ok := state.load(); ok {
			a.Finish(r, 0)
			return
		}
		a.Finish(err, 0)
		return
	}

	iov := a.GetIOV()
	n := 0
	for _, seg := range iov {
		if n >= len(msg) {
			break
		}
		n += copy(seg, msg[n:])
	}
	if n < len(msg) {
		// The assembled message doesn't fit the buffer offered for this
		// call; the wire framing is still intact, so just fail this
		// Recv rather than tearing down the connection.
		a.Finish(nserr.ErrMsgSize, 0)
		return
	}
	w.conn.SetReadDeadline(time.Time{})
	a.Finish(nil, n)
}

// readWholeMessage loops readFrame until a FIN, concatenating payloads
// and rejecting assembly once the running total exceeds recvmax
// (spec.md §4.6 "Incoming... sum <= recvmax").
func (w *wsConn) readWholeMessage(state *cancelState) ([]byte, error) {
	var msg []byte
	continuing := false
	for {
		ev, err := w.readFrame(state, continuing)
		if err != nil {
			return nil, err
		}
		if ev.control {
			continue
		}
		msg = append(msg, ev.payload...)
		if len(msg) > w.cfg.recvMax() {
			w.failProto(closeTooBig)
			return nil, nserr.ErrMsgSize
		}
		continuing = true
		if ev.fin {
			return msg, nil
		}
	}
}

// frameEvent is the outcome of decoding one wire frame: either a data or
// continuation frame to deliver (control == false), or a PING/PONG this
// call already answered/absorbed transparently (control == true, in
// which case the caller should decode another frame).
type frameEvent struct {
	opcode  opcode
	fin     bool
	payload []byte
	control bool
}

// readFrame decodes one wire frame, transparently answering PING and
// absorbing PONG, and failing the connection on CLOSE or any protocol
// violation. continuing says whether a fragmented message is already in
// progress: CONT is only valid when continuing is true, and a fresh
// TEXT/BINARY opcode is only valid when it is false (RFC 6455 §5.4).
func (w *wsConn) readFrame(state *cancelState, continuing bool) (frameEvent, error) {
	h, err := readFrameHeader(w.br)
	if err != nil {
		if we, ok := err.(*wsError); ok {
			w.failProto(we.code)
			return frameEvent{}, we.err
		}
		return frameEvent{}, nserr.ErrConnShut
	}

	if h.masked != w.isServer {
		// Server must receive masked frames; client must receive
		// unmasked frames (spec.md §4.6 "Mask discipline").
		w.failProto(closeProtoError)
		return frameEvent{}, nserr.ErrProto
	}

	if int(h.length) > w.cfg.maxFrame() {
		w.failProto(closeTooBig)
		return frameEvent{}, nserr.ErrMsgSize
	}
	if h.opcode == opPing || h.opcode == opPong || h.opcode == opClose {
		if h.length > maxControlFrame {
			w.failProto(closeProtoError)
			return frameEvent{}, nserr.ErrProto
		}
	}

	payload := make([]byte, h.length)
	if h.length > 0 {
		if _, err := readPayload(w.br, payload); err != nil {
			return frameEvent{}, nserr.ErrConnShut
		}
		if h.masked {
			maskBytes(h.maskKey, payload)
		}
	}

	switch h.opcode {
	case opPing:
		if err := w.writeControlFrame(opPong, payload); err != nil {
			return frameEvent{}, classifyWSErr(err)
		}
		return frameEvent{control: true}, nil
	case opPong:
		return frameEvent{control: true}, nil
	case opClose:
		w.handlePeerClose()
		return frameEvent{}, nserr.ErrConnShut
	case opCont:
		if !continuing {
			w.failProto(closeProtoError)
			return frameEvent{}, nserr.ErrProto
		}
		return frameEvent{opcode: opCont, fin: h.fin, payload: payload}, nil
	case opText:
		if continuing {
			w.failProto(closeProtoError)
			return frameEvent{}, nserr.ErrProto
		}
		if !w.cfg.RecvText {
			w.failProto(closeUnsupported)
			return frameEvent{}, nserr.ErrProto
		}
		return frameEvent{opcode: opText, fin: h.fin, payload: payload}, nil
	case opBinary:
		if continuing {
			w.failProto(closeProtoError)
			return frameEvent{}, nserr.ErrProto
		}
		return frameEvent{opcode: opBinary, fin: h.fin, payload: payload}, nil
	default:
		w.failProto(closeUnsupported)
		return frameEvent{}, nserr.ErrProto
	}
}

func readPayload(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (w *wsConn) handlePeerClose() {
	w.mu.Lock()
	already := w.peerClosed
	w.peerClosed = true
	sent := w.sentClose
	w.mu.Unlock()
	if already {
		return
	}
	if !sent {
		w.writeControlFrame(opClose, closePayload(closeNormal))
		w.mu.Lock()
		w.sentClose = true
		w.mu.Unlock()
	}
	w.Close()
}

func (w *wsConn) failProto(code int) {
	w.mu.Lock()
	sent := w.sentClose
	w.sentClose = true
	w.mu.Unlock()
	if !sent {
		w.writeControlFrame(opClose, closePayload(code))
	}
	w.Close()
}

func closePayload(code int) []byte {
	b := make([]byte, 2)
	b[0] = byte(code >> 8)
	b[1] = byte(code)
	return b
}

func (w *wsConn) Close() error {
	w.mu.Lock()
	if w.closed {
		err := w.closeErr
		w.mu.Unlock()
		return err
	}
	w.closed = true
	w.closeErr = w.conn.Close()
	err := w.closeErr
	w.mu.Unlock()
	return err
}

func (w *wsConn) Stop() {
	w.mu.Lock()
	sent := w.sentClose
	w.mu.Unlock()
	if !sent {
		w.writeControlFrame(opClose, closePayload(closeGoingAway))
	}
	w.Close()
	w.inflight.Wait()
}

func (w *wsConn) Free() {}

func (w *wsConn) GetOption(name string) (any, error) {
	switch name {
	case "tcp.local-addr":
		return w.conn.LocalAddr(), nil
	case "tcp.remote-addr":
		return w.conn.RemoteAddr(), nil
	case "ws.protocol":
		return w.protocol, nil
	default:
		return nil, nserr.ErrNotSupported
	}
}

func (w *wsConn) SetOption(name string, value any) error {
	return nserr.ErrNotSupported
}

func classifyWSErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nserr.ErrTimedOut
	}
	return nserr.ErrConnShut
}
