package wsstream

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/stream"
)

// wsListener accepts raw connections from ln, performs the server-side
// upgrade handshake on each, and hands back the result as a stream.Stream
// via the same connCh/errCh/cancelCh race stream/net.go's netListener
// uses for cancelable per-call Accept.
type wsListener struct {
	ln  net.Listener
	cfg *Config

	connCh chan stream.Stream
	errCh  chan error
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewListener wraps ln (e.g. net.Listen("tcp", addr)) to serve the
// WebSocket upgrade handshake at cfg.Path and produce message/stream
// streams on Accept.
func NewListener(ln net.Listener, cfg *Config) stream.Listener {
	l := &wsListener{
		ln:     ln,
		cfg:    cfg,
		connCh: make(chan stream.Stream),
		errCh:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	go l.acceptLoop()
	return l
}

func (l *wsListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			l.errCh <- err
			close(l.done)
			return
		}
		go l.handshake(conn)
	}
}

func (l *wsListener) handshake(conn net.Conn) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		conn.Close()
		return
	}
	if l.cfg.Path != "" && req.URL.Path != l.cfg.Path {
		writeStatusResponse(conn, http.StatusNotFound, nil)
		conn.Close()
		return
	}

	status, hdr, proto := serverHandshake(l.cfg, req)
	if status != http.StatusSwitchingProtocols {
		writeStatusResponse(conn, status, hdr)
		conn.Close()
		return
	}
	if err := writeStatusResponse(conn, status, hdr); err != nil {
		conn.Close()
		return
	}

	ws := newConnWithProtocol(conn, br, l.cfg, true, proto)
	select {
	case l.connCh <- ws:
	case <-l.done:
		conn.Close()
	}
}

func writeStatusResponse(conn net.Conn, status int, hdr http.Header) error {
	bw := bufio.NewWriter(conn)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for k, vs := range hdr {
		for _, v := range vs {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	fmt.Fprint(bw, "\r\n")
	return bw.Flush()
}

func (l *wsListener) Accept(a *aio.AIO) {
	cancelCh := make(chan struct{})
	state := &cancelState{}
	if !a.Start(func(result error) {
		state.store(result)
		close(cancelCh)
	}) {
		return
	}
	go func() {
		select {
		case s := <-l.connCh:
			a.SetOutput(0, s)
			a.Finish(nil, 0)
		case err := <-l.errCh:
			l.errCh <- err // let subsequent Accepts observe the same terminal error
			a.Finish(classifyListenErr(err), 0)
		case <-cancelCh:
			r, _ := state.load()
			a.Finish(r, 0)
		case <-l.done:
			a.Finish(nserr.ErrClosed, 0)
		}
	}()
}

func classifyListenErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nserr.ErrTimedOut
	}
	return nserr.ErrClosed
}

func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.ln.Close()
	})
	return l.closeErr
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }
