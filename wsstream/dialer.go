package wsstream

import (
	"context"
	"net"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/nserr"
	"github.com/nanoscale/nanoscale/stream"
)

// wsDialer implements stream.Dialer by opening a raw TCP connection to
// address and performing the client-side upgrade handshake at cfg.Path
// before handing back a message/stream-mode stream.Stream. Grounded on
// stream.netDialer's context-cancelable Dial pattern.
type wsDialer struct {
	address string
	host    string
	cfg     *Config
	d       net.Dialer
}

// NewDialer returns a Dialer that connects to address (host:port) and
// upgrades to WebSocket at cfg.Path. host is the value sent in the
// HTTP Host header; if empty, address is used.
func NewDialer(address, host string, cfg *Config) stream.Dialer {
	if host == "" {
		host = address
	}
	return &wsDialer{address: address, host: host, cfg: cfg}
}

func (wd *wsDialer) Close() error { return nil }

func (wd *wsDialer) Dial(a *aio.AIO) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	state := &cancelState{}
	if !a.Start(func(result error) {
		state.store(result)
		cancelCtx()
	}) {
		cancelCtx()
		return
	}
	go func() {
		defer cancelCtx()
		conn, err := wd.d.DialContext(ctx, "tcp", wd.address)
		if err != nil {
			if r, ok := state.load(); ok {
				a.Finish(r, 0)
				return
			}
			a.Finish(classifyDialErr(err), 0)
			return
		}

		proto, br, err := clientDial(conn, wd.cfg.Path, wd.host, wd.cfg)
		if err != nil {
			conn.Close()
			if r, ok := state.load(); ok {
				a.Finish(r, 0)
				return
			}
			a.Finish(err, 0)
			return
		}
		a.SetOutput(0, newConnWithProtocol(conn, br, wd.cfg, false, proto))
		a.Finish(nil, 0)
	}()
}

func classifyDialErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return nserr.ErrTimedOut
	}
	return nserr.ErrConnRefused
}
