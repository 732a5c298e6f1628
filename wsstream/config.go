// Package wsstream implements the WebSocket stream adapter of spec.md
// §4.6: an HTTP/1.1 upgrade handshake followed by RFC 6455 framing,
// exposed as a stream.Stream in either byte-stream ("stream") or
// whole-message ("message") mode.
//
// Grounded on original_source's websocket.c for the frame/close state
// machine and on bassosimone-nop/httpconn.go's pattern of wrapping a
// net.Conn with the standard net/http request/response types rather than
// a hand-rolled HTTP parser — the server side reads the upgrade request
// off each accepted net.Conn with http.ReadRequest (which parses the
// request line and headers) and writes the response itself, and the
// client side performs the upgrade request directly over a dialed
// net.Conn.
package wsstream

import "net/http"

const (
	// DefaultRecvMax is the message-mode assembled-message size cap
	// (spec.md §4.6 "Defaults: recvmax = 1 MiB").
	DefaultRecvMax = 1 << 20

	// DefaultMaxFrame is the per-frame receive size cap (spec.md §4.6
	// "maxframe (rx) = 1 MiB").
	DefaultMaxFrame = 1 << 20

	// DefaultFragSize bounds outgoing message-mode frame size (spec.md
	// §4.6 "fragsize (tx) = 64 KiB").
	DefaultFragSize = 64 * 1024

	maxControlFrame = 125
)

// Mode selects the user-visible framing semantics (spec.md §4.6 "Two
// user-visible modes: stream... and message").
type Mode int

const (
	ModeStream Mode = iota
	ModeMessage
)

// Config holds the per-connection WebSocket knobs (spec.md §6
// "ws.recvmax-frame, ws.sendmax-frame, recvmax, ws.protocol,
// ws.recv-text, ws.send-text, ws.header:<Name>").
type Config struct {
	// Path is the HTTP path the server-side listener installs its
	// upgrade handler at.
	Path string

	// Protocols, if non-empty, is the set of acceptable
	// Sec-WebSocket-Protocol subprotocol words (case-insensitive).
	Protocols []string

	// Mode selects stream or message semantics.
	Mode Mode

	RecvMax   int
	MaxFrame  int
	FragSize  int
	RecvText  bool
	SendText  bool

	// Header carries extra headers the dialer sends with the upgrade
	// request, or the listener sends with the 101 response
	// (ws.header:<Name>, write-side only).
	Header http.Header

	// Hook, if set, lets a server-side listener short-circuit the
	// upgrade with a different HTTP status (e.g. 401/403); the dialer
	// has no symmetric hook (spec.md §9 open question: preserve this
	// asymmetry).
	Hook func(r *http.Request) (status int, headers http.Header)
}

// NewConfig returns a Config with the defaults named in spec.md §4.6.
func NewConfig(path string) *Config {
	return &Config{
		Path:     path,
		Mode:     ModeMessage,
		RecvMax:  DefaultRecvMax,
		MaxFrame: DefaultMaxFrame,
		FragSize: DefaultFragSize,
		RecvText: true,
		SendText: true,
		Header:   make(http.Header),
	}
}

func (c *Config) recvMax() int {
	if c.RecvMax > 0 {
		return c.RecvMax
	}
	return DefaultRecvMax
}

func (c *Config) maxFrame() int {
	if c.MaxFrame > 0 {
		return c.MaxFrame
	}
	return DefaultMaxFrame
}

func (c *Config) fragSize() int {
	if c.FragSize > 0 {
		return c.FragSize
	}
	return DefaultFragSize
}
