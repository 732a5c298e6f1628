package wsstream

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"net/http"
	"strings"

	"github.com/nanoscale/nanoscale/nserr"
)

const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

func acceptToken(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// negotiateProtocol picks the first configured subprotocol present in
// the comma/space-separated client header value, case-insensitively
// (spec.md §4.6 step 3).
func negotiateProtocol(cfg *Config, clientHeader string) (string, bool) {
	if len(cfg.Protocols) == 0 {
		return "", true
	}
	if clientHeader == "" {
		return "", false
	}
	offered := splitProtocolList(clientHeader)
	for _, want := range cfg.Protocols {
		for _, got := range offered {
			if strings.EqualFold(want, got) {
				return want, true
			}
		}
	}
	return "", false
}

func splitProtocolList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// serverHandshake validates r per spec.md §4.6 steps 1-4 and returns the
// response status, headers and (on 101) the accepted subprotocol.
func serverHandshake(cfg *Config, r *http.Request) (status int, hdr http.Header, proto string) {
	hdr = make(http.Header)
	if r.Method != http.MethodGet || !r.ProtoAtLeast(1, 1) {
		return http.StatusBadRequest, hdr, ""
	}
	if r.ContentLength > 0 {
		return http.StatusRequestEntityTooLarge, hdr, ""
	}
	if !headerContainsToken(r.Header, "Connection", "upgrade") ||
		!strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return http.StatusBadRequest, hdr, ""
	}
	if r.Header.Get("Sec-WebSocket-Version") != "13" {
		return http.StatusHTTPVersionNotSupported, hdr, ""
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return http.StatusServiceUnavailable, hdr, ""
	}

	selected, ok := negotiateProtocol(cfg, r.Header.Get("Sec-WebSocket-Protocol"))
	if !ok {
		return http.StatusBadRequest, hdr, ""
	}

	if cfg.Hook != nil {
		if st, extra := cfg.Hook(r); st != http.StatusSwitchingProtocols {
			for k, vs := range extra {
				for _, v := range vs {
					hdr.Add(k, v)
				}
			}
			return st, hdr, ""
		}
	}

	for k, vs := range cfg.Header {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	hdr.Set("Upgrade", "websocket")
	hdr.Set("Connection", "Upgrade")
	hdr.Set("Sec-WebSocket-Accept", acceptToken(key))
	if selected != "" {
		hdr.Set("Sec-WebSocket-Protocol", selected)
	}
	return http.StatusSwitchingProtocols, hdr, selected
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// clientDial performs the client-side upgrade handshake over conn (spec.md
// §4.6 dialer steps) and returns the negotiated subprotocol plus the
// buffered reader wrapping conn, which the caller must reuse for all
// subsequent frame reads (the handshake response may have been read
// together with bytes the server already queued behind it).
func clientDial(conn net.Conn, urlPath, host string, cfg *Config) (proto string, br *bufio.Reader, err error) {
	key, err := generateKey()
	if err != nil {
		return "", nil, err
	}

	req, _ := http.NewRequest(http.MethodGet, "http://"+host+urlPath, nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", "13")
	if len(cfg.Protocols) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(cfg.Protocols, ", "))
	}
	for k, vs := range cfg.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if err := req.Write(conn); err != nil {
		return "", nil, err
	}

	br = bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusSwitchingProtocols:
		// fall through to validation below
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", nil, nserr.ErrPermission
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return "", nil, nserr.ErrConnRefused
	default:
		return "", nil, nserr.ErrProto
	}

	if !headerContainsToken(resp.Header, "Connection", "upgrade") ||
		!strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") ||
		resp.Header.Get("Sec-WebSocket-Accept") != acceptToken(key) {
		return "", nil, nserr.ErrProto
	}
	proto = resp.Header.Get("Sec-WebSocket-Protocol")
	if proto != "" && len(cfg.Protocols) > 0 {
		ok := false
		for _, want := range cfg.Protocols {
			if strings.EqualFold(want, proto) {
				ok = true
				break
			}
		}
		if !ok {
			return "", nil, nserr.ErrProto
		}
	}
	return proto, br, nil
}

