package wsstream

import (
	"bufio"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanoscale/nanoscale/nserr"
)

// TestServerHandshakeAccepts covers the happy path of spec.md §4.6's
// upgrade validation: a well-formed GET with the required headers gets a
// 101 plus an echoed Sec-WebSocket-Accept.
func TestServerHandshakeAccepts(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sock", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	status, hdr, proto := serverHandshake(&Config{}, req)
	require.Equal(t, http.StatusSwitchingProtocols, status)
	require.Equal(t, "websocket", hdr.Get("Upgrade"))
	require.Equal(t, acceptToken("dGhlIHNhbXBsZSBub25jZQ=="), hdr.Get("Sec-WebSocket-Accept"))
	require.Empty(t, proto)
}

// TestServerHandshakeRejectsMissingUpgrade covers spec.md §4.6's
// "malformed or missing required headers" rejection.
func TestServerHandshakeRejectsMissingUpgrade(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sock", nil)
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")

	status, _, _ := serverHandshake(&Config{}, req)
	require.Equal(t, http.StatusBadRequest, status)
}

// TestServerHandshakeNegotiatesProtocol covers the subprotocol selection
// path: the first configured protocol present in the client's offer is
// echoed back.
func TestServerHandshakeNegotiatesProtocol(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sock", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", "dGhlIHNhbXBsZSBub25jZQ==")
	req.Header.Set("Sec-WebSocket-Protocol", "chat, superchat")

	status, hdr, proto := serverHandshake(&Config{Protocols: []string{"superchat"}}, req)
	require.Equal(t, http.StatusSwitchingProtocols, status)
	require.Equal(t, "superchat", proto)
	require.Equal(t, "superchat", hdr.Get("Sec-WebSocket-Protocol"))
}

// rawResponseServer writes resp verbatim to one end of an in-memory pipe
// and returns the other end for clientDial to read from.
func rawResponseServer(t *testing.T, resp string) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		br := bufio.NewReader(server)
		_, _ = http.ReadRequest(br)
		_, _ = server.Write([]byte(resp))
	}()
	t.Cleanup(func() { client.Close(); server.Close() })
	return client
}

// TestClientDialStatusMapping is spec.md §8 end-to-end scenario 6: a 404
// response maps to ECONNREFUSED, a 401 maps to EPERM, and a 200 (not a
// 101) maps to EPROTO.
func TestClientDialStatusMapping(t *testing.T) {
	cases := []struct {
		name     string
		response string
		wantErr  error
	}{
		{"not-found", "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n", nserr.ErrConnRefused},
		{"unauthorized", "HTTP/1.1 401 Unauthorized\r\nContent-Length: 0\r\n\r\n", nserr.ErrPermission},
		{"ok-not-upgrade", "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", nserr.ErrProto},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := rawResponseServer(t, tc.response)
			_, _, err := clientDial(conn, "/sock", "example.test", &Config{})
			require.ErrorIs(t, err, tc.wantErr)
		})
	}
}
