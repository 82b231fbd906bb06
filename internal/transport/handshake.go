package transport

import (
	"net"
	"net/http"

	"github.com/gobwas/ws"
)

// Negotiate performs subprotocol negotiation before the socket is
// upgraded. An empty client protocol list negotiates no subprotocol
// (selecting the zero value is valid per RFC 6455) rather than being
// treated as a handshake failure.
func Negotiate(offered []string, supported []string) (string, bool) {
	if len(offered) == 0 {
		return "", true
	}
	supportedSet := make(map[string]struct{}, len(supported))
	for _, p := range supported {
		supportedSet[p] = struct{}{}
	}
	for _, want := range offered {
		if _, ok := supportedSet[want]; ok {
			return want, true
		}
	}
	return "", false
}

// Upgrade performs the WebSocket upgrade once auth and subprotocol
// negotiation have already succeeded, so a rejected handshake never
// opens a socket.
func Upgrade(w http.ResponseWriter, r *http.Request, subprotocol string) (Conn, error) {
	upgrader := ws.HTTPUpgrader{
		Protocol: func(proto string) bool {
			return subprotocol == "" || proto == subprotocol
		},
	}
	nc, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		return nil, err
	}
	return Wrap(nc), nil
}

// RemoteIP extracts the caller's address for connection-attempt rate limiting.
func RemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
