package auth

import (
	"net/http"
	"strings"
)

// ExtractToken tries, in order, the Authorization header, the
// Sec-WebSocket-Protocol subprotocol convention ("bearer.<token>"), and
// the ?token= query parameter. The handshake rejects before ever calling
// ws.Upgrader.Upgrade if none of these yield a token.
func ExtractToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimPrefix(header, "Bearer "), true
		}
	}

	for _, proto := range websocketProtocols(r) {
		if strings.HasPrefix(proto, "bearer.") {
			return strings.TrimPrefix(proto, "bearer."), true
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}

	return "", false
}

func websocketProtocols(r *http.Request) []string {
	raw := r.Header.Get("Sec-WebSocket-Protocol")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
