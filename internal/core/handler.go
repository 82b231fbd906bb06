package core

import (
	"net/http"
	"strings"

	"github.com/relaymesh/gateway/internal/auth"
	"github.com/relaymesh/gateway/internal/codec"
	"github.com/relaymesh/gateway/internal/ids"
	"github.com/relaymesh/gateway/internal/logging"
	"github.com/relaymesh/gateway/internal/registry"
	"github.com/relaymesh/gateway/internal/transport"
)

var supportedSubprotocols = []string{"bearer", "gateway.v1"}

// HandleUpgrade is the /ws HTTP handler: auth and subprotocol
// negotiation happen here, before the socket is ever opened, so a
// rejected handshake never leaks a connection.
func (c *Core) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := transport.RemoteIP(r)
	if ok, reason := c.ResourceGuard.ShouldAcceptConnection(ip); !ok {
		c.Logger.Warn().Str("ip", ip).Str("reason", reason).Msg("connection rejected by resource guard")
		http.Error(w, string(codec.ErrPoolFull), http.StatusServiceUnavailable)
		return
	}

	token, ok := auth.ExtractToken(r)
	if !ok {
		http.Error(w, string(codec.ErrAuthInvalid), http.StatusUnauthorized)
		return
	}

	claims, errCode, err := c.Auth.Verify(r.Context(), token)
	if err != nil {
		c.Logger.Info().Err(err).Str("error_code", string(errCode)).Msg("handshake auth failed")
		status := http.StatusUnauthorized
		if errCode == codec.ErrAuthUnavailable {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, string(errCode), status)
		return
	}

	subprotocol, ok := transport.Negotiate(websocketProtocolList(r), supportedSubprotocols)
	if !ok {
		http.Error(w, string(codec.ErrValidation), http.StatusBadRequest)
		return
	}

	conn, err := transport.Upgrade(w, r, subprotocol)
	if err != nil {
		c.Logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	reconnecting := sessionID != ""
	if !reconnecting {
		sessionID = ids.NewSessionID()
	}

	connID := ids.NewConnectionID()
	record, err := c.Registry.Register(connID, claims.UserID, sessionID, claims.Role, conn)
	if err != nil {
		_ = conn.Close(uint16(codec.ClosePolicyViolation), string(codec.ErrPoolFull))
		return
	}
	c.Metrics.ConnectionsTotal.Inc()
	c.Metrics.ConnectionsCurrent.Inc()

	c.sendWelcome(record)

	if reconnecting {
		res := c.Reconnect.Reconnect(claims.UserID, sessionID)
		c.sendReconnectOutcome(record, res)
	} else {
		c.Reconnect.Connect(sessionID)
		c.sendStateSnapshot(record, claims.UserID, sessionID)
	}
	c.flushBufferedMessages(record)

	go c.writePump(record)
	go c.readPump(record)
}

func websocketProtocolList(r *http.Request) []string {
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

func (c *Core) writePump(conn *registry.Connection) {
	defer logging.RecoverPanic(c.Logger, "writePump", map[string]any{"connection_id": conn.ID})
	for {
		select {
		case <-conn.Done():
			return
		case data := <-conn.Send:
			if err := conn.Conn.WriteText(data); err != nil {
				c.Logger.Debug().Err(err).Str("connection_id", conn.ID).Msg("write failed")
				c.onSlowClientEvict(conn, "write_error")
				return
			}
		}
	}
}

func (c *Core) readPump(conn *registry.Connection) {
	defer logging.RecoverPanic(c.Logger, "readPump", map[string]any{"connection_id": conn.ID})
	for {
		data, isText, err := conn.Conn.ReadMessage()
		if err != nil {
			c.onSlowClientEvict(conn, "read_error")
			return
		}
		if !isText {
			continue
		}
		if !conn.Limiter.Allow() {
			// a rate-limit deny is reported but does not close the connection.
			if env, err := codec.NewErrorEnvelope(codec.ErrRateLimit, "message rate limit exceeded", nil); err == nil {
				c.sendEnvelope(conn, env)
			}
			continue
		}

		env, err := codec.Decode(data)
		if err != nil {
			c.sendError(conn, codec.ErrValidation, err.Error())
			continue
		}

		c.handleEnvelope(conn, env)
	}
}
