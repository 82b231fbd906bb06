package core

import (
	"encoding/json"

	"github.com/relaymesh/gateway/internal/buffer"
	"github.com/relaymesh/gateway/internal/codec"
	"github.com/relaymesh/gateway/internal/reconnect"
	"github.com/relaymesh/gateway/internal/registry"
	"github.com/relaymesh/gateway/internal/state"
)

func (c *Core) sendEnvelope(conn *registry.Connection, env *codec.Envelope) {
	data, err := codec.Encode(env)
	if err != nil {
		c.Logger.Error().Err(err).Msg("failed to encode outbound envelope")
		return
	}
	select {
	case conn.Send <- data:
		c.Metrics.MessagesSent.Inc()
	default:
		c.Metrics.MessagesDropped.WithLabelValues("send_buffer_full").Inc()
	}
}

// sendWelcome sends the spec-mandated connection_established frame once a
// connection clears auth. It bypasses sendEnvelope because this frame's
// wire shape is flat ("event", not "type") rather than a standard Envelope.
func (c *Core) sendWelcome(conn *registry.Connection) {
	data, err := codec.NewWelcomeFrame(conn.ID, conn.SessionID)
	if err != nil {
		c.Logger.Error().Err(err).Msg("failed to encode welcome frame")
		return
	}
	select {
	case conn.Send <- data:
		c.Metrics.MessagesSent.Inc()
	default:
		c.Metrics.MessagesDropped.WithLabelValues("send_buffer_full").Inc()
	}
}

func (c *Core) sendError(conn *registry.Connection, code codec.ErrorCode, message string) {
	env, err := codec.NewErrorEnvelope(code, message, nil)
	if err != nil {
		return
	}
	c.sendEnvelope(conn, env)

	if closeCode := codec.CloseCodeFor(code); closeCode != codec.CloseNormal {
		c.closeConnection(conn, string(code), closeCode)
	}
}

func (c *Core) sendStateSnapshot(conn *registry.Connection, userID, sessionID string) {
	snap := c.State.GetOrCreateSnapshot(userID, sessionID)
	payload, _ := json.Marshal(snap)
	c.sendEnvelope(conn, &codec.Envelope{Type: codec.TypeStateSnapshot, Payload: payload})
}

func (c *Core) sendReconnectOutcome(conn *registry.Connection, res reconnect.Result) {
	if res.TooSoon {
		c.sendError(conn, codec.ErrRateLimit, "reconnect attempted too soon")
		return
	}
	if res.Exhausted {
		c.Metrics.ReconnectExhausted.Inc()
		c.sendError(conn, codec.ErrReconnectExhausted, "maximum reconnection attempts exceeded")
		return
	}
	if res.Phase != reconnect.PhaseRestored {
		c.sendStateSnapshot(conn, conn.UserID, conn.SessionID)
		return
	}

	payload, _ := json.Marshal(struct {
		Snapshot       *state.Snapshot `json:"snapshot"`
		ResyncReason   string          `json:"resync_reason"`
	}{Snapshot: res.Snapshot.Snapshot, ResyncReason: "reconnection"})
	c.sendEnvelope(conn, &codec.Envelope{Type: codec.TypeStateResync, Payload: payload})

	for _, pending := range res.Snapshot.BufferedPending {
		select {
		case conn.Send <- pending:
		default:
			c.Metrics.MessagesDropped.WithLabelValues("replay_buffer_full").Inc()
		}
	}
}

// handleEnvelope dispatches a decoded client envelope to the component
// that owns its semantics.
func (c *Core) handleEnvelope(conn *registry.Connection, env *codec.Envelope) {
	switch env.Type {
	case codec.TypeHeartbeatPing:
		conn.MarkPongReceived()
		c.sendEnvelope(conn, &codec.Envelope{Type: codec.TypeHeartbeatPong})

	case codec.TypeHeartbeatPong:
		conn.MarkPongReceived()

	case codec.TypeSubscribe:
		var body struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil || body.Topic == "" {
			c.sendError(conn, codec.ErrValidation, "subscribe requires a topic")
			return
		}
		c.Registry.Subscribe(conn.ID, body.Topic)
		c.sendEnvelope(conn, &codec.Envelope{Type: codec.TypeAck})

	case codec.TypeUnsubscribe:
		var body struct {
			Topic string `json:"topic"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil || body.Topic == "" {
			c.sendError(conn, codec.ErrValidation, "unsubscribe requires a topic")
			return
		}
		c.Registry.Unsubscribe(conn.ID, body.Topic)
		c.sendEnvelope(conn, &codec.Envelope{Type: codec.TypeAck})

	case codec.TypeStateUpdate:
		c.handleStateUpdate(conn, env)

	case codec.TypePartialUpdate:
		c.handlePartialUpdate(conn, env)

	case codec.TypeMessage, codec.TypeCriticalMessage:
		c.handleOutboundMessage(conn, env)

	default:
		c.sendError(conn, codec.ErrValidation, "unsupported message type for client-initiated frame")
	}
}

func (c *Core) handleStateUpdate(conn *registry.Connection, env *codec.Envelope) {
	var body struct {
		UpdateType string         `json:"update_type"`
		Data       map[string]any `json:"data"`
		Version    int64          `json:"version"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		c.sendError(conn, codec.ErrValidation, "invalid state_update payload")
		return
	}

	snap, err := c.State.ApplyUpdate(conn.UserID, body.Version, state.Update{UpdateType: body.UpdateType, Data: body.Data})
	if err != nil {
		if conflict, ok := err.(*state.ErrVersionConflict); ok {
			c.Metrics.StateVersionConflict.Inc()
			payload, _ := json.Marshal(struct {
				ClientVersion int64  `json:"client_version"`
				ServerVersion int64  `json:"server_version"`
				Resolution    string `json:"resolution"`
			}{conflict.ClientVersion, conflict.ServerVersion, "resync_required"})
			c.sendEnvelope(conn, &codec.Envelope{Type: codec.TypeVersionConflict, Payload: payload})
			return
		}
		c.sendError(conn, codec.ErrValidation, err.Error())
		return
	}

	payload, _ := json.Marshal(snap)
	env2 := &codec.Envelope{Type: codec.TypeStateUpdated, Priority: codec.PriorityHigh, Payload: payload}
	for _, c2 := range c.Registry.ForUser(conn.UserID) {
		c.sendEnvelope(c2, env2)
	}
}

func (c *Core) handlePartialUpdate(conn *registry.Connection, env *codec.Envelope) {
	var body struct {
		Updates map[string]any `json:"updates"`
		Version int64          `json:"version"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		c.sendError(conn, codec.ErrValidation, "invalid partial_update payload")
		return
	}

	snap, err := c.State.ApplyPartialUpdate(conn.UserID, body.Version, body.Updates)
	if err != nil {
		if conflict, ok := err.(*state.ErrVersionConflict); ok {
			c.Metrics.StateVersionConflict.Inc()
			payload, _ := json.Marshal(struct {
				ClientVersion int64  `json:"client_version"`
				ServerVersion int64  `json:"server_version"`
				Resolution    string `json:"resolution"`
			}{conflict.ClientVersion, conflict.ServerVersion, "resync_required"})
			c.sendEnvelope(conn, &codec.Envelope{Type: codec.TypeVersionConflict, Payload: payload})
			return
		}
		c.sendError(conn, codec.ErrValidation, err.Error())
		return
	}

	payload, _ := json.Marshal(snap)
	c.sendEnvelope(conn, &codec.Envelope{Type: codec.TypeStateSnapshot, Payload: payload})
}

// handleOutboundMessage buffers a client-originated message for
// delivery back out through the batcher, e.g. an agent event the client
// relays to its own other connections.
func (c *Core) handleOutboundMessage(conn *registry.Connection, env *codec.Envelope) {
	data, err := codec.Encode(env)
	if err != nil {
		c.sendError(conn, codec.ErrValidation, "failed to re-encode message")
		return
	}

	msg := &buffer.Message{
		ID:        env.MessageID,
		UserID:    conn.UserID,
		Type:      env.Type,
		Priority:  env.Priority,
		Payload:   data,
		SizeBytes: len(data),
	}
	if err := c.Buffer.Enqueue(msg); err != nil {
		c.sendError(conn, codec.ErrOverflow, err.Error())
		return
	}

	c.Batch.Add(conn.ID, env)
}
