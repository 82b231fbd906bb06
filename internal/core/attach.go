package core

import "github.com/relaymesh/gateway/internal/router"

// AttachRouter wires the NATS-backed router once it has connected,
// since the router needs network I/O that Core's constructor (kept
// side-effect free for testability) deliberately avoids.
func (c *Core) AttachRouter(r *router.Router) error {
	c.Router = r
	return r.Subscribe(c.onRouterMessage)
}

func (c *Core) onRouterMessage(p router.Parsed, data []byte) {
	var delivered int
	switch p.Kind {
	case router.KindBroadcastAll:
		delivered = c.Broadcast.BroadcastAll(data).Delivered
	case router.KindBroadcastTopic:
		delivered = c.Broadcast.BroadcastSubscription(p.Topic, data).Delivered
	case router.KindUser:
		delivered = c.Broadcast.SendUser(p.ID, data).Delivered
	case router.KindSession:
		// session-scoped ingress delivers to every connection the session's
		// user currently owns; the registry indexes by user, which is the
		// closest available scope since connections aren't separately
		// indexed by session.
		delivered = c.Broadcast.SendUser(p.ID, data).Delivered
	default:
		c.Metrics.RouterUnmatched.Inc()
		return
	}
	c.Metrics.MessagesSent.Add(float64(delivered))
}
