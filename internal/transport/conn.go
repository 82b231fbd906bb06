// Package transport wraps the raw WebSocket connection so the rest of
// the gateway depends on a small interface instead of gobwas/ws directly,
// which keeps registry and broadcast tests free of real sockets.
package transport

import (
	"fmt"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is the minimal operations the gateway needs from a live socket.
type Conn interface {
	WriteText(data []byte) error
	WritePing() error
	ReadMessage() (data []byte, isText bool, err error)
	Close(code uint16, reason string) error
	RemoteAddr() string
}

type wsConn struct {
	nc net.Conn
}

// Wrap adapts a net.Conn obtained from ws.UpgradeHTTP into a Conn.
func Wrap(nc net.Conn) Conn {
	return &wsConn{nc: nc}
}

func (c *wsConn) WriteText(data []byte) error {
	return wsutil.WriteServerMessage(c.nc, ws.OpText, data)
}

func (c *wsConn) WritePing() error {
	return wsutil.WriteServerMessage(c.nc, ws.OpPing, nil)
}

func (c *wsConn) ReadMessage() ([]byte, bool, error) {
	data, op, err := wsutil.ReadClientData(c.nc)
	if err != nil {
		return nil, false, err
	}
	return data, op == ws.OpText, nil
}

func (c *wsConn) Close(code uint16, reason string) error {
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	frame := ws.NewCloseFrame(body)
	_ = ws.WriteFrame(c.nc, frame)
	return c.nc.Close()
}

func (c *wsConn) RemoteAddr() string {
	if c.nc == nil {
		return ""
	}
	return c.nc.RemoteAddr().String()
}

// ErrClosed identifies a connection already closed by the registry. The
// wsConn methods above do not return it; their reads and writes report
// the underlying I/O error.
var ErrClosed = fmt.Errorf("transport: connection closed")
