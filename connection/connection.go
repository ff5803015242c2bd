// Package connection wraps one transport as one logical link to one server.
// Its only jobs are to re-tag transport events with the owning server id
// before forwarding them upward, and to expose send.
package connection

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jaredthirsk/grainrpc/transport"
)

// Sink receives connection events, each tagged with the server id of the
// connection that produced them.
type Sink interface {
	OnData(serverID string, data []byte)
	OnEstablished(serverID string)
	OnClosed(serverID string, err error)
}

// Connection binds one transport to one remote server.
type Connection struct {
	endpoint string
	tr       transport.Transport

	serverID atomic.Value // string

	mu       sync.Mutex
	sink     Sink
	detached bool
}

// New wires a connection over the given transport. The connection installs
// itself as the transport's event sink, so New must be called before the
// transport connects.
func New(serverID, endpoint string, tr transport.Transport, sink Sink) *Connection {
	c := &Connection{endpoint: endpoint, tr: tr, sink: sink}
	c.serverID.Store(serverID)
	tr.SetSink((*transportSink)(c))
	return c
}

// ServerID returns the server identity this connection is registered under.
func (c *Connection) ServerID() string {
	return c.serverID.Load().(string)
}

// Rebind updates the server identity, used when a handshake ack reveals the
// server's real id after a connection was registered under a provisional
// one.
func (c *Connection) Rebind(serverID string) {
	c.serverID.Store(serverID)
}

// Endpoint returns the remote address this connection was dialed against.
func (c *Connection) Endpoint() string {
	return c.endpoint
}

// Transport returns the underlying transport. Its lifetime belongs to
// whoever created it, not to the connection.
func (c *Connection) Transport() transport.Transport {
	return c.tr
}

// Send transmits one frame to the remote server.
func (c *Connection) Send(ctx context.Context, data []byte) error {
	return c.tr.Send(ctx, data)
}

// Close detaches the event sink so no further events propagate upward. It
// deliberately does not stop the transport: in-flight sends on a transport
// owned elsewhere must not hit a disposed handle.
func (c *Connection) Close() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

func (c *Connection) forward(fn func(sink Sink, serverID string)) {
	c.mu.Lock()
	sink, detached := c.sink, c.detached
	c.mu.Unlock()
	if detached || sink == nil {
		return
	}
	fn(sink, c.ServerID())
}

// transportSink adapts the transport's untagged events onto the tagged
// connection sink.
type transportSink Connection

var _ transport.EventSink = (*transportSink)(nil)

func (s *transportSink) OnData(data []byte) {
	(*Connection)(s).forward(func(sink Sink, id string) { sink.OnData(id, data) })
}

func (s *transportSink) OnEstablished() {
	(*Connection)(s).forward(func(sink Sink, id string) { sink.OnEstablished(id) })
}

func (s *transportSink) OnClosed(err error) {
	(*Connection)(s).forward(func(sink Sink, id string) { sink.OnClosed(id, err) })
}
