// Package wstransport implements the transport contract over a websocket
// connection. Each frame is one binary websocket message, so no additional
// length prefixing is needed.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jaredthirsk/grainrpc/transport"
)

// Transport is one websocket link.
type Transport struct {
	url    string
	dialer *websocket.Dialer

	sink transport.EventSink

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  atomic.Bool
}

// Option customizes a Transport.
type Option func(*Transport)

// WithDialer overrides the websocket dialer, e.g. to set TLS configuration.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// New returns an unconnected websocket transport for the given ws:// or
// wss:// URL.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial is a transport.DialFunc for websocket endpoints.
func Dial(endpoint string) (transport.Transport, error) {
	return New(endpoint), nil
}

var _ transport.Transport = (*Transport)(nil)

// SetSink implements transport.Transport.
func (t *Transport) SetSink(sink transport.EventSink) {
	t.sink = sink
}

// Connect implements transport.Transport.
func (t *Transport) Connect(ctx context.Context) error {
	if t.sink == nil {
		return errors.New("wstransport: SetSink must be called before Connect")
	}
	if t.closed.Load() {
		return errors.New("wstransport: transport is closed")
	}

	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = conn.Close()
		return errors.New("wstransport: transport is closed")
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	t.sink.OnEstablished()
	return nil
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			t.finish(err)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		t.sink.OnData(data)
	}
}

func (t *Transport) finish(err error) {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		if t.sink != nil {
			t.sink.OnClosed(err)
		}
	}
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return transport.ErrNotConnected
	}

	// gorilla/websocket permits one concurrent writer.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Close implements transport.Transport. A close control frame is sent on a
// best-effort basis before the socket is torn down.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
	}
	t.finish(nil)
	return nil
}
