// Package tcptransport implements the transport contract over a plain TCP
// connection with 4-byte big-endian length-prefixed framing.
package tcptransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jaredthirsk/grainrpc/transport"
)

// Transport is one framed TCP link.
type Transport struct {
	endpoint    string
	dialTimeout time.Duration

	sink transport.EventSink

	mu     sync.Mutex
	conn   net.Conn
	closed atomic.Bool
}

// Option customizes a Transport.
type Option func(*Transport)

// WithDialTimeout bounds the TCP dial. Zero means no bound beyond the
// Connect context.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

// New returns an unconnected TCP transport for the given host:port
// endpoint.
func New(endpoint string, opts ...Option) *Transport {
	t := &Transport{endpoint: endpoint, dialTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial is a transport.DialFunc for TCP endpoints.
func Dial(endpoint string) (transport.Transport, error) {
	return New(endpoint), nil
}

var _ transport.Transport = (*Transport)(nil)

// SetSink implements transport.Transport.
func (t *Transport) SetSink(sink transport.EventSink) {
	t.sink = sink
}

// Connect implements transport.Transport. The read loop starts before
// Connect returns, so the sink must already be registered.
func (t *Transport) Connect(ctx context.Context) error {
	if t.sink == nil {
		return errors.New("tcptransport: SetSink must be called before Connect")
	}
	if t.closed.Load() {
		return errors.New("tcptransport: transport is closed")
	}

	dialCtx := ctx
	if t.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", t.endpoint)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.endpoint, err)
	}

	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = conn.Close()
		return errors.New("tcptransport: transport is closed")
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(conn)
	t.sink.OnEstablished()
	return nil
}

func (t *Transport) readLoop(conn net.Conn) {
	for {
		data, err := readFrame(conn)
		if err != nil {
			if t.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			t.finish(err)
			return
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

// Send implements transport.Transport. Writes are serialized so frames from
// concurrent senders never interleave.
func (t *Transport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return transport.ErrNotConnected
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(dl)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	return writeFrame(t.conn, data)
}

// Close implements transport.Transport.
func (t *Transport) Close(ctx context.Context) error {
	t.finish(nil)
	return nil
}
