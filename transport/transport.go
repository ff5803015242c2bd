// Package transport defines the message-oriented link contract the RPC
// client runs over. A Transport delivers whole frames in order; framing,
// reconnection policy, and wire security are implementation concerns.
//
// Implementations live in the tcptransport, wstransport, and
// memorytransport subpackages.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is returned by Send when the transport has no established
// link.
var ErrNotConnected = errors.New("transport not connected")

// EventSink receives transport events. SetSink must be called before
// Connect so no early frame is dropped; callbacks run on the transport's
// delivery goroutine and must not block.
type EventSink interface {
	// OnData delivers one inbound frame. The slice is owned by the sink.
	OnData(data []byte)
	// OnEstablished fires once the link is usable.
	OnEstablished()
	// OnClosed fires exactly once when the link is torn down. err is nil on
	// a clean local close.
	OnClosed(err error)
}

// Transport is one message-oriented link to one remote endpoint.
type Transport interface {
	// SetSink registers the event sink. It must be called before Connect.
	SetSink(sink EventSink)
	// Connect establishes the link. Frames may be delivered to the sink as
	// soon as Connect returns nil.
	Connect(ctx context.Context) error
	// Send transmits one frame.
	Send(ctx context.Context, data []byte) error
	// Close tears the link down and releases its resources. Closing an
	// unconnected or already-closed transport is a no-op.
	Close(ctx context.Context) error
}

// DialFunc constructs an unconnected Transport bound to an endpoint
// address. The caller wires a sink and then calls Connect.
type DialFunc func(endpoint string) (Transport, error)
