// Package memorytransport provides a paired in-process implementation of
// the transport contract using buffered channels. It exists for tests and
// examples: one endpoint plays the client, the other plays the server.
//
// Frames sent before the receiving endpoint connects are buffered and
// delivered, in order, once it does.
package memorytransport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jaredthirsk/grainrpc/transport"
)

const bufferedFrames = 256

// Endpoint is one side of an in-process transport pair.
type Endpoint struct {
	peer *Endpoint

	sink transport.EventSink

	in   chan []byte
	done chan struct{}

	mu        sync.Mutex
	connected bool
	closed    atomic.Bool
}

// Pipe returns two connected endpoints. Frames sent on one are delivered to
// the other's sink in order.
func Pipe() (*Endpoint, *Endpoint) {
	a := &Endpoint{in: make(chan []byte, bufferedFrames), done: make(chan struct{})}
	b := &Endpoint{in: make(chan []byte, bufferedFrames), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

var _ transport.Transport = (*Endpoint)(nil)

// SetSink implements transport.Transport.
func (e *Endpoint) SetSink(sink transport.EventSink) {
	e.sink = sink
}

// Connect implements transport.Transport. Delivery of buffered frames
// begins before Connect returns.
func (e *Endpoint) Connect(ctx context.Context) error {
	if e.sink == nil {
		return errors.New("memorytransport: SetSink must be called before Connect")
	}
	if e.closed.Load() {
		return errors.New("memorytransport: endpoint is closed")
	}
	e.mu.Lock()
	if e.connected {
		e.mu.Unlock()
		return errors.New("memorytransport: already connected")
	}
	e.connected = true
	e.mu.Unlock()

	go e.deliverLoop()
	e.sink.OnEstablished()
	return nil
}

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case data := <-e.in:
			e.sink.OnData(data)
		case <-e.done:
			// Drain anything already queued so ordering-sensitive tests see
			// every frame sent before the close.
			for {
				select {
				case data := <-e.in:
					e.sink.OnData(data)
				default:
					return
				}
			}
		}
	}
}

// Send implements transport.Transport.
func (e *Endpoint) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.closed.Load() {
		return transport.ErrNotConnected
	}
	if e.peer.closed.Load() {
		return transport.ErrNotConnected
	}
	select {
	case e.peer.in <- data:
		return nil
	case <-e.peer.done:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements transport.Transport. Closing one endpoint closes its
// peer as well, mirroring a dropped socket.
func (e *Endpoint) Close(ctx context.Context) error {
	e.finish(nil)
	e.peer.finish(nil)
	return nil
}

func (e *Endpoint) finish(err error) {
	if e.closed.CompareAndSwap(false, true) {
		close(e.done)
		if e.sink != nil {
			e.sink.OnClosed(err)
		}
	}
}
