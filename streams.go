package grainrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/jaredthirsk/grainrpc/wire"
)

// ErrStreamCanceled is returned by Next after the stream was canceled
// locally.
var ErrStreamCanceled = errors.New("stream canceled")

const streamBuffer = 256

// Stream is the consumer side of one server-pushed async sequence. Items
// are delivered in sequence order regardless of arrival order.
type Stream struct {
	id     uuid.UUID
	client *Client

	mu       sync.Mutex
	nextSeq  uint64
	buffered map[uint64]*wire.StreamItem
	ch       chan *wire.StreamItem

	done      chan struct{}
	closeOnce sync.Once
}

// OpenStream registers interest in a stream id before the server starts
// pushing items for it. Items arriving for unopened streams are dropped.
func (c *Client) OpenStream(id uuid.UUID) (*Stream, error) {
	s := &Stream{
		id:       id,
		client:   c,
		nextSeq:  1,
		buffered: make(map[uint64]*wire.StreamItem),
		ch:       make(chan *wire.StreamItem, streamBuffer),
		done:     make(chan struct{}),
	}
	if _, loaded := c.streams.LoadOrStore(id, s); loaded {
		return nil, fmt.Errorf("stream %s already open", id)
	}
	return s, nil
}

func (c *Client) handleStreamItem(serverID string, item *wire.StreamItem) {
	val, ok := c.streams.Load(item.StreamID)
	if !ok {
		c.log.Debug("dropping item for unknown stream",
			"server_id", serverID, "stream_id", item.StreamID, "seq", item.Sequence)
		return
	}
	val.(*Stream).deliver(item)
}

// deliver reorders by sequence number and releases any now-contiguous run
// of items to the consumer channel. It runs on the transport's delivery
// goroutine and never blocks: a consumer that falls more than the buffer
// size behind loses the stream.
func (s *Stream) deliver(item *wire.StreamItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item.Sequence < s.nextSeq {
		return // duplicate
	}
	s.buffered[item.Sequence] = item

	for {
		next, ok := s.buffered[s.nextSeq]
		if !ok {
			return
		}
		select {
		case s.ch <- next:
			delete(s.buffered, s.nextSeq)
			s.nextSeq++
		default:
			s.client.log.Warn("stream consumer too slow, canceling stream", "stream_id", s.id)
			go s.Cancel()
			return
		}
	}
}

// Next blocks for the next in-order item payload. It returns io.EOF when
// the stream completes normally, the server's terminal error when it
// completes with one, and ErrStreamCanceled after a local Cancel.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case item := <-s.ch:
		if item.Complete {
			s.Cancel()
			if item.ErrorMessage != "" {
				return nil, &wire.ResponseError{Message: item.ErrorMessage}
			}
			return nil, io.EOF
		}
		return item.Payload, nil
	case <-s.done:
		return nil, ErrStreamCanceled
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Cancel tears the stream down: the client stops delivering items and Next
// returns ErrStreamCanceled. Canceling twice is a no-op.
func (s *Stream) Cancel() {
	s.closeOnce.Do(func() {
		s.client.streams.Delete(s.id)
		close(s.done)
	})
}
