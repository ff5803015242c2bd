package grainrpc

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jaredthirsk/grainrpc/wire"
)

func newStreamClient(t *testing.T) *Client {
	t.Helper()
	c, err := New()
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func item(id uuid.UUID, seq uint64, payload string) *wire.StreamItem {
	return &wire.StreamItem{StreamID: id, Sequence: seq, Payload: []byte(payload)}
}

func TestStream_ReordersBySequence(t *testing.T) {
	t.Parallel()

	c := newStreamClient(t)
	id := uuid.New()
	s, err := c.OpenStream(id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	// Arrival order 2, 3, 1; delivery order must be 1, 2, 3.
	c.handleStreamItem("srv-a", item(id, 2, "two"))
	c.handleStreamItem("srv-a", item(id, 3, "three"))
	c.handleStreamItem("srv-a", item(id, 1, "one"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, want := range []string{"one", "two", "three"} {
		got, err := s.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if string(got) != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestStream_DuplicatesDropped(t *testing.T) {
	t.Parallel()

	c := newStreamClient(t)
	id := uuid.New()
	s, err := c.OpenStream(id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c.handleStreamItem("srv-a", item(id, 1, "one"))
	c.handleStreamItem("srv-a", item(id, 1, "one-again"))
	c.handleStreamItem("srv-a", item(id, 2, "two"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if got, _ := s.Next(ctx); string(got) != "one" {
		t.Fatalf("expected one, got %q", got)
	}
	if got, _ := s.Next(ctx); string(got) != "two" {
		t.Fatalf("duplicate not dropped, got %q", got)
	}
}

func TestStream_CompletionAndTerminalError(t *testing.T) {
	t.Parallel()

	c := newStreamClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id := uuid.New()
	s, err := c.OpenStream(id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c.handleStreamItem("srv-a", item(id, 1, "one"))
	c.handleStreamItem("srv-a", &wire.StreamItem{StreamID: id, Sequence: 2, Complete: true})

	if got, _ := s.Next(ctx); string(got) != "one" {
		t.Fatalf("expected one, got %q", got)
	}
	if _, err := s.Next(ctx); err != io.EOF {
		t.Fatalf("expected io.EOF on completion, got %v", err)
	}

	// A stream completed with an error surfaces it.
	id2 := uuid.New()
	s2, err := c.OpenStream(id2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c.handleStreamItem("srv-a", &wire.StreamItem{
		StreamID: id2, Sequence: 1, Complete: true, ErrorMessage: "boom",
	})
	var respErr *wire.ResponseError
	if _, err := s2.Next(ctx); !errors.As(err, &respErr) || respErr.Message != "boom" {
		t.Fatalf("expected terminal ResponseError, got %v", err)
	}
}

func TestStream_CancelIsIdempotentAndStopsDelivery(t *testing.T) {
	t.Parallel()

	c := newStreamClient(t)
	id := uuid.New()
	s, err := c.OpenStream(id)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	s.Cancel()
	s.Cancel() // no-op

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Next(ctx); !errors.Is(err, ErrStreamCanceled) {
		t.Fatalf("expected ErrStreamCanceled, got %v", err)
	}

	// Items after cancel are dropped, and the id is free again.
	c.handleStreamItem("srv-a", item(id, 1, "late"))
	if _, err := c.OpenStream(id); err != nil {
		t.Fatalf("reopen after cancel: %v", err)
	}
}

func TestStream_DuplicateOpenRejected(t *testing.T) {
	t.Parallel()

	c := newStreamClient(t)
	id := uuid.New()
	if _, err := c.OpenStream(id); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := c.OpenStream(id); err == nil {
		t.Fatal("expected duplicate open to fail")
	}
}
