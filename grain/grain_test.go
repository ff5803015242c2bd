package grain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jaredthirsk/grainrpc/session"
	"github.com/jaredthirsk/grainrpc/wire"
)

func TestMethodTable_AlphabeticalIDs(t *testing.T) {
	t.Parallel()

	// Declaration order must not matter; ids come from alphabetical order.
	table := NewMethodTable("Move", "Attack", "Say")

	cases := []struct {
		name string
		id   int32
	}{
		{"Attack", 0},
		{"Move", 1},
		{"Say", 2},
	}
	for _, tc := range cases {
		id, ok := table.ID(tc.name)
		if !ok {
			t.Fatalf("method %s missing", tc.name)
		}
		if id != tc.id {
			t.Fatalf("method %s: expected id %d, got %d", tc.name, tc.id, id)
		}
		name, ok := table.Name(tc.id)
		if !ok || name != tc.name {
			t.Fatalf("id %d: expected name %s, got %s", tc.id, tc.name, name)
		}
	}
	if _, ok := table.ID("Missing"); ok {
		t.Fatal("unknown method resolved")
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	factory := func(c Client, id wire.GrainID) any { return nil }
	if err := r.Register("IPlayerGrain", factory); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("IPlayerGrain", factory); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if _, err := r.New("IUnknown", nil, wire.GrainID{}); err == nil {
		t.Fatal("expected error for unregistered interface")
	}
}

// fakeClient records the request a Ref builds and replies from a script.
type fakeClient struct {
	sessions *session.Factory
	lastReq  *wire.Request
	reply    func(req *wire.Request) (*wire.Response, error)
}

func (f *fakeClient) SendRequest(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	f.lastReq = req
	return f.reply(req)
}

func (f *fakeClient) Sessions() *session.Factory    { return f.sessions }
func (f *fakeClient) DefaultTimeout() time.Duration { return 30 * time.Second }

func TestRef_CallPacksAndDecodes(t *testing.T) {
	t.Parallel()

	sessions := session.NewFactory()
	fc := &fakeClient{
		sessions: sessions,
		reply: func(req *wire.Request) (*wire.Response, error) {
			payload, err := sessions.Serialize("abc5")
			if err != nil {
				return nil, err
			}
			return &wire.Response{RequestID: req.ID, Success: true, Payload: payload}, nil
		},
	}

	ref := NewRef(fc, "IPlayerGrain", wire.GrainID{Type: "Game.Player", Key: "p-1"},
		NewMethodTable("Attack", "Move", "Say"))
	ref.PinZone(1000)

	var result string
	if err := ref.Call(context.Background(), "Say", &result, "abc", 5); err != nil {
		t.Fatalf("call: %v", err)
	}
	if result != "abc5" {
		t.Fatalf("expected abc5, got %q", result)
	}

	req := fc.lastReq
	if req.MethodID != 2 {
		t.Fatalf("expected method id 2 for Say, got %d", req.MethodID)
	}
	if req.TargetZone == nil || *req.TargetZone != 1000 {
		t.Fatalf("pinned zone not carried: %+v", req.TargetZone)
	}
	if req.InterfaceType != "IPlayerGrain" {
		t.Fatalf("interface type lost: %s", req.InterfaceType)
	}

	args, err := sessions.DeserializeArguments(req.Payload)
	if err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args[0] != "abc" || args[1] != 5 {
		t.Fatalf("argument mismatch: %#v", args)
	}

	ref.UnpinZone()
	if err := ref.Call(context.Background(), "Say", nil, "x"); err != nil {
		t.Fatalf("call: %v", err)
	}
	if fc.lastReq.TargetZone != nil {
		t.Fatal("zone still pinned after UnpinZone")
	}
}

func TestRef_RemoteFailureSurfacesResponseError(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{
		sessions: session.NewFactory(),
		reply: func(req *wire.Request) (*wire.Response, error) {
			return &wire.Response{RequestID: req.ID, Success: false, ErrorMessage: "grain blew up"}, nil
		},
	}
	ref := NewRef(fc, "IPlayerGrain", wire.GrainID{Type: "Game.Player", Key: "p-1"},
		NewMethodTable("Say"))

	err := ref.Call(context.Background(), "Say", nil, "x")
	var respErr *wire.ResponseError
	if !errors.As(err, &respErr) {
		t.Fatalf("expected ResponseError, got %v", err)
	}
	if respErr.Message != "grain blew up" {
		t.Fatalf("unexpected message: %q", respErr.Message)
	}

	if err := ref.Call(context.Background(), "Missing", nil); err == nil {
		t.Fatal("expected error for unknown method")
	}
}
