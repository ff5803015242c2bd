// Package grainrpc implements the client core for making grain calls
// against a set of independent RPC servers: connection lifecycle, zone and
// interface based request routing, pending-request correlation, and the
// session-isolated serialization discipline for arguments and results.
//
// The grain framework itself (grain lifecycle, cluster membership,
// persistence) lives elsewhere; this package only speaks the client side
// of the wire protocol defined in the wire package.
package grainrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jaredthirsk/grainrpc/clientauth"
	"github.com/jaredthirsk/grainrpc/connmgr"
	"github.com/jaredthirsk/grainrpc/grain"
	"github.com/jaredthirsk/grainrpc/internal/logctx"
	"github.com/jaredthirsk/grainrpc/manifest"
	"github.com/jaredthirsk/grainrpc/session"
	"github.com/jaredthirsk/grainrpc/transport"
	"github.com/jaredthirsk/grainrpc/wire"
)

var (
	// ErrClientNotStarted is returned when a request is made before Start
	// completed.
	ErrClientNotStarted = errors.New("client not started")
	// ErrClientStopped is returned for requests made after Stop, and used
	// to fail requests still pending when Stop runs.
	ErrClientStopped = errors.New("client stopped")
	// ErrDuplicateRequestID is returned when a request reuses an id that is
	// still pending. Request ids are caller-supplied only through the wire
	// layer, so this always indicates a programming error.
	ErrDuplicateRequestID = errors.New("duplicate request id")
	// ErrRequestTimeout is returned when no response arrives within the
	// request's timeout.
	ErrRequestTimeout = errors.New("request timed out")
)

// State is the client lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Endpoint names one server to connect to. ServerID is optional: when
// empty, the connection is registered under the address until the server's
// handshake ack reveals its real identity.
type Endpoint struct {
	ServerID string
	Address  string
}

// pendingCall is one in-flight request awaiting its correlated response.
type pendingCall struct {
	respCh chan *wire.Response
	errCh  chan error
}

// Client maintains live connections to multiple servers and routes grain
// calls across them. All state is per-instance; independent clients in one
// process do not interfere.
type Client struct {
	log      *slog.Logger
	dial     transport.DialFunc
	codec    wire.Codec
	sessions *session.Factory

	manager   *connmgr.Manager
	manifests *manifest.Provider
	registry  *grain.Registry
	tokens    clientauth.TokenProvider

	clientID        string
	features        []string
	defaultTimeout  time.Duration
	endpoints       []Endpoint
	zoneStrategy    connmgr.ZoneStrategy
	handshakeSecret string

	state atomic.Int32

	mu           sync.Mutex
	transports   map[string]transport.Transport // server id -> owned transport
	assignedZone *int32

	pending sync.Map // uuid.UUID -> *pendingCall
	streams sync.Map // uuid.UUID -> *Stream
}

// New constructs a client. A dialer must be provided via WithDialer before
// Start can connect anywhere.
func New(opts ...Option) (*Client, error) {
	c := &Client{
		log:            slog.Default(),
		codec:          wire.NewJSONCodec(),
		clientID:       uuid.NewString(),
		defaultTimeout: 30 * time.Second,
		registry:       grain.NewRegistry(),
		transports:     make(map[string]transport.Transport),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = slog.New(logctx.Handler{Handler: c.log.Handler()})
	if c.sessions == nil {
		c.sessions = session.NewFactory(session.WithLogger(c.log))
	}
	if c.tokens == nil && c.handshakeSecret != "" {
		tp, err := clientauth.NewHMACProvider([]byte(c.handshakeSecret), c.clientID)
		if err != nil {
			return nil, fmt.Errorf("handshake token provider: %w", err)
		}
		c.tokens = tp
	}
	c.manager = connmgr.New(
		connmgr.WithLogger(c.log),
		connmgr.WithZoneStrategy(c.zoneStrategy),
	)
	c.manifests = manifest.NewProvider(manifest.WithLogger(c.log))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// Sessions returns the serialization session factory, satisfying
// grain.Client.
func (c *Client) Sessions() *session.Factory { return c.sessions }

// DefaultTimeout returns the timeout applied to requests carrying none,
// satisfying grain.Client.
func (c *Client) DefaultTimeout() time.Duration { return c.defaultTimeout }

// Manifest returns the composite manifest provider.
func (c *Client) Manifest() *manifest.Provider { return c.manifests }

// Manager returns the connection manager. Exposed for routing inspection;
// mutating it directly bypasses the client's lifecycle handling.
func (c *Client) Manager() *connmgr.Manager { return c.manager }

// Registry returns the proxy factory registry.
func (c *Client) Registry() *grain.Registry { return c.registry }

// ClientID returns the identity presented in handshakes.
func (c *Client) ClientID() string { return c.clientID }

// AssignedZone returns the zone a server assigned this client during
// handshake, if any.
func (c *Client) AssignedZone() (int32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignedZone == nil {
		return 0, false
	}
	return *c.assignedZone, true
}

// Start connects to every configured endpoint concurrently. A client with
// no endpoints starts successfully but idle: it is valid, it just cannot
// serve grain calls until a connection is added.
//
// If any connect fails, Start fails as a whole and the client lands in the
// stopped state, but connections that did succeed are left in place so the
// caller can retry Start or Stop explicitly.
func (c *Client) Start(ctx context.Context) error {
	if !c.transition(StateCreated, StateStarting) && !c.transition(StateStopped, StateStarting) {
		return fmt.Errorf("cannot start client in state %s", c.State())
	}
	ctx = logctx.WithClientData(ctx, &logctx.ClientData{ClientID: c.clientID})

	if len(c.endpoints) == 0 {
		c.state.Store(int32(StateStarted))
		c.log.InfoContext(ctx, "no endpoints configured, client started idle")
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(c.endpoints))
	for i, ep := range c.endpoints {
		wg.Add(1)
		go func(i int, ep Endpoint) {
			defer wg.Done()
			if err := c.ConnectToServer(ctx, ep.Address, ep.ServerID); err != nil {
				errs[i] = fmt.Errorf("connect %s: %w", ep.Address, err)
			}
		}(i, ep)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		c.state.Store(int32(StateStopped))
		return fmt.Errorf("start client: %w", err)
	}

	c.state.Store(int32(StateStarted))
	c.log.InfoContext(ctx, "client started", "servers", len(c.endpoints))
	return nil
}

// ConnectToServer dials one endpoint and registers the resulting
// connection. The connection is registered with the manager before the
// transport actually connects, so a frame arriving immediately after
// establishment always finds its handler. On failure the partial
// registration is rolled back before the error propagates.
func (c *Client) ConnectToServer(ctx context.Context, address, serverID string) error {
	switch c.State() {
	case StateStarting, StateStarted:
	default:
		return fmt.Errorf("cannot connect in state %s", c.State())
	}
	if c.dial == nil {
		return errors.New("no transport dialer configured")
	}

	if serverID == "" {
		serverID = address
	}

	tr, err := c.dial(address)
	if err != nil {
		return fmt.Errorf("create transport for %s: %w", address, err)
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ServerID: serverID, Endpoint: address})

	conn := newClientConn(serverID, address, tr, c)
	c.manager.AddConnection(serverID, conn)
	c.mu.Lock()
	displaced, hadOld := c.transports[serverID]
	c.transports[serverID] = tr
	c.mu.Unlock()
	if hadOld && displaced != tr {
		// AddConnection detached the replaced connection's sink, but its
		// transport still owns a socket and a read loop.
		_ = displaced.Close(context.WithoutCancel(ctx))
	}

	if err := tr.Connect(ctx); err != nil {
		c.manager.RemoveConnection(serverID)
		c.mu.Lock()
		delete(c.transports, serverID)
		c.mu.Unlock()
		_ = tr.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("connect %s: %w", address, err)
	}

	c.log.InfoContext(ctx, "connected to server")
	return nil
}

// SendRequest routes a request, registers its pending completion, sends it,
// and waits for exactly one of: the correlated response, the request's own
// timeout, or a transport/context failure.
func (c *Client) SendRequest(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	switch c.State() {
	case StateStarted:
	case StateStopping, StateStopped:
		return nil, ErrClientStopped
	default:
		return nil, ErrClientNotStarted
	}

	conn, err := c.manager.ConnectionForRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithCallData(ctx, &logctx.CallData{
		RequestID: req.ID.String(),
		Grain:     req.Grain.String(),
		MethodID:  req.MethodID,
	})
	c.log.DebugContext(ctx, "sending request", "server_id", conn.ServerID())

	pc := &pendingCall{
		respCh: make(chan *wire.Response, 1),
		errCh:  make(chan error, 1),
	}
	if _, loaded := c.pending.LoadOrStore(req.ID, pc); loaded {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, req.ID)
	}

	data, err := c.codec.Marshal(&wire.Envelope{Kind: wire.KindRequest, Request: req})
	if err != nil {
		c.pending.Delete(req.ID)
		return nil, err
	}
	if err := conn.Send(ctx, data); err != nil {
		c.pending.Delete(req.ID)
		return nil, fmt.Errorf("send request %s to %s: %w", req.ID, conn.ServerID(), err)
	}

	// Stop may have swept the pending table between the lifecycle check
	// above and the insert; catch the straggler here instead of letting it
	// ride out its timeout.
	switch c.State() {
	case StateStopping, StateStopped:
		if _, ok := c.pending.LoadAndDelete(req.ID); ok {
			return nil, ErrClientStopped
		}
	}

	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-timer.C:
		c.pending.Delete(req.ID)
		return nil, fmt.Errorf("%w after %s: request %s to %s", ErrRequestTimeout, timeout, req.ID, conn.ServerID())
	case <-ctx.Done():
		c.pending.Delete(req.ID)
		return nil, context.Cause(ctx)
	}
}

// Invoke is the convenience path for untyped callers: it serializes args,
// builds the request envelope, sends it, and decodes the result payload
// into result (which may be nil to discard it).
func (c *Client) Invoke(ctx context.Context, grainID wire.GrainID, interfaceType string, methodID int32, result any, args ...any) error {
	payload, err := c.sessions.SerializeArguments(args)
	if err != nil {
		return fmt.Errorf("serialize arguments: %w", err)
	}
	req := &wire.Request{
		ID:            uuid.New(),
		Grain:         grainID,
		InterfaceType: interfaceType,
		MethodID:      methodID,
		Payload:       payload,
		TimeoutMillis: c.defaultTimeout.Milliseconds(),
	}
	if result != nil {
		req.ReturnTypeHint = fmt.Sprintf("%T", result)
	}
	resp, err := c.SendRequest(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &wire.ResponseError{RequestID: req.ID.String(), Message: resp.ErrorMessage}
	}
	if result == nil || len(resp.Payload) == 0 {
		return nil
	}
	return c.sessions.Deserialize(resp.Payload, result)
}

// Proxy constructs a registered typed proxy bound to this client.
func (c *Client) Proxy(interfaceType string, id wire.GrainID) (any, error) {
	return c.registry.New(interfaceType, c, id)
}

// ApplyEndpoints reconciles the live connection set against a desired
// endpoint list: new addresses are connected, connections whose address is
// no longer listed are torn down. Used with config.WatchEndpoints.
func (c *Client) ApplyEndpoints(ctx context.Context, eps []Endpoint) {
	want := make(map[string]Endpoint, len(eps))
	for _, ep := range eps {
		want[ep.Address] = ep
	}

	for _, conn := range c.manager.Connections() {
		if _, keep := want[conn.Endpoint()]; keep {
			delete(want, conn.Endpoint())
		} else {
			c.teardownServer(conn.ServerID(), nil)
		}
	}
	for _, ep := range want {
		if err := c.ConnectToServer(ctx, ep.Address, ep.ServerID); err != nil {
			c.log.Warn("failed to connect to new endpoint", "endpoint", ep.Address, "err", err)
		}
	}
}

// Stop disconnects every server, disposes transports, and fails every
// still-pending request with ErrClientStopped so callers observe a
// predictable completion instead of hanging until their timeouts.
//
// Stop is also valid on a stopped client: a failed Start lands there while
// keeping the connections that did succeed, and an explicit Stop tears
// those down.
func (c *Client) Stop(ctx context.Context) error {
	if !c.transition(StateStarted, StateStopping) &&
		!c.transition(StateStarting, StateStopping) &&
		!c.transition(StateStopped, StateStopping) {
		return fmt.Errorf("cannot stop client in state %s", c.State())
	}

	c.pending.Range(func(key, val any) bool {
		if _, ok := c.pending.LoadAndDelete(key); ok {
			val.(*pendingCall).errCh <- ErrClientStopped
		}
		return true
	})

	c.streams.Range(func(key, val any) bool {
		val.(*Stream).Cancel()
		return true
	})

	for _, conn := range c.manager.Connections() {
		c.teardownServer(conn.ServerID(), nil)
	}

	c.state.Store(int32(StateStopped))
	c.log.Info("client stopped", "client_id", c.clientID)
	return nil
}

// teardownServer removes a server's connection, manifest contribution, and
// transport together. A partial teardown, like a manifest lingering after
// its connection is gone, would misroute callers.
func (c *Client) teardownServer(serverID string, cause error) {
	_, existed := c.manager.RemoveConnection(serverID)
	c.manifests.RemoveServer(serverID)

	c.mu.Lock()
	tr, ok := c.transports[serverID]
	delete(c.transports, serverID)
	c.mu.Unlock()
	if ok {
		_ = tr.Close(context.Background())
	}

	if existed {
		if cause != nil {
			c.log.Warn("server connection lost", "server_id", serverID, "err", cause)
		} else {
			c.log.Info("server connection removed", "server_id", serverID)
		}
	}
}
