// Package grain provides the client-side grain reference layer: stable
// method-id tables derived from alphabetical method ordering, an explicit
// registry of proxy factories, and the Ref base that turns a typed method
// call into a routed request.
//
// Method ids are positions in the alphabetically sorted list of an
// interface's method names. They are never transmitted; the server derives
// the same table independently, so both sides must sort identically.
package grain

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaredthirsk/grainrpc/session"
	"github.com/jaredthirsk/grainrpc/wire"
)

// Client is the slice of the RPC client a grain reference needs. The
// concrete client in the module root satisfies it.
type Client interface {
	SendRequest(ctx context.Context, req *wire.Request) (*wire.Response, error)
	Sessions() *session.Factory
	DefaultTimeout() time.Duration
}

// MethodTable maps an interface's method names to their stable numeric ids.
type MethodTable struct {
	names []string
	ids   map[string]int32
}

// NewMethodTable builds a table from the interface's method names. The
// names are sorted alphabetically; ids are positions in that order.
func NewMethodTable(names ...string) MethodTable {
	sorted := slices.Clone(names)
	slices.Sort(sorted)
	ids := make(map[string]int32, len(sorted))
	for i, name := range sorted {
		ids[name] = int32(i)
	}
	return MethodTable{names: sorted, ids: ids}
}

// ID resolves a method name to its id.
func (t MethodTable) ID(name string) (int32, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// Name resolves a method id back to its name, mainly for logs.
func (t MethodTable) Name(id int32) (string, bool) {
	if id < 0 || int(id) >= len(t.names) {
		return "", false
	}
	return t.names[id], true
}

// Len returns the number of methods in the table.
func (t MethodTable) Len() int { return len(t.names) }

// ProxyFactory constructs a typed proxy bound to a client and grain
// identity. Generated proxies register one of these per interface.
type ProxyFactory func(c Client, id wire.GrainID) any

// Registry is the explicit interface-identity to proxy-factory map,
// populated at startup. It replaces any notion of discovering proxies by
// scanning loaded code.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProxyFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProxyFactory)}
}

// Register binds an interface identity to a proxy factory. Registering the
// same identity twice is a wiring mistake and fails loudly.
func (r *Registry) Register(interfaceType string, f ProxyFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[interfaceType]; dup {
		return fmt.Errorf("proxy factory already registered for %q", interfaceType)
	}
	r.factories[interfaceType] = f
	return nil
}

// MustRegister is Register for static initialization paths.
func (r *Registry) MustRegister(interfaceType string, f ProxyFactory) {
	if err := r.Register(interfaceType, f); err != nil {
		panic(err)
	}
}

// New constructs a proxy for the given interface identity.
func (r *Registry) New(interfaceType string, c Client, id wire.GrainID) (any, error) {
	r.mu.RLock()
	f, ok := r.factories[interfaceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no proxy factory registered for %q", interfaceType)
	}
	return f(c, id), nil
}

// Ref is the base every generated proxy embeds. It carries the client
// handle, the grain identity, the interface's method table, and optional
// zone affinity.
type Ref struct {
	client        Client
	id            wire.GrainID
	interfaceType string
	methods       MethodTable

	mu   sync.Mutex
	zone *int32
}

// NewRef binds a reference to a client and grain identity.
func NewRef(c Client, interfaceType string, id wire.GrainID, methods MethodTable) *Ref {
	return &Ref{client: c, id: id, interfaceType: interfaceType, methods: methods}
}

// ID returns the grain identity this reference addresses.
func (r *Ref) ID() wire.GrainID { return r.id }

// InterfaceType returns the interface identity this reference speaks.
func (r *Ref) InterfaceType() string { return r.interfaceType }

// PinZone pins zone affinity for every call made through this reference.
// The pinned zone participates as the explicit target zone in routing.
func (r *Ref) PinZone(zone int32) {
	r.mu.Lock()
	r.zone = &zone
	r.mu.Unlock()
}

// UnpinZone clears zone affinity.
func (r *Ref) UnpinZone() {
	r.mu.Lock()
	r.zone = nil
	r.mu.Unlock()
}

// Call invokes a method by name, packing args into a request and decoding
// the response payload into result. A nil result discards the payload.
func (r *Ref) Call(ctx context.Context, method string, result any, args ...any) error {
	methodID, ok := r.methods.ID(method)
	if !ok {
		return fmt.Errorf("interface %q has no method %q", r.interfaceType, method)
	}

	payload, err := r.client.Sessions().SerializeArguments(args)
	if err != nil {
		return fmt.Errorf("serialize arguments for %s.%s: %w", r.interfaceType, method, err)
	}

	timeout := r.client.DefaultTimeout()
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}

	req := &wire.Request{
		ID:            uuid.New(),
		Grain:         r.id,
		InterfaceType: r.interfaceType,
		MethodID:      methodID,
		Payload:       payload,
		TimeoutMillis: timeout.Milliseconds(),
	}
	r.mu.Lock()
	if r.zone != nil {
		zone := *r.zone
		req.TargetZone = &zone
	}
	r.mu.Unlock()
	if result != nil {
		req.ReturnTypeHint = fmt.Sprintf("%T", result)
	}

	resp, err := r.client.SendRequest(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return &wire.ResponseError{RequestID: req.ID.String(), Message: resp.ErrorMessage}
	}
	if result == nil || len(resp.Payload) == 0 {
		return nil
	}
	if err := r.client.Sessions().Deserialize(resp.Payload, result); err != nil {
		return fmt.Errorf("decode %s.%s result: %w", r.interfaceType, method, err)
	}
	return nil
}
