// Package manifest merges the per-server grain/interface catalogs reported
// at handshake time into one composite view.
//
// The merge is first-registered-wins: when two servers both define a type
// key, the definition from the earlier-registered server is kept and the
// later duplicate is dropped with a warning. The composite version only
// advances when the merged content actually changes, so downstream caches
// are not invalidated while the set of connected servers is still
// converging.
package manifest

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/jaredthirsk/grainrpc/wire"
)

// Snapshot is one immutable composite view of every connected server's
// manifest.
type Snapshot struct {
	Version    uint64
	Grains     map[string]wire.GrainProperties
	Interfaces map[string]wire.InterfaceProperties
}

// Provider owns per-server manifests and the composite built from them.
type Provider struct {
	log *slog.Logger

	mu      sync.Mutex
	servers map[string]wire.ManifestPayload
	order   []string // server ids in registration order; merge iterates this
	current Snapshot
	subs    map[*UpdateStream]struct{}
}

// Option customizes a Provider.
type Option func(*Provider)

// WithLogger overrides the provider's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// NewProvider returns an empty provider at version zero.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{
		log:     slog.Default(),
		servers: make(map[string]wire.ManifestPayload),
		subs:    make(map[*UpdateStream]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// UpdateFromServer records a server's manifest and rebuilds the composite.
// At most one rebuild runs at a time.
func (p *Provider) UpdateFromServer(serverID string, m wire.ManifestPayload) {
	p.mu.Lock()
	if _, exists := p.servers[serverID]; !exists {
		p.order = append(p.order, serverID)
	}
	p.servers[serverID] = m
	p.rebuildLocked()
	p.mu.Unlock()
}

// RemoveServer drops a server's contribution and rebuilds the composite.
func (p *Provider) RemoveServer(serverID string) {
	p.mu.Lock()
	if _, exists := p.servers[serverID]; exists {
		delete(p.servers, serverID)
		if i := slices.Index(p.order, serverID); i >= 0 {
			p.order = slices.Delete(p.order, i, i+1)
		}
		p.rebuildLocked()
	}
	p.mu.Unlock()
}

// Current returns the latest composite snapshot.
func (p *Provider) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Provider) rebuildLocked() {
	grains := make(map[string]wire.GrainProperties)
	interfaces := make(map[string]wire.InterfaceProperties)

	for _, serverID := range p.order {
		m := p.servers[serverID]
		for key, props := range m.Grains {
			if _, dup := grains[key]; dup {
				p.log.Warn("dropping duplicate grain type from later-registered server",
					"grain_type", key, "server_id", serverID)
				continue
			}
			grains[key] = props
		}
		for key, props := range m.Interfaces {
			if _, dup := interfaces[key]; dup {
				p.log.Warn("dropping duplicate interface type from later-registered server",
					"interface_type", key, "server_id", serverID)
				continue
			}
			interfaces[key] = props
		}
	}

	if len(grains) == 0 && len(interfaces) == 0 {
		// Converging or fully disconnected; keep the old version.
		p.current = Snapshot{Version: p.current.Version, Grains: grains, Interfaces: interfaces}
		return
	}
	if sameContent(p.current, grains, interfaces) {
		return
	}

	p.current = Snapshot{
		Version:    p.current.Version + 1,
		Grains:     grains,
		Interfaces: interfaces,
	}
	for sub := range p.subs {
		sub.notify(p.current)
	}
}

func sameContent(prev Snapshot, grains map[string]wire.GrainProperties, interfaces map[string]wire.InterfaceProperties) bool {
	if !maps.EqualFunc(prev.Grains, grains, func(a, b wire.GrainProperties) bool {
		return maps.Equal(a.Properties, b.Properties)
	}) {
		return false
	}
	return maps.EqualFunc(prev.Interfaces, interfaces, func(a, b wire.InterfaceProperties) bool {
		return maps.Equal(a.Properties, b.Properties)
	})
}

// Updates subscribes to composite changes. The stream delivers snapshots in
// version order and is torn down when ctx ends or Close is called. Slow
// consumers only ever see the most recent snapshot; intermediate versions
// may be coalesced.
func (p *Provider) Updates(ctx context.Context) *UpdateStream {
	s := &UpdateStream{
		provider: p,
		ch:       make(chan Snapshot, 1),
		done:     make(chan struct{}),
	}
	p.mu.Lock()
	p.subs[s] = struct{}{}
	p.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s
}

// UpdateStream is a push-style subscription to composite manifest changes.
type UpdateStream struct {
	provider *Provider
	ch       chan Snapshot
	done     chan struct{}

	closeOnce sync.Once
}

func (s *UpdateStream) notify(snap Snapshot) {
	// Coalesce: drop a stale undelivered snapshot in favor of the new one.
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

// Next blocks until the next composite snapshot is available. It returns
// io.EOF once the stream is closed.
func (s *UpdateStream) Next(ctx context.Context) (Snapshot, error) {
	select {
	case snap := <-s.ch:
		return snap, nil
	case <-s.done:
		return Snapshot{}, io.EOF
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Close unsubscribes the stream. It is idempotent.
func (s *UpdateStream) Close() {
	s.closeOnce.Do(func() {
		s.provider.mu.Lock()
		delete(s.provider.subs, s)
		s.provider.mu.Unlock()
		close(s.done)
	})
}
