// Package connmgr owns the set of live server connections, the zone-to-
// server mapping, and the routing algorithm that picks a connection for an
// outgoing request.
//
// Routing priority is deliberate policy: an explicit target zone overrides
// a configured zone-detection strategy, which overrides best-effort
// fallback to any live connection. Callers needing strict affinity are
// never silently misrouted; callers with no preference still get service.
package connmgr

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/jaredthirsk/grainrpc/connection"
	"github.com/jaredthirsk/grainrpc/wire"
)

// ErrNoConnections is returned when routing finds no live connection at
// all.
var ErrNoConnections = errors.New("no connections available")

// ZoneStrategy derives a target zone from a grain identity when the request
// itself carries none. Implementations return false when they have no
// opinion.
type ZoneStrategy interface {
	ZoneForGrain(ctx context.Context, grain wire.GrainID) (int32, bool)
}

// StaticZoneStrategy maps grain types to zones from a fixed table.
type StaticZoneStrategy map[string]int32

// ZoneForGrain implements ZoneStrategy.
func (s StaticZoneStrategy) ZoneForGrain(ctx context.Context, grain wire.GrainID) (int32, bool) {
	zone, ok := s[grain.Type]
	return zone, ok
}

// Manager owns connections and zone mappings for one client instance.
type Manager struct {
	log      *slog.Logger
	strategy ZoneStrategy

	mu    sync.Mutex
	conns map[string]*connection.Connection
	order []string // server ids in registration order, for deterministic fallback
	zones map[int32]string
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger overrides the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithZoneStrategy installs a zone-detection strategy consulted when a
// request carries no explicit target zone.
func WithZoneStrategy(s ZoneStrategy) Option {
	return func(m *Manager) { m.strategy = s }
}

// New returns an empty manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		log:   slog.Default(),
		conns: make(map[string]*connection.Connection),
		zones: make(map[int32]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddConnection registers a connection under a server id, optionally
// claiming zones for that server. The upsert is idempotent: re-adding the
// same instance only refreshes zones, while a different instance for the
// same id closes and replaces the old one.
func (m *Manager) AddConnection(serverID string, conn *connection.Connection, zones ...int32) {
	m.mu.Lock()
	old, exists := m.conns[serverID]
	replaced := exists && old != conn
	m.conns[serverID] = conn
	if !exists {
		m.order = append(m.order, serverID)
	}
	for _, zone := range zones {
		m.zones[zone] = serverID
	}
	m.mu.Unlock()

	if replaced {
		m.log.Warn("replacing existing connection", "server_id", serverID)
		old.Close()
	}
}

// Rename moves a connection registered under a provisional id to the id the
// server reported in its handshake ack, carrying zone claims along.
func (m *Manager) Rename(oldID, newID string) {
	if oldID == newID {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[oldID]
	if !ok {
		return
	}
	delete(m.conns, oldID)
	m.conns[newID] = conn
	if i := slices.Index(m.order, oldID); i >= 0 {
		m.order[i] = newID
	}
	for zone, id := range m.zones {
		if id == oldID {
			m.zones[zone] = newID
		}
	}
	conn.Rebind(newID)
}

// UpdateZoneMappings bulk-merges zone-to-server entries, last write wins
// per zone.
func (m *Manager) UpdateZoneMappings(mappings map[int32]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for zone, serverID := range mappings {
		m.zones[zone] = serverID
	}
}

// ZoneMappings returns a snapshot of the current zone table.
func (m *Manager) ZoneMappings() map[int32]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int32]string, len(m.zones))
	for zone, serverID := range m.zones {
		out[zone] = serverID
	}
	return out
}

// Connection returns the live connection for a server id, if any.
func (m *Manager) Connection(serverID string) (*connection.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[serverID]
	return conn, ok
}

// Connections returns all live connections in registration order.
func (m *Manager) Connections() []*connection.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*connection.Connection, 0, len(m.conns))
	for _, serverID := range m.order {
		if conn, ok := m.conns[serverID]; ok {
			out = append(out, conn)
		}
	}
	return out
}

// ConnectionForRequest selects the connection a request should be sent on:
//
//  1. the request's explicit target zone, when it maps to a live connection
//  2. the configured zone strategy's inferred zone, likewise
//  3. the first live connection, in registration order
//  4. ErrNoConnections
func (m *Manager) ConnectionForRequest(ctx context.Context, req *wire.Request) (*connection.Connection, error) {
	if req.TargetZone != nil {
		if conn, ok := m.connectionForZone(*req.TargetZone); ok {
			return conn, nil
		}
		m.log.Debug("target zone has no live connection, falling through",
			"zone", *req.TargetZone, "grain", req.Grain)
	}

	if m.strategy != nil {
		if zone, ok := m.strategy.ZoneForGrain(ctx, req.Grain); ok {
			if conn, ok := m.connectionForZone(zone); ok {
				return conn, nil
			}
			m.log.Debug("detected zone has no live connection, falling through",
				"zone", zone, "grain", req.Grain)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, serverID := range m.order {
		if conn, ok := m.conns[serverID]; ok {
			return conn, nil
		}
	}
	return nil, ErrNoConnections
}

func (m *Manager) connectionForZone(zone int32) (*connection.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	serverID, ok := m.zones[zone]
	if !ok {
		return nil, false
	}
	conn, ok := m.conns[serverID]
	return conn, ok
}

// RemoveConnection closes and unregisters a connection and purges every
// zone mapping that pointed at it. The removed connection is returned so
// the caller can finish tearing down resources it owns, like the transport.
func (m *Manager) RemoveConnection(serverID string) (*connection.Connection, bool) {
	m.mu.Lock()
	conn, ok := m.conns[serverID]
	if !ok {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.conns, serverID)
	if i := slices.Index(m.order, serverID); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
	for zone, id := range m.zones {
		if id == serverID {
			delete(m.zones, zone)
		}
	}
	m.mu.Unlock()

	conn.Close()
	return conn, true
}
