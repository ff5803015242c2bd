package grainrpc

import (
	"context"
	"time"

	"github.com/jaredthirsk/grainrpc/connection"
	"github.com/jaredthirsk/grainrpc/transport"
	"github.com/jaredthirsk/grainrpc/wire"
)

func newClientConn(serverID, endpoint string, tr transport.Transport, c *Client) *connection.Connection {
	return connection.New(serverID, endpoint, tr, (*clientSink)(c))
}

// clientSink adapts the client onto the connection event sink without
// exporting the event methods on Client itself.
type clientSink Client

var _ connection.Sink = (*clientSink)(nil)

func (s *clientSink) OnData(serverID string, data []byte) {
	(*Client)(s).handleData(serverID, data)
}

func (s *clientSink) OnEstablished(serverID string) {
	(*Client)(s).sendHandshake(serverID)
}

func (s *clientSink) OnClosed(serverID string, err error) {
	c := (*Client)(s)
	switch c.State() {
	case StateStopping, StateStopped:
		// Stop owns the teardown.
		return
	}
	c.teardownServer(serverID, err)
}

func (c *Client) sendHandshake(serverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hs := &wire.Handshake{
		ClientID:        c.clientID,
		ProtocolVersion: wire.ProtocolVersion,
		Features:        c.features,
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			c.log.Error("failed to mint handshake token", "server_id", serverID, "err", err)
			return
		}
		hs.Token = token
	}

	conn, ok := c.manager.Connection(serverID)
	if !ok {
		return
	}
	data, err := c.codec.Marshal(&wire.Envelope{Kind: wire.KindHandshake, Handshake: hs})
	if err != nil {
		c.log.Error("failed to marshal handshake", "server_id", serverID, "err", err)
		return
	}
	if err := conn.Send(ctx, data); err != nil {
		c.log.Warn("failed to send handshake", "server_id", serverID, "err", err)
	}
}

// handleData runs on the transport's delivery goroutine. Failures here are
// scoped to the one message or the one pending request they belong to;
// nothing on this path may take the whole dispatch loop down.
func (c *Client) handleData(serverID string, data []byte) {
	env, err := c.codec.Unmarshal(data)
	if err != nil {
		c.log.Warn("dropping undecodable message", "server_id", serverID, "bytes", len(data), "err", err)
		return
	}

	switch env.Kind {
	case wire.KindHandshakeAck:
		c.handleHandshakeAck(serverID, env.HandshakeAck)
	case wire.KindResponse:
		c.handleResponse(serverID, env.Response)
	case wire.KindStreamItem:
		c.handleStreamItem(serverID, env.StreamItem)
	case wire.KindHeartbeat:
		c.log.Debug("heartbeat", "server_id", serverID)
	default:
		// Requests and handshakes are client-to-server only.
		c.log.Warn("dropping unexpected message kind", "server_id", serverID, "kind", env.Kind.String())
	}
}

func (c *Client) handleHandshakeAck(provisionalID string, ack *wire.HandshakeAck) {
	serverID := provisionalID
	if ack.ServerID != "" && ack.ServerID != provisionalID {
		// The connection was registered under a provisional id derived from
		// the endpoint; adopt the identity the server reports.
		c.manager.Rename(provisionalID, ack.ServerID)
		c.mu.Lock()
		if tr, ok := c.transports[provisionalID]; ok {
			delete(c.transports, provisionalID)
			c.transports[ack.ServerID] = tr
		}
		c.mu.Unlock()
		serverID = ack.ServerID
	}

	if len(ack.ZoneMappings) > 0 {
		c.manager.UpdateZoneMappings(ack.ZoneMappings)
	}
	if ack.AssignedZoneID != nil {
		zone := *ack.AssignedZoneID
		c.mu.Lock()
		c.assignedZone = &zone
		c.mu.Unlock()
	}
	if ack.Manifest != nil {
		c.manifests.UpdateFromServer(serverID, *ack.Manifest)
	}

	c.log.Info("handshake complete", "server_id", serverID,
		"zones", len(ack.ZoneMappings), "has_manifest", ack.Manifest != nil)
}

func (c *Client) handleResponse(serverID string, resp *wire.Response) {
	val, ok := c.pending.LoadAndDelete(resp.RequestID)
	if !ok {
		// Either the request already timed out or a peer double-sent; in
		// both cases the first completion won and this one is dropped.
		c.log.Debug("no pending request for response", "server_id", serverID, "request_id", resp.RequestID)
		return
	}
	val.(*pendingCall).respCh <- resp
}
