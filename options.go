package grainrpc

import (
	"log/slog"
	"time"

	"github.com/jaredthirsk/grainrpc/clientauth"
	"github.com/jaredthirsk/grainrpc/config"
	"github.com/jaredthirsk/grainrpc/connmgr"
	"github.com/jaredthirsk/grainrpc/session"
	"github.com/jaredthirsk/grainrpc/transport"
	"github.com/jaredthirsk/grainrpc/wire"
)

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDialer sets the transport dialer used to reach endpoints.
func WithDialer(dial transport.DialFunc) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

// WithCodec overrides the envelope codec. The default is the JSON codec.
func WithCodec(codec wire.Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithSessionFactory overrides the serialization session factory.
func WithSessionFactory(f *session.Factory) Option {
	return func(c *Client) {
		if f != nil {
			c.sessions = f
		}
	}
}

// WithClientID sets the identity presented in handshakes. The default is a
// random UUID.
func WithClientID(id string) Option {
	return func(c *Client) {
		if id != "" {
			c.clientID = id
		}
	}
}

// WithEndpoints sets the servers Start connects to.
func WithEndpoints(eps ...Endpoint) Option {
	return func(c *Client) {
		c.endpoints = append(c.endpoints, eps...)
	}
}

// WithFeatures sets the feature list advertised in handshakes.
func WithFeatures(features ...string) Option {
	return func(c *Client) {
		c.features = append(c.features, features...)
	}
}

// WithDefaultTimeout sets the timeout applied to requests that carry none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithZoneStrategy installs a zone-detection strategy for routing.
func WithZoneStrategy(s connmgr.ZoneStrategy) Option {
	return func(c *Client) {
		c.zoneStrategy = s
	}
}

// WithTokenProvider installs the handshake token provider.
func WithTokenProvider(tp clientauth.TokenProvider) Option {
	return func(c *Client) {
		c.tokens = tp
	}
}

// FromConfig applies environment-derived configuration. Endpoints from the
// config carry no server id; the handshake ack supplies the real identity.
func FromConfig(cfg *config.Config) Option {
	return func(c *Client) {
		if cfg == nil {
			return
		}
		if cfg.ClientID != "" {
			c.clientID = cfg.ClientID
		}
		for _, addr := range cfg.Endpoints {
			c.endpoints = append(c.endpoints, Endpoint{Address: addr})
		}
		c.features = append(c.features, cfg.Features...)
		if cfg.DefaultTimeoutMillis > 0 {
			c.defaultTimeout = time.Duration(cfg.DefaultTimeoutMillis) * time.Millisecond
		}
		c.handshakeSecret = cfg.HandshakeSecret
	}
}
