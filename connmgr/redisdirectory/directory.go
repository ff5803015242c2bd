// Package redisdirectory implements a zone-detection strategy backed by a
// shared redis directory, for deployments where zone ownership is decided
// outside the client (e.g. by a matchmaker or world partitioner).
//
// Keys are "<prefix><grain-type>" holding the zone id as a decimal string.
// Lookup failures are treated as "no opinion" so routing falls through to
// the next priority rather than failing the call.
package redisdirectory

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaredthirsk/grainrpc/connmgr"
	"github.com/jaredthirsk/grainrpc/wire"
)

const defaultKeyPrefix = "grainrpc:zone:"

// Strategy resolves grain types to zones via redis.
type Strategy struct {
	rdb       redis.UniversalClient
	keyPrefix string
	timeout   time.Duration
	log       *slog.Logger
}

// Option customizes a Strategy.
type Option func(*Strategy)

// WithKeyPrefix overrides the directory key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Strategy) {
		if prefix != "" {
			s.keyPrefix = prefix
		}
	}
}

// WithLookupTimeout bounds each directory lookup. Default is 250ms; a slow
// directory must not stall the routing path.
func WithLookupTimeout(d time.Duration) Option {
	return func(s *Strategy) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger overrides the strategy's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Strategy) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a redis-backed zone strategy using the given client.
func New(rdb redis.UniversalClient, opts ...Option) *Strategy {
	s := &Strategy{
		rdb:       rdb,
		keyPrefix: defaultKeyPrefix,
		timeout:   250 * time.Millisecond,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ connmgr.ZoneStrategy = (*Strategy)(nil)

// ZoneForGrain implements connmgr.ZoneStrategy.
func (s *Strategy) ZoneForGrain(ctx context.Context, grain wire.GrainID) (int32, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	val, err := s.rdb.Get(ctx, s.keyPrefix+grain.Type).Result()
	if err != nil {
		if err != redis.Nil {
			s.log.Debug("zone directory lookup failed", "grain_type", grain.Type, "err", err)
		}
		return 0, false
	}
	zone, err := strconv.ParseInt(val, 10, 32)
	if err != nil {
		s.log.Warn("zone directory entry is not a zone id", "grain_type", grain.Type, "value", val)
		return 0, false
	}
	return int32(zone), true
}

// Publish writes a zone ownership entry, mainly for tools and tests that
// seed the directory.
func (s *Strategy) Publish(ctx context.Context, grainType string, zone int32, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.keyPrefix+grainType, strconv.FormatInt(int64(zone), 10), ttl).Err()
}
