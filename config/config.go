// Package config loads client configuration from the environment and
// supports hot-reloading the server endpoint list from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joeshaw/envdecode"
)

// Config is the environment-derived client configuration.
type Config struct {
	// ClientID identifies this client in handshakes. Empty means a random
	// id is generated at client construction.
	ClientID string `env:"GRAINRPC_CLIENT_ID"`

	// Endpoints is a semicolon-separated list of server addresses. An empty
	// list is valid: the client starts idle.
	Endpoints []string `env:"GRAINRPC_ENDPOINTS"`

	// EndpointsFile optionally names a JSON file holding the endpoint list,
	// watched for changes when passed to WatchEndpoints.
	EndpointsFile string `env:"GRAINRPC_ENDPOINTS_FILE"`

	// DefaultTimeoutMillis applies to requests that carry no timeout of
	// their own.
	DefaultTimeoutMillis int64 `env:"GRAINRPC_DEFAULT_TIMEOUT_MS,default=30000"`

	// Features advertised in the handshake.
	Features []string `env:"GRAINRPC_FEATURES"`

	// RedisAddr, when set, enables the redis-backed zone directory.
	RedisAddr string `env:"GRAINRPC_REDIS_ADDR"`

	// HandshakeSecret, when set, enables HMAC handshake tokens.
	HandshakeSecret string `env:"GRAINRPC_HANDSHAKE_SECRET"`
}

// FromEnv decodes configuration from the process environment.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		// envdecode fails when no field is set at all; an all-default
		// config is fine for us.
		if err != envdecode.ErrNoTargetFieldsAreSet {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}
	if cfg.DefaultTimeoutMillis <= 0 {
		cfg.DefaultTimeoutMillis = 30000
	}
	return &cfg, nil
}

// Endpoint is one entry of an endpoints file. ServerID is optional; when
// empty the server's handshake ack supplies the real identity.
type Endpoint struct {
	ServerID string `json:"serverId,omitempty"`
	Address  string `json:"address"`
}

// ReadEndpointsFile parses a JSON endpoints file: an array of Endpoint
// objects.
func ReadEndpointsFile(path string) ([]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}
	var eps []Endpoint
	if err := json.Unmarshal(data, &eps); err != nil {
		return nil, fmt.Errorf("parse endpoints file %s: %w", path, err)
	}
	for i, ep := range eps {
		if ep.Address == "" {
			return nil, fmt.Errorf("endpoints file %s: entry %d has no address", path, i)
		}
	}
	return eps, nil
}
