package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownKind indicates an envelope whose kind tag is not recognized.
// Dispatch loops log and drop such envelopes rather than failing the
// connection.
var ErrUnknownKind = errors.New("unknown envelope kind")

// Codec converts envelopes to and from transport frames. Implementations
// must be safe for concurrent use.
type Codec interface {
	Marshal(env *Envelope) ([]byte, error)
	Unmarshal(data []byte) (*Envelope, error)
}

// NewJSONCodec returns the default JSON envelope codec.
func NewJSONCodec() Codec {
	return jsonCodec{}
}

type jsonCodec struct{}

var _ Codec = jsonCodec{}

func (jsonCodec) Marshal(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("nil envelope")
	}
	if env.Kind < KindHandshake || env.Kind > KindHeartbeat {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", env.Kind, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// validate checks that the payload field matching the kind tag is present.
func (env *Envelope) validate() error {
	var ok bool
	switch env.Kind {
	case KindHandshake:
		ok = env.Handshake != nil
	case KindHandshakeAck:
		ok = env.HandshakeAck != nil
	case KindRequest:
		ok = env.Request != nil
	case KindResponse:
		ok = env.Response != nil
	case KindStreamItem:
		ok = env.StreamItem != nil
	case KindHeartbeat:
		ok = env.Heartbeat != nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}
	if !ok {
		return fmt.Errorf("%s envelope missing %s body", env.Kind, env.Kind)
	}
	return nil
}
