// Package wire defines the message envelopes exchanged between a grain RPC
// client and the servers it connects to, along with the codec contract used
// to put them on and take them off a message-oriented transport.
//
// Every transport frame carries exactly one Envelope. The envelope is a
// kind-tagged union: exactly one of the payload fields matching Kind is
// populated.
package wire

import (
	"github.com/google/uuid"
)

// ProtocolVersion is the protocol version advertised in the handshake.
const ProtocolVersion = "1.0"

// Kind discriminates the envelope union.
type Kind uint8

const (
	KindHandshake Kind = iota + 1
	KindHandshakeAck
	KindRequest
	KindResponse
	KindStreamItem
	KindHeartbeat
)

// String returns a stable name for the kind, used in logs.
func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindHandshakeAck:
		return "handshake-ack"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindStreamItem:
		return "stream-item"
	case KindHeartbeat:
		return "heartbeat"
	}
	return "unknown"
}

// Envelope is the kind-tagged union carried in each transport frame.
type Envelope struct {
	Kind Kind `json:"kind"`

	Handshake    *Handshake    `json:"handshake,omitempty"`
	HandshakeAck *HandshakeAck `json:"handshakeAck,omitempty"`
	Request      *Request      `json:"request,omitempty"`
	Response     *Response     `json:"response,omitempty"`
	StreamItem   *StreamItem   `json:"streamItem,omitempty"`
	Heartbeat    *Heartbeat    `json:"heartbeat,omitempty"`
}

// GrainID identifies one addressable grain: a type name plus a key within
// that type.
type GrainID struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

func (g GrainID) String() string {
	return g.Type + "/" + g.Key
}

// Handshake is the first message a client sends on a freshly established
// connection. Token is optional bearer material minted by the client's
// token provider.
type Handshake struct {
	ClientID        string   `json:"clientId"`
	ProtocolVersion string   `json:"protocolVersion"`
	Features        []string `json:"features,omitempty"`
	Token           string   `json:"token,omitempty"`
}

// HandshakeAck is the server's reply to a Handshake. Everything beyond
// ServerID is optional: a server may report its manifest, the zone it
// assigns this client to, and any zone-to-server routes it knows about.
type HandshakeAck struct {
	ServerID       string           `json:"serverId"`
	Manifest       *ManifestPayload `json:"manifest,omitempty"`
	AssignedZoneID *int32           `json:"assignedZoneId,omitempty"`
	ZoneMappings   map[int32]string `json:"zoneMappings,omitempty"`
}

// GrainProperties is the per-grain-type property bag reported in a manifest.
type GrainProperties struct {
	Properties map[string]string `json:"properties,omitempty"`
}

// InterfaceProperties is the per-interface-type property bag reported in a
// manifest.
type InterfaceProperties struct {
	Properties map[string]string `json:"properties,omitempty"`
}

// ManifestPayload is one server's snapshot of the grain and interface types
// it can serve, keyed by type identity.
type ManifestPayload struct {
	Grains     map[string]GrainProperties     `json:"grains,omitempty"`
	Interfaces map[string]InterfaceProperties `json:"interfaces,omitempty"`
}

// Request is one outgoing grain invocation. MethodID is derived from the
// alphabetical ordering of the interface's method names; the server derives
// the same table independently, so the ordering must match exactly.
type Request struct {
	ID            uuid.UUID `json:"id"`
	Grain         GrainID   `json:"grain"`
	InterfaceType string    `json:"interfaceType"`
	MethodID      int32     `json:"methodId"`
	Payload       []byte    `json:"payload,omitempty"`
	TimeoutMillis int64     `json:"timeoutMillis,omitempty"`
	TargetZone    *int32    `json:"targetZone,omitempty"`

	// ReturnTypeHint names the expected result type when the caller has no
	// typed destination to infer it from.
	ReturnTypeHint string `json:"returnTypeHint,omitempty"`
}

// Response correlates back to a Request by RequestID. On failure Success is
// false and ErrorMessage carries the remote error text.
type Response struct {
	RequestID    uuid.UUID `json:"requestId"`
	Success      bool      `json:"success"`
	Payload      []byte    `json:"payload,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// StreamItem is one element of a server-pushed async stream. Items within a
// stream are ordered by Sequence, starting at 1. Complete marks the final
// message of the stream; a completed item carries no payload but may carry
// a terminal error.
type StreamItem struct {
	StreamID     uuid.UUID `json:"streamId"`
	Sequence     uint64    `json:"sequence"`
	Payload      []byte    `json:"payload,omitempty"`
	Complete     bool      `json:"complete,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Heartbeat is a server liveness probe. It is logged and otherwise ignored.
type Heartbeat struct {
	ServerID string `json:"serverId"`
}
