// Package session provides the serialization discipline for grain calls:
// every encode or decode happens inside a fresh, single-use session, so no
// payload ever depends on state carried over from an earlier call.
//
// The client and server are separate runtime instances. A stream-oriented
// codec that amortizes type descriptors or back-references across calls
// (as a long-lived gob stream does) produces payloads that only decode in
// the exact stream position they were written in. Fresh sessions make each
// payload independently decodable, at the cost of re-sending descriptors.
//
// Payload format, first byte:
//
//	0x00  native: whole payload is one gob stream from one session
//	0xFF  segmented: 4-byte big-endian segment count, then per segment a
//	      4-byte big-endian length and that many bytes, each segment its
//	      own gob stream from its own session
//	else  legacy: the entire payload (no marker) is one native gob stream
package session

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

const (
	// MarkerNative prefixes a whole-payload native binary encoding.
	MarkerNative byte = 0x00
	// MarkerSegmented prefixes a length-prefixed sequence of independently
	// encoded segments.
	MarkerSegmented byte = 0xFF
)

// ErrSessionUsed is returned when a session is asked to encode or decode a
// second time. Sessions are strictly single-use.
var ErrSessionUsed = errors.New("serialization session already used")

// SegmentError reports a malformed segment inside a segmented payload. It
// identifies the failing segment so one bad argument can be diagnosed
// without guessing.
type SegmentError struct {
	Index     int
	Declared  int
	Remaining int
	Err       error
}

func (e *SegmentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payload segment %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("payload segment %d: declared %d bytes, %d remaining", e.Index, e.Declared, e.Remaining)
}

func (e *SegmentError) Unwrap() error { return e.Err }

// value wraps every encoded datum so concrete types travel inside an
// interface field and decode without the caller pre-declaring them.
type value struct {
	V any
}

var registerOnce sync.Once

func registerCommonTypes() {
	// Basic scalars are pre-registered by encoding/gob; these are the
	// composites that show up in untyped argument lists.
	gob.Register([]any(nil))
	gob.Register(map[string]any(nil))
	gob.Register(map[string]string(nil))
	gob.Register(int32(0))
	gob.Register(int64(0))
	gob.Register(uint32(0))
	gob.Register(uint64(0))
	gob.Register(float32(0))
}

// Factory creates sessions and implements the argument/result payload
// format. It is stateless apart from its logger and the process-wide type
// registry it feeds.
type Factory struct {
	log *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger overrides the factory's logger.
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if l != nil {
			f.log = l
		}
	}
}

// NewFactory returns a session factory. Common composite types used in
// argument lists are registered once per process.
func NewFactory(opts ...FactoryOption) *Factory {
	registerOnce.Do(registerCommonTypes)
	f := &Factory{log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register makes a concrete type encodable inside untyped argument lists.
// It must be called for every application type that crosses the wire, on
// both client and server, with identical registrations.
func (f *Factory) Register(v any) {
	gob.Register(v)
}

// RegisterName is Register with an explicit wire name, for types whose
// package path differs between client and server builds.
func (f *Factory) RegisterName(name string, v any) {
	gob.RegisterName(name, v)
}

// NewSession returns a fresh single-use encode/decode context.
func (f *Factory) NewSession() *Session {
	return &Session{}
}

// Session is one single-use encode or decode context. Exactly one Encode or
// one Decode call is permitted; further calls fail with ErrSessionUsed.
type Session struct {
	used bool
}

// Encode serializes v into a self-contained byte sequence.
func (s *Session) Encode(v any) ([]byte, error) {
	if s.used {
		return nil, ErrSessionUsed
	}
	s.used = true
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value{V: v}); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a self-contained byte sequence into out, which must
// be a non-nil pointer whose element type the decoded value is assignable to.
func (s *Session) Decode(data []byte, out any) error {
	if s.used {
		return ErrSessionUsed
	}
	s.used = true
	var w value
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return assign(w.V, out)
}

func assign(v, out any) error {
	dst := reflect.ValueOf(out)
	if dst.Kind() != reflect.Pointer || dst.IsNil() {
		return fmt.Errorf("decode destination must be a non-nil pointer, got %T", out)
	}
	elem := dst.Elem()
	if v == nil {
		elem.SetZero()
		return nil
	}
	sv := reflect.ValueOf(v)
	if !sv.Type().AssignableTo(elem.Type()) {
		if sv.Type().ConvertibleTo(elem.Type()) && elem.Kind() != reflect.Interface {
			elem.Set(sv.Convert(elem.Type()))
			return nil
		}
		return fmt.Errorf("cannot assign decoded %s to %s", sv.Type(), elem.Type())
	}
	elem.Set(sv)
	return nil
}

// SerializeArguments encodes a call's argument list. Lists made up solely
// of simple scalar values are encoded one fresh session per argument under
// the segmented marker; anything richer is encoded as a single native
// payload in one fresh session.
func (f *Factory) SerializeArguments(args []any) ([]byte, error) {
	if allSimple(args) {
		return f.serializeSegmented(args)
	}
	return f.Serialize(args)
}

func (f *Factory) serializeSegmented(args []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(MarkerSegmented)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(args)))
	buf.Write(hdr[:])
	for i, arg := range args {
		seg, err := f.NewSession().Encode(arg)
		if err != nil {
			return nil, &SegmentError{Index: i, Err: err}
		}
		binary.BigEndian.PutUint32(hdr[:], uint32(len(seg)))
		buf.Write(hdr[:])
		buf.Write(seg)
	}
	return buf.Bytes(), nil
}

// Serialize encodes a single value (or a complex argument list) as a native
// whole-payload binary in one fresh session.
func (f *Factory) Serialize(v any) ([]byte, error) {
	data, err := f.NewSession().Encode(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+1)
	out = append(out, MarkerNative)
	return append(out, data...), nil
}

// Deserialize decodes a payload into out, dispatching on the marker byte.
// Payloads with no recognized marker are decoded as legacy whole-payload
// native binary.
func (f *Factory) Deserialize(data []byte, out any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	switch data[0] {
	case MarkerNative:
		return f.NewSession().Decode(data[1:], out)
	case MarkerSegmented:
		args, err := f.decodeSegments(data[1:])
		if err != nil {
			return err
		}
		return assign(args, out)
	default:
		// Legacy payload written before markers existed.
		return f.NewSession().Decode(data, out)
	}
}

// DeserializeArguments decodes an argument payload produced by
// SerializeArguments back into its argument list.
func (f *Factory) DeserializeArguments(data []byte) ([]any, error) {
	if len(data) == 0 {
		return nil, errors.New("empty payload")
	}
	switch data[0] {
	case MarkerSegmented:
		return f.decodeSegments(data[1:])
	case MarkerNative:
		var args []any
		if err := f.NewSession().Decode(data[1:], &args); err != nil {
			return nil, err
		}
		return args, nil
	default:
		var args []any
		if err := f.NewSession().Decode(data, &args); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (f *Factory) decodeSegments(data []byte) ([]any, error) {
	if len(data) < 4 {
		return nil, &SegmentError{Index: -1, Declared: 4, Remaining: len(data), Err: errors.New("truncated segment count")}
	}
	count := binary.BigEndian.Uint32(data)
	data = data[4:]
	// Each segment carries at least a 4-byte length header, so a count the
	// remaining bytes cannot hold is malformed, not just large. Bounding it
	// here keeps a hostile count from driving the allocation below.
	if uint64(count) > uint64(len(data))/4 {
		return nil, &SegmentError{Index: -1, Declared: int(count), Remaining: len(data), Err: errors.New("segment count exceeds payload")}
	}
	args := make([]any, 0, count)
	for i := 0; i < int(count); i++ {
		if len(data) < 4 {
			return nil, &SegmentError{Index: i, Declared: 4, Remaining: len(data), Err: errors.New("truncated segment length")}
		}
		n := int(binary.BigEndian.Uint32(data))
		data = data[4:]
		if n > len(data) {
			return nil, &SegmentError{Index: i, Declared: n, Remaining: len(data)}
		}
		var v any
		if err := f.NewSession().Decode(data[:n], &v); err != nil {
			return nil, &SegmentError{Index: i, Declared: n, Remaining: len(data), Err: err}
		}
		args = append(args, v)
		data = data[n:]
	}
	return args, nil
}

func allSimple(args []any) bool {
	for _, arg := range args {
		switch arg.(type) {
		case nil, string, bool, []byte,
			int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
		default:
			return false
		}
	}
	return true
}
