package session

import (
	"bytes"
	"errors"
	"testing"
)

func TestSerializeArguments_SimpleRoundTrip(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	args := []any{"abc", 5, true, []byte{0x01, 0x02}, 3.5}

	data, err := f.SerializeArguments(args)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if data[0] != MarkerSegmented {
		t.Fatalf("expected segmented marker for simple args, got 0x%02x", data[0])
	}

	got, err := f.DeserializeArguments(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if len(got) != len(args) {
		t.Fatalf("expected %d args, got %d", len(args), len(got))
	}
	if got[0] != "abc" || got[1] != 5 || got[2] != true || got[4] != 3.5 {
		t.Fatalf("round-trip mismatch: %#v", got)
	}
	if !bytes.Equal(got[3].([]byte), []byte{0x01, 0x02}) {
		t.Fatalf("byte arg mismatch: %#v", got[3])
	}
}

type complexArg struct {
	Name  string
	Count int
	Tags  []string
}

func TestSerializeArguments_ComplexUsesNative(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	f.Register(complexArg{})

	args := []any{"ok", complexArg{Name: "n", Count: 2, Tags: []string{"a", "b"}}}
	data, err := f.SerializeArguments(args)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	if data[0] != MarkerNative {
		t.Fatalf("expected native marker for complex args, got 0x%02x", data[0])
	}

	got, err := f.DeserializeArguments(data)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	arg, ok := got[1].(complexArg)
	if !ok {
		t.Fatalf("expected complexArg, got %T", got[1])
	}
	if arg.Name != "n" || arg.Count != 2 || len(arg.Tags) != 2 {
		t.Fatalf("struct round-trip mismatch: %#v", arg)
	}
}

func TestSerialize_SingleValueRoundTrip(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	data, err := f.Serialize("abc5")
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var out string
	if err := f.Deserialize(data, &out); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if out != "abc5" {
		t.Fatalf("expected %q, got %q", "abc5", out)
	}
}

func TestDeserialize_LegacyPayloadFallsBack(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	// A legacy payload is a bare session encoding with no marker byte.
	raw, err := f.NewSession().Encode("legacy")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[0] == MarkerNative || raw[0] == MarkerSegmented {
		t.Skipf("gob stream happens to start with a marker byte: 0x%02x", raw[0])
	}

	var out string
	if err := f.Deserialize(raw, &out); err != nil {
		t.Fatalf("legacy deserialize: %v", err)
	}
	if out != "legacy" {
		t.Fatalf("expected %q, got %q", "legacy", out)
	}
}

func TestPayloads_IndependentlyDecodable(t *testing.T) {
	t.Parallel()

	// Serializing the same value twice must yield two payloads that decode
	// in isolation and identically: no session state leaks between calls.
	f := NewFactory()

	first, err := f.SerializeArguments([]any{"shared-value"})
	if err != nil {
		t.Fatalf("serialize first: %v", err)
	}
	second, err := f.SerializeArguments([]any{"shared-value"})
	if err != nil {
		t.Fatalf("serialize second: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("identical inputs produced different payloads; second payload depends on prior session state")
	}

	// Decode only the second payload with a fresh factory.
	got, err := NewFactory().DeserializeArguments(second)
	if err != nil {
		t.Fatalf("deserialize second in isolation: %v", err)
	}
	if got[0] != "shared-value" {
		t.Fatalf("expected %q, got %#v", "shared-value", got[0])
	}
}

func TestDeserialize_TruncatedSegmentReportsIndex(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	data, err := f.SerializeArguments([]any{"abc", 5})
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	// Cut the payload inside the second segment.
	truncated := data[:len(data)-3]
	_, err = f.DeserializeArguments(truncated)
	if err == nil {
		t.Fatal("expected error for truncated payload")
	}
	var segErr *SegmentError
	if !errors.As(err, &segErr) {
		t.Fatalf("expected SegmentError, got %T: %v", err, err)
	}
	if segErr.Index != 1 {
		t.Fatalf("expected failure at segment 1, got %d", segErr.Index)
	}
}

func TestDeserialize_OverstatedSegmentCountRejected(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	// Segmented marker followed by a count of 4294967295 with one byte of
	// payload behind it. The count must be rejected up front; sizing an
	// allocation from it would take the process down.
	payload := []byte{MarkerSegmented, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

	_, err := f.DeserializeArguments(payload)
	var segErr *SegmentError
	if !errors.As(err, &segErr) {
		t.Fatalf("expected SegmentError, got %T: %v", err, err)
	}

	var out []any
	if err := f.Deserialize(payload, &out); err == nil {
		t.Fatal("expected Deserialize to reject the payload too")
	}
}

func TestSession_SingleUse(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	s := f.NewSession()
	if _, err := s.Encode("x"); err != nil {
		t.Fatalf("first encode: %v", err)
	}
	if _, err := s.Encode("y"); !errors.Is(err, ErrSessionUsed) {
		t.Fatalf("expected ErrSessionUsed, got %v", err)
	}

	s = f.NewSession()
	data, _ := f.NewSession().Encode("x")
	var out string
	if err := s.Decode(data, &out); err != nil {
		t.Fatalf("first decode: %v", err)
	}
	if err := s.Decode(data, &out); !errors.Is(err, ErrSessionUsed) {
		t.Fatalf("expected ErrSessionUsed, got %v", err)
	}
}

func TestDeserialize_TypedDestination(t *testing.T) {
	t.Parallel()

	f := NewFactory()
	data, err := f.Serialize(int64(42))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	var out int64
	if err := f.Deserialize(data, &out); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if out != 42 {
		t.Fatalf("expected 42, got %d", out)
	}

	var wrong struct{ X int }
	if err := f.Deserialize(data, &wrong); err == nil {
		t.Fatal("expected type mismatch error")
	}
}
