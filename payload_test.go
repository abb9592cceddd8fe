package rcache

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestSegment(t *testing.T) *MappedSegment {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seg")
	seg, err := OpenMappedSegment(path, 4096, 4096)
	if err != nil {
		t.Fatalf("OpenMappedSegment: %v", err)
	}
	t.Cleanup(func() { seg.Close() })
	return seg
}

func TestInlinePayloadRoundTrip(t *testing.T) {
	seg := openTestSegment(t)
	key := FNV64Key([]byte("hello"))
	p := NewInlinePayload(key, []byte("hello"))

	off, err := seg.allocate(int(p.MetadataSize()))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	n, err := p.Serialize(seg, off)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := (inlineDeserializer{}).Deserialize(seg, off, n, key, false)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	gotInline, ok := got.(*InlinePayload)
	if !ok {
		t.Fatalf("Deserialize returned %T, want *InlinePayload", got)
	}
	if string(gotInline.Bytes) != "hello" {
		t.Errorf("Bytes = %q, want %q", gotInline.Bytes, "hello")
	}
	if gotInline.HashOfDeserialized() != key {
		t.Errorf("HashOfDeserialized() = %v, want %v", gotInline.HashOfDeserialized(), key)
	}
}

func TestInlinePayloadCorruptedHashTag(t *testing.T) {
	seg := openTestSegment(t)
	key := FNV64Key([]byte("hello"))
	p := NewInlinePayload(key, []byte("hello"))

	off, err := seg.allocate(int(p.MetadataSize()))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	n, err := p.Serialize(seg, off)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	wrongKey := FNV64Key([]byte("goodbye"))
	_, err = (inlineDeserializer{}).Deserialize(seg, off, n, wrongKey, false)
	var df *DeserializationFailedError
	if !errors.As(err, &df) {
		t.Fatalf("Deserialize with mismatched key = %v, want *DeserializationFailedError", err)
	}
}

func TestInlinePayloadShortPayload(t *testing.T) {
	seg := openTestSegment(t)
	off, err := seg.allocate(4)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	_, err = (inlineDeserializer{}).Deserialize(seg, off, 4, Key(1), false)
	var df *DeserializationFailedError
	if !errors.As(err, &df) {
		t.Fatalf("Deserialize with short payload = %v, want *DeserializationFailedError", err)
	}
	if !errors.Is(err, errShortPayload) {
		t.Fatalf("Deserialize error chain missing errShortPayload: %v", err)
	}
}

func TestFNV64KeyDeterministic(t *testing.T) {
	a := FNV64Key([]byte("abc"), []byte("def"))
	b := FNV64Key([]byte("abc"), []byte("def"))
	if a != b {
		t.Errorf("FNV64Key not deterministic: %v != %v", a, b)
	}
	c := FNV64Key([]byte("xyz"))
	if a == c {
		t.Errorf("FNV64Key(\"abc\",\"def\") collided with FNV64Key(\"xyz\"): both %v", a)
	}
}
