package rpc

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{Op: OpLookup, Status: 0, Seq: 7, Payload: []byte("hello")}
	decoded, err := Decode(m.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Op != m.Op || decoded.Seq != m.Seq || !bytes.Equal(decoded.Payload, m.Payload) {
		t.Fatalf("round trip mismatch: got %+v", decoded)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding short frame")
	}
}
