package message

import (
	"bytes"
	"testing"
)

func TestKeepAliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.Write((*Message)(nil).Serialize())
	msg, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msg != nil {
		t.Fatalf("expected keep-alive to decode as nil message, got %+v", msg)
	}
}

func TestSerializeReadRoundTrip(t *testing.T) {
	orig := &Message{ID: MsgBitField, Payload: []byte{0xFF, 0x00}}
	var buf bytes.Buffer
	buf.Write(orig.Serialize())

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != orig.ID || !bytes.Equal(got.Payload, orig.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, orig)
	}
}

func TestParseRequestRejectsOversizeIsCallerResponsibility(t *testing.T) {
	req := FormatRequest(1, 2, 20000)
	parsed, err := ParseRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Length != 20000 {
		t.Fatalf("expected length 20000, got %d", parsed.Length)
	}
}

func TestParsePiece(t *testing.T) {
	block := []byte{1, 2, 3, 4}
	msg := FormatPiece(5, 16384, block)
	parsed, err := ParsePiece(msg)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Index != 5 || parsed.Begin != 16384 || !bytes.Equal(parsed.Block, block) {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
}

func TestParseHaveWrongType(t *testing.T) {
	_, err := ParseHave(&Message{ID: MsgChoke})
	if err == nil {
		t.Fatal("expected error parsing have from a choke message")
	}
}
