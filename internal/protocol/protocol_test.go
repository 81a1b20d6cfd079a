package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeRejectsMissingEvent(t *testing.T) {
	if _, err := Decode([]byte(`{"data":"x"}`)); err == nil {
		t.Fatal("expected error for frame without event")
	}
	if _, err := Decode([]byte(`not-json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestDecodePayloadValidates(t *testing.T) {
	frame, err := Decode([]byte(`{"event":"message","data":{"to":"alice","content":"hi","senderId":"bob"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var msg MessageIn
	if err := DecodePayload(frame, &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.To != "alice" || msg.Content != "hi" || msg.SenderID != "bob" {
		t.Fatalf("unexpected message: %+v", msg)
	}

	frame.Data = []byte(`{"to":"alice","content":""}`)
	if err := DecodePayload(frame, &msg); err == nil {
		t.Fatal("expected validation error for empty content")
	}

	long := strings.Repeat("x", MaxContentBytes+1)
	frame.Data = []byte(`{"content":"` + long + `"}`)
	if err := DecodePayload(frame, &MessageIn{}); err == nil {
		t.Fatal("expected validation error for oversized content")
	}

	frame.Data = nil
	if err := DecodePayload(frame, &msg); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestDecodeIdentity(t *testing.T) {
	id, err := DecodeIdentity(InboundFrame{Event: EventJoinRoom, Data: []byte(`"alice"`)})
	if err != nil {
		t.Fatalf("decode identity: %v", err)
	}
	if id != "alice" {
		t.Fatalf("expected alice, got %s", id)
	}
	if _, err := DecodeIdentity(InboundFrame{Event: EventJoinRoom, Data: []byte(`""`)}); err == nil {
		t.Fatal("expected error for empty identity")
	}
	if _, err := DecodeIdentity(InboundFrame{Event: EventJoinRoom, Data: []byte(`{"peer":"x"}`)}); err == nil {
		t.Fatal("expected error for non-string identity")
	}
}
