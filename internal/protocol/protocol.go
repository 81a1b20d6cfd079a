// Package protocol defines the JSON event frames exchanged between clients and the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Event names on the wire.
const (
	EventRequestRandomUser = "request_random_user"
	EventRandomUser        = "random_user"
	EventNoUsers           = "no_users"
	EventJoinRoom          = "join_room"
	EventRoomReady         = "room_ready"
	EventLeaveRoom         = "leave_room"
	EventPeerLeft          = "peer_left"
	EventMessage           = "message"
	EventCallUser          = "call_user"
	EventIncomingCall      = "incoming_call"
	EventAnswerCall        = "answer_call"
	EventCallAnswered      = "call_answered"
	EventICECandidate      = "ice_candidate"
	EventHeartbeat         = "heartbeat"
	EventError             = "error"
)

// Error codes carried by error frames.
const (
	CodeInvalidIdentity      = "INVALID_IDENTITY"
	CodeUnknownUser          = "UNKNOWN_USER"
	CodeDuplicateIdentity    = "DUPLICATE_IDENTITY"
	CodeDirectoryUnavailable = "DIRECTORY_UNAVAILABLE"
	CodeInvalidFrame         = "INVALID_FRAME"
	CodeNotInChannel         = "NOT_IN_CHANNEL"
	CodeChannelFull          = "CHANNEL_FULL"
	CodeChannelNotFound      = "CHANNEL_NOT_FOUND"
	CodeAlreadyInChannel     = "ALREADY_IN_CHANNEL"
	CodeMatchInProgress      = "MATCH_IN_PROGRESS"
	CodeInvalidSignal        = "INVALID_SIGNAL"
	CodeRateLimited          = "RATE_LIMITED"
	CodeBackpressure         = "BACKPRESSURE"
	CodeInternal             = "INTERNAL"
)

const (
	MaxContentBytes  = 4096
	MaxIdentityBytes = 256
)

// Frame is an outbound event.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// InboundFrame is a client event whose payload is decoded per event name.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageIn is the client form of a chat message.
type MessageIn struct {
	To       string `json:"to" validate:"omitempty,max=256"`
	Content  string `json:"content" validate:"required,max=4096"`
	SenderID string `json:"senderId" validate:"omitempty,max=256"`
}

// MessageOut is what the recipient sees.
type MessageOut struct {
	Content  string `json:"content"`
	SenderID string `json:"senderId"`
}

// CallUser opens a call towards the peer. Signal typically holds an SDP offer.
type CallUser struct {
	To     string          `json:"to" validate:"omitempty,max=256"`
	From   string          `json:"from" validate:"omitempty,max=256"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// IncomingCall is delivered to the callee.
type IncomingCall struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal,omitempty"`
}

// AnswerCall carries the callee's answer.
type AnswerCall struct {
	To     string          `json:"to" validate:"omitempty,max=256"`
	Signal json.RawMessage `json:"signal" validate:"required"`
}

// CallAnswered is delivered to the caller.
type CallAnswered struct {
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// ICECandidateIn trickles a candidate to the peer.
type ICECandidateIn struct {
	To        string          `json:"to" validate:"omitempty,max=256"`
	Candidate json.RawMessage `json:"candidate" validate:"required"`
}

// ICECandidateOut is the forwarded candidate.
type ICECandidateOut struct {
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

// RoomReady tells both members their channel is sealed.
type RoomReady struct {
	ChannelID string `json:"channelId"`
	Peer      string `json:"peer"`
}

// PeerLeft tells the remaining member the channel is gone.
type PeerLeft struct {
	ChannelID string `json:"channelId"`
	Peer      string `json:"peer"`
	Reason    string `json:"reason"`
}

// ErrorBody is the payload of an error frame.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorFrame builds an error event.
func ErrorFrame(code, msg string) Frame {
	return Frame{Event: EventError, Data: ErrorBody{Code: code, Message: msg}}
}

// ErrEmptyPayload is returned when an event that needs data arrives without it.
var ErrEmptyPayload = errors.New("payload required")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode parses a client frame.
func Decode(raw []byte) (InboundFrame, error) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return InboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	frame.Event = strings.TrimSpace(frame.Event)
	if frame.Event == "" {
		return InboundFrame{}, errors.New("event name required")
	}
	return frame, nil
}

// DecodePayload unmarshals frame data into dst and runs struct validation.
func DecodePayload(frame InboundFrame, dst any) error {
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return ErrEmptyPayload
	}
	if err := json.Unmarshal(frame.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", frame.Event, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid %s payload: %w", frame.Event, err)
	}
	return nil
}

// DecodeIdentity reads a payload that is a bare JSON string holding an identity.
func DecodeIdentity(frame InboundFrame) (string, error) {
	if len(frame.Data) == 0 || string(frame.Data) == "null" {
		return "", ErrEmptyPayload
	}
	var id string
	if err := json.Unmarshal(frame.Data, &id); err != nil {
		return "", fmt.Errorf("decode %s payload: %w", frame.Event, err)
	}
	if err := validate.Var(id, "required,max=256"); err != nil {
		return "", fmt.Errorf("invalid %s payload: %w", frame.Event, err)
	}
	return id, nil
}
