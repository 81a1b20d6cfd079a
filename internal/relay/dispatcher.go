// Package relay forwards chat and call-signal events between the two members of a
// sealed channel.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/duet-chat/duet-relay/internal/channel"
	"github.com/duet-chat/duet-relay/internal/logging"
	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/duet-chat/duet-relay/internal/registry"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Kind classifies a relayed event.
type Kind string

const (
	KindChatMessage  Kind = "chat-message"
	KindCallOffer    Kind = "call-signal-offer"
	KindCallAnswer   Kind = "call-signal-answer"
	KindICECandidate Kind = "ice-candidate"
)

var (
	ErrNotInChannel   = channel.ErrNotInChannel
	ErrInvalidSignal  = errors.New("invalid call signal")
	ErrInvalidContent = errors.New("invalid message content")
	ErrUnknownKind    = errors.New("unknown relay event kind")
)

// Event is one client event to be forwarded. Sender is the authenticated identity of the
// connection it arrived on.
type Event struct {
	Kind    Kind
	Sender  string
	To      string
	Content string
	Signal  json.RawMessage
}

// Observer counts relayed and dropped events.
type Observer interface {
	Relayed(kind string)
	Dropped(kind string)
}

type Options struct {
	Log         *zap.Logger
	Observer    Observer
	ValidateSDP bool
}

// Dispatcher delivers events to the sender's current peer and nobody else.
type Dispatcher struct {
	log         *zap.Logger
	observer    Observer
	reg         *registry.Registry
	channels    *channel.Manager
	validateSDP bool
}

func NewDispatcher(reg *registry.Registry, channels *channel.Manager, opts Options) *Dispatcher {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Dispatcher{
		log:         opts.Log,
		observer:    opts.Observer,
		reg:         reg,
		channels:    channels,
		validateSDP: opts.ValidateSDP,
	}
}

// Relay resolves the sender's sealed-channel peer and forwards the event to it. A To
// that names anyone but the peer fails with ErrNotInChannel.
func (d *Dispatcher) Relay(ev Event) error {
	frame, err := d.frameFor(ev)
	if err != nil {
		return err
	}

	peer, channelID, err := d.channels.PeerOf(ev.Sender)
	if err != nil {
		return ErrNotInChannel
	}
	if ev.To != "" && ev.To != peer {
		return ErrNotInChannel
	}

	h, ok := d.reg.Handle(peer)
	if !ok {
		return ErrNotInChannel
	}
	if err := h.Send(frame); err != nil {
		// the peer's session is closing; its teardown will notify the sender
		d.log.Debug("relay dropped", zap.String("kind", string(ev.Kind)),
			zap.String("channel_id", channelID), logging.Peer(peer), zap.Error(err))
		d.dropped(ev.Kind)
		return nil
	}
	d.relayed(ev.Kind)
	return nil
}

func (d *Dispatcher) frameFor(ev Event) (protocol.Frame, error) {
	switch ev.Kind {
	case KindChatMessage:
		if ev.Content == "" || len(ev.Content) > protocol.MaxContentBytes {
			return protocol.Frame{}, ErrInvalidContent
		}
		return protocol.Frame{
			Event: protocol.EventMessage,
			Data:  protocol.MessageOut{Content: ev.Content, SenderID: ev.Sender},
		}, nil
	case KindCallOffer:
		if err := d.checkSDP(ev.Signal, webrtc.SDPTypeOffer); err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{
			Event: protocol.EventIncomingCall,
			Data:  protocol.IncomingCall{From: ev.Sender, Signal: ev.Signal},
		}, nil
	case KindCallAnswer:
		if len(ev.Signal) == 0 {
			return protocol.Frame{}, ErrInvalidSignal
		}
		if err := d.checkSDP(ev.Signal, webrtc.SDPTypeAnswer); err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{
			Event: protocol.EventCallAnswered,
			Data:  protocol.CallAnswered{From: ev.Sender, Signal: ev.Signal},
		}, nil
	case KindICECandidate:
		if len(ev.Signal) == 0 {
			return protocol.Frame{}, ErrInvalidSignal
		}
		return protocol.Frame{
			Event: protocol.EventICECandidate,
			Data:  protocol.ICECandidateOut{From: ev.Sender, Candidate: ev.Signal},
		}, nil
	default:
		return protocol.Frame{}, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
}

// checkSDP parses an offer/answer signal when validation is enabled. Signals are opaque
// otherwise, and an absent offer signal is allowed.
func (d *Dispatcher) checkSDP(signal json.RawMessage, want webrtc.SDPType) error {
	if !d.validateSDP || len(signal) == 0 {
		return nil
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(signal, &desc); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidSignal, want, desc.Type)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignal, err)
	}
	return nil
}

func (d *Dispatcher) relayed(k Kind) {
	if d.observer != nil {
		d.observer.Relayed(string(k))
	}
}

func (d *Dispatcher) dropped(k Kind) {
	if d.observer != nil {
		d.observer.Dropped(string(k))
	}
}
