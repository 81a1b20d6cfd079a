package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/gorilla/websocket"
)

type clientConfig struct {
	relayURL string
	identity string
	role     string
	message  string
	timeout  time.Duration
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("mock client failed: %v", err)
	}
	log.Printf("mock client %s (%s) completed", cfg.identity, cfg.role)
}

func parseConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.relayURL, "url", "ws://127.0.0.1:8080/api/socket/io", "Relay WebSocket URL")
	flag.StringVar(&cfg.identity, "identity", "", "Identity to connect as")
	flag.StringVar(&cfg.role, "role", "requester", "Role for this client (requester|waiter)")
	flag.StringVar(&cfg.message, "message", "hello from the mock client", "Chat message the requester sends")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the chat flow")
	flag.Parse()

	switch cfg.role {
	case "requester", "waiter":
	default:
		log.Fatalf("unsupported role %s (expected requester or waiter)", cfg.role)
	}
	if cfg.identity == "" {
		cfg.identity = cfg.role
	}
	return cfg
}

func run(cfg clientConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	u, err := url.Parse(cfg.relayURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("userId", cfg.identity)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	if cfg.role == "requester" {
		if err := send(conn, protocol.EventRequestRandomUser, nil); err != nil {
			return err
		}
	}

	var peer string
	if err := expect(conn, protocol.EventRandomUser, &peer); err != nil {
		return err
	}
	log.Printf("paired with %s", peer)

	if err := send(conn, protocol.EventJoinRoom, peer); err != nil {
		return err
	}
	var ready protocol.RoomReady
	if err := expect(conn, protocol.EventRoomReady, &ready); err != nil {
		return err
	}
	log.Printf("channel %s sealed", ready.ChannelID)

	if cfg.role == "requester" {
		if err := send(conn, protocol.EventMessage, protocol.MessageIn{To: peer, Content: cfg.message}); err != nil {
			return err
		}
		var reply protocol.MessageOut
		if err := expect(conn, protocol.EventMessage, &reply); err != nil {
			return err
		}
		log.Printf("reply from %s: %s", reply.SenderID, reply.Content)
		return send(conn, protocol.EventLeaveRoom, nil)
	}

	var msg protocol.MessageOut
	if err := expect(conn, protocol.EventMessage, &msg); err != nil {
		return err
	}
	log.Printf("message from %s: %s", msg.SenderID, msg.Content)
	if err := send(conn, protocol.EventMessage, protocol.MessageIn{To: peer, Content: "ack: " + msg.Content}); err != nil {
		return err
	}
	var left protocol.PeerLeft
	if err := expect(conn, protocol.EventPeerLeft, &left); err != nil {
		return err
	}
	log.Printf("peer left (%s)", left.Reason)
	return nil
}

func send(conn *websocket.Conn, event string, data any) error {
	if err := conn.WriteJSON(protocol.Frame{Event: event, Data: data}); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}

// expect reads frames until event arrives. Error frames and no_users end the flow.
func expect(conn *websocket.Conn, event string, dst any) error {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("await %s: %w", event, err)
		}
		switch f.Event {
		case event:
			if dst == nil || len(f.Data) == 0 {
				return nil
			}
			return json.Unmarshal(f.Data, dst)
		case protocol.EventError:
			var body protocol.ErrorBody
			_ = json.Unmarshal(f.Data, &body)
			return fmt.Errorf("relay error %s: %s", body.Code, body.Message)
		case protocol.EventNoUsers:
			return errors.New("no users available")
		case protocol.EventHeartbeat:
			continue
		default:
			log.Printf("ignoring %s while waiting for %s", f.Event, event)
		}
	}
}
