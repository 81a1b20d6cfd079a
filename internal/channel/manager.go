package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duet-chat/duet-relay/internal/logging"
	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/duet-chat/duet-relay/internal/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelFull     = errors.New("channel already has two members")
	ErrNotInChannel    = errors.New("not in a sealed channel")
	ErrNotInvited      = errors.New("identity was not paired into this channel")
	// ErrAlreadyInChannel is shared with the registry so errors.Is works across layers.
	ErrAlreadyInChannel = registry.ErrAlreadyInChannel
)

// Observer receives channel lifecycle notifications, typically for metrics.
type Observer interface {
	ChannelOpened()
	ChannelSealed()
	ChannelClosed(reason string)
}

// Options configures the manager's lifecycle behaviour.
type Options struct {
	Log           *zap.Logger
	Observer      Observer
	JoinTimeout   time.Duration
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Manager owns the channel table. Lock order is always Manager.mu before the registry.
type Manager struct {
	log      *zap.Logger
	reg      *registry.Registry
	observer Observer

	mu        sync.Mutex
	channels  map[string]*room
	houseOnce sync.Once

	joinTimeout   time.Duration
	idleTimeout   time.Duration
	sweepInterval time.Duration

	nowFn func() time.Time
	newID func() string
}

// NewManager wires the channel table to the connection registry.
func NewManager(reg *registry.Registry, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	m := &Manager{
		log:           opts.Log,
		reg:           reg,
		observer:      opts.Observer,
		channels:      make(map[string]*room),
		joinTimeout:   opts.JoinTimeout,
		idleTimeout:   opts.IdleTimeout,
		sweepInterval: opts.SweepInterval,
		nowFn:         time.Now,
		newID:         uuid.NewString,
	}
	if m.joinTimeout <= 0 {
		m.joinTimeout = 30 * time.Second
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = 15 * time.Minute
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = 10 * time.Second
	}
	return m
}

// Create mints a channel for a and b and reserves both identities for it.
func (m *Manager) Create(a, b string) (string, error) {
	m.mu.Lock()
	id := m.newID()
	if err := m.reg.Reserve(a, b, id); err != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("create channel: %w", err)
	}
	m.channels[id] = newRoom(id, a, b, m.nowFn())
	m.mu.Unlock()

	m.opened()
	m.log.Debug("channel created", zap.String("channel_id", id), logging.Identity(a), logging.Peer(b))
	return id, nil
}

// Join adds identity to the channel. The join that brings the channel to two members
// seals it and tells both sides.
func (m *Manager) Join(channelID, identity string) (Channel, error) {
	m.mu.Lock()
	r, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return Channel{}, ErrChannelNotFound
	}
	sealed, err := r.join(identity, m.nowFn())
	snap := r.snapshot()
	m.mu.Unlock()

	if err != nil {
		return Channel{}, err
	}
	if sealed {
		m.sealed()
		for _, member := range snap.Members {
			m.notify(member, protocol.Frame{
				Event: protocol.EventRoomReady,
				Data:  protocol.RoomReady{ChannelID: snap.ID, Peer: r.other(member)},
			})
		}
		m.log.Info("channel sealed", zap.String("channel_id", snap.ID))
	}
	return snap, nil
}

// JoinPeer joins the channel the identity was reserved into with peer. An empty peer
// accepts whichever pairing is pending.
func (m *Manager) JoinPeer(identity, peer string) (Channel, error) {
	conn, ok := m.reg.Lookup(identity)
	if !ok {
		return Channel{}, registry.ErrNotRegistered
	}
	if conn.ChannelID == "" {
		return Channel{}, ErrNotInChannel
	}
	if peer != "" && conn.Peer != peer {
		return Channel{}, ErrChannelNotFound
	}
	return m.Join(conn.ChannelID, identity)
}

// Leave tears down the identity's channel, if any. Calling it again is a no-op.
func (m *Manager) Leave(identity, reason string) bool {
	conn, ok := m.reg.Lookup(identity)
	if !ok || conn.ChannelID == "" {
		return false
	}
	return m.Teardown(conn.ChannelID, identity, reason)
}

// Teardown closes a channel by id, returns its members to Idle and sends peer_left to
// every member other than leaver. Unknown or already closed ids are ignored.
func (m *Manager) Teardown(channelID, leaver, reason string) bool {
	m.mu.Lock()
	r, ok := m.channels[channelID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.channels, channelID)
	r.phase = PhaseClosed
	var remaining []string
	for _, id := range r.invited {
		m.reg.Release(id, channelID)
		if id != leaver {
			remaining = append(remaining, id)
		}
	}
	m.mu.Unlock()

	m.closed(reason)
	for _, id := range remaining {
		m.notify(id, protocol.Frame{
			Event: protocol.EventPeerLeft,
			Data:  protocol.PeerLeft{ChannelID: channelID, Peer: r.other(id), Reason: reason},
		})
	}
	m.log.Info("channel closed", zap.String("channel_id", channelID), zap.String("reason", reason))
	return true
}

// PeerOf resolves the other member of identity's sealed channel and marks it active.
func (m *Manager) PeerOf(identity string) (peer, channelID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.reg.Lookup(identity)
	if !ok || conn.ChannelID == "" {
		return "", "", ErrNotInChannel
	}
	r, ok := m.channels[conn.ChannelID]
	if !ok || r.phase != PhaseSealed || !r.isMember(identity) {
		return "", "", ErrNotInChannel
	}
	r.markActive(m.nowFn())
	return r.other(identity), r.id, nil
}

// MembersOf lists the identities that have joined the channel.
func (m *Manager) MembersOf(channelID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.channels[channelID]
	if !ok {
		return nil, ErrChannelNotFound
	}
	return append([]string(nil), r.members...), nil
}

// Get fetches a channel snapshot by id.
func (m *Manager) Get(channelID string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.channels[channelID]
	if !ok {
		return Channel{}, false
	}
	return r.snapshot(), true
}

// Len reports the number of open channels.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// StartHousekeeping launches periodic expiry of stale channels.
func (m *Manager) StartHousekeeping(ctx context.Context) {
	m.houseOnce.Do(func() {
		ticker := time.NewTicker(m.sweepInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.Expire(m.nowFn())
				}
			}
		}()
	})
}

// Expire closes channels that never sealed within the join timeout and sealed channels
// idle past the idle timeout. It returns how many were closed.
func (m *Manager) Expire(now time.Time) int {
	type expiring struct {
		id     string
		reason string
	}
	var expired []expiring

	m.mu.Lock()
	for id, r := range m.channels {
		switch {
		case r.phase != PhaseSealed && now.Sub(r.createdAt) > m.joinTimeout:
			expired = append(expired, expiring{id: id, reason: ReasonJoinTimeout})
		case r.phase == PhaseSealed && now.Sub(r.lastActivity) > m.idleTimeout:
			expired = append(expired, expiring{id: id, reason: ReasonExpired})
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, e := range expired {
		if m.Teardown(e.id, "", e.reason) {
			closed++
		}
	}
	return closed
}

func (m *Manager) notify(identity string, frame protocol.Frame) {
	h, ok := m.reg.Handle(identity)
	if !ok {
		return
	}
	if err := h.Send(frame); err != nil {
		m.log.Debug("notify failed", logging.Identity(identity), zap.String("event", frame.Event), zap.Error(err))
	}
}

func (m *Manager) opened() {
	if m.observer != nil {
		m.observer.ChannelOpened()
	}
}

func (m *Manager) sealed() {
	if m.observer != nil {
		m.observer.ChannelSealed()
	}
}

func (m *Manager) closed(reason string) {
	if m.observer != nil {
		m.observer.ChannelClosed(reason)
	}
}
