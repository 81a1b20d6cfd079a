// Package channel manages the private two-party rooms formed by the matchmaker.
package channel

import (
	"fmt"
	"time"
)

// Phase is the lifecycle position of a channel. Closed is terminal.
type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseHalfOpen
	PhaseSealed
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseHalfOpen:
		return "half_open"
	case PhaseSealed:
		return "sealed"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Teardown reasons reported to the remaining member and to metrics.
const (
	ReasonLeft         = "left"
	ReasonDisconnected = "disconnected"
	ReasonJoinTimeout  = "join_timeout"
	ReasonExpired      = "expired"
)

// Channel is a snapshot of a room.
type Channel struct {
	ID           string
	Invited      [2]string
	Members      []string
	Phase        Phase
	CreatedAt    time.Time
	SealedAt     time.Time
	LastActivity time.Time
}

// room holds the pair reserved by the matchmaker and whoever of them has joined.
type room struct {
	id           string
	invited      [2]string
	members      []string
	phase        Phase
	createdAt    time.Time
	sealedAt     time.Time
	lastActivity time.Time
}

func newRoom(id, a, b string, now time.Time) *room {
	return &room{
		id:           id,
		invited:      [2]string{a, b},
		phase:        PhaseEmpty,
		createdAt:    now,
		lastActivity: now,
	}
}

// join adds identity and reports whether this join sealed the room.
func (r *room) join(identity string, now time.Time) (bool, error) {
	if r.phase == PhaseClosed {
		return false, ErrChannelNotFound
	}
	if r.isMember(identity) {
		return false, nil
	}
	if len(r.members) >= 2 {
		return false, ErrChannelFull
	}
	if !r.isInvited(identity) {
		return false, ErrNotInvited
	}
	r.members = append(r.members, identity)
	r.lastActivity = now
	if len(r.members) == 2 {
		r.phase = PhaseSealed
		r.sealedAt = now
		return true, nil
	}
	r.phase = PhaseHalfOpen
	return false, nil
}

func (r *room) isMember(identity string) bool {
	for _, m := range r.members {
		if m == identity {
			return true
		}
	}
	return false
}

func (r *room) isInvited(identity string) bool {
	return r.invited[0] == identity || r.invited[1] == identity
}

// other returns the invited identity that is not the argument.
func (r *room) other(identity string) string {
	if r.invited[0] == identity {
		return r.invited[1]
	}
	return r.invited[0]
}

func (r *room) markActive(now time.Time) {
	r.lastActivity = now
}

func (r *room) snapshot() Channel {
	return Channel{
		ID:           r.id,
		Invited:      r.invited,
		Members:      append([]string(nil), r.members...),
		Phase:        r.phase,
		CreatedAt:    r.createdAt,
		SealedAt:     r.sealedAt,
		LastActivity: r.lastActivity,
	}
}
