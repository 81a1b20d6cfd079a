package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	ErrIdentityRequired  = errors.New("identity is required")
	ErrDuplicateIdentity = errors.New("identity already connected")
	ErrNotRegistered     = errors.New("identity not registered")
	ErrAlreadyInChannel  = errors.New("identity already in a channel")
	ErrMatchInProgress   = errors.New("match already in progress")
	ErrSelfPairing       = errors.New("cannot pair an identity with itself")
	ErrInvalidTransition = errors.New("invalid connection state transition")
)

// Handle is the live transport endpoint of a registered identity.
// Send must not block; it queues the frame or fails.
type Handle interface {
	Send(frame protocol.Frame) error
	Close()
}

// Connection is a point-in-time copy of a registry entry.
type Connection struct {
	ID          string
	Identity    string
	State       State
	ChannelID   string
	Peer        string
	ConnectedAt time.Time
}

type entry struct {
	id          string
	identity    string
	handle      Handle
	state       State
	channelID   string
	peer        string
	connectedAt time.Time
}

func (e *entry) snapshot() Connection {
	return Connection{
		ID:          e.id,
		Identity:    e.identity,
		State:       e.state,
		ChannelID:   e.channelID,
		Peer:        e.peer,
		ConnectedAt: e.connectedAt,
	}
}

// Registry is the source of truth for who is online and what each connection is doing.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	nowFn func() time.Time
	newID func() string
}

// New builds an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		nowFn: time.Now,
		newID: uuid.NewString,
	}
}

// Register records an identity as online and idle. A second live connection for the
// same identity is rejected with ErrDuplicateIdentity.
func (r *Registry) Register(identity string, handle Handle) (Connection, error) {
	if identity == "" {
		return Connection{}, ErrIdentityRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[identity]; exists {
		return Connection{}, ErrDuplicateIdentity
	}
	e := &entry{
		id:          r.newID(),
		identity:    identity,
		handle:      handle,
		state:       StateIdle,
		connectedAt: r.nowFn(),
	}
	r.conns[identity] = e
	return e.snapshot(), nil
}

// Unregister removes the identity if connID still owns it. Repeated calls are no-ops.
// The returned snapshot keeps the channel binding so the caller can tear it down.
func (r *Registry) Unregister(identity, connID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[identity]
	if !ok || (connID != "" && e.id != connID) {
		return Connection{}, false
	}
	delete(r.conns, identity)
	e.state = StateClosed
	return e.snapshot(), true
}

// Lookup returns the current snapshot for an identity.
func (r *Registry) Lookup(identity string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[identity]
	if !ok {
		return Connection{}, false
	}
	return e.snapshot(), true
}

// Handle returns the transport handle for an online identity.
func (r *Registry) Handle(identity string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[identity]
	if !ok || e.handle == nil {
		return nil, false
	}
	return e.handle, true
}

// ListIdleCandidates returns every online identity that could be paired right now,
// except the caller. Order is unspecified.
func (r *Registry) ListIdleCandidates(excluding string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.FilterMap(lo.Values(r.conns), func(e *entry, _ int) (string, bool) {
		return e.identity, e.identity != excluding && e.state.Eligible()
	})
}

// BeginMatch moves an idle identity into Matching.
func (r *Registry) BeginMatch(identity string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[identity]
	if !ok {
		return ErrNotRegistered
	}
	switch e.state {
	case StateMatching:
		return ErrMatchInProgress
	case StateInChannel:
		return ErrAlreadyInChannel
	}
	return e.transition(StateMatching)
}

// EndMatch returns a Matching identity to Idle. Identities that were paired meanwhile
// are left alone.
func (r *Registry) EndMatch(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[identity]; ok && e.state == StateMatching {
		_ = e.transition(StateIdle)
	}
}

// Reserve binds a and b to channelID in one step. It succeeds only if both are online
// and neither is already bound to a channel, so concurrent callers racing for the same
// identity see exactly one winner.
func (r *Registry) Reserve(a, b, channelID string) error {
	if a == b {
		return ErrSelfPairing
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ea, okA := r.conns[a]
	eb, okB := r.conns[b]
	if !okA || !okB {
		return ErrNotRegistered
	}
	if ea.state == StateInChannel || eb.state == StateInChannel {
		return ErrAlreadyInChannel
	}
	if !ea.state.Eligible() || !eb.state.Eligible() {
		return ErrInvalidTransition
	}

	_ = ea.transition(StateInChannel)
	_ = eb.transition(StateInChannel)
	ea.channelID, ea.peer = channelID, b
	eb.channelID, eb.peer = channelID, a
	return nil
}

// Release unbinds identity from channelID and makes it idle again. It returns false if
// the identity is offline or bound elsewhere.
func (r *Registry) Release(identity, channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[identity]
	if !ok || e.state != StateInChannel || e.channelID != channelID {
		return false
	}
	_ = e.transition(StateIdle)
	e.channelID, e.peer = "", ""
	return true
}

// Len reports the number of online identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (e *entry) transition(to State) error {
	if !CanTransition(e.state, to) {
		return ErrInvalidTransition
	}
	e.state = to
	return nil
}
