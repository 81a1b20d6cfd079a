// Package match pairs an idle identity with a random idle peer.
package match

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/duet-chat/duet-relay/internal/channel"
	"github.com/duet-chat/duet-relay/internal/directory"
	"github.com/duet-chat/duet-relay/internal/logging"
	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/duet-chat/duet-relay/internal/registry"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

var (
	ErrNoPeerAvailable      = errors.New("no peer available")
	ErrRequesterGone        = errors.New("requester disconnected during match")
	ErrDirectoryUnavailable = errors.New("user directory unavailable")
)

// Outcomes reported to the Observer.
const (
	OutcomeMatched        = "matched"
	OutcomeAlreadyMatched = "already_matched"
	OutcomeNoPeer         = "no_peer"
	OutcomeDirectoryError = "directory_error"
	OutcomeRequesterGone  = "requester_gone"
)

// Observer is told how each match request ended.
type Observer interface {
	MatchOutcome(outcome string)
}

// Match is a completed pairing.
type Match struct {
	Peer      string
	ChannelID string
}

type Options struct {
	Log              *zap.Logger
	Observer         Observer
	Picker           Picker
	MaxAttempts      int
	DirectoryTimeout time.Duration
}

// Matchmaker selects peers from the intersection of the registry's idle identities and
// the directory's online set, and reserves the pair through the channel manager.
type Matchmaker struct {
	log        *zap.Logger
	observer   Observer
	reg        *registry.Registry
	dir        directory.Directory
	channels   *channel.Manager
	picker     Picker
	attempts   int
	dirTimeout time.Duration
}

func New(reg *registry.Registry, dir directory.Directory, channels *channel.Manager, opts Options) *Matchmaker {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Picker == nil {
		opts.Picker = NewUniformPicker(0)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.DirectoryTimeout <= 0 {
		opts.DirectoryTimeout = 2 * time.Second
	}
	return &Matchmaker{
		log:        opts.Log,
		observer:   opts.Observer,
		reg:        reg,
		dir:        dir,
		channels:   channels,
		picker:     opts.Picker,
		attempts:   opts.MaxAttempts,
		dirTimeout: opts.DirectoryTimeout,
	}
}

// RequestMatch pairs identity with a random eligible peer. On success both members have
// been sent random_user. If a concurrent request already paired identity, that pairing
// is returned without notifying again.
func (m *Matchmaker) RequestMatch(ctx context.Context, identity string) (Match, error) {
	if err := m.reg.BeginMatch(identity); err != nil {
		return Match{}, err
	}
	defer m.reg.EndMatch(identity)

	qctx, cancel := context.WithTimeout(ctx, m.dirTimeout)
	online, err := m.dir.FindOnlineExcept(qctx, identity)
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			m.outcome(OutcomeRequesterGone)
			return Match{}, ctxErr
		}
		m.outcome(OutcomeDirectoryError)
		return Match{}, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		m.outcome(OutcomeRequesterGone)
		return Match{}, err
	}

	if match, done, err := m.revalidate(identity); done {
		return match, err
	}

	pool := lo.Filter(m.reg.ListIdleCandidates(identity), func(id string, _ int) bool {
		return lo.Contains(online, id)
	})
	slices.Sort(pool)

	for attempt := 0; attempt < m.attempts && len(pool) > 0; attempt++ {
		if err := ctx.Err(); err != nil {
			m.outcome(OutcomeRequesterGone)
			return Match{}, err
		}
		i := m.picker.Pick(len(pool))
		candidate := pool[i]

		channelID, err := m.channels.Create(identity, candidate)
		if err == nil {
			m.announce(identity, candidate)
			m.outcome(OutcomeMatched)
			m.log.Info("paired", logging.Identity(identity), logging.Peer(candidate),
				zap.String("channel_id", channelID), zap.Int("attempt", attempt+1))
			return Match{Peer: candidate, ChannelID: channelID}, nil
		}
		m.log.Debug("candidate lost", logging.Identity(identity), logging.Peer(candidate), zap.Error(err))

		if match, done, err := m.revalidate(identity); done {
			return match, err
		}
		pool = slices.Delete(pool, i, i+1)
	}

	if match, done, err := m.revalidate(identity); done {
		return match, err
	}
	m.outcome(OutcomeNoPeer)
	return Match{}, ErrNoPeerAvailable
}

// revalidate checks the requester after a suspension point. done is true when the
// request must stop: the requester is gone, or someone else already paired it.
func (m *Matchmaker) revalidate(identity string) (Match, bool, error) {
	conn, ok := m.reg.Lookup(identity)
	if !ok {
		m.outcome(OutcomeRequesterGone)
		return Match{}, true, ErrRequesterGone
	}
	if conn.State == registry.StateInChannel {
		m.outcome(OutcomeAlreadyMatched)
		return Match{Peer: conn.Peer, ChannelID: conn.ChannelID}, true, nil
	}
	return Match{}, false, nil
}

func (m *Matchmaker) announce(a, b string) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		h, ok := m.reg.Handle(pair[0])
		if !ok {
			continue
		}
		if err := h.Send(protocol.Frame{Event: protocol.EventRandomUser, Data: pair[1]}); err != nil {
			m.log.Debug("random_user not delivered", logging.Identity(pair[0]), zap.Error(err))
		}
	}
}

func (m *Matchmaker) outcome(o string) {
	if m.observer != nil {
		m.observer.MatchOutcome(o)
	}
}
