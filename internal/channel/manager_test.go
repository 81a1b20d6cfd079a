package channel

import (
	"sync"
	"testing"
	"time"

	"github.com/duet-chat/duet-relay/internal/protocol"
	"github.com/duet-chat/duet-relay/internal/registry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingHandle struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (h *recordingHandle) Send(frame protocol.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
	return nil
}

func (h *recordingHandle) Close() {}

func (h *recordingHandle) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.frames))
	for _, f := range h.frames {
		out = append(out, f.Event)
	}
	return out
}

func (h *recordingHandle) last() protocol.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frames[len(h.frames)-1]
}

type countingObserver struct {
	opened, sealed int
	closed         map[string]int
}

func (o *countingObserver) ChannelOpened() { o.opened++ }
func (o *countingObserver) ChannelSealed() { o.sealed++ }
func (o *countingObserver) ChannelClosed(reason string) {
	if o.closed == nil {
		o.closed = make(map[string]int)
	}
	o.closed[reason]++
}

func setup(t *testing.T, ids ...string) (*Manager, *registry.Registry, map[string]*recordingHandle, *countingObserver) {
	t.Helper()
	reg := registry.New()
	handles := make(map[string]*recordingHandle, len(ids))
	for _, id := range ids {
		h := &recordingHandle{}
		_, err := reg.Register(id, h)
		require.NoError(t, err)
		handles[id] = h
	}
	obs := &countingObserver{}
	mgr := NewManager(reg, Options{Log: zaptest.NewLogger(t), Observer: obs})
	return mgr, reg, handles, obs
}

func TestChannelLifecycle(t *testing.T) {
	req := require.New(t)
	mgr, reg, handles, obs := setup(t, "alice", "bob")

	id, err := mgr.Create("alice", "bob")
	req.NoError(err)
	ch, ok := mgr.Get(id)
	req.True(ok)
	req.Equal(PhaseEmpty, ch.Phase)

	ch, err = mgr.Join(id, "alice")
	req.NoError(err)
	req.Equal(PhaseHalfOpen, ch.Phase)

	_, _, err = mgr.PeerOf("alice")
	req.ErrorIs(err, ErrNotInChannel, "half-open channels must not relay")

	ch, err = mgr.JoinPeer("bob", "alice")
	req.NoError(err)
	req.Equal(PhaseSealed, ch.Phase)
	req.ElementsMatch([]string{"alice", "bob"}, ch.Members)

	req.Equal([]string{protocol.EventRoomReady}, handles["alice"].events())
	ready := handles["bob"].last().Data.(protocol.RoomReady)
	req.Equal(id, ready.ChannelID)
	req.Equal("alice", ready.Peer)

	peer, chID, err := mgr.PeerOf("bob")
	req.NoError(err)
	req.Equal("alice", peer)
	req.Equal(id, chID)

	members, err := mgr.MembersOf(id)
	req.NoError(err)
	req.Len(members, 2)

	req.True(mgr.Leave("bob", ReasonLeft))
	left := handles["alice"].last()
	req.Equal(protocol.EventPeerLeft, left.Event)
	req.Equal("bob", left.Data.(protocol.PeerLeft).Peer)

	conn, _ := reg.Lookup("alice")
	req.Equal(registry.StateIdle, conn.State)
	_, _, err = mgr.PeerOf("alice")
	req.ErrorIs(err, ErrNotInChannel)

	_, err = mgr.Join(id, "alice")
	req.ErrorIs(err, ErrChannelNotFound, "closed ids are never reopened")

	req.Equal(1, obs.opened)
	req.Equal(1, obs.sealed)
	req.Equal(1, obs.closed[ReasonLeft])
}

func TestLeaveIsIdempotent(t *testing.T) {
	req := require.New(t)
	mgr, _, handles, obs := setup(t, "alice", "bob")

	id, err := mgr.Create("alice", "bob")
	req.NoError(err)
	_, _ = mgr.Join(id, "alice")
	_, _ = mgr.Join(id, "bob")

	req.True(mgr.Leave("alice", ReasonLeft))
	before := len(handles["bob"].events())
	req.False(mgr.Leave("alice", ReasonLeft))
	req.False(mgr.Teardown(id, "alice", ReasonDisconnected))
	req.Len(handles["bob"].events(), before, "second leave must not notify anyone")
	req.Equal(1, obs.closed[ReasonLeft])
	req.Zero(mgr.Len())
}

func TestCreateRejectsPairedIdentities(t *testing.T) {
	req := require.New(t)
	mgr, _, _, _ := setup(t, "alice", "bob", "carol")

	_, err := mgr.Create("alice", "bob")
	req.NoError(err)

	_, err = mgr.Create("carol", "alice")
	req.ErrorIs(err, ErrAlreadyInChannel)
	_, err = mgr.Create("carol", "carol")
	req.ErrorIs(err, registry.ErrSelfPairing)
	_, err = mgr.Create("carol", "nobody")
	req.ErrorIs(err, registry.ErrNotRegistered)
	req.Equal(1, mgr.Len())
}

func TestJoinRejectsThirdIdentity(t *testing.T) {
	req := require.New(t)
	mgr, _, _, _ := setup(t, "alice", "bob", "carol")

	id, err := mgr.Create("alice", "bob")
	req.NoError(err)

	_, err = mgr.Join(id, "carol")
	req.ErrorIs(err, ErrNotInvited)

	_, _ = mgr.Join(id, "alice")
	_, _ = mgr.Join(id, "bob")
	_, err = mgr.Join(id, "carol")
	req.ErrorIs(err, ErrChannelFull)

	_, err = mgr.Join(id, "alice")
	req.NoError(err, "re-joining as an existing member is a no-op")

	_, err = mgr.Join("missing", "alice")
	req.ErrorIs(err, ErrChannelNotFound)
	_, err = mgr.MembersOf("missing")
	req.ErrorIs(err, ErrChannelNotFound)

	_, err = mgr.JoinPeer("carol", "alice")
	req.ErrorIs(err, ErrNotInChannel)
	_, err = mgr.JoinPeer("alice", "carol")
	req.ErrorIs(err, ErrChannelNotFound)
}

func TestDisconnectTeardownReleasesPeer(t *testing.T) {
	req := require.New(t)
	mgr, reg, handles, _ := setup(t, "alice", "bob")

	id, err := mgr.Create("alice", "bob")
	req.NoError(err)
	_, _ = mgr.Join(id, "alice")
	_, _ = mgr.Join(id, "bob")

	bob, _ := reg.Lookup("bob")
	snap, ok := reg.Unregister("bob", bob.ID)
	req.True(ok)
	req.Equal(id, snap.ChannelID)

	req.True(mgr.Teardown(snap.ChannelID, "bob", ReasonDisconnected))
	req.False(mgr.Teardown(snap.ChannelID, "alice", ReasonDisconnected))

	left := handles["alice"].last()
	req.Equal(protocol.EventPeerLeft, left.Event)
	req.Equal(ReasonDisconnected, left.Data.(protocol.PeerLeft).Reason)

	req.Equal([]string{"alice"}, reg.ListIdleCandidates(""))
}

func TestExpireClosesStaleChannels(t *testing.T) {
	req := require.New(t)
	reg := registry.New()
	handles := map[string]*recordingHandle{}
	for _, id := range []string{"a", "b", "c", "d"} {
		handles[id] = &recordingHandle{}
		_, err := reg.Register(id, handles[id])
		req.NoError(err)
	}
	mgr := NewManager(reg, Options{
		Log:         zaptest.NewLogger(t),
		JoinTimeout: time.Minute,
		IdleTimeout: time.Hour,
	})
	start := time.Now()
	mgr.nowFn = func() time.Time { return start }

	pending, err := mgr.Create("a", "b")
	req.NoError(err)
	sealed, err := mgr.Create("c", "d")
	req.NoError(err)
	_, _ = mgr.Join(sealed, "c")
	_, _ = mgr.Join(sealed, "d")

	req.Zero(mgr.Expire(start.Add(30 * time.Second)))
	req.Equal(1, mgr.Expire(start.Add(2*time.Minute)))
	_, ok := mgr.Get(pending)
	req.False(ok)
	req.Equal(ReasonJoinTimeout, handles["a"].last().Data.(protocol.PeerLeft).Reason)
	req.Equal(ReasonJoinTimeout, handles["b"].last().Data.(protocol.PeerLeft).Reason)

	req.Equal(1, mgr.Expire(start.Add(2*time.Hour)))
	req.Equal(ReasonExpired, handles["c"].last().Data.(protocol.PeerLeft).Reason)
	req.Zero(mgr.Len())
}
